package xsk

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

type socketState int32

const (
	stateCreated socketState = iota
	stateBound
	stateReleased
)

// BindFlags mirror the sockaddr_xdp flags field in §6.
type BindFlags uint16

// BindFlagSharedUmem requests adoption of another bound socket's umem
// instead of this socket's own registration.
const BindFlagSharedUmem BindFlags = 0x1

// RebindOrdering resolves the open question in the design notes about
// whether in-flight completions from a previous binding must land before a
// rebind takes effect.
type RebindOrdering int

const (
	// RebindDrainCompletions (the default) drains in-flight work belonging
	// to the previous binding (Ingress calls and outstanding transmit
	// completions) before Bind returns. The new binding is already visible
	// to Ingress while the drain runs.
	RebindDrainCompletions RebindOrdering = iota
	// RebindAllowInterleaving permits completions from the previous and
	// new bindings to interleave across the rebind boundary.
	RebindAllowInterleaving
)

// SocketConfig controls socket-wide behavior not implied by ring/umem
// sizing.
type SocketConfig struct {
	RebindOrdering RebindOrdering
}

type boundTo struct {
	device Device
	queue  uint32
}

// Socket binds a umem and up to two data rings to a single (device, queue)
// pair. It implements the AF_XDP socket family's own create/configure/bind/
// release lifecycle (§4.3), not a client of it.
type Socket struct {
	mu    sync.Mutex
	cfg   SocketConfig
	state socketState

	current atomic.Pointer[boundTo]

	umem   *Umem
	rxRing *Ring[Descriptor]
	txRing *Ring[Descriptor]

	stats  statistics
	poller *poller

	inflight atomic.Int64

	completionMu      sync.Mutex
	completionPending uint32
}

// Create returns a new, unbound socket. It requires the caller to hold
// raw-packet capability, matching xsk_create's CAP_NET_RAW check.
func Create(cfg SocketConfig) (*Socket, error) {
	if !HasRawPacketCapability() {
		return nil, fmt.Errorf("xsk: create socket: %w", ErrPerm)
	}
	return &Socket{
		cfg:    cfg,
		poller: newPoller(),
	}, nil
}

func (s *Socket) checkMutable() error {
	if s.state == stateReleased {
		return fmt.Errorf("xsk: socket released: %w", ErrInvalid)
	}
	return nil
}

// ConfigureRXRing creates the socket's rx ring. Rejects if already created.
func (s *Socket) ConfigureRXRing(capacity uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMutable(); err != nil {
		return err
	}
	if s.rxRing != nil {
		return fmt.Errorf("xsk: rx ring already created: %w", ErrBusy)
	}
	r, err := NewRing[Descriptor](capacity, descriptorValid)
	if err != nil {
		return err
	}
	s.rxRing = r
	return nil
}

// ConfigureTXRing creates the socket's tx ring. Rejects if already created.
func (s *Socket) ConfigureTXRing(capacity uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMutable(); err != nil {
		return err
	}
	if s.txRing != nil {
		return fmt.Errorf("xsk: tx ring already created: %w", ErrBusy)
	}
	r, err := NewRing[Descriptor](capacity, descriptorValid)
	if err != nil {
		return err
	}
	s.txRing = r
	return nil
}

// ConfigureUmem registers this socket's own umem. Rejects if already
// registered.
func (s *Socket) ConfigureUmem(cfg UmemConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMutable(); err != nil {
		return err
	}
	if s.umem != nil {
		return fmt.Errorf("xsk: umem already registered: %w", ErrBusy)
	}
	u, err := NewUmem(cfg)
	if err != nil {
		return err
	}
	s.umem = u
	return nil
}

// ConfigureFillRing creates the registered umem's fill ring.
func (s *Socket) ConfigureFillRing(capacity uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMutable(); err != nil {
		return err
	}
	if s.umem == nil {
		return fmt.Errorf("xsk: umem not registered: %w", ErrInvalid)
	}
	return s.umem.CreateFillRing(capacity)
}

// ConfigureCompletionRing creates the registered umem's completion ring.
func (s *Socket) ConfigureCompletionRing(capacity uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMutable(); err != nil {
		return err
	}
	if s.umem == nil {
		return fmt.Errorf("xsk: umem not registered: %w", ErrInvalid)
	}
	return s.umem.CreateCompletionRing(capacity)
}

// Umem returns the socket's umem, or nil if none is registered yet.
func (s *Socket) Umem() *Umem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.umem
}

// TXRing returns the socket's tx ring, or nil if none is configured. A
// caller enqueues a descriptor for transmission with Reserve/Set/Produce
// directly on the returned ring; SendMsg is what actually drains it.
func (s *Socket) TXRing() *Ring[Descriptor] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txRing
}

// RXRing returns the socket's rx ring, or nil if none is configured.
// ReceiveDescriptor is the usual way to drain it; RXRing is exposed for
// callers that need direct access to ring-level accounting such as
// NumFree or IsEmpty.
func (s *Socket) RXRing() *Ring[Descriptor] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rxRing
}

// Ring mmap offsets, mirroring the fixed page offsets a real AF_XDP socket
// hands back from getsockopt(XDP_MMAP_OFFSETS) for use with mmap(2).
const (
	OffsetRXRing         uint64 = 0
	OffsetTXRing         uint64 = 0x80000000
	OffsetFillRing       uint64 = 0x100000000
	OffsetCompletionRing uint64 = 0x180000000
)

// Mmap returns the backing memory for the ring addressed by offset, one of
// OffsetRXRing/OffsetTXRing/OffsetFillRing/OffsetCompletionRing. The ring
// must already be configured, and length must not exceed its actual backing
// allocation.
func (s *Socket) Mmap(offset uint64, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var mem []byte
	switch offset {
	case OffsetRXRing:
		if s.rxRing == nil {
			return nil, fmt.Errorf("xsk: mmap: rx ring not configured: %w", ErrInvalid)
		}
		mem = s.rxRing.Bytes()
	case OffsetTXRing:
		if s.txRing == nil {
			return nil, fmt.Errorf("xsk: mmap: tx ring not configured: %w", ErrInvalid)
		}
		mem = s.txRing.Bytes()
	case OffsetFillRing:
		if s.umem == nil || s.umem.FillRing() == nil {
			return nil, fmt.Errorf("xsk: mmap: fill ring not configured: %w", ErrInvalid)
		}
		mem = s.umem.FillRing().Bytes()
	case OffsetCompletionRing:
		if s.umem == nil || s.umem.CompletionRing() == nil {
			return nil, fmt.Errorf("xsk: mmap: completion ring not configured: %w", ErrInvalid)
		}
		mem = s.umem.CompletionRing().Bytes()
	default:
		return nil, fmt.Errorf("xsk: mmap: unknown offset %#x: %w", offset, ErrInvalid)
	}

	if length < 0 || length > len(mem) {
		return nil, fmt.Errorf("xsk: mmap: length %d exceeds ring backing allocation %d: %w", length, len(mem), ErrNoSpace)
	}
	return mem[:length], nil
}

// adoptUmemFor is called by a peer socket binding with BindFlagSharedUmem,
// validating that this socket is bound to (dev, queue) and owns a umem,
// then bumping its reference count on the caller's behalf.
func (s *Socket) adoptUmemFor(dev Device, queue uint32) (*Umem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current.Load()
	if s.state != stateBound || cur == nil {
		return nil, fmt.Errorf("xsk: shared umem handle socket not bound: %w", ErrBadHandle)
	}
	if s.umem == nil {
		return nil, fmt.Errorf("xsk: shared umem handle socket has no umem: %w", ErrBadHandle)
	}
	if cur.device.Name() != dev.Name() || cur.queue != queue {
		return nil, fmt.Errorf("xsk: shared umem handle bound to a different (device,queue): %w", ErrInvalid)
	}
	s.umem.Ref()
	return s.umem, nil
}

// Bind associates the socket with (dev, queue), in either own-umem or
// shared-umem mode. Binding while already bound is a rebind: the new
// binding is attached and, per cfg.RebindOrdering, the previous binding's
// in-flight work is drained before the old (device,queue) registration is
// retracted.
func (s *Socket) Bind(dev Device, queue uint32, flags BindFlags, sharedFrom *Socket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMutable(); err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("xsk: bind: nil device: %w", ErrInvalid)
	}
	if queue >= dev.NumRXQueues() {
		return fmt.Errorf("xsk: bind: queue %d out of range: %w", queue, ErrInvalid)
	}
	if s.rxRing == nil && s.txRing == nil {
		return fmt.Errorf("xsk: bind: socket has neither rx nor tx ring: %w", ErrInvalid)
	}

	var umem *Umem
	if flags&BindFlagSharedUmem != 0 {
		if s.umem != nil {
			return fmt.Errorf("xsk: bind: socket already owns a umem: %w", ErrInvalid)
		}
		if sharedFrom == nil {
			return fmt.Errorf("xsk: bind: shared umem handle required: %w", ErrBadHandle)
		}
		su, err := sharedFrom.adoptUmemFor(dev, queue)
		if err != nil {
			return err
		}
		umem = su
	} else {
		if s.umem == nil {
			return fmt.Errorf("xsk: bind: umem not registered: %w", ErrInvalid)
		}
		if !s.umem.HasFillAndCompletionRings() {
			return fmt.Errorf("xsk: bind: umem missing fill/completion ring: %w", ErrInvalid)
		}
		umem = s.umem
	}

	old := s.current.Load()
	isRebind := old != nil

	nb := &boundTo{device: dev, queue: queue}
	s.current.Store(nb)
	globalHooks.register(dev.Name(), queue, s)

	if s.umem == nil {
		s.umem = umem
	}
	if s.rxRing != nil {
		s.rxRing.BindProps(s.umem.Props())
	}
	if s.txRing != nil {
		s.txRing.BindProps(s.umem.Props())
	}

	if isRebind {
		if s.cfg.RebindOrdering == RebindDrainCompletions {
			s.quiesceLocked()
			// Wait out transmit completions still owed by the previous
			// binding; completeTx takes only completionMu, not mu.
			for {
				s.completionMu.Lock()
				pending := s.completionPending
				s.completionMu.Unlock()
				if pending == 0 {
					break
				}
				runtime.Gosched()
			}
		}
		if old.device.Name() != dev.Name() || old.queue != queue {
			globalHooks.unregister(old.device.Name(), old.queue, s)
		}
	}

	s.state = stateBound
	return nil
}

// quiesceLocked waits for every Ingress call already in flight to return,
// matching xsk_release's synchronize_net() barrier. Must be called with mu
// held; SendMsg runs under mu, so none is in flight here, and Ingress never
// takes mu, so this cannot deadlock.
func (s *Socket) quiesceLocked() {
	for s.inflight.Load() != 0 {
		runtime.Gosched()
	}
}

// Release detaches the socket from its device, quiesces the hook, drops the
// umem reference, and destroys owned rings. Idempotent.
func (s *Socket) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateReleased {
		return nil
	}
	if cur := s.current.Load(); cur != nil {
		globalHooks.unregister(cur.device.Name(), cur.queue, s)
	}
	s.current.Store(nil)
	s.quiesceLocked()

	var firstErr error
	if s.umem != nil {
		if err := s.umem.Unref(); err != nil {
			firstErr = err
		}
	}
	if s.rxRing != nil {
		if err := s.rxRing.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.txRing != nil {
		if err := s.txRing.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.state = stateReleased
	return firstErr
}

// Stats snapshots the socket's drop and invalid-descriptor counters. The
// invalid-descriptor counts are read straight off the rx/tx rings
// (Ring.NumInvalid), matching xsk_getsockopt's XDP_STATISTICS case, which
// reads them off xs->rx/xs->tx rather than a socket-level counter.
func (s *Socket) Stats() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Statistics{RxDropped: s.stats.rxDropped.Load()}
	if s.rxRing != nil {
		st.RxInvalidDescs = s.rxRing.NumInvalid()
	}
	if s.txRing != nil {
		st.TxInvalidDescs = s.txRing.NumInvalid()
	}
	return st
}

// Bound reports the (device, queue) the socket is currently bound to.
func (s *Socket) Bound() (dev Device, queue uint32, ok bool) {
	cur := s.current.Load()
	if cur == nil {
		return nil, 0, false
	}
	return cur.device, cur.queue, true
}
