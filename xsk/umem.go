package xsk

import (
	"fmt"
	"math/bits"
	"sync"

	"golang.org/x/sys/unix"
)

// MaxNumFrames is the implementation-chosen ceiling on frames per umem
// registration, guarding against pathological mmap requests.
const MaxNumFrames = 1 << 20

// UmemConfig is the umem registration record (§6's binary-compatible
// {addr, len, frame_size, headroom} record, expressed here as a
// frame_size/headroom/num_frames triple since this package owns the
// backing allocation rather than accepting caller-supplied memory).
type UmemConfig struct {
	FrameSize uint32
	Headroom  uint32
	NumFrames uint32
}

// Umem is a registered, page-backed pool of equal-size frames plus the fill
// and completion rings used to hand frame ownership across the
// kernel/user boundary this package implements.
type Umem struct {
	mu sync.Mutex

	mem   []byte
	props Props

	free []uint32 // stack of user-owned-free frame indices

	refs uint32

	fillRing *Ring[uint32]
	compRing *Ring[uint32]
}

// NewUmem registers a umem, validating parameters per §4.2: frame_size must
// be a power of two large enough to hold headroom, headroom < frame_size,
// and num_frames must not exceed the implementation ceiling.
func NewUmem(cfg UmemConfig) (*Umem, error) {
	if cfg.FrameSize == 0 || bits.OnesCount32(cfg.FrameSize) != 1 {
		return nil, fmt.Errorf("xsk: frame size %d must be a nonzero power of two: %w", cfg.FrameSize, ErrInvalid)
	}
	if cfg.Headroom >= cfg.FrameSize {
		return nil, fmt.Errorf("xsk: headroom %d must be less than frame size %d: %w", cfg.Headroom, cfg.FrameSize, ErrInvalid)
	}
	if cfg.NumFrames == 0 {
		return nil, fmt.Errorf("xsk: num_frames must be positive: %w", ErrInvalid)
	}
	if cfg.NumFrames > MaxNumFrames {
		return nil, fmt.Errorf("xsk: num_frames %d exceeds ceiling %d: %w", cfg.NumFrames, MaxNumFrames, ErrInvalid)
	}

	size := int(cfg.NumFrames) * int(cfg.FrameSize)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("xsk: mmap umem region: %w: %v", ErrNoMem, err)
	}

	free := make([]uint32, cfg.NumFrames)
	for i := range free {
		free[i] = uint32(i)
	}

	return &Umem{
		mem: mem,
		props: Props{
			FrameSize: cfg.FrameSize,
			NumFrames: cfg.NumFrames,
			Headroom:  cfg.Headroom,
		},
		free: free,
		refs: 1,
	}, nil
}

// Props returns the umem's frame_size/num_frames/headroom snapshot.
func (u *Umem) Props() Props { return u.props }

// CreateFillRing creates the umem's fill ring (user-producer, kernel/
// engine-consumer). Fails with ErrBusy if already created.
func (u *Umem) CreateFillRing(capacity uint32) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fillRing != nil {
		return fmt.Errorf("xsk: fill ring already created: %w", ErrBusy)
	}
	r, err := NewRing[uint32](capacity, uint32Valid)
	if err != nil {
		return err
	}
	r.BindProps(u.props)
	u.fillRing = r
	return nil
}

// CreateCompletionRing creates the umem's completion ring (engine-producer,
// user-consumer). Fails with ErrBusy if already created.
func (u *Umem) CreateCompletionRing(capacity uint32) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.compRing != nil {
		return fmt.Errorf("xsk: completion ring already created: %w", ErrBusy)
	}
	r, err := NewRing[uint32](capacity, uint32Valid)
	if err != nil {
		return err
	}
	r.BindProps(u.props)
	u.compRing = r
	return nil
}

// FillRing returns the umem's fill ring, or nil if not yet created.
func (u *Umem) FillRing() *Ring[uint32] { return u.fillRing }

// CompletionRing returns the umem's completion ring, or nil if not yet
// created.
func (u *Umem) CompletionRing() *Ring[uint32] { return u.compRing }

// HasFillAndCompletionRings answers the precondition binding on a socket
// that owns its umem requires: both control rings must exist.
func (u *Umem) HasFillAndCompletionRings() bool {
	return u.fillRing != nil && u.compRing != nil
}

// Data returns the byte range for frame index i, base + i*frame_size.
func (u *Umem) Data(index uint32) []byte {
	start := int(index) * int(u.props.FrameSize)
	return u.mem[start : start+int(u.props.FrameSize)]
}

// DataWithHeadroom returns the byte range starting at the frame's headroom
// offset, base + i*frame_size + headroom.
func (u *Umem) DataWithHeadroom(index uint32) []byte {
	full := u.Data(index)
	return full[u.props.Headroom:]
}

// AllocFrame pops a user-owned-free frame index. The bool is false when no
// free frame remains.
func (u *Umem) AllocFrame() (uint32, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.free) == 0 {
		return 0, false
	}
	n := len(u.free) - 1
	idx := u.free[n]
	u.free = u.free[:n]
	return idx, true
}

// FreeFrame returns a frame index to the user-owned-free pool.
func (u *Umem) FreeFrame(index uint32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.free = append(u.free, index)
}

// Ref increments the umem's reference count, used when a second socket
// adopts this umem via shared-umem bind.
func (u *Umem) Ref() {
	u.mu.Lock()
	u.refs++
	u.mu.Unlock()
}

// Unref decrements the reference count and, if it reaches zero, releases
// the umem's backing memory and rings.
func (u *Umem) Unref() error {
	u.mu.Lock()
	u.refs--
	release := u.refs == 0
	u.mu.Unlock()
	if !release {
		return nil
	}
	return u.close()
}

func (u *Umem) close() error {
	var firstErr error
	if u.fillRing != nil {
		if err := u.fillRing.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if u.compRing != nil {
		if err := u.compRing.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if u.mem != nil {
		if err := unix.Munmap(u.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		u.mem = nil
	}
	return firstErr
}
