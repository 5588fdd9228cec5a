package xsk

import "sync"

// binding is the (device, queue) key a hook uses to route an inbound buffer
// to the socket bound there. Devices are compared by name: only one binding
// per (device name, queue) pair may exist at a time.
type binding struct {
	device string
	queue  uint32
}

// hookTable is the index-keyed dispatch table named in the design notes:
// "deliver a buffer to socket X with (device, queue) tag". Sockets
// register themselves at bind and unregister at release or rebind.
type hookTable struct {
	mu   sync.RWMutex
	byKV map[binding]*Socket
}

var globalHooks = &hookTable{byKV: make(map[binding]*Socket)}

// register installs s as the delivery target for (device, queue), unless
// another socket already holds that binding. Shared-umem sockets bind to
// the same (device, queue) as the socket whose umem they adopt (§4.2's
// "Sharing"), but only the first socket bound there ever receives ingress
// traffic through Deliver — a later shared-umem bind must not steal
// delivery away from it.
func (h *hookTable) register(device string, queue uint32, s *Socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := binding{device, queue}
	if _, exists := h.byKV[key]; exists {
		return
	}
	h.byKV[key] = s
}

func (h *hookTable) unregister(device string, queue uint32, s *Socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.byKV[binding{device, queue}]; ok && cur == s {
		delete(h.byKV, binding{device, queue})
	}
}

func (h *hookTable) lookup(device string, queue uint32) (*Socket, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.byKV[binding{device, queue}]
	return s, ok
}

// Deliver looks up the socket bound to (device, queue) and invokes its
// ingress routine with the buffer. This is the capability the
// packet-processing hook is assumed to consume; it is the sole entry point
// a hook implementation needs to drive RX.
func Deliver(device string, queue uint32, data []byte) error {
	s, ok := globalHooks.lookup(device, queue)
	if !ok {
		return ErrInvalid
	}
	return s.Ingress(device, queue, data)
}
