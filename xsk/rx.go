package xsk

import "fmt"

// Ingress is the RX engine's entry point, invoked by the packet-processing
// hook with a raw buffer already tagged with the (device, queue) it arrived
// on. It never blocks and never allocates on its fast path.
//
// A buffer whose (device, queue) does not match the binding is rejected with
// ErrInvalid and not counted. Any later failure is a drop: rx_dropped is
// incremented and the error is returned to the hook; nothing is retried.
func (s *Socket) Ingress(device string, queue uint32, data []byte) error {
	cur := s.current.Load()
	if cur == nil || cur.device.Name() != device || cur.queue != queue {
		return fmt.Errorf("xsk: ingress: (%s,%d) does not match this socket's binding: %w", device, queue, ErrInvalid)
	}

	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	fillRing := s.umem.FillRing()
	index, ok := fillRing.Peek()
	if !ok {
		s.stats.rxDropped.Add(1)
		return fmt.Errorf("xsk: ingress: fill ring empty: %w", ErrNoSpace)
	}

	maxLen := int(s.umem.props.FrameSize - s.umem.props.Headroom)
	if len(data) > maxLen {
		// The fill-ring peek is abandoned, not discarded: the frame stays
		// kernel-owned-pending-rx for the next delivery attempt.
		s.stats.rxDropped.Add(1)
		return fmt.Errorf("xsk: ingress: buffer of %d bytes exceeds frame capacity %d: %w", len(data), maxLen, ErrNoSpace)
	}

	if !s.rxRing.Reserve(1) {
		// Likewise abandoned: the rx ring being full must not consume the
		// fill-ring donation.
		s.stats.rxDropped.Add(1)
		return fmt.Errorf("xsk: ingress: rx ring full: %w", ErrNoSpace)
	}

	dst := s.umem.DataWithHeadroom(index)
	copy(dst, data)

	desc := Descriptor{Index: index, Length: uint32(len(data)), Offset: s.umem.props.Headroom}
	s.rxRing.Set(s.rxRing.ProducerIndex(), desc)
	s.rxRing.Produce(1)

	fillRing.Discard()
	s.poller.wake()
	return nil
}

// ReceiveDescriptor pops the next descriptor from the rx ring for the
// user-facing consumer side of the fast path.
func (s *Socket) ReceiveDescriptor() (Descriptor, bool) {
	if s.rxRing == nil {
		return Descriptor{}, false
	}
	d, ok := s.rxRing.Peek()
	if ok {
		s.rxRing.Discard()
	}
	return d, ok
}

// RefillFrame donates a frame index back to the fill ring after the
// consumer is done with the payload the rx descriptor pointed at, closing
// the ownership loop back to kernel-owned-pending-rx.
func (s *Socket) RefillFrame(index uint32) error {
	fillRing := s.umem.FillRing()
	if !fillRing.Reserve(1) {
		return fmt.Errorf("xsk: refill: fill ring full: %w", ErrNoSpace)
	}
	fillRing.Set(fillRing.ProducerIndex(), index)
	fillRing.Produce(1)
	return nil
}
