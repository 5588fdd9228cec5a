package xsk

import (
	"errors"
	"testing"
)

// E1 (rxdrop): register umem N=8 F=2048 H=0, fill/rx rings cap 8, pre-fill
// indices 0..4, deliver four 64-byte buffers. rx ring ends up with
// descriptors 0,1,2,3 length 64 offset 0; fill ring still holds index 4.
func TestRxE1(t *testing.T) {
	dev := newTestDevice("lo")
	s := newTestSocket(t, socketOpts{numFrames: 8, frameSize: 2048, rxCap: 8, txCap: 8, fillCap: 8, compCap: 8})
	prefillFillRing(t, s, 0, 1, 2, 3, 4)
	if err := s.Bind(dev, 0, 0, nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	payload := make([]byte, 64)
	for i := 0; i < 4; i++ {
		if err := s.Ingress(dev.Name(), 0, payload); err != nil {
			t.Fatalf("Ingress #%d: %v", i, err)
		}
	}

	for want := uint32(0); want < 4; want++ {
		d, ok := s.rxRing.Peek()
		if !ok {
			t.Fatalf("expected rx descriptor for index %d, ring empty", want)
		}
		if d.Index != want || d.Length != 64 || d.Offset != 0 {
			t.Fatalf("rx descriptor = %+v; want {Index:%d Length:64 Offset:0}", d, want)
		}
		s.rxRing.Discard()
	}

	// Fill ring should now hold only index 4 (5th donated, unconsumed).
	remaining, ok := s.Umem().FillRing().Peek()
	if !ok || remaining != 4 {
		t.Fatalf("remaining fill-ring head = %d, %v; want 4, true", remaining, ok)
	}
}

// E2 (rx backpressure): rx ring cap 2, three deliveries: first two succeed,
// third fails nospace, rx_dropped=1, fill ring still holds index 2 (not
// consumed by the failed attempt).
func TestRxBackpressureE2(t *testing.T) {
	dev := newTestDevice("lo")
	s := newTestSocket(t, socketOpts{numFrames: 8, frameSize: 2048, rxCap: 2, txCap: 8, fillCap: 8, compCap: 8})
	prefillFillRing(t, s, 0, 1, 2, 3, 4, 5, 6, 7)
	if err := s.Bind(dev, 0, 0, nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	payload := make([]byte, 64)
	for i := 0; i < 2; i++ {
		if err := s.Ingress(dev.Name(), 0, payload); err != nil {
			t.Fatalf("Ingress #%d: %v", i, err)
		}
	}

	err := s.Ingress(dev.Name(), 0, payload)
	if !errors.Is(err, ErrNoSpace) {
		t.Fatalf("third Ingress error = %v; want ErrNoSpace", err)
	}
	if got := s.Stats().RxDropped; got != 1 {
		t.Fatalf("RxDropped = %d; want 1", got)
	}

	head, ok := s.Umem().FillRing().Peek()
	if !ok || head != 2 {
		t.Fatalf("fill-ring head = %d, %v; want 2, true (not consumed)", head, ok)
	}
}

// Invariant 11: rx with a length exceeding frame_size-headroom is dropped,
// rx_dropped increments, and the fill-ring index is not consumed.
func TestRxOversizeBufferDropped(t *testing.T) {
	dev := newTestDevice("lo")
	s := newTestSocket(t, socketOpts{numFrames: 4, frameSize: 128, headroom: 16, rxCap: 4, txCap: 4, fillCap: 4, compCap: 4})
	prefillFillRing(t, s, 0)
	if err := s.Bind(dev, 0, 0, nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	oversized := make([]byte, 128-16+1)
	if err := s.Ingress(dev.Name(), 0, oversized); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("Ingress(oversized) error = %v; want ErrNoSpace", err)
	}
	if got := s.Stats().RxDropped; got != 1 {
		t.Fatalf("RxDropped = %d; want 1", got)
	}
	head, ok := s.Umem().FillRing().Peek()
	if !ok || head != 0 {
		t.Fatalf("fill-ring head = %d, %v; want 0, true (not consumed)", head, ok)
	}

	exact := make([]byte, 128-16)
	if err := s.Ingress(dev.Name(), 0, exact); err != nil {
		t.Fatalf("Ingress(exact-fit) should succeed: %v", err)
	}
}

// An out-of-range rx descriptor, however it got onto the ring, is silently
// skipped by Peek and counted in Stats().RxInvalidDescs, matching
// xsk_getsockopt reading xskq_nb_invalid_descs(xs->rx).
func TestRxInvalidDescriptorCounted(t *testing.T) {
	dev := newTestDevice("lo")
	s := newTestSocket(t, socketOpts{numFrames: 4, frameSize: 2048, rxCap: 4, txCap: 4, fillCap: 4, compCap: 4})
	if err := s.Bind(dev, 0, 0, nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	rxRing := s.RXRing()
	if !rxRing.Reserve(1) {
		t.Fatal("expected room on a freshly bound rx ring")
	}
	rxRing.Set(rxRing.ProducerIndex(), Descriptor{Index: 99, Length: 64, Offset: 0})
	rxRing.Produce(1)

	if _, ok := s.ReceiveDescriptor(); ok {
		t.Fatal("ReceiveDescriptor should not surface an invalid descriptor")
	}
	if got := s.Stats().RxInvalidDescs; got != 1 {
		t.Fatalf("Stats().RxInvalidDescs = %d; want 1", got)
	}
}

func TestIngressRejectsBindingMismatch(t *testing.T) {
	dev := newTestDevice("lo")
	s := newTestSocket(t, socketOpts{numFrames: 4, frameSize: 2048, rxCap: 4, txCap: 4, fillCap: 4, compCap: 4})
	prefillFillRing(t, s, 0)
	if err := s.Bind(dev, 0, 0, nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := s.Ingress("other-dev", 0, []byte("x")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Ingress on wrong device error = %v; want ErrInvalid", err)
	}
	if err := s.Ingress(dev.Name(), 5, []byte("x")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Ingress on wrong queue error = %v; want ErrInvalid", err)
	}
}
