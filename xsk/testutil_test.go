package xsk

import "testing"

type socketOpts struct {
	numFrames, frameSize, headroom uint32
	fillCap, compCap               uint32
	rxCap, txCap                   uint32 // 0 means "don't create"
}

func newTestSocket(t *testing.T, o socketOpts) *Socket {
	t.Helper()
	withRawPacketCapability(t)

	s, err := Create(SocketConfig{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if o.rxCap != 0 {
		if err := s.ConfigureRXRing(o.rxCap); err != nil {
			t.Fatalf("ConfigureRXRing: %v", err)
		}
	}
	if o.txCap != 0 {
		if err := s.ConfigureTXRing(o.txCap); err != nil {
			t.Fatalf("ConfigureTXRing: %v", err)
		}
	}
	if o.numFrames != 0 {
		if err := s.ConfigureUmem(UmemConfig{FrameSize: o.frameSize, Headroom: o.headroom, NumFrames: o.numFrames}); err != nil {
			t.Fatalf("ConfigureUmem: %v", err)
		}
	}
	if o.fillCap != 0 {
		if err := s.ConfigureFillRing(o.fillCap); err != nil {
			t.Fatalf("ConfigureFillRing: %v", err)
		}
	}
	if o.compCap != 0 {
		if err := s.ConfigureCompletionRing(o.compCap); err != nil {
			t.Fatalf("ConfigureCompletionRing: %v", err)
		}
	}
	t.Cleanup(func() { _ = s.Release() })
	return s
}

// prefillFillRing donates the given frame indices to the socket's fill
// ring, as the initial "frames I donate for RX" population a real user
// program performs before binding.
func prefillFillRing(t *testing.T, s *Socket, indices ...uint32) {
	t.Helper()
	fr := s.Umem().FillRing()
	for _, idx := range indices {
		if !fr.Reserve(1) {
			t.Fatalf("fill ring has no room for index %d", idx)
		}
		fr.Set(fr.ProducerIndex(), idx)
		fr.Produce(1)
	}
}
