package xsk

import (
	"errors"
	"testing"
)

// enqueueTx pushes descriptors directly onto a socket's tx ring, standing in
// for the user-space enqueue step that precedes SendMsg.
func enqueueTx(t *testing.T, s *Socket, descs ...Descriptor) {
	t.Helper()
	for _, d := range descs {
		if !s.txRing.Reserve(1) {
			t.Fatalf("tx ring has no room for %+v", d)
		}
		s.txRing.Set(s.txRing.ProducerIndex(), d)
		s.txRing.Produce(1)
	}
}

// E3 (tx completion): enqueue two descriptors, SendMsg drains both
// synchronously (the test device completes inline), completion ring ends up
// holding both indices in submission order, tx ring is left empty.
func TestTxCompletionE3(t *testing.T) {
	dev := newTestDevice("eth0")
	s := newTestSocket(t, socketOpts{numFrames: 8, frameSize: 2048, rxCap: 4, txCap: 4, fillCap: 4, compCap: 4})
	if err := s.Bind(dev, 0, 0, nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	enqueueTx(t, s, Descriptor{Index: 0, Length: 64, Offset: 0}, Descriptor{Index: 1, Length: 100, Offset: 0})

	sent, err := s.SendMsg()
	if err != nil {
		t.Fatalf("SendMsg: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent = %d; want 2", sent)
	}

	if !s.txRing.IsEmpty() {
		t.Fatal("tx ring should be empty after both descriptors were sent")
	}

	cr := s.Umem().CompletionRing()
	for _, want := range []uint32{0, 1} {
		got, ok := cr.Peek()
		if !ok {
			t.Fatalf("expected completion for index %d, ring empty", want)
		}
		if got != want {
			t.Fatalf("completion ring head = %d; want %d", got, want)
		}
		cr.Discard()
	}

	frames := dev.sentFrames()
	if len(frames) != 2 || len(frames[0]) != 64 || len(frames[1]) != 100 {
		t.Fatalf("device saw frames %v; want lengths [64 100]", frames)
	}
}

// E4 (tx mtu): a descriptor longer than the device MTU fails with
// ErrMsgSize, stays queued on the tx ring, and never reaches the
// completion ring.
func TestTxMtuE4(t *testing.T) {
	dev := newTestDevice("eth0")
	dev.mtu = 1500
	s := newTestSocket(t, socketOpts{numFrames: 8, frameSize: 4096, rxCap: 4, txCap: 4, fillCap: 4, compCap: 4})
	if err := s.Bind(dev, 0, 0, nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	enqueueTx(t, s, Descriptor{Index: 0, Length: 2000, Offset: 0})

	sent, err := s.SendMsg()
	if !errors.Is(err, ErrMsgSize) {
		t.Fatalf("SendMsg error = %v; want ErrMsgSize", err)
	}
	if sent != 0 {
		t.Fatalf("sent = %d; want 0", sent)
	}
	if s.txRing.IsEmpty() {
		t.Fatal("tx ring should still hold the oversized descriptor")
	}
	if !s.Umem().CompletionRing().IsEmpty() {
		t.Fatal("completion ring should be untouched by a rejected descriptor")
	}
	if frames := dev.sentFrames(); len(frames) != 0 {
		t.Fatalf("device should not have received any frame, got %d", len(frames))
	}
}

// An out-of-range tx descriptor is silently skipped by Peek and counted in
// Stats().TxInvalidDescs, matching xsk_getsockopt reading
// xskq_nb_invalid_descs(xs->tx) rather than a dedicated counter.
func TestTxInvalidDescriptorCounted(t *testing.T) {
	dev := newTestDevice("eth0")
	s := newTestSocket(t, socketOpts{numFrames: 4, frameSize: 2048, rxCap: 4, txCap: 4, fillCap: 4, compCap: 4})
	if err := s.Bind(dev, 0, 0, nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	enqueueTx(t, s, Descriptor{Index: 99, Length: 64, Offset: 0})

	sent, err := s.SendMsg()
	if err != nil {
		t.Fatalf("SendMsg: %v", err)
	}
	if sent != 0 {
		t.Fatalf("sent = %d; want 0", sent)
	}
	if !s.txRing.IsEmpty() {
		t.Fatal("the invalid descriptor should have been dropped from the tx ring")
	}
	if got := s.Stats().TxInvalidDescs; got != 1 {
		t.Fatalf("Stats().TxInvalidDescs = %d; want 1", got)
	}
}

// A device that rejects a frame outright (Transmit returns an error and
// never calls done, the testDevice.transmitErr contract) must not leave the
// frame double-owned: the completion reservation is released and the
// descriptor stays queued on the tx ring for a retry, never reaching the
// completion ring.
func TestSendMsgDeviceRejectsFrame(t *testing.T) {
	dev := newTestDevice("eth0")
	dev.transmitErr = errors.New("device backpressure")
	s := newTestSocket(t, socketOpts{numFrames: 8, frameSize: 2048, rxCap: 4, txCap: 4, fillCap: 4, compCap: 4})
	if err := s.Bind(dev, 0, 0, nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	enqueueTx(t, s, Descriptor{Index: 0, Length: 64, Offset: 0})

	sent, err := s.SendMsg()
	if !errors.Is(err, ErrAgain) {
		t.Fatalf("SendMsg error = %v; want ErrAgain", err)
	}
	if sent != 0 {
		t.Fatalf("sent = %d; want 0", sent)
	}
	if s.txRing.IsEmpty() {
		t.Fatal("rejected descriptor should remain queued for a retry")
	}
	if !s.Umem().CompletionRing().IsEmpty() {
		t.Fatal("completion ring must stay untouched when the device rejects the frame")
	}
	if s.completionPending != 0 {
		t.Fatalf("completionPending = %d; want 0 after the reservation was released", s.completionPending)
	}
}

func TestSendMsgNoTxRing(t *testing.T) {
	withRawPacketCapability(t)
	s, err := Create(SocketConfig{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.SendMsg(); !errors.Is(err, ErrNoBufs) {
		t.Fatalf("SendMsg with no tx ring error = %v; want ErrNoBufs", err)
	}
}

func TestSendMsgNotBound(t *testing.T) {
	s := newTestSocket(t, socketOpts{numFrames: 8, frameSize: 2048, rxCap: 4, txCap: 4, fillCap: 4, compCap: 4})
	if _, err := s.SendMsg(); !errors.Is(err, ErrNoXIO) {
		t.Fatalf("SendMsg on unbound socket error = %v; want ErrNoXIO", err)
	}
}

func TestSendMsgDeviceDown(t *testing.T) {
	dev := newTestDevice("eth0")
	s := newTestSocket(t, socketOpts{numFrames: 8, frameSize: 2048, rxCap: 4, txCap: 4, fillCap: 4, compCap: 4})
	if err := s.Bind(dev, 0, 0, nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	enqueueTx(t, s, Descriptor{Index: 0, Length: 64, Offset: 0})
	dev.up = false

	if _, err := s.SendMsg(); !errors.Is(err, ErrNetDown) {
		t.Fatalf("SendMsg on down device error = %v; want ErrNetDown", err)
	}
}

// Backpressure: when the completion ring has no spare capacity, SendMsg
// stops draining and reports ErrAgain without discarding the tx descriptor
// it could not admit.
func TestSendMsgCompletionRingFull(t *testing.T) {
	dev := newTestDevice("eth0")
	s := newTestSocket(t, socketOpts{numFrames: 8, frameSize: 2048, rxCap: 4, txCap: 4, fillCap: 1, compCap: 1})
	if err := s.Bind(dev, 0, 0, nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	// Fill the completion ring to capacity by hand so SendMsg has no room.
	cr := s.Umem().CompletionRing()
	if !cr.Reserve(1) {
		t.Fatal("expected room to pre-fill completion ring")
	}
	cr.Set(cr.ProducerIndex(), 99)
	cr.Produce(1)

	enqueueTx(t, s, Descriptor{Index: 0, Length: 64, Offset: 0})
	sent, err := s.SendMsg()
	if !errors.Is(err, ErrAgain) {
		t.Fatalf("SendMsg error = %v; want ErrAgain", err)
	}
	if sent != 0 {
		t.Fatalf("sent = %d; want 0", sent)
	}
	if s.txRing.IsEmpty() {
		t.Fatal("tx descriptor should remain queued when admission fails")
	}
}
