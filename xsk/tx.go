package xsk

import (
	"fmt"
	"log"
)

// TXBatchSize bounds how many descriptors a single SendMsg call drains from
// the tx ring, matching TX_BATCH_SIZE in the kernel driver this engine's
// batching is modeled on.
const TXBatchSize = 16

// DiagnosticHook is invoked when a completion-ring produce fails after its
// reserve step guaranteed capacity — an invariant violation that must never
// happen and, per §7, calls for a loud diagnostic rather than a returned
// error the data path has no way to act on. Replaceable for tests.
var DiagnosticHook = func(format string, args ...any) {
	log.Printf(format, args...)
}

// SendMsg drains up to TXBatchSize descriptors already queued on the tx
// ring, submitting each to the bound device and reserving one completion-
// ring slot per submission before handing it off. It never blocks waiting
// for ring space: backpressure is reported as ErrAgain and the offending
// descriptor is left in place for the next call.
func (s *Socket) SendMsg() (sent int, err error) {
	if s.txRing == nil {
		return 0, fmt.Errorf("xsk: sendmsg: no tx ring: %w", ErrNoBufs)
	}
	cur := s.current.Load()
	if cur == nil {
		return 0, fmt.Errorf("xsk: sendmsg: socket not bound: %w", ErrNoXIO)
	}
	if !cur.device.IsUp() {
		return 0, fmt.Errorf("xsk: sendmsg: device down: %w", ErrNetDown)
	}

	// The control mutex serializes TX against bind/rebind/release; it is
	// never taken by Ingress, which depends only on ring invariants.
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < TXBatchSize; i++ {
		desc, ok := s.txRing.Peek()
		if !ok {
			break
		}

		if !s.reserveCompletion() {
			err = fmt.Errorf("xsk: sendmsg: completion ring full: %w", ErrAgain)
			break
		}

		if desc.Length > uint32(cur.device.MTU()) {
			s.releaseCompletionReservation()
			err = fmt.Errorf("xsk: sendmsg: descriptor length %d exceeds mtu %d: %w", desc.Length, cur.device.MTU(), ErrMsgSize)
			break
		}

		frame := s.umem.Data(desc.Index)[desc.Offset : desc.Offset+desc.Length]
		buf := make([]byte, len(frame))
		copy(buf, frame)

		index := desc.Index
		txErr := cur.device.Transmit(cur.queue, buf, func(doneErr error) {
			s.completeTx(index)
		})
		if txErr != nil {
			s.releaseCompletionReservation()
			err = fmt.Errorf("xsk: sendmsg: device transmit: %w", ErrAgain)
			break
		}

		s.txRing.Discard()
		sent++
	}

	if sent > 0 {
		s.poller.wake()
	}
	return sent, err
}

// reserveCompletion admits one more in-flight transmission against the
// completion ring's real capacity, accounting for reservations already
// admitted but not yet produced by completeTx.
func (s *Socket) reserveCompletion() bool {
	s.completionMu.Lock()
	defer s.completionMu.Unlock()
	free := s.umem.CompletionRing().NumFree()
	if free <= s.completionPending {
		return false
	}
	s.completionPending++
	return true
}

// releaseCompletionReservation undoes reserveCompletion for a descriptor
// that failed after being admitted but before being handed to the device.
func (s *Socket) releaseCompletionReservation() {
	s.completionMu.Lock()
	defer s.completionMu.Unlock()
	if s.completionPending > 0 {
		s.completionPending--
	}
}

// completeTx is the transmit-buffer destructor: invoked once the device (or
// stack) releases the buffer, it publishes the frame's index to the
// completion ring. This produce must never fail — reserveCompletion already
// guaranteed capacity — so a failure here is a correctness bug, not a
// recoverable condition.
func (s *Socket) completeTx(index uint32) {
	s.completionMu.Lock()
	defer s.completionMu.Unlock()
	if s.completionPending > 0 {
		s.completionPending--
	}
	cr := s.umem.CompletionRing()
	if !cr.Reserve(1) {
		DiagnosticHook("xsk: BUG: completion ring produce failed for frame %d after a successful reserve", index)
		return
	}
	cr.Set(cr.ProducerIndex(), index)
	cr.Produce(1)
	s.poller.wake()
}
