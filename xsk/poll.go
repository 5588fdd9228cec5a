package xsk

import "sync"

// poller implements xsk_poll's readable/writable evaluation plus a wait
// queue a caller may block on, woken by the RX flush path and by the TX
// completion destructor.
type poller struct {
	mu   sync.Mutex
	cond *sync.Cond
	gen  uint64
}

func newPoller() *poller {
	p := &poller{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// wake bumps the generation counter and wakes every waiter. Called after a
// successful RX flush and after a TX completion is produced.
func (p *poller) wake() {
	p.mu.Lock()
	p.gen++
	p.mu.Unlock()
	p.cond.Broadcast()
}

// wait blocks until wake has been called at least once since the last
// observed generation, then returns the new generation.
func (p *poller) wait(lastGen uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.gen == lastGen {
		p.cond.Wait()
	}
	return p.gen
}

// PollResult reports the readable/writable condition of a socket, mirroring
// xsk_poll's POLLIN/POLLOUT bits.
type PollResult struct {
	Readable bool
	Writable bool
}

// Poll reports whether the socket's rx ring has data (readable) and
// whether its tx ring has space (writable). It never blocks; callers that
// want to block should loop on Wait.
func (s *Socket) Poll() PollResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var r PollResult
	if s.rxRing != nil {
		r.Readable = !s.rxRing.IsEmpty()
	}
	if s.txRing != nil {
		r.Writable = !s.txRing.IsFull()
	}
	return r
}

// Wait blocks until a readable or writable transition may have occurred
// (a wakeup was signaled), then returns the current poll result. gen should
// initially be zero and thereafter the value returned alongside it.
func (s *Socket) Wait(gen uint64) (PollResult, uint64) {
	newGen := s.poller.wait(gen)
	return s.Poll(), newGen
}
