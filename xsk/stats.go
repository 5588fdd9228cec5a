package xsk

import "gvisor.dev/gvisor/pkg/atomicbitops"

// statistics backs the XDP_STATISTICS getsockopt in §6's option table.
// rx_invalid_descs/tx_invalid_descs are not tracked here: they live on the
// rx/tx rings themselves (Ring.NumInvalid), the same way
// xskq_nb_invalid_descs reads them off xs->rx/xs->tx rather than a
// socket-level counter.
type statistics struct {
	rxDropped atomicbitops.Uint32
}

// Statistics is a point-in-time snapshot of a socket's drop and
// invalid-descriptor counters.
type Statistics struct {
	RxDropped      uint32
	RxInvalidDescs uint32
	TxInvalidDescs uint32
}
