package xsk

// Device abstracts the "generic socket layer" collaborator named in the
// scope: the transmit path and link-state facts a bound socket needs, and
// the identity a hook uses to route buffers to the right socket.
type Device interface {
	// Name identifies the device, e.g. an interface name.
	Name() string
	// NumRXQueues returns the number of RX/TX queue pairs the device
	// exposes; queue ids bound to a socket must be less than this.
	NumRXQueues() uint32
	// MTU returns the device's maximum transmittable frame length.
	MTU() int
	// IsUp reports whether the device is currently able to carry traffic.
	IsUp() bool
	// Transmit submits frame for transmission on queue. done is invoked
	// exactly once, synchronously or asynchronously, with a nil error on
	// successful transmission or a non-nil error if the device dropped or
	// rejected the frame after accepting it. Transmit itself may instead
	// return a non-nil error (for example ErrAgain for transient
	// backpressure, the NET_XMIT_DROP/NETDEV_TX_BUSY equivalents) to refuse
	// the frame outright; in that case done must not be called and the
	// caller keeps ownership of the frame.
	Transmit(queue uint32, frame []byte, done func(error)) error
}
