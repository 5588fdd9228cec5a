package xsk

import "sync"

// testDevice is a minimal in-memory Device used across the test suite: it
// records transmitted frames and completes them synchronously unless told
// to fail.
type testDevice struct {
	name      string
	numQueues uint32
	mtu       int
	up        bool

	mu          sync.Mutex
	transmitted [][]byte
	transmitErr error
}

func newTestDevice(name string) *testDevice {
	return &testDevice{name: name, numQueues: 4, mtu: 1500, up: true}
}

func (d *testDevice) Name() string        { return d.name }
func (d *testDevice) NumRXQueues() uint32 { return d.numQueues }
func (d *testDevice) MTU() int            { return d.mtu }
func (d *testDevice) IsUp() bool          { return d.up }

func (d *testDevice) Transmit(queue uint32, frame []byte, done func(error)) error {
	if d.transmitErr != nil {
		return d.transmitErr
	}
	cp := append([]byte(nil), frame...)
	d.mu.Lock()
	d.transmitted = append(d.transmitted, cp)
	d.mu.Unlock()
	done(nil)
	return nil
}

func (d *testDevice) sentFrames() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.transmitted))
	copy(out, d.transmitted)
	return out
}

func withRawPacketCapability(t interface{ Cleanup(func()) }) {
	prev := capabilityCheck
	capabilityCheck = func() bool { return true }
	t.Cleanup(func() { capabilityCheck = prev })
}
