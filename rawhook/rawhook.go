// Package rawhook is the "generic software path" packet-processing hook:
// an AF_PACKET capture-and-inject loop that plays the role a driver's XDP
// generic-mode path plays for a real AF_XDP socket, feeding received
// frames to xsk.Deliver and transmitting frames handed to it through
// xsk.Device.Transmit.
package rawhook

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/xskcore/xskcore/xsk"
)

// Hook captures every frame arriving on one network interface and hands it
// to xsk.Deliver tagged with the interface name and rx queue 0 (AF_PACKET
// has no concept of the driver's multi-queue rx steering), and implements
// xsk.Device so a bound Socket can transmit back out through it.
type Hook struct {
	name string
	fd   int
	mtu  int

	log *logrus.Entry

	mu sync.Mutex
	up bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Open creates a raw AF_PACKET socket bound to ifaceName and starts its
// capture loop, delivering every frame it sees to xsk.Deliver(ifaceName, 0,
// ...). Close stops the loop and releases the socket.
func Open(ifaceName string, log *logrus.Entry) (*Hook, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("iface", ifaceName)

	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("rawhook: lookup interface %q: %w", ifaceName, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("rawhook: open AF_PACKET socket: %w", err)
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  link.Attrs().Index,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawhook: bind to %q: %w", ifaceName, err)
	}

	h := &Hook{
		name: ifaceName,
		fd:   fd,
		mtu:  link.Attrs().MTU,
		up:   link.Attrs().Flags&unix.IFF_UP != 0,
		log:  log,
		done: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.captureLoop(ctx)

	log.Info("rawhook attached")
	return h, nil
}

func (h *Hook) captureLoop(ctx context.Context) {
	defer close(h.done)
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, _, err := unix.Recvfrom(h.fd, buf, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			h.log.WithError(err).Warn("rawhook: recvfrom failed")
			continue
		}

		if err := xsk.Deliver(h.name, 0, buf[:n]); err != nil {
			h.log.WithError(err).Debug("rawhook: delivery dropped")
		}
	}
}

// Name implements xsk.Device.
func (h *Hook) Name() string { return h.name }

// NumRXQueues implements xsk.Device. AF_PACKET exposes no queue steering,
// so the hook always reports a single queue.
func (h *Hook) NumRXQueues() uint32 { return 1 }

// MTU implements xsk.Device.
func (h *Hook) MTU() int { return h.mtu }

// IsUp implements xsk.Device.
func (h *Hook) IsUp() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.up
}

// Transmit implements xsk.Device by writing frame directly to the raw
// socket. AF_PACKET sends are synchronous: on success done is invoked
// before Transmit returns. On failure done is not invoked at all, per
// xsk.Device's contract that Transmit itself reports the rejection and the
// caller retains ownership of the frame for a retry.
func (h *Hook) Transmit(queue uint32, frame []byte, done func(error)) error {
	if _, err := unix.Write(h.fd, frame); err != nil {
		return fmt.Errorf("rawhook: transmit on %q: %w", h.name, err)
	}
	done(nil)
	return nil
}

// Close stops the capture loop and releases the underlying socket.
func (h *Hook) Close() error {
	h.cancel()
	<-h.done
	h.log.Info("rawhook detached")
	return unix.Close(h.fd)
}

// htons converts a 16-bit number from host byte order to network byte
// order.
func htons(v int) uint16 {
	b := uint16(v)
	return b<<8 | b>>8
}

var _ xsk.Device = (*Hook)(nil)
