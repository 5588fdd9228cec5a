// Package xsk implements the core of a zero-copy packet I/O socket family:
// a shared-memory ring protocol, a umem frame pool with fill and completion
// rings, and per-socket RX/TX data-path engines, modeled on the AF_XDP
// socket family's own kernel-side logic (see the net/xdp/xsk.c driver this
// package's behavior is grounded on).
//
// The package plays the role the kernel plays in AF_XDP: it does not open a
// real AF_XDP socket, it implements the socket family's bind/setsockopt/
// mmap/sendmsg/poll/release logic itself, against two assumed external
// collaborators: a packet-processing hook that calls Socket.Ingress with
// raw frames, and a Device that accepts frames for transmission.
package xsk
