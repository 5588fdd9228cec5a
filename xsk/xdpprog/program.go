// Package xdpprog attaches the redirect-style XDP program that the
// in-kernel packet-processing hook this repository stands in for would
// normally run, and tracks which (queue) has an active binding so a real
// driver could decide whether to hand a frame to the software path at all.
//
// The program's own logic is the same qidconf/xsks redirect shape the
// kernel's xsk_load_xdp_prog helper builds by hand rather than loading a
// compiled object, since no bpf2go-generated bindings for it exist in this
// module's dependency set.
package xdpprog

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/vishvananda/netlink"
)

// Program is a loaded XDP redirect program together with the two maps that
// parameterize it: which queues are active, and which file descriptor a
// packet destined for an active queue should be redirected to.
type Program struct {
	program    *ebpf.Program
	qidconfMap *ebpf.Map
	xsksMap    *ebpf.Map
	link       link.Link
}

// MaxQueues bounds how many rx queues a single Program tracks; it sizes
// both backing maps.
const MaxQueues = 64

// New builds and loads the redirect program along with its qidconf_map and
// xsks_map, without attaching it to any interface yet.
func New() (*Program, error) {
	qidconfMap, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "qidconf_map",
		Type:       ebpf.Array,
		KeySize:    uint32(unsafe.Sizeof(int32(0))),
		ValueSize:  uint32(unsafe.Sizeof(int32(0))),
		MaxEntries: MaxQueues,
	})
	if err != nil {
		return nil, fmt.Errorf("xdpprog: create qidconf_map (try raising RLIMIT_MEMLOCK): %w", err)
	}

	xsksMap, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    uint32(unsafe.Sizeof(int32(0))),
		ValueSize:  uint32(unsafe.Sizeof(int32(0))),
		MaxEntries: MaxQueues,
	})
	if err != nil {
		qidconfMap.Close()
		return nil, fmt.Errorf("xdpprog: create xsks_map (try raising RLIMIT_MEMLOCK): %w", err)
	}

	// Translation of xsk_load_xdp_prog() in <linux>/tools/lib/bpf/xsk.c:
	//
	//   SEC("xdp_sock") int xdp_sock_prog(struct xdp_md *ctx) {
	//       int *qidconf, index = ctx->rx_queue_index;
	//       qidconf = bpf_map_lookup_elem(&qidconf_map, &index);
	//       if (!qidconf) return XDP_ABORTED;
	//       if (*qidconf) return bpf_redirect_map(&xsks_map, index, 0);
	//       return XDP_PASS;
	//   }
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name: "xsk_redirect",
		Type: ebpf.XDP,
		Instructions: asm.Instructions{
			{OpCode: 97, Dst: 1, Src: 1, Offset: 16},
			{OpCode: 99, Dst: 10, Src: 1, Offset: -4},
			{OpCode: 191, Dst: 2, Src: 10},
			{OpCode: 7, Dst: 2, Src: 0, Offset: 0, Constant: -4},
			{OpCode: 24, Dst: 1, Src: 1, Offset: 0, Constant: int64(qidconfMap.FD())},
			{OpCode: 133, Dst: 0, Src: 0, Constant: 1},
			{OpCode: 191, Dst: 1, Src: 0},
			{OpCode: 180, Dst: 0, Src: 0},
			{OpCode: 21, Dst: 1, Src: 0, Offset: 8},
			{OpCode: 180, Dst: 0, Src: 0, Constant: 2},
			{OpCode: 97, Dst: 1, Src: 1},
			{OpCode: 21, Dst: 1, Offset: 5},
			{OpCode: 24, Dst: 1, Src: 1, Constant: int64(xsksMap.FD())},
			{OpCode: 97, Dst: 2, Src: 10, Offset: -4},
			{OpCode: 180, Dst: 3},
			{OpCode: 133, Constant: 51},
			{OpCode: 149},
		},
		License: "LGPL-2.1 or BSD-2-Clause",
	})
	if err != nil {
		qidconfMap.Close()
		xsksMap.Close()
		return nil, fmt.Errorf("xdpprog: load redirect program: %w", err)
	}

	return &Program{program: prog, qidconfMap: qidconfMap, xsksMap: xsksMap}, nil
}

// Attach loads the program onto the named interface's XDP hook, preferring
// the modern link-based attach and falling back to the raw netlink
// LinkSetXdpFdWithFlags call when the kernel or driver rejects it (e.g. an
// interface that only supports generic/SKB mode via the legacy path).
func (p *Program) Attach(ifaceName string) error {
	iface, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("xdpprog: lookup interface %q: %w", ifaceName, err)
	}

	l, err := link.AttachXDP(link.XDPOptions{
		Program:   p.program,
		Interface: iface.Attrs().Index,
		Flags:     link.XDPGenericMode,
	})
	if err == nil {
		p.link = l
		return nil
	}

	if err := detach(iface.Attrs().Index); err != nil {
		return fmt.Errorf("xdpprog: clear existing program on %q: %w", ifaceName, err)
	}
	if err := netlink.LinkSetXdpFdWithFlags(iface, p.program.FD(), 0); err != nil {
		return fmt.Errorf("xdpprog: attach to %q via netlink: %w", ifaceName, err)
	}
	return nil
}

// Detach removes the program from the interface, whichever attach path was
// used to install it.
func (p *Program) Detach(ifaceName string) error {
	if p.link != nil {
		err := p.link.Close()
		p.link = nil
		return err
	}
	iface, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("xdpprog: lookup interface %q: %w", ifaceName, err)
	}
	return detach(iface.Attrs().Index)
}

func detach(ifindex int) error {
	l, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return err
	}
	if l.Attrs() == nil || l.Attrs().Xdp == nil || !l.Attrs().Xdp.Attached {
		return nil
	}
	if err := netlink.LinkSetXdpFd(l, -1); err != nil {
		return err
	}
	for {
		l, err = netlink.LinkByIndex(ifindex)
		if err != nil {
			return err
		}
		if l.Attrs().Xdp == nil || !l.Attrs().Xdp.Attached {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Register marks queue as active and points the redirect map at fd. The
// kernel accepts only an AF_XDP socket fd in xsks_map and rejects any other
// kind of fd; this module never opens such a socket itself.
func (p *Program) Register(queue uint32, fd int) error {
	one := int32(1)
	if err := p.qidconfMap.Put(queue, one); err != nil {
		return fmt.Errorf("xdpprog: mark queue %d active: %w", queue, err)
	}
	if err := p.xsksMap.Put(queue, int32(fd)); err != nil {
		p.qidconfMap.Delete(queue)
		return fmt.Errorf("xdpprog: register fd for queue %d: %w", queue, err)
	}
	return nil
}

// Unregister marks queue inactive, sending its traffic back down XDP_PASS.
func (p *Program) Unregister(queue uint32) error {
	// Array map entries cannot be deleted, only zeroed.
	err1 := p.qidconfMap.Put(queue, int32(0))
	err2 := p.xsksMap.Delete(queue)
	if err1 != nil {
		return err1
	}
	return err2
}

// Close releases the program and both maps.
func (p *Program) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{p.qidconfMap, p.xsksMap, p.program} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
