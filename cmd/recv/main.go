//go:build linux

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xskcore/xskcore/ifacestat"
	"github.com/xskcore/xskcore/rawhook"
	"github.com/xskcore/xskcore/xsk"
)

func main() {
	fIface := flag.String("i", "", "interface")
	fNumFrames := flag.Uint("frames", 4096, "umem frame count")
	fFrameSize := flag.Uint("framesize", 2048, "umem frame size")
	fRingCap := flag.Uint("ring", 2048, "rx/fill ring capacity")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())

	if *fIface == "" {
		log.Fatal("missing -i interface")
	}

	hook, err := rawhook.Open(*fIface, log)
	if err != nil {
		log.WithError(err).Fatal("open rawhook")
	}
	defer hook.Close()

	if !xsk.HasRawPacketCapability() {
		log.Fatal("insufficient privilege: need CAP_NET_RAW / root")
	}

	sock, err := xsk.Create(xsk.SocketConfig{})
	if err != nil {
		log.WithError(err).Fatal("create socket")
	}
	if err := sock.ConfigureUmem(xsk.UmemConfig{
		FrameSize: uint32(*fFrameSize),
		NumFrames: uint32(*fNumFrames),
	}); err != nil {
		log.WithError(err).Fatal("configure umem")
	}
	if err := sock.ConfigureFillRing(uint32(*fRingCap)); err != nil {
		log.WithError(err).Fatal("configure fill ring")
	}
	if err := sock.ConfigureCompletionRing(uint32(*fRingCap)); err != nil {
		log.WithError(err).Fatal("configure completion ring")
	}
	if err := sock.ConfigureRXRing(uint32(*fRingCap)); err != nil {
		log.WithError(err).Fatal("configure rx ring")
	}

	umem := sock.Umem()
	fill := umem.FillRing()
	half := uint32(*fNumFrames) / 2
	for i := uint32(0); i < half; i++ {
		if !fill.Reserve(1) {
			break
		}
		fill.Set(fill.ProducerIndex(), i)
		fill.Produce(1)
	}

	if err := sock.Bind(hook, 0, 0, nil); err != nil {
		log.WithError(err).Fatal("bind socket")
	}
	defer sock.Release()

	log.WithFields(logrus.Fields{
		"iface":  *fIface,
		"frames": *fNumFrames,
	}).Info("xsk rx engine bound")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var received uint64
	go func() {
		lastGen := uint64(0)
		for ctx.Err() == nil {
			d, ok := sock.ReceiveDescriptor()
			if !ok {
				_, lastGen = sock.Wait(lastGen)
				continue
			}
			received++
			if err := sock.RefillFrame(d.Index); err != nil {
				log.WithError(err).Warn("refill failed")
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case <-ticker.C:
			cur := received
			log.WithFields(logrus.Fields{
				"total": cur,
				"pps":   cur - last,
			}).Info("rx")
			last = cur
			ifacestat.Print(os.Stderr, ifacestat.FromSocket(*fIface, sock), nil)
		}
	}
}
