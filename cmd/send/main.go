//go:build linux

package main

import (
	"encoding/binary"
	"flag"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/xskcore/xskcore/ratelimit"
	"github.com/xskcore/xskcore/rawhook"
	"github.com/xskcore/xskcore/xsk"
)

func must(log *logrus.Entry, msg string, err error) {
	if err != nil {
		log.WithError(err).Fatal(msg)
	}
}

func ipChecksum(buf []byte) uint16 {
	var sum uint32
	for len(buf) > 1 {
		sum += uint32(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
	}
	if len(buf) > 0 {
		sum += uint32(buf[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func buildUDPPacket(buf []byte,
	srcMAC, dstMAC net.HardwareAddr,
	srcIP, dstIP net.IP,
	srcPort, dstPort uint16,
	seq uint32,
	pktSize uint32,
) uint32 {
	const ethLen = 14
	const ipLen = 20
	const udpLen = 8

	minSize := uint32(ethLen + ipLen + udpLen + 4)
	if pktSize < minSize {
		pktSize = minSize
	}
	payloadLen := pktSize - (ethLen + ipLen + udpLen)

	copy(buf[0:6], dstMAC)
	copy(buf[6:12], srcMAC)
	buf[12], buf[13] = 0x08, 0x00

	ip := buf[ethLen:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:], uint16(ipLen+udpLen+payloadLen))
	ip[8] = 64
	ip[9] = 17
	copy(ip[12:16], srcIP.To4())
	copy(ip[16:20], dstIP.To4())
	binary.BigEndian.PutUint16(ip[10:], ipChecksum(ip[:20]))

	udp := ip[20:]
	binary.BigEndian.PutUint16(udp[0:], srcPort)
	binary.BigEndian.PutUint16(udp[2:], dstPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpLen+payloadLen))

	payload := udp[8:]
	binary.BigEndian.PutUint32(payload[:4], seq)

	return pktSize
}

func main() {
	fIface := flag.String("i", "", "interface")
	fDestMACStr := flag.String("d", "", "destination MAC")
	fSrcIPStr := flag.String("s", "", "source IP")
	fDestIPStr := flag.String("D", "", "destination IP")
	fPort := flag.Int("p", 0, "destination port")
	fCount := flag.Uint64("n", 0, "packets to send")
	fPktSize := flag.Uint("l", 1360, "packet size")
	fPPS := flag.Uint64("pps", 0, "packets per second, 0 = unlimited")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())

	if *fIface == "" {
		log.Fatal("missing -i interface")
	}

	nic, err := net.InterfaceByName(*fIface)
	must(log, "lookup interface", err)
	var srcMAC [6]byte
	copy(srcMAC[:], nic.HardwareAddr[:6])

	dstMAC, err := net.ParseMAC(*fDestMACStr)
	must(log, "parse destination MAC", err)
	srcIP := net.ParseIP(*fSrcIPStr).To4()
	dstIP := net.ParseIP(*fDestIPStr).To4()

	hook, err := rawhook.Open(*fIface, log)
	must(log, "open rawhook", err)
	defer hook.Close()

	if !xsk.HasRawPacketCapability() {
		log.Fatal("insufficient privilege: need CAP_NET_RAW / root")
	}

	const numFrames = 1024 * 8
	sock, err := xsk.Create(xsk.SocketConfig{})
	must(log, "create socket", err)
	must(log, "configure umem", sock.ConfigureUmem(xsk.UmemConfig{
		FrameSize: 2048,
		NumFrames: numFrames,
	}))
	must(log, "configure tx ring", sock.ConfigureTXRing(2048))
	must(log, "configure fill ring", sock.ConfigureFillRing(2048))
	must(log, "configure completion ring", sock.ConfigureCompletionRing(2048))
	must(log, "bind socket", sock.Bind(hook, 0, 0, nil))
	defer sock.Release()

	umem := sock.Umem()
	txRing := sock.TXRing()
	completions := umem.CompletionRing()
	throttle := ratelimit.New(*fPPS)

	const srcPort = 12345
	var (
		seq       uint32
		sent      uint64
		completed uint64
		bytes     uint64
	)

	log.WithFields(logrus.Fields{
		"iface":   *fIface,
		"dst_mac": dstMAC,
		"src_ip":  srcIP,
		"dst_ip":  dstIP,
		"count":   *fCount,
	}).Info("xsk tx engine bound")

	start := time.Now()

	for sent < *fCount {
		index, ok := umem.AllocFrame()
		if !ok {
			if idx, ok := completions.Peek(); ok {
				completions.Discard()
				umem.FreeFrame(idx)
				completed++
				continue
			}
			time.Sleep(time.Millisecond)
			continue
		}

		frame := umem.Data(index)
		plen := buildUDPPacket(frame, srcMAC[:], dstMAC, srcIP, dstIP, srcPort, uint16(*fPort), seq, uint32(*fPktSize))

		if !txRing.Reserve(1) {
			umem.FreeFrame(index)
			if _, err := sock.SendMsg(); err != nil {
				log.WithError(err).Debug("sendmsg backpressure")
			}
			continue
		}
		txRing.Set(txRing.ProducerIndex(), xsk.Descriptor{Index: index, Length: plen, Offset: 0})
		txRing.Produce(1)

		seq++
		sent++
		bytes += uint64(plen)
		throttle.ThrottleN(1)

		if _, err := sock.SendMsg(); err != nil {
			log.WithError(err).Debug("sendmsg")
		}
	}

	for completed < sent {
		if idx, ok := completions.Peek(); ok {
			completions.Discard()
			umem.FreeFrame(idx)
			completed++
			continue
		}
		if _, err := sock.SendMsg(); err != nil {
			log.WithError(err).Debug("sendmsg drain")
		}
		time.Sleep(time.Millisecond)
	}

	elapsed := time.Since(start)
	pps := float64(sent) / elapsed.Seconds()

	log.WithFields(logrus.Fields{
		"sent":      humanize.Comma(int64(sent)),
		"completed": humanize.Comma(int64(completed)),
		"bytes":     humanize.Bytes(bytes),
		"duration":  elapsed,
		"pps":       humanize.Comma(int64(pps)),
	}).Info("finished")

	os.Exit(0)
}
