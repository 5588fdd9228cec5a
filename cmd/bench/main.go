//go:build linux

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/xskcore/xskcore/rawhook"
	"github.com/xskcore/xskcore/xsk"
)

type Config struct {
	Egress struct {
		Interface string `yaml:"interface"`
		DestMAC   string `yaml:"dest-mac"`
		SrcIP     string `yaml:"src-ip"`
		DstIP     string `yaml:"dst-ip"`
		SrcPort   int    `yaml:"src-port"`
		DstPort   int    `yaml:"dst-port"`
	} `yaml:"egress"`

	Ingress struct {
		Interface string `yaml:"interface"`
	} `yaml:"ingress"`

	MTU   uint64 `yaml:"mtu"`
	Count uint64 `yaml:"count"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "bench.yaml", "path to config YAML file")
	fIfaceE := flag.String("ie", "", "egress interface")
	fIfaceI := flag.String("ii", "", "ingress interface")
	fDestMAC := flag.String("d", "", "dest mac")
	fSrcIP := flag.String("s", "", "src ip")
	fDstIP := flag.String("D", "", "dst ip")
	fPort := flag.Int("p", 0, "dst udp port")
	fCount := flag.Uint64("n", 0, "packet count")
	fPktSize := flag.Uint("l", 1500, "pkt size")

	flag.Parse()

	b, err := os.ReadFile(*fConfig)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	if *fIfaceE != "" {
		conf.Egress.Interface = *fIfaceE
	}
	if *fIfaceI != "" {
		conf.Ingress.Interface = *fIfaceI
	}
	if *fDestMAC != "" {
		conf.Egress.DestMAC = *fDestMAC
	}
	if *fSrcIP != "" {
		conf.Egress.SrcIP = *fSrcIP
	}
	if *fDstIP != "" {
		conf.Egress.DstIP = *fDstIP
	}
	if *fPort != 0 {
		conf.Egress.DstPort = *fPort
	}
	if *fPktSize != 1500 {
		conf.MTU = uint64(*fPktSize)
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}

	if conf.Egress.Interface == "" {
		return nil, errors.New("egress.interface must be set (or use -ie)")
	}
	if conf.Ingress.Interface == "" {
		return nil, errors.New("ingress.interface must be set (or use -ii)")
	}
	if conf.Egress.DestMAC == "" {
		return nil, errors.New("egress.dest-mac must be set")
	}
	if _, err := net.ParseMAC(conf.Egress.DestMAC); err != nil {
		return nil, fmt.Errorf("invalid egress.dest-mac %q: %w", conf.Egress.DestMAC, err)
	}
	if conf.Egress.SrcIP == "" || net.ParseIP(conf.Egress.SrcIP) == nil {
		return nil, fmt.Errorf("invalid egress.src-ip %q", conf.Egress.SrcIP)
	}
	if conf.Egress.DstIP == "" || net.ParseIP(conf.Egress.DstIP) == nil {
		return nil, fmt.Errorf("invalid egress.dst-ip %q", conf.Egress.DstIP)
	}
	if conf.Egress.DstPort <= 0 || conf.Egress.DstPort > 65535 {
		return nil, errors.New("egress.dst-port must be between 1-65535")
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	if conf.MTU < 64 || conf.MTU > 1500 {
		return nil, errors.New("unsupported mtu")
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
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

func buildUDPPacket(
	buf []byte,
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
	ip[8], ip[9] = 64, 17
	copy(ip[12:16], srcIP.To4())
	copy(ip[16:20], dstIP.To4())
	binary.BigEndian.PutUint16(ip[10:], ipChecksum(ip[:20]))

	udp := ip[20:]
	binary.BigEndian.PutUint16(udp[0:], srcPort)
	binary.BigEndian.PutUint16(udp[2:], dstPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpLen+payloadLen))

	payload := udp[8:]
	binary.BigEndian.PutUint32(payload, seq)

	return pktSize
}

type Stats struct {
	TxPackets   atomic.Uint64
	TxCompleted atomic.Uint64
	TxBytes     atomic.Uint64

	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64

	Elapsed atomic.Int64
}

const (
	numFrames = 1024 * 32
	ringSize  = 1024 * 8
)

func openSocket(dev xsk.Device) *xsk.Socket {
	sock, err := xsk.Create(xsk.SocketConfig{})
	fatalIf(err, "create socket")
	fatalIf(sock.ConfigureUmem(xsk.UmemConfig{FrameSize: 2048, NumFrames: numFrames}), "configure umem")
	fatalIf(sock.ConfigureRXRing(ringSize), "configure rx ring")
	fatalIf(sock.ConfigureTXRing(ringSize), "configure tx ring")
	fatalIf(sock.ConfigureFillRing(ringSize), "configure fill ring")
	fatalIf(sock.ConfigureCompletionRing(ringSize), "configure completion ring")
	fatalIf(sock.Bind(dev, 0, 0, nil), "bind socket")
	return sock
}

func runReceiver(ctx context.Context, ifaceName string, stats *Stats) (dev *rawhook.Hook, done *sync.WaitGroup) {
	dev, err := rawhook.Open(ifaceName, nil)
	fatalIf(err, "opening ingress rawhook")
	sock := openSocket(dev)

	umem := sock.Umem()
	fill := umem.FillRing()
	for i := uint32(0); i < numFrames/2; i++ {
		if !fill.Reserve(1) {
			break
		}
		fill.Set(fill.ProducerIndex(), i)
		fill.Produce(1)
	}

	fmt.Fprintf(os.Stderr, "RX on %s\n", ifaceName)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lastGen := uint64(0)
		for ctx.Err() == nil {
			d, ok := sock.ReceiveDescriptor()
			if !ok {
				_, lastGen = sock.Wait(lastGen)
				continue
			}
			stats.RxPackets.Add(1)
			stats.RxBytes.Add(uint64(d.Length))
			_ = sock.RefillFrame(d.Index)
		}
		sock.Release()
	}()

	return dev, &wg
}

type SenderConfig struct {
	Iface   string
	DstMAC  string
	SrcIP   string
	DstIP   string
	SrcPort int
	Port    int
	Count   uint64
	PktSize uint
}

func runSender(conf *SenderConfig, stats *Stats) {
	nic, err := net.InterfaceByName(conf.Iface)
	fatalIf(err, "getting interface by name")
	var srcMAC [6]byte
	copy(srcMAC[:], nic.HardwareAddr)

	dstMAC, err := net.ParseMAC(conf.DstMAC)
	fatalIf(err, "parse dst mac")
	srcIP := net.ParseIP(conf.SrcIP).To4()
	dstIP := net.ParseIP(conf.DstIP).To4()

	dev, err := rawhook.Open(conf.Iface, nil)
	fatalIf(err, "opening egress rawhook")
	defer dev.Close()
	sock := openSocket(dev)
	defer sock.Release()

	fmt.Fprintf(os.Stderr, "TX on %s\n", conf.Iface)

	umem := sock.Umem()
	txRing := sock.TXRing()
	completions := umem.CompletionRing()

	var seq uint32
	start := time.Now()

	srcPort := uint16(conf.SrcPort)
	dstPort := uint16(conf.Port)
	pktSize := uint32(conf.PktSize)

	for stats.TxPackets.Load() < conf.Count {
		index, ok := umem.AllocFrame()
		if !ok {
			if idx, ok := completions.Peek(); ok {
				completions.Discard()
				umem.FreeFrame(idx)
				stats.TxCompleted.Add(1)
				continue
			}
			time.Sleep(time.Millisecond)
			continue
		}

		frame := umem.Data(index)
		plen := buildUDPPacket(frame, srcMAC[:], dstMAC, srcIP, dstIP, srcPort, dstPort, seq, pktSize)

		if !txRing.Reserve(1) {
			umem.FreeFrame(index)
			if _, err := sock.SendMsg(); err != nil {
				time.Sleep(time.Millisecond)
			}
			continue
		}
		txRing.Set(txRing.ProducerIndex(), xsk.Descriptor{Index: index, Length: plen})
		txRing.Produce(1)

		seq++
		stats.TxPackets.Add(1)
		stats.TxBytes.Add(uint64(plen))

		if _, err := sock.SendMsg(); err != nil {
			fatalIf(err, "sendmsg")
		}
	}

	for stats.TxCompleted.Load() < stats.TxPackets.Load() {
		if idx, ok := completions.Peek(); ok {
			completions.Discard()
			umem.FreeFrame(idx)
			stats.TxCompleted.Add(1)
			continue
		}
		if _, err := sock.SendMsg(); err != nil {
			time.Sleep(time.Millisecond)
		}
	}

	stats.Elapsed.Store(time.Since(start).Nanoseconds())
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	var stats Stats
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()

		var lastTxPkts, lastTxBytes, lastRxPkts, lastRxBytes uint64
		lastTime := time.Now()

		for range t.C {
			now := time.Now()
			dt := now.Sub(lastTime).Seconds()
			lastTime = now

			txPkts, rxPkts := stats.TxPackets.Load(), stats.RxPackets.Load()
			txBytes, rxBytes := stats.TxBytes.Load(), stats.RxBytes.Load()

			dTxPkts, dRxPkts := txPkts-lastTxPkts, rxPkts-lastRxPkts
			dTxBytes, dRxBytes := txBytes-lastTxBytes, rxBytes-lastRxBytes
			lastTxPkts, lastTxBytes, lastRxPkts, lastRxBytes = txPkts, txBytes, rxPkts, rxBytes

			txPPS, rxPPS := uint64(float64(dTxPkts)/dt), uint64(float64(dRxPkts)/dt)
			txMbps, rxMbps := float64(dTxBytes*8)/1e6/dt, float64(dRxBytes*8)/1e6/dt

			fmt.Printf(
				"TX=%d RX=%d TX-PPS=%d RX-PPS=%d TX-Mbps=%.1f RX-Mbps=%.1f\n",
				txPkts, rxPkts, txPPS, rxPPS, txMbps, rxMbps,
			)
		}
	}()

	ctxRecv, cancelRecv := context.WithCancel(context.Background())
	defer cancelRecv()

	devI, wgRecvDone := runReceiver(ctxRecv, conf.Ingress.Interface, &stats)
	defer devI.Close()

	{
		d := 300 * time.Millisecond
		fmt.Fprintf(os.Stderr, "waiting %s for receiver...\n", d)
		time.Sleep(d)
	}

	runSender(&SenderConfig{
		Iface:   conf.Egress.Interface,
		DstMAC:  conf.Egress.DestMAC,
		SrcIP:   conf.Egress.SrcIP,
		DstIP:   conf.Egress.DstIP,
		SrcPort: conf.Egress.SrcPort,
		Port:    conf.Egress.DstPort,
		Count:   conf.Count,
		PktSize: uint(conf.MTU),
	}, &stats)

	{
		d := 300 * time.Millisecond
		fmt.Fprintf(os.Stderr, "waiting %s for stragglers...\n", d)
		time.Sleep(d)
	}
	cancelRecv()
	wgRecvDone.Wait()

	txPackets, rxPackets := stats.TxPackets.Load(), stats.RxPackets.Load()
	txBytes, rxBytes := stats.TxBytes.Load(), stats.RxBytes.Load()

	drops := txPackets - rxPackets
	elapsed := float64(stats.Elapsed.Load()) / 1e9
	txAvgPPS := uint64(float64(txPackets) / elapsed)
	rxAvgPPS := uint64(float64(rxPackets) / elapsed)
	txAvgMbps := float64(txBytes*8) / 1e6 / elapsed
	rxAvgMbps := float64(rxBytes*8) / 1e6 / elapsed

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d packets\n", txPackets)
	p.Printf(" RX:                %d packets\n", rxPackets)
	p.Printf(" TX Avg PPS:        %d\n", txAvgPPS)
	p.Printf(" RX Avg PPS:        %d\n", rxAvgPPS)
	p.Printf(" TX Avg rate:       %.1f Mbps\n", txAvgMbps)
	p.Printf(" RX Avg rate:       %.1f Mbps\n", rxAvgMbps)
	p.Printf(" Dropped:           %d (%.4f%%)\n",
		drops, float64(drops)/float64(txPackets)*100)
}
