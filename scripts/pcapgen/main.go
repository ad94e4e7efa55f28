package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var (
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	routerMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0xfe}
	broadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

func main() {
	outputFile := flag.String("o", "sessions.pcap", "Output pcap file path")
	sessions := flag.Int("n", 100, "Number of TCP sessions to generate")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	start := time.Now().UTC().Truncate(time.Second)
	n, err := generate(f, *sessions, start, rand.New(rand.NewSource(*seed)))
	if err != nil {
		log.Fatalf("Failed to generate capture: %v", err)
	}
	log.Printf("Wrote %d packets into %s.", n, *outputFile)
}

// generator writes frames with a monotonically advancing capture clock.
type generator struct {
	w   *pcapgo.Writer
	now time.Time
	rng *rand.Rand
	n   int
}

// generate writes one DHCP exchange, sessions TCP sessions (every fifth one
// refused) and a DNS query per session.
func generate(out io.Writer, sessions int, start time.Time, rng *rand.Rand) (int, error) {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return 0, fmt.Errorf("failed to write pcap header: %w", err)
	}
	g := &generator{w: w, now: start, rng: rng}

	if err := g.dhcp(rng.Uint32()); err != nil {
		return g.n, err
	}
	client := net.IPv4(192, 168, 1, 10)
	for i := 0; i < sessions; i++ {
		server := net.IPv4(93, 184, byte(rng.Intn(256)), byte(1+rng.Intn(254)))
		sport := layers.TCPPort(20000 + i)
		var err error
		if i%5 == 4 {
			err = g.refused(client, server, sport)
		} else {
			err = g.tcp(client, server, sport, 443)
		}
		if err != nil {
			return g.n, err
		}
		if err := g.udp(client, net.IPv4(192, 168, 1, 1), layers.UDPPort(30000+i), 53, 40, 120); err != nil {
			return g.n, err
		}
	}
	return g.n, nil
}

func (g *generator) write(eth *layers.Ethernet, ls ...gopacket.SerializableLayer) error {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, append([]gopacket.SerializableLayer{eth}, ls...)...); err != nil {
		return fmt.Errorf("failed to serialize layers: %w", err)
	}
	g.now = g.now.Add(time.Duration(1+g.rng.Intn(20)) * time.Millisecond)
	ci := gopacket.CaptureInfo{Timestamp: g.now, CaptureLength: len(buf.Bytes()), Length: len(buf.Bytes())}
	if err := g.w.WritePacket(ci, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	g.n++
	return nil
}

func ipv4(src, dst net.IP, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{Version: 4, TTL: 64, Protocol: proto, SrcIP: src, DstIP: dst}
}

// segment sends one TCP segment; out is true for client to server.
func (g *generator) segment(client, server net.IP, sport, dport layers.TCPPort, out bool, flags func(*layers.TCP), payload int) error {
	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: routerMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := ipv4(client, server, layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: sport, DstPort: dport, Window: 64240, Seq: g.rng.Uint32()}
	if !out {
		eth.SrcMAC, eth.DstMAC = routerMAC, clientMAC
		ip.SrcIP, ip.DstIP = server, client
		tcp.SrcPort, tcp.DstPort = dport, sport
	}
	flags(tcp)
	if tcp.SYN && !tcp.ACK {
		tcp.Options = []layers.TCPOption{
			{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
			{OptionType: layers.TCPOptionKindSACKPermitted, OptionLength: 2},
			{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{7}},
		}
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	body := make([]byte, payload)
	g.rng.Read(body)
	return g.write(eth, ip, tcp, gopacket.Payload(body))
}

func (g *generator) tcp(client, server net.IP, sport, dport layers.TCPPort) error {
	steps := []struct {
		out     bool
		flags   func(*layers.TCP)
		payload int
	}{
		{true, func(t *layers.TCP) { t.SYN = true }, 0},
		{false, func(t *layers.TCP) { t.SYN, t.ACK = true, true }, 0},
		{true, func(t *layers.TCP) { t.ACK = true }, 0},
		{true, func(t *layers.TCP) { t.ACK, t.PSH = true, true }, 200 + g.rng.Intn(300)},
		{false, func(t *layers.TCP) { t.ACK, t.PSH = true, true }, 500 + g.rng.Intn(1000)},
		{true, func(t *layers.TCP) { t.FIN, t.ACK = true, true }, 0},
		{false, func(t *layers.TCP) { t.FIN, t.ACK = true, true }, 0},
		{true, func(t *layers.TCP) { t.ACK = true }, 0},
	}
	for _, s := range steps {
		if err := g.segment(client, server, sport, dport, s.out, s.flags, s.payload); err != nil {
			return err
		}
	}
	return nil
}

func (g *generator) refused(client, server net.IP, sport layers.TCPPort) error {
	if err := g.segment(client, server, sport, 8443, true, func(t *layers.TCP) { t.SYN = true }, 0); err != nil {
		return err
	}
	return g.segment(client, server, sport, 8443, false, func(t *layers.TCP) { t.RST, t.ACK = true, true }, 0)
}

func (g *generator) udp(client, server net.IP, sport, dport layers.UDPPort, query, answer int) error {
	for i, size := range []int{query, answer} {
		eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: routerMAC, EthernetType: layers.EthernetTypeIPv4}
		ip := ipv4(client, server, layers.IPProtocolUDP)
		udp := &layers.UDP{SrcPort: sport, DstPort: dport}
		if i == 1 {
			eth.SrcMAC, eth.DstMAC = routerMAC, clientMAC
			ip.SrcIP, ip.DstIP = server, client
			udp.SrcPort, udp.DstPort = dport, sport
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return err
		}
		body := make([]byte, size)
		g.rng.Read(body)
		if err := g.write(eth, ip, udp, gopacket.Payload(body)); err != nil {
			return err
		}
	}
	return nil
}

func (g *generator) dhcp(xid uint32) error {
	offered := net.IPv4(192, 168, 1, 10)
	server := net.IPv4(192, 168, 1, 1)
	steps := []struct {
		fromClient bool
		msgType    layers.DHCPMsgType
	}{
		{true, layers.DHCPMsgTypeDiscover},
		{false, layers.DHCPMsgTypeOffer},
		{true, layers.DHCPMsgTypeRequest},
		{false, layers.DHCPMsgTypeAck},
	}
	for _, s := range steps {
		eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: broadcast, EthernetType: layers.EthernetTypeIPv4}
		ip := ipv4(net.IPv4zero, net.IPv4bcast, layers.IPProtocolUDP)
		udp := &layers.UDP{SrcPort: 68, DstPort: 67}
		msg := &layers.DHCPv4{
			Operation:    layers.DHCPOpRequest,
			HardwareType: layers.LinkTypeEthernet,
			HardwareLen:  6,
			Xid:          xid,
			ClientHWAddr: clientMAC,
			Options:      layers.DHCPOptions{layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(s.msgType)})},
		}
		if s.fromClient {
			msg.Options = append(msg.Options,
				layers.NewDHCPOption(layers.DHCPOptHostname, []byte("lab-host")),
				layers.NewDHCPOption(layers.DHCPOptParamsRequest, []byte{1, 3, 6, 15}))
			if s.msgType == layers.DHCPMsgTypeRequest {
				msg.Options = append(msg.Options, layers.NewDHCPOption(layers.DHCPOptRequestIP, offered.To4()))
			}
		} else {
			eth.SrcMAC = routerMAC
			ip.SrcIP = server
			udp.SrcPort, udp.DstPort = 67, 68
			msg.Operation = layers.DHCPOpReply
			msg.YourClientIP = offered
			msg.NextServerIP = server
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return err
		}
		if err := g.write(eth, ip, udp, msg); err != nil {
			return err
		}
	}
	return nil
}
