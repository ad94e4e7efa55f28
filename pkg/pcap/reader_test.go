package pcap

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"TapLedger/internal/engine/protocol"
	"TapLedger/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func writeCapture(t *testing.T, ts time.Time) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(uint32(snapshotLen), layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}

	eth := &layers.Ethernet{SrcMAC: net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
		DstMAC: net.HardwareAddr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IPv4(10, 0, 0, 5), DstIP: net.IPv4(10, 0, 0, 53)}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	arp := &layers.ARP{AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4, HwAddressSize: 6, ProtAddressSize: 4,
		Operation: layers.ARPRequest, SourceHwAddress: eth.SrcMAC, SourceProtAddress: []byte{10, 0, 0, 5},
		DstHwAddress: make([]byte, 6), DstProtAddress: []byte{10, 0, 0, 1}}

	frames := [][]gopacket.SerializableLayer{
		{eth, ip, udp, gopacket.Payload([]byte("query"))},
		{&layers.Ethernet{SrcMAC: eth.SrcMAC, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP}, arp},
		{eth, ip, udp, gopacket.Payload([]byte("query"))},
	}
	for i, ls := range frames {
		buf := gopacket.NewSerializeBuffer()
		if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ls...); err != nil {
			t.Fatal(err)
		}
		data := buf.Bytes()
		ci := gopacket.CaptureInfo{Timestamp: ts.Add(time.Duration(i) * time.Second), CaptureLength: len(data), Length: len(data)}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestReaderSkipsNonIPFrames(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	reader, err := NewReader(writeCapture(t, t0))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer reader.Close()

	var stamps []time.Time
	n, err := reader.ReadPackets(context.Background(), func(ts time.Time, p *protocol.Packet) {
		if p.Protocol != model.ProtocolUDP || p.Payload != 5 {
			t.Errorf("unexpected packet %+v", p)
		}
		stamps = append(stamps, ts)
	})
	if err != nil {
		t.Fatalf("ReadPackets: %v", err)
	}
	if n != 2 || len(stamps) != 2 {
		t.Fatalf("expected two udp packets, got %d", n)
	}
	if !stamps[1].Equal(t0.Add(2 * time.Second)) {
		t.Fatalf("expected capture timestamps, got %v", stamps)
	}
}
