package protocol

import (
	"errors"
	"net"
	"testing"

	"TapLedger/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	clientMAC = net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	serverMAC = net.HardwareAddr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) gopacket.Packet {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}

func TestParseSYNCarriesHandshakeAttributes(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: serverMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, TOS: 0x10, Flags: layers.IPv4DontFragment, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(10, 0, 0, 5), DstIP: net.IPv4(93, 1, 1, 1)}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 443, SYN: true, Window: 64240, Options: []layers.TCPOption{
		{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
		{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
		{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{7}},
	}}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}

	info, err := ParsePacket(serialize(t, eth, ip, tcp))
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if info.Protocol != model.ProtocolTCP || info.SrcPort != 40000 || info.DstPort != 443 {
		t.Fatalf("unexpected addressing %+v", info)
	}
	if info.SrcMAC != "AA:BB:CC:DD:EE:FF" || info.SrcIP.String() != "10.0.0.5" {
		t.Fatalf("unexpected source %s %s", info.SrcMAC, info.SrcIP)
	}
	if !info.Flags.SYN || info.Flags.ACK {
		t.Fatalf("unexpected flags %+v", info.Flags)
	}
	if info.SYN == nil {
		t.Fatal("expected SYN attributes")
	}
	if info.SYN.TTL != 64 || !info.SYN.DontFragment || info.SYN.WindowSize != 64240 {
		t.Errorf("unexpected SYN header fields %+v", info.SYN)
	}
	if info.SYN.MSS == nil || *info.SYN.MSS != 1460 {
		t.Errorf("expected MSS 1460, got %v", info.SYN.MSS)
	}
	if info.SYN.WindowScale == nil || *info.SYN.WindowScale != 128 {
		t.Errorf("expected window scale multiplier 128, got %v", info.SYN.WindowScale)
	}
	if len(info.SYN.OptionKinds) != 3 || info.SYN.OptionKinds[1] != layers.TCPOptionKindNop {
		t.Errorf("unexpected option kinds %v", info.SYN.OptionKinds)
	}
}

func TestParseDHCPDiscover(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IPv4zero, DstIP: net.IPv4bcast}
	udp := &layers.UDP{SrcPort: 68, DstPort: 67}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	dhcp := &layers.DHCPv4{Operation: layers.DHCPOpRequest, HardwareType: layers.LinkTypeEthernet, HardwareLen: 6,
		Xid: 0xdeadbeef, ClientHWAddr: clientMAC, Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeDiscover)}),
		}}

	info, err := ParsePacket(serialize(t, eth, ip, udp, dhcp))
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if info.Protocol != model.ProtocolUDP || info.DHCP == nil {
		t.Fatalf("expected a dhcp datagram, got %+v", info)
	}
	if info.DHCP.Xid != 0xdeadbeef {
		t.Fatalf("unexpected xid %x", info.DHCP.Xid)
	}
}

func TestParseRejectsNonIP(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4, HwAddressSize: 6, ProtAddressSize: 4,
		Operation: layers.ARPRequest, SourceHwAddress: clientMAC, SourceProtAddress: []byte{10, 0, 0, 5},
		DstHwAddress: []byte{0, 0, 0, 0, 0, 0}, DstProtAddress: []byte{10, 0, 0, 1}}
	if _, err := ParsePacket(serialize(t, eth, arp)); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
