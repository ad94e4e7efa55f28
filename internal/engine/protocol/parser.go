// Package protocol decodes captured frames into the fields the tap-side
// session tracker needs.
package protocol

import (
	"errors"
	"net"
	"net/netip"

	"TapLedger/internal/engine/fingerprint"
	"TapLedger/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrUnsupported is returned for frames that are not IPv4/IPv6 TCP or UDP.
var ErrUnsupported = errors.New("unsupported packet")

// TCPFlags are the control bits the tracker acts on.
type TCPFlags struct {
	SYN, ACK, FIN, RST bool
}

// Packet is the decoded view of one captured frame.
type Packet struct {
	Protocol model.Protocol
	Length   int
	Payload  int

	SrcMAC, DstMAC   string
	SrcIP, DstIP     netip.Addr
	SrcPort, DstPort uint16

	Flags TCPFlags
	// SYN is set for IPv4 segments with SYN and without ACK.
	SYN *fingerprint.SYN
	// DHCP is set for UDP datagrams between ports 67 and 68.
	DHCP *layers.DHCPv4
}

// ParsePacket extracts addressing, TCP flags, SYN attributes and DHCP
// messages from a decoded packet.
func ParsePacket(packet gopacket.Packet) (*Packet, error) {
	info := &Packet{Length: len(packet.Data())}

	if l := packet.Layer(layers.LayerTypeEthernet); l != nil {
		eth := l.(*layers.Ethernet)
		info.SrcMAC = macString(eth.SrcMAC)
		info.DstMAC = macString(eth.DstMAC)
	}

	var ip4 *layers.IPv4
	switch {
	case packet.Layer(layers.LayerTypeIPv4) != nil:
		ip4 = packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		info.SrcIP = addr(ip4.SrcIP)
		info.DstIP = addr(ip4.DstIP)
	case packet.Layer(layers.LayerTypeIPv6) != nil:
		ip6 := packet.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		info.SrcIP = addr(ip6.SrcIP)
		info.DstIP = addr(ip6.DstIP)
	default:
		return nil, ErrUnsupported
	}

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		info.Protocol = model.ProtocolTCP
		info.SrcPort = uint16(tcp.SrcPort)
		info.DstPort = uint16(tcp.DstPort)
		info.Payload = len(tcp.Payload)
		info.Flags = TCPFlags{SYN: tcp.SYN, ACK: tcp.ACK, FIN: tcp.FIN, RST: tcp.RST}
		if tcp.SYN && !tcp.ACK && ip4 != nil {
			syn := fingerprint.FromTCP(ip4, tcp)
			info.SYN = &syn
		}
		return info, nil
	}

	if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		info.Protocol = model.ProtocolUDP
		info.SrcPort = uint16(udp.SrcPort)
		info.DstPort = uint16(udp.DstPort)
		info.Payload = len(udp.Payload)
		if l := packet.Layer(layers.LayerTypeDHCPv4); l != nil {
			info.DHCP = l.(*layers.DHCPv4)
		}
		return info, nil
	}
	return nil, ErrUnsupported
}

func addr(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}

func macString(hw net.HardwareAddr) string {
	mac, err := model.NormalizeMAC(hw.String())
	if err != nil {
		return ""
	}
	return mac
}
