package model

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Protocol identifies the protocol family of a tap report.
type Protocol string

const (
	ProtocolTCP   Protocol = "tcp"
	ProtocolUDP   Protocol = "udp"
	ProtocolDHCP  Protocol = "dhcp"
	ProtocolSSH   Protocol = "ssh"
	ProtocolSOCKS Protocol = "socks"
	ProtocolNTP   Protocol = "ntp"
)

// Protocols lists every protocol the node accepts reports for.
var Protocols = []Protocol{ProtocolTCP, ProtocolUDP, ProtocolDHCP, ProtocolSSH, ProtocolSOCKS, ProtocolNTP}

// ParseProtocol converts a wire protocol name into a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Protocols {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

// IsFlow reports whether records of this protocol are continuous flows.
func (p Protocol) IsFlow() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

// Tap is the metadata of a capture agent as known by the node.
type Tap struct {
	ID             uuid.UUID
	Name           string
	OrganizationID uuid.UUID
	TenantID       uuid.UUID
}

// GeoInfo is the geo/ASN snapshot of an address. Every field is optional.
type GeoInfo struct {
	ASNNumber   *int64   `json:"asn_number,omitempty"`
	ASNName     *string  `json:"asn_name,omitempty"`
	ASNDomain   *string  `json:"asn_domain,omitempty"`
	City        *string  `json:"city,omitempty"`
	CountryCode *string  `json:"country_code,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
}

// Empty reports whether no field is set.
func (g *GeoInfo) Empty() bool {
	return g == nil || (g.ASNNumber == nil && g.ASNName == nil && g.ASNDomain == nil &&
		g.City == nil && g.CountryCode == nil && g.Latitude == nil && g.Longitude == nil)
}

// AddressClass holds the derived classification flags of an address.
type AddressClass struct {
	SiteLocal bool
	Loopback  bool
	Multicast bool
}

// ClassifyAddress derives the address-class flags of addr.
func ClassifyAddress(addr netip.Addr) AddressClass {
	if !addr.IsValid() {
		return AddressClass{}
	}
	addr = addr.Unmap()
	return AddressClass{
		SiteLocal: addr.IsPrivate(),
		Loopback:  addr.IsLoopback(),
		Multicast: addr.IsMulticast(),
	}
}

// Routable reports whether addr can carry meaningful geo information.
func Routable(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	return !(addr.IsPrivate() || addr.IsLoopback() || addr.IsMulticast() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsUnspecified())
}

// NormalizeMAC returns the canonical upper-case colon form of a MAC address,
// or an empty string when s is empty.
func NormalizeMAC(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	hw, err := net.ParseMAC(s)
	if err != nil {
		return "", fmt.Errorf("invalid mac %q: %w", s, err)
	}
	return strings.ToUpper(hw.String()), nil
}

// Endpoint is one side of a flow.
type Endpoint struct {
	MAC     string
	Address netip.Addr
	Port    uint16
	AddressClass
	Geo *GeoInfo
}

// NewEndpoint builds an endpoint and derives its address class.
func NewEndpoint(mac string, addr netip.Addr, port uint16) Endpoint {
	return Endpoint{MAC: mac, Address: addr, Port: port, AddressClass: ClassifyAddress(addr)}
}

// Latest returns the later of a and b.
func Latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// Earliest returns the earlier non-zero value of a and b.
func Earliest(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.Before(b) {
		return a
	}
	return b
}
