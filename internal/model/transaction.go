package model

import (
	"encoding/json"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// TransactionRecord is the canonical record of a discrete exchange: a DHCP
// transaction, an SSH session, a SOCKS tunnel or an NTP round-trip.
type TransactionRecord struct {
	ID             uuid.UUID
	TapID          uuid.UUID
	Protocol       Protocol
	TransactionKey string

	ClientMAC     string
	ServerMAC     string
	ClientAddress netip.Addr
	ServerAddress netip.Addr
	ClientPort    uint16
	ServerPort    uint16

	InitiatedAt  time.Time
	LatestSeen   time.Time
	TerminatedAt *time.Time

	Complete   bool
	Successful *bool

	// Attributes holds the protocol specific attribute struct as JSON.
	Attributes json.RawMessage
	Notes      Notes

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SSHVersion is one side of an SSH identification exchange.
type SSHVersion struct {
	Version  string `json:"version"`
	Software string `json:"software"`
	Comments string `json:"comments,omitempty"`
}

// DHCPAttributes are the protocol attributes of a DHCP transaction.
type DHCPAttributes struct {
	TransactionID    uint32       `json:"transaction_id"`
	MessageTypes     []string     `json:"message_types,omitempty"`
	RequestedAddress *netip.Addr  `json:"requested_address,omitempty"`
	OfferedAddresses []netip.Addr `json:"offered_addresses,omitempty"`
	AckedAddress     *netip.Addr  `json:"acked_address,omitempty"`
	Hostname         string       `json:"hostname,omitempty"`
	VendorClass      string       `json:"vendor_class,omitempty"`
	Options          []uint8      `json:"options,omitempty"`
}

// SSHAttributes are the protocol attributes of an SSH session.
type SSHAttributes struct {
	ClientVersion    SSHVersion `json:"client_version"`
	ServerVersion    SSHVersion `json:"server_version"`
	ConnectionStatus string     `json:"connection_status"`
	TunneledBytes    uint64     `json:"tunneled_bytes"`
}

// SOCKSAttributes are the protocol attributes of a SOCKS tunnel.
type SOCKSAttributes struct {
	Type                       string      `json:"type"`
	AuthenticationStatus       string      `json:"authentication_status"`
	HandshakeStatus            string      `json:"handshake_status"`
	ConnectionStatus           string      `json:"connection_status"`
	Username                   string      `json:"username,omitempty"`
	TunneledBytes              uint64      `json:"tunneled_bytes"`
	TunneledDestinationAddress *netip.Addr `json:"tunneled_destination_address,omitempty"`
	TunneledDestinationHost    string      `json:"tunneled_destination_host,omitempty"`
	TunneledDestinationPort    uint16      `json:"tunneled_destination_port"`
}

// NTPAttributes are the protocol attributes of an NTP round-trip.
type NTPAttributes struct {
	RequestSize      uint32     `json:"request_size"`
	ResponseSize     uint32     `json:"response_size"`
	Stratum          uint8      `json:"stratum"`
	ReferenceID      string     `json:"reference_id,omitempty"`
	ClientTransmit   *time.Time `json:"client_transmit,omitempty"`
	ServerReceive    *time.Time `json:"server_receive,omitempty"`
	ServerTransmit   *time.Time `json:"server_transmit,omitempty"`
	ClientTapReceive *time.Time `json:"client_tap_receive,omitempty"`
	ServerTapReceive *time.Time `json:"server_tap_receive,omitempty"`
	// RoundTripMS is derived by the node when both tap receive times are known.
	RoundTripMS *int64 `json:"round_trip_ms,omitempty"`
}

// DHCPEntry is one DHCP transaction snapshot inside a tap report.
type DHCPEntry struct {
	DHCPAttributes
	ClientMAC     string     `json:"client_mac"`
	ServerMAC     string     `json:"server_mac"`
	ServerAddress netip.Addr `json:"server_address"`
	FirstPacket   time.Time  `json:"first_packet"`
	LatestPacket  time.Time  `json:"latest_packet"`
	Complete      bool       `json:"is_complete"`
	Successful    *bool      `json:"is_successful,omitempty"`
	Notes         Notes      `json:"notes,omitempty"`
}

// SSHEntry is one SSH session snapshot inside a tap report.
type SSHEntry struct {
	SSHAttributes
	ClientMAC         string     `json:"client_mac"`
	ServerMAC         string     `json:"server_mac"`
	ClientAddress     netip.Addr `json:"client_address"`
	ServerAddress     netip.Addr `json:"server_address"`
	ClientPort        uint16     `json:"client_port"`
	ServerPort        uint16     `json:"server_port"`
	EstablishedAt     time.Time  `json:"established_at"`
	TerminatedAt      *time.Time `json:"terminated_at,omitempty"`
	MostRecentSegment time.Time  `json:"most_recent_segment"`
	Notes             Notes      `json:"notes,omitempty"`
}

// SOCKSEntry is one SOCKS tunnel snapshot inside a tap report.
type SOCKSEntry struct {
	SOCKSAttributes
	ClientMAC         string     `json:"client_mac"`
	ServerMAC         string     `json:"server_mac"`
	ClientAddress     netip.Addr `json:"client_address"`
	ServerAddress     netip.Addr `json:"server_address"`
	ClientPort        uint16     `json:"client_port"`
	ServerPort        uint16     `json:"server_port"`
	EstablishedAt     time.Time  `json:"established_at"`
	TerminatedAt      *time.Time `json:"terminated_at,omitempty"`
	MostRecentSegment time.Time  `json:"most_recent_segment"`
	Notes             Notes      `json:"notes,omitempty"`
}

// NTPEntry is one NTP round-trip snapshot inside a tap report.
type NTPEntry struct {
	NTPAttributes
	TransactionID string     `json:"transaction_id"`
	ClientMAC     string     `json:"client_mac"`
	ServerMAC     string     `json:"server_mac"`
	ClientAddress netip.Addr `json:"client_address"`
	ServerAddress netip.Addr `json:"server_address"`
	ClientPort    uint16     `json:"client_port"`
	ServerPort    uint16     `json:"server_port"`
	Complete      bool       `json:"is_complete"`
	Notes         Notes      `json:"notes,omitempty"`
}
