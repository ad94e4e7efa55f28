package model

import (
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/uuid"
)

// TCP session states as reported by taps.
const (
	TCPStateSynSent       = "SYN_SENT"
	TCPStateSynReceived   = "SYN_RECEIVED"
	TCPStateEstablished   = "ESTABLISHED"
	TCPStateFinWait       = "FIN_WAIT"
	TCPStateClosedFin     = "CLOSED_FIN"
	TCPStateClosedRst     = "CLOSED_RST"
	TCPStateClosedTimeout = "CLOSED_TIMEOUT"
	TCPStateRefused       = "REFUSED"
)

// UDP conversation states as reported by taps.
const (
	UDPStateActive = "ACTIVE"
	UDPStateClosed = "CLOSED"
)

// FlowRecord is the canonical record of a TCP session or UDP conversation.
type FlowRecord struct {
	ID          uuid.UUID
	TapID       uuid.UUID
	Protocol    Protocol
	SessionKey  string
	Source      Endpoint
	Destination Endpoint

	BytesRx      uint64
	BytesTx      uint64
	BytesCount   uint64
	PacketsCount uint64
	State        string

	StartTime          time.Time
	EndTime            *time.Time
	MostRecentActivity time.Time

	// Fingerprint is only set for TCP, at creation.
	Fingerprint string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Open reports whether the flow has no end time yet.
func (f *FlowRecord) Open() bool {
	return f.EndTime == nil
}

// Internal reports whether both endpoints are site-local.
func (f *FlowRecord) Internal() bool {
	return f.Source.SiteLocal && f.Destination.SiteLocal
}

// TCPEntry is one TCP session snapshot inside a tap report.
type TCPEntry struct {
	SourceMAC          string     `json:"source_mac"`
	DestinationMAC     string     `json:"destination_mac"`
	SourceAddress      netip.Addr `json:"source_address"`
	DestinationAddress netip.Addr `json:"destination_address"`
	SourcePort         uint16     `json:"source_port"`
	DestinationPort    uint16     `json:"destination_port"`

	BytesRx       uint64 `json:"bytes_rx"`
	BytesTx       uint64 `json:"bytes_tx"`
	SegmentsCount uint64 `json:"segments_count"`
	State         string `json:"state"`

	StartTime          time.Time  `json:"start_time"`
	EndTime            *time.Time `json:"end_time,omitempty"`
	MostRecentActivity time.Time  `json:"most_recent_activity"`

	SynIPTTL                 uint8                  `json:"syn_ip_ttl"`
	SynIPTOS                 uint8                  `json:"syn_ip_tos"`
	SynIPDF                  bool                   `json:"syn_ip_df"`
	SynWindowSize            uint16                 `json:"syn_window_size"`
	SynMaximumSegmentSize    *uint16                `json:"syn_maximum_segment_size,omitempty"`
	SynWindowScaleMultiplier *uint16                `json:"syn_window_scale_multiplier,omitempty"`
	SynOptions               []layers.TCPOptionKind `json:"syn_options"`
}

// UDPEntry is one UDP conversation snapshot inside a tap report.
type UDPEntry struct {
	SourceMAC          string     `json:"source_mac"`
	DestinationMAC     string     `json:"destination_mac"`
	SourceAddress      netip.Addr `json:"source_address"`
	DestinationAddress netip.Addr `json:"destination_address"`
	SourcePort         uint16     `json:"source_port"`
	DestinationPort    uint16     `json:"destination_port"`

	BytesCount     uint64 `json:"bytes_count"`
	DatagramsCount uint64 `json:"datagrams_count"`
	State          string `json:"state"`

	StartTime          time.Time  `json:"start_time"`
	EndTime            *time.Time `json:"end_time,omitempty"`
	MostRecentActivity time.Time  `json:"most_recent_activity"`
}
