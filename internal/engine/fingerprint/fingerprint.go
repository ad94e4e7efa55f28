// Package fingerprint computes the passive TCP stack fingerprint of a SYN.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/gopacket/layers"
)

// SYN holds the immutable handshake attributes of a TCP session.
type SYN struct {
	TTL          uint8
	TOS          uint8
	DontFragment bool
	WindowSize   uint16
	MSS          *uint16
	WindowScale  *uint16
	OptionKinds  []layers.TCPOptionKind
}

// Generate returns the hex SHA-256 digest of the canonical form of s.
// Option order is part of the fingerprint.
func Generate(s SYN) string {
	sum := sha256.Sum256([]byte(Canonical(s)))
	return hex.EncodeToString(sum[:])
}

// Canonical renders s as ttl:tos:df:window:mss:wscale:opt,opt,...
// Absent MSS or window scale render as "*".
func Canonical(s SYN) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(s.TTL)))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(int(s.TOS)))
	b.WriteByte(':')
	if s.DontFragment {
		b.WriteByte('1')
	} else {
		b.WriteByte('0')
	}
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(int(s.WindowSize)))
	b.WriteByte(':')
	writeOptional(&b, s.MSS)
	b.WriteByte(':')
	writeOptional(&b, s.WindowScale)
	b.WriteByte(':')
	for i, kind := range s.OptionKinds {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(kind)))
	}
	return b.String()
}

func writeOptional(b *strings.Builder, v *uint16) {
	if v == nil {
		b.WriteByte('*')
		return
	}
	b.WriteString(strconv.Itoa(int(*v)))
}

// FromTCP extracts the SYN attributes of a decoded handshake packet.
func FromTCP(ip *layers.IPv4, tcp *layers.TCP) SYN {
	s := SYN{
		TTL:          ip.TTL,
		TOS:          ip.TOS,
		DontFragment: ip.Flags&layers.IPv4DontFragment != 0,
		WindowSize:   tcp.Window,
	}
	for _, opt := range tcp.Options {
		s.OptionKinds = append(s.OptionKinds, opt.OptionType)
		switch opt.OptionType {
		case layers.TCPOptionKindMSS:
			if len(opt.OptionData) == 2 {
				mss := uint16(opt.OptionData[0])<<8 | uint16(opt.OptionData[1])
				s.MSS = &mss
			}
		case layers.TCPOptionKindWindowScale:
			if len(opt.OptionData) == 1 {
				multiplier := uint16(1) << min(opt.OptionData[0], 14)
				s.WindowScale = &multiplier
			}
		}
	}
	return s
}
