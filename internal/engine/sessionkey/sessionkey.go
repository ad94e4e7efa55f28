// Package sessionkey derives the identity key that correlates repeated
// reports of the same real-world session.
package sessionkey

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// ErrMissingAnchor is returned when no anchor timestamp is available.
var ErrMissingAnchor = errors.New("sessionkey: missing anchor timestamp")

// Build returns the key of a session anchored at anchor between src:srcPort
// and dst:dstPort. Direction matters: swapping the endpoints yields a
// different key. The anchor is truncated to milliseconds.
func Build(anchor time.Time, src, dst netip.Addr, srcPort, dstPort uint16) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(anchor.UnixMilli(), 10))
	b.WriteByte('|')
	b.WriteString(src.Unmap().String())
	b.WriteByte('|')
	b.WriteString(dst.Unmap().String())
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(uint64(srcPort), 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(uint64(dstPort), 10))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// BuildAnchored is Build for an optional anchor. It returns ErrMissingAnchor
// when anchor is nil or zero.
func BuildAnchored(anchor *time.Time, src, dst netip.Addr, srcPort, dstPort uint16) (string, error) {
	if anchor == nil || anchor.IsZero() {
		return "", ErrMissingAnchor
	}
	return Build(*anchor, src, dst, srcPort, dstPort), nil
}

// FirstAnchor returns the first non-nil, non-zero candidate.
func FirstAnchor(candidates ...*time.Time) *time.Time {
	for _, c := range candidates {
		if c != nil && !c.IsZero() {
			return c
		}
	}
	return nil
}
