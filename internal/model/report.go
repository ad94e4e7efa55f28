package model

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Report is one batch of snapshot entries pushed by a tap for one protocol.
// Entries stay raw so that a malformed entry only loses itself.
type Report struct {
	TapID     uuid.UUID         `json:"tap_id"`
	Protocol  Protocol          `json:"protocol"`
	Timestamp time.Time         `json:"timestamp"`
	Entries   []json.RawMessage `json:"entries"`
}

// Validate checks the envelope fields and normalizes the protocol name.
func (r *Report) Validate() error {
	if r.TapID == uuid.Nil {
		return errors.New("report has no tap id")
	}
	p, err := ParseProtocol(string(r.Protocol))
	if err != nil {
		return err
	}
	r.Protocol = p
	if r.Timestamp.IsZero() {
		return errors.New("report has no timestamp")
	}
	return nil
}

// NewReport encodes entries into a report envelope.
func NewReport[E any](tapID uuid.UUID, protocol Protocol, ts time.Time, entries []E) (Report, error) {
	raw := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return Report{}, err
		}
		raw = append(raw, data)
	}
	return Report{TapID: tapID, Protocol: protocol, Timestamp: ts, Entries: raw}, nil
}

// ReportHandler consumes decoded report envelopes.
type ReportHandler interface {
	HandleReport(ctx context.Context, report Report) error
}
