// Package probe moves tap reports between taps and the node: JSON report
// envelopes over NATS subjects or Kafka topics, and the tap-side reporter
// that publishes session table snapshots.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"TapLedger/internal/model"
)

// Deliver receives decoded reports from a transport.
type Deliver func(ctx context.Context, report model.Report)

// ReportPublisher sends reports to the node.
type ReportPublisher interface {
	Publish(ctx context.Context, report model.Report) error
	Close() error
}

// Subject returns the NATS subject reports of protocol are published on.
func Subject(prefix string, protocol model.Protocol) string {
	return prefix + "." + string(protocol)
}

// EncodeReport serializes a report envelope.
func EncodeReport(report model.Report) ([]byte, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return data, nil
}

// DecodeReport parses a report envelope. When subject is non-empty its last
// token names the protocol: it fills a missing protocol and must agree with
// a present one.
func DecodeReport(data []byte, subject string) (model.Report, error) {
	var report model.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return model.Report{}, fmt.Errorf("failed to decode report: %w", err)
	}
	if p, err := model.ParseProtocol(string(report.Protocol)); err == nil {
		report.Protocol = p
	}
	if subject != "" {
		token := subject[strings.LastIndexByte(subject, '.')+1:]
		if p, err := model.ParseProtocol(token); err == nil {
			switch {
			case report.Protocol == "":
				report.Protocol = p
			case report.Protocol != p:
				return model.Report{}, fmt.Errorf("report protocol %q does not match subject %q", report.Protocol, subject)
			}
		}
	}
	if err := report.Validate(); err != nil {
		return model.Report{}, err
	}
	return report, nil
}
