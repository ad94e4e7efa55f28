package probe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"TapLedger/internal/engine/protocol"
	"TapLedger/internal/model"
	"TapLedger/internal/probe/tracker"
	"TapLedger/pkg/pcap"

	"github.com/google/uuid"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type message struct {
	subject string
	data    []byte
}

type recordingConn struct {
	mu   sync.Mutex
	msgs []message
}

func (c *recordingConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, message{subject, data})
	return nil
}

func TestDecodeReport(t *testing.T) {
	tapID := uuid.New()
	envelope := func(protocol string) []byte {
		data, _ := json.Marshal(map[string]any{
			"tap_id":    tapID,
			"protocol":  protocol,
			"timestamp": t0,
			"entries":   []json.RawMessage{json.RawMessage(`{}`)},
		})
		return data
	}

	tests := []struct {
		name    string
		data    []byte
		subject string
		want    model.Protocol
		wantErr bool
	}{
		{"protocol from envelope", envelope("tcp"), "", model.ProtocolTCP, false},
		{"protocol from subject", envelope(""), "taps.reports.dhcp", model.ProtocolDHCP, false},
		{"subject agrees", envelope("udp"), "taps.reports.udp", model.ProtocolUDP, false},
		{"protocol case normalized", envelope("TCP"), "", model.ProtocolTCP, false},
		{"normalized protocol agrees with subject", envelope(" Udp"), "taps.reports.udp", model.ProtocolUDP, false},
		{"subject disagrees", envelope("udp"), "taps.reports.tcp", "", true},
		{"unknown protocol", envelope("arp"), "", "", true},
		{"not json", []byte("{"), "taps.reports.tcp", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := DecodeReport(tt.data, tt.subject)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeReport: %v", err)
			}
			if report.Protocol != tt.want || report.TapID != tapID || len(report.Entries) != 1 {
				t.Fatalf("unexpected report %+v", report)
			}
		})
	}
}

func TestPublisherUsesProtocolSubject(t *testing.T) {
	conn := &recordingConn{}
	pub := NewConnPublisher(conn, "taps.reports")
	report, err := model.NewReport(uuid.New(), model.ProtocolUDP, t0, []model.UDPEntry{{DatagramsCount: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if err := pub.Publish(context.Background(), report); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(conn.msgs) != 1 || conn.msgs[0].subject != "taps.reports.udp" {
		t.Fatalf("unexpected messages %+v", conn.msgs)
	}
	got, err := DecodeReport(conn.msgs[0].data, conn.msgs[0].subject)
	if err != nil {
		t.Fatalf("DecodeReport: %v", err)
	}
	if got.TapID != report.TapID || !got.Timestamp.Equal(t0) {
		t.Fatalf("unexpected envelope %+v", got)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, model.Report) error {
	p.calls++
	return errors.New("nats: no servers available")
}

func (p *failingPublisher) Close() error { return nil }

func TestReporterPublishesOneReportPerProtocol(t *testing.T) {
	tr := tracker.New(4, time.Minute)
	client, server := netip.MustParseAddr("10.0.0.5"), netip.MustParseAddr("10.0.0.9")
	tr.Process(&protocol.Packet{Protocol: model.ProtocolTCP, Flags: protocol.TCPFlags{ACK: true}, Payload: 10,
		SrcIP: client, DstIP: server, SrcPort: 40000, DstPort: 22}, t0)
	tr.Process(&protocol.Packet{Protocol: model.ProtocolUDP, Payload: 48,
		SrcIP: client, DstIP: server, SrcPort: 5353, DstPort: 53}, t0)

	conn := &recordingConn{}
	tapID := uuid.New()
	r := NewReporter(tr, NewConnPublisher(conn, "taps.reports"), tapID, time.Second, discard())
	if err := r.Flush(context.Background(), t0.Add(time.Second)); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	subjects := map[string]bool{}
	for _, m := range conn.msgs {
		subjects[m.subject] = true
		report, err := DecodeReport(m.data, m.subject)
		if err != nil {
			t.Fatalf("DecodeReport: %v", err)
		}
		if report.TapID != tapID || len(report.Entries) != 1 {
			t.Fatalf("unexpected report %+v", report)
		}
	}
	if len(conn.msgs) != 2 || !subjects["taps.reports.tcp"] || !subjects["taps.reports.udp"] {
		t.Fatalf("expected a tcp and a udp report, got %v", subjects)
	}
}

func TestReporterReturnsPublishErrors(t *testing.T) {
	tr := tracker.New(1, time.Minute)
	tr.Process(&protocol.Packet{Protocol: model.ProtocolUDP, SrcIP: netip.MustParseAddr("10.0.0.5"),
		DstIP: netip.MustParseAddr("10.0.0.9"), SrcPort: 1000, DstPort: 53}, t0)

	pub := &failingPublisher{}
	r := NewReporter(tr, pub, uuid.New(), time.Second, discard())
	if err := r.Flush(context.Background(), t0); err == nil {
		t.Fatal("expected the publish error to be returned")
	}
	if pub.calls != 1 {
		t.Fatalf("expected one publish attempt, got %d", pub.calls)
	}
}

type capturedPacket struct {
	ts time.Time
	p  *protocol.Packet
}

type packetList []capturedPacket

func (l packetList) ReadPackets(_ context.Context, handle pcap.Handler) (int, error) {
	for _, c := range l {
		handle(c.ts, c.p)
	}
	return len(l), nil
}

func TestReplayShiftsOldCaptureToRebaseTime(t *testing.T) {
	client, server := netip.MustParseAddr("10.0.0.5"), netip.MustParseAddr("10.0.0.53")
	udp := func(payload int) *protocol.Packet {
		return &protocol.Packet{Protocol: model.ProtocolUDP, Payload: payload,
			SrcIP: client, DstIP: server, SrcPort: 5353, DstPort: 53}
	}
	src := packetList{{t0, udp(40)}, {t0.Add(15 * time.Second), udp(120)}}

	conn := &recordingConn{}
	r := NewReporter(tracker.New(1, time.Minute), NewConnPublisher(conn, "taps.reports"), uuid.New(), 10*time.Second, discard())
	rebase := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n, err := r.Replay(context.Background(), src, time.Minute, rebase)
	if err != nil || n != 2 {
		t.Fatalf("Replay: %d %v", n, err)
	}

	if len(conn.msgs) != 2 {
		t.Fatalf("expected an interval report and a final report, got %d", len(conn.msgs))
	}
	wantTimes := []time.Time{rebase.Add(10 * time.Second), rebase.Add(15*time.Second + time.Minute + time.Second)}
	for i, m := range conn.msgs {
		report, err := DecodeReport(m.data, m.subject)
		if err != nil {
			t.Fatalf("DecodeReport: %v", err)
		}
		if !report.Timestamp.Equal(wantTimes[i]) {
			t.Fatalf("report %d at %v, want %v", i, report.Timestamp, wantTimes[i])
		}
		var e model.UDPEntry
		if err := json.Unmarshal(report.Entries[0], &e); err != nil {
			t.Fatal(err)
		}
		if !e.StartTime.Equal(rebase) {
			t.Fatalf("expected the session to start at %v, got %v", rebase, e.StartTime)
		}
	}
	var last model.UDPEntry
	report, _ := DecodeReport(conn.msgs[1].data, conn.msgs[1].subject)
	_ = json.Unmarshal(report.Entries[0], &last)
	if last.State != model.UDPStateClosed || last.BytesCount != 160 {
		t.Fatalf("expected a closed conversation with 160 bytes, got %+v", last)
	}
}

func TestReplayKeepsCaptureTimesWithoutRebase(t *testing.T) {
	p := &protocol.Packet{Protocol: model.ProtocolUDP, Payload: 10, SrcIP: netip.MustParseAddr("10.0.0.5"),
		DstIP: netip.MustParseAddr("10.0.0.53"), SrcPort: 1000, DstPort: 53}
	conn := &recordingConn{}
	r := NewReporter(tracker.New(1, time.Minute), NewConnPublisher(conn, "taps.reports"), uuid.New(), 10*time.Second, discard())
	if _, err := r.Replay(context.Background(), packetList{{t0, p}}, time.Minute, time.Time{}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	report, err := DecodeReport(conn.msgs[0].data, conn.msgs[0].subject)
	if err != nil {
		t.Fatal(err)
	}
	if want := t0.Add(time.Minute + time.Second); !report.Timestamp.Equal(want) {
		t.Fatalf("expected the final flush at %v, got %v", want, report.Timestamp)
	}
}
