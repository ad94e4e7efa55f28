package reconcile

import (
	"context"
	"encoding/json"
	"net/netip"
	"testing"
	"time"

	"TapLedger/internal/model"
	"TapLedger/internal/storage/memory"
)

func dhcpEntry(complete bool) model.DHCPEntry {
	acked := netip.MustParseAddr("10.0.0.40")
	return model.DHCPEntry{
		DHCPAttributes: model.DHCPAttributes{
			TransactionID: 77,
			MessageTypes:  []string{"DISCOVER", "OFFER", "REQUEST", "ACK"},
			AckedAddress:  &acked,
		},
		ClientMAC:     "aa:bb:cc:00:00:01",
		ServerAddress: netip.MustParseAddr("10.0.0.1"),
		FirstPacket:   t0,
		LatestPacket:  t0.Add(2 * time.Second),
		Complete:      complete,
	}
}

func TestDHCPTransactionFreezesAndReuseCreatesNewRow(t *testing.T) {
	store := memory.New()
	rec := New(NewDHCPStrategy(store, 0), nil, WithClock(nowFunc))
	tap := testTap()
	ctx := context.Background()

	if res := rec.Reconcile(ctx, tap, rawEntries(t, dhcpEntry(false))); res.Outcomes[OutcomeCreated] != 1 {
		t.Fatalf("expected a created row, got %+v", res.Outcomes)
	}
	if res := rec.Reconcile(ctx, tap, rawEntries(t, dhcpEntry(true))); res.Outcomes[OutcomeUpdated] != 1 {
		t.Fatalf("expected the open row to be completed, got %+v", res.Outcomes)
	}
	txs := store.Transactions()
	if len(txs) != 1 || !txs[0].Complete || txs[0].TerminatedAt == nil {
		t.Fatalf("expected one complete row, got %+v", txs)
	}

	if res := rec.Reconcile(ctx, tap, rawEntries(t, dhcpEntry(true))); res.Outcomes[OutcomeCreated] != 1 {
		t.Fatalf("expected a new row after completion, got %+v", res.Outcomes)
	}
	txs = store.Transactions()
	if len(txs) != 2 {
		t.Fatalf("expected two rows, got %d", len(txs))
	}
	if txs[0].TransactionKey != txs[1].TransactionKey {
		t.Fatalf("expected both rows to share the key")
	}

	var attrs model.DHCPAttributes
	if err := json.Unmarshal(txs[0].Attributes, &attrs); err != nil {
		t.Fatalf("unmarshal attributes: %v", err)
	}
	if attrs.TransactionID != 77 || len(attrs.MessageTypes) != 4 {
		t.Fatalf("unexpected attributes %+v", attrs)
	}
	if txs[0].ClientMAC != "AA:BB:CC:00:00:01" || txs[0].ClientAddress != netip.MustParseAddr("10.0.0.40") {
		t.Fatalf("unexpected client side %s %s", txs[0].ClientMAC, txs[0].ClientAddress)
	}
}

func TestCompletedPendingRecordStartsNewRecord(t *testing.T) {
	store := memory.New()
	rec := New(NewDHCPStrategy(store, 0), nil, WithClock(nowFunc))

	res := rec.Reconcile(context.Background(), testTap(), rawEntries(t, dhcpEntry(false), dhcpEntry(true), dhcpEntry(true)))
	if res.Outcomes[OutcomeCreated] != 2 || res.Outcomes[OutcomeCoalesced] != 1 {
		t.Fatalf("unexpected outcomes %+v", res.Outcomes)
	}
	if n := len(store.Transactions()); n != 2 {
		t.Fatalf("expected two rows, got %d", n)
	}
}

func TestDHCPMatchIsAnchoredOnFirstPacket(t *testing.T) {
	store := memory.New()
	rec := New(NewDHCPStrategy(store, 0), nil, WithClock(nowFunc))
	tap := testTap()

	rec.Reconcile(context.Background(), tap, rawEntries(t, dhcpEntry(false)))
	later := dhcpEntry(false)
	later.FirstPacket = t0.Add(time.Hour)
	later.LatestPacket = later.FirstPacket
	res := rec.Reconcile(context.Background(), tap, rawEntries(t, later))
	if res.Outcomes[OutcomeCreated] != 1 {
		t.Fatalf("expected a reused transaction id to create a row, got %+v", res.Outcomes)
	}
}

func TestTransactionStalenessDisabledByDefault(t *testing.T) {
	store := memory.New()
	rec := New(NewDHCPStrategy(store, 0), nil, WithClock(func() time.Time { return t0.Add(24 * time.Hour) }))
	res := rec.Reconcile(context.Background(), testTap(), rawEntries(t, dhcpEntry(false)))
	if res.Outcomes[OutcomeCreated] != 1 {
		t.Fatalf("expected an old transaction to be accepted, got %+v", res.Outcomes)
	}
}

func TestNTPAnchorFallsBackToServerReceive(t *testing.T) {
	store := memory.New()
	rec := New(NewNTPStrategy(store, 0), nil, WithClock(nowFunc))
	serverRx := t0.Add(40 * time.Millisecond)

	e := model.NTPEntry{
		NTPAttributes: model.NTPAttributes{ServerTapReceive: &serverRx, Stratum: 2},
		ClientMAC:     "aa:bb:cc:00:00:02",
		ClientAddress: netip.MustParseAddr("10.0.0.9"),
		ServerAddress: netip.MustParseAddr("162.159.200.1"),
		ClientPort:    123,
		ServerPort:    123,
	}
	res := rec.Reconcile(context.Background(), testTap(), rawEntries(t, e))
	if res.Outcomes[OutcomeCreated] != 1 {
		t.Fatalf("expected a created row, got %+v", res.Outcomes)
	}
	if got := store.Transactions()[0].InitiatedAt; !got.Equal(serverRx) {
		t.Fatalf("expected initiated_at %v, got %v", serverRx, got)
	}

	e.ServerTapReceive = nil
	res = rec.Reconcile(context.Background(), testTap(), rawEntries(t, e))
	if res.Outcomes[OutcomeInvalid] != 1 {
		t.Fatalf("expected an entry without anchors to be skipped, got %+v", res.Outcomes)
	}
}

func TestNTPRoundTripIsDerived(t *testing.T) {
	store := memory.New()
	rec := New(NewNTPStrategy(store, 0), nil, WithClock(nowFunc))
	clientRx := t0
	serverRx := t0.Add(35 * time.Millisecond)

	e := model.NTPEntry{
		NTPAttributes: model.NTPAttributes{ClientTapReceive: &clientRx, ServerTapReceive: &serverRx},
		ClientAddress: netip.MustParseAddr("10.0.0.9"),
		ServerAddress: netip.MustParseAddr("162.159.200.1"),
		ClientPort:    50000,
		ServerPort:    123,
		Complete:      true,
	}
	rec.Reconcile(context.Background(), testTap(), rawEntries(t, e))

	tx := store.Transactions()[0]
	var attrs model.NTPAttributes
	if err := json.Unmarshal(tx.Attributes, &attrs); err != nil {
		t.Fatalf("unmarshal attributes: %v", err)
	}
	if attrs.RoundTripMS == nil || *attrs.RoundTripMS != 35 {
		t.Fatalf("expected a 35ms round trip, got %v", attrs.RoundTripMS)
	}
	if tx.Successful == nil || !*tx.Successful {
		t.Fatalf("expected an answered round trip to be successful")
	}
}

func TestSOCKSSuccessFollowsHandshake(t *testing.T) {
	cases := []struct {
		status string
		want   *bool
	}{
		{"GRANTED", ptr(true)},
		{"rejected", ptr(false)},
		{"IN_PROGRESS", nil},
		{"", nil},
	}
	for _, tc := range cases {
		got := HandshakeSucceeded(tc.status)
		switch {
		case tc.want == nil && got != nil:
			t.Errorf("%q: expected nil, got %v", tc.status, *got)
		case tc.want != nil && (got == nil || *got != *tc.want):
			t.Errorf("%q: expected %v, got %v", tc.status, *tc.want, got)
		}
	}
}

func TestSSHTerminationCompletesSession(t *testing.T) {
	store := memory.New()
	rec := New(NewSSHStrategy(store, 0), nil, WithClock(nowFunc))
	tap := testTap()

	e := model.SSHEntry{
		SSHAttributes: model.SSHAttributes{
			ClientVersion: model.SSHVersion{Version: "2.0", Software: "OpenSSH_9.6"},
		},
		ClientMAC:         "aa:bb:cc:00:00:03",
		ClientAddress:     netip.MustParseAddr("10.0.0.7"),
		ServerAddress:     netip.MustParseAddr("10.0.0.8"),
		ClientPort:        51000,
		ServerPort:        22,
		EstablishedAt:     t0,
		MostRecentSegment: t0.Add(time.Second),
		Notes:             model.Notes{model.SSHKeyExchangeNote{Side: "client", Algorithms: []string{"curve25519-sha256"}}},
	}
	rec.Reconcile(context.Background(), tap, rawEntries(t, e))

	end := t0.Add(4 * time.Second)
	e.TerminatedAt = &end
	res := rec.Reconcile(context.Background(), tap, rawEntries(t, e))
	if res.Outcomes[OutcomeUpdated] != 1 {
		t.Fatalf("expected an update, got %+v", res.Outcomes)
	}

	tx := store.Transactions()[0]
	if !tx.Complete || tx.TerminatedAt == nil || !tx.LatestSeen.Equal(end) {
		t.Fatalf("expected a terminated session, got %+v", tx)
	}
	if len(tx.Notes) != 1 || tx.Notes[0].Kind() != model.NoteKindSSHKeyExchange {
		t.Fatalf("expected the key exchange note, got %+v", tx.Notes)
	}
	if len(res.Observations) != 1 || res.Observations[0].MAC != "AA:BB:CC:00:00:03" {
		t.Fatalf("expected the client mac to be observed, got %+v", res.Observations)
	}
}
