package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"TapLedger/internal/engine/sessionkey"
	"TapLedger/internal/model"
	"TapLedger/internal/storage"

	"github.com/google/uuid"
)

// Well known ports used when an entry does not carry them.
const (
	dhcpClientPort = 68
	dhcpServerPort = 67
)

// txFields is the protocol independent view of a transaction entry.
type txFields struct {
	key    string
	anchor *time.Time

	clientMAC, serverMAC   string
	clientAddr, serverAddr netip.Addr
	clientPort, serverPort uint16

	initiated  time.Time
	latest     time.Time
	terminated *time.Time
	complete   bool
	successful *bool

	attributes any
	notes      model.Notes
}

// TransactionStrategy reconciles one transaction protocol.
type TransactionStrategy[E any] struct {
	protocol  model.Protocol
	repo      storage.TransactionRepository
	staleness time.Duration
	fields    func(*E) (txFields, error)
	now       func() time.Time
}

// NewDHCPStrategy returns the DHCP transaction strategy.
func NewDHCPStrategy(repo storage.TransactionRepository, staleness time.Duration) *TransactionStrategy[model.DHCPEntry] {
	return newTransactionStrategy(model.ProtocolDHCP, repo, staleness, dhcpFields)
}

// NewSSHStrategy returns the SSH session strategy.
func NewSSHStrategy(repo storage.TransactionRepository, staleness time.Duration) *TransactionStrategy[model.SSHEntry] {
	return newTransactionStrategy(model.ProtocolSSH, repo, staleness, sshFields)
}

// NewSOCKSStrategy returns the SOCKS tunnel strategy.
func NewSOCKSStrategy(repo storage.TransactionRepository, staleness time.Duration) *TransactionStrategy[model.SOCKSEntry] {
	return newTransactionStrategy(model.ProtocolSOCKS, repo, staleness, socksFields)
}

// NewNTPStrategy returns the NTP round-trip strategy.
func NewNTPStrategy(repo storage.TransactionRepository, staleness time.Duration) *TransactionStrategy[model.NTPEntry] {
	return newTransactionStrategy(model.ProtocolNTP, repo, staleness, ntpFields)
}

func newTransactionStrategy[E any](protocol model.Protocol, repo storage.TransactionRepository, staleness time.Duration, fields func(*E) (txFields, error)) *TransactionStrategy[E] {
	return &TransactionStrategy[E]{
		protocol:  protocol,
		repo:      repo,
		staleness: staleness,
		fields:    fields,
		now:       time.Now,
	}
}

// DHCPKey returns the key of a DHCP transaction: its transaction id and the
// time of its first packet in milliseconds.
func DHCPKey(transactionID uint32, firstPacket time.Time) string {
	return fmt.Sprintf("%08x|%d", transactionID, firstPacket.UnixMilli())
}

func dhcpFields(e *model.DHCPEntry) (txFields, error) {
	if e.FirstPacket.IsZero() {
		return txFields{}, sessionkey.ErrMissingAnchor
	}
	first := e.FirstPacket
	latest := model.Latest(e.FirstPacket, e.LatestPacket)
	f := txFields{
		key:        DHCPKey(e.TransactionID, first),
		anchor:     &first,
		clientMAC:  e.ClientMAC,
		serverMAC:  e.ServerMAC,
		serverAddr: e.ServerAddress,
		clientPort: dhcpClientPort,
		serverPort: dhcpServerPort,
		initiated:  first,
		latest:     latest,
		complete:   e.Complete,
		successful: e.Successful,
		attributes: e.DHCPAttributes,
		notes:      e.Notes,
	}
	if e.AckedAddress != nil {
		f.clientAddr = *e.AckedAddress
	}
	if e.Complete {
		f.terminated = &latest
	}
	return f, nil
}

func sshFields(e *model.SSHEntry) (txFields, error) {
	key, err := sessionkey.BuildAnchored(&e.EstablishedAt, e.ClientAddress, e.ServerAddress, e.ClientPort, e.ServerPort)
	if err != nil {
		return txFields{}, err
	}
	return txFields{
		key:        key,
		clientMAC:  e.ClientMAC,
		serverMAC:  e.ServerMAC,
		clientAddr: e.ClientAddress,
		serverAddr: e.ServerAddress,
		clientPort: e.ClientPort,
		serverPort: e.ServerPort,
		initiated:  e.EstablishedAt,
		latest:     streamLatest(e.EstablishedAt, e.MostRecentSegment, e.TerminatedAt),
		terminated: e.TerminatedAt,
		complete:   e.TerminatedAt != nil,
		attributes: e.SSHAttributes,
		notes:      e.Notes,
	}, nil
}

func socksFields(e *model.SOCKSEntry) (txFields, error) {
	key, err := sessionkey.BuildAnchored(&e.EstablishedAt, e.ClientAddress, e.ServerAddress, e.ClientPort, e.ServerPort)
	if err != nil {
		return txFields{}, err
	}
	return txFields{
		key:        key,
		clientMAC:  e.ClientMAC,
		serverMAC:  e.ServerMAC,
		clientAddr: e.ClientAddress,
		serverAddr: e.ServerAddress,
		clientPort: e.ClientPort,
		serverPort: e.ServerPort,
		initiated:  e.EstablishedAt,
		latest:     streamLatest(e.EstablishedAt, e.MostRecentSegment, e.TerminatedAt),
		terminated: e.TerminatedAt,
		complete:   e.TerminatedAt != nil,
		successful: HandshakeSucceeded(e.HandshakeStatus),
		attributes: e.SOCKSAttributes,
		notes:      e.Notes,
	}, nil
}

// HandshakeSucceeded maps a SOCKS handshake status onto the success flag.
// Statuses that are not final yet map to nil.
func HandshakeSucceeded(status string) *bool {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "GRANTED", "SUCCEEDED", "SUCCESS":
		ok := true
		return &ok
	case "REJECTED", "FAILED", "FAILURE", "DENIED":
		ok := false
		return &ok
	default:
		return nil
	}
}

func ntpFields(e *model.NTPEntry) (txFields, error) {
	anchor := sessionkey.FirstAnchor(e.ClientTapReceive, e.ServerTapReceive)
	key, err := sessionkey.BuildAnchored(anchor, e.ClientAddress, e.ServerAddress, e.ClientPort, e.ServerPort)
	if err != nil {
		return txFields{}, err
	}
	latest := *anchor
	for _, t := range []*time.Time{e.ClientTapReceive, e.ServerTapReceive} {
		if t != nil {
			latest = model.Latest(latest, *t)
		}
	}

	attrs := e.NTPAttributes
	if e.ClientTapReceive != nil && e.ServerTapReceive != nil {
		rtt := e.ServerTapReceive.Sub(*e.ClientTapReceive).Milliseconds()
		attrs.RoundTripMS = &rtt
	}

	f := txFields{
		key:        key,
		clientMAC:  e.ClientMAC,
		serverMAC:  e.ServerMAC,
		clientAddr: e.ClientAddress,
		serverAddr: e.ServerAddress,
		clientPort: e.ClientPort,
		serverPort: e.ServerPort,
		initiated:  *anchor,
		latest:     latest,
		complete:   e.Complete,
		attributes: attrs,
		notes:      e.Notes,
	}
	if e.Complete {
		answered := e.ServerTapReceive != nil
		f.successful = &answered
		f.terminated = &latest
	}
	return f, nil
}

func streamLatest(established, recent time.Time, terminated *time.Time) time.Time {
	latest := model.Latest(established, recent)
	if terminated != nil {
		latest = model.Latest(latest, *terminated)
	}
	return latest
}

func (s *TransactionStrategy[E]) Protocol() model.Protocol { return s.protocol }

func (s *TransactionStrategy[E]) Staleness() time.Duration { return s.staleness }

func (s *TransactionStrategy[E]) Key(e *E) (string, *time.Time, error) {
	f, err := s.fields(e)
	if err != nil {
		return "", nil, errors.Join(ErrInvalidEntry, err)
	}
	return f.key, f.anchor, nil
}

func (s *TransactionStrategy[E]) LastActivity(e *E) time.Time {
	f, err := s.fields(e)
	if err != nil {
		return time.Time{}
	}
	return f.latest
}

func (s *TransactionStrategy[E]) Match(ctx context.Context, q storage.OpenQuery, _ *E) ([]model.TransactionRecord, error) {
	open, err := s.repo.FindOpenTransactions(ctx, q, storage.MatchLimit)
	if err != nil {
		return nil, fmt.Errorf("find open transactions: %w", err)
	}
	return open, nil
}

func (s *TransactionStrategy[E]) Create(_ context.Context, tap *model.Tap, key string, e *E) (*model.TransactionRecord, error) {
	f, err := s.fields(e)
	if err != nil {
		return nil, errors.Join(ErrInvalidEntry, err)
	}
	clientMAC, err := model.NormalizeMAC(f.clientMAC)
	if err != nil {
		return nil, errors.Join(ErrInvalidEntry, err)
	}
	serverMAC, err := model.NormalizeMAC(f.serverMAC)
	if err != nil {
		return nil, errors.Join(ErrInvalidEntry, err)
	}
	attrs, err := json.Marshal(f.attributes)
	if err != nil {
		return nil, fmt.Errorf("marshal %s attributes: %w", s.protocol, err)
	}

	now := s.now()
	return &model.TransactionRecord{
		ID:             uuid.New(),
		TapID:          tap.ID,
		Protocol:       s.protocol,
		TransactionKey: key,
		ClientMAC:      clientMAC,
		ServerMAC:      serverMAC,
		ClientAddress:  f.clientAddr,
		ServerAddress:  f.serverAddr,
		ClientPort:     f.clientPort,
		ServerPort:     f.serverPort,
		InitiatedAt:    f.initiated,
		LatestSeen:     f.latest,
		TerminatedAt:   f.terminated,
		Complete:       f.complete,
		Successful:     f.successful,
		Attributes:     attrs,
		Notes:          f.notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Update merges e into r. Completion is sticky and the success flag only
// changes when the entry reports one.
func (s *TransactionStrategy[E]) Update(r *model.TransactionRecord, e *E) error {
	f, err := s.fields(e)
	if err != nil {
		return errors.Join(ErrInvalidEntry, err)
	}
	attrs, err := json.Marshal(f.attributes)
	if err != nil {
		return fmt.Errorf("marshal %s attributes: %w", s.protocol, err)
	}
	r.LatestSeen = model.Latest(r.LatestSeen, f.latest)
	if f.terminated != nil {
		r.TerminatedAt = f.terminated
	}
	r.Complete = r.Complete || f.complete
	if f.successful != nil {
		r.Successful = f.successful
	}
	r.Attributes = attrs
	r.Notes = f.notes
	r.UpdatedAt = s.now()
	return nil
}

func (s *TransactionStrategy[E]) Frozen(r *model.TransactionRecord) bool { return r.Complete }

func (s *TransactionStrategy[E]) Observe(e *E) (model.Observation, bool) {
	f, err := s.fields(e)
	if err != nil {
		return model.Observation{}, false
	}
	mac, err := model.NormalizeMAC(f.clientMAC)
	if err != nil || mac == "" {
		return model.Observation{}, false
	}
	return model.Observation{
		MAC:       mac,
		Protocol:  s.protocol,
		FirstSeen: f.initiated,
		LastSeen:  f.latest,
	}, true
}

func (s *TransactionStrategy[E]) Write(ctx context.Context, inserts, updates []*model.TransactionRecord) error {
	return s.repo.WriteTransactions(ctx, inserts, updates)
}
