package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"TapLedger/internal/model"
	"TapLedger/internal/storage"

	"github.com/jackc/pgx/v5"
)

const transactionColumns = `id, tap_id, protocol, transaction_key,
	client_mac, server_mac, client_address, server_address, client_port, server_port,
	initiated_at, latest_seen, terminated_at, is_complete, is_successful,
	attributes, notes, created_at, updated_at`

// upsertTransaction merges into an incomplete row created concurrently under
// the same key. is_complete only ever moves from false to true.
const upsertTransaction = `INSERT INTO transactions (` + transactionColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	ON CONFLICT (tap_id, protocol, transaction_key) WHERE NOT is_complete DO UPDATE SET
		latest_seen = GREATEST(transactions.latest_seen, EXCLUDED.latest_seen),
		terminated_at = COALESCE(EXCLUDED.terminated_at, transactions.terminated_at),
		is_complete = transactions.is_complete OR EXCLUDED.is_complete,
		is_successful = COALESCE(EXCLUDED.is_successful, transactions.is_successful),
		attributes = EXCLUDED.attributes,
		notes = EXCLUDED.notes,
		updated_at = EXCLUDED.updated_at`

// updateTransaction never touches a complete row.
const updateTransaction = `UPDATE transactions SET
		latest_seen = GREATEST(latest_seen, $2),
		terminated_at = COALESCE($3, terminated_at),
		is_complete = $4,
		is_successful = COALESCE($5, is_successful),
		attributes = $6,
		notes = $7,
		updated_at = $8
	WHERE id = $1 AND NOT is_complete`

// FindOpenTransactions returns incomplete transactions for q ordered by (created_at, id).
func (r *Repository) FindOpenTransactions(ctx context.Context, q storage.OpenQuery, limit int) ([]model.TransactionRecord, error) {
	if limit <= 0 {
		limit = storage.MatchLimit
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE tap_id = $1 AND protocol = $2 AND transaction_key = $3 AND NOT is_complete
			AND ($4::timestamptz IS NULL OR initiated_at = $4)
		ORDER BY created_at, id
		LIMIT $5`
	rows, err := r.pool.Query(ctx, query, q.TapID, string(q.Protocol), q.Key, timePtrToNil(q.Anchor), limit)
	if err != nil {
		return nil, fmt.Errorf("query open transactions: %w", err)
	}
	defer rows.Close()

	txs := make([]model.TransactionRecord, 0, limit)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

// WriteTransactions executes inserts and updates as one batch.
func (r *Repository) WriteTransactions(ctx context.Context, inserts, updates []*model.TransactionRecord) error {
	now := r.now().UTC()
	batch := &pgx.Batch{}
	for _, t := range inserts {
		notes, err := notesJSON(t.Notes)
		if err != nil {
			return fmt.Errorf("transaction %s: %w", t.TransactionKey, err)
		}
		created := t.CreatedAt
		if created.IsZero() {
			created = now
		}
		batch.Queue(upsertTransaction,
			t.ID, t.TapID, string(t.Protocol), t.TransactionKey,
			emptyToNil(t.ClientMAC), emptyToNil(t.ServerMAC),
			addrToNil(t.ClientAddress), addrToNil(t.ServerAddress), t.ClientPort, t.ServerPort,
			t.InitiatedAt.UTC(), t.LatestSeen.UTC(), timePtrToNil(t.TerminatedAt),
			t.Complete, boolPtrToNil(t.Successful),
			attributesJSON(t.Attributes), notes, created.UTC(), now,
		)
	}
	for _, t := range updates {
		notes, err := notesJSON(t.Notes)
		if err != nil {
			return fmt.Errorf("transaction %s: %w", t.TransactionKey, err)
		}
		batch.Queue(updateTransaction,
			t.ID,
			t.LatestSeen.UTC(),
			timePtrToNil(t.TerminatedAt),
			t.Complete,
			boolPtrToNil(t.Successful),
			attributesJSON(t.Attributes),
			notes,
			now,
		)
	}
	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("write transactions: %w", err)
	}
	return nil
}

func attributesJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func notesJSON(notes model.Notes) ([]byte, error) {
	if notes == nil {
		return []byte("[]"), nil
	}
	data, err := json.Marshal(notes)
	if err != nil {
		return nil, fmt.Errorf("marshal notes: %w", err)
	}
	return data, nil
}

func scanTransaction(row pgx.Row) (*model.TransactionRecord, error) {
	var (
		t                    model.TransactionRecord
		protocol             string
		clientMAC, serverMAC *string
		clientAddr           *netip.Addr
		serverAddr           *netip.Addr
		terminated           *time.Time
		attributes, notes    []byte
	)
	if err := row.Scan(
		&t.ID, &t.TapID, &protocol, &t.TransactionKey,
		&clientMAC, &serverMAC, &clientAddr, &serverAddr, &t.ClientPort, &t.ServerPort,
		&t.InitiatedAt, &t.LatestSeen, &terminated, &t.Complete, &t.Successful,
		&attributes, &notes, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Protocol = model.Protocol(protocol)
	t.ClientMAC = derefString(clientMAC)
	t.ServerMAC = derefString(serverMAC)
	t.ClientAddress = derefAddr(clientAddr)
	t.ServerAddress = derefAddr(serverAddr)
	t.TerminatedAt = terminated
	t.Attributes = attributes
	if len(notes) > 0 {
		if err := json.Unmarshal(notes, &t.Notes); err != nil {
			return nil, fmt.Errorf("decode notes: %w", err)
		}
	}
	return &t, nil
}
