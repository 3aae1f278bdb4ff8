package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nexus-chat/nexus-server/internal/id"
)

var ErrAlreadyProcessed = errors.New("federation: transaction already processed")

// OutboxEntry is one pending outbound PDU delivery (federation_outbox row).
type OutboxEntry struct {
	ID          id.ID
	Destination string
	EventID     string
	Payload     json.RawMessage
	Attempts    int
	NextAttempt time.Time
	CreatedAt   time.Time
}

// Server is one row of federated_servers: a remote we have exchanged
// traffic with and its last-known base URL.
type Server struct {
	ServerName string
	BaseURL    string
}

// Repository is the data-access contract for federation state: known
// remote servers, their verify keys, inbound idempotency records, and the
// outbound delivery queue (spec.md §4.5, §4.6).
type Repository interface {
	UpsertServer(ctx context.Context, serverName, baseURL string) error
	ListServers(ctx context.Context) ([]Server, error)
	SaveKey(ctx context.Context, key VerifyKey) error
	KeysForServer(ctx context.Context, serverName string) ([]VerifyKey, error)

	// RecordTransaction stores the (txn_id, origin) idempotency marker and
	// its result; recording a pair that is already stored keeps the first
	// result and returns nil. LookupTransaction returns the stored result
	// for a pair that was already seen (spec.md §4.6 "look up (txn_id,
	// origin); if seen, return the stored result").
	RecordTransaction(ctx context.Context, txnID, origin string, result TransactionResult) error
	LookupTransaction(ctx context.Context, txnID, origin string) (TransactionResult, bool, error)

	SavePDU(ctx context.Context, origin string, pdu PDU) (alreadySeen bool, err error)
	GetEvent(ctx context.Context, eventID string) (PDU, bool, error)
	Backfill(ctx context.Context, roomID string, beforeEventID string, limit int) ([]PDU, error)

	Enqueue(ctx context.Context, entry *OutboxEntry) error
	DueEntries(ctx context.Context, destination string, now time.Time, limit int) ([]OutboxEntry, error)
	MarkDelivered(ctx context.Context, ids []id.ID) error
	Reschedule(ctx context.Context, entryID id.ID, nextAttempt time.Time, attempts int) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	ids *id.Generator
	log zerolog.Logger
}

// NewPGRepository constructs a PGRepository.
func NewPGRepository(db *pgxpool.Pool, ids *id.Generator, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, ids: ids, log: logger}
}

func (r *PGRepository) UpsertServer(ctx context.Context, serverName, baseURL string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO federated_servers (server_name, base_url) VALUES ($1, $2)
		 ON CONFLICT (server_name) DO UPDATE SET base_url = EXCLUDED.base_url, last_seen = now()`,
		serverName, baseURL,
	)
	if err != nil {
		return fmt.Errorf("upsert federated server: %w", err)
	}
	return nil
}

func (r *PGRepository) ListServers(ctx context.Context) ([]Server, error) {
	rows, err := r.db.Query(ctx, `SELECT server_name, base_url FROM federated_servers`)
	if err != nil {
		return nil, fmt.Errorf("list federated servers: %w", err)
	}
	defer rows.Close()

	var out []Server
	for rows.Next() {
		var s Server
		if err := rows.Scan(&s.ServerName, &s.BaseURL); err != nil {
			return nil, fmt.Errorf("scan federated server: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PGRepository) SaveKey(ctx context.Context, key VerifyKey) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO federation_keys (server_name, key_id, public_key, valid_until) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (server_name, key_id) DO UPDATE SET public_key = EXCLUDED.public_key, valid_until = EXCLUDED.valid_until, fetched_at = now()`,
		key.ServerName, key.KeyID, key.PublicKey, time.UnixMilli(key.ValidUntil),
	)
	if err != nil {
		return fmt.Errorf("save federation key: %w", err)
	}
	return nil
}

func (r *PGRepository) KeysForServer(ctx context.Context, serverName string) ([]VerifyKey, error) {
	rows, err := r.db.Query(ctx,
		`SELECT key_id, public_key, valid_until FROM federation_keys WHERE server_name = $1 AND valid_until > now()`,
		serverName,
	)
	if err != nil {
		return nil, fmt.Errorf("query federation keys: %w", err)
	}
	defer rows.Close()

	var out []VerifyKey
	for rows.Next() {
		var (
			keyID      string
			publicKey  []byte
			validUntil time.Time
		)
		if err := rows.Scan(&keyID, &publicKey, &validUntil); err != nil {
			return nil, fmt.Errorf("scan federation key: %w", err)
		}
		out = append(out, VerifyKey{ServerName: serverName, KeyID: keyID, PublicKey: publicKey, ValidUntil: validUntil.UnixMilli()})
	}
	return out, rows.Err()
}

func (r *PGRepository) RecordTransaction(ctx context.Context, txnID, origin string, result TransactionResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal transaction result: %w", err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO federation_txn_log (txn_id, origin, result) VALUES ($1, $2, $3)
		 ON CONFLICT (origin, txn_id) DO NOTHING`,
		txnID, origin, payload,
	)
	if err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}
	return nil
}

func (r *PGRepository) LookupTransaction(ctx context.Context, txnID, origin string) (TransactionResult, bool, error) {
	var payload []byte
	err := r.db.QueryRow(ctx,
		`SELECT result FROM federation_txn_log WHERE txn_id = $1 AND origin = $2`,
		txnID, origin,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return TransactionResult{}, false, nil
	}
	if err != nil {
		return TransactionResult{}, false, fmt.Errorf("lookup transaction: %w", err)
	}
	var result TransactionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return TransactionResult{}, false, fmt.Errorf("decode stored transaction result: %w", err)
	}
	return result, true, nil
}

// SavePDU persists an inbound PDU, deduping on event_id (spec.md §4.6
// "dedup on event_id"). alreadySeen is true when the event_id already
// existed and no write occurred.
func (r *PGRepository) SavePDU(ctx context.Context, origin string, pdu PDU) (bool, error) {
	channelID, err := id.Parse(pdu.RoomID)
	if err != nil {
		return false, fmt.Errorf("parse room id as channel id: %w", err)
	}
	payload, err := json.Marshal(pdu)
	if err != nil {
		return false, fmt.Errorf("marshal pdu: %w", err)
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO federation_inbox (event_id, origin, channel_id, payload) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO NOTHING`,
		pdu.EventID, origin, channelID, payload,
	)
	if err != nil {
		return false, fmt.Errorf("insert pdu: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

// GetEvent looks up a single previously-ingested PDU by event id, backing
// GET /event/{event_id}.
func (r *PGRepository) GetEvent(ctx context.Context, eventID string) (PDU, bool, error) {
	var payload []byte
	err := r.db.QueryRow(ctx, `SELECT payload FROM federation_inbox WHERE event_id = $1`, eventID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return PDU{}, false, nil
	}
	if err != nil {
		return PDU{}, false, fmt.Errorf("get event: %w", err)
	}
	var pdu PDU
	if err := json.Unmarshal(payload, &pdu); err != nil {
		return PDU{}, false, fmt.Errorf("decode event: %w", err)
	}
	return pdu, true, nil
}

// Backfill returns up to limit PDUs in roomID strictly before
// beforeEventID (received_at-descending, federation_inbox's insertion order),
// or the most recent limit PDUs when beforeEventID is empty (spec.md
// §4.6 /backfill).
func (r *PGRepository) Backfill(ctx context.Context, roomID string, beforeEventID string, limit int) ([]PDU, error) {
	channelID, err := id.Parse(roomID)
	if err != nil {
		return nil, fmt.Errorf("parse room id as channel id: %w", err)
	}

	var (
		rows pgx.Rows
	)
	if beforeEventID == "" {
		rows, err = r.db.Query(ctx,
			`SELECT payload FROM federation_inbox WHERE channel_id = $1 ORDER BY received_at DESC LIMIT $2`,
			channelID, limit,
		)
	} else {
		rows, err = r.db.Query(ctx,
			`SELECT payload FROM federation_inbox
			 WHERE channel_id = $1 AND received_at < (SELECT received_at FROM federation_inbox WHERE event_id = $2)
			 ORDER BY received_at DESC LIMIT $3`,
			channelID, beforeEventID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query backfill: %w", err)
	}
	defer rows.Close()

	var out []PDU
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan backfill row: %w", err)
		}
		var pdu PDU
		if err := json.Unmarshal(payload, &pdu); err != nil {
			return nil, fmt.Errorf("decode backfill pdu: %w", err)
		}
		out = append(out, pdu)
	}
	return out, rows.Err()
}

func (r *PGRepository) Enqueue(ctx context.Context, entry *OutboxEntry) error {
	if entry.ID == id.Nil {
		entry.ID = r.ids.New()
	}
	row := r.db.QueryRow(ctx,
		`INSERT INTO federation_outbox (id, destination, event_id, payload, attempts, next_attempt)
		 VALUES ($1, $2, $3, $4, 0, now())
		 ON CONFLICT (destination, event_id) DO NOTHING
		 RETURNING created_at`,
		entry.ID, entry.Destination, entry.EventID, entry.Payload,
	)
	if err := row.Scan(&entry.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already queued for this destination; not an error, just a
			// duplicate producer (spec.md §4.6 dedup by (destination, event)).
			return nil
		}
		return fmt.Errorf("enqueue outbox entry: %w", err)
	}
	return nil
}

func (r *PGRepository) DueEntries(ctx context.Context, destination string, now time.Time, limit int) ([]OutboxEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, destination, event_id, payload, attempts, next_attempt, created_at
		 FROM federation_outbox WHERE destination = $1 AND next_attempt <= $2
		 ORDER BY created_at ASC LIMIT $3`,
		destination, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due outbox entries: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.Destination, &e.EventID, &e.Payload, &e.Attempts, &e.NextAttempt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PGRepository) MarkDelivered(ctx context.Context, ids []id.ID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `DELETE FROM federation_outbox WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("mark outbox entries delivered: %w", err)
	}
	return nil
}

func (r *PGRepository) Reschedule(ctx context.Context, entryID id.ID, nextAttempt time.Time, attempts int) error {
	_, err := r.db.Exec(ctx,
		`UPDATE federation_outbox SET next_attempt = $1, attempts = $2 WHERE id = $3`,
		nextAttempt, attempts, entryID,
	)
	if err != nil {
		return fmt.Errorf("reschedule outbox entry: %w", err)
	}
	return nil
}
