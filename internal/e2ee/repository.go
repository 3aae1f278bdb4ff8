package e2ee

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nexus-chat/nexus-server/internal/id"
	"github.com/nexus-chat/nexus-server/internal/postgres"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed e2ee repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// RegisterDevice upserts the device's identity key and inserts its initial
// signed pre-key. Re-registering the same device id replaces the identity
// key, matching a client reinstall publishing a fresh key.
func (r *PGRepository) RegisterDevice(ctx context.Context, params RegisterDeviceParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin register device tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			r.log.Warn().Err(err).Msg("register device tx rollback failed")
		}
	}()

	_, err = tx.Exec(ctx,
		`INSERT INTO devices (user_id, device_id, identity_key) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, device_id) DO UPDATE SET identity_key = EXCLUDED.identity_key`,
		params.UserID, params.DeviceID, params.IdentityKey,
	)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO signed_prekeys (user_id, device_id, key_id, public_key, signature)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, device_id, key_id) DO UPDATE SET public_key = EXCLUDED.public_key, signature = EXCLUDED.signature`,
		params.UserID, params.DeviceID, params.SignedPreKeyID, params.SignedPreKey, params.SignedPreKeySig,
	)
	if err != nil {
		return fmt.Errorf("insert signed prekey: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit register device tx: %w", err)
	}
	return nil
}

// PublishOneTimePreKeys tops up a device's one-time pre-key pool.
func (r *PGRepository) PublishOneTimePreKeys(ctx context.Context, userID id.ID, deviceID string, keys []OneTimePreKey) error {
	if len(keys) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, k := range keys {
		batch.Queue(
			`INSERT INTO one_time_prekeys (user_id, device_id, key_id, public_key) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (user_id, device_id, key_id) DO NOTHING`,
			userID, deviceID, k.KeyID, k.PublicKey,
		)
	}
	br := r.db.SendBatch(ctx, batch)
	defer br.Close()
	for range keys {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert one-time prekey: %w", err)
		}
	}
	return nil
}

// ClaimBundles returns and destructively consumes one one-time pre-key per
// registered device of userID. A device whose one-time pool is exhausted
// still yields a bundle with OneTime == nil so the caller falls back to the
// signed pre-key alone (spec.md §4.7).
func (r *PGRepository) ClaimBundles(ctx context.Context, userID id.ID) ([]PreKeyBundle, error) {
	rows, err := r.db.Query(ctx, `SELECT device_id, identity_key FROM devices WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	type deviceRow struct {
		deviceID    string
		identityKey []byte
	}
	var devices []deviceRow
	for rows.Next() {
		var d deviceRow
		if err := rows.Scan(&d.deviceID, &d.identityKey); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, ErrDeviceNotFound
	}

	bundles := make([]PreKeyBundle, 0, len(devices))
	for _, d := range devices {
		bundle := PreKeyBundle{DeviceID: d.deviceID, IdentityKey: d.identityKey}

		row := r.db.QueryRow(ctx,
			`SELECT key_id, public_key, signature FROM signed_prekeys
			 WHERE user_id = $1 AND device_id = $2 ORDER BY key_id DESC LIMIT 1`,
			userID, d.deviceID,
		)
		if err := row.Scan(&bundle.SignedPreKeyID, &bundle.SignedPreKey, &bundle.SignedPreKeySig); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("query signed prekey: %w", err)
		}

		var oneTime OneTimePreKey
		claimRow := r.db.QueryRow(ctx,
			`WITH claimed AS (
				DELETE FROM one_time_prekeys
				WHERE user_id = $1 AND device_id = $2 AND key_id = (
					SELECT key_id FROM one_time_prekeys
					WHERE user_id = $1 AND device_id = $2
					ORDER BY key_id ASC LIMIT 1 FOR UPDATE SKIP LOCKED
				)
				RETURNING key_id, public_key
			)
			SELECT key_id, public_key FROM claimed`,
			userID, d.deviceID,
		)
		if err := claimRow.Scan(&oneTime.KeyID, &oneTime.PublicKey); err == nil {
			oneTime.UserID = userID
			oneTime.DeviceID = d.deviceID
			bundle.OneTime = &oneTime
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("claim one-time prekey: %w", err)
		}

		bundles = append(bundles, bundle)
	}
	if len(bundles) == 0 {
		return nil, ErrNoPreKeysAvailable
	}
	return bundles, nil
}

// DeviceIDsForUsers lists every registered device id across the given users.
func (r *PGRepository) DeviceIDsForUsers(ctx context.Context, userIDs []id.ID) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `SELECT device_id FROM devices WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("query device ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var deviceID string
		if err := rows.Scan(&deviceID); err != nil {
			return nil, fmt.Errorf("scan device id: %w", err)
		}
		out = append(out, deviceID)
	}
	return out, rows.Err()
}

// IsChannelMember reports whether userID may write to channelID, checking
// server guild membership for server-scoped channels and the recipient
// list for DM/group DM channels (which have no server_id to join through).
func (r *PGRepository) IsChannelMember(ctx context.Context, channelID, userID id.ID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM channels c
			LEFT JOIN members m ON m.server_id = c.server_id AND m.user_id = $2
			LEFT JOIN channel_recipients cr ON cr.channel_id = c.id AND cr.user_id = $2
			WHERE c.id = $1 AND (m.user_id IS NOT NULL OR cr.user_id IS NOT NULL)
		)`,
		channelID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check channel membership: %w", err)
	}
	return exists, nil
}

// RecipientUserIDs returns every member of channelID: guild members for a
// server channel, or the explicit recipient list for a DM/group DM.
func (r *PGRepository) RecipientUserIDs(ctx context.Context, channelID id.ID) ([]id.ID, error) {
	rows, err := r.db.Query(ctx,
		`SELECT m.user_id FROM channels c JOIN members m ON m.server_id = c.server_id WHERE c.id = $1
		 UNION
		 SELECT cr.user_id FROM channel_recipients cr WHERE cr.channel_id = $1`,
		channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("query recipient user ids: %w", err)
	}
	defer rows.Close()
	var out []id.ID
	for rows.Next() {
		var uid id.ID
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan recipient user id: %w", err)
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

// CreateEncryptedMessage persists a ciphertext envelope. The caller
// allocates msg.ID before calling.
func (r *PGRepository) CreateEncryptedMessage(ctx context.Context, msg *EncryptedMessage) error {
	row := r.db.QueryRow(ctx,
		`INSERT INTO encrypted_messages (id, channel_id, author_id, sender_device, ciphertexts)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		msg.ID, msg.ChannelID, msg.AuthorID, msg.SenderDevice, ciphertextsToJSON(msg.Ciphertexts),
	)
	if err := row.Scan(&msg.CreatedAt); err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return ErrNotChannelMember
		}
		return fmt.Errorf("insert encrypted message: %w", err)
	}
	return nil
}

// ListEncryptedMessages returns up to limit envelopes strictly before the
// reference id, descending, mirroring message.Repository.List's
// DirectionBefore shape.
func (r *PGRepository) ListEncryptedMessages(ctx context.Context, channelID id.ID, before id.ID, limit int) ([]EncryptedMessage, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if before == id.Nil {
		rows, err = r.db.Query(ctx,
			`SELECT id, channel_id, author_id, sender_device, ciphertexts, created_at
			 FROM encrypted_messages WHERE channel_id = $1 ORDER BY id DESC LIMIT $2`,
			channelID, limit,
		)
	} else {
		rows, err = r.db.Query(ctx,
			`SELECT id, channel_id, author_id, sender_device, ciphertexts, created_at
			 FROM encrypted_messages WHERE channel_id = $1 AND id < $2 ORDER BY id DESC LIMIT $3`,
			channelID, before, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query encrypted messages: %w", err)
	}
	defer rows.Close()

	var out []EncryptedMessage
	for rows.Next() {
		var (
			msg        EncryptedMessage
			ciphertext []byte
		)
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &msg.AuthorID, &msg.SenderDevice, &ciphertext, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan encrypted message: %w", err)
		}
		m, err := ciphertextsFromJSON(ciphertext)
		if err != nil {
			return nil, fmt.Errorf("decode ciphertexts: %w", err)
		}
		msg.Ciphertexts = m
		out = append(out, msg)
	}
	return out, rows.Err()
}
