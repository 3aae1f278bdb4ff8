package channel

import (
	"errors"
	"fmt"

	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nexus-chat/nexus-server/internal/id"
)

const selectColumns = "id, server_id, kind, name, topic, e2ee, last_message_id, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db   *pgxpool.Pool
	log  zerolog.Logger
	ids  *id.Generator
}

// NewPGRepository creates a new PostgreSQL-backed channel repository. ids is
// the process-wide id.Generator (one per node, sharing a worker id across
// every entity repository so snowflakes stay unique cluster-wide).
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger, ids *id.Generator) *PGRepository {
	return &PGRepository{db: db, log: logger, ids: ids}
}

// GetByID returns the channel matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, channelID id.ID) (*Channel, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM channels WHERE id = $1", selectColumns), channelID,
	)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query channel by id: %w", err)
	}
	return ch, nil
}

// ListForUser returns every channel the given user can see: DMs/group DMs
// they belong to, plus every channel on a server they are a member of.
func (r *PGRepository) ListForUser(ctx context.Context, userID id.ID) ([]Channel, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM channels c
		 WHERE c.id IN (SELECT channel_id FROM channel_recipients WHERE user_id = $1)
		    OR c.server_id IN (SELECT server_id FROM members WHERE user_id = $1)
		 ORDER BY c.created_at`, selectColumns), userID)
	if err != nil {
		return nil, fmt.Errorf("query channels for user: %w", err)
	}
	defer rows.Close()
	return scanChannels(rows)
}

// ListForServer returns every channel belonging to the given server.
func (r *PGRepository) ListForServer(ctx context.Context, serverID id.ID) ([]Channel, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM channels WHERE server_id = $1 ORDER BY created_at", selectColumns),
		serverID,
	)
	if err != nil {
		return nil, fmt.Errorf("query channels for server: %w", err)
	}
	defer rows.Close()
	return scanChannels(rows)
}

// Create inserts a new channel.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Channel, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf(
			`INSERT INTO channels (id, server_id, kind, name, topic, e2ee)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING %s`, selectColumns),
		r.ids.New(), params.ServerID, params.Kind, params.Name, params.Topic, params.E2EE,
	)
	ch, err := scanChannel(row)
	if err != nil {
		return nil, fmt.Errorf("insert channel: %w", err)
	}
	return ch, nil
}

// SetLastMessageID updates the channel's last_message_id pointer. Called by
// the message store's write path after a successful insert (spec.md §4.3).
func (r *PGRepository) SetLastMessageID(ctx context.Context, channelID, messageID id.ID) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE channels SET last_message_id = $2 WHERE id = $1", channelID, messageID,
	)
	if err != nil {
		return fmt.Errorf("set last_message_id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the channel with the given ID.
func (r *PGRepository) Delete(ctx context.Context, channelID id.ID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM channels WHERE id = $1", channelID)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanChannels(rows pgx.Rows) ([]Channel, error) {
	var channels []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

// scanChannel scans a single row into a Channel struct.
func scanChannel(row pgx.Row) (*Channel, error) {
	var ch Channel
	err := row.Scan(
		&ch.ID, &ch.ServerID, &ch.Kind, &ch.Name, &ch.Topic,
		&ch.E2EE, &ch.LastMessageID, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	return &ch, nil
}
