package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nexus-chat/nexus-server/internal/bus"
	"github.com/nexus-chat/nexus-server/internal/id"
)

const selectColumns = `id, channel_id, author_id, content, edited_at, reply_to_id,
	attachments, mentions, flags, deleted, created_at`

// Publisher is the subset of bus.Bus the message store needs: publishing
// dispatch events to a channel topic. A narrow interface keeps this package
// testable without a live Bus.
type Publisher interface {
	Publish(ctx context.Context, topic, eventType string, data any) error
}

// channelLastMessageSetter is the subset of channel.Repository the message
// store needs to maintain last_message_id (spec.md §4.3 write path).
type channelLastMessageSetter interface {
	SetLastMessageID(ctx context.Context, channelID, messageID id.ID) error
}

// PGRepository implements Repository using PostgreSQL. Writes follow the
// spec's write path: allocate id -> insert row (plus an outbox row in the
// same transaction) -> update channel's last_message_id -> publish
// MESSAGE_CREATE. If the process crashes after commit but before the
// publish, the outbox row survives and a background Sweeper republishes it,
// satisfying the "insert and publish must not be split across a crash in a
// way that loses the publish" requirement via option (a) from spec.md §4.3.
type PGRepository struct {
	db       *pgxpool.Pool
	log      zerolog.Logger
	ids      *id.Generator
	channels channelLastMessageSetter
	pub      Publisher
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger, ids *id.Generator, channels channelLastMessageSetter, pub Publisher) *PGRepository {
	return &PGRepository{db: db, log: logger, ids: ids, channels: channels, pub: pub}
}

// Create inserts a new message, stages an outbox row in the same
// transaction, updates the channel's last_message_id, and then publishes
// MESSAGE_CREATE to the channel topic.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Message, error) {
	if params.ReplyToID != nil {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1 AND channel_id = $2 AND deleted = false)",
			*params.ReplyToID, params.ChannelID,
		).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("check reply target: %w", err)
		}
		if !exists {
			return nil, ErrReplyNotFound
		}
	}

	msg := &Message{
		ID:          r.ids.New(),
		ChannelID:   params.ChannelID,
		AuthorID:    params.AuthorID,
		Content:     params.Content,
		ReplyToID:   params.ReplyToID,
		Attachments: params.Attachments,
		Mentions:    params.Mentions,
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create message tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			r.log.Warn().Err(err).Msg("create message tx rollback failed")
		}
	}()

	row := tx.QueryRow(ctx,
		`INSERT INTO messages (id, channel_id, author_id, content, reply_to_id, attachments, mentions)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		msg.ID, msg.ChannelID, msg.AuthorID, msg.Content, msg.ReplyToID, idsToStrings(msg.Attachments), idsToStrings(msg.Mentions),
	)
	if err := row.Scan(&msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	outboxPayload, err := json.Marshal(ToWireMessage(msg))
	if err != nil {
		return nil, fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO message_outbox (message_id, channel_id, payload) VALUES ($1, $2, $3)`,
		msg.ID, msg.ChannelID, outboxPayload,
	)
	if err != nil {
		return nil, fmt.Errorf("insert outbox row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create message tx: %w", err)
	}

	if r.channels != nil {
		if err := r.channels.SetLastMessageID(ctx, msg.ChannelID, msg.ID); err != nil {
			r.log.Warn().Err(err).Msg("failed to update channel last_message_id")
		}
	}

	r.publishAndClearOutbox(ctx, msg)
	return msg, nil
}

// publishAndClearOutbox attempts the publish and, on success, removes the
// outbox row. On failure the row is left for the Sweeper; duplicate
// publishes are tolerated because clients dedup by id (spec.md §4.3).
func (r *PGRepository) publishAndClearOutbox(ctx context.Context, msg *Message) {
	if r.pub == nil {
		return
	}
	if err := r.pub.Publish(ctx, bus.ChannelTopic(msg.ChannelID.String()), "MESSAGE_CREATE", ToWireMessage(msg)); err != nil {
		r.log.Warn().Err(err).Msg("failed to publish MESSAGE_CREATE, leaving outbox row for sweeper")
		return
	}
	if _, err := r.db.Exec(ctx, "DELETE FROM message_outbox WHERE message_id = $1", msg.ID); err != nil {
		r.log.Warn().Err(err).Msg("failed to clear outbox row after publish")
	}
}

// GetByID returns a single non-deleted message by ID.
func (r *PGRepository) GetByID(ctx context.Context, messageID id.ID) (*Message, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM messages WHERE id = $1 AND deleted = false", messageID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message by id: %w", err)
	}
	return msg, nil
}

// List serves spec.md §4.3's four read shapes: tail, before, after, around.
func (r *PGRepository) List(ctx context.Context, page Page) ([]Message, error) {
	limit := ClampLimit(page.Limit)

	var (
		rows pgx.Rows
		err  error
	)
	switch page.Direction {
	case DirectionTail:
		rows, err = r.db.Query(ctx,
			"SELECT "+selectColumns+" FROM messages WHERE channel_id = $1 AND deleted = false ORDER BY id DESC LIMIT $2",
			page.ChannelID, limit)
	case DirectionBefore:
		rows, err = r.db.Query(ctx,
			"SELECT "+selectColumns+" FROM messages WHERE channel_id = $1 AND deleted = false AND id < $2 ORDER BY id DESC LIMIT $3",
			page.ChannelID, page.Reference, limit)
	case DirectionAfter:
		rows, err = r.db.Query(ctx,
			"SELECT "+selectColumns+" FROM messages WHERE channel_id = $1 AND deleted = false AND id > $2 ORDER BY id ASC LIMIT $3",
			page.ChannelID, page.Reference, limit)
	case DirectionAround:
		return r.listAround(ctx, page.ChannelID, page.Reference, limit)
	default:
		return nil, fmt.Errorf("message: unknown page direction %d", page.Direction)
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (r *PGRepository) listAround(ctx context.Context, channelID, reference id.ID, limit int) ([]Message, error) {
	half := limit / 2

	beforeRows, err := r.db.Query(ctx,
		"SELECT "+selectColumns+" FROM messages WHERE channel_id = $1 AND deleted = false AND id <= $2 ORDER BY id DESC LIMIT $3",
		channelID, reference, half+1)
	if err != nil {
		return nil, fmt.Errorf("query around (before half): %w", err)
	}
	before, err := scanMessages(beforeRows)
	if err != nil {
		return nil, err
	}

	afterRows, err := r.db.Query(ctx,
		"SELECT "+selectColumns+" FROM messages WHERE channel_id = $1 AND deleted = false AND id > $2 ORDER BY id ASC LIMIT $3",
		channelID, reference, limit-half)
	if err != nil {
		return nil, fmt.Errorf("query around (after half): %w", err)
	}
	after, err := scanMessages(afterRows)
	if err != nil {
		return nil, err
	}

	// before is id-descending; reverse it to ascending, then append the
	// ascending after-half, yielding one ascending run centered on reference.
	result := make([]Message, 0, len(before)+len(after))
	for i := len(before) - 1; i >= 0; i-- {
		result = append(result, before[i])
	}
	result = append(result, after...)
	return result, nil
}

// Update sets new content and edited_at on a non-deleted message, then
// publishes MESSAGE_UPDATE. The caller enforces the author check.
func (r *PGRepository) Update(ctx context.Context, messageID id.ID, content string) (*Message, error) {
	row := r.db.QueryRow(ctx,
		"UPDATE messages SET content = $1, edited_at = NOW() WHERE id = $2 AND deleted = false RETURNING "+selectColumns,
		content, messageID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update message: %w", err)
	}

	if r.pub != nil {
		if err := r.pub.Publish(ctx, bus.ChannelTopic(msg.ChannelID.String()), "MESSAGE_UPDATE", ToWireMessage(msg)); err != nil {
			r.log.Warn().Err(err).Msg("failed to publish MESSAGE_UPDATE")
		}
	}
	return msg, nil
}

// SoftDelete tombstones a message and publishes MESSAGE_DELETE. Tombstoning
// (rather than a hard delete) keeps the id stable for pagination and
// federation backfill cursors (SPEC_FULL.md §5 resolving spec.md §9 OQ2).
func (r *PGRepository) SoftDelete(ctx context.Context, messageID id.ID) error {
	var channelID id.ID
	err := r.db.QueryRow(ctx,
		"UPDATE messages SET deleted = true WHERE id = $1 AND deleted = false RETURNING channel_id",
		messageID,
	).Scan(&channelID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("soft delete message: %w", err)
	}

	if r.pub != nil {
		payload := struct {
			ID        id.ID `json:"id"`
			ChannelID id.ID `json:"channel_id"`
		}{messageID, channelID}
		if err := r.pub.Publish(ctx, bus.ChannelTopic(channelID.String()), "MESSAGE_DELETE", payload); err != nil {
			r.log.Warn().Err(err).Msg("failed to publish MESSAGE_DELETE")
		}
	}
	return nil
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	var attachments, mentions []string
	err := row.Scan(
		&msg.ID, &msg.ChannelID, &msg.AuthorID, &msg.Content, &msg.EditedAt, &msg.ReplyToID,
		&attachments, &mentions, &msg.Flags, &msg.Deleted, &msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.Attachments, err = stringsToIDs(attachments)
	if err != nil {
		return nil, fmt.Errorf("parse attachments: %w", err)
	}
	msg.Mentions, err = stringsToIDs(mentions)
	if err != nil {
		return nil, fmt.Errorf("parse mentions: %w", err)
	}
	return &msg, nil
}

// idsToStrings/stringsToIDs bridge id.ID's bytea Scan/Value (needed for the
// single-column id fields) with the text[] columns Postgres stores
// attachments/mentions in: pgx does not know how to encode an array of an
// arbitrary Valuer type, but it encodes []string natively.
func idsToStrings(ids []id.ID) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, len(ids))
	for i, v := range ids {
		out[i] = v.String()
	}
	return out
}

func stringsToIDs(strs []string) ([]id.ID, error) {
	if strs == nil {
		return nil, nil
	}
	out := make([]id.ID, len(strs))
	for i, s := range strs {
		parsed, err := id.Parse(s)
		if err != nil {
			return nil, err
		}
		out[i] = parsed
	}
	return out, nil
}
