package message

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nexus-chat/nexus-server/internal/bus"
)

// Sweeper republishes outbox rows that Create's inline publish failed to
// clear, so a crash (or a transient bus/Valkey outage) between the insert
// commit and the publish never permanently loses a MESSAGE_CREATE (spec.md
// §4.3). Grounded on the teacher's periodic-ticker background worker shape
// (internal/presence's heartbeat sweep), adapted to sweep an outbox table
// rather than expire stale presence keys.
type Sweeper struct {
	db       *pgxpool.Pool
	log      zerolog.Logger
	pub      Publisher
	interval time.Duration
}

// NewSweeper creates a Sweeper. A zero interval defaults to 5 seconds.
func NewSweeper(db *pgxpool.Pool, logger zerolog.Logger, pub Publisher, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{db: db, log: logger.With().Str("component", "message_outbox_sweeper").Logger(), pub: pub, interval: interval}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				s.log.Warn().Err(err).Msg("outbox sweep failed")
			}
		}
	}
}

type outboxRow struct {
	MessageID string
	ChannelID string
	Payload   []byte
}

// sweepOnce republishes every outstanding outbox row and clears it on
// success. Rows are processed oldest-first so a stuck row does not starve
// newer ones indefinitely more than necessary.
func (s *Sweeper) sweepOnce(ctx context.Context) error {
	rows, err := s.db.Query(ctx,
		`SELECT message_id, channel_id, payload FROM message_outbox ORDER BY created_at ASC LIMIT 500`)
	if err != nil {
		return fmt.Errorf("query outbox rows: %w", err)
	}
	var pending []outboxRow
	for rows.Next() {
		var r outboxRow
		if err := rows.Scan(&r.MessageID, &r.ChannelID, &r.Payload); err != nil {
			rows.Close()
			return fmt.Errorf("scan outbox row: %w", err)
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate outbox rows: %w", err)
	}

	for _, r := range pending {
		topic := bus.ChannelTopic(r.ChannelID)
		if err := s.pub.Publish(ctx, topic, "MESSAGE_CREATE", rawPayload(r.Payload)); err != nil {
			s.log.Warn().Err(err).Str("message_id", r.MessageID).Msg("outbox republish failed, will retry")
			continue
		}
		if _, err := s.db.Exec(ctx, "DELETE FROM message_outbox WHERE message_id = $1", r.MessageID); err != nil {
			s.log.Warn().Err(err).Str("message_id", r.MessageID).Msg("failed to clear swept outbox row")
		}
	}
	return nil
}

// rawPayload lets the sweeper republish the exact bytes stored at insert
// time without re-decoding into a Message.
type rawPayload []byte

func (p rawPayload) MarshalJSON() ([]byte, error) { return p, nil }
