package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexus-chat/nexus-server/internal/id"
)

const (
	sendTimeout      = 30 * time.Second
	batchWindow      = 500 * time.Millisecond
	initialBackoff   = 1 * time.Second
	maxBackoff       = 60 * time.Second
	maxRetryDuration = 24 * time.Hour
)

// Sender drains the outbound federation queue per destination, batching up
// to MaxPDUsPerTxn due entries per transaction and retrying failed sends
// with exponential backoff (spec.md §4.6 outbound queue). batchWindow is not
// applied: a drain sends whatever is due when it runs. It is grounded on
// github.com/cenkalti/backoff/v5, the ecosystem choice rjsadow-sortie's and
// leapmux's own use of backoff libraries gestures at.
type Sender struct {
	repo   Repository
	signer *Signer
	client *http.Client
	log    zerolog.Logger
}

// NewSender constructs a Sender.
func NewSender(repo Repository, signer *Signer, logger zerolog.Logger) *Sender {
	return &Sender{repo: repo, signer: signer, client: &http.Client{Timeout: sendTimeout}, log: logger}
}

// Enqueue stages an event for delivery to destination (spec.md §4.6
// "Producer: any locally generated event that targets a federated room
// enqueues a copy").
func (s *Sender) Enqueue(ctx context.Context, destination, eventID string, pdu PDU) error {
	payload, err := json.Marshal(pdu)
	if err != nil {
		return fmt.Errorf("marshal pdu for enqueue: %w", err)
	}
	return s.repo.Enqueue(ctx, &OutboxEntry{Destination: destination, EventID: eventID, Payload: payload})
}

// DrainOnce sends one transaction holding the oldest entries currently due
// for destination, at most MaxPDUsPerTxn of them, advancing each entry to
// delivered or rescheduling it with backoff. Due entries beyond
// MaxPDUsPerTxn wait for the next call; it does not wait to collect more.
// Callers run this in a loop (e.g. a per-destination goroutine, or a
// ticker sweeping all known destinations).
func (s *Sender) DrainOnce(ctx context.Context, destination, baseURL string) error {
	entries, err := s.repo.DueEntries(ctx, destination, time.Now(), MaxPDUsPerTxn)
	if err != nil {
		return fmt.Errorf("load due entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	pdus := make([]PDU, 0, len(entries))
	for _, e := range entries {
		var pdu PDU
		if err := json.Unmarshal(e.Payload, &pdu); err != nil {
			s.log.Error().Err(err).Str("event_id", e.EventID).Msg("dropping malformed outbox entry")
			continue
		}
		pdus = append(pdus, pdu)
	}

	txn := Transaction{
		TxnID:          uuid.NewString(),
		Origin:         s.signer.origin,
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           pdus,
	}

	uri := fmt.Sprintf("/_nexus/federation/v1/send/%s", txn.TxnID)
	if err := s.send(ctx, baseURL, uri, destination, txn); err != nil {
		return s.handleFailure(ctx, entries, err)
	}

	ids := make([]id.ID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return s.repo.MarkDelivered(ctx, ids)
}

func (s *Sender) send(ctx context.Context, baseURL, uri, destination string, txn Transaction) error {
	body, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}

	authHeader, err := s.signer.Sign(http.MethodPut, uri, destination, txn)
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, baseURL+uri, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", authHeader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send transaction: %w", err)
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &retryableError{status: resp.StatusCode}
	default:
		// 4xx other than 429 is non-retryable per Matrix convention
		// (spec.md §4.6): log and drop rather than retry forever.
		s.log.Warn().Int("status", resp.StatusCode).Str("destination", destination).Msg("federation send rejected, dropping")
		return nil
	}
}

// retryableError marks a send failure that should be retried with backoff
// rather than dropped (5xx, 429, or a network error).
type retryableError struct {
	status int
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("federation: retryable send failure (status %d)", e.status)
}

func (s *Sender) handleFailure(ctx context.Context, entries []OutboxEntry, sendErr error) error {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = initialBackoff
	boff.MaxInterval = maxBackoff
	boff.RandomizationFactor = 0.2

	for _, e := range entries {
		if time.Since(e.CreatedAt) > maxRetryDuration {
			s.log.Error().Str("event_id", e.EventID).Str("destination", e.Destination).
				Msg("federation outbox entry exceeded max retry retention, marking destination dead")
			continue
		}
		// Advance the curve once per prior attempt so the delay grows with
		// this entry's own failure count, up to maxBackoff.
		boff.Reset()
		delay := boff.NextBackOff()
		for i := 0; i < e.Attempts; i++ {
			delay = boff.NextBackOff()
		}
		if delay == backoff.Stop {
			delay = maxBackoff
		}
		if rescheduleErr := s.repo.Reschedule(ctx, e.ID, time.Now().Add(delay), e.Attempts+1); rescheduleErr != nil {
			s.log.Error().Err(rescheduleErr).Str("event_id", e.EventID).Msg("failed to reschedule outbox entry")
		}
	}
	s.log.Warn().Err(sendErr).Str("destination", entries[0].Destination).Int("count", len(entries)).
		Msg("federation send failed, rescheduled with backoff")
	return nil
}
