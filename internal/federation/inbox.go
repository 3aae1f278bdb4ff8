package federation

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/nexus-chat/nexus-server/internal/bus"
	"github.com/nexus-chat/nexus-server/internal/gateway"
	"github.com/nexus-chat/nexus-server/internal/id"
)

// RoomResolver reports whether roomID names a channel this node hosts, so
// Inbox can reject PDUs for rooms it has no record of (spec.md §4.6 "check
// room membership of origin").
type RoomResolver interface {
	Exists(ctx context.Context, roomID id.ID) (bool, error)
}

// Publisher fans an accepted PDU out to local gateway sessions. internal/bus.Bus
// satisfies this directly.
type Publisher interface {
	Publish(ctx context.Context, topic, eventType string, data any) error
}

// pduEventTypes maps a PDU's wire Type to the local dispatch event it
// re-emits as, once accepted (spec.md §4.6 "persist, publish to local
// topics"). A type with no entry is still persisted and recorded but not
// re-dispatched to sessions.
var pduEventTypes = map[string]gateway.DispatchEvent{
	"message.create": gateway.EventMessageCreate,
	"message.update": gateway.EventMessageUpdate,
	"message.delete": gateway.EventMessageDelete,
}

// Inbox implements the idempotent inbound transaction handler spec.md §4.6
// describes for PUT /send/{txn_id}: a retried transaction id/origin pair
// returns its stored result without reprocessing, and every PDU in a fresh
// transaction is verified, deduped, and dispatched independently so one
// bad PDU does not fail the rest of the batch.
type Inbox struct {
	repo     Repository
	verifier *Verifier
	rooms    RoomResolver
	pub      Publisher
	selfName string
	log      zerolog.Logger
}

// NewInbox constructs an Inbox. selfName is this node's server_name, used
// as the Destination field when reverifying the request signature.
func NewInbox(repo Repository, verifier *Verifier, rooms RoomResolver, pub Publisher, selfName string, logger zerolog.Logger) *Inbox {
	return &Inbox{repo: repo, verifier: verifier, rooms: rooms, pub: pub, selfName: selfName, log: logger}
}

// Accept processes an inbound transaction and returns the TransactionResult
// the caller should respond with. The HTTP layer always answers 200 with
// this body: per-PDU failures are carried in the result, not the response
// status (spec.md §4.6 "overall status 200 even with per-PDU errors").
func (in *Inbox) Accept(ctx context.Context, authHeader string, txn Transaction) (TransactionResult, error) {
	if stored, seen, err := in.repo.LookupTransaction(ctx, txn.TxnID, txn.Origin); err != nil {
		return TransactionResult{}, fmt.Errorf("lookup transaction: %w", err)
	} else if seen {
		return stored, nil
	}

	if len(txn.PDUs) > MaxPDUsPerTxn || len(txn.EDUs) > MaxEDUsPerTxn {
		return TransactionResult{}, ErrTxnTooLarge
	}

	info := SignedRequestInfo{
		Method:      http.MethodPut,
		URI:         "/_nexus/federation/v1/send/" + txn.TxnID,
		Origin:      txn.Origin,
		Destination: in.selfName,
		Content:     txn,
	}
	contentHash, err := ContentHash(txn)
	if err != nil {
		return TransactionResult{}, fmt.Errorf("hash transaction: %w", err)
	}
	if err := in.verifier.Verify(ctx, authHeader, info, contentHash); err != nil {
		return TransactionResult{}, err
	}

	result := TransactionResult{PDUs: make(map[string]PDUResult, len(txn.PDUs))}
	for _, pdu := range txn.PDUs {
		result.PDUs[pdu.EventID] = in.acceptPDU(ctx, txn.Origin, pdu)
	}

	if err := in.repo.RecordTransaction(ctx, txn.TxnID, txn.Origin, result); err != nil {
		in.log.Error().Err(err).Str("txn_id", txn.TxnID).Str("origin", txn.Origin).Msg("failed to record transaction idempotency marker")
	}
	return result, nil
}

func (in *Inbox) acceptPDU(ctx context.Context, origin string, pdu PDU) PDUResult {
	roomID, err := id.Parse(pdu.RoomID)
	if err != nil {
		return PDUResult{Error: "invalid room id"}
	}

	known, err := in.rooms.Exists(ctx, roomID)
	if err != nil {
		in.log.Error().Err(err).Str("event_id", pdu.EventID).Msg("room lookup failed")
		return PDUResult{Error: "room lookup failed"}
	}
	if !known {
		return PDUResult{Error: "unknown room"}
	}

	alreadySeen, err := in.repo.SavePDU(ctx, origin, pdu)
	if err != nil {
		in.log.Error().Err(err).Str("event_id", pdu.EventID).Msg("failed to persist pdu")
		return PDUResult{Error: "persist failed"}
	}
	if alreadySeen {
		return PDUResult{}
	}

	eventType, dispatched := pduEventTypes[pdu.Type]
	if !dispatched {
		return PDUResult{}
	}
	if err := in.pub.Publish(ctx, bus.ChannelTopic(pdu.RoomID), string(eventType), pdu.Content); err != nil {
		in.log.Error().Err(err).Str("event_id", pdu.EventID).Msg("failed to publish inbound pdu to local bus")
	}
	return PDUResult{}
}
