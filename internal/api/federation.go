package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nexus-chat/nexus-server/internal/apierrors"
	"github.com/nexus-chat/nexus-server/internal/channel"
	"github.com/nexus-chat/nexus-server/internal/federation"
	"github.com/nexus-chat/nexus-server/internal/httputil"
	"github.com/nexus-chat/nexus-server/internal/id"
)

// FederationHandler backs the `/_nexus/federation/v1` surface spec.md §6
// names: inbound transaction receipt, event/backfill reads, discovery, and
// the join handshake.
type FederationHandler struct {
	inbox    *federation.Inbox
	repo     federation.Repository
	channels channel.Repository
	signer   *federation.Signer
	selfName string
	baseURL  string
	log      zerolog.Logger
}

// NewFederationHandler constructs a FederationHandler.
func NewFederationHandler(inbox *federation.Inbox, repo federation.Repository, channels channel.Repository, signer *federation.Signer, selfName, baseURL string, logger zerolog.Logger) *FederationHandler {
	return &FederationHandler{inbox: inbox, repo: repo, channels: channels, signer: signer, selfName: selfName, baseURL: baseURL, log: logger}
}

// Send backs PUT /_nexus/federation/v1/send/{txn_id}: idempotent inbound
// transaction receipt (spec.md §4.6). Always responds 200 with the
// per-PDU result map, even when individual PDUs failed.
func (h *FederationHandler) Send(c fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Missing Authorization header")
	}

	var txn federation.Transaction
	if err := c.Bind().Body(&txn); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Malformed transaction body")
	}
	txn.TxnID = c.Params("txnID")

	result, err := h.inbox.Accept(c, authHeader, txn)
	if err != nil {
		return h.mapVerifyError(c, err)
	}
	return httputil.Success(c, result)
}

// Event backs GET /_nexus/federation/v1/event/{event_id}.
func (h *FederationHandler) Event(c fiber.Ctx) error {
	pdu, found, err := h.repo.GetEvent(c, c.Params("eventID"))
	if err != nil {
		h.log.Error().Err(err).Str("handler", "federation").Msg("get event failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	if !found {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Event not found")
	}
	return httputil.Success(c, pdu)
}

// Backfill backs GET /_nexus/federation/v1/backfill/{room_id}?v&limit
// (spec.md §4.6): resumable history fetch for eventual-consistency catch-up.
func (h *FederationHandler) Backfill(c fiber.Ctx) error {
	roomID := c.Params("roomID")
	before := c.Query("v")
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > federation.MaxPDUsPerTxn {
		limit = federation.MaxPDUsPerTxn
	}

	pdus, err := h.repo.Backfill(c, roomID, before, limit)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "federation").Msg("backfill failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"pdus": pdus})
}

// GetMissingEvents backs POST /_nexus/federation/v1/get_missing_events/{room_id}:
// a simplified implementation against the same backfill cursor the
// /backfill endpoint uses, since this deployment keeps a single linear
// history per channel rather than a DAG of forward-extremities.
func (h *FederationHandler) GetMissingEvents(c fiber.Ctx) error {
	roomID := c.Params("roomID")
	var body struct {
		EarliestEvents []string `json:"earliest_events"`
		Limit          int      `json:"limit"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Malformed request body")
	}
	limit := body.Limit
	if limit <= 0 || limit > federation.MaxPDUsPerTxn {
		limit = federation.MaxPDUsPerTxn
	}
	var cursor string
	if len(body.EarliestEvents) > 0 {
		cursor = body.EarliestEvents[0]
	}

	pdus, err := h.repo.Backfill(c, roomID, cursor, limit)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "federation").Msg("get_missing_events failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"events": pdus})
}

// MakeJoin backs GET /_nexus/federation/v1/make_join/{room_id}/{user_id}.
// Per the open question this spec leaves on remote joins, this
// implementation only ever templates a join for rooms this node owns;
// a caller asking about a room it does not host gets 404.
func (h *FederationHandler) MakeJoin(c fiber.Ctx) error {
	roomID, err := id.Parse(c.Params("roomID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidChannelID, "Invalid room id")
	}
	ch, err := h.channels.GetByID(c, roomID)
	if errors.Is(err, channel.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Room not hosted on this server")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "federation").Msg("make_join lookup failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	template := fiber.Map{
		"type":             "membership.join",
		"room_id":          ch.ID.String(),
		"user_id":          c.Params("userID"),
		"origin":           h.selfName,
		"origin_server_ts": time.Now().UnixMilli(),
	}
	return httputil.Success(c, fiber.Map{"event_template": template})
}

// SendJoin backs PUT /_nexus/federation/v1/send_join/{room_id}/{event_id}:
// accepts a remote join only into a room this node owns, per the same
// local-rooms-only policy MakeJoin enforces.
func (h *FederationHandler) SendJoin(c fiber.Ctx) error {
	roomID, err := id.Parse(c.Params("roomID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidChannelID, "Invalid room id")
	}
	if _, err := h.channels.GetByID(c, roomID); errors.Is(err, channel.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "Remote joins are only accepted into rooms this server owns")
	} else if err != nil {
		h.log.Error().Err(err).Str("handler", "federation").Msg("send_join lookup failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"event_id": c.Params("eventID"), "accepted": true})
}

// WellKnown backs GET /.well-known/nexus/server: this node's federation
// discovery document (spec.md §6).
func (h *FederationHandler) WellKnown(c fiber.Ctx) error {
	doc, err := federation.BuildDiscoveryDocument(c, h.selfName, h.baseURL, h.signer, h.repo)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "federation").Msg("build discovery document failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	c.Set("Content-Type", "application/json")
	return c.Send(doc)
}

func (h *FederationHandler) mapVerifyError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, federation.ErrMalformedAuthHeader):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Malformed Authorization header")
	case errors.Is(err, federation.ErrUnknownKey):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Unknown signing key")
	case errors.Is(err, federation.ErrBadSignature):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Signature verification failed")
	case errors.Is(err, federation.ErrContentHashMismatch):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Content hash mismatch")
	case errors.Is(err, federation.ErrBlockedServer):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "Origin server is blocked")
	case errors.Is(err, federation.ErrTxnTooLarge):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.PayloadTooLarge, "Transaction exceeds PDU/EDU limits")
	default:
		h.log.Error().Err(err).Str("handler", "federation").Msg("inbound transaction failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
