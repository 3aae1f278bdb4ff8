package api

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nexus-chat/nexus-server/internal/apierrors"
	"github.com/nexus-chat/nexus-server/internal/bus"
	"github.com/nexus-chat/nexus-server/internal/gateway"
	"github.com/nexus-chat/nexus-server/internal/httputil"
	"github.com/nexus-chat/nexus-server/internal/id"
	"github.com/nexus-chat/nexus-server/internal/presence"
)

// typingStartPayload is the ephemeral TYPING_START dispatch payload
// (spec.md §4.4). It is never persisted.
type typingStartPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Timestamp string `json:"timestamp"`
}

// typingStopPayload is the ephemeral TYPING_STOP dispatch payload.
type typingStopPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

// TypingHandler serves the typing indicator endpoint.
type TypingHandler struct {
	presence *presence.Store
	bus      *bus.Bus
	log      zerolog.Logger
}

// NewTypingHandler creates a new typing handler.
func NewTypingHandler(presenceStore *presence.Store, eventBus *bus.Bus, logger zerolog.Logger) *TypingHandler {
	return &TypingHandler{
		presence: presenceStore,
		bus:      eventBus,
		log:      logger,
	}
}

// StartTyping handles POST /api/v1/channels/:channelID/typing. It records a typing indicator for the authenticated
// user, deduplicating rapid calls via a short-lived Valkey key (spec.md §4.4: at most one publish per (user, channel)
// per 3s). When the key is newly created, a TYPING_START dispatch event is published to the channel's topic.
func (h *TypingHandler) StartTyping(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(id.ID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Missing user identity")
	}

	channelID, err := id.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid channel ID")
	}

	created, err := h.presence.SetTyping(c, channelID, userID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "typing").Msg("set typing failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	if created && h.bus != nil {
		payload := typingStartPayload{
			ChannelID: channelID.String(),
			UserID:    userID.String(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		topic := bus.ChannelTopic(channelID.String())
		if pErr := h.bus.Publish(c, topic, string(gateway.EventTypingStart), payload); pErr != nil {
			h.log.Warn().Err(pErr).Msg("failed to publish typing start")
		}
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// StopTyping handles DELETE /api/v1/channels/:channelID/typing. It clears the typing indicator for the authenticated
// user and publishes a TYPING_STOP dispatch event when the key existed.
func (h *TypingHandler) StopTyping(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(id.ID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Missing user identity")
	}

	channelID, err := id.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid channel ID")
	}

	existed, err := h.presence.ClearTyping(c, channelID, userID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "typing").Msg("clear typing failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	if existed && h.bus != nil {
		payload := typingStopPayload{
			ChannelID: channelID.String(),
			UserID:    userID.String(),
		}
		topic := bus.ChannelTopic(channelID.String())
		if pErr := h.bus.Publish(c, topic, string(gateway.EventTypingStop), payload); pErr != nil {
			h.log.Warn().Err(pErr).Msg("failed to publish typing stop")
		}
	}

	return c.SendStatus(fiber.StatusNoContent)
}
