package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nexus-chat/nexus-server/internal/apierrors"
	"github.com/nexus-chat/nexus-server/internal/channel"
	"github.com/nexus-chat/nexus-server/internal/httputil"
	"github.com/nexus-chat/nexus-server/internal/id"
	"github.com/nexus-chat/nexus-server/internal/message"
)

// messageResponse is the wire representation of a message (spec.md §4.3),
// an alias of message.WireMessage so the REST read path and the
// MESSAGE_CREATE/UPDATE/DELETE dispatches the repository publishes never
// drift apart. Attachments and mentions are carried as bare id references:
// the object storage and profile lookups that would resolve them live in
// the REST CRUD surface this core does not implement (spec.md §1
// Non-goals).
type messageResponse = message.WireMessage

type createMessageRequest struct {
	Content       string   `json:"content"`
	ReplyToID     *string  `json:"reply_to_id,omitempty"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
	Mentions      []string `json:"mentions,omitempty"`
}

type updateMessageRequest struct {
	Content string `json:"content"`
}

// MessageHandler serves message endpoints. Dispatch events (MESSAGE_CREATE/UPDATE/DELETE) are published by
// message.PGRepository itself, not here: it owns the outbox/Sweeper durability path, so publishing from the
// handler too would double-dispatch every write.
type MessageHandler struct {
	messages message.Repository
	channels channel.Repository
	log      zerolog.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(messages message.Repository, channels channel.Repository, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		messages: messages,
		channels: channels,
		log:      logger,
	}
}

// ListMessages handles GET /api/v1/channels/:channelID/messages. It serves the tail/before/after/around reads
// described in spec.md §4.3; direction and reference id select which page of history is returned.
func (h *MessageHandler) ListMessages(c fiber.Ctx) error {
	channelID, err := id.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidChannelID, "Invalid channel ID format")
	}

	rawLimit, _ := strconv.Atoi(c.Query("limit"))
	page := message.Page{
		ChannelID: channelID,
		Direction: message.DirectionTail,
		Limit:     message.ClampLimit(rawLimit),
	}

	if before := c.Query("before"); before != "" {
		ref, err := id.Parse(before)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid before parameter")
		}
		page.Direction = message.DirectionBefore
		page.Reference = ref
	} else if after := c.Query("after"); after != "" {
		ref, err := id.Parse(after)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid after parameter")
		}
		page.Direction = message.DirectionAfter
		page.Reference = ref
	} else if around := c.Query("around"); around != "" {
		ref, err := id.Parse(around)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid around parameter")
		}
		page.Direction = message.DirectionAround
		page.Reference = ref
	}

	messages, err := h.messages.List(c, page)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "message").Msg("list messages failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	result := make([]messageResponse, len(messages))
	for i := range messages {
		result[i] = toMessageResponse(&messages[i])
	}
	return httputil.Success(c, result)
}

// CreateMessage handles POST /api/v1/channels/:channelID/messages. It enforces the E2EE channel invariant (spec.md
// §3: plaintext writes are rejected on E2EE channels) before allocating an id and appending the row.
func (h *MessageHandler) CreateMessage(c fiber.Ctx) error {
	channelID, err := id.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidChannelID, "Invalid channel ID format")
	}

	userID, ok := c.Locals("userID").(id.ID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Missing user identity")
	}

	ch, err := h.channels.GetByID(c, channelID)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidChannelID, "Channel not found")
		}
		h.log.Error().Err(err).Str("handler", "message").Msg("lookup channel failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	if !ch.AcceptsPlaintext() {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.PlaintextOnE2EE, "Channel only accepts ciphertext envelopes")
	}

	var body createMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}

	content, err := message.ValidateContent(body.Content)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	var replyToID *id.ID
	if body.ReplyToID != nil {
		parsed, err := id.Parse(*body.ReplyToID)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid reply_to_id format")
		}
		replyToID = &parsed
	}

	attachmentIDs, err := parseIDs(body.AttachmentIDs)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid attachment_ids format")
	}
	mentions, err := parseIDs(body.Mentions)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid mentions format")
	}

	msg, err := h.messages.Create(c, message.CreateParams{
		ChannelID:   channelID,
		AuthorID:    userID,
		Content:     content,
		ReplyToID:   replyToID,
		Attachments: attachmentIDs,
		Mentions:    mentions,
	})
	if err != nil {
		return h.mapMessageError(c, err)
	}

	if err := h.channels.SetLastMessageID(c, channelID, msg.ID); err != nil {
		h.log.Error().Err(err).Str("handler", "message").Msg("update channel last_message_id failed")
	}

	// MESSAGE_CREATE is published by the repository (message.PGRepository.Create), which owns the
	// outbox/Sweeper durability path; publishing it again here would double-dispatch the event.
	result := toMessageResponse(msg)
	return httputil.SuccessStatus(c, fiber.StatusCreated, result)
}

// EditMessage handles PATCH /api/v1/messages/:messageID. Edits replace content and stamp edited_at while preserving
// the message's id (spec.md §4.3 Edit).
func (h *MessageHandler) EditMessage(c fiber.Ctx) error {
	messageID, err := id.Parse(c.Params("messageID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid message ID format")
	}

	userID, ok := c.Locals("userID").(id.ID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Missing user identity")
	}

	var body updateMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}

	content, err := message.ValidateContent(body.Content)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	existing, err := h.messages.GetByID(c, messageID)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	if existing.AuthorID != userID {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "You can only edit your own messages")
	}

	msg, err := h.messages.Update(c, messageID, content)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	// MESSAGE_UPDATE is published by the repository (message.PGRepository.Update).
	result := toMessageResponse(msg)
	return httputil.Success(c, result)
}

// DeleteMessage handles DELETE /api/v1/messages/:messageID. Deletion tombstones the row but keeps the id for
// pagination stability (spec.md §4.3 Delete). Only the author may delete; there is no role/permission engine in this
// core, so moderated deletion is a REST CRUD surface concern (spec.md §1 Non-goals).
func (h *MessageHandler) DeleteMessage(c fiber.Ctx) error {
	messageID, err := id.Parse(c.Params("messageID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid message ID format")
	}

	userID, ok := c.Locals("userID").(id.ID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Missing user identity")
	}

	existing, err := h.messages.GetByID(c, messageID)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	if existing.AuthorID != userID {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "You can only delete your own messages")
	}

	if err := h.messages.SoftDelete(c, messageID); err != nil {
		return h.mapMessageError(c, err)
	}

	// MESSAGE_DELETE is published by the repository (message.PGRepository.SoftDelete).
	return c.SendStatus(fiber.StatusNoContent)
}

// toMessageResponse converts the internal message type to its wire representation.
func toMessageResponse(m *message.Message) messageResponse {
	return message.ToWireMessage(m)
}

func parseIDs(raw []string) ([]id.ID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]id.ID, len(raw))
	for i, s := range raw {
		parsed, err := id.Parse(s)
		if err != nil {
			return nil, err
		}
		out[i] = parsed
	}
	return out, nil
}

// mapMessageError converts message-layer errors to appropriate HTTP responses.
func (h *MessageHandler) mapMessageError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, message.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownMessage, "Message not found")
	case errors.Is(err, message.ErrContentTooLong):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	case errors.Is(err, message.ErrEmptyContent):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	case errors.Is(err, message.ErrReplyNotFound):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.UnknownMessage, err.Error())
	case errors.Is(err, message.ErrNotAuthor):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "You can only modify your own messages")
	case errors.Is(err, message.ErrAlreadyDeleted):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownMessage, err.Error())
	case errors.Is(err, message.ErrPlaintextOnE2EE):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.PlaintextOnE2EE, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "message").Msg("unhandled message service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
