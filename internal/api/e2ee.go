package api

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nexus-chat/nexus-server/internal/apierrors"
	"github.com/nexus-chat/nexus-server/internal/channel"
	"github.com/nexus-chat/nexus-server/internal/e2ee"
	"github.com/nexus-chat/nexus-server/internal/httputil"
	"github.com/nexus-chat/nexus-server/internal/id"
)

// KeysHandler backs the /api/v1/keys/* surface (spec.md §4.7, §6): device
// and pre-key registration, and pre-key bundle claiming.
type KeysHandler struct {
	e2ee *e2ee.Store
	repo e2ee.Repository
	log  zerolog.Logger
}

// NewKeysHandler constructs a KeysHandler.
func NewKeysHandler(store *e2ee.Store, repo e2ee.Repository, logger zerolog.Logger) *KeysHandler {
	return &KeysHandler{e2ee: store, repo: repo, log: logger}
}

type registerDeviceRequest struct {
	DeviceID          string `json:"device_id"`
	IdentityKey       string `json:"identity_key"`
	SignedPreKeyID    int64  `json:"signed_prekey_id"`
	SignedPreKey      string `json:"signed_prekey"`
	SignedPreKeySig   string `json:"signed_prekey_signature"`
}

// RegisterDevice publishes a device's identity key and initial signed
// pre-key (spec.md §4.7). Keys are submitted base64-encoded over JSON.
func (h *KeysHandler) RegisterDevice(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(id.ID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Missing user identity")
	}

	var body registerDeviceRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Malformed request body")
	}
	if body.DeviceID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "device_id is required")
	}

	identityKey, err := base64.StdEncoding.DecodeString(body.IdentityKey)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "identity_key must be base64")
	}
	signedPreKey, err := base64.StdEncoding.DecodeString(body.SignedPreKey)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "signed_prekey must be base64")
	}
	signature, err := base64.StdEncoding.DecodeString(body.SignedPreKeySig)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "signed_prekey_signature must be base64")
	}

	err = h.repo.RegisterDevice(c, e2ee.RegisterDeviceParams{
		UserID:          userID,
		DeviceID:        body.DeviceID,
		IdentityKey:     identityKey,
		SignedPreKeyID:  body.SignedPreKeyID,
		SignedPreKey:    signedPreKey,
		SignedPreKeySig: signature,
	})
	if err != nil {
		h.log.Error().Err(err).Str("handler", "e2ee").Msg("register device failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type oneTimePreKeyRequest struct {
	KeyID     int64  `json:"key_id"`
	PublicKey string `json:"public_key"`
}

type publishOneTimePreKeysRequest struct {
	DeviceID string                 `json:"device_id"`
	Keys     []oneTimePreKeyRequest `json:"keys"`
}

// PublishOneTimePreKeys tops up a device's one-time pre-key pool.
func (h *KeysHandler) PublishOneTimePreKeys(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(id.ID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Missing user identity")
	}

	var body publishOneTimePreKeysRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Malformed request body")
	}

	keys := make([]e2ee.OneTimePreKey, 0, len(body.Keys))
	for _, k := range body.Keys {
		pub, err := base64.StdEncoding.DecodeString(k.PublicKey)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "public_key must be base64")
		}
		keys = append(keys, e2ee.OneTimePreKey{UserID: userID, DeviceID: body.DeviceID, KeyID: k.KeyID, PublicKey: pub})
	}

	if err := h.repo.PublishOneTimePreKeys(c, userID, body.DeviceID, keys); err != nil {
		h.log.Error().Err(err).Str("handler", "e2ee").Msg("publish one-time prekeys failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type claimKeysRequest struct {
	UserID string `json:"user_id"`
}

type preKeyBundleResponse struct {
	DeviceID        string  `json:"device_id"`
	IdentityKey     string  `json:"identity_key"`
	SignedPreKeyID  int64   `json:"signed_prekey_id"`
	SignedPreKey    string  `json:"signed_prekey"`
	SignedPreKeySig string  `json:"signed_prekey_signature"`
	OneTimeKeyID    *int64  `json:"one_time_key_id,omitempty"`
	OneTimePreKey   *string `json:"one_time_prekey,omitempty"`
}

// ClaimBundle backs POST /api/v1/keys/claim: returns a pre-key bundle per
// registered device of the requested user, destructively consuming one
// one-time pre-key per device (spec.md §4.7).
func (h *KeysHandler) ClaimBundle(c fiber.Ctx) error {
	if _, ok := c.Locals("userID").(id.ID); !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Missing user identity")
	}

	var body claimKeysRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Malformed request body")
	}
	recipientID, err := id.Parse(body.UserID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid user_id")
	}

	bundles, err := h.e2ee.ClaimBundle(c, recipientID)
	if err != nil {
		if errors.Is(err, e2ee.ErrDeviceNotFound) || errors.Is(err, e2ee.ErrNoPreKeysAvailable) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "No devices available for user")
		}
		h.log.Error().Err(err).Str("handler", "e2ee").Msg("claim bundle failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	out := make([]preKeyBundleResponse, 0, len(bundles))
	for _, b := range bundles {
		resp := preKeyBundleResponse{
			DeviceID:        b.DeviceID,
			IdentityKey:     base64.StdEncoding.EncodeToString(b.IdentityKey),
			SignedPreKeyID:  b.SignedPreKeyID,
			SignedPreKey:    base64.StdEncoding.EncodeToString(b.SignedPreKey),
			SignedPreKeySig: base64.StdEncoding.EncodeToString(b.SignedPreKeySig),
		}
		if b.OneTime != nil {
			keyID := b.OneTime.KeyID
			pub := base64.StdEncoding.EncodeToString(b.OneTime.PublicKey)
			resp.OneTimeKeyID = &keyID
			resp.OneTimePreKey = &pub
		}
		out = append(out, resp)
	}
	return httputil.Success(c, fiber.Map{"bundles": out})
}

// EncryptedMessageHandler backs the E2EE send path: validated ciphertext
// envelopes dispatched to a channel's subscribers (spec.md §4.7).
type EncryptedMessageHandler struct {
	store *e2ee.Store
	log   zerolog.Logger
}

// NewEncryptedMessageHandler constructs an EncryptedMessageHandler.
func NewEncryptedMessageHandler(store *e2ee.Store, logger zerolog.Logger) *EncryptedMessageHandler {
	return &EncryptedMessageHandler{store: store, log: logger}
}

type sendEncryptedRequest struct {
	SenderDevice      string            `json:"sender_device"`
	Ciphertexts       map[string]string `json:"ciphertexts"`
	ExcludedDeviceIDs []string          `json:"excluded_device_ids,omitempty"`
}

type encryptedMessageResponse struct {
	ID           string            `json:"id"`
	ChannelID    string            `json:"channel_id"`
	AuthorID     string            `json:"author_id"`
	SenderDevice string            `json:"sender_device"`
	Ciphertexts  map[string]string `json:"ciphertexts"`
	CreatedAt    string            `json:"created_at"`
}

// Send backs POST /api/v1/channels/{id}/messages/encrypted.
func (h *EncryptedMessageHandler) Send(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(id.ID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Missing user identity")
	}
	channelID, err := id.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidChannelID, "Invalid channel ID")
	}

	var body sendEncryptedRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Malformed request body")
	}
	if body.SenderDevice == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "sender_device is required")
	}

	msg, err := h.store.Send(c, e2ee.SendParams{
		ChannelID:         channelID,
		AuthorID:          userID,
		SenderDevice:      body.SenderDevice,
		Ciphertexts:       e2ee.CiphertextMap(body.Ciphertexts),
		ExcludedDeviceIDs: body.ExcludedDeviceIDs,
	})
	if err != nil {
		return h.mapError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, toEncryptedMessageResponse(msg))
}

func (h *EncryptedMessageHandler) mapError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, e2ee.ErrChannelNotE2EE):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Channel does not accept encrypted messages")
	case errors.Is(err, e2ee.ErrNotChannelMember):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "Not a member of this channel")
	case errors.Is(err, e2ee.ErrIncompleteRecipients):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Ciphertext map is missing required recipient devices")
	case errors.Is(err, channel.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Channel not found")
	default:
		h.log.Error().Err(err).Str("handler", "e2ee").Msg("send encrypted message failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}

func toEncryptedMessageResponse(m *e2ee.EncryptedMessage) encryptedMessageResponse {
	return encryptedMessageResponse{
		ID:           m.ID.String(),
		ChannelID:    m.ChannelID.String(),
		AuthorID:     m.AuthorID.String(),
		SenderDevice: m.SenderDevice,
		Ciphertexts:  m.Ciphertexts,
		CreatedAt:    m.CreatedAt.Format(time.RFC3339),
	}
}
