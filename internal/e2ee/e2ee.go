// Package e2ee implements the E2EE Envelope Store (spec.md §4.7): device
// and pre-key registration, destructive one-time-pre-key claiming, and
// storage/dispatch of opaque per-device ciphertext envelopes. The server
// never sees plaintext; it only ever moves and validates ciphertext maps.
//
// No teacher analogue exists (the teacher repo predates E2EE). The
// repository shape (sentinel errors, narrow Repository interface, pgx
// implementation, Create-then-publish write path) is grounded on
// internal/message's pattern, generalized from "message content" to
// "opaque ciphertext map"; the "opaque blob, server never inspects content"
// posture mirrors the teacher's internal/attachment (metadata only, content
// lives elsewhere) even though attachments themselves are out of scope here.
package e2ee

import (
	"context"
	"errors"
	"time"

	"github.com/nexus-chat/nexus-server/internal/id"
)

// Sentinel errors for the e2ee package.
var (
	ErrDeviceNotFound      = errors.New("device not found")
	ErrNoPreKeysAvailable  = errors.New("no pre-keys available for device")
	ErrNotChannelMember    = errors.New("sender is not a member of the channel")
	ErrChannelNotE2EE      = errors.New("channel is not end-to-end encrypted")
	ErrIncompleteRecipients = errors.New("ciphertext map is missing required recipient devices")
	ErrMessageNotFound     = errors.New("encrypted message not found")
)

// Device is a single client install's published identity key (spec.md
// §4.7). A user may register more than one.
type Device struct {
	UserID      id.ID
	DeviceID    string
	IdentityKey []byte
	CreatedAt   time.Time
}

// SignedPreKey is a device's medium-term signed pre-key, used as the
// E2EE fallback when a device's one-time pre-key pool is exhausted.
type SignedPreKey struct {
	UserID    id.ID
	DeviceID  string
	KeyID     int64
	PublicKey []byte
	Signature []byte
	CreatedAt time.Time
}

// OneTimePreKey is a single-use pre-key; claiming one deletes it.
type OneTimePreKey struct {
	UserID    id.ID
	DeviceID  string
	KeyID     int64
	PublicKey []byte
}

// RegisterDeviceParams groups the inputs for registering a device and its
// initial signed pre-key.
type RegisterDeviceParams struct {
	UserID           id.ID
	DeviceID         string
	IdentityKey      []byte
	SignedPreKeyID   int64
	SignedPreKey     []byte
	SignedPreKeySig  []byte
}

// PreKeyBundle is what a key-bundle request returns for a single recipient
// device (spec.md §4.7): identity key, signed pre-key + signature, and an
// optional one-time pre-key. When the one-time pool is exhausted, OneTime
// is nil and the caller falls back to the signed pre-key alone.
type PreKeyBundle struct {
	DeviceID        string
	IdentityKey     []byte
	SignedPreKeyID  int64
	SignedPreKey    []byte
	SignedPreKeySig []byte
	OneTime         *OneTimePreKey
}

// CiphertextMap maps a recipient device id to the ciphertext payload
// encrypted for that device's session. Server never inspects the value.
type CiphertextMap map[string]string

// EncryptedMessage is a stored, dispatched ciphertext envelope.
type EncryptedMessage struct {
	ID           id.ID
	ChannelID    id.ID
	AuthorID     id.ID
	SenderDevice string
	Ciphertexts  CiphertextMap
	CreatedAt    time.Time
}

// SendParams groups the inputs for sending an encrypted message.
type SendParams struct {
	ChannelID    id.ID
	AuthorID     id.ID
	SenderDevice string
	Ciphertexts  CiphertextMap
	// ExcludedDeviceIDs lets the sender omit devices it knows are stale
	// (e.g. a just-revoked device) from the required-recipient check
	// (spec.md §4.7 "minus explicitly excluded senders").
	ExcludedDeviceIDs []string
}

// Repository defines the data-access contract for device, pre-key, and
// encrypted-message persistence.
type Repository interface {
	RegisterDevice(ctx context.Context, params RegisterDeviceParams) error
	PublishOneTimePreKeys(ctx context.Context, userID id.ID, deviceID string, keys []OneTimePreKey) error
	// ClaimBundles atomically returns and consumes one one-time pre-key (if
	// any remain) for every device belonging to userID, returning the
	// signed pre-key alone for devices whose pool is exhausted.
	ClaimBundles(ctx context.Context, userID id.ID) ([]PreKeyBundle, error)
	// DeviceIDsForUsers lists every registered device id for each user,
	// used to compute the required-recipient set for a channel.
	DeviceIDsForUsers(ctx context.Context, userIDs []id.ID) ([]string, error)
	CreateEncryptedMessage(ctx context.Context, msg *EncryptedMessage) error
	ListEncryptedMessages(ctx context.Context, channelID id.ID, before id.ID, limit int) ([]EncryptedMessage, error)
	// IsChannelMember reports whether userID may write to channelID: a
	// server channel's guild membership, or a DM/group DM's recipient list.
	IsChannelMember(ctx context.Context, channelID, userID id.ID) (bool, error)
	// RecipientUserIDs returns every user who must have a device entry in
	// an outbound ciphertext map for channelID (spec.md §4.7).
	RecipientUserIDs(ctx context.Context, channelID id.ID) ([]id.ID, error)
}
