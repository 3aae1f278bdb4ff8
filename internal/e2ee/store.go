package e2ee

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nexus-chat/nexus-server/internal/bus"
	"github.com/nexus-chat/nexus-server/internal/channel"
	"github.com/nexus-chat/nexus-server/internal/gateway"
	"github.com/nexus-chat/nexus-server/internal/id"
)

// Publisher is the subset of bus.Bus the e2ee store needs.
type Publisher interface {
	Publish(ctx context.Context, topic, eventType string, data any) error
}

// ChannelLookup is the subset of channel.Repository the e2ee store needs to
// enforce spec.md §4.7's "channel is E2EE-enabled" check.
type ChannelLookup interface {
	GetByID(ctx context.Context, channelID id.ID) (*channel.Channel, error)
}

// Store enforces the write-path invariants of the E2EE Envelope Store
// (spec.md §4.7) on top of a Repository: sender membership, channel E2EE
// gating, and recipient-device completeness of the submitted ciphertext
// map. It is the e2ee analogue of message.PGRepository.Create's validation,
// generalized to a map of opaque ciphertexts instead of plaintext content.
type Store struct {
	repo     Repository
	channels ChannelLookup
	ids      *id.Generator
	pub      Publisher
	log      zerolog.Logger
}

// NewStore constructs a Store.
func NewStore(repo Repository, channels ChannelLookup, ids *id.Generator, pub Publisher, logger zerolog.Logger) *Store {
	return &Store{repo: repo, channels: channels, ids: ids, pub: pub, log: logger}
}

// Send validates and persists an encrypted message, then dispatches
// ENCRYPTED_MESSAGE_CREATE to the channel topic.
func (s *Store) Send(ctx context.Context, params SendParams) (*EncryptedMessage, error) {
	ch, err := s.channels.GetByID(ctx, params.ChannelID)
	if err != nil {
		return nil, err
	}
	if !ch.AcceptsCiphertext() {
		return nil, ErrChannelNotE2EE
	}

	isMember, err := s.repo.IsChannelMember(ctx, params.ChannelID, params.AuthorID)
	if err != nil {
		return nil, fmt.Errorf("check channel membership: %w", err)
	}
	if !isMember {
		return nil, ErrNotChannelMember
	}

	if err := s.validateRecipients(ctx, params); err != nil {
		return nil, err
	}

	msg := &EncryptedMessage{
		ID:           s.ids.New(),
		ChannelID:    params.ChannelID,
		AuthorID:     params.AuthorID,
		SenderDevice: params.SenderDevice,
		Ciphertexts:  params.Ciphertexts,
	}
	if err := s.repo.CreateEncryptedMessage(ctx, msg); err != nil {
		return nil, err
	}

	if s.pub != nil {
		topic := bus.ChannelTopic(params.ChannelID.String())
		if err := s.pub.Publish(ctx, topic, string(gateway.EventEncryptedMessageCreate), msg); err != nil {
			s.log.Warn().Err(err).Str("message_id", msg.ID.String()).Msg("failed to publish ENCRYPTED_MESSAGE_CREATE")
		}
	}
	return msg, nil
}

// validateRecipients checks that params.Ciphertexts covers every device of
// every channel recipient except the sender's own device and any
// explicitly excluded device ids (spec.md §4.7).
func (s *Store) validateRecipients(ctx context.Context, params SendParams) error {
	recipientUsers, err := s.repo.RecipientUserIDs(ctx, params.ChannelID)
	if err != nil {
		return fmt.Errorf("list channel recipients: %w", err)
	}

	required, err := s.repo.DeviceIDsForUsers(ctx, recipientUsers)
	if err != nil {
		return fmt.Errorf("list recipient device ids: %w", err)
	}

	excluded := make(map[string]bool, len(params.ExcludedDeviceIDs)+1)
	excluded[params.SenderDevice] = true
	for _, d := range params.ExcludedDeviceIDs {
		excluded[d] = true
	}

	for _, deviceID := range required {
		if excluded[deviceID] {
			continue
		}
		if _, ok := params.Ciphertexts[deviceID]; !ok {
			return ErrIncompleteRecipients
		}
	}
	return nil
}

// ClaimBundle returns a pre-key bundle for every device of recipientID,
// consuming one one-time pre-key per device.
func (s *Store) ClaimBundle(ctx context.Context, recipientID id.ID) ([]PreKeyBundle, error) {
	return s.repo.ClaimBundles(ctx, recipientID)
}
