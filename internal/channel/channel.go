// Package channel holds the Channel collaborator type: the message-plane
// core needs channels only as a scoping unit (subscription topics, E2EE
// gating, last-message tracking), not the full Discord-style CRUD surface
// (categories, slowmode, NSFW flags, position management) the teacher repo
// exposed. Those concerns belong to the out-of-scope REST CRUD surface
// named in spec.md §1 and are dropped here; see DESIGN.md.
package channel

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nexus-chat/nexus-server/internal/id"
)

// Kind identifies what a channel is for. The set matches spec.md §3 exactly;
// it is a superset of the teacher's voice/text/announcement/forum/stage set
// built for a single-tenant Discord-alike.
type Kind string

const (
	KindText         Kind = "text"
	KindVoice        Kind = "voice"
	KindDM           Kind = "dm"
	KindGroupDM      Kind = "group_dm"
	KindThread       Kind = "thread"
	KindAnnouncement Kind = "announcement"
	KindCategory     Kind = "category"
)

var validKinds = map[Kind]bool{
	KindText:         true,
	KindVoice:        true,
	KindDM:           true,
	KindGroupDM:      true,
	KindThread:       true,
	KindAnnouncement: true,
	KindCategory:     true,
}

// Sentinel errors for the channel package.
var (
	ErrNotFound    = errors.New("channel not found")
	ErrNameLength  = errors.New("channel name must be between 1 and 100 characters")
	ErrInvalidKind = errors.New("invalid channel kind")
	ErrTopicLength = errors.New("channel topic must be 1024 characters or fewer")
	ErrNotE2EE     = errors.New("channel does not accept encrypted messages")
	ErrPlaintextOnE2EE = errors.New("channel only accepts ciphertext envelopes")
)

// Channel holds the fields read from the database. ServerID is nil for DMs
// and group DMs, which are not scoped to a server.
type Channel struct {
	ID            id.ID
	ServerID      *id.ID
	Kind          Kind
	Name          string
	Topic         string
	E2EE          bool
	LastMessageID *id.ID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AcceptsPlaintext reports whether the channel's invariant allows plaintext
// message writes. E2EE channels reject them (spec.md §3 Channel invariant).
func (c *Channel) AcceptsPlaintext() bool {
	return !c.E2EE
}

// AcceptsCiphertext reports whether the channel accepts encrypted envelopes.
func (c *Channel) AcceptsCiphertext() bool {
	return c.E2EE
}

// CreateParams groups the inputs for creating a new channel.
type CreateParams struct {
	ServerID *id.ID
	Kind     Kind
	Name     string
	Topic    string
	E2EE     bool
}

// ValidateName checks that a name is between 1 and 100 characters (runes)
// after trimming whitespace, returning the trimmed result on success.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if n := utf8.RuneCountInString(trimmed); n < 1 || n > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateKind checks that the channel kind is one of the allowed values.
func ValidateKind(k Kind) error {
	if !validKinds[k] {
		return ErrInvalidKind
	}
	return nil
}

// ValidateTopic checks that a topic is 1024 characters (runes) or fewer.
func ValidateTopic(topic string) error {
	if utf8.RuneCountInString(topic) > 1024 {
		return ErrTopicLength
	}
	return nil
}

// Repository defines the data-access contract for channel operations. It is
// intentionally narrow: the message-plane core only ever needs to resolve a
// channel by id, list the scoping channels a user can see, record the last
// message written to a channel, and create/delete channels as a federation
// or membership side effect.
type Repository interface {
	GetByID(ctx context.Context, channelID id.ID) (*Channel, error)
	ListForUser(ctx context.Context, userID id.ID) ([]Channel, error)
	ListForServer(ctx context.Context, serverID id.ID) ([]Channel, error)
	Create(ctx context.Context, params CreateParams) (*Channel, error)
	SetLastMessageID(ctx context.Context, channelID, messageID id.ID) error
	Delete(ctx context.Context, channelID id.ID) error
}
