// Package message implements the Message Store: channel-scoped,
// append-optimized, time-ordered message persistence (spec.md §4.3). It is
// adapted from the teacher's internal/message package, generalized from a
// uuid.UUID-keyed single-tenant store to the spec's id.ID-keyed,
// before/after/around-paginated, flags-and-mentions shape.
package message

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nexus-chat/nexus-server/internal/id"
)

// Sentinel errors for the message package.
var (
	ErrNotFound       = errors.New("message not found")
	ErrContentTooLong = errors.New("message content exceeds the maximum length")
	ErrEmptyContent   = errors.New("message content must not be empty")
	ErrReplyNotFound  = errors.New("reply target message not found")
	ErrNotAuthor      = errors.New("you can only modify your own messages")
	ErrAlreadyDeleted = errors.New("message has already been deleted")
	ErrPlaintextOnE2EE = errors.New("channel only accepts ciphertext envelopes")
)

// MaxContentRunes is the hard cap on message content length (spec.md §3).
const MaxContentRunes = 4096

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Flag is a bit in a message's flags bitfield.
type Flag uint32

const (
	// FlagSuppressEmbeds disables link-preview/embed generation for the message.
	FlagSuppressEmbeds Flag = 1 << iota
)

// Message holds the fields read from the database.
type Message struct {
	ID          id.ID
	ChannelID   id.ID
	AuthorID    id.ID
	Content     string
	EditedAt    *time.Time
	ReplyToID   *id.ID
	Attachments []id.ID
	Mentions    []id.ID
	Flags       Flag
	Deleted     bool
	CreatedAt   time.Time
}

// WireMessage is the JSON-tagged shape published to gateway subscribers and
// returned over REST (internal/api mirrors these tags in its own response
// type). Message itself carries no JSON tags since it is read off the
// database, not serialized directly; publishing it verbatim would leak
// PascalCase field names onto the wire.
type WireMessage struct {
	ID            string   `json:"id"`
	ChannelID     string   `json:"channel_id"`
	AuthorID      string   `json:"author_id"`
	Content       string   `json:"content"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
	Mentions      []string `json:"mentions,omitempty"`
	ReplyToID     *string  `json:"reply_to_id,omitempty"`
	EditedAt      *string  `json:"edited_at,omitempty"`
	CreatedAt     string   `json:"created_at"`
}

// ToWireMessage converts a Message to its published wire shape.
func ToWireMessage(m *Message) WireMessage {
	var replyToID *string
	if m.ReplyToID != nil {
		s := m.ReplyToID.String()
		replyToID = &s
	}
	var editedAt *string
	if m.EditedAt != nil {
		s := m.EditedAt.Format(time.RFC3339)
		editedAt = &s
	}
	return WireMessage{
		ID:            m.ID.String(),
		ChannelID:     m.ChannelID.String(),
		AuthorID:      m.AuthorID.String(),
		Content:       m.Content,
		AttachmentIDs: idsToStrings(m.Attachments),
		Mentions:      idsToStrings(m.Mentions),
		ReplyToID:     replyToID,
		EditedAt:      editedAt,
		CreatedAt:     m.CreatedAt.Format(time.RFC3339),
	}
}

func idsToStrings(ids []id.ID) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, v := range ids {
		out[i] = v.String()
	}
	return out
}

// CreateParams groups the inputs for creating a new message.
type CreateParams struct {
	ChannelID   id.ID
	AuthorID    id.ID
	Content     string
	ReplyToID   *id.ID
	Attachments []id.ID
	Mentions    []id.ID
}

// Direction selects which side of a reference id a page of history reads
// from (spec.md §4.3: tail, before, after, around).
type Direction int

const (
	// DirectionBefore returns messages strictly less than the reference id,
	// descending.
	DirectionBefore Direction = iota
	// DirectionAfter returns messages strictly greater than the reference
	// id, ascending.
	DirectionAfter
	// DirectionAround returns half the page before and half after the
	// reference id.
	DirectionAround
	// DirectionTail returns the most recent messages, descending.
	DirectionTail
)

// Page describes a single history read (spec.md §4.3).
type Page struct {
	ChannelID id.ID
	Direction Direction
	Reference id.ID // unused for DirectionTail
	Limit     int
}

// ValidateContent checks that content is non-empty after trimming and does
// not exceed MaxContentRunes.
func ValidateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > MaxContentRunes {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting
// to DefaultLimit when the input is zero or negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository defines the data-access contract for message operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Message, error)
	GetByID(ctx context.Context, messageID id.ID) (*Message, error)
	List(ctx context.Context, page Page) ([]Message, error)
	Update(ctx context.Context, messageID id.ID, content string) (*Message, error)
	SoftDelete(ctx context.Context, messageID id.ID) error
}
