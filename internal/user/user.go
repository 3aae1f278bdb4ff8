// Package user is a minimal collaborator: the message-plane core needs a
// user only as an identity (id, unique username) and a stored password
// hash; gateway Identify itself validates a JWT, not this credential. The teacher's
// full profile/MFA/recovery-code/tombstone/email-verification surface
// belongs to the out-of-scope REST CRUD surface named in spec.md §1; see
// DESIGN.md. Presence state itself lives in internal/presence, not here —
// it is ephemeral, not a column on this row.
package user

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nexus-chat/nexus-server/internal/id"
)

// Sentinel errors for the user package.
var (
	ErrNotFound        = errors.New("user not found")
	ErrAlreadyExists   = errors.New("username already taken")
	ErrUsernameLength  = errors.New("username must be between 2 and 32 characters")
	ErrInvalidUsername = errors.New("username may only contain letters, digits, underscores, and periods")
)

// Flag is a bit in a user's flags bitfield (spec.md §3 User).
type Flag uint32

const (
	FlagBot Flag = 1 << iota
	FlagFederationServerAccount
)

// User holds the core identity fields read from the database.
type User struct {
	ID        id.ID
	Username  string
	Flags     Flag
	CreatedAt time.Time
}

// HasFlag reports whether the given flag bit is set.
func (u *User) HasFlag(f Flag) bool {
	return u.Flags&f != 0
}

// Credentials extends User with the password hash. Only the repository's
// credential lookups (GetByUsername, GetCredentialsByID) return this type.
type Credentials struct {
	User
	PasswordHash string
}

// CreateParams groups the inputs for creating a new user.
type CreateParams struct {
	Username     string
	PasswordHash string
}

// NormalizeUsername lowercases and trims a username so lookups are
// case-insensitive, matching spec.md §3's "unique case-insensitive"
// invariant.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// ValidateUsername checks that a username is 2-32 characters and contains
// only letters, digits, underscores, and periods.
func ValidateUsername(username string) error {
	n := utf8.RuneCountInString(username)
	if n < 2 || n > 32 {
		return ErrUsernameLength
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
		default:
			return ErrInvalidUsername
		}
	}
	return nil
}

// Repository defines the data-access contract for user operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (id.ID, error)
	GetByID(ctx context.Context, userID id.ID) (*User, error)
	GetByUsername(ctx context.Context, username string) (*Credentials, error)
	GetCredentialsByID(ctx context.Context, userID id.ID) (*Credentials, error)
}
