// Package server is a minimal collaborator: Nexus is multi-tenant (many
// servers per deployment, unlike the teacher's single-tenant config row), but
// the message-plane core only needs a server's id and name to label
// `server:<id>` topics and federation room ownership checks. Full server
// settings (icons, banners, description editing) belong to the out-of-scope
// REST CRUD surface named in spec.md §1; see DESIGN.md.
package server

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nexus-chat/nexus-server/internal/id"
)

// Sentinel errors for the server package.
var (
	ErrNotFound   = errors.New("server not found")
	ErrNameLength = errors.New("name must be between 1 and 100 characters")
)

// Server holds the fields the message plane needs: identity and ownership.
type Server struct {
	ID        id.ID
	Name      string
	OwnerID   id.ID
	CreatedAt time.Time
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

// Repository defines the data-access contract for server records.
type Repository interface {
	GetByID(ctx context.Context, serverID id.ID) (*Server, error)
	Create(ctx context.Context, name string, ownerID id.ID) (*Server, error)
}
