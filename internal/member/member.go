// Package member is a minimal collaborator: the message-plane core needs to
// know which servers a user belongs to (to compute gateway subscription
// scope and presence broadcast fan-out per spec.md §4.1/§4.4) and whether a
// user may write to a given server's channels. The teacher's full
// role/permission-override/ban/timeout/onboarding engine belongs to the
// out-of-scope REST CRUD surface named in spec.md §1 and is not carried
// forward; see DESIGN.md.
package member

import (
	"context"
	"errors"
	"time"

	"github.com/nexus-chat/nexus-server/internal/id"
)

// Sentinel errors for the member package.
var (
	ErrNotFound      = errors.New("member not found")
	ErrAlreadyMember = errors.New("user is already a member")
)

// Member is a user's membership in a server: the only fact the message
// plane needs to compute subscription scope and write authorization.
type Member struct {
	UserID   id.ID
	ServerID id.ID
	JoinedAt time.Time
}

// Repository defines the data-access contract for membership checks.
type Repository interface {
	// IsMember reports whether userID belongs to serverID.
	IsMember(ctx context.Context, userID, serverID id.ID) (bool, error)
	// ListServerIDsForUser returns every server the user belongs to, used to
	// compute the user's initial gateway subscription scope on Ready and the
	// presence broadcast fan-out set.
	ListServerIDsForUser(ctx context.Context, userID id.ID) ([]id.ID, error)
	// ListUserIDsForServer returns every member of a server, used by the
	// gateway to gather the presence set for READY.
	ListUserIDsForServer(ctx context.Context, serverID id.ID) ([]id.ID, error)
	Add(ctx context.Context, userID, serverID id.ID) error
	Remove(ctx context.Context, userID, serverID id.ID) error
}
