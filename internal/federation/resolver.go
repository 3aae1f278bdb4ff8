package federation

import (
	"context"
	"errors"

	"github.com/nexus-chat/nexus-server/internal/channel"
	"github.com/nexus-chat/nexus-server/internal/id"
)

// ChannelRoomResolver adapts internal/channel.Repository to RoomResolver:
// a PDU's room is "known" exactly when it maps to a channel this node has
// a row for. This is deliberately the only membership check performed for
// inbound PDUs (spec.md's open question on /send_join leaves strict
// remote-join semantics out of scope; a locally unknown room is always
// rejected regardless).
type ChannelRoomResolver struct {
	channels channel.Repository
}

// NewChannelRoomResolver constructs a ChannelRoomResolver.
func NewChannelRoomResolver(channels channel.Repository) *ChannelRoomResolver {
	return &ChannelRoomResolver{channels: channels}
}

func (r *ChannelRoomResolver) Exists(ctx context.Context, roomID id.ID) (bool, error) {
	_, err := r.channels.GetByID(ctx, roomID)
	if errors.Is(err, channel.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
