package gateway

import (
	"github.com/nexus-chat/nexus-server/internal/channel"
	"github.com/nexus-chat/nexus-server/internal/id"
	"github.com/nexus-chat/nexus-server/internal/presence"
	"github.com/nexus-chat/nexus-server/internal/server"
	"github.com/nexus-chat/nexus-server/internal/user"
)

// ReadyData is the payload of the Opcode 0 READY dispatch sent immediately
// after a successful Identify or as the first frame of a session. It carries
// everything a client needs to render its initial state: the authenticated
// user, every server they belong to, every channel they can see (server
// channels plus DMs/group DMs), and the visible presence of anyone sharing a
// server with them.
type ReadyData struct {
	SessionID string           `json:"session_id"`
	User      UserPayload      `json:"user"`
	Servers   []ServerPayload  `json:"servers"`
	Channels  []ChannelPayload `json:"channels"`
	Presences []presence.State `json:"presences"`
}

// UserPayload is the READY-payload projection of user.User.
type UserPayload struct {
	ID       id.ID  `json:"id"`
	Username string `json:"username"`
	Flags    uint32 `json:"flags"`
}

// ServerPayload is the READY-payload projection of server.Server.
type ServerPayload struct {
	ID      id.ID  `json:"id"`
	Name    string `json:"name"`
	OwnerID id.ID  `json:"owner_id"`
}

// ChannelPayload is the READY-payload projection of channel.Channel.
type ChannelPayload struct {
	ID            id.ID   `json:"id"`
	ServerID      *id.ID  `json:"server_id,omitempty"`
	Kind          string  `json:"kind"`
	Name          string  `json:"name"`
	Topic         string  `json:"topic"`
	E2EE          bool    `json:"e2ee"`
	LastMessageID *id.ID  `json:"last_message_id,omitempty"`
}

func newUserPayload(u *user.User) UserPayload {
	return UserPayload{ID: u.ID, Username: u.Username, Flags: uint32(u.Flags)}
}

func newServerPayload(s *server.Server) ServerPayload {
	return ServerPayload{ID: s.ID, Name: s.Name, OwnerID: s.OwnerID}
}

func newChannelPayload(c channel.Channel) ChannelPayload {
	return ChannelPayload{
		ID:            c.ID,
		ServerID:      c.ServerID,
		Kind:          string(c.Kind),
		Name:          c.Name,
		Topic:         c.Topic,
		E2EE:          c.E2EE,
		LastMessageID: c.LastMessageID,
	}
}
