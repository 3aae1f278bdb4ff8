package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/nexus-chat/nexus-server/internal/auth"
	"github.com/nexus-chat/nexus-server/internal/bus"
	"github.com/nexus-chat/nexus-server/internal/channel"
	"github.com/nexus-chat/nexus-server/internal/config"
	"github.com/nexus-chat/nexus-server/internal/id"
	"github.com/nexus-chat/nexus-server/internal/member"
	"github.com/nexus-chat/nexus-server/internal/presence"
	"github.com/nexus-chat/nexus-server/internal/server"
	"github.com/nexus-chat/nexus-server/internal/user"
)

// Hub is the central WebSocket connection registry and event distributor. It
// manages client connections and, per client, a set of Event Bus
// subscriptions scoped to exactly what that user can see (their own user
// topic, the presence topic of every server they belong to, and every
// channel they can see) — replacing the teacher's single shared pub/sub
// channel plus permission.Resolver broadcast filtering, which Nexus has no
// role/permission system to drive (spec.md §4.1, §4.2).
type Hub struct {
	clients map[id.ID]*Client
	mu      sync.RWMutex

	bus      *bus.Bus
	cfg      *config.Config
	sessions *SessionStore
	users    user.Repository
	servers  server.Repository
	channels channel.Repository
	members  member.Repository
	presence *presence.Store
	log      zerolog.Logger
}

// NewHub creates a new gateway hub.
func NewHub(
	eventBus *bus.Bus,
	cfg *config.Config,
	sessions *SessionStore,
	users user.Repository,
	servers server.Repository,
	channels channel.Repository,
	members member.Repository,
	presenceStore *presence.Store,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		clients:  make(map[id.ID]*Client),
		bus:      eventBus,
		cfg:      cfg,
		sessions: sessions,
		users:    users,
		servers:  servers,
		channels: channels,
		members:  members,
		presence: presenceStore,
		log:      logger.With().Str("component", "gateway").Logger(),
	}
}

// ServeWebSocket initialises a new client for an upgraded WebSocket connection. It sends the Hello frame and starts
// the client's read and write pumps.
func (h *Hub) ServeWebSocket(conn *websocket.Conn) {
	client := newClient(h, conn, h.log)

	hello, err := NewHelloFrame(h.cfg.GatewayHeartbeatIntervalMS)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build Hello frame")
		_ = conn.Close()
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		h.log.Debug().Err(err).Msg("Failed to send Hello frame")
		_ = conn.Close()
		return
	}

	go client.writePump()
	client.readPump()
}

// register adds an authenticated client to the Hub. If the user already has an active connection, the old connection
// is displaced with an InvalidSession frame.
func (h *Hub) register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.cfg.GatewayMaxConnections {
		return ErrMaxConnections
	}

	userID := client.UserID()
	if existing, ok := h.clients[userID]; ok {
		h.log.Debug().Stringer("user_id", userID).Msg("Displacing existing connection")
		if frame, err := NewInvalidSessionFrame(false); err == nil {
			existing.enqueue(frame)
		}
		existing.closeSend()
		if existing.subCancel != nil {
			existing.subCancel()
		}
		delete(h.clients, userID)
	}

	h.clients[userID] = client
	h.log.Debug().Stringer("user_id", userID).Int("total", len(h.clients)).Msg("Client registered")
	return nil
}

// unregister removes a client from the Hub and persists its session for future resume.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()

	userID := client.UserID()
	current, ok := h.clients[userID]
	if !ok || current != client {
		h.mu.Unlock()
		return
	}
	delete(h.clients, userID)
	h.mu.Unlock()

	client.closeSend()
	if client.subCancel != nil {
		client.subCancel()
	}

	if client.IsIdentified() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.sessions.Save(ctx, client.SessionID(), userID, client.currentSeq()); err != nil {
			h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to save session on disconnect")
		}

		if h.presence != nil {
			go h.delayedOffline(userID)
		}
	}

	h.log.Debug().Stringer("user_id", userID).Msg("Client unregistered")
}

// delayedOffline waits for the configured offline grace period then publishes an offline presence event if the user
// has not reconnected. The delay is controlled by GatewayOfflineDelayMS in the server configuration.
func (h *Hub) delayedOffline(userID id.ID) {
	time.Sleep(time.Duration(h.cfg.GatewayOfflineDelayMS) * time.Millisecond)

	h.mu.RLock()
	_, reconnected := h.clients[userID]
	h.mu.RUnlock()

	if reconnected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.presence.Delete(ctx, userID); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to delete presence on delayed offline")
	}
	h.publishPresence(ctx, userID, presence.StatusOffline)
}

// handleIdentify authenticates a client using a JWT token, assembles the READY payload, subscribes the client to its
// Event Bus scope, and registers the client.
func (h *Hub) handleIdentify(client *Client, token string) {
	claims, err := auth.ValidateAccessToken(token, h.cfg.JWTSecret, h.cfg.ServerURL)
	if err != nil {
		h.log.Debug().Err(err).Msg("Identify token validation failed")
		client.closeWithCode(CloseAuthFailed, "invalid token")
		return
	}

	userID, err := id.Parse(claims.Subject)
	if err != nil {
		client.closeWithCode(CloseAuthFailed, "invalid token subject")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	readyData, err := h.assembleReady(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Stringer("user_id", userID).Msg("Failed to assemble READY payload")
		client.closeWithCode(CloseUnknownError, "internal error")
		return
	}

	sessionID := NewSessionID()
	readyData.SessionID = sessionID

	client.mu.Lock()
	client.userID = userID
	client.sessionID = sessionID
	client.identified = true
	client.mu.Unlock()

	if err := h.register(client); err != nil {
		h.log.Warn().Err(err).Msg("Failed to register client")
		client.closeWithCode(CloseUnknownError, "registration failed")
		return
	}
	h.subscribeClient(client, readyData)

	readyPayload, err := json.Marshal(readyData)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal READY payload")
		return
	}

	seq := client.nextSeq()
	frame, err := NewDispatchFrame(seq, EventReady, readyPayload)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build READY frame")
		return
	}
	client.enqueue(frame)

	if h.presence != nil {
		if pErr := h.presence.Set(ctx, userID, presence.StatusOnline); pErr != nil {
			h.log.Warn().Err(pErr).Stringer("user_id", userID).Msg("Failed to set initial presence")
		} else {
			h.publishPresence(ctx, userID, presence.StatusOnline)
		}
	}

	h.log.Info().Stringer("user_id", userID).Str("session_id", sessionID).Msg("Client identified")
}

// handleResume restores a client's session from Valkey and replays missed events.
func (h *Hub) handleResume(client *Client, data ResumeData) {
	claims, err := auth.ValidateAccessToken(data.Token, h.cfg.JWTSecret, h.cfg.ServerURL)
	if err != nil {
		h.log.Debug().Err(err).Msg("Resume token validation failed")
		client.closeWithCode(CloseAuthFailed, "invalid token")
		return
	}

	tokenUserID, err := id.Parse(claims.Subject)
	if err != nil {
		client.closeWithCode(CloseAuthFailed, "invalid token subject")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	session, err := h.sessions.Load(ctx, data.SessionID)
	if err != nil {
		h.log.Debug().Err(err).Str("session_id", data.SessionID).Msg("Session not found for resume")
		if frame, fErr := NewInvalidSessionFrame(false); fErr == nil {
			client.enqueue(frame)
		}
		return
	}

	if session.UserID != tokenUserID {
		h.log.Debug().Msg("Resume user ID does not match token")
		if frame, fErr := NewInvalidSessionFrame(false); fErr == nil {
			client.enqueue(frame)
		}
		return
	}

	if data.Seq > session.LastSeq {
		h.log.Debug().Int64("client_seq", data.Seq).Int64("server_seq", session.LastSeq).
			Msg("Resume sequence ahead of server")
		if frame, fErr := NewInvalidSessionFrame(false); fErr == nil {
			client.enqueue(frame)
		}
		return
	}

	// Replay missed events. A replay gap means the buffer has rolled past what the client asked for: resuming would
	// silently skip dispatches, so the client must re-Identify instead (spec.md §4.1 resume invariant).
	missed, err := h.sessions.Replay(ctx, data.SessionID, data.Seq)
	if err != nil {
		if err == ErrReplayGap {
			h.log.Debug().Str("session_id", data.SessionID).Msg("Replay buffer gap, forcing re-identify")
		} else {
			h.log.Warn().Err(err).Msg("Failed to load replay buffer")
		}
		if frame, fErr := NewInvalidSessionFrame(false); fErr == nil {
			client.enqueue(frame)
		}
		return
	}

	readyData, err := h.assembleReady(ctx, tokenUserID)
	if err != nil {
		h.log.Error().Err(err).Stringer("user_id", tokenUserID).Msg("Failed to assemble resume subscription scope")
		client.closeWithCode(CloseUnknownError, "internal error")
		return
	}

	client.mu.Lock()
	client.userID = tokenUserID
	client.sessionID = data.SessionID
	client.seq.Store(session.LastSeq)
	client.identified = true
	client.mu.Unlock()

	if err := h.register(client); err != nil {
		h.log.Warn().Err(err).Msg("Failed to register resumed client")
		client.closeWithCode(CloseUnknownError, "registration failed")
		return
	}
	h.subscribeClient(client, readyData)

	// Clean up the persisted session now that the client is back.
	if err := h.sessions.Delete(ctx, data.SessionID); err != nil {
		h.log.Warn().Err(err).Msg("Failed to delete session after resume")
	}

	// Send missed events.
	for _, payload := range missed {
		client.enqueue(payload)
	}

	// Send RESUMED dispatch.
	seq := client.nextSeq()
	resumedData, _ := json.Marshal(struct{}{})
	frame, err := NewDispatchFrame(seq, EventResumed, resumedData)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build RESUMED frame")
		return
	}
	client.enqueue(frame)

	if h.presence != nil {
		status, gErr := h.presence.Get(ctx, tokenUserID)
		if gErr != nil {
			h.log.Warn().Err(gErr).Stringer("user_id", tokenUserID).Msg("Failed to get presence on resume")
		}
		if status == presence.StatusOffline {
			if pErr := h.presence.Set(ctx, tokenUserID, presence.StatusOnline); pErr != nil {
				h.log.Warn().Err(pErr).Stringer("user_id", tokenUserID).Msg("Failed to restore presence on resume")
			} else {
				h.publishPresence(ctx, tokenUserID, presence.StatusOnline)
			}
		} else {
			_ = h.presence.Refresh(ctx, tokenUserID)
		}
	}

	h.log.Info().Stringer("user_id", tokenUserID).Str("session_id", data.SessionID).
		Int("replayed", len(missed)).Msg("Client resumed")
}

// handlePresenceUpdate processes a client's opcode 3 presence update, whose status Client.handlePresenceUpdate has
// already validated. It stores the status in Valkey and publishes a PRESENCE_UPDATE dispatch to every server the user
// belongs to. Invisible status is stored truthfully but broadcast as offline.
func (h *Hub) handlePresenceUpdate(client *Client, status string) {
	if h.presence == nil {
		return
	}

	userID := client.UserID()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.presence.Set(ctx, userID, status); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to set presence")
		return
	}

	broadcastStatus := status
	if status == presence.StatusInvisible {
		broadcastStatus = presence.StatusOffline
	}
	h.publishPresence(ctx, userID, broadcastStatus)
}

// presenceUpdatePayload is the PRESENCE_UPDATE dispatch body.
type presenceUpdatePayload struct {
	UserID id.ID  `json:"user_id"`
	Status string `json:"status"`
}

// publishPresence publishes a PRESENCE_UPDATE dispatch to every server the user is a member of.
func (h *Hub) publishPresence(ctx context.Context, userID id.ID, status string) {
	serverIDs, err := h.members.ListServerIDsForUser(ctx, userID)
	if err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to list servers for presence publish")
		return
	}
	payload := presenceUpdatePayload{UserID: userID, Status: status}
	for _, sid := range serverIDs {
		if err := h.bus.Publish(ctx, bus.PresenceTopic(sid.String()), string(EventPresenceUpdate), payload); err != nil {
			h.log.Warn().Err(err).Stringer("user_id", userID).Stringer("server_id", sid).
				Msg("Failed to publish presence update")
		}
	}
}

// refreshPresence extends the TTL of the user's presence key without changing the stored status.
func (h *Hub) refreshPresence(ctx context.Context, userID id.ID) {
	if h.presence == nil {
		return
	}
	if err := h.presence.Refresh(ctx, userID); err != nil {
		h.log.Debug().Err(err).Stringer("user_id", userID).Msg("Failed to refresh presence TTL")
	}
}

// ephemeralEvent returns true for dispatch event types that should be sent without a sequence number and not stored in
// the replay buffer.
func ephemeralEvent(eventType DispatchEvent) bool {
	return eventType == EventTypingStart || eventType == EventTypingStop
}

// subscribeClient subscribes client to the Event Bus topics implied by its READY scope (its own user topic, the
// presence topic of every server it belongs to, and every channel it can see) and starts the goroutines that forward
// bus envelopes into dispatch frames. Replaces the teacher's single shared pub/sub channel plus permission-filtered
// broadcast: subscription scope itself is the filter now.
func (h *Hub) subscribeClient(client *Client, ready *ReadyData) {
	topics := make([]string, 0, 1+len(ready.Servers)+len(ready.Channels))
	topics = append(topics, bus.UserTopic(client.UserID().String()))
	for _, s := range ready.Servers {
		topics = append(topics, bus.PresenceTopic(s.ID.String()))
	}
	for _, c := range ready.Channels {
		topics = append(topics, bus.ChannelTopic(c.ID.String()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan bus.Envelope, 256)
	subs := make([]*bus.Subscription, 0, len(topics))
	for _, topic := range topics {
		sub := h.bus.Subscribe(topic)
		subs = append(subs, sub)
		go forwardSubscription(ctx, sub, out)
	}

	client.subCancel = cancel
	go h.dispatchLoop(ctx, client, out, subs)
}

// forwardSubscription copies envelopes from a single bus.Subscription into the client's shared dispatch channel until
// ctx is cancelled or the subscription is evicted/closed.
func forwardSubscription(ctx context.Context, sub *bus.Subscription, out chan<- bus.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case env := <-sub.C():
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

// dispatchLoop builds and enqueues a dispatch frame for every envelope received from this client's subscriptions
// until ctx is cancelled, then closes every subscription it was given.
func (h *Hub) dispatchLoop(ctx context.Context, client *Client, out <-chan bus.Envelope, subs []*bus.Subscription) {
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-out:
			h.dispatchEnvelope(client, env)
		}
	}
}

func (h *Hub) dispatchEnvelope(client *Client, env bus.Envelope) {
	eventType := DispatchEvent(env.Type)

	if ephemeralEvent(eventType) {
		frame, err := NewEphemeralDispatchFrame(eventType, env.Data)
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to build ephemeral dispatch frame")
			return
		}
		client.enqueue(frame)
		return
	}

	seq := client.nextSeq()
	frame, err := NewDispatchFrame(seq, eventType, env.Data)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to build dispatch frame")
		return
	}
	client.enqueue(frame)

	if sid := client.SessionID(); sid != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := h.sessions.AppendReplay(ctx, sid, seq, frame); err != nil {
			h.log.Warn().Err(err).Str("session_id", sid).Msg("Failed to append to replay buffer")
		}
		cancel()
	}
}

// assembleReady queries the database for all state needed by a newly connected client: its identity, every server it
// belongs to, every channel it can see (server channels plus its DMs/group DMs), and the presence of every user
// sharing a server with it.
func (h *Hub) assembleReady(ctx context.Context, userID id.ID) (*ReadyData, error) {
	u, err := h.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	serverIDs, err := h.members.ListServerIDsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list servers for user: %w", err)
	}

	servers := make([]ServerPayload, 0, len(serverIDs))
	for _, sid := range serverIDs {
		s, sErr := h.servers.GetByID(ctx, sid)
		if sErr != nil {
			return nil, fmt.Errorf("get server %s: %w", sid, sErr)
		}
		servers = append(servers, newServerPayload(s))
	}

	chs, err := h.channels.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list channels for user: %w", err)
	}
	channels := make([]ChannelPayload, len(chs))
	for i := range chs {
		channels[i] = newChannelPayload(chs[i])
	}

	var presences []presence.State
	if h.presence != nil {
		visible := make(map[id.ID]struct{}, len(serverIDs))
		for _, sid := range serverIDs {
			memberIDs, mErr := h.members.ListUserIDsForServer(ctx, sid)
			if mErr != nil {
				return nil, fmt.Errorf("list members of server %s: %w", sid, mErr)
			}
			for _, uid := range memberIDs {
				visible[uid] = struct{}{}
			}
		}
		lookups := make([]id.ID, 0, len(visible))
		for uid := range visible {
			lookups = append(lookups, uid)
		}
		presences, err = h.presence.GetMany(ctx, lookups)
		if err != nil {
			return nil, fmt.Errorf("get presences: %w", err)
		}
	}

	return &ReadyData{
		User:      newUserPayload(u),
		Servers:   servers,
		Channels:  channels,
		Presences: presences,
	}, nil
}

// Shutdown gracefully closes all active connections. It sends a Reconnect frame to each client, cleans up presence
// keys, and closes the underlying WebSocket with a Going Away status.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for userID := range h.clients {
			_ = h.presence.Delete(ctx, userID)
		}
	}

	reconnect, _ := NewReconnectFrame()
	for userID, client := range h.clients {
		if reconnect != nil {
			client.enqueue(reconnect)
		}
		client.closeSend()
		if client.subCancel != nil {
			client.subCancel()
		}
		_ = client.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait),
		)
		_ = client.conn.Close()
		delete(h.clients, userID)
	}
	h.log.Info().Msg("Gateway hub shut down")
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
