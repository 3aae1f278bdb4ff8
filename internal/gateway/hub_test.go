package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-chat/nexus-server/internal/channel"
	"github.com/nexus-chat/nexus-server/internal/config"
	"github.com/nexus-chat/nexus-server/internal/id"
	"github.com/nexus-chat/nexus-server/internal/member"
	"github.com/nexus-chat/nexus-server/internal/presence"
	"github.com/nexus-chat/nexus-server/internal/server"
	"github.com/nexus-chat/nexus-server/internal/user"
)

// fakeUserRepo implements user.Repository over an in-memory map.
type fakeUserRepo struct {
	users map[id.ID]*user.User
}

func newFakeUserRepo(users ...*user.User) *fakeUserRepo {
	r := &fakeUserRepo{users: make(map[id.ID]*user.User)}
	for _, u := range users {
		r.users[u.ID] = u
	}
	return r
}

func (r *fakeUserRepo) Create(context.Context, user.CreateParams) (id.ID, error) {
	return id.Nil, nil
}
func (r *fakeUserRepo) GetByID(_ context.Context, userID id.ID) (*user.User, error) {
	u, ok := r.users[userID]
	if !ok {
		return nil, user.ErrNotFound
	}
	return u, nil
}
func (r *fakeUserRepo) GetByUsername(context.Context, string) (*user.Credentials, error) {
	return nil, user.ErrNotFound
}
func (r *fakeUserRepo) GetCredentialsByID(context.Context, id.ID) (*user.Credentials, error) {
	return nil, user.ErrNotFound
}

// fakeServerRepo implements server.Repository over an in-memory map.
type fakeServerRepo struct {
	servers map[id.ID]*server.Server
}

func newFakeServerRepo(servers ...*server.Server) *fakeServerRepo {
	r := &fakeServerRepo{servers: make(map[id.ID]*server.Server)}
	for _, s := range servers {
		r.servers[s.ID] = s
	}
	return r
}

func (r *fakeServerRepo) GetByID(_ context.Context, serverID id.ID) (*server.Server, error) {
	s, ok := r.servers[serverID]
	if !ok {
		return nil, server.ErrNotFound
	}
	return s, nil
}
func (r *fakeServerRepo) Create(context.Context, string, id.ID) (*server.Server, error) {
	return nil, nil
}

// fakeChannelRepo implements channel.Repository over an in-memory slice.
type fakeChannelRepo struct {
	forUser map[id.ID][]channel.Channel
}

func newFakeChannelRepo(forUser map[id.ID][]channel.Channel) *fakeChannelRepo {
	return &fakeChannelRepo{forUser: forUser}
}

func (r *fakeChannelRepo) GetByID(_ context.Context, channelID id.ID) (*channel.Channel, error) {
	for _, cs := range r.forUser {
		for i := range cs {
			if cs[i].ID == channelID {
				return &cs[i], nil
			}
		}
	}
	return nil, channel.ErrNotFound
}
func (r *fakeChannelRepo) ListForUser(_ context.Context, userID id.ID) ([]channel.Channel, error) {
	return r.forUser[userID], nil
}
func (r *fakeChannelRepo) ListForServer(context.Context, id.ID) ([]channel.Channel, error) {
	return nil, nil
}
func (r *fakeChannelRepo) Create(context.Context, channel.CreateParams) (*channel.Channel, error) {
	return nil, nil
}
func (r *fakeChannelRepo) SetLastMessageID(context.Context, id.ID, id.ID) error { return nil }
func (r *fakeChannelRepo) Delete(context.Context, id.ID) error                 { return nil }

// fakeMemberRepo implements member.Repository over an in-memory membership table.
type fakeMemberRepo struct {
	// serversOf maps a user to every server it belongs to.
	serversOf map[id.ID][]id.ID
	// membersOf maps a server to every user that belongs to it.
	membersOf map[id.ID][]id.ID
}

func newFakeMemberRepo() *fakeMemberRepo {
	return &fakeMemberRepo{serversOf: make(map[id.ID][]id.ID), membersOf: make(map[id.ID][]id.ID)}
}

func (r *fakeMemberRepo) addMember(userID, serverID id.ID) {
	r.serversOf[userID] = append(r.serversOf[userID], serverID)
	r.membersOf[serverID] = append(r.membersOf[serverID], userID)
}

func (r *fakeMemberRepo) IsMember(_ context.Context, userID, serverID id.ID) (bool, error) {
	for _, sid := range r.serversOf[userID] {
		if sid == serverID {
			return true, nil
		}
	}
	return false, nil
}
func (r *fakeMemberRepo) ListServerIDsForUser(_ context.Context, userID id.ID) ([]id.ID, error) {
	return r.serversOf[userID], nil
}
func (r *fakeMemberRepo) ListUserIDsForServer(_ context.Context, serverID id.ID) ([]id.ID, error) {
	return r.membersOf[serverID], nil
}
func (r *fakeMemberRepo) Add(context.Context, id.ID, id.ID) error    { return nil }
func (r *fakeMemberRepo) Remove(context.Context, id.ID, id.ID) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		ServerURL:                  "https://nexus.example.com",
		JWTSecret:                  "test-secret-at-least-32-characters-long",
		GatewayHeartbeatIntervalMS: 45000,
		GatewayMaxConnections:      100,
		GatewayOfflineDelayMS:      100,
		GatewaySessionTTL:          5 * time.Minute,
		GatewayReplayBufferSize:    100,
		RateLimitWSCount:           120,
		RateLimitWSWindowSeconds:   60,
	}
}

func newTestHub(t *testing.T, users user.Repository, servers server.Repository, channels channel.Repository, members member.Repository) *Hub {
	t.Helper()
	_, rdb := newTestRedis(t)
	cfg := testConfig()
	sessions := NewSessionStore(rdb, cfg.GatewaySessionTTL, cfg.GatewayReplayBufferSize)
	return NewHub(nil, cfg, sessions, users, servers, channels, members, nil, zerolog.Nop())
}

func TestAssembleReady(t *testing.T) {
	t.Parallel()

	uid := testUserID()
	sid := testUserID()
	cid := testUserID()

	u := &user.User{ID: uid, Username: "alice"}
	srv := &server.Server{ID: sid, Name: "Test Server", OwnerID: uid}
	ch := channel.Channel{ID: cid, ServerID: &sid, Kind: channel.KindText, Name: "general"}

	members := newFakeMemberRepo()
	members.addMember(uid, sid)

	hub := newTestHub(t,
		newFakeUserRepo(u),
		newFakeServerRepo(srv),
		newFakeChannelRepo(map[id.ID][]channel.Channel{uid: {ch}}),
		members,
	)

	ready, err := hub.assembleReady(context.Background(), uid)
	if err != nil {
		t.Fatalf("assembleReady() error = %v", err)
	}
	if ready.User.ID != uid {
		t.Errorf("User.ID = %v, want %v", ready.User.ID, uid)
	}
	if len(ready.Servers) != 1 || ready.Servers[0].ID != sid {
		t.Errorf("Servers = %+v, want one server %v", ready.Servers, sid)
	}
	if len(ready.Channels) != 1 || ready.Channels[0].ID != cid {
		t.Errorf("Channels = %+v, want one channel %v", ready.Channels, cid)
	}
}

func TestAssembleReadyMultiServerUnionsPresence(t *testing.T) {
	t.Parallel()

	uid := testUserID()
	other := testUserID()
	sid1 := testUserID()
	sid2 := testUserID()

	u := &user.User{ID: uid, Username: "alice"}
	srv1 := &server.Server{ID: sid1, Name: "Server One", OwnerID: uid}
	srv2 := &server.Server{ID: sid2, Name: "Server Two", OwnerID: other}

	members := newFakeMemberRepo()
	members.addMember(uid, sid1)
	members.addMember(uid, sid2)
	members.addMember(other, sid2)

	hub := newTestHub(t,
		newFakeUserRepo(u),
		newFakeServerRepo(srv1, srv2),
		newFakeChannelRepo(map[id.ID][]channel.Channel{}),
		members,
	)
	_, rdb := newTestRedis(t)
	hub.presence = presence.NewStore(rdb)

	ready, err := hub.assembleReady(context.Background(), uid)
	if err != nil {
		t.Fatalf("assembleReady() error = %v", err)
	}
	if len(ready.Servers) != 2 {
		t.Fatalf("Servers = %+v, want 2", ready.Servers)
	}
	// other shares sid2 with uid, so the union of visible presence IDs
	// should attempt a lookup covering both uid and other even though
	// neither has set a status yet (GetMany simply returns no entries).
	if ready.Presences == nil {
		t.Errorf("Presences = nil, want non-nil slice from GetMany")
	}
}

func TestRegisterDisplacesExisting(t *testing.T) {
	t.Parallel()
	hub := newTestHub(t, nil, nil, nil, nil)

	userID := testUserID()

	old := &Client{hub: hub, send: make(chan []byte, 256), log: zerolog.Nop()}
	old.mu.Lock()
	old.userID = userID
	old.sessionID = "old-session"
	old.identified = true
	old.mu.Unlock()

	hub.mu.Lock()
	hub.clients[userID] = old
	hub.mu.Unlock()

	newer := &Client{hub: hub, send: make(chan []byte, 256), log: zerolog.Nop()}
	newer.mu.Lock()
	newer.userID = userID
	newer.sessionID = "new-session"
	newer.identified = true
	newer.mu.Unlock()

	if err := hub.register(newer); err != nil {
		t.Fatalf("register() error = %v", err)
	}

	select {
	case _, ok := <-old.send:
		if ok {
			_, ok = <-old.send
		}
		if ok {
			t.Error("old client's send channel was not closed after displacement")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for old client displacement")
	}

	hub.mu.RLock()
	current := hub.clients[userID]
	hub.mu.RUnlock()
	if current != newer {
		t.Error("registered client is not the new one")
	}
}

func TestRegisterMaxConnections(t *testing.T) {
	t.Parallel()
	hub := newTestHub(t, nil, nil, nil, nil)
	hub.cfg.GatewayMaxConnections = 1

	uid1 := testUserID()
	c1 := &Client{hub: hub, send: make(chan []byte, 256), log: zerolog.Nop()}
	c1.mu.Lock()
	c1.userID = uid1
	c1.sessionID = "s1"
	c1.identified = true
	c1.mu.Unlock()
	if err := hub.register(c1); err != nil {
		t.Fatalf("register(c1) error = %v", err)
	}

	uid2 := testUserID()
	c2 := &Client{hub: hub, send: make(chan []byte, 256), log: zerolog.Nop()}
	c2.mu.Lock()
	c2.userID = uid2
	c2.sessionID = "s2"
	c2.identified = true
	c2.mu.Unlock()
	if err := hub.register(c2); err != ErrMaxConnections {
		t.Errorf("register(c2) error = %v, want ErrMaxConnections", err)
	}
}

func TestEphemeralEvent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		event DispatchEvent
		want  bool
	}{
		{EventTypingStart, true},
		{EventTypingStop, true},
		{EventMessageCreate, false},
		{EventPresenceUpdate, false},
	}
	for _, tc := range cases {
		if got := ephemeralEvent(tc.event); got != tc.want {
			t.Errorf("ephemeralEvent(%q) = %v, want %v", tc.event, got, tc.want)
		}
	}
}

func TestClientCount(t *testing.T) {
	t.Parallel()
	hub := newTestHub(t, nil, nil, nil, nil)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("ClientCount() = %d, want 0", got)
	}

	c := &Client{hub: hub, send: make(chan []byte, 256), log: zerolog.Nop()}
	c.mu.Lock()
	c.userID = testUserID()
	c.identified = true
	c.mu.Unlock()
	if err := hub.register(c); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if got := hub.ClientCount(); got != 1 {
		t.Errorf("ClientCount() = %d, want 1", got)
	}
}
