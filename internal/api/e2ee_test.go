package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nexus-chat/nexus-server/internal/channel"
	"github.com/nexus-chat/nexus-server/internal/e2ee"
	"github.com/nexus-chat/nexus-server/internal/id"
)

// fakeE2EERepo implements e2ee.Repository in memory for handler tests.
type fakeE2EERepo struct {
	members    map[id.ID]bool
	recipients []id.ID
	devices    map[id.ID][]string
	created    *e2ee.EncryptedMessage
	ids        *id.Generator
}

func newFakeE2EERepo() *fakeE2EERepo {
	return &fakeE2EERepo{members: map[id.ID]bool{}, devices: map[id.ID][]string{}, ids: id.NewGenerator(1)}
}

func (r *fakeE2EERepo) RegisterDevice(context.Context, e2ee.RegisterDeviceParams) error { return nil }
func (r *fakeE2EERepo) PublishOneTimePreKeys(context.Context, id.ID, string, []e2ee.OneTimePreKey) error {
	return nil
}
func (r *fakeE2EERepo) ClaimBundles(context.Context, id.ID) ([]e2ee.PreKeyBundle, error) {
	return nil, e2ee.ErrDeviceNotFound
}
func (r *fakeE2EERepo) DeviceIDsForUsers(_ context.Context, userIDs []id.ID) ([]string, error) {
	var out []string
	for _, u := range userIDs {
		out = append(out, r.devices[u]...)
	}
	return out, nil
}
func (r *fakeE2EERepo) CreateEncryptedMessage(_ context.Context, msg *e2ee.EncryptedMessage) error {
	if msg.ID == id.Nil {
		msg.ID = r.ids.New()
	}
	r.created = msg
	return nil
}
func (r *fakeE2EERepo) ListEncryptedMessages(context.Context, id.ID, id.ID, int) ([]e2ee.EncryptedMessage, error) {
	return nil, nil
}
func (r *fakeE2EERepo) IsChannelMember(_ context.Context, _ id.ID, userID id.ID) (bool, error) {
	return r.members[userID], nil
}
func (r *fakeE2EERepo) RecipientUserIDs(context.Context, id.ID) ([]id.ID, error) {
	return r.recipients, nil
}

func newTestE2EEApp(t *testing.T, repo *fakeE2EERepo, channels *fakeMessageChannelRepo, userID id.ID) *fiber.App {
	t.Helper()
	app := fiber.New()
	gen := id.NewGenerator(1)
	store := e2ee.NewStore(repo, channels, gen, nil, zerolog.Nop())
	keys := NewKeysHandler(store, repo, zerolog.Nop())
	enc := NewEncryptedMessageHandler(store, zerolog.Nop())

	app.Post("/api/v1/keys/claim", fakeAuth(userID), keys.ClaimBundle)
	app.Post("/api/v1/channels/:channelID/messages/encrypted", fakeAuth(userID), enc.Send)
	return app
}

func TestEncryptedSend_Success(t *testing.T) {
	t.Parallel()
	gen := id.NewGenerator(1)
	channelID := testID()
	author := gen.New()
	other := gen.New()

	repo := newFakeE2EERepo()
	repo.members[author] = true
	repo.recipients = []id.ID{author, other}
	repo.devices[author] = []string{"author-device"}
	repo.devices[other] = []string{"other-device"}

	channels := newFakeMessageChannelRepo(&channel.Channel{ID: channelID, E2EE: true})
	app := newTestE2EEApp(t, repo, channels, author)

	body := `{"sender_device":"author-device","ciphertexts":{"other-device":"opaque"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/channels/"+channelID.String()+"/messages/encrypted", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := doReq(t, app, req)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusCreated)
	}
}

func TestEncryptedSend_RejectsPlaintextChannel(t *testing.T) {
	t.Parallel()
	channelID := testID()
	author := id.NewGenerator(1).New()

	repo := newFakeE2EERepo()
	repo.members[author] = true
	channels := newFakeMessageChannelRepo(&channel.Channel{ID: channelID, E2EE: false})
	app := newTestE2EEApp(t, repo, channels, author)

	body := `{"sender_device":"author-device","ciphertexts":{}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/channels/"+channelID.String()+"/messages/encrypted", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := doReq(t, app, req)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
}

func TestEncryptedSend_RejectsNonMember(t *testing.T) {
	t.Parallel()
	channelID := testID()
	author := id.NewGenerator(1).New()

	repo := newFakeE2EERepo()
	channels := newFakeMessageChannelRepo(&channel.Channel{ID: channelID, E2EE: true})
	app := newTestE2EEApp(t, repo, channels, author)

	body := `{"sender_device":"author-device","ciphertexts":{}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/channels/"+channelID.String()+"/messages/encrypted", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := doReq(t, app, req)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusForbidden)
	}
}

func TestClaimBundle_NoDevices(t *testing.T) {
	t.Parallel()
	repo := newFakeE2EERepo()
	channels := newFakeMessageChannelRepo()
	author := id.NewGenerator(1).New()
	app := newTestE2EEApp(t, repo, channels, author)

	target := id.NewGenerator(1).New()
	body := `{"user_id":"` + target.String() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/keys/claim", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := doReq(t, app, req)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
}

func TestClaimBundle_Unauthenticated(t *testing.T) {
	t.Parallel()
	repo := newFakeE2EERepo()
	channels := newFakeMessageChannelRepo()
	app := newTestE2EEApp(t, repo, channels, id.Nil)

	body := `{"user_id":"` + id.NewGenerator(1).New().String() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/keys/claim", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := doReq(t, app, req)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
	}
}
