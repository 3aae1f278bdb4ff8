package auth

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/nexus-chat/nexus-server/internal/apierrors"
	"github.com/nexus-chat/nexus-server/internal/id"
)

func TestRequireAuthNoHeader(t *testing.T) {
	t.Parallel()
	app := fiber.New()
	app.Use(RequireAuth("secret", testIssuer))
	app.Get("/test", func(c fiber.Ctx) error {
		return c.SendStatus(200)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
	}

	code := readErrorCode(t, resp)
	if code != string(apierrors.Unauthorized) {
		t.Errorf("error code = %q, want %q", code, apierrors.Unauthorized)
	}
}

func TestRequireAuthBadFormat(t *testing.T) {
	t.Parallel()
	app := fiber.New()
	app.Use(RequireAuth("secret", testIssuer))
	app.Get("/test", func(c fiber.Ctx) error {
		return c.SendStatus(200)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
	}
}

func TestRequireAuthExpiredToken(t *testing.T) {
	t.Parallel()
	app := fiber.New()
	secret := "test-secret"
	app.Use(RequireAuth(secret, testIssuer))
	app.Get("/test", func(c fiber.Ctx) error {
		return c.SendStatus(200)
	})

	tokenStr, err := NewAccessToken(newTestUserID(), secret, -1*time.Second, testIssuer)
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
	}

	code := readErrorCode(t, resp)
	if code != string(apierrors.TokenExpired) {
		t.Errorf("error code = %q, want %q", code, apierrors.TokenExpired)
	}
}

func TestRequireAuthValid(t *testing.T) {
	t.Parallel()
	app := fiber.New()
	secret := "test-secret"
	userID := newTestUserID()

	app.Use(RequireAuth(secret, testIssuer))
	app.Get("/test", func(c fiber.Ctx) error {
		got, ok := c.Locals("userID").(id.ID)
		if !ok {
			return c.Status(500).SendString("userID not found in locals")
		}
		return c.SendString(got.String())
	})

	tokenStr, err := NewAccessToken(userID, secret, 15*time.Minute, testIssuer)
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}

	bodyBytes, _ := io.ReadAll(resp.Body)
	if string(bodyBytes) != userID.String() {
		t.Errorf("body = %q, want %q", string(bodyBytes), userID.String())
	}
}

func TestRequireAuthWrongSignature(t *testing.T) {
	t.Parallel()
	app := fiber.New()
	app.Use(RequireAuth("correct-secret", testIssuer))
	app.Get("/test", func(c fiber.Ctx) error {
		return c.SendStatus(200)
	})

	tokenStr, _ := NewAccessToken(newTestUserID(), "wrong-secret", 15*time.Minute, testIssuer)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
	}
}

func readErrorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		t.Fatalf("unmarshal body %q: %v", string(bodyBytes), err)
	}
	return body.Error.Code
}
