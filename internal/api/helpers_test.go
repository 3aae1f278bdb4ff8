package api

import (
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"

	"github.com/nexus-chat/nexus-server/internal/id"
)

// newTestRedis spins up an in-memory Valkey double for the api package's handler tests.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// fakeAuth injects a userID local the way auth.RequireAuth would, without requiring a real JWT. A zero-value
// (id.Nil) userID simulates an unauthenticated request.
func fakeAuth(userID id.ID) fiber.Handler {
	return func(c fiber.Ctx) error {
		if userID != id.Nil {
			c.Locals("userID", userID)
		}
		return c.Next()
	}
}

// doReq sends a prebuilt request to the Fiber test server and returns the response.
func doReq(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	return resp
}
