package ratelimit

import (
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/nexus-chat/nexus-server/internal/apierrors"
	"github.com/nexus-chat/nexus-server/internal/httputil"
	"github.com/nexus-chat/nexus-server/internal/id"
)

// Middleware returns Fiber middleware enforcing class's bucket for every
// request. Identity is the authenticated userID from c.Locals when
// RequireAuth has already run, falling back to "ip:route" for
// unauthenticated routes (spec.md §4.8).
func Middleware(limiter *Limiter, class Class) fiber.Handler {
	return func(c fiber.Ctx) error {
		identity := c.IP() + ":" + c.Path()
		if userID, ok := c.Locals("userID").(id.ID); ok && userID != id.Nil {
			identity = userID.String()
		}

		decision, err := limiter.Allow(c, class, identity)
		if err != nil {
			l := limiter.log
			l.Warn().Err(err).Str("class", string(class)).Msg("rate limit check failed, allowing request")
			return c.Next()
		}
		if !decision.Allowed {
			c.Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
			return httputil.Fail(c, fiber.StatusTooManyRequests, apierrors.RateLimited, "Too many requests")
		}
		return c.Next()
	}
}
