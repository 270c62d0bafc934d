package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"pulse-backend/internal/engine"
)

// Middleware returns a Fiber middleware that validates JWT tokens and sets
// the UserContext on the request.
func Middleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return engine.UnauthorizedError("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		claims, err := ParseAccessToken(parts[1], secret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}

		c.Locals("user", &engine.UserContext{
			ID:       claims.Subject,
			TenantID: claims.TenantID,
			Roles:    claims.Roles,
		})

		return c.Next()
	}
}
