package engine

import "github.com/gofiber/fiber/v2"

// UserContext identifies the authenticated caller. Set on the request by the
// auth middleware.
type UserContext struct {
	ID       string
	TenantID string
	Roles    []string
}

func (u *UserContext) IsAdmin() bool {
	for _, r := range u.Roles {
		if r == "admin" {
			return true
		}
	}
	return false
}

func getUser(c *fiber.Ctx) *UserContext {
	user, _ := c.Locals("user").(*UserContext)
	return user
}
