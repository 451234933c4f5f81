package middleware

import "github.com/gofiber/fiber/v2"

// Audiences accepted by AuthOptions.Role besides the plain role names.
const (
	AuthRoleAny     = "any"
	AuthRoleStaff   = "staff"
	AuthRoleStudent = RoleStudent
)

// AuthOptions configures WithAuth.
type AuthOptions struct {
	Role        string
	RequireUser bool
}

// WithAuth guards a single handler. AuthRoleStaff admits teachers and admins; any concrete
// role implies RequireUser.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	guard := accessGuard{requireUser: opts.RequireUser}
	switch role := normalizeRole(opts.Role); role {
	case "", AuthRoleAny:
	case AuthRoleStaff:
		guard.roles = newRoleSet(RoleTeacher, RoleAdmin)
	default:
		guard.roles = newRoleSet(role)
	}

	return func(c *fiber.Ctx) error {
		if ok, err := guard.authorize(c); !ok {
			return err
		}
		return handler(c)
	}
}
