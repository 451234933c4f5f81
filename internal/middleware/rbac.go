package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-exam-api/internal/utils"
)

// Roles carried in the token's role claim.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

// roleSet is the set of roles admitted by a guard. An empty set admits every role.
type roleSet map[string]struct{}

func newRoleSet(roles ...string) roleSet {
	set := make(roleSet, len(roles))
	for _, role := range roles {
		if normalized := normalizeRole(role); normalized != "" {
			set[normalized] = struct{}{}
		}
	}
	return set
}

func (s roleSet) admits(role string) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[role]
	return ok
}

type accessGuard struct {
	roles       roleSet
	requireUser bool
}

// authorize writes the rejection response and reports false when the caller may not proceed.
func (g accessGuard) authorize(c *fiber.Ctx) (bool, error) {
	if c.Locals(LocalUserID) == nil {
		if g.requireUser || len(g.roles) > 0 {
			return false, utils.SendErrorCode(c, fiber.StatusUnauthorized, "unauthenticated", "authentication required")
		}
		return true, nil
	}
	if !g.roles.admits(callerRole(c)) {
		return false, utils.SendErrorCode(c, fiber.StatusForbidden, "forbidden", "insufficient permissions")
	}
	return true, nil
}

// RequireRole ensures that the authenticated user possesses one of the allowed roles.
func RequireRole(roles ...string) fiber.Handler {
	guard := accessGuard{roles: newRoleSet(roles...), requireUser: true}

	return func(c *fiber.Ctx) error {
		if ok, err := guard.authorize(c); !ok {
			return err
		}
		return c.Next()
	}
}

// IsStaff reports whether the role may act on submissions it does not own.
func IsStaff(role string) bool {
	switch normalizeRole(role) {
	case RoleTeacher, RoleAdmin:
		return true
	default:
		return false
	}
}

func callerRole(c *fiber.Ctx) string {
	role, _ := c.Locals(LocalUserRole).(string)
	return normalizeRole(role)
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
