package middleware

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-exam-api/internal/utils"
)

// Locals keys populated by JWTProtected.
const (
	LocalUserID   = "user_id"
	LocalUserRole = "user_role"
)

const tokenLeeway = 30 * time.Second

var (
	errMissingAuthorization = errors.New("authorization header missing")
	errNotBearer            = errors.New("authorization header must use the Bearer scheme")
	errInvalidToken         = errors.New("invalid token")
	errMissingSubject       = errors.New("token has no subject")
)

// Identity is the caller resolved from a bearer token. Role is empty when the token carries
// none of the platform roles.
type Identity struct {
	UserID uint
	Role   string
}

type tokenVerifier struct {
	parser *jwt.Parser
	key    []byte
}

func newTokenVerifier(secret string) tokenVerifier {
	return tokenVerifier{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{
				jwt.SigningMethodHS256.Alg(),
				jwt.SigningMethodHS384.Alg(),
				jwt.SigningMethodHS512.Alg(),
			}),
			jwt.WithLeeway(tokenLeeway),
		),
		key: []byte(secret),
	}
}

func (v tokenVerifier) identify(authorization string) (Identity, error) {
	raw, err := bearerToken(authorization)
	if err != nil {
		return Identity{}, err
	}

	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, errInvalidToken
	}

	userID, ok := subjectFromClaims(claims)
	if !ok {
		return Identity{}, errMissingSubject
	}
	return Identity{UserID: userID, Role: roleFromClaims(claims)}, nil
}

// JWTProtected validates HMAC-signed bearer tokens and stores the caller in the request
// locals under LocalUserID and LocalUserRole.
func JWTProtected(secret string) fiber.Handler {
	verifier := newTokenVerifier(secret)

	return func(c *fiber.Ctx) error {
		identity, err := verifier.identify(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return utils.SendErrorCode(c, fiber.StatusUnauthorized, "unauthenticated", err.Error())
		}

		c.Locals(LocalUserID, identity.UserID)
		if identity.Role != "" {
			c.Locals(LocalUserRole, identity.Role)
		}
		return c.Next()
	}
}

func bearerToken(authorization string) (string, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return "", errMissingAuthorization
	}
	scheme, token, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", errNotBearer
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errInvalidToken
	}
	return token, nil
}

// subjectFromClaims prefers the registered sub claim and falls back to user_id.
func subjectFromClaims(claims jwt.MapClaims) (uint, bool) {
	for _, key := range []string{"sub", "user_id"} {
		value, ok := claims[key]
		if !ok {
			continue
		}
		if id, err := parseSubject(value); err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}

func parseSubject(value interface{}) (uint, error) {
	switch v := value.(type) {
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, errMissingSubject
		}
		return uint(v), nil
	case int:
		if v < 0 {
			return 0, errMissingSubject
		}
		return uint(v), nil
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, errMissingSubject
		}
		return uint(parsed), nil
	default:
		return 0, errMissingSubject
	}
}

// roleFromClaims reads role, or the first known entry of roles.
func roleFromClaims(claims jwt.MapClaims) string {
	candidates := make([]string, 0, 2)
	if role, ok := claims["role"].(string); ok {
		candidates = append(candidates, role)
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, item := range roles {
			if role, ok := item.(string); ok {
				candidates = append(candidates, role)
			}
		}
	}

	for _, candidate := range candidates {
		switch role := strings.ToLower(strings.TrimSpace(candidate)); role {
		case RoleStudent, RoleTeacher, RoleAdmin:
			return role
		}
	}
	return ""
}
