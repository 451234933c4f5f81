package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func newJWTApp() *fiber.App {
	app := fiber.New()
	app.Use(JWTProtected("exam-secret"))
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"user_id": c.Locals(LocalUserID),
			"role":    c.Locals(LocalUserRole),
		})
	})
	return app
}

func TestJWTProtectedStoresSubjectAndRole(t *testing.T) {
	token := signToken(t, "exam-secret", jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "42",
		"roles": []interface{}{" Student "},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer "+token)
	resp, err := newJWTApp().Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		UserID uint   `json:"user_id"`
		Role   string `json:"role"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, uint(42), body.UserID)
	require.Equal(t, RoleStudent, body.Role)
}

func TestJWTProtectedRejectsBadTokens(t *testing.T) {
	cases := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc",
		"wrong secret": "Bearer " + signToken(t, "other", jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": 1, "exp": time.Now().Add(time.Hour).Unix(),
		}),
		"expired": "Bearer " + signToken(t, "exam-secret", jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": 1, "exp": time.Now().Add(-time.Hour).Unix(),
		}),
		"no subject": "Bearer " + signToken(t, "exam-secret", jwt.SigningMethodHS512, jwt.MapClaims{
			"role": "student", "exp": time.Now().Add(time.Hour).Unix(),
		}),
	}

	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			resp, err := newJWTApp().Test(req, -1)
			require.NoError(t, err)
			require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestParseSubject(t *testing.T) {
	id, err := parseSubject(float64(7))
	require.NoError(t, err)
	require.Equal(t, uint(7), id)

	id, err = parseSubject(" 19 ")
	require.NoError(t, err)
	require.Equal(t, uint(19), id)

	for _, bad := range []interface{}{-1, 2.5, "abc", true, nil} {
		_, err = parseSubject(bad)
		require.Error(t, err, "%v", bad)
	}
}

func TestRoleFromClaimsIgnoresUnknownRoles(t *testing.T) {
	require.Equal(t, RoleTeacher, roleFromClaims(jwt.MapClaims{"role": "owner", "roles": []interface{}{"guest", " Teacher "}}))
	require.Equal(t, "", roleFromClaims(jwt.MapClaims{"role": "superuser"}))
	require.Equal(t, RoleStudent, roleFromClaims(jwt.MapClaims{"role": "STUDENT"}))
}

func TestBearerToken(t *testing.T) {
	token, err := bearerToken("bearer  abc.def ")
	require.NoError(t, err)
	require.Equal(t, "abc.def", token)

	_, err = bearerToken("Token abc")
	require.ErrorIs(t, err, errNotBearer)

	_, err = bearerToken("Bearer ")
	require.Error(t, err)
}
