package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestCorrelationID(t *testing.T) {
	app := fiber.New()
	app.Use(CorrelationID())
	app.Get("/", func(c *fiber.Ctx) error {
		require.Equal(t, GetCorrelationID(c), CorrelationIDFromContext(c.UserContext()))
		return c.SendStatus(fiber.StatusNoContent)
	})

	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"propagates client id", map[string]string{"X-Correlation-ID": "exam-upload-17"}, "exam-upload-17"},
		{"falls back to request id", map[string]string{"X-Request-ID": "req-9"}, "req-9"},
		{"prefers correlation header", map[string]string{"X-Correlation-ID": "a", "X-Request-ID": "b"}, "a"},
		{"replaces oversized id", map[string]string{"X-Correlation-ID": strings.Repeat("x", 200)}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)

			got := resp.Header.Get("X-Correlation-ID")
			if tc.want == "" {
				require.Len(t, got, 36)
				return
			}
			require.Equal(t, tc.want, got)
		})
	}
}

func TestFirstUsableIDSkipsControlCharacters(t *testing.T) {
	require.Equal(t, "ok", firstUsableID("bad\x01id", "", "ok"))
	require.Empty(t, firstUsableID("\t\x7f"))
}

func TestContextWithCorrelationIgnoresBlank(t *testing.T) {
	ctx := ContextWithCorrelation(context.Background(), "  ")
	require.Empty(t, CorrelationIDFromContext(ctx))

	ctx = ContextWithCorrelation(context.Background(), " job-4 ")
	require.Equal(t, "job-4", CorrelationIDFromContext(ctx))
}
