package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestRateLimitIsPerUser(t *testing.T) {
	var current uint = 1
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(LocalUserID, current)
		return c.Next()
	})
	app.Use(RateLimit("upload", 1, time.Minute))
	app.Post("/", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusCreated)
	})

	send := func() int {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/", nil), -1)
		require.NoError(t, err)
		return resp.StatusCode
	}

	require.Equal(t, fiber.StatusCreated, send())
	require.Equal(t, fiber.StatusTooManyRequests, send())

	current = 2
	require.Equal(t, fiber.StatusCreated, send())
}

func TestRateLimitKey(t *testing.T) {
	app := fiber.New()
	key := rateLimitKey("uploads")
	app.Get("/anon", func(c *fiber.Ctx) error {
		return c.SendString(key(c))
	})
	app.Get("/user", func(c *fiber.Ctx) error {
		c.Locals(LocalUserID, uint(7))
		return c.SendString(key(c))
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/user", nil), -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "uploads:user:7", string(body))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/anon", nil), -1)
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "uploads:ip:")
}
