package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/internal/utils"
)

func TestStatusForServiceErrors(t *testing.T) {
	cases := []struct {
		err    *service.Error
		status int
	}{
		{service.ErrInvalidRequest, fiber.StatusBadRequest},
		{service.ErrUploadTooLarge, fiber.StatusRequestEntityTooLarge},
		{service.ErrUploadTypeNotAllowed, fiber.StatusUnprocessableEntity},
		{service.ErrStorageUnavailable, fiber.StatusBadGateway},
		{service.ErrCapacityExceeded, fiber.StatusServiceUnavailable},
		{service.ErrForbidden, fiber.StatusForbidden},
		{service.ErrAutoSaveRateLimited, fiber.StatusTooManyRequests},
		{service.ErrExamNotEnterable, fiber.StatusBadRequest},
		{service.ErrSessionNotFound, fiber.StatusNotFound},
		{service.ErrTransitionNotAllowed, fiber.StatusConflict},
		{service.ErrInternal, fiber.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.err.Code, func(t *testing.T) {
			require.Equal(t, tc.status, statusFor(tc.err))
		})
	}
}

func TestSendServiceErrorMasksUnclassifiedErrors(t *testing.T) {
	app := fiber.New()
	app.Get("/boom", func(c *fiber.Ctx) error {
		return sendServiceError(c, zerolog.New(io.Discard), errors.New("pq: connection reset"))
	})
	app.Get("/full", func(c *fiber.Ctx) error {
		return sendServiceError(c, zerolog.New(io.Discard), service.ErrCapacityExceeded)
	})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/boom", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)

	var payload utils.APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, service.ErrInternal.Code, payload.Code)
	require.NotContains(t, payload.Message, "pq:")

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/full", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, retryAfterSeconds, resp.Header.Get(fiber.HeaderRetryAfter))
}

func TestPathIDsRejectsZero(t *testing.T) {
	app := fiber.New()
	app.Get("/courses/:course/exams/:exam", func(c *fiber.Ctx) error {
		ids, err := pathIDs(c, "course", "exam")
		if err != nil {
			return badRequest(c, err.Error())
		}
		return c.JSON(ids)
	})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/courses/3/exams/0", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/courses/3/exams/8", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}
