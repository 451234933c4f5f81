package handler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/middleware"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/internal/utils"
)

// retryAfterSeconds is advertised with capacity rejections.
const retryAfterSeconds = "5"

func parseUintParam(c *fiber.Ctx, name string) (uint, error) {
	value := strings.TrimSpace(c.Params(name))
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil || parsed == 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return uint(parsed), nil
}

// pathIDs parses the named path parameters in order.
func pathIDs(c *fiber.Ctx, names ...string) ([]uint, error) {
	ids := make([]uint, 0, len(names))
	for _, name := range names {
		id, err := parseUintParam(c, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func userIDFromContext(c *fiber.Ctx) uint {
	switch id := c.Locals(middleware.LocalUserID).(type) {
	case uint:
		return id
	case int:
		if id > 0 {
			return uint(id)
		}
	}
	return 0
}

func userRoleFromContext(c *fiber.Ctx) string {
	if role, ok := c.Locals(middleware.LocalUserRole).(string); ok {
		return role
	}
	return ""
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func badRequest(c *fiber.Ctx, message string) error {
	return utils.SendErrorCode(c, fiber.StatusBadRequest, service.ErrInvalidRequest.Code, message)
}

// statusFor maps a service error to its HTTP status.
func statusFor(err *service.Error) int {
	switch err.Kind {
	case service.KindValidation:
		if err.Code == service.ErrInvalidRequest.Code {
			return fiber.StatusBadRequest
		}
		if err.Code == service.ErrUploadTooLarge.Code {
			return fiber.StatusRequestEntityTooLarge
		}
		return fiber.StatusUnprocessableEntity
	case service.KindPolicy:
		switch err.Code {
		case service.ErrCapacityExceeded.Code:
			return fiber.StatusServiceUnavailable
		case service.ErrForbidden.Code:
			return fiber.StatusForbidden
		case service.ErrAutoSaveRateLimited.Code:
			return fiber.StatusTooManyRequests
		}
		return fiber.StatusBadRequest
	case service.KindNotFound:
		return fiber.StatusNotFound
	case service.KindConflict:
		return fiber.StatusConflict
	case service.KindDependency:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// sendServiceError writes the error envelope. Internal and dependency causes are logged and
// replaced by the sentinel message.
func sendServiceError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	var serviceErr *service.Error
	if !errors.As(err, &serviceErr) {
		requestLogger(logger, c).Error().Err(err).Msg("unclassified error")
		return utils.SendErrorCode(c, fiber.StatusInternalServerError, service.ErrInternal.Code, service.ErrInternal.Message)
	}

	status := statusFor(serviceErr)
	message := serviceErr.Message
	switch serviceErr.Kind {
	case service.KindInternal:
		requestLogger(logger, c).Error().Err(err).Str("code", serviceErr.Code).Msg("internal server error")
		message = service.ErrInternal.Message
	case service.KindDependency:
		requestLogger(logger, c).Warn().Err(err).Str("code", serviceErr.Code).Msg("dependency failure")
	}
	if serviceErr.Retryable {
		c.Set(fiber.HeaderRetryAfter, retryAfterSeconds)
	}
	return utils.SendErrorCode(c, status, serviceErr.Code, message)
}
