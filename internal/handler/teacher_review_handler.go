package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/middleware"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/internal/utils"
)

// TeacherReviewHandler exposes the grading decisions.
type TeacherReviewHandler struct {
	service service.TeacherReviewService
	logger  zerolog.Logger
}

// NewTeacherReviewHandler builds a teacher review handler instance.
func NewTeacherReviewHandler(service service.TeacherReviewService, logger zerolog.Logger) *TeacherReviewHandler {
	return &TeacherReviewHandler{
		service: service,
		logger:  logger.With().Str("component", "teacher_review_handler").Logger(),
	}
}

// Register attaches the routes to a course-scoped router group.
func (h *TeacherReviewHandler) Register(router fiber.Router) {
	staff := middleware.AuthOptions{Role: middleware.AuthRoleStaff}
	router.Post("/teacher/submissions/:submission/approve", middleware.WithAuth(h.approve, staff))
	router.Post("/teacher/submissions/:submission/override", middleware.WithAuth(h.override, staff))
	router.Post("/teacher/submissions/:submission/regrade", middleware.WithAuth(h.regrade, staff))
}

func (h *TeacherReviewHandler) approve(c *fiber.Ctx) error {
	ids, err := pathIDs(c, "course", "submission")
	if err != nil {
		return badRequest(c, err.Error())
	}

	var payload dto.ApproveSubmissionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	resp, err := h.service.ApproveSubmission(c.UserContext(), ids[0], ids[1], userIDFromContext(c), payload)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "submission approved", resp)
}

func (h *TeacherReviewHandler) override(c *fiber.Ctx) error {
	ids, err := pathIDs(c, "course", "submission")
	if err != nil {
		return badRequest(c, err.Error())
	}

	var payload dto.OverrideScoreRequest
	if err := c.BodyParser(&payload); err != nil {
		return badRequest(c, "invalid request body")
	}

	resp, err := h.service.OverrideScore(c.UserContext(), ids[0], ids[1], userIDFromContext(c), payload)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "score overridden", resp)
}

func (h *TeacherReviewHandler) regrade(c *fiber.Ctx) error {
	ids, err := pathIDs(c, "course", "submission")
	if err != nil {
		return badRequest(c, err.Error())
	}

	resp, err := h.service.RegradeSubmission(c.UserContext(), ids[0], ids[1], userIDFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "regrade queued", resp)
}
