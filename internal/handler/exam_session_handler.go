package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/middleware"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/internal/utils"
)

// ExamSessionHandler exposes admission, variant retrieval and auto-save.
type ExamSessionHandler struct {
	service service.ExamSessionService
	logger  zerolog.Logger
}

// NewExamSessionHandler builds an exam session handler instance.
func NewExamSessionHandler(service service.ExamSessionService, logger zerolog.Logger) *ExamSessionHandler {
	return &ExamSessionHandler{
		service: service,
		logger:  logger.With().Str("component", "exam_session_handler").Logger(),
	}
}

// Register attaches the routes to a course-scoped router group.
func (h *ExamSessionHandler) Register(router fiber.Router) {
	student := middleware.RequireRole(middleware.RoleStudent)
	router.Post("/exams/:exam/enter", student, h.enter)
	router.Get("/sessions/:session/variant", student, h.variant)
	router.Post("/sessions/:session/autosave", student, h.autoSave)
}

func (h *ExamSessionHandler) enter(c *fiber.Ctx) error {
	ids, err := pathIDs(c, "course", "exam")
	if err != nil {
		return badRequest(c, err.Error())
	}

	resp, err := h.service.EnterExam(c.UserContext(), ids[0], ids[1], userIDFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	if resp.Created {
		return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "exam session started", resp)
	}
	return utils.SendSuccess(c, "exam session resumed", resp)
}

func (h *ExamSessionHandler) variant(c *fiber.Ctx) error {
	ids, err := pathIDs(c, "course", "session")
	if err != nil {
		return badRequest(c, err.Error())
	}

	resp, err := h.service.GetSessionVariant(c.UserContext(), ids[0], ids[1], userIDFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "session variant retrieved", resp)
}

func (h *ExamSessionHandler) autoSave(c *fiber.Ctx) error {
	ids, err := pathIDs(c, "course", "session")
	if err != nil {
		return badRequest(c, err.Error())
	}

	var payload dto.AutoSaveRequest
	if err := c.BodyParser(&payload); err != nil {
		return badRequest(c, "invalid request body")
	}

	resp, err := h.service.AutoSave(c.UserContext(), ids[0], ids[1], userIDFromContext(c), payload)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "draft saved", resp)
}
