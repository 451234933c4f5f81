package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/middleware"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/internal/utils"
)

// SubmissionHandler manages page uploads, submit and grading status endpoints.
type SubmissionHandler struct {
	service     service.SubmissionService
	uploadLimit fiber.Handler
	logger      zerolog.Logger
}

// NewSubmissionHandler builds a submission handler instance. uploadLimit guards the upload
// route and may be nil.
func NewSubmissionHandler(service service.SubmissionService, uploadLimit fiber.Handler, logger zerolog.Logger) *SubmissionHandler {
	if uploadLimit == nil {
		uploadLimit = func(c *fiber.Ctx) error { return c.Next() }
	}
	return &SubmissionHandler{
		service:     service,
		uploadLimit: uploadLimit,
		logger:      logger.With().Str("component", "submission_handler").Logger(),
	}
}

// Register attaches the routes to a course-scoped router group.
func (h *SubmissionHandler) Register(router fiber.Router) {
	student := middleware.RequireRole(middleware.RoleStudent)
	router.Post("/sessions/:session/images", student, h.uploadLimit, h.upload)
	router.Post("/sessions/:session/submit", student, h.submit)
	router.Get("/sessions/:session/result", student, h.result)
	router.Get("/submissions/:submission/status", middleware.WithAuth(h.status, middleware.AuthOptions{RequireUser: true}))
}

func (h *SubmissionHandler) upload(c *fiber.Ctx) error {
	ids, err := pathIDs(c, "course", "session")
	if err != nil {
		return badRequest(c, err.Error())
	}

	file, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "file is required")
	}

	resp, err := h.service.UploadImage(c.UserContext(), ids[0], ids[1], userIDFromContext(c), file)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "page uploaded", resp)
}

func (h *SubmissionHandler) submit(c *fiber.Ctx) error {
	ids, err := pathIDs(c, "course", "session")
	if err != nil {
		return badRequest(c, err.Error())
	}

	resp, err := h.service.SubmitExam(c.UserContext(), ids[0], ids[1], userIDFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "exam submitted", resp)
}

func (h *SubmissionHandler) result(c *fiber.Ctx) error {
	ids, err := pathIDs(c, "course", "session")
	if err != nil {
		return badRequest(c, err.Error())
	}

	resp, err := h.service.GetSessionResult(c.UserContext(), ids[0], ids[1], userIDFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "session result retrieved", resp)
}

func (h *SubmissionHandler) status(c *fiber.Ctx) error {
	ids, err := pathIDs(c, "course", "submission")
	if err != nil {
		return badRequest(c, err.Error())
	}

	staff := middleware.IsStaff(userRoleFromContext(c))
	resp, err := h.service.GradingStatus(c.UserContext(), ids[0], ids[1], userIDFromContext(c), staff)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "grading status retrieved", resp)
}
