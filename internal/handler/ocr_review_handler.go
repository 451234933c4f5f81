package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/middleware"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/internal/utils"
)

// OcrReviewHandler serves the student's review of recognised pages.
type OcrReviewHandler struct {
	service service.OcrReviewService
	logger  zerolog.Logger
}

// NewOcrReviewHandler builds an OCR review handler instance.
func NewOcrReviewHandler(service service.OcrReviewService, logger zerolog.Logger) *OcrReviewHandler {
	return &OcrReviewHandler{
		service: service,
		logger:  logger.With().Str("component", "ocr_review_handler").Logger(),
	}
}

// Register attaches the routes to a course-scoped router group.
func (h *OcrReviewHandler) Register(router fiber.Router) {
	student := middleware.RequireRole(middleware.RoleStudent)
	router.Get("/submissions/:submission/ocr/pages", student, h.listPages)
	router.Put("/submissions/:submission/ocr/pages/:image", student, h.reviewPage)
	router.Post("/submissions/:submission/ocr/finalize", student, h.finalize)
	router.Get("/submissions/:submission/ocr/stats", student, h.stats)
}

func (h *OcrReviewHandler) listPages(c *fiber.Ctx) error {
	ids, err := pathIDs(c, "course", "submission")
	if err != nil {
		return badRequest(c, err.Error())
	}

	resp, err := h.service.ListOcrPages(c.UserContext(), ids[0], ids[1], userIDFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.OK(c, resp, "ocr pages retrieved", resp.Stats)
}

func (h *OcrReviewHandler) reviewPage(c *fiber.Ctx) error {
	ids, err := pathIDs(c, "course", "submission", "image")
	if err != nil {
		return badRequest(c, err.Error())
	}

	var payload dto.OcrPageReviewRequest
	if err := c.BodyParser(&payload); err != nil {
		return badRequest(c, "invalid request body")
	}

	resp, err := h.service.ReviewOcrPage(c.UserContext(), ids[0], ids[1], ids[2], userIDFromContext(c), payload)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "page review saved", resp)
}

func (h *OcrReviewHandler) finalize(c *fiber.Ctx) error {
	ids, err := pathIDs(c, "course", "submission")
	if err != nil {
		return badRequest(c, err.Error())
	}

	var payload dto.OcrFinalizeRequest
	if err := c.BodyParser(&payload); err != nil {
		return badRequest(c, "invalid request body")
	}

	resp, err := h.service.FinalizeOcrReview(c.UserContext(), ids[0], ids[1], userIDFromContext(c), payload)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "ocr review finalized", resp)
}

func (h *OcrReviewHandler) stats(c *fiber.Ctx) error {
	ids, err := pathIDs(c, "course", "submission")
	if err != nil {
		return badRequest(c, err.Error())
	}

	resp, err := h.service.ReviewStats(c.UserContext(), ids[0], ids[1], userIDFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "review stats retrieved", resp)
}
