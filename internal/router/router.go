package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-exam-api/internal/config"
	"github.com/noah-isme/gema-exam-api/internal/handler"
	"github.com/noah-isme/gema-exam-api/internal/observability"
	"github.com/noah-isme/gema-exam-api/internal/utils"
)

// Dependencies groups router dependencies for registration. Nil handlers leave their
// routes unregistered.
type Dependencies struct {
	ExamSessionHandler   *handler.ExamSessionHandler
	SubmissionHandler    *handler.SubmissionHandler
	OcrReviewHandler     *handler.OcrReviewHandler
	TeacherReviewHandler *handler.TeacherReviewHandler
	HealthProbes         map[string]handler.Probe
	JWTMiddleware        fiber.Handler
}

type registrar interface {
	Register(fiber.Router)
}

func (d Dependencies) courseRoutes() []registrar {
	var out []registrar
	if d.ExamSessionHandler != nil {
		out = append(out, d.ExamSessionHandler)
	}
	if d.SubmissionHandler != nil {
		out = append(out, d.SubmissionHandler)
	}
	if d.OcrReviewHandler != nil {
		out = append(out, d.OcrReviewHandler)
	}
	if d.TeacherReviewHandler != nil {
		out = append(out, d.TeacherReviewHandler)
	}
	return out
}

// Register mounts /metrics, the public health probe and the course-scoped exam routes
// under /api/v1. Every course route sits behind the JWT middleware.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	observability.Mount(app)

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes))

	auth := deps.JWTMiddleware
	if auth == nil {
		auth = func(c *fiber.Ctx) error { return c.Next() }
	}
	courses := api.Group("/courses/:course", auth)
	for _, routes := range deps.courseRoutes() {
		routes.Register(courses)
	}

	api.Use(func(c *fiber.Ctx) error {
		return utils.SendErrorCode(c, fiber.StatusNotFound, "route_not_found", "no route for "+c.Method()+" "+c.Path())
	})
}
