package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/gema-exam-api/internal/config"
	"github.com/noah-isme/gema-exam-api/internal/database"
	"github.com/noah-isme/gema-exam-api/internal/handler"
	"github.com/noah-isme/gema-exam-api/internal/middleware"
	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/repository"
	"github.com/noah-isme/gema-exam-api/internal/router"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/pkg/storage"
)

const apiCourseID uint = 12

type memoryStore struct{}

func (memoryStore) PresignGet(ctx context.Context, path string, ttl time.Duration) (string, error) {
	return "https://cdn.example.com/" + path, nil
}

func (memoryStore) PresignPut(ctx context.Context, path, contentType string, ttl time.Duration) (string, error) {
	return "https://upload.example.com/" + path, nil
}

func (memoryStore) UploadBytes(ctx context.Context, path, contentType string, data []byte) (storage.Object, error) {
	return storage.Object{Path: path, URL: "https://cdn.example.com/" + path, Size: int64(len(data)), Checksum: storage.Checksum(data)}, nil
}

type apiHarness struct {
	app  *fiber.App
	db   *gorm.DB
	exam models.Exam
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func newAPIHarness(t *testing.T, examCfg config.ExamConfig, redisClient *redis.Client) *apiHarness {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:api_%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	log := zerolog.New(io.Discard)
	validate := validator.New()
	events := service.NopEventPublisher()

	exams := repository.NewExamRepository(db)
	sessions := repository.NewSessionRepository(db)
	submissions := repository.NewSubmissionRepository(db)
	images := repository.NewImageRepository(db)
	reviews := repository.NewOcrReviewRepository(db)

	app := fiber.New()
	middleware.Register(app, middleware.Config{Logger: &log})
	router.Register(app, config.Config{AppName: "gema-exam-test"}, router.Dependencies{
		ExamSessionHandler: handler.NewExamSessionHandler(
			service.NewExamSessionService(exams, sessions, submissions, images, redisClient, events, examCfg, validate, log), log),
		SubmissionHandler: handler.NewSubmissionHandler(
			service.NewSubmissionService(exams, sessions, submissions, images, memoryStore{}, events, examCfg, log), nil, log),
		OcrReviewHandler: handler.NewOcrReviewHandler(
			service.NewOcrReviewService(exams, sessions, submissions, images, reviews, memoryStore{}, time.Minute, events, validate, log), log),
		TeacherReviewHandler: handler.NewTeacherReviewHandler(
			service.NewTeacherReviewService(exams, sessions, submissions, events, validate, log), log),
		HealthProbes: map[string]handler.Probe{
			"database": func(ctx context.Context) error { return sqlDB.PingContext(ctx) },
		},
		JWTMiddleware: func(c *fiber.Ctx) error {
			var userID uint
			if _, err := fmt.Sscanf(c.Get("X-Test-User"), "%d", &userID); err == nil {
				c.Locals(middleware.LocalUserID, userID)
			}
			c.Locals(middleware.LocalUserRole, c.Get("X-Test-Role"))
			return c.Next()
		},
	})

	now := time.Now().UTC()
	duration := 45
	exam := models.Exam{
		CourseID:        apiCourseID,
		Title:           "Optics control work",
		Kind:            models.ExamKindControl,
		Status:          models.ExamStatusPublished,
		StartTime:       now.Add(-time.Hour),
		EndTime:         now.Add(2 * time.Hour),
		DurationMinutes: &duration,
		MaxAttempts:     1,
		Settings:        datatypes.NewJSONType(models.ExamSettings{}),
	}
	require.NoError(t, db.Create(&exam).Error)
	taskType := models.TaskType{CourseID: apiCourseID, ExamID: exam.ID, Title: "Lens equation", OrderIndex: 1, MaxScore: 10}
	require.NoError(t, db.Create(&taskType).Error)
	require.NoError(t, db.Create(&models.TaskVariant{CourseID: apiCourseID, TaskTypeID: taskType.ID, Content: "f = 20cm, d = 30cm"}).Error)

	return &apiHarness{app: app, db: db, exam: exam}
}

func (h *apiHarness) do(t *testing.T, method, path string, userID uint, role string, body io.Reader, contentType string) (*http.Response, envelope) {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if userID > 0 {
		req.Header.Set("X-Test-User", fmt.Sprintf("%d", userID))
	}
	req.Header.Set("X-Test-Role", role)

	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &payload))
	}
	return resp, payload
}

func (h *apiHarness) coursePath(format string, args ...interface{}) string {
	return fmt.Sprintf("/api/v1/courses/%d", apiCourseID) + fmt.Sprintf(format, args...)
}

func (h *apiHarness) enter(t *testing.T, studentID uint) uint {
	t.Helper()
	resp, payload := h.do(t, http.MethodPost, h.coursePath("/exams/%d/enter", h.exam.ID), studentID, "student", nil, "")
	require.Contains(t, []int{fiber.StatusCreated, fiber.StatusOK}, resp.StatusCode, payload.Message)

	var data struct {
		Session struct {
			ID uint `json:"id"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(payload.Data, &data))
	return data.Session.ID
}

func pngUpload(t *testing.T) (io.Reader, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "page-1.png")
	require.NoError(t, err)
	_, err = part.Write(append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0}, 64)...))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestEnterExamCreatesThenResumesSession(t *testing.T) {
	h := newAPIHarness(t, config.ExamConfig{MaxConcurrentExams: 10}, nil)

	resp, payload := h.do(t, http.MethodPost, h.coursePath("/exams/%d/enter", h.exam.ID), 7, "student", nil, "")
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	require.True(t, payload.Success)
	require.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))

	resp, payload = h.do(t, http.MethodPost, h.coursePath("/exams/%d/enter", h.exam.ID), 7, "student", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "exam session resumed", payload.Message)
}

func TestEnterExamMapsServiceErrors(t *testing.T) {
	h := newAPIHarness(t, config.ExamConfig{MaxConcurrentExams: 1}, nil)

	resp, payload := h.do(t, http.MethodPost, h.coursePath("/exams/%d/enter", 9999), 7, "student", nil, "")
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	require.Equal(t, service.ErrExamNotFound.Code, payload.Code)

	resp, payload = h.do(t, http.MethodPost, h.coursePath("/exams/abc/enter"), 7, "student", nil, "")
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.Equal(t, service.ErrInvalidRequest.Code, payload.Code)

	resp, _ = h.do(t, http.MethodPost, h.coursePath("/exams/%d/enter", h.exam.ID), 7, "teacher", nil, "")
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	h.enter(t, 7)
	resp, payload = h.do(t, http.MethodPost, h.coursePath("/exams/%d/enter", h.exam.ID), 8, "student", nil, "")
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, service.ErrCapacityExceeded.Code, payload.Code)
	require.Equal(t, "5", resp.Header.Get(fiber.HeaderRetryAfter))
}

func TestSessionRoutesRejectOtherStudents(t *testing.T) {
	h := newAPIHarness(t, config.ExamConfig{MaxConcurrentExams: 10}, nil)
	sessionID := h.enter(t, 7)

	resp, payload := h.do(t, http.MethodGet, h.coursePath("/sessions/%d/variant", sessionID), 8, "student", nil, "")
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	require.Equal(t, service.ErrForbidden.Code, payload.Code)

	resp, payload = h.do(t, http.MethodGet, h.coursePath("/sessions/%d/variant", sessionID), 7, "student", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var variant struct {
		Tasks []struct {
			Content string `json:"content"`
		} `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(payload.Data, &variant))
	require.Len(t, variant.Tasks, 1)
	require.Equal(t, "f = 20cm, d = 30cm", variant.Tasks[0].Content)
}

func TestAutoSaveIsRateLimited(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	h := newAPIHarness(t, config.ExamConfig{MaxConcurrentExams: 10, AutoSaveInterval: 10 * time.Second}, redisClient)
	sessionID := h.enter(t, 7)

	draft := `{"data":{"answers":{"1":"1/f = 1/d + 1/d'"}}}`
	resp, _ := h.do(t, http.MethodPost, h.coursePath("/sessions/%d/autosave", sessionID), 7, "student", strings.NewReader(draft), fiber.MIMEApplicationJSON)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, payload := h.do(t, http.MethodPost, h.coursePath("/sessions/%d/autosave", sessionID), 7, "student", strings.NewReader(draft), fiber.MIMEApplicationJSON)
	require.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, service.ErrAutoSaveRateLimited.Code, payload.Code)
}

func TestUploadSubmitAndGradingStatus(t *testing.T) {
	h := newAPIHarness(t, config.ExamConfig{MaxConcurrentExams: 10}, nil)
	sessionID := h.enter(t, 7)

	body, contentType := pngUpload(t)
	resp, payload := h.do(t, http.MethodPost, h.coursePath("/sessions/%d/images", sessionID), 7, "student", body, contentType)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, payload.Message)

	resp, payload = h.do(t, http.MethodPost, h.coursePath("/sessions/%d/submit", sessionID), 7, "student", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode, payload.Message)

	var submitted struct {
		Submission struct {
			ID     uint   `json:"id"`
			Status string `json:"status"`
		} `json:"submission"`
	}
	require.NoError(t, json.Unmarshal(payload.Data, &submitted))
	require.Equal(t, string(models.SubmissionStatusUploaded), submitted.Submission.Status)

	resp, payload = h.do(t, http.MethodGet, h.coursePath("/submissions/%d/status", submitted.Submission.ID), 90, "teacher", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var status struct {
		OcrOverallStatus string `json:"ocr_overall_status"`
	}
	require.NoError(t, json.Unmarshal(payload.Data, &status))
	require.Equal(t, string(models.OcrOverallPending), status.OcrOverallStatus)

	resp, payload = h.do(t, http.MethodPost, h.coursePath("/teacher/submissions/%d/approve", submitted.Submission.ID), 90, "teacher", nil, "")
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)
	require.Equal(t, service.ErrTransitionNotAllowed.Code, payload.Code)

	resp, _ = h.do(t, http.MethodPost, h.coursePath("/teacher/submissions/%d/approve", submitted.Submission.ID), 7, "student", nil, "")
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, payload = h.do(t, http.MethodGet, h.coursePath("/submissions/%d/ocr/pages", submitted.Submission.ID), 7, "student", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode, payload.Message)
}

func TestUploadWithoutFileIsBadRequest(t *testing.T) {
	h := newAPIHarness(t, config.ExamConfig{MaxConcurrentExams: 10}, nil)
	sessionID := h.enter(t, 7)

	resp, payload := h.do(t, http.MethodPost, h.coursePath("/sessions/%d/images", sessionID), 7, "student", strings.NewReader("{}"), fiber.MIMEApplicationJSON)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "file is required", payload.Message)
}

func TestOcrReviewRejectsMalformedBody(t *testing.T) {
	h := newAPIHarness(t, config.ExamConfig{MaxConcurrentExams: 10}, nil)

	resp, payload := h.do(t, http.MethodPut, h.coursePath("/submissions/1/ocr/pages/1"), 7, "student", strings.NewReader("{"), fiber.MIMEApplicationJSON)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.Equal(t, service.ErrInvalidRequest.Code, payload.Code)
}

func TestOverrideRequiresScore(t *testing.T) {
	h := newAPIHarness(t, config.ExamConfig{MaxConcurrentExams: 10}, nil)

	resp, payload := h.do(t, http.MethodPost, h.coursePath("/teacher/submissions/1/override"), 90, "teacher", strings.NewReader(`{"comments":"see margin"}`), fiber.MIMEApplicationJSON)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.Equal(t, service.ErrInvalidRequest.Code, payload.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newAPIHarness(t, config.ExamConfig{}, nil)

	resp, payload := h.do(t, http.MethodGet, "/api/v1/health", 0, "", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "gema-exam-test", resp.Header.Get("X-Application"))

	var health handler.HealthResponse
	require.NoError(t, json.Unmarshal(payload.Data, &health))
	require.Equal(t, "ok", health.Dependencies["database"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metrics, err := h.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, metrics.StatusCode)
}
