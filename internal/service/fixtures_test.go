package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/gema-exam-api/internal/database"
	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/repository"
	"github.com/noah-isme/gema-exam-api/pkg/storage"
)

const fixtureCourseID uint = 3

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func setupServiceDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

type repos struct {
	exams       repository.ExamRepository
	sessions    repository.SessionRepository
	submissions repository.SubmissionRepository
	images      repository.ImageRepository
	reviews     repository.OcrReviewRepository
}

func newRepos(db *gorm.DB) repos {
	return repos{
		exams:       repository.NewExamRepository(db),
		sessions:    repository.NewSessionRepository(db),
		submissions: repository.NewSubmissionRepository(db),
		images:      repository.NewImageRepository(db),
		reviews:     repository.NewOcrReviewRepository(db),
	}
}

type examFixture struct {
	kind     models.ExamKind
	start    time.Time
	end      time.Time
	duration int
	attempts int
	status   models.ExamStatus
	ocr      *bool
	llm      *bool
}

func boolPtr(value bool) *bool {
	return &value
}

// seedExamWithTasks creates an exam with two task types (max 10 and 15) of three variants each.
func seedExamWithTasks(t *testing.T, db *gorm.DB, fixture examFixture) models.Exam {
	t.Helper()

	if fixture.kind == "" {
		fixture.kind = models.ExamKindControl
	}
	if fixture.status == "" {
		fixture.status = models.ExamStatusPublished
	}
	if fixture.attempts == 0 {
		fixture.attempts = 1
	}

	exam := models.Exam{
		CourseID:    fixtureCourseID,
		Title:       "Thermodynamics control work",
		Kind:        fixture.kind,
		Status:      fixture.status,
		StartTime:   fixture.start,
		EndTime:     fixture.end,
		MaxAttempts: fixture.attempts,
		Settings: datatypes.NewJSONType(models.ExamSettings{
			OCREnabled:         fixture.ocr,
			LLMPrecheckEnabled: fixture.llm,
		}),
	}
	if fixture.kind == models.ExamKindControl {
		duration := fixture.duration
		if duration == 0 {
			duration = 60
		}
		exam.DurationMinutes = &duration
	}
	require.NoError(t, db.Create(&exam).Error)

	for i, maxScore := range []float64{10, 15} {
		taskType := models.TaskType{
			CourseID:   fixtureCourseID,
			ExamID:     exam.ID,
			Title:      fmt.Sprintf("Task %d", i+1),
			OrderIndex: i,
			MaxScore:   maxScore,
		}
		require.NoError(t, db.Create(&taskType).Error)
		for v := 0; v < 3; v++ {
			variant := models.TaskVariant{
				CourseID:   fixtureCourseID,
				TaskTypeID: taskType.ID,
				Content:    fmt.Sprintf("Task %d variant %d", i+1, v+1),
				Parameters: datatypes.JSONMap{"variant": v + 1},
			}
			require.NoError(t, db.Create(&variant).Error)
		}
	}

	return exam
}

func seedActiveSession(t *testing.T, db *gorm.DB, exam models.Exam, studentID uint, startedAt time.Time) models.ExamSession {
	t.Helper()

	session := models.ExamSession{
		CourseID:           exam.CourseID,
		ExamID:             exam.ID,
		StudentID:          studentID,
		VariantSeed:        7,
		VariantAssignments: datatypes.NewJSONType(models.VariantAssignments{}),
		StartedAt:          startedAt,
		ExpiresAt:          computeExpiresAt(exam, startedAt),
		Status:             models.SessionStatusActive,
		AttemptNumber:      1,
	}
	require.NoError(t, db.Create(&session).Error)
	return session
}

type submissionFixture struct {
	status   models.SubmissionStatus
	ocr      models.OcrOverallStatus
	llm      models.LlmPrecheckStatus
	aiScore  *float64
	maxScore float64
	pages    int
}

func seedSubmissionFor(t *testing.T, db *gorm.DB, session models.ExamSession, fixture submissionFixture) (models.Submission, []models.SubmissionImage) {
	t.Helper()

	if fixture.maxScore == 0 {
		fixture.maxScore = 25
	}
	submission := models.Submission{
		CourseID:          session.CourseID,
		SessionID:         session.ID,
		StudentID:         session.StudentID,
		Status:            fixture.status,
		OcrOverallStatus:  fixture.ocr,
		LlmPrecheckStatus: fixture.llm,
		AIScore:           fixture.aiScore,
		MaxScore:          fixture.maxScore,
		FlagReasons:       datatypes.JSONSlice[string]{},
		SubmittedAt:       time.Now().UTC(),
	}
	require.NoError(t, db.Create(&submission).Error)

	images := make([]models.SubmissionImage, 0, fixture.pages)
	for i := 0; i < fixture.pages; i++ {
		markdown := fmt.Sprintf("Page %d: Q = mc\\Delta T", i+1)
		image := models.SubmissionImage{
			CourseID:     session.CourseID,
			SubmissionID: submission.ID,
			Filename:     fmt.Sprintf("page-%d.jpg", i+1),
			FilePath:     storage.SubmissionObjectPath(session.CourseID, submission.ID, i, fmt.Sprintf("page-%d.jpg", i+1)),
			FileSize:     2048,
			MimeType:     "image/jpeg",
			OrderIndex:   i,
			UploadSource: models.UploadSourceWeb,
			OcrStatus:    models.OcrImageReady,
			OcrMarkdown:  &markdown,
			OcrChunks: datatypes.NewJSONType(models.OcrChunks{Blocks: []models.OcrBlock{{
				ID:        fmt.Sprintf("/page/%d/Text/0", i),
				BlockType: "Text",
				Page:      i,
				BBox:      []float64{10, 10, 200, 40},
				Text:      markdown,
			}}}),
			UploadedAt: time.Now().UTC(),
		}
		require.NoError(t, db.Create(&image).Error)
		images = append(images, image)
	}

	return submission, images
}

func floatPtr(value float64) *float64 {
	return &value
}

type objectStoreStub struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func newObjectStoreStub() *objectStoreStub {
	return &objectStoreStub{objects: map[string][]byte{}}
}

func (s *objectStoreStub) PresignGet(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if err := storage.ValidatePath(path); err != nil {
		return "", err
	}
	return fmt.Sprintf("https://cdn.example.com/%s?ttl=%d", path, int(ttl.Seconds())), nil
}

func (s *objectStoreStub) PresignPut(ctx context.Context, path, contentType string, ttl time.Duration) (string, error) {
	if err := storage.ValidatePath(path); err != nil {
		return "", err
	}
	return "https://upload.example.com/" + path, nil
}

func (s *objectStoreStub) UploadBytes(ctx context.Context, path, contentType string, data []byte) (storage.Object, error) {
	if s.fail != nil {
		return storage.Object{}, s.fail
	}
	if err := storage.ValidatePath(path); err != nil {
		return storage.Object{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = append([]byte(nil), data...)
	return storage.Object{
		Path:     path,
		URL:      "https://cdn.example.com/" + path,
		Size:     int64(len(data)),
		Checksum: storage.Checksum(data),
	}, nil
}

func (s *objectStoreStub) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	return keys
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []PipelineEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event PipelineEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.events))
	for _, event := range p.events {
		names = append(names, event.Event)
	}
	return names
}

func pageFileHeader(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	header.Set("Content-Type", "application/octet-stream")
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	reader := multipart.NewReader(body, writer.Boundary())
	form, err := reader.ReadForm(int64(len(content)) + 1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = form.RemoveAll() })

	files := form.File["file"]
	require.Len(t, files, 1)
	return files[0]
}

// pngBytes is a minimal byte slice carrying the PNG signature and IHDR chunk header.
func pngBytes() []byte {
	return append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0}, 64)...)
}

var errBucketOffline = errors.New("bucket offline")

func newValidator() *validator.Validate {
	return validator.New()
}
