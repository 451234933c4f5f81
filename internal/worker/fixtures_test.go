package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/gema-exam-api/internal/database"
	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/repository"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/pkg/ai"
	"github.com/noah-isme/gema-exam-api/pkg/ocr"
	"github.com/noah-isme/gema-exam-api/pkg/storage"
)

const courseID uint = 5

func setupWorkerDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:worker_%s?mode=memory&cache=shared", name)), &gorm.Config{
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

// seedExam creates a control exam with one task type of max score 20 and a single variant.
func seedExam(t *testing.T, db *gorm.DB, start, end time.Time, settings models.ExamSettings) (models.Exam, models.TaskType, models.TaskVariant) {
	t.Helper()

	duration := 90
	exam := models.Exam{
		CourseID:        courseID,
		Title:           "Electrostatics quiz",
		Kind:            models.ExamKindControl,
		Status:          models.ExamStatusPublished,
		StartTime:       start,
		EndTime:         end,
		DurationMinutes: &duration,
		MaxAttempts:     1,
		Settings:        datatypes.NewJSONType(settings),
	}
	require.NoError(t, db.Create(&exam).Error)

	taskType := models.TaskType{
		CourseID:    courseID,
		ExamID:      exam.ID,
		Title:       "Coulomb force",
		Description: "Find the force between two charges.",
		MaxScore:    20,
	}
	require.NoError(t, db.Create(&taskType).Error)

	solution := "F = k q1 q2 / r^2"
	variant := models.TaskVariant{
		CourseID:          courseID,
		TaskTypeID:        taskType.ID,
		Content:           "q1 = 2uC, q2 = 3uC, r = 0.1m",
		ReferenceSolution: &solution,
	}
	require.NoError(t, db.Create(&variant).Error)

	return exam, taskType, variant
}

type sessionSeed struct {
	studentID   uint
	status      models.SessionStatus
	startedAt   time.Time
	expiresAt   time.Time
	submittedAt *time.Time
	assignments models.VariantAssignments
}

func seedSession(t *testing.T, db *gorm.DB, exam models.Exam, seed sessionSeed) models.ExamSession {
	t.Helper()

	if seed.status == "" {
		seed.status = models.SessionStatusSubmitted
	}
	if seed.studentID == 0 {
		seed.studentID = 31
	}
	if seed.startedAt.IsZero() {
		seed.startedAt = exam.StartTime
	}
	if seed.expiresAt.IsZero() {
		seed.expiresAt = exam.EndTime
	}
	if seed.assignments == nil {
		seed.assignments = models.VariantAssignments{}
	}
	session := models.ExamSession{
		CourseID:           exam.CourseID,
		ExamID:             exam.ID,
		StudentID:          seed.studentID,
		VariantSeed:        11,
		VariantAssignments: datatypes.NewJSONType(seed.assignments),
		StartedAt:          seed.startedAt,
		ExpiresAt:          seed.expiresAt,
		SubmittedAt:        seed.submittedAt,
		Status:             seed.status,
		AttemptNumber:      1,
	}
	require.NoError(t, db.Create(&session).Error)
	return session
}

type submissionSeed struct {
	status       models.SubmissionStatus
	ocr          models.OcrOverallStatus
	llm          models.LlmPrecheckStatus
	ocrRetries   int
	ocrStarted   *time.Time
	aiStarted    *time.Time
	flagReasons  []string
	reportedNote string
}

func seedSubmission(t *testing.T, db *gorm.DB, session models.ExamSession, seed submissionSeed) models.Submission {
	t.Helper()

	flags := datatypes.JSONSlice[string]{}
	if len(seed.flagReasons) > 0 {
		flags = datatypes.JSONSlice[string](seed.flagReasons)
	}
	submission := models.Submission{
		CourseID:           session.CourseID,
		SessionID:          session.ID,
		StudentID:          session.StudentID,
		Status:             seed.status,
		OcrOverallStatus:   seed.ocr,
		LlmPrecheckStatus:  seed.llm,
		OcrRetryCount:      seed.ocrRetries,
		OcrStartedAt:       seed.ocrStarted,
		AIRequestStartedAt: seed.aiStarted,
		MaxScore:           20,
		IsFlagged:          len(seed.flagReasons) > 0,
		FlagReasons:        flags,
		SubmittedAt:        time.Now().UTC(),
	}
	if seed.reportedNote != "" {
		submission.ReportFlag = true
		submission.ReportSummary = &seed.reportedNote
	}
	require.NoError(t, db.Create(&submission).Error)
	return submission
}

func seedPage(t *testing.T, db *gorm.DB, submission models.Submission, order int, status models.OcrImageStatus, markdown string) models.SubmissionImage {
	t.Helper()

	filename := fmt.Sprintf("page-%d.jpg", order+1)
	image := models.SubmissionImage{
		CourseID:     submission.CourseID,
		SubmissionID: submission.ID,
		Filename:     filename,
		FilePath:     storage.SubmissionObjectPath(submission.CourseID, submission.ID, order, filename),
		FileSize:     4096,
		MimeType:     "image/jpeg",
		OrderIndex:   order,
		UploadSource: models.UploadSourceWeb,
		OcrStatus:    status,
		UploadedAt:   time.Now().UTC(),
	}
	if markdown != "" {
		image.OcrMarkdown = &markdown
	}
	require.NoError(t, db.Create(&image).Error)
	return image
}

func timePtr(value time.Time) *time.Time {
	return &value
}

func reload(t *testing.T, r repos, id uint) models.Submission {
	t.Helper()
	submission, err := r.submissions.GetByID(context.Background(), courseID, id)
	require.NoError(t, err)
	return submission
}

type presignStub struct {
	err error
}

func (s presignStub) PresignGet(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "https://cdn.example.com/" + path, nil
}

func (s presignStub) PresignPut(ctx context.Context, path, contentType string, ttl time.Duration) (string, error) {
	return "https://upload.example.com/" + path, nil
}

func (s presignStub) UploadBytes(ctx context.Context, path, contentType string, data []byte) (storage.Object, error) {
	return storage.Object{Path: path, Size: int64(len(data))}, nil
}

type recognizerStub struct {
	mu      sync.Mutex
	urls    []string
	results map[string]ocr.Result
	errs    map[string]error
}

func newRecognizerStub() *recognizerStub {
	return &recognizerStub{results: map[string]ocr.Result{}, errs: map[string]error{}}
}

func (r *recognizerStub) RunOCR(ctx context.Context, fileURL string) (ocr.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, fileURL)
	for suffix, err := range r.errs {
		if strings.HasSuffix(fileURL, suffix) {
			return ocr.Result{}, err
		}
	}
	for suffix, result := range r.results {
		if strings.HasSuffix(fileURL, suffix) {
			return result, nil
		}
	}
	return ocr.Result{
		Markdown: "E = F / q",
		Model:    "datalab-marker",
		Blocks: []ocr.Block{{
			ID:        "/page/0/Text/1",
			BlockType: "Text",
			BBox:      []float64{12, 30, 480, 64},
			Text:      "E = F / q",
		}},
	}, nil
}

func (r *recognizerStub) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.urls)
}

type precheckerStub struct {
	mu     sync.Mutex
	inputs []ai.PrecheckInput
	result ai.PrecheckResult
	err    error
}

func (p *precheckerStub) RunPrecheck(ctx context.Context, input ai.PrecheckInput) (ai.PrecheckResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs = append(p.inputs, input)
	if p.err != nil {
		return ai.PrecheckResult{}, p.err
	}
	return p.result, nil
}

func (p *precheckerStub) lastInput() ai.PrecheckInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inputs[len(p.inputs)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []service.PipelineEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event service.PipelineEvent) {
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

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}
