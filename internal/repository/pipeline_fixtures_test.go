package repository

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/gema-exam-api/internal/database"
	"github.com/noah-isme/gema-exam-api/internal/models"
)

const testCourseID uint = 7

func setupPipelineDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
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

func seedExam(t *testing.T, db *gorm.DB, start, end time.Time) models.Exam {
	t.Helper()

	duration := 60
	exam := models.Exam{
		CourseID:        testCourseID,
		Title:           "Mechanics midterm",
		Kind:            models.ExamKindControl,
		Status:          models.ExamStatusPublished,
		StartTime:       start,
		EndTime:         end,
		DurationMinutes: &duration,
		MaxAttempts:     2,
		Settings:        datatypes.NewJSONType(models.ExamSettings{}),
	}
	require.NoError(t, db.Create(&exam).Error)
	return exam
}

func seedSession(t *testing.T, db *gorm.DB, exam models.Exam, studentID uint, status models.SessionStatus, submittedAt *time.Time) models.ExamSession {
	t.Helper()

	var attempts int64
	require.NoError(t, db.Model(&models.ExamSession{}).Where("exam_id = ? AND student_id = ?", exam.ID, studentID).Count(&attempts).Error)

	session := models.ExamSession{
		CourseID:           exam.CourseID,
		ExamID:             exam.ID,
		StudentID:          studentID,
		VariantSeed:        42,
		VariantAssignments: datatypes.NewJSONType(models.VariantAssignments{}),
		StartedAt:          exam.StartTime,
		ExpiresAt:          exam.EndTime,
		Status:             status,
		SubmittedAt:        submittedAt,
		AttemptNumber:      int(attempts) + 1,
	}
	require.NoError(t, db.Create(&session).Error)
	return session
}

type submissionSeed struct {
	status     models.SubmissionStatus
	ocr        models.OcrOverallStatus
	llm        models.LlmPrecheckStatus
	ocrRetries int
	aiRetries  int
	createdAt  time.Time
}

func seedSubmission(t *testing.T, db *gorm.DB, session models.ExamSession, seed submissionSeed) models.Submission {
	t.Helper()

	if seed.createdAt.IsZero() {
		seed.createdAt = time.Now().UTC()
	}
	submission := models.Submission{
		CourseID:          session.CourseID,
		SessionID:         session.ID,
		StudentID:         session.StudentID,
		Status:            seed.status,
		OcrOverallStatus:  seed.ocr,
		LlmPrecheckStatus: seed.llm,
		OcrRetryCount:     seed.ocrRetries,
		AIRetryCount:      seed.aiRetries,
		MaxScore:          20,
		FlagReasons:       datatypes.JSONSlice[string]{},
		SubmittedAt:       seed.createdAt,
		CreatedAt:         seed.createdAt,
	}
	require.NoError(t, db.Create(&submission).Error)
	return submission
}

func seedImage(t *testing.T, db *gorm.DB, submission models.Submission, order int, status models.OcrImageStatus) models.SubmissionImage {
	t.Helper()

	image := models.SubmissionImage{
		CourseID:     submission.CourseID,
		SubmissionID: submission.ID,
		Filename:     fmt.Sprintf("page-%d.jpg", order),
		FilePath:     fmt.Sprintf("submissions/%d/%d/%d.jpg", submission.CourseID, submission.ID, order),
		FileSize:     1024,
		MimeType:     "image/jpeg",
		OrderIndex:   order,
		UploadSource: models.UploadSourceWeb,
		OcrStatus:    status,
		UploadedAt:   time.Now().UTC(),
	}
	require.NoError(t, db.Create(&image).Error)
	return image
}

func submittedNow() *time.Time {
	now := time.Now().UTC()
	return &now
}
