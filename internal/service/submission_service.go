package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-exam-api/internal/config"
	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/repository"
	"github.com/noah-isme/gema-exam-api/pkg/storage"
)

const (
	defaultMaxPageBytes = 20 * 1024 * 1024
	slowPrecheckAfter   = 120 * time.Second
)

var allowedPageTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/webp":      {},
	"image/heic":      {},
	"image/heif":      {},
	"application/pdf": {},
}

// SubmissionService drives the student side of the submission lifecycle.
type SubmissionService interface {
	UploadImage(ctx context.Context, courseID, sessionID, studentID uint, file *multipart.FileHeader) (dto.SubmissionImageResponse, error)
	SubmitExam(ctx context.Context, courseID, sessionID, studentID uint) (dto.SubmitExamResponse, error)
	GetSessionResult(ctx context.Context, courseID, sessionID, studentID uint) (dto.SessionResultResponse, error)
	GradingStatus(ctx context.Context, courseID, submissionID, userID uint, teacher bool) (dto.GradingStatusResponse, error)
}

type submissionService struct {
	access       sessionAccess
	exams        repository.ExamRepository
	sessions     repository.SessionRepository
	submissions  repository.SubmissionRepository
	images       repository.ImageRepository
	storage      storage.Storage
	events       EventPublisher
	cfg          config.ExamConfig
	maxPageBytes int64
	logger       zerolog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// NewSubmissionService constructs a SubmissionService instance.
func NewSubmissionService(
	exams repository.ExamRepository,
	sessions repository.SessionRepository,
	submissions repository.SubmissionRepository,
	images repository.ImageRepository,
	store storage.Storage,
	events EventPublisher,
	cfg config.ExamConfig,
	logger zerolog.Logger,
) SubmissionService {
	if events == nil {
		events = NopEventPublisher()
	}
	return &submissionService{
		access:       sessionAccess{exams: exams, sessions: sessions, events: events},
		exams:        exams,
		sessions:     sessions,
		submissions:  submissions,
		images:       images,
		storage:      store,
		events:       events,
		cfg:          cfg,
		maxPageBytes: defaultMaxPageBytes,
		logger:       logger.With().Str("component", "submission_service").Logger(),
		tracer:       otel.Tracer("github.com/noah-isme/gema-exam-api/internal/service/submission"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *submissionService) UploadImage(ctx context.Context, courseID, sessionID, studentID uint, file *multipart.FileHeader) (dto.SubmissionImageResponse, error) {
	ctx, span := s.tracer.Start(ctx, "submission.upload_image", trace.WithAttributes(
		attribute.Int("submission.session_id", int(sessionID)),
	))
	defer span.End()

	if file == nil {
		span.SetStatus(codes.Error, "validation failed")
		return dto.SubmissionImageResponse{}, ErrInvalidRequest.WithMessage("file is required")
	}
	if file.Size > s.maxPageBytes {
		span.SetStatus(codes.Error, "payload too large")
		return dto.SubmissionImageResponse{}, ErrUploadTooLarge
	}

	now := s.now()
	session, exam, err := s.access.activeSession(ctx, courseID, sessionID, studentID, now)
	if err != nil {
		span.RecordError(err)
		return dto.SubmissionImageResponse{}, err
	}

	handle, err := file.Open()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		return dto.SubmissionImageResponse{}, ErrInvalidRequest.WithMessage("file cannot be read")
	}
	defer handle.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(handle, s.maxPageBytes+1)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return dto.SubmissionImageResponse{}, ErrInvalidRequest.WithMessage("file cannot be read")
	}
	if buf.Len() == 0 {
		return dto.SubmissionImageResponse{}, ErrUploadEmpty
	}
	if int64(buf.Len()) > s.maxPageBytes {
		span.SetStatus(codes.Error, "payload too large")
		return dto.SubmissionImageResponse{}, ErrUploadTooLarge
	}

	fileType := normalizeMime(mimetype.Detect(buf.Bytes()).String())
	span.SetAttributes(attribute.String("upload.detected_mime", fileType))
	if _, ok := allowedPageTypes[fileType]; !ok {
		span.SetStatus(codes.Error, "type not allowed")
		return dto.SubmissionImageResponse{}, ErrUploadTypeNotAllowed
	}

	maxScore, err := s.exams.MaxScore(ctx, courseID, exam.ID)
	if err != nil {
		return dto.SubmissionImageResponse{}, internalError("compute max score", err)
	}
	submission, err := s.submissions.CreateIfAbsent(ctx, newSubmission(session, maxScore, now))
	if err != nil {
		span.RecordError(err)
		return dto.SubmissionImageResponse{}, internalError("create submission", err)
	}

	image := models.SubmissionImage{
		CourseID:     courseID,
		SubmissionID: submission.ID,
		Filename:     strings.TrimSpace(file.Filename),
		FileSize:     int64(buf.Len()),
		MimeType:     fileType,
		Checksum:     storage.Checksum(buf.Bytes()),
		UploadSource: models.UploadSourceWeb,
		OcrStatus:    models.OcrImagePending,
		UploadedAt:   now,
	}
	var object storage.Object
	err = s.images.Append(ctx, &image, func(orderIndex int) (string, error) {
		key := storage.SubmissionObjectPath(courseID, submission.ID, orderIndex, image.Filename)
		stored, err := s.storage.UploadBytes(ctx, key, fileType, buf.Bytes())
		if err != nil {
			return "", dependencyError(ErrStorageUnavailable, err)
		}
		object = stored
		return stored.Path, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		if errors.Is(err, ErrStorageUnavailable) {
			s.logger.Error().Err(err).Uint("submission_id", submission.ID).Msg("failed to store submission page")
			return dto.SubmissionImageResponse{}, err
		}
		return dto.SubmissionImageResponse{}, internalError("append image", err)
	}

	s.logger.Info().
		Uint("submission_id", submission.ID).
		Uint("image_id", image.ID).
		Int("order_index", image.OrderIndex).
		Str("mime", fileType).
		Msg("submission page uploaded")
	span.SetStatus(codes.Ok, "stored")

	response := dto.NewSubmissionImageResponse(image)
	response.URL = object.URL
	return response, nil
}

func (s *submissionService) SubmitExam(ctx context.Context, courseID, sessionID, studentID uint) (dto.SubmitExamResponse, error) {
	ctx, span := s.tracer.Start(ctx, "submission.submit", trace.WithAttributes(
		attribute.Int("submission.session_id", int(sessionID)),
	))
	defer span.End()

	session, exam, err := s.access.load(ctx, courseID, sessionID, studentID)
	if err != nil {
		span.RecordError(err)
		return dto.SubmitExamResponse{}, err
	}

	now := s.now()
	session, _, err = s.access.expireIfOverdue(ctx, session, exam, now)
	if err != nil {
		return dto.SubmitExamResponse{}, err
	}

	settings, err := exam.Settings.Data().Resolve()
	if err != nil {
		return dto.SubmitExamResponse{}, ErrInvalidExamSettings
	}
	nextStep := dto.NextStepResult
	if settings.OCREnabled {
		nextStep = dto.NextStepOcrReview
	}

	if session.Status == models.SessionStatusSubmitted {
		existing, found, err := s.submissions.FindBySession(ctx, courseID, session.ID)
		if err != nil {
			return dto.SubmitExamResponse{}, internalError("load submission", err)
		}
		if found {
			return dto.SubmitExamResponse{Submission: dto.NewSubmissionResponse(existing), NextStep: nextStep}, nil
		}
	}

	if session.Status != models.SessionStatusActive {
		deadline := session.HardDeadline(exam.EndTime).Add(submitGrace(exam.Kind, s.cfg.SubmitGrace))
		if now.After(deadline) {
			span.SetStatus(codes.Error, "deadline passed")
			return dto.SubmitExamResponse{}, ErrDeadlinePassed
		}
	}

	maxScore, err := s.exams.MaxScore(ctx, courseID, exam.ID)
	if err != nil {
		return dto.SubmitExamResponse{}, internalError("compute max score", err)
	}
	if _, err := s.submissions.CreateIfAbsent(ctx, newSubmission(session, maxScore, now)); err != nil {
		span.RecordError(err)
		return dto.SubmitExamResponse{}, internalError("create submission", err)
	}

	if _, err := s.sessions.MarkSubmitted(ctx, courseID, session.ID, now); err != nil {
		return dto.SubmitExamResponse{}, internalError("mark session submitted", err)
	}

	configured, err := s.submissions.ConfigureAfterSubmit(ctx, courseID, session.ID, repository.PipelineConfig{
		OCREnabled: settings.OCREnabled,
		LLMEnabled: settings.LLMPrecheckEnabled,
	}, now)
	if err != nil {
		return dto.SubmitExamResponse{}, internalError("configure submission", err)
	}

	submission, found, err := s.submissions.FindBySession(ctx, courseID, session.ID)
	if err != nil || !found {
		if err == nil {
			err = errors.New("submission disappeared after submit")
		}
		return dto.SubmitExamResponse{}, internalError("reload submission", err)
	}

	if configured {
		s.events.Publish(ctx, SubmissionEvent(EventSubmissionSubmitted, submission))
		s.logger.Info().
			Uint("submission_id", submission.ID).
			Uint("session_id", session.ID).
			Bool("ocr_enabled", settings.OCREnabled).
			Bool("llm_enabled", settings.LLMPrecheckEnabled).
			Msg("exam submitted")
	}
	span.SetStatus(codes.Ok, "submitted")

	return dto.SubmitExamResponse{Submission: dto.NewSubmissionResponse(submission), NextStep: nextStep}, nil
}

func (s *submissionService) GetSessionResult(ctx context.Context, courseID, sessionID, studentID uint) (dto.SessionResultResponse, error) {
	session, exam, err := s.access.load(ctx, courseID, sessionID, studentID)
	if err != nil {
		return dto.SessionResultResponse{}, err
	}
	session, _, err = s.access.expireIfOverdue(ctx, session, exam, s.now())
	if err != nil {
		return dto.SessionResultResponse{}, err
	}

	attempts, err := s.sessions.CountAttempts(ctx, courseID, exam.ID, studentID)
	if err != nil {
		return dto.SessionResultResponse{}, internalError("count attempts", err)
	}

	response := dto.SessionResultResponse{
		Session:      dto.NewSessionResponse(session, exam.EndTime),
		Exam:         dto.NewExamSummary(exam),
		Images:       []dto.SubmissionImageResponse{},
		AttemptsUsed: attempts,
		MaxAttempts:  exam.MaxAttempts,
	}

	submission, found, err := s.submissions.FindBySession(ctx, courseID, session.ID)
	if err != nil {
		return dto.SessionResultResponse{}, internalError("load submission", err)
	}
	if !found {
		return response, nil
	}

	submissionResponse := dto.NewSubmissionResponse(submission)
	response.Submission = &submissionResponse

	images, err := s.images.ListBySubmission(ctx, submission.ID)
	if err != nil {
		return dto.SessionResultResponse{}, internalError("list images", err)
	}
	response.Images = dto.NewSubmissionImageResponseSlice(images)

	return response, nil
}

func (s *submissionService) GradingStatus(ctx context.Context, courseID, submissionID, userID uint, teacher bool) (dto.GradingStatusResponse, error) {
	submission, err := s.submissions.GetByID(ctx, courseID, submissionID)
	if err != nil {
		return dto.GradingStatusResponse{}, notFoundOr(ErrSubmissionNotFound, "load submission", err)
	}
	if !teacher && submission.StudentID != userID {
		return dto.GradingStatusResponse{}, ErrForbidden
	}

	progress, message := gradingProgress(submission, s.now())
	return dto.GradingStatusResponse{
		SubmissionID:      submission.ID,
		Status:            submission.Status,
		OcrOverallStatus:  submission.OcrOverallStatus,
		LlmPrecheckStatus: submission.LlmPrecheckStatus,
		Progress:          progress,
		Message:           message,
		AIScore:           submission.AIScore,
		FinalScore:        submission.FinalScore,
		MaxScore:          submission.MaxScore,
	}, nil
}

func gradingProgress(submission models.Submission, now time.Time) (int, string) {
	switch submission.Status {
	case models.SubmissionStatusUploaded:
		return 10, "Queued for checking"
	case models.SubmissionStatusProcessing:
		if submission.AIRequestStartedAt != nil && now.Sub(*submission.AIRequestStartedAt) > slowPrecheckAfter {
			return 70, "Final processing"
		}
		return 50, "Being checked"
	case models.SubmissionStatusPreliminary:
		return 100, "Checked, awaiting teacher confirmation"
	case models.SubmissionStatusApproved:
		return 100, "Checked and approved"
	case models.SubmissionStatusFlagged:
		return 50, "Requires manual review"
	case models.SubmissionStatusRejected:
		return 50, "Rejected"
	default:
		return 0, "Unknown"
	}
}

func newSubmission(session models.ExamSession, maxScore float64, now time.Time) models.Submission {
	return models.Submission{
		CourseID:          session.CourseID,
		SessionID:         session.ID,
		StudentID:         session.StudentID,
		Status:            models.SubmissionStatusUploaded,
		OcrOverallStatus:  models.OcrOverallPending,
		LlmPrecheckStatus: models.LlmPrecheckQueued,
		MaxScore:          maxScore,
		SubmittedAt:       now,
	}
}

func normalizeMime(value string) string {
	if idx := strings.Index(value, ";"); idx >= 0 {
		value = value[:idx]
	}
	return strings.ToLower(strings.TrimSpace(value))
}
