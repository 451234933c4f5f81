package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-exam-api/internal/config"
	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/observability"
	"github.com/noah-isme/gema-exam-api/internal/repository"
)

// ExamSessionService admits students into exams and serves the running session.
type ExamSessionService interface {
	EnterExam(ctx context.Context, courseID, examID, studentID uint) (dto.EnterExamResponse, error)
	GetSessionVariant(ctx context.Context, courseID, sessionID, studentID uint) (dto.SessionVariantResponse, error)
	AutoSave(ctx context.Context, courseID, sessionID, studentID uint, payload dto.AutoSaveRequest) (dto.AutoSaveResponse, error)
}

type examSessionService struct {
	access      sessionAccess
	exams       repository.ExamRepository
	sessions    repository.SessionRepository
	submissions repository.SubmissionRepository
	images      repository.ImageRepository
	redis       *redis.Client
	events      EventPublisher
	cfg         config.ExamConfig
	validator   *validator.Validate
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
	seed        func() int64
}

// NewExamSessionService constructs the admission controller service. A nil redis client
// disables the auto-save rate limit.
func NewExamSessionService(
	exams repository.ExamRepository,
	sessions repository.SessionRepository,
	submissions repository.SubmissionRepository,
	images repository.ImageRepository,
	redisClient *redis.Client,
	events EventPublisher,
	cfg config.ExamConfig,
	validate *validator.Validate,
	logger zerolog.Logger,
) ExamSessionService {
	if events == nil {
		events = NopEventPublisher()
	}
	return &examSessionService{
		access:      sessionAccess{exams: exams, sessions: sessions, events: events},
		exams:       exams,
		sessions:    sessions,
		submissions: submissions,
		images:      images,
		redis:       redisClient,
		events:      events,
		cfg:         cfg,
		validator:   validate,
		logger:      logger.With().Str("component", "exam_session_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-exam-api/internal/service/exam_session"),
		now:         func() time.Time { return time.Now().UTC() },
		seed:        randomSeed,
	}
}

func (s *examSessionService) EnterExam(ctx context.Context, courseID, examID, studentID uint) (dto.EnterExamResponse, error) {
	ctx, span := s.tracer.Start(ctx, "exam.enter", trace.WithAttributes(
		attribute.Int("exam.course_id", int(courseID)),
		attribute.Int("exam.id", int(examID)),
		attribute.Int("exam.student_id", int(studentID)),
	))
	defer span.End()

	fail := func(outcome string, err error) (dto.EnterExamResponse, error) {
		observability.Admissions().WithLabelValues(outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return dto.EnterExamResponse{}, err
	}

	exam, err := s.exams.GetWithTasks(ctx, courseID, examID)
	if err != nil {
		return fail("not_found", notFoundOr(ErrExamNotFound, "load exam", err))
	}

	now := s.now()
	if !exam.Status.Enterable() {
		return fail("rejected", ErrExamNotEnterable)
	}
	if !withinWindow(exam, now) {
		return fail("rejected", ErrExamWindowClosed)
	}

	seed := s.seed()
	assignments, err := assignVariants(seed, exam.TaskTypes)
	if err != nil {
		return fail("invalid", err)
	}

	candidate := models.ExamSession{
		CourseID:           courseID,
		ExamID:             examID,
		StudentID:          studentID,
		VariantSeed:        seed,
		VariantAssignments: datatypes.NewJSONType(assignments),
		StartedAt:          now,
		ExpiresAt:          computeExpiresAt(exam, now),
	}

	session, created, err := s.sessions.Admit(ctx, candidate, repository.AdmissionLimits{
		MaxConcurrent: int64(s.cfg.MaxConcurrentExams),
		MaxAttempts:   int64(exam.MaxAttempts),
	})
	switch {
	case errors.Is(err, repository.ErrCapacityReached):
		s.logger.Warn().Uint("exam_id", examID).Int("max_concurrent", s.cfg.MaxConcurrentExams).Msg("exam admission rejected: capacity reached")
		return fail("capacity", ErrCapacityExceeded)
	case errors.Is(err, repository.ErrAttemptsReached):
		return fail("attempts", ErrAttemptsExhausted)
	case errors.Is(err, repository.ErrActiveSessionConflict):
		return fail("conflict", ErrSessionConflict)
	case err != nil:
		s.logger.Error().Err(err).Uint("exam_id", examID).Uint("student_id", studentID).Msg("exam admission failed")
		return fail("error", internalError("admit session", err))
	}

	if created {
		observability.Admissions().WithLabelValues("created").Inc()
		s.events.Publish(ctx, PipelineEvent{
			Event:     EventSessionStarted,
			CourseID:  courseID,
			ExamID:    examID,
			SessionID: session.ID,
			StudentID: studentID,
		})
		s.logger.Info().
			Uint("exam_id", examID).
			Uint("session_id", session.ID).
			Uint("student_id", studentID).
			Int("attempt", session.AttemptNumber).
			Msg("exam session started")
	} else {
		observability.Admissions().WithLabelValues("resumed").Inc()
	}

	span.SetAttributes(attribute.Bool("exam.session_created", created))
	span.SetStatus(codes.Ok, "admitted")

	return dto.EnterExamResponse{
		Session: dto.NewSessionResponse(session, exam.EndTime),
		Created: created,
	}, nil
}

func (s *examSessionService) GetSessionVariant(ctx context.Context, courseID, sessionID, studentID uint) (dto.SessionVariantResponse, error) {
	ctx, span := s.tracer.Start(ctx, "exam.session_variant")
	defer span.End()

	now := s.now()
	session, _, err := s.access.activeSession(ctx, courseID, sessionID, studentID, now)
	if err != nil {
		span.RecordError(err)
		return dto.SessionVariantResponse{}, err
	}

	exam, err := s.exams.GetWithTasks(ctx, courseID, session.ExamID)
	if err != nil {
		span.RecordError(err)
		return dto.SessionVariantResponse{}, notFoundOr(ErrExamNotFound, "load exam tasks", err)
	}

	tasks, err := buildTaskContexts(exam, session.VariantAssignments.Data())
	if err != nil {
		span.RecordError(err)
		return dto.SessionVariantResponse{}, err
	}

	images := []dto.SubmissionImageResponse{}
	submission, found, err := s.submissions.FindBySession(ctx, courseID, session.ID)
	if err != nil {
		return dto.SessionVariantResponse{}, internalError("load submission", err)
	}
	if found {
		stored, err := s.images.ListBySubmission(ctx, submission.ID)
		if err != nil {
			return dto.SessionVariantResponse{}, internalError("list images", err)
		}
		images = dto.NewSubmissionImageResponseSlice(stored)
	}

	response := dto.SessionVariantResponse{
		Session:          dto.NewSessionResponse(session, exam.EndTime),
		Exam:             dto.NewExamSummary(exam),
		Tasks:            tasks,
		RemainingSeconds: remainingSeconds(session.HardDeadline(exam.EndTime), now),
		Images:           images,
	}
	if len(session.AutoSaveData) > 0 {
		response.AutoSave = json.RawMessage(session.AutoSaveData)
	}

	return response, nil
}

func (s *examSessionService) AutoSave(ctx context.Context, courseID, sessionID, studentID uint, payload dto.AutoSaveRequest) (dto.AutoSaveResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.AutoSaveResponse{}, validationError(err)
	}
	if !json.Valid(payload.Data) {
		return dto.AutoSaveResponse{}, ErrInvalidRequest.WithMessage("auto-save data must be valid JSON")
	}

	now := s.now()
	session, _, err := s.access.activeSession(ctx, courseID, sessionID, studentID, now)
	if err != nil {
		return dto.AutoSaveResponse{}, err
	}

	if err := s.allowAutoSave(ctx, session); err != nil {
		return dto.AutoSaveResponse{}, err
	}

	saved, err := s.sessions.UpdateAutoSave(ctx, courseID, session.ID, payload.Data, now)
	if err != nil {
		return dto.AutoSaveResponse{}, internalError("store auto-save", err)
	}
	if !saved {
		return dto.AutoSaveResponse{}, ErrSessionNotActive
	}

	return dto.AutoSaveResponse{SavedAt: now}, nil
}

// allowAutoSave admits one write per interval per session. Redis failures count as limited.
func (s *examSessionService) allowAutoSave(ctx context.Context, session models.ExamSession) error {
	if s.redis == nil || s.cfg.AutoSaveInterval <= 0 {
		return nil
	}

	key := fmt.Sprintf("autosave:%d:%d", session.CourseID, session.ID)
	ok, err := s.redis.SetNX(ctx, key, s.now().Unix(), s.cfg.AutoSaveInterval).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("auto-save rate limit unavailable")
		return ErrAutoSaveRateLimited
	}
	if !ok {
		return ErrAutoSaveRateLimited
	}
	return nil
}

// buildTaskContexts pairs every task type with the variant assigned in the session.
func buildTaskContexts(exam models.Exam, assignments models.VariantAssignments) ([]dto.TaskContext, error) {
	tasks := make([]dto.TaskContext, 0, len(exam.TaskTypes))
	for _, taskType := range exam.TaskTypes {
		variantID, ok := assignments[taskType.ID]
		if !ok {
			return nil, internalError("build task contexts", fmt.Errorf("task type %d has no assigned variant", taskType.ID))
		}

		var variant *models.TaskVariant
		for i := range taskType.Variants {
			if taskType.Variants[i].ID == variantID {
				variant = &taskType.Variants[i]
				break
			}
		}
		if variant == nil {
			return nil, internalError("build task contexts", fmt.Errorf("variant %d of task type %d not found", variantID, taskType.ID))
		}

		tasks = append(tasks, dto.TaskContext{
			TaskTypeID:  taskType.ID,
			VariantID:   variant.ID,
			OrderIndex:  taskType.OrderIndex,
			Title:       taskType.Title,
			Description: taskType.Description,
			MaxScore:    taskType.MaxScore,
			Content:     variant.Content,
			Parameters:  map[string]interface{}(variant.Parameters),
		})
	}
	return tasks, nil
}
