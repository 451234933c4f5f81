package service

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/repository"
)

// TeacherReviewService exposes the teacher actions layered on the submission state machine.
type TeacherReviewService interface {
	ApproveSubmission(ctx context.Context, courseID, submissionID, teacherID uint, payload dto.ApproveSubmissionRequest) (dto.SubmissionResponse, error)
	OverrideScore(ctx context.Context, courseID, submissionID, teacherID uint, payload dto.OverrideScoreRequest) (dto.SubmissionResponse, error)
	RegradeSubmission(ctx context.Context, courseID, submissionID, teacherID uint) (dto.SubmissionResponse, error)
}

type teacherReviewService struct {
	access      sessionAccess
	submissions repository.SubmissionRepository
	events      EventPublisher
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewTeacherReviewService constructs the teacher review surface.
func NewTeacherReviewService(
	exams repository.ExamRepository,
	sessions repository.SessionRepository,
	submissions repository.SubmissionRepository,
	events EventPublisher,
	validate *validator.Validate,
	logger zerolog.Logger,
) TeacherReviewService {
	if events == nil {
		events = NopEventPublisher()
	}
	return &teacherReviewService{
		access:      sessionAccess{exams: exams, sessions: sessions, events: events},
		submissions: submissions,
		events:      events,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "teacher_review_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-exam-api/internal/service/teacher_review"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *teacherReviewService) ApproveSubmission(ctx context.Context, courseID, submissionID, teacherID uint, payload dto.ApproveSubmissionRequest) (dto.SubmissionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "teacher_review.approve", trace.WithAttributes(attribute.Int("submission.id", int(submissionID))))
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		return dto.SubmissionResponse{}, validationError(err)
	}

	submission, err := s.load(ctx, courseID, submissionID)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	if submission.Status != models.SubmissionStatusPreliminary || submission.AIScore == nil {
		return dto.SubmissionResponse{}, ErrTransitionNotAllowed.WithMessage("only a preliminary submission with an AI score can be approved")
	}

	score := *submission.AIScore
	if payload.Score != nil {
		score = *payload.Score
	}
	if err := checkScore(score, submission.MaxScore); err != nil {
		return dto.SubmissionResponse{}, err
	}

	applied, err := s.submissions.Approve(ctx, submission.ID, repository.TeacherDecision{
		Score:      score,
		ReviewerID: teacherID,
		Comments:   s.cleanComments(payload.Comments),
		At:         s.now(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "approve failed")
		return dto.SubmissionResponse{}, internalError("approve submission", err)
	}
	if !applied {
		return dto.SubmissionResponse{}, ErrTransitionNotAllowed
	}

	return s.finish(ctx, courseID, submission.ID, teacherID, EventSubmissionApproved)
}

func (s *teacherReviewService) OverrideScore(ctx context.Context, courseID, submissionID, teacherID uint, payload dto.OverrideScoreRequest) (dto.SubmissionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "teacher_review.override", trace.WithAttributes(attribute.Int("submission.id", int(submissionID))))
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		return dto.SubmissionResponse{}, validationError(err)
	}

	submission, err := s.load(ctx, courseID, submissionID)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	if err := checkScore(*payload.Score, submission.MaxScore); err != nil {
		return dto.SubmissionResponse{}, err
	}

	applied, err := s.submissions.OverrideScore(ctx, submission.ID, repository.TeacherDecision{
		Score:      *payload.Score,
		ReviewerID: teacherID,
		Comments:   s.cleanComments(payload.Comments),
		At:         s.now(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "override failed")
		return dto.SubmissionResponse{}, internalError("override score", err)
	}
	if !applied {
		return dto.SubmissionResponse{}, ErrTransitionNotAllowed.WithMessage("score cannot be overridden while the submission is rejected or being processed")
	}

	return s.finish(ctx, courseID, submission.ID, teacherID, EventSubmissionOverridden)
}

func (s *teacherReviewService) RegradeSubmission(ctx context.Context, courseID, submissionID, teacherID uint) (dto.SubmissionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "teacher_review.regrade", trace.WithAttributes(attribute.Int("submission.id", int(submissionID))))
	defer span.End()

	submission, err := s.load(ctx, courseID, submissionID)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	settings, err := s.access.processingSettings(ctx, submission)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	if !settings.LLMPrecheckEnabled {
		return dto.SubmissionResponse{}, ErrTransitionNotAllowed.WithMessage("automatic precheck is disabled for this exam")
	}

	applied, err := s.submissions.QueueRegrade(ctx, submission.ID, s.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "regrade failed")
		return dto.SubmissionResponse{}, internalError("queue regrade", err)
	}
	if !applied {
		return dto.SubmissionResponse{}, ErrTransitionNotAllowed.WithMessage("submission cannot be regraded in its current state")
	}

	return s.finish(ctx, courseID, submission.ID, teacherID, EventRegradeQueued)
}

func (s *teacherReviewService) load(ctx context.Context, courseID, submissionID uint) (models.Submission, error) {
	submission, err := s.submissions.GetByID(ctx, courseID, submissionID)
	if err != nil {
		return models.Submission{}, notFoundOr(ErrSubmissionNotFound, "load submission", err)
	}
	return submission, nil
}

func (s *teacherReviewService) finish(ctx context.Context, courseID, submissionID, teacherID uint, event string) (dto.SubmissionResponse, error) {
	updated, err := s.submissions.GetByID(ctx, courseID, submissionID)
	if err != nil {
		return dto.SubmissionResponse{}, internalError("reload submission", err)
	}

	s.events.Publish(ctx, SubmissionEvent(event, updated))
	s.logger.Info().
		Uint("submission_id", submissionID).
		Uint("teacher_id", teacherID).
		Str("event", event).
		Msg("teacher review action applied")

	return dto.NewSubmissionResponse(updated), nil
}

func (s *teacherReviewService) cleanComments(comments *string) *string {
	if comments == nil {
		return nil
	}
	cleaned := strings.TrimSpace(s.sanitizer.Sanitize(*comments))
	if cleaned == "" {
		return nil
	}
	return &cleaned
}

func checkScore(score, maxScore float64) error {
	if score < 0 || score > maxScore {
		return ErrScoreOutOfRange.WithMessage("score must be between 0 and %.2f", maxScore)
	}
	return nil
}
