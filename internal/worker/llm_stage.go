package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/observability"
	"github.com/noah-isme/gema-exam-api/internal/repository"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/pkg/ai"
)

// LLMStage produces the preliminary grade of a submission whose OCR review is closed.
type LLMStage struct {
	exams       repository.ExamRepository
	sessions    repository.SessionRepository
	submissions repository.SubmissionRepository
	images      repository.ImageRepository
	reviews     repository.OcrReviewRepository
	prechecker  ai.Prechecker
	events      service.EventPublisher
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewLLMStage constructs the precheck stage orchestrator.
func NewLLMStage(
	exams repository.ExamRepository,
	sessions repository.SessionRepository,
	submissions repository.SubmissionRepository,
	images repository.ImageRepository,
	reviews repository.OcrReviewRepository,
	prechecker ai.Prechecker,
	events service.EventPublisher,
	logger zerolog.Logger,
) *LLMStage {
	if events == nil {
		events = service.NopEventPublisher()
	}
	return &LLMStage{
		exams:       exams,
		sessions:    sessions,
		submissions: submissions,
		images:      images,
		reviews:     reviews,
		prechecker:  prechecker,
		events:      events,
		logger:      logger.With().Str("component", "llm_stage").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-exam-api/internal/worker/llm"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *LLMStage) Process(ctx context.Context, item repository.WorkItem) error {
	ctx, span := s.tracer.Start(ctx, "worker.llm", trace.WithAttributes(
		attribute.Int("submission.id", int(item.SubmissionID)),
		attribute.Int("submission.ai_retry", item.RetryCount),
	))
	defer span.End()

	started := time.Now()
	defer func() {
		observability.PipelineJobDuration().WithLabelValues(string(repository.StageLLM)).Observe(time.Since(started).Seconds())
	}()

	logger := s.logger.With().Uint("submission_id", item.SubmissionID).Int("retry", item.RetryCount).Logger()

	submission, err := s.submissions.GetByID(ctx, item.CourseID, item.SubmissionID)
	if err != nil {
		span.RecordError(err)
		return s.recordError(fmt.Errorf("load submission: %w", err))
	}

	input, err := s.buildInput(ctx, submission)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build input")
		logger.Warn().Err(err).Msg("precheck input could not be assembled")
		return s.fail(ctx, submission, err)
	}

	result, err := s.prechecker.RunPrecheck(ctx, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "precheck failed")
		logger.Warn().Err(err).Msg("precheck failed")
		return s.fail(ctx, submission, err)
	}

	score := clampScore(result.Score, submission.MaxScore)
	update := repository.PreliminaryUpdate{
		AIScore:     score,
		Analysis:    analysisFrom(result),
		Unreadable:  result.Unreadable,
		CompletedAt: s.now(),
	}
	if feedback := strings.TrimSpace(result.Feedback); feedback != "" {
		update.Comments = &feedback
	}

	applied, err := s.submissions.MarkPreliminary(ctx, submission.ID, update)
	if err != nil {
		span.RecordError(err)
		return s.recordError(fmt.Errorf("store precheck: %w", err))
	}
	if !applied {
		observability.PipelineJobs().WithLabelValues(string(repository.StageLLM), outcomeSkipped).Inc()
		logger.Info().Msg("precheck result discarded, submission moved on")
		return nil
	}

	observability.PipelineJobs().WithLabelValues(string(repository.StageLLM), outcomeSucceeded).Inc()
	s.publish(ctx, submission, service.EventPrecheckCompleted)
	span.SetStatus(codes.Ok, "preliminary")
	logger.Info().
		Float64("ai_score", score).
		Float64("max_score", submission.MaxScore).
		Bool("unreadable", result.Unreadable).
		Str("model", result.Model).
		Msg("precheck completed")
	return nil
}

func (s *LLMStage) buildInput(ctx context.Context, submission models.Submission) (ai.PrecheckInput, error) {
	session, err := s.sessions.GetByID(ctx, submission.CourseID, submission.SessionID)
	if err != nil {
		return ai.PrecheckInput{}, fmt.Errorf("load session: %w", err)
	}
	exam, err := s.exams.GetWithTasks(ctx, submission.CourseID, session.ExamID)
	if err != nil {
		return ai.PrecheckInput{}, fmt.Errorf("load exam: %w", err)
	}

	tasks, err := taskContexts(exam, session.VariantAssignments.Data())
	if err != nil {
		return ai.PrecheckInput{}, err
	}

	images, err := s.images.ListBySubmission(ctx, submission.ID)
	if err != nil {
		return ai.PrecheckInput{}, fmt.Errorf("list images: %w", err)
	}
	if len(images) == 0 {
		return ai.PrecheckInput{}, errors.New("submission has no pages")
	}
	orderByImage := make(map[uint]int, len(images))
	pages := make([]ai.OcrPage, 0, len(images))
	for _, image := range images {
		orderByImage[image.ID] = image.OrderIndex
		markdown := ""
		if image.OcrMarkdown != nil {
			markdown = *image.OcrMarkdown
		}
		pages = append(pages, ai.OcrPage{OrderIndex: image.OrderIndex, Markdown: markdown})
	}

	issues, err := s.reviews.ListIssues(ctx, submission.ID)
	if err != nil {
		return ai.PrecheckInput{}, fmt.Errorf("list issues: %w", err)
	}
	reported := make([]ai.ReportedIssue, 0, len(issues))
	for _, issue := range issues {
		reported = append(reported, ai.ReportedIssue{
			OrderIndex:    orderByImage[issue.ImageID],
			BlockType:     issue.Anchor.Data().BlockType,
			OriginalText:  deref(issue.OriginalText),
			SuggestedText: deref(issue.SuggestedText),
			Note:          issue.Note,
			Severity:      string(issue.Severity),
		})
	}

	return ai.PrecheckInput{
		SubmissionID:  submission.ID,
		Tasks:         tasks,
		Pages:         pages,
		Issues:        reported,
		ReportSummary: deref(submission.ReportSummary),
		MaxScore:      submission.MaxScore,
	}, nil
}

// taskContexts resolves the variant each task type was assigned in the session.
func taskContexts(exam models.Exam, assignments models.VariantAssignments) ([]ai.TaskContext, error) {
	tasks := make([]ai.TaskContext, 0, len(exam.TaskTypes))
	for _, taskType := range exam.TaskTypes {
		variantID, ok := assignments[taskType.ID]
		if !ok {
			return nil, fmt.Errorf("task type %d has no assigned variant", taskType.ID)
		}
		var variant *models.TaskVariant
		for i := range taskType.Variants {
			if taskType.Variants[i].ID == variantID {
				variant = &taskType.Variants[i]
				break
			}
		}
		if variant == nil {
			return nil, fmt.Errorf("variant %d of task type %d not found", variantID, taskType.ID)
		}

		tasks = append(tasks, ai.TaskContext{
			TaskTypeID:        taskType.ID,
			Title:             taskType.Title,
			Description:       taskType.Description,
			OrderIndex:        taskType.OrderIndex,
			MaxScore:          taskType.MaxScore,
			VariantContent:    variant.Content,
			ReferenceSolution: deref(variant.ReferenceSolution),
		})
	}
	return tasks, nil
}

func analysisFrom(result ai.PrecheckResult) models.AIAnalysis {
	criteria := make([]models.CriterionScore, 0, len(result.Criteria))
	for _, criterion := range result.Criteria {
		criteria = append(criteria, models.CriterionScore{
			TaskTypeID: criterion.TaskTypeID,
			Name:       criterion.Name,
			Score:      criterion.Score,
			MaxScore:   criterion.MaxScore,
			Comment:    criterion.Comment,
		})
	}
	summary := result.Summary
	if result.Unreadable && result.UnreadableReason != "" {
		summary = strings.TrimSpace(summary + "\n" + result.UnreadableReason)
	}
	return models.AIAnalysis{
		Summary:    summary,
		Criteria:   criteria,
		Feedback:   result.Feedback,
		Unreadable: result.Unreadable,
		Model:      result.Model,
	}
}

func clampScore(score, maxScore float64) float64 {
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	if score > maxScore {
		return maxScore
	}
	return score
}

func (s *LLMStage) fail(ctx context.Context, submission models.Submission, cause error) error {
	applied, err := s.submissions.MarkLlmFailed(ctx, submission.ID, repository.StageFailure{
		Reason: cause.Error(),
		Flag:   models.FlagReasonAIProcessingError,
		At:     s.now(),
	})
	if err != nil {
		return s.recordError(fmt.Errorf("mark precheck failed: %w", err))
	}
	if !applied {
		observability.PipelineJobs().WithLabelValues(string(repository.StageLLM), outcomeSkipped).Inc()
		return nil
	}

	observability.PipelineJobs().WithLabelValues(string(repository.StageLLM), outcomeFailed).Inc()
	s.publish(ctx, submission, service.EventPrecheckFailed)
	return nil
}

func (s *LLMStage) recordError(err error) error {
	observability.PipelineJobs().WithLabelValues(string(repository.StageLLM), outcomeError).Inc()
	return err
}

func (s *LLMStage) publish(ctx context.Context, submission models.Submission, event string) {
	updated, err := s.submissions.GetByID(ctx, submission.CourseID, submission.ID)
	if err != nil {
		s.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("failed to reload submission for event")
		return
	}
	s.events.Publish(ctx, service.SubmissionEvent(event, updated))
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
