package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/observability"
	"github.com/noah-isme/gema-exam-api/internal/repository"
	"github.com/noah-isme/gema-exam-api/internal/service"
)

const defaultSweepBatch = 100

// SweepConfig bounds one maintenance pass.
type SweepConfig struct {
	OCRStaleAfter time.Duration
	LLMStaleAfter time.Duration
	RetryCeiling  int
	BatchSize     int
}

// SweepReport counts the transitions applied by one pass.
type SweepReport struct {
	ExpiredSessions int   `json:"expired_sessions"`
	StaleOcr        int   `json:"stale_ocr"`
	StaleLlm        int   `json:"stale_llm"`
	RequeuedOcr     int   `json:"requeued_ocr"`
	QueuedAbandoned int64 `json:"queued_abandoned"`
	CompletedExams  int   `json:"completed_exams"`
}

// Sweeper repairs drift that no request or worker would otherwise fix.
type Sweeper struct {
	exams       repository.ExamRepository
	sessions    repository.SessionRepository
	submissions repository.SubmissionRepository
	events      service.EventPublisher
	cfg         SweepConfig
	logger      zerolog.Logger
	now         func() time.Time
}

// NewSweeper constructs the maintenance sweep.
func NewSweeper(
	exams repository.ExamRepository,
	sessions repository.SessionRepository,
	submissions repository.SubmissionRepository,
	events service.EventPublisher,
	cfg SweepConfig,
	logger zerolog.Logger,
) *Sweeper {
	if events == nil {
		events = service.NopEventPublisher()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSweepBatch
	}
	if cfg.RetryCeiling < 0 {
		cfg.RetryCeiling = 0
	}
	return &Sweeper{
		exams:       exams,
		sessions:    sessions,
		submissions: submissions,
		events:      events,
		cfg:         cfg,
		logger:      logger.With().Str("component", "maintenance_sweep").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run executes every sweep step once. A failing step is logged and the remaining steps
// still run; the first error is returned with the partial report.
func (s *Sweeper) Run(ctx context.Context) (SweepReport, error) {
	var (
		report   SweepReport
		firstErr error
	)
	record := func(step string, err error) {
		if err == nil {
			return
		}
		s.logger.Error().Err(err).Str("step", step).Msg("sweep step failed")
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", step, err)
		}
	}

	now := s.now()

	expired, err := s.expireSessions(ctx, now)
	report.ExpiredSessions = expired
	record("expire_sessions", err)

	staleOcr, err := s.failStaleOcr(ctx, now)
	report.StaleOcr = staleOcr
	record("stale_ocr", err)

	staleLlm, err := s.failStaleLlm(ctx, now)
	report.StaleLlm = staleLlm
	record("stale_llm", err)

	requeued, err := s.retryFailedOcr(ctx, now)
	report.RequeuedOcr = requeued
	record("retry_ocr", err)

	queued, completed, err := s.completeExams(ctx, now)
	report.QueuedAbandoned = queued
	report.CompletedExams = completed
	record("complete_exams", err)

	if ctx.Err() != nil && firstErr == nil {
		firstErr = ctx.Err()
	}

	s.logger.Info().
		Int("expired_sessions", report.ExpiredSessions).
		Int("stale_ocr", report.StaleOcr).
		Int("stale_llm", report.StaleLlm).
		Int("requeued_ocr", report.RequeuedOcr).
		Int64("queued_abandoned", report.QueuedAbandoned).
		Int("completed_exams", report.CompletedExams).
		Msg("maintenance sweep finished")

	return report, firstErr
}

func (s *Sweeper) expireSessions(ctx context.Context, now time.Time) (int, error) {
	deadlines, err := s.sessions.ListActiveDeadlines(ctx)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, row := range deadlines {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		deadline := row.ExpiresAt
		if row.ExamEndTime.Before(deadline) {
			deadline = row.ExamEndTime
		}
		if now.Before(deadline) {
			continue
		}

		applied, err := s.sessions.Expire(ctx, row.CourseID, row.ID, now)
		if err != nil {
			return expired, err
		}
		if !applied {
			continue
		}
		expired++
		observability.SweepTransitions().WithLabelValues("session_expired").Inc()
		s.events.Publish(ctx, service.PipelineEvent{
			Event:     service.EventSessionExpired,
			CourseID:  row.CourseID,
			ExamID:    row.ExamID,
			SessionID: row.ID,
		})
	}
	return expired, nil
}

func (s *Sweeper) failStaleOcr(ctx context.Context, now time.Time) (int, error) {
	if s.cfg.OCRStaleAfter <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-s.cfg.OCRStaleAfter)
	stale, err := s.submissions.ListStaleOcr(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, submission := range stale {
		applied, err := s.submissions.FailStaleOcr(ctx, submission.ID, cutoff, repository.StageFailure{
			Reason: fmt.Sprintf("ocr did not finish within %s", s.cfg.OCRStaleAfter),
			Flag:   models.FlagReasonOCRTimeout,
			At:     now,
		})
		if err != nil {
			return failed, err
		}
		if !applied {
			continue
		}
		failed++
		observability.SweepTransitions().WithLabelValues("ocr_timeout").Inc()
		s.logger.Warn().Uint("submission_id", submission.ID).Msg("stale ocr job failed")
		s.publish(ctx, submission, service.EventOcrFailed)
	}
	return failed, nil
}

func (s *Sweeper) failStaleLlm(ctx context.Context, now time.Time) (int, error) {
	if s.cfg.LLMStaleAfter <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-s.cfg.LLMStaleAfter)
	stale, err := s.submissions.ListStaleLlm(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, submission := range stale {
		applied, err := s.submissions.FailStaleLlm(ctx, submission.ID, cutoff, repository.StageFailure{
			Reason: fmt.Sprintf("precheck did not finish within %s", s.cfg.LLMStaleAfter),
			Flag:   models.FlagReasonLLMTimeout,
			At:     now,
		})
		if err != nil {
			return failed, err
		}
		if !applied {
			continue
		}
		failed++
		observability.SweepTransitions().WithLabelValues("llm_timeout").Inc()
		s.logger.Warn().Uint("submission_id", submission.ID).Msg("stale precheck failed")
		s.publish(ctx, submission, service.EventPrecheckFailed)
	}
	return failed, nil
}

func (s *Sweeper) retryFailedOcr(ctx context.Context, now time.Time) (int, error) {
	if s.cfg.RetryCeiling == 0 {
		return 0, nil
	}
	candidates, err := s.submissions.ListFailedOcrForRetry(ctx, s.cfg.RetryCeiling, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, submission := range candidates {
		settings, err := s.settingsFor(ctx, submission)
		if err != nil {
			s.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("skipping ocr retry")
			continue
		}

		applied, err := s.submissions.RequeueFailedOcr(ctx, submission.ID, s.cfg.RetryCeiling, repository.PipelineConfig{
			OCREnabled: settings.OCREnabled,
			LLMEnabled: settings.LLMPrecheckEnabled,
		}, now)
		if err != nil {
			return requeued, err
		}
		if !applied {
			continue
		}
		requeued++
		observability.SweepTransitions().WithLabelValues("ocr_requeued").Inc()
		s.logger.Info().Uint("submission_id", submission.ID).Int("attempt", submission.OcrRetryCount+1).Msg("failed ocr requeued")
		s.publish(ctx, submission, service.EventOcrRequeued)
	}
	return requeued, nil
}

func (s *Sweeper) completeExams(ctx context.Context, now time.Time) (int64, int, error) {
	exams, err := s.exams.ListReadyToComplete(ctx, now)
	if err != nil {
		return 0, 0, err
	}

	var (
		queued    int64
		completed int
	)
	for _, exam := range exams {
		if ctx.Err() != nil {
			return queued, completed, ctx.Err()
		}

		settings, err := exam.Settings.Data().Resolve()
		if err != nil {
			s.logger.Warn().Err(err).Uint("exam_id", exam.ID).Msg("exam has invalid processing settings, skipping completion")
			continue
		}

		count, err := s.submissions.QueueAbandonedForExam(ctx, exam.CourseID, exam.ID, repository.PipelineConfig{
			OCREnabled: settings.OCREnabled,
			LLMEnabled: settings.LLMPrecheckEnabled,
		}, exam.EndTime, now)
		if err != nil {
			return queued, completed, err
		}
		queued += count
		if count > 0 {
			observability.SweepTransitions().WithLabelValues("abandoned_queued").Add(float64(count))
		}

		applied, err := s.exams.MarkCompleted(ctx, exam.CourseID, exam.ID, now)
		if err != nil {
			return queued, completed, err
		}
		if !applied {
			continue
		}
		completed++
		observability.SweepTransitions().WithLabelValues("exam_completed").Inc()
		s.logger.Info().Uint("exam_id", exam.ID).Int64("queued_submissions", count).Msg("exam completed")
		s.events.Publish(ctx, service.PipelineEvent{
			Event:    service.EventExamCompleted,
			CourseID: exam.CourseID,
			ExamID:   exam.ID,
		})
	}
	return queued, completed, nil
}

func (s *Sweeper) settingsFor(ctx context.Context, submission models.Submission) (models.ProcessingSettings, error) {
	session, err := s.sessions.GetByID(ctx, submission.CourseID, submission.SessionID)
	if err != nil {
		return models.ProcessingSettings{}, fmt.Errorf("load session: %w", err)
	}
	exam, err := s.exams.GetByID(ctx, submission.CourseID, session.ExamID)
	if err != nil {
		return models.ProcessingSettings{}, fmt.Errorf("load exam: %w", err)
	}
	return exam.Settings.Data().Resolve()
}

func (s *Sweeper) publish(ctx context.Context, submission models.Submission, event string) {
	updated, err := s.submissions.GetByID(ctx, submission.CourseID, submission.ID)
	if err != nil {
		s.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("failed to reload submission for event")
		return
	}
	s.events.Publish(ctx, service.SubmissionEvent(event, updated))
}
