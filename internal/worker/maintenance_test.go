package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/repository"
	"github.com/noah-isme/gema-exam-api/internal/service"
)

type sweepHarness struct {
	db      *gorm.DB
	repos   repos
	events  *recordingPublisher
	sweeper *Sweeper
	now     time.Time
}

func newSweepHarness(t *testing.T) *sweepHarness {
	t.Helper()

	db := setupWorkerDB(t)
	h := &sweepHarness{
		db:     db,
		repos:  newRepos(db),
		events: &recordingPublisher{},
		now:    time.Now().UTC(),
	}
	h.sweeper = NewSweeper(h.repos.exams, h.repos.sessions, h.repos.submissions, h.events, SweepConfig{
		OCRStaleAfter: 30 * time.Minute,
		LLMStaleAfter: 10 * time.Minute,
		RetryCeiling:  2,
		BatchSize:     10,
	}, nopLogger())
	h.sweeper.now = func() time.Time { return h.now }
	return h
}

func (h *sweepHarness) openExam(t *testing.T) models.Exam {
	t.Helper()
	exam, _, _ := seedExam(t, h.db, h.now.Add(-3*time.Hour), h.now.Add(3*time.Hour), models.ExamSettings{})
	return exam
}

func TestSweepExpiresOverdueSessions(t *testing.T) {
	h := newSweepHarness(t)
	exam := h.openExam(t)
	overdue := seedSession(t, h.db, exam, sessionSeed{
		studentID: 1,
		status:    models.SessionStatusActive,
		expiresAt: h.now.Add(-time.Minute),
	})
	running := seedSession(t, h.db, exam, sessionSeed{
		studentID: 2,
		status:    models.SessionStatusActive,
		expiresAt: h.now.Add(time.Hour),
	})

	report, err := h.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.ExpiredSessions)

	stored, err := h.repos.sessions.GetByID(context.Background(), courseID, overdue.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusExpired, stored.Status)

	stored, err = h.repos.sessions.GetByID(context.Background(), courseID, running.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusActive, stored.Status)

	require.Equal(t, []string{service.EventSessionExpired}, h.events.names())
}

func TestSweepFailsStaleOcrJobs(t *testing.T) {
	h := newSweepHarness(t)
	h.sweeper.cfg.RetryCeiling = 0
	exam := h.openExam(t)

	stale := seedSubmission(t, h.db, seedSession(t, h.db, exam, sessionSeed{studentID: 1}), submissionSeed{
		status:     models.SubmissionStatusUploaded,
		ocr:        models.OcrOverallProcessing,
		llm:        models.LlmPrecheckQueued,
		ocrStarted: timePtr(h.now.Add(-2 * time.Hour)),
	})
	stalePage := seedPage(t, h.db, stale, 0, models.OcrImageProcessing, "")

	fresh := seedSubmission(t, h.db, seedSession(t, h.db, exam, sessionSeed{studentID: 2}), submissionSeed{
		status:     models.SubmissionStatusUploaded,
		ocr:        models.OcrOverallProcessing,
		llm:        models.LlmPrecheckQueued,
		ocrStarted: timePtr(h.now.Add(-time.Minute)),
	})

	report, err := h.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.StaleOcr)

	stored := reload(t, h.repos, stale.ID)
	require.Equal(t, models.OcrOverallFailed, stored.OcrOverallStatus)
	require.Equal(t, models.SubmissionStatusFlagged, stored.Status)
	require.Contains(t, []string(stored.FlagReasons), models.FlagReasonOCRTimeout)

	page, err := h.repos.images.GetByID(context.Background(), stale.ID, stalePage.ID)
	require.NoError(t, err)
	require.Equal(t, models.OcrImageFailed, page.OcrStatus)

	require.Equal(t, models.OcrOverallProcessing, reload(t, h.repos, fresh.ID).OcrOverallStatus)
}

func TestSweepFailsStalePrecheck(t *testing.T) {
	h := newSweepHarness(t)
	exam := h.openExam(t)

	stale := seedSubmission(t, h.db, seedSession(t, h.db, exam, sessionSeed{}), submissionSeed{
		status:    models.SubmissionStatusProcessing,
		ocr:       models.OcrOverallValidated,
		llm:       models.LlmPrecheckProcessing,
		aiStarted: timePtr(h.now.Add(-time.Hour)),
	})

	report, err := h.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.StaleLlm)

	stored := reload(t, h.repos, stale.ID)
	require.Equal(t, models.LlmPrecheckFailed, stored.LlmPrecheckStatus)
	require.Contains(t, []string(stored.FlagReasons), models.FlagReasonLLMTimeout)
	require.Equal(t, []string{service.EventPrecheckFailed}, h.events.names())
}

func TestSweepRequeuesFailedOcrBelowCeiling(t *testing.T) {
	h := newSweepHarness(t)
	exam := h.openExam(t)

	submittedAt := timePtr(h.now.Add(-time.Hour))
	retryable := seedSubmission(t, h.db, seedSession(t, h.db, exam, sessionSeed{studentID: 1, submittedAt: submittedAt}), submissionSeed{
		status:      models.SubmissionStatusFlagged,
		ocr:         models.OcrOverallFailed,
		llm:         models.LlmPrecheckQueued,
		ocrRetries:  1,
		flagReasons: []string{models.FlagReasonOCRFailed},
	})
	page := seedPage(t, h.db, retryable, 0, models.OcrImageFailed, "")

	exhausted := seedSubmission(t, h.db, seedSession(t, h.db, exam, sessionSeed{studentID: 2, submittedAt: submittedAt}), submissionSeed{
		status:      models.SubmissionStatusFlagged,
		ocr:         models.OcrOverallFailed,
		llm:         models.LlmPrecheckQueued,
		ocrRetries:  2,
		flagReasons: []string{models.FlagReasonOCRFailed},
	})

	report, err := h.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.RequeuedOcr)

	stored := reload(t, h.repos, retryable.ID)
	require.Equal(t, models.SubmissionStatusUploaded, stored.Status)
	require.Equal(t, models.OcrOverallPending, stored.OcrOverallStatus)
	require.Equal(t, 2, stored.OcrRetryCount)
	require.False(t, stored.IsFlagged)

	reset, err := h.repos.images.GetByID(context.Background(), retryable.ID, page.ID)
	require.NoError(t, err)
	require.Equal(t, models.OcrImagePending, reset.OcrStatus)

	require.Equal(t, models.OcrOverallFailed, reload(t, h.repos, exhausted.ID).OcrOverallStatus)
	require.Equal(t, []string{service.EventOcrRequeued}, h.events.names())

	item, ok, err := repository.NewWorkClaimer(h.db).ClaimNext(context.Background(), repository.StageOCR)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, retryable.ID, item.SubmissionID)
	require.Equal(t, 2, item.RetryCount)
}

func TestSweepLeavesTeacherApprovedOcrFailureAlone(t *testing.T) {
	h := newSweepHarness(t)
	exam := h.openExam(t)

	submission := seedSubmission(t, h.db, seedSession(t, h.db, exam, sessionSeed{studentID: 3, submittedAt: timePtr(h.now.Add(-time.Hour))}), submissionSeed{
		status:      models.SubmissionStatusFlagged,
		ocr:         models.OcrOverallFailed,
		llm:         models.LlmPrecheckQueued,
		flagReasons: []string{models.FlagReasonOCRFailed},
	})
	overridden, err := h.repos.submissions.OverrideScore(context.Background(), submission.ID, repository.TeacherDecision{Score: 15, ReviewerID: 9, At: h.now})
	require.NoError(t, err)
	require.True(t, overridden)

	report, err := h.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.RequeuedOcr)

	stored := reload(t, h.repos, submission.ID)
	require.Equal(t, models.SubmissionStatusApproved, stored.Status)
	require.Equal(t, models.OcrOverallFailed, stored.OcrOverallStatus)
	require.NotContains(t, h.events.names(), service.EventOcrRequeued)
}

func TestSweepRetryDisabledWithZeroCeiling(t *testing.T) {
	h := newSweepHarness(t)
	h.sweeper.cfg.RetryCeiling = 0
	exam := h.openExam(t)

	failed := seedSubmission(t, h.db, seedSession(t, h.db, exam, sessionSeed{}), submissionSeed{
		status:      models.SubmissionStatusFlagged,
		ocr:         models.OcrOverallFailed,
		llm:         models.LlmPrecheckQueued,
		flagReasons: []string{models.FlagReasonOCRFailed},
	})

	report, err := h.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.RequeuedOcr)
	require.Equal(t, models.OcrOverallFailed, reload(t, h.repos, failed.ID).OcrOverallStatus)
}

func TestSweepCompletesEndedExamAndQueuesAbandonedUploads(t *testing.T) {
	h := newSweepHarness(t)
	exam, _, _ := seedExam(t, h.db, h.now.Add(-3*time.Hour), h.now.Add(-5*time.Minute), models.ExamSettings{})

	abandoned := seedSession(t, h.db, exam, sessionSeed{
		studentID: 1,
		status:    models.SessionStatusActive,
		expiresAt: h.now.Add(-5 * time.Minute),
	})
	uploads := seedSubmission(t, h.db, abandoned, submissionSeed{
		status: models.SubmissionStatusUploaded,
		ocr:    models.OcrOverallPending,
		llm:    models.LlmPrecheckSkipped,
	})
	seedPage(t, h.db, uploads, 0, models.OcrImagePending, "")

	report, err := h.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.CompletedExams)
	require.Equal(t, int64(1), report.QueuedAbandoned)

	completed, err := h.repos.exams.GetByID(context.Background(), courseID, exam.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExamStatusCompleted, completed.Status)

	session, err := h.repos.sessions.GetByID(context.Background(), courseID, abandoned.ID)
	require.NoError(t, err)
	require.NotNil(t, session.SubmittedAt)
	require.True(t, session.SubmittedAt.Equal(exam.EndTime))

	stored := reload(t, h.repos, uploads.ID)
	require.Equal(t, models.OcrOverallPending, stored.OcrOverallStatus)
	require.Equal(t, models.LlmPrecheckQueued, stored.LlmPrecheckStatus)

	require.Contains(t, h.events.names(), service.EventExamCompleted)

	item, ok, err := repository.NewWorkClaimer(h.db).ClaimNext(context.Background(), repository.StageOCR)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uploads.ID, item.SubmissionID)

	again, err := h.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, again.CompletedExams)
}
