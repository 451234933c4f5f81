package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

// Stage names one pipeline phase served by the claimer.
type Stage string

const (
	StageOCR Stage = "ocr"
	StageLLM Stage = "llm"
)

// WorkItem identifies a claimed job.
type WorkItem struct {
	Stage        Stage
	SubmissionID uint
	CourseID     uint
	SessionID    uint
	StudentID    uint
	RetryCount   int
	ClaimedAt    time.Time
}

// WorkClaimer hands out at most one pending job per call without blocking on rows other
// workers hold.
type WorkClaimer interface {
	ClaimNext(ctx context.Context, stage Stage) (WorkItem, bool, error)
}

type workClaimer struct {
	db  *gorm.DB
	now func() time.Time
}

// NewWorkClaimer constructs a skip-locked claimer over the submissions table.
func NewWorkClaimer(db *gorm.DB) WorkClaimer {
	return &workClaimer{db: db, now: func() time.Time { return time.Now().UTC() }}
}

type claimSpec struct {
	eligible   func(db *gorm.DB) *gorm.DB
	retryCol   string
	claimed    func(now time.Time) map[string]interface{}
	retryCount func(models.Submission) int
}

func claimSpecFor(stage Stage) (claimSpec, error) {
	switch stage {
	case StageOCR:
		return claimSpec{
			eligible: func(db *gorm.DB) *gorm.DB {
				return db.Where("submissions.status = ? AND submissions.ocr_overall_status = ?", models.SubmissionStatusUploaded, models.OcrOverallPending).
					Where("EXISTS (SELECT 1 FROM exam_sessions es WHERE es.id = submissions.session_id AND es.submitted_at IS NOT NULL)")
			},
			retryCol: "ocr_retry_count",
			claimed: func(now time.Time) map[string]interface{} {
				return map[string]interface{}{
					"ocr_overall_status": models.OcrOverallProcessing,
					"ocr_started_at":     now,
					"ocr_completed_at":   nil,
					"ocr_error":          nil,
					"updated_at":         now,
				}
			},
			retryCount: func(s models.Submission) int { return s.OcrRetryCount },
		}, nil
	case StageLLM:
		return claimSpec{
			eligible: func(db *gorm.DB) *gorm.DB {
				return db.Where("submissions.status = ? AND submissions.llm_precheck_status = ? AND submissions.ai_request_started_at IS NULL",
					models.SubmissionStatusProcessing, models.LlmPrecheckQueued)
			},
			retryCol: "ai_retry_count",
			claimed: func(now time.Time) map[string]interface{} {
				return map[string]interface{}{
					"llm_precheck_status":   models.LlmPrecheckProcessing,
					"ai_request_started_at": now,
					"ai_error":              nil,
					"updated_at":            now,
				}
			},
			retryCount: func(s models.Submission) int { return s.AIRetryCount },
		}, nil
	default:
		return claimSpec{}, fmt.Errorf("unknown stage %q", stage)
	}
}

// ClaimNext selects the lowest-retry, oldest eligible submission with FOR UPDATE SKIP LOCKED
// and flips it to the stage's processing state in the same transaction. The update repeats
// the eligibility predicate, so a row that changed between select and update is not claimed.
func (c *workClaimer) ClaimNext(ctx context.Context, stage Stage) (WorkItem, bool, error) {
	spec, err := claimSpecFor(stage)
	if err != nil {
		return WorkItem{}, false, err
	}

	var (
		item    WorkItem
		claimed bool
	)
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []models.Submission
		if err := spec.eligible(tx.Model(&models.Submission{})).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Order("submissions." + spec.retryCol + " ASC").
			Order("submissions.created_at ASC").
			Order("submissions.id ASC").
			Limit(1).
			Find(&candidates).Error; err != nil {
			return fmt.Errorf("select %s candidate: %w", stage, err)
		}
		if len(candidates) == 0 {
			return nil
		}

		candidate := candidates[0]
		now := c.now()
		result := spec.eligible(tx.Model(&models.Submission{}).Where("submissions.id = ?", candidate.ID)).
			Updates(spec.claimed(now))
		if result.Error != nil {
			return fmt.Errorf("claim %s job: %w", stage, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		item = WorkItem{
			Stage:        stage,
			SubmissionID: candidate.ID,
			CourseID:     candidate.CourseID,
			SessionID:    candidate.SessionID,
			StudentID:    candidate.StudentID,
			RetryCount:   spec.retryCount(candidate),
			ClaimedAt:    now,
		}
		claimed = true
		return nil
	})
	if err != nil {
		return WorkItem{}, false, err
	}

	return item, claimed, nil
}
