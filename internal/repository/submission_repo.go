package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

// PipelineConfig is the per-exam stage switchboard applied to a submission.
type PipelineConfig struct {
	OCREnabled bool
	LLMEnabled bool
}

// StageFailure describes why a stage failed and which flag to raise.
type StageFailure struct {
	Reason string
	Flag   string
	At     time.Time
}

// FinalizeUpdate is the student's OCR review verdict.
type FinalizeUpdate struct {
	Reported   bool
	Summary    *string
	LLMEnabled bool
	At         time.Time
}

// PreliminaryUpdate carries a successful LLM precheck result.
type PreliminaryUpdate struct {
	AIScore     float64
	Analysis    models.AIAnalysis
	Comments    *string
	Unreadable  bool
	CompletedAt time.Time
}

// TeacherDecision carries an approve or override action.
type TeacherDecision struct {
	Score      float64
	ReviewerID uint
	Comments   *string
	At         time.Time
}

// SubmissionRepository owns every state machine write on submissions. Each transition is a
// conditional update; a false result means the precondition no longer held and nothing changed.
type SubmissionRepository interface {
	GetByID(ctx context.Context, courseID, id uint) (models.Submission, error)
	FindBySession(ctx context.Context, courseID, sessionID uint) (models.Submission, bool, error)
	CreateIfAbsent(ctx context.Context, candidate models.Submission) (models.Submission, error)
	ConfigureAfterSubmit(ctx context.Context, courseID, sessionID uint, cfg PipelineConfig, submittedAt time.Time) (bool, error)

	MarkOcrInReview(ctx context.Context, id uint, at time.Time) (bool, error)
	MarkOcrFailed(ctx context.Context, id uint, failure StageFailure) (bool, error)
	FinalizeOcrReview(ctx context.Context, id uint, update FinalizeUpdate) (bool, error)
	MarkPreliminary(ctx context.Context, id uint, update PreliminaryUpdate) (bool, error)
	MarkLlmFailed(ctx context.Context, id uint, failure StageFailure) (bool, error)

	Approve(ctx context.Context, id uint, decision TeacherDecision) (bool, error)
	OverrideScore(ctx context.Context, id uint, decision TeacherDecision) (bool, error)
	QueueRegrade(ctx context.Context, id uint, at time.Time) (bool, error)

	ListFailedOcrForRetry(ctx context.Context, ceiling, limit int) ([]models.Submission, error)
	RequeueFailedOcr(ctx context.Context, id uint, ceiling int, cfg PipelineConfig, at time.Time) (bool, error)
	ListStaleOcr(ctx context.Context, cutoff time.Time, limit int) ([]models.Submission, error)
	FailStaleOcr(ctx context.Context, id uint, cutoff time.Time, failure StageFailure) (bool, error)
	ListStaleLlm(ctx context.Context, cutoff time.Time, limit int) ([]models.Submission, error)
	FailStaleLlm(ctx context.Context, id uint, cutoff time.Time, failure StageFailure) (bool, error)
	QueueAbandonedForExam(ctx context.Context, courseID, examID uint, cfg PipelineConfig, deadline, now time.Time) (int64, error)
}

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository constructs a submission repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) GetByID(ctx context.Context, courseID, id uint) (models.Submission, error) {
	var submission models.Submission
	if err := r.db.WithContext(ctx).Where("course_id = ? AND id = ?", courseID, id).First(&submission).Error; err != nil {
		return models.Submission{}, err
	}
	return submission, nil
}

func (r *submissionRepository) FindBySession(ctx context.Context, courseID, sessionID uint) (models.Submission, bool, error) {
	return findSubmissionBySession(r.db.WithContext(ctx), courseID, sessionID)
}

func findSubmissionBySession(db *gorm.DB, courseID, sessionID uint) (models.Submission, bool, error) {
	var submissions []models.Submission
	if err := db.Where("course_id = ? AND session_id = ?", courseID, sessionID).Limit(1).Find(&submissions).Error; err != nil {
		return models.Submission{}, false, err
	}
	if len(submissions) == 0 {
		return models.Submission{}, false, nil
	}
	return submissions[0], true, nil
}

// CreateIfAbsent inserts the submission unless the session already has one, and returns the stored row.
func (r *submissionRepository) CreateIfAbsent(ctx context.Context, candidate models.Submission) (models.Submission, error) {
	return createSubmissionIfAbsent(r.db.WithContext(ctx), candidate)
}

func createSubmissionIfAbsent(db *gorm.DB, candidate models.Submission) (models.Submission, error) {
	if candidate.FlagReasons == nil {
		candidate.FlagReasons = datatypes.JSONSlice[string]{}
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoNothing: true,
	}).Create(&candidate).Error; err != nil {
		return models.Submission{}, fmt.Errorf("insert submission: %w", err)
	}

	stored, found, err := findSubmissionBySession(db, candidate.CourseID, candidate.SessionID)
	if err != nil {
		return models.Submission{}, err
	}
	if !found {
		return models.Submission{}, gorm.ErrRecordNotFound
	}
	return stored, nil
}

// ConfigureAfterSubmit applies the exam's stage settings once the student submits. Rows a
// worker already owns, or whose OCR has started, are never touched.
func (r *submissionRepository) ConfigureAfterSubmit(ctx context.Context, courseID, sessionID uint, cfg PipelineConfig, submittedAt time.Time) (bool, error) {
	result := configureSubmitted(r.db.WithContext(ctx).Where("course_id = ? AND session_id = ?", courseID, sessionID), cfg, submittedAt)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func configureSubmitted(scope *gorm.DB, cfg PipelineConfig, submittedAt time.Time) *gorm.DB {
	updates := map[string]interface{}{
		"submitted_at": submittedAt,
		"updated_at":   submittedAt,
	}
	if cfg.OCREnabled {
		updates["status"] = models.SubmissionStatusUploaded
		updates["ocr_overall_status"] = models.OcrOverallPending
		if cfg.LLMEnabled {
			updates["llm_precheck_status"] = models.LlmPrecheckQueued
		} else {
			updates["llm_precheck_status"] = models.LlmPrecheckSkipped
		}
	} else {
		updates["status"] = models.SubmissionStatusPreliminary
		updates["ocr_overall_status"] = models.OcrOverallNotRequired
		updates["llm_precheck_status"] = models.LlmPrecheckSkipped
	}

	return scope.Model(&models.Submission{}).
		Where("status NOT IN ?", models.WorkerOwnedStatuses).
		Where("ocr_overall_status IN ?", []models.OcrOverallStatus{models.OcrOverallPending, models.OcrOverallNotRequired}).
		Updates(updates)
}

// transition locks the submission row, checks the precondition, and applies updates built
// from the current row. The precondition is repeated on the UPDATE itself.
func (r *submissionRepository) transition(ctx context.Context, id uint, where func(*gorm.DB) *gorm.DB, build func(current models.Submission) map[string]interface{}, after func(tx *gorm.DB) error) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.Submission
		if err := where(tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id)).
			Limit(1).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		result := where(tx.Model(&models.Submission{}).Where("id = ?", id)).Updates(build(rows[0]))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		applied = true
		if after != nil {
			return after(tx)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func mergeFlags(existing []string, add ...string) datatypes.JSONSlice[string] {
	merged := make(datatypes.JSONSlice[string], 0, len(existing)+len(add))
	seen := make(map[string]struct{}, len(existing)+len(add))
	for _, flag := range append(append([]string{}, existing...), add...) {
		if flag == "" {
			continue
		}
		if _, ok := seen[flag]; ok {
			continue
		}
		seen[flag] = struct{}{}
		merged = append(merged, flag)
	}
	return merged
}

func strPtr(value string) *string {
	return &value
}

// MarkOcrInReview records that every page was recognised and hands the submission to the student.
func (r *submissionRepository) MarkOcrInReview(ctx context.Context, id uint, at time.Time) (bool, error) {
	return r.transition(ctx, id,
		func(db *gorm.DB) *gorm.DB {
			return db.Where("ocr_overall_status = ?", models.OcrOverallProcessing)
		},
		func(models.Submission) map[string]interface{} {
			return map[string]interface{}{
				"ocr_overall_status": models.OcrOverallInReview,
				"ocr_completed_at":   at,
				"ocr_error":          nil,
				"updated_at":         at,
			}
		},
		func(tx *gorm.DB) error {
			return clearReviews(tx, id)
		},
	)
}

func (r *submissionRepository) MarkOcrFailed(ctx context.Context, id uint, failure StageFailure) (bool, error) {
	return r.transition(ctx, id,
		func(db *gorm.DB) *gorm.DB {
			return db.Where("ocr_overall_status = ?", models.OcrOverallProcessing)
		},
		func(current models.Submission) map[string]interface{} {
			return map[string]interface{}{
				"ocr_overall_status": models.OcrOverallFailed,
				"status":             models.SubmissionStatusFlagged,
				"is_flagged":         true,
				"flag_reasons":       mergeFlags(current.FlagReasons, failure.Flag),
				"ocr_error":          strPtr(failure.Reason),
				"ocr_completed_at":   failure.At,
				"updated_at":         failure.At,
			}
		},
		nil,
	)
}

// FinalizeOcrReview closes the student review. With LLM disabled the submission goes straight
// to preliminary so that status and stage sub-states stay consistent.
func (r *submissionRepository) FinalizeOcrReview(ctx context.Context, id uint, update FinalizeUpdate) (bool, error) {
	return r.transition(ctx, id,
		func(db *gorm.DB) *gorm.DB {
			return db.Where("ocr_overall_status = ?", models.OcrOverallInReview)
		},
		func(models.Submission) map[string]interface{} {
			values := map[string]interface{}{
				"report_flag":    update.Reported,
				"report_summary": update.Summary,
				"updated_at":     update.At,
			}
			if update.Reported {
				values["ocr_overall_status"] = models.OcrOverallReported
			} else {
				values["ocr_overall_status"] = models.OcrOverallValidated
			}
			if update.LLMEnabled {
				values["llm_precheck_status"] = models.LlmPrecheckQueued
				values["status"] = models.SubmissionStatusProcessing
				values["ai_request_started_at"] = nil
				values["ai_error"] = nil
			} else {
				values["llm_precheck_status"] = models.LlmPrecheckSkipped
				values["status"] = models.SubmissionStatusPreliminary
			}
			return values
		},
		nil,
	)
}

func (r *submissionRepository) MarkPreliminary(ctx context.Context, id uint, update PreliminaryUpdate) (bool, error) {
	return r.transition(ctx, id,
		func(db *gorm.DB) *gorm.DB {
			return db.Where("llm_precheck_status = ?", models.LlmPrecheckProcessing)
		},
		func(current models.Submission) map[string]interface{} {
			values := map[string]interface{}{
				"llm_precheck_status":     models.LlmPrecheckCompleted,
				"status":                  models.SubmissionStatusPreliminary,
				"ai_score":                update.AIScore,
				"ai_analysis":             datatypes.NewJSONType(update.Analysis),
				"ai_comments":             update.Comments,
				"ai_processed_at":         update.CompletedAt,
				"ai_request_completed_at": update.CompletedAt,
				"ai_error":                nil,
				"is_flagged":              false,
				"flag_reasons":            datatypes.JSONSlice[string]{},
				"updated_at":              update.CompletedAt,
			}
			if update.Unreadable {
				values["status"] = models.SubmissionStatusFlagged
				values["is_flagged"] = true
				values["flag_reasons"] = mergeFlags(nil, models.FlagReasonUnreadableImages)
			}
			return values
		},
		nil,
	)
}

func (r *submissionRepository) MarkLlmFailed(ctx context.Context, id uint, failure StageFailure) (bool, error) {
	return r.transition(ctx, id,
		func(db *gorm.DB) *gorm.DB {
			return db.Where("llm_precheck_status = ?", models.LlmPrecheckProcessing)
		},
		func(current models.Submission) map[string]interface{} {
			return llmFailureUpdates(current, failure)
		},
		nil,
	)
}

func llmFailureUpdates(current models.Submission, failure StageFailure) map[string]interface{} {
	return map[string]interface{}{
		"llm_precheck_status":     models.LlmPrecheckFailed,
		"status":                  models.SubmissionStatusFlagged,
		"is_flagged":              true,
		"flag_reasons":            mergeFlags(current.FlagReasons, failure.Flag),
		"ai_error":                strPtr(failure.Reason),
		"ai_request_completed_at": failure.At,
		"updated_at":              failure.At,
	}
}

func (r *submissionRepository) Approve(ctx context.Context, id uint, decision TeacherDecision) (bool, error) {
	return r.transition(ctx, id,
		func(db *gorm.DB) *gorm.DB {
			return db.Where("status = ? AND ai_score IS NOT NULL", models.SubmissionStatusPreliminary)
		},
		func(models.Submission) map[string]interface{} {
			return teacherDecisionUpdates(decision)
		},
		nil,
	)
}

// OverrideScore is accepted from any status except rejected, but not while a worker holds a stage.
func (r *submissionRepository) OverrideScore(ctx context.Context, id uint, decision TeacherDecision) (bool, error) {
	return r.transition(ctx, id,
		func(db *gorm.DB) *gorm.DB {
			return db.Where("status <> ?", models.SubmissionStatusRejected).
				Where("ocr_overall_status <> ? AND llm_precheck_status <> ?", models.OcrOverallProcessing, models.LlmPrecheckProcessing)
		},
		func(models.Submission) map[string]interface{} {
			return teacherDecisionUpdates(decision)
		},
		nil,
	)
}

func teacherDecisionUpdates(decision TeacherDecision) map[string]interface{} {
	values := map[string]interface{}{
		"status":      models.SubmissionStatusApproved,
		"final_score": decision.Score,
		"reviewed_by": decision.ReviewerID,
		"reviewed_at": decision.At,
		"is_flagged":  false,
		"updated_at":  decision.At,
	}
	if decision.Comments != nil {
		values["teacher_comments"] = decision.Comments
	}
	return values
}

func (r *submissionRepository) QueueRegrade(ctx context.Context, id uint, at time.Time) (bool, error) {
	return r.transition(ctx, id,
		func(db *gorm.DB) *gorm.DB {
			return db.Where("status IN ?", []models.SubmissionStatus{
				models.SubmissionStatusPreliminary,
				models.SubmissionStatusApproved,
				models.SubmissionStatusFlagged,
				models.SubmissionStatusRejected,
			}).Where("ocr_overall_status IN ?", []models.OcrOverallStatus{
				models.OcrOverallValidated,
				models.OcrOverallReported,
				models.OcrOverallNotRequired,
			})
		},
		func(current models.Submission) map[string]interface{} {
			return map[string]interface{}{
				"status":                  models.SubmissionStatusProcessing,
				"llm_precheck_status":     models.LlmPrecheckQueued,
				"ai_retry_count":          current.AIRetryCount + 1,
				"ai_request_started_at":   nil,
				"ai_request_completed_at": nil,
				"ai_error":                nil,
				"is_flagged":              false,
				"flag_reasons":            datatypes.JSONSlice[string]{},
				"updated_at":              at,
			}
		},
		nil,
	)
}

func (r *submissionRepository) ListFailedOcrForRetry(ctx context.Context, ceiling, limit int) ([]models.Submission, error) {
	var submissions []models.Submission
	err := retryableOcrScope(r.db.WithContext(ctx), ceiling).
		Order("ocr_retry_count ASC, updated_at ASC").
		Limit(limit).
		Find(&submissions).Error
	return submissions, err
}

// retryableOcrScope matches OCR failures still awaiting a decision. Once a teacher has
// approved or rejected the submission it is never requeued.
func retryableOcrScope(db *gorm.DB, ceiling int) *gorm.DB {
	return db.Where("status = ? AND ocr_overall_status = ? AND ocr_retry_count < ?",
		models.SubmissionStatusFlagged, models.OcrOverallFailed, ceiling)
}

// RequeueFailedOcr resets a failed OCR submission for another pass, clearing page OCR output
// and any student reviews. Submissions at or past the ceiling stay failed.
func (r *submissionRepository) RequeueFailedOcr(ctx context.Context, id uint, ceiling int, cfg PipelineConfig, at time.Time) (bool, error) {
	return r.transition(ctx, id,
		func(db *gorm.DB) *gorm.DB {
			return retryableOcrScope(db, ceiling)
		},
		func(current models.Submission) map[string]interface{} {
			llm := models.LlmPrecheckSkipped
			if cfg.LLMEnabled {
				llm = models.LlmPrecheckQueued
			}
			return map[string]interface{}{
				"status":              models.SubmissionStatusUploaded,
				"ocr_overall_status":  models.OcrOverallPending,
				"llm_precheck_status": llm,
				"ocr_retry_count":     current.OcrRetryCount + 1,
				"ocr_started_at":      nil,
				"ocr_completed_at":    nil,
				"ocr_error":           nil,
				"report_flag":         false,
				"report_summary":      nil,
				"is_flagged":          false,
				"flag_reasons":        datatypes.JSONSlice[string]{},
				"updated_at":          at,
			}
		},
		func(tx *gorm.DB) error {
			if err := resetImagesOcr(tx, id, at); err != nil {
				return err
			}
			return clearReviews(tx, id)
		},
	)
}

// ListStaleOcr returns OCR jobs whose submission and every page started before the cutoff.
func (r *submissionRepository) ListStaleOcr(ctx context.Context, cutoff time.Time, limit int) ([]models.Submission, error) {
	var submissions []models.Submission
	err := staleOcrScope(r.db.WithContext(ctx), cutoff).
		Order("ocr_started_at ASC").
		Limit(limit).
		Find(&submissions).Error
	return submissions, err
}

func staleOcrScope(db *gorm.DB, cutoff time.Time) *gorm.DB {
	return db.Where("submissions.ocr_overall_status = ? AND submissions.ocr_started_at IS NOT NULL AND submissions.ocr_started_at < ?", models.OcrOverallProcessing, cutoff).
		Where("NOT EXISTS (SELECT 1 FROM submission_images si WHERE si.submission_id = submissions.id AND si.ocr_status = ? AND si.ocr_started_at >= ?)", models.OcrImageProcessing, cutoff)
}

func (r *submissionRepository) FailStaleOcr(ctx context.Context, id uint, cutoff time.Time, failure StageFailure) (bool, error) {
	return r.transition(ctx, id,
		func(db *gorm.DB) *gorm.DB {
			return staleOcrScope(db, cutoff)
		},
		func(current models.Submission) map[string]interface{} {
			return map[string]interface{}{
				"ocr_overall_status": models.OcrOverallFailed,
				"status":             models.SubmissionStatusFlagged,
				"is_flagged":         true,
				"flag_reasons":       mergeFlags(current.FlagReasons, failure.Flag),
				"ocr_error":          strPtr(failure.Reason),
				"ocr_completed_at":   failure.At,
				"updated_at":         failure.At,
			}
		},
		func(tx *gorm.DB) error {
			return tx.Model(&models.SubmissionImage{}).
				Where("submission_id = ? AND ocr_status = ?", id, models.OcrImageProcessing).
				Updates(map[string]interface{}{
					"ocr_status":       models.OcrImageFailed,
					"ocr_error":        strPtr(failure.Reason),
					"ocr_completed_at": failure.At,
					"updated_at":       failure.At,
				}).Error
		},
	)
}

func (r *submissionRepository) ListStaleLlm(ctx context.Context, cutoff time.Time, limit int) ([]models.Submission, error) {
	var submissions []models.Submission
	err := r.db.WithContext(ctx).
		Where("llm_precheck_status = ? AND ai_request_started_at IS NOT NULL AND ai_request_started_at < ?", models.LlmPrecheckProcessing, cutoff).
		Order("ai_request_started_at ASC").
		Limit(limit).
		Find(&submissions).Error
	return submissions, err
}

func (r *submissionRepository) FailStaleLlm(ctx context.Context, id uint, cutoff time.Time, failure StageFailure) (bool, error) {
	return r.transition(ctx, id,
		func(db *gorm.DB) *gorm.DB {
			return db.Where("llm_precheck_status = ? AND ai_request_started_at IS NOT NULL AND ai_request_started_at < ?", models.LlmPrecheckProcessing, cutoff)
		},
		func(current models.Submission) map[string]interface{} {
			return llmFailureUpdates(current, failure)
		},
		nil,
	)
}

// QueueAbandonedForExam finalises submissions of an ended exam whose students uploaded pages
// but never pressed submit: their sessions receive the exam deadline as submit time and the
// submissions are configured so the OCR claimer can pick them up.
func (r *submissionRepository) QueueAbandonedForExam(ctx context.Context, courseID, examID uint, cfg PipelineConfig, deadline, now time.Time) (int64, error) {
	var queued int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ExamSession{}).
			Where("course_id = ? AND exam_id = ? AND status = ?", courseID, examID, models.SessionStatusActive).
			Updates(map[string]interface{}{
				"status":     models.SessionStatusExpired,
				"updated_at": now,
			}).Error; err != nil {
			return fmt.Errorf("expire sessions: %w", err)
		}

		var sessionIDs []uint
		if err := tx.Model(&models.Submission{}).
			Joins("JOIN exam_sessions ON exam_sessions.id = submissions.session_id").
			Where("submissions.course_id = ? AND exam_sessions.exam_id = ? AND exam_sessions.submitted_at IS NULL", courseID, examID).
			Where("submissions.status = ?", models.SubmissionStatusUploaded).
			Where("submissions.ocr_overall_status IN ?", []models.OcrOverallStatus{models.OcrOverallPending, models.OcrOverallNotRequired}).
			Pluck("submissions.session_id", &sessionIDs).Error; err != nil {
			return fmt.Errorf("list abandoned submissions: %w", err)
		}
		if len(sessionIDs) == 0 {
			return nil
		}

		if err := tx.Model(&models.ExamSession{}).
			Where("id IN ? AND submitted_at IS NULL", sessionIDs).
			Updates(map[string]interface{}{
				"submitted_at": deadline,
				"updated_at":   now,
			}).Error; err != nil {
			return fmt.Errorf("stamp session deadline: %w", err)
		}

		result := configureSubmitted(tx.Where("course_id = ? AND session_id IN ?", courseID, sessionIDs), cfg, deadline)
		if result.Error != nil {
			return fmt.Errorf("queue abandoned submissions: %w", result.Error)
		}
		queued = result.RowsAffected
		return nil
	})
	return queued, err
}
