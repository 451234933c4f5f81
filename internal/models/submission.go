package models

import (
	"time"

	"gorm.io/datatypes"
)

// SubmissionStatus is the top-level grading state of a submission.
type SubmissionStatus string

const (
	SubmissionStatusUploaded    SubmissionStatus = "uploaded"
	SubmissionStatusProcessing  SubmissionStatus = "processing"
	SubmissionStatusPreliminary SubmissionStatus = "preliminary"
	SubmissionStatusApproved    SubmissionStatus = "approved"
	SubmissionStatusFlagged     SubmissionStatus = "flagged"
	SubmissionStatusRejected    SubmissionStatus = "rejected"
)

// WorkerOwnedStatuses are the statuses a late submit retry must never overwrite.
var WorkerOwnedStatuses = []SubmissionStatus{
	SubmissionStatusProcessing,
	SubmissionStatusPreliminary,
	SubmissionStatusApproved,
	SubmissionStatusFlagged,
	SubmissionStatusRejected,
}

// OcrOverallStatus is the submission level OCR sub-state.
type OcrOverallStatus string

const (
	OcrOverallNotRequired OcrOverallStatus = "not_required"
	OcrOverallPending     OcrOverallStatus = "pending"
	OcrOverallProcessing  OcrOverallStatus = "processing"
	OcrOverallInReview    OcrOverallStatus = "in_review"
	OcrOverallValidated   OcrOverallStatus = "validated"
	OcrOverallReported    OcrOverallStatus = "reported"
	OcrOverallFailed      OcrOverallStatus = "failed"
)

// LlmPrecheckStatus is the submission level LLM sub-state.
type LlmPrecheckStatus string

const (
	LlmPrecheckSkipped    LlmPrecheckStatus = "skipped"
	LlmPrecheckQueued     LlmPrecheckStatus = "queued"
	LlmPrecheckProcessing LlmPrecheckStatus = "processing"
	LlmPrecheckCompleted  LlmPrecheckStatus = "completed"
	LlmPrecheckFailed     LlmPrecheckStatus = "failed"
)

// Machine readable flag reasons surfaced to teachers.
const (
	FlagReasonOCRFailed         = "ocr_failed"
	FlagReasonNoImages          = "no_images"
	FlagReasonOCRTimeout        = "ocr_timeout"
	FlagReasonAIProcessingError = "ai_processing_error"
	FlagReasonLLMTimeout        = "llm_timeout"
	FlagReasonUnreadableImages  = "unreadable_images"
)

// CriterionScore is one rubric line produced by the LLM precheck.
type CriterionScore struct {
	TaskTypeID uint    `json:"task_type_id,omitempty"`
	Name       string  `json:"name"`
	Score      float64 `json:"score"`
	MaxScore   float64 `json:"max_score"`
	Comment    string  `json:"comment,omitempty"`
}

// AIAnalysis is the structured LLM output persisted with the submission.
type AIAnalysis struct {
	Summary    string           `json:"summary,omitempty"`
	Criteria   []CriterionScore `json:"criteria,omitempty"`
	Feedback   string           `json:"feedback,omitempty"`
	Unreadable bool             `json:"unreadable,omitempty"`
	Model      string           `json:"model,omitempty"`
}

// Submission is the gradable artifact for one session.
type Submission struct {
	ID                   uint                           `gorm:"primaryKey" json:"id"`
	CourseID             uint                           `gorm:"not null;index" json:"course_id"`
	SessionID            uint                           `gorm:"not null;uniqueIndex" json:"session_id"`
	StudentID            uint                           `gorm:"not null;index" json:"student_id"`
	Status               SubmissionStatus               `gorm:"size:16;not null;index" json:"status"`
	OcrOverallStatus     OcrOverallStatus               `gorm:"size:16;not null;default:pending;index" json:"ocr_overall_status"`
	LlmPrecheckStatus    LlmPrecheckStatus              `gorm:"size:16;not null;default:skipped;index" json:"llm_precheck_status"`
	ReportFlag           bool                           `gorm:"not null;default:false" json:"report_flag"`
	ReportSummary        *string                        `gorm:"type:text" json:"report_summary,omitempty"`
	AIScore              *float64                       `json:"ai_score,omitempty"`
	FinalScore           *float64                       `json:"final_score,omitempty"`
	MaxScore             float64                        `gorm:"not null;default:0" json:"max_score"`
	OcrRetryCount        int                            `gorm:"not null;default:0" json:"ocr_retry_count"`
	AIRetryCount         int                            `gorm:"not null;default:0" json:"ai_retry_count"`
	OcrStartedAt         *time.Time                     `json:"ocr_started_at,omitempty"`
	OcrCompletedAt       *time.Time                     `json:"ocr_completed_at,omitempty"`
	OcrError             *string                        `gorm:"type:text" json:"ocr_error,omitempty"`
	AIRequestStartedAt   *time.Time                     `json:"ai_request_started_at,omitempty"`
	AIRequestCompletedAt *time.Time                     `json:"ai_request_completed_at,omitempty"`
	AIProcessedAt        *time.Time                     `json:"ai_processed_at,omitempty"`
	AIError              *string                        `gorm:"type:text" json:"ai_error,omitempty"`
	AIAnalysis           datatypes.JSONType[AIAnalysis] `json:"ai_analysis"`
	AIComments           *string                        `gorm:"type:text" json:"ai_comments,omitempty"`
	TeacherComments      *string                        `gorm:"type:text" json:"teacher_comments,omitempty"`
	IsFlagged            bool                           `gorm:"not null;default:false" json:"is_flagged"`
	FlagReasons          datatypes.JSONSlice[string]    `json:"flag_reasons"`
	ReviewedBy           *uint                          `json:"reviewed_by,omitempty"`
	ReviewedAt           *time.Time                     `json:"reviewed_at,omitempty"`
	SubmittedAt          time.Time                      `gorm:"not null" json:"submitted_at"`
	CreatedAt            time.Time                      `gorm:"index" json:"created_at"`
	UpdatedAt            time.Time                      `json:"updated_at"`
}
