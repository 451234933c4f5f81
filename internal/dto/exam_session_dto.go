package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

// SessionResponse is the student's view of an exam session.
type SessionResponse struct {
	ID                 uint                 `json:"id"`
	CourseID           uint                 `json:"course_id"`
	ExamID             uint                 `json:"exam_id"`
	StudentID          uint                 `json:"student_id"`
	Status             models.SessionStatus `json:"status"`
	AttemptNumber      int                  `json:"attempt_number"`
	VariantSeed        int64                `json:"variant_seed"`
	VariantAssignments map[uint]uint        `json:"variant_assignments"`
	StartedAt          time.Time            `json:"started_at"`
	ExpiresAt          time.Time            `json:"expires_at"`
	HardDeadline       time.Time            `json:"hard_deadline"`
	SubmittedAt        *time.Time           `json:"submitted_at,omitempty"`
	LastAutoSaveAt     *time.Time           `json:"last_auto_save_at,omitempty"`
}

// NewSessionResponse converts a session model into a DTO.
func NewSessionResponse(model models.ExamSession, examEnd time.Time) SessionResponse {
	assignments := map[uint]uint(model.VariantAssignments.Data())
	if assignments == nil {
		assignments = map[uint]uint{}
	}

	return SessionResponse{
		ID:                 model.ID,
		CourseID:           model.CourseID,
		ExamID:             model.ExamID,
		StudentID:          model.StudentID,
		Status:             model.Status,
		AttemptNumber:      model.AttemptNumber,
		VariantSeed:        model.VariantSeed,
		VariantAssignments: assignments,
		StartedAt:          model.StartedAt,
		ExpiresAt:          model.ExpiresAt,
		HardDeadline:       model.HardDeadline(examEnd),
		SubmittedAt:        model.SubmittedAt,
		LastAutoSaveAt:     model.LastAutoSaveAt,
	}
}

// EnterExamResponse wraps the admitted session. Created is false when an already active
// session was returned.
type EnterExamResponse struct {
	Session SessionResponse `json:"session"`
	Created bool            `json:"created"`
}

// ExamSummary describes an exam without its task bank.
type ExamSummary struct {
	ID              uint              `json:"id"`
	Title           string            `json:"title"`
	Kind            models.ExamKind   `json:"kind"`
	Status          models.ExamStatus `json:"status"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         time.Time         `json:"end_time"`
	DurationMinutes *int              `json:"duration_minutes,omitempty"`
	MaxAttempts     int               `json:"max_attempts"`
}

// NewExamSummary converts an exam model into a DTO.
func NewExamSummary(model models.Exam) ExamSummary {
	return ExamSummary{
		ID:              model.ID,
		Title:           model.Title,
		Kind:            model.Kind,
		Status:          model.Status,
		StartTime:       model.StartTime,
		EndTime:         model.EndTime,
		DurationMinutes: model.DurationMinutes,
		MaxAttempts:     model.MaxAttempts,
	}
}

// TaskContext is one task of the session: the task type plus the assigned variant.
type TaskContext struct {
	TaskTypeID  uint                   `json:"task_type_id"`
	VariantID   uint                   `json:"variant_id"`
	OrderIndex  int                    `json:"order_index"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	MaxScore    float64                `json:"max_score"`
	Content     string                 `json:"content"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// SessionVariantResponse is what a student sees while solving.
type SessionVariantResponse struct {
	Session          SessionResponse           `json:"session"`
	Exam             ExamSummary               `json:"exam"`
	Tasks            []TaskContext             `json:"tasks"`
	RemainingSeconds int64                     `json:"remaining_seconds"`
	Images           []SubmissionImageResponse `json:"images"`
	AutoSave         json.RawMessage           `json:"auto_save,omitempty"`
}

// AutoSaveRequest carries the opaque draft state of the exam page.
type AutoSaveRequest struct {
	Data json.RawMessage `json:"data" validate:"required"`
}

// AutoSaveResponse acknowledges a stored draft.
type AutoSaveResponse struct {
	SavedAt time.Time `json:"saved_at"`
}
