package models

import (
	"errors"
	"time"

	"gorm.io/datatypes"
)

// ExamKind distinguishes timed control works from open homework.
type ExamKind string

const (
	ExamKindControl  ExamKind = "control"
	ExamKindHomework ExamKind = "homework"
)

// ExamStatus tracks the publication lifecycle of an exam.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "draft"
	ExamStatusPublished ExamStatus = "published"
	ExamStatusActive    ExamStatus = "active"
	ExamStatusCompleted ExamStatus = "completed"
	ExamStatusArchived  ExamStatus = "archived"
)

// Enterable reports whether students may open new sessions for an exam in this status.
func (s ExamStatus) Enterable() bool {
	return s == ExamStatusPublished || s == ExamStatusActive
}

// ErrInvalidProcessingSettings is returned when LLM precheck is enabled without OCR.
var ErrInvalidProcessingSettings = errors.New("llm precheck requires ocr to be enabled")

// ExamSettings is the per-exam pipeline configuration stored as JSON.
type ExamSettings struct {
	OCREnabled         *bool `json:"ocr_enabled,omitempty"`
	LLMPrecheckEnabled *bool `json:"llm_precheck_enabled,omitempty"`
}

// ProcessingSettings is the resolved view of ExamSettings.
type ProcessingSettings struct {
	OCREnabled         bool
	LLMPrecheckEnabled bool
}

// Resolve applies defaults (both stages enabled) and rejects inconsistent combinations.
func (s ExamSettings) Resolve() (ProcessingSettings, error) {
	resolved := ProcessingSettings{OCREnabled: true, LLMPrecheckEnabled: true}
	if s.OCREnabled != nil {
		resolved.OCREnabled = *s.OCREnabled
		if !resolved.OCREnabled && s.LLMPrecheckEnabled == nil {
			resolved.LLMPrecheckEnabled = false
		}
	}
	if s.LLMPrecheckEnabled != nil {
		resolved.LLMPrecheckEnabled = *s.LLMPrecheckEnabled
	}
	if resolved.LLMPrecheckEnabled && !resolved.OCREnabled {
		return ProcessingSettings{}, ErrInvalidProcessingSettings
	}
	return resolved, nil
}

// Exam is a scheduled assessment inside a course.
type Exam struct {
	ID              uint                             `gorm:"primaryKey" json:"id"`
	CourseID        uint                             `gorm:"not null;index" json:"course_id"`
	Title           string                           `gorm:"size:255;not null" json:"title"`
	Kind            ExamKind                         `gorm:"size:16;not null;default:control" json:"kind"`
	Status          ExamStatus                       `gorm:"size:16;not null;index" json:"status"`
	StartTime       time.Time                        `gorm:"not null" json:"start_time"`
	EndTime         time.Time                        `gorm:"not null;index" json:"end_time"`
	DurationMinutes *int                             `json:"duration_minutes,omitempty"`
	MaxAttempts     int                              `gorm:"not null;default:1" json:"max_attempts"`
	Settings        datatypes.JSONType[ExamSettings] `json:"settings"`
	CompletedAt     *time.Time                       `json:"completed_at,omitempty"`
	CreatedAt       time.Time                        `json:"created_at"`
	UpdatedAt       time.Time                        `json:"updated_at"`
	TaskTypes       []TaskType                       `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"task_types,omitempty"`
}

// TaskType is one numbered problem slot of an exam.
type TaskType struct {
	ID          uint          `gorm:"primaryKey" json:"id"`
	CourseID    uint          `gorm:"not null;index" json:"course_id"`
	ExamID      uint          `gorm:"not null;index" json:"exam_id"`
	Title       string        `gorm:"size:255;not null" json:"title"`
	Description string        `gorm:"type:text" json:"description"`
	OrderIndex  int           `gorm:"not null" json:"order_index"`
	MaxScore    float64       `gorm:"not null" json:"max_score"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Variants    []TaskVariant `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"variants,omitempty"`
}

// TaskVariant is one concrete version of a task type handed to a student.
type TaskVariant struct {
	ID                uint              `gorm:"primaryKey" json:"id"`
	CourseID          uint              `gorm:"not null;index" json:"course_id"`
	TaskTypeID        uint              `gorm:"not null;index" json:"task_type_id"`
	Content           string            `gorm:"type:text;not null" json:"content"`
	ReferenceSolution *string           `gorm:"type:text" json:"reference_solution,omitempty"`
	Parameters        datatypes.JSONMap `json:"parameters,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}
