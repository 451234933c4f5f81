package models

import (
	"time"

	"gorm.io/datatypes"
)

// SessionStatus is the lifecycle state of an exam attempt.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusSubmitted SessionStatus = "submitted"
	SessionStatusExpired   SessionStatus = "expired"
)

// VariantAssignments maps task type id to the variant id handed to the student.
type VariantAssignments map[uint]uint

// ExamSession is one attempt by one student at one exam.
//
// The partial unique index on (exam_id, student_id) for active rows backs the
// admission controller when two processes race past the advisory lock.
type ExamSession struct {
	ID                 uint                                   `gorm:"primaryKey" json:"id"`
	CourseID           uint                                   `gorm:"not null;index" json:"course_id"`
	ExamID             uint                                   `gorm:"not null;index;uniqueIndex:idx_exam_sessions_active,where:status = 'active';uniqueIndex:idx_exam_sessions_attempt" json:"exam_id"`
	StudentID          uint                                   `gorm:"not null;index;uniqueIndex:idx_exam_sessions_active,where:status = 'active';uniqueIndex:idx_exam_sessions_attempt" json:"student_id"`
	VariantSeed        int64                                  `gorm:"not null" json:"variant_seed"`
	VariantAssignments datatypes.JSONType[VariantAssignments] `json:"variant_assignments"`
	StartedAt          time.Time                              `gorm:"not null" json:"started_at"`
	SubmittedAt        *time.Time                             `json:"submitted_at,omitempty"`
	ExpiresAt          time.Time                              `gorm:"not null" json:"expires_at"`
	Status             SessionStatus                          `gorm:"size:16;not null;index" json:"status"`
	AttemptNumber      int                                    `gorm:"not null;uniqueIndex:idx_exam_sessions_attempt" json:"attempt_number"`
	AutoSaveData       datatypes.JSON                         `json:"auto_save_data,omitempty"`
	LastAutoSaveAt     *time.Time                             `json:"last_auto_save_at,omitempty"`
	CreatedAt          time.Time                              `json:"created_at"`
	UpdatedAt          time.Time                              `json:"updated_at"`
}

// HardDeadline is the effective cutoff: the earlier of expires_at and the exam end.
func (s ExamSession) HardDeadline(examEnd time.Time) time.Time {
	if examEnd.Before(s.ExpiresAt) {
		return examEnd
	}
	return s.ExpiresAt
}
