package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

var (
	// ErrCapacityReached indicates the global active session ceiling was hit.
	ErrCapacityReached = errors.New("active session capacity reached")
	// ErrAttemptsReached indicates the student used every allowed attempt.
	ErrAttemptsReached = errors.New("maximum attempts reached")
	// ErrActiveSessionConflict indicates the insert guard fired but no active session could be found.
	ErrActiveSessionConflict = errors.New("active session conflict")
)

// AdmissionLimits bounds session creation.
type AdmissionLimits struct {
	MaxConcurrent int64
	MaxAttempts   int64
}

// ActiveSessionDeadline pairs an active session with its exam end time for expiry sweeps.
type ActiveSessionDeadline struct {
	ID          uint
	CourseID    uint
	ExamID      uint
	StartedAt   time.Time
	ExpiresAt   time.Time
	ExamEndTime time.Time
}

// SessionRepository persists exam sessions.
type SessionRepository interface {
	Admit(ctx context.Context, candidate models.ExamSession, limits AdmissionLimits) (models.ExamSession, bool, error)
	GetByID(ctx context.Context, courseID, id uint) (models.ExamSession, error)
	CountAttempts(ctx context.Context, courseID, examID, studentID uint) (int64, error)
	CountActive(ctx context.Context) (int64, error)
	Expire(ctx context.Context, courseID, id uint, now time.Time) (bool, error)
	MarkSubmitted(ctx context.Context, courseID, id uint, submittedAt time.Time) (bool, error)
	UpdateAutoSave(ctx context.Context, courseID, id uint, payload []byte, now time.Time) (bool, error)
	ListActiveDeadlines(ctx context.Context) ([]ActiveSessionDeadline, error)
}

type sessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository constructs a session repository.
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

// Admit runs the whole admission sequence in one transaction. It returns the session and
// whether it was newly created; an already active session is returned unchanged.
func (r *sessionRepository) Admit(ctx context.Context, candidate models.ExamSession, limits AdmissionLimits) (models.ExamSession, bool, error) {
	var (
		result  models.ExamSession
		created bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := acquireXactLock(tx, ExamStudentLockKey(candidate.CourseID, candidate.ExamID, candidate.StudentID)); err != nil {
			return err
		}

		existing, found, err := findActiveSession(tx, candidate.CourseID, candidate.ExamID, candidate.StudentID)
		if err != nil {
			return err
		}
		if found {
			result = existing
			return nil
		}

		if err := acquireXactLock(tx, CapacityLockKey); err != nil {
			return err
		}

		var active int64
		if err := tx.Model(&models.ExamSession{}).
			Where("status = ?", models.SessionStatusActive).
			Count(&active).Error; err != nil {
			return fmt.Errorf("count active sessions: %w", err)
		}
		if active >= limits.MaxConcurrent {
			return ErrCapacityReached
		}

		var attempts int64
		if err := tx.Model(&models.ExamSession{}).
			Where("course_id = ? AND exam_id = ? AND student_id = ?", candidate.CourseID, candidate.ExamID, candidate.StudentID).
			Count(&attempts).Error; err != nil {
			return fmt.Errorf("count attempts: %w", err)
		}
		if attempts >= limits.MaxAttempts {
			return ErrAttemptsReached
		}

		candidate.AttemptNumber = int(attempts) + 1
		candidate.Status = models.SessionStatusActive

		insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate)
		if insert.Error != nil {
			return fmt.Errorf("insert session: %w", insert.Error)
		}
		if insert.RowsAffected == 0 {
			existing, found, err := findActiveSession(tx, candidate.CourseID, candidate.ExamID, candidate.StudentID)
			if err != nil {
				return err
			}
			if !found {
				return ErrActiveSessionConflict
			}
			result = existing
			return nil
		}

		result = candidate
		created = true
		return nil
	})
	if err != nil {
		return models.ExamSession{}, false, err
	}

	return result, created, nil
}

func findActiveSession(tx *gorm.DB, courseID, examID, studentID uint) (models.ExamSession, bool, error) {
	var sessions []models.ExamSession
	if err := tx.Where("course_id = ? AND exam_id = ? AND student_id = ? AND status = ?", courseID, examID, studentID, models.SessionStatusActive).
		Limit(1).
		Find(&sessions).Error; err != nil {
		return models.ExamSession{}, false, fmt.Errorf("find active session: %w", err)
	}
	if len(sessions) == 0 {
		return models.ExamSession{}, false, nil
	}
	return sessions[0], true, nil
}

func (r *sessionRepository) GetByID(ctx context.Context, courseID, id uint) (models.ExamSession, error) {
	var session models.ExamSession
	if err := r.db.WithContext(ctx).Where("course_id = ? AND id = ?", courseID, id).First(&session).Error; err != nil {
		return models.ExamSession{}, err
	}
	return session, nil
}

func (r *sessionRepository) CountAttempts(ctx context.Context, courseID, examID, studentID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ExamSession{}).
		Where("course_id = ? AND exam_id = ? AND student_id = ?", courseID, examID, studentID).
		Count(&count).Error
	return count, err
}

func (r *sessionRepository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ExamSession{}).
		Where("status = ?", models.SessionStatusActive).
		Count(&count).Error
	return count, err
}

// Expire moves an active session to expired. A session submitted in the meantime is left alone.
func (r *sessionRepository) Expire(ctx context.Context, courseID, id uint, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.ExamSession{}).
		Where("course_id = ? AND id = ? AND status = ?", courseID, id, models.SessionStatusActive).
		Updates(map[string]interface{}{
			"status":     models.SessionStatusExpired,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkSubmitted records the student's submit. Expired sessions may still be submitted inside
// the grace window; a session that already has a submit time keeps it.
func (r *sessionRepository) MarkSubmitted(ctx context.Context, courseID, id uint, submittedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.ExamSession{}).
		Where("course_id = ? AND id = ? AND status IN ? AND submitted_at IS NULL", courseID, id,
			[]models.SessionStatus{models.SessionStatusActive, models.SessionStatusExpired}).
		Updates(map[string]interface{}{
			"status":       models.SessionStatusSubmitted,
			"submitted_at": submittedAt,
			"updated_at":   submittedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *sessionRepository) UpdateAutoSave(ctx context.Context, courseID, id uint, payload []byte, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.ExamSession{}).
		Where("course_id = ? AND id = ? AND status = ?", courseID, id, models.SessionStatusActive).
		Updates(map[string]interface{}{
			"auto_save_data":    datatypes.JSON(payload),
			"last_auto_save_at": now,
			"updated_at":        now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *sessionRepository) ListActiveDeadlines(ctx context.Context) ([]ActiveSessionDeadline, error) {
	var rows []ActiveSessionDeadline
	err := r.db.WithContext(ctx).
		Table("exam_sessions").
		Select("exam_sessions.id, exam_sessions.course_id, exam_sessions.exam_id, exam_sessions.started_at, exam_sessions.expires_at, exams.end_time AS exam_end_time").
		Joins("JOIN exams ON exams.id = exam_sessions.exam_id").
		Where("exam_sessions.status = ?", models.SessionStatusActive).
		Order("exam_sessions.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
