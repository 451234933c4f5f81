package repository

import (
	"fmt"

	"gorm.io/gorm"
)

// CapacityLockKey serialises the global active-session capacity check.
const CapacityLockKey = "exam_sessions_active_capacity"

// ExamStudentLockKey serialises admission for one student and one exam.
func ExamStudentLockKey(courseID, examID, studentID uint) string {
	return fmt.Sprintf("exam_session:%d:%d:%d", courseID, examID, studentID)
}

// acquireXactLock takes a transaction scoped advisory lock released at commit or rollback.
// Dialects without advisory locks rely on their own write serialisation.
func acquireXactLock(tx *gorm.DB, key string) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key).Error; err != nil {
		return fmt.Errorf("acquire advisory lock %q: %w", key, err)
	}
	return nil
}
