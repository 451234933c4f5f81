package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

// Migrate creates or updates the exam pipeline schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Exam{},
		&models.TaskType{},
		&models.TaskVariant{},
		&models.ExamSession{},
		&models.Submission{},
		&models.SubmissionImage{},
		&models.SubmissionOcrReview{},
		&models.SubmissionOcrIssue{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
