package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

// OcrReviewRepository persists student OCR page reviews.
type OcrReviewRepository interface {
	Upsert(ctx context.Context, review *models.SubmissionOcrReview, issues []models.SubmissionOcrIssue) error
	ListBySubmission(ctx context.Context, submissionID uint) ([]models.SubmissionOcrReview, error)
	ListIssues(ctx context.Context, submissionID uint) ([]models.SubmissionOcrIssue, error)
	Stats(ctx context.Context, submissionID, studentID uint) (models.OcrReviewStats, error)
}

type ocrReviewRepository struct {
	db *gorm.DB
}

// NewOcrReviewRepository constructs the review repository.
func NewOcrReviewRepository(db *gorm.DB) OcrReviewRepository {
	return &ocrReviewRepository{db: db}
}

// Upsert replaces the review for (submission, image) together with all of its issues.
func (r *ocrReviewRepository) Upsert(ctx context.Context, review *models.SubmissionOcrReview, issues []models.SubmissionOcrIssue) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		review.IssueCount = len(issues)
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "submission_id"}, {Name: "image_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"student_id", "page_status", "issue_count", "updated_at"}),
		}).Omit("Issues").Create(review).Error; err != nil {
			return fmt.Errorf("upsert review: %w", err)
		}

		var stored models.SubmissionOcrReview
		if err := tx.Where("submission_id = ? AND image_id = ?", review.SubmissionID, review.ImageID).First(&stored).Error; err != nil {
			return fmt.Errorf("reload review: %w", err)
		}
		review.ID = stored.ID
		review.CreatedAt = stored.CreatedAt

		if err := tx.Where("review_id = ?", stored.ID).Delete(&models.SubmissionOcrIssue{}).Error; err != nil {
			return fmt.Errorf("delete previous issues: %w", err)
		}

		if len(issues) == 0 {
			review.Issues = nil
			return nil
		}
		for i := range issues {
			issues[i].ID = 0
			issues[i].ReviewID = stored.ID
			issues[i].CourseID = review.CourseID
			issues[i].SubmissionID = review.SubmissionID
			issues[i].ImageID = review.ImageID
		}
		if err := tx.Create(&issues).Error; err != nil {
			return fmt.Errorf("insert issues: %w", err)
		}
		review.Issues = issues
		return nil
	})
}

func (r *ocrReviewRepository) ListBySubmission(ctx context.Context, submissionID uint) ([]models.SubmissionOcrReview, error) {
	var reviews []models.SubmissionOcrReview
	err := r.db.WithContext(ctx).
		Preload("Issues", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("submission_id = ?", submissionID).
		Order("image_id ASC").
		Find(&reviews).Error
	return reviews, err
}

func (r *ocrReviewRepository) ListIssues(ctx context.Context, submissionID uint) ([]models.SubmissionOcrIssue, error) {
	var issues []models.SubmissionOcrIssue
	err := r.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Order("image_id ASC, id ASC").
		Find(&issues).Error
	return issues, err
}

// Stats is computed on every call; pages may be added while the student reviews.
func (r *ocrReviewRepository) Stats(ctx context.Context, submissionID, studentID uint) (models.OcrReviewStats, error) {
	var stats models.OcrReviewStats
	db := r.db.WithContext(ctx)

	if err := db.Model(&models.SubmissionImage{}).
		Where("submission_id = ?", submissionID).
		Count(&stats.TotalPages).Error; err != nil {
		return stats, fmt.Errorf("count pages: %w", err)
	}

	reviewed := db.Model(&models.SubmissionOcrReview{}).
		Where("submission_id = ? AND student_id = ?", submissionID, studentID).
		Where("image_id IN (?)", db.Model(&models.SubmissionImage{}).Select("id").Where("submission_id = ?", submissionID))

	if err := reviewed.Session(&gorm.Session{}).Count(&stats.ReviewedPages).Error; err != nil {
		return stats, fmt.Errorf("count reviewed pages: %w", err)
	}
	if err := reviewed.Session(&gorm.Session{}).Select("COALESCE(SUM(issue_count), 0)").Scan(&stats.TotalIssues).Error; err != nil {
		return stats, fmt.Errorf("sum issues: %w", err)
	}
	if err := reviewed.Session(&gorm.Session{}).Where("page_status = ?", models.OcrPageReported).Count(&stats.ReportedPages).Error; err != nil {
		return stats, fmt.Errorf("count reported pages: %w", err)
	}

	return stats, nil
}

func clearReviews(tx *gorm.DB, submissionID uint) error {
	if err := tx.Where("submission_id = ?", submissionID).Delete(&models.SubmissionOcrIssue{}).Error; err != nil {
		return fmt.Errorf("clear review issues: %w", err)
	}
	if err := tx.Where("submission_id = ?", submissionID).Delete(&models.SubmissionOcrReview{}).Error; err != nil {
		return fmt.Errorf("clear reviews: %w", err)
	}
	return nil
}
