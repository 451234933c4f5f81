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

// OcrPageResult is the recognised content of one page.
type OcrPageResult struct {
	Markdown string
	Text     string
	Chunks   models.OcrChunks
	Model    string
}

// StoreFunc writes the page bytes once the order index is known and returns the object path.
type StoreFunc func(orderIndex int) (string, error)

// ImageRepository persists submission pages and their OCR output.
type ImageRepository interface {
	ListBySubmission(ctx context.Context, submissionID uint) ([]models.SubmissionImage, error)
	GetByID(ctx context.Context, submissionID, id uint) (models.SubmissionImage, error)
	Append(ctx context.Context, image *models.SubmissionImage, store StoreFunc) error
	MarkProcessing(ctx context.Context, id uint, at time.Time) (bool, error)
	MarkReady(ctx context.Context, id uint, result OcrPageResult, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uint, reason string, at time.Time) (bool, error)
}

type imageRepository struct {
	db *gorm.DB
}

// NewImageRepository constructs an image repository.
func NewImageRepository(db *gorm.DB) ImageRepository {
	return &imageRepository{db: db}
}

func (r *imageRepository) ListBySubmission(ctx context.Context, submissionID uint) ([]models.SubmissionImage, error) {
	var images []models.SubmissionImage
	err := r.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Order("order_index ASC").
		Find(&images).Error
	return images, err
}

func (r *imageRepository) GetByID(ctx context.Context, submissionID, id uint) (models.SubmissionImage, error) {
	var image models.SubmissionImage
	if err := r.db.WithContext(ctx).Where("submission_id = ? AND id = ?", submissionID, id).First(&image).Error; err != nil {
		return models.SubmissionImage{}, err
	}
	return image, nil
}

// Append stores a new page with the next dense order_index. The parent submission row is
// locked so concurrent uploads for the same submission queue behind each other; a failing
// store rolls the row back so no index is skipped.
func (r *imageRepository) Append(ctx context.Context, image *models.SubmissionImage, store StoreFunc) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var parent []models.Submission
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", image.SubmissionID).
			Limit(1).
			Find(&parent).Error; err != nil {
			return fmt.Errorf("lock submission: %w", err)
		}
		if len(parent) == 0 {
			return gorm.ErrRecordNotFound
		}

		var count int64
		if err := tx.Model(&models.SubmissionImage{}).
			Where("submission_id = ?", image.SubmissionID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("count images: %w", err)
		}

		image.OrderIndex = int(count)
		if store != nil {
			objectPath, err := store(image.OrderIndex)
			if err != nil {
				return err
			}
			image.FilePath = objectPath
		}
		if image.OcrStatus == "" {
			image.OcrStatus = models.OcrImagePending
		}
		if err := tx.Create(image).Error; err != nil {
			return fmt.Errorf("insert image: %w", err)
		}
		return nil
	})
}

func (r *imageRepository) MarkProcessing(ctx context.Context, id uint, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.SubmissionImage{}).
		Where("id = ? AND ocr_status = ?", id, models.OcrImagePending).
		Updates(map[string]interface{}{
			"ocr_status":       models.OcrImageProcessing,
			"ocr_started_at":   at,
			"ocr_completed_at": nil,
			"ocr_error":        nil,
			"updated_at":       at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkReady only completes a page that is still processing, so a page reset or failed by
// the sweep is not overwritten by a late result.
func (r *imageRepository) MarkReady(ctx context.Context, id uint, page OcrPageResult, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.SubmissionImage{}).
		Where("id = ? AND ocr_status = ?", id, models.OcrImageProcessing).
		Updates(map[string]interface{}{
			"ocr_status":       models.OcrImageReady,
			"ocr_markdown":     page.Markdown,
			"ocr_text":         page.Text,
			"ocr_chunks":       datatypes.NewJSONType(page.Chunks),
			"ocr_model":        page.Model,
			"ocr_error":        nil,
			"ocr_completed_at": at,
			"updated_at":       at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *imageRepository) MarkFailed(ctx context.Context, id uint, reason string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.SubmissionImage{}).
		Where("id = ? AND ocr_status = ?", id, models.OcrImageProcessing).
		Updates(map[string]interface{}{
			"ocr_status":       models.OcrImageFailed,
			"ocr_error":        reason,
			"ocr_completed_at": at,
			"updated_at":       at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func resetImagesOcr(tx *gorm.DB, submissionID uint, at time.Time) error {
	err := tx.Model(&models.SubmissionImage{}).
		Where("submission_id = ?", submissionID).
		Updates(map[string]interface{}{
			"ocr_status":       models.OcrImagePending,
			"ocr_text":         nil,
			"ocr_markdown":     nil,
			"ocr_chunks":       datatypes.NewJSONType(models.OcrChunks{}),
			"ocr_model":        nil,
			"ocr_error":        nil,
			"ocr_started_at":   nil,
			"ocr_completed_at": nil,
			"updated_at":       at,
		}).Error
	if err != nil {
		return fmt.Errorf("reset image ocr: %w", err)
	}
	return nil
}
