package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

// ExamRepository reads exams and their task bank.
type ExamRepository interface {
	GetByID(ctx context.Context, courseID, id uint) (models.Exam, error)
	GetWithTasks(ctx context.Context, courseID, id uint) (models.Exam, error)
	MaxScore(ctx context.Context, courseID, id uint) (float64, error)
	ListReadyToComplete(ctx context.Context, now time.Time) ([]models.Exam, error)
	MarkCompleted(ctx context.Context, courseID, id uint, now time.Time) (bool, error)
}

type examRepository struct {
	db *gorm.DB
}

// NewExamRepository constructs an exam repository.
func NewExamRepository(db *gorm.DB) ExamRepository {
	return &examRepository{db: db}
}

func (r *examRepository) GetByID(ctx context.Context, courseID, id uint) (models.Exam, error) {
	var exam models.Exam
	if err := r.db.WithContext(ctx).Where("course_id = ? AND id = ?", courseID, id).First(&exam).Error; err != nil {
		return models.Exam{}, err
	}
	return exam, nil
}

// GetWithTasks loads task types by order_index and their variants by id so that seeded
// variant assignment walks them in a stable order.
func (r *examRepository) GetWithTasks(ctx context.Context, courseID, id uint) (models.Exam, error) {
	var exam models.Exam
	err := r.db.WithContext(ctx).
		Preload("TaskTypes", func(db *gorm.DB) *gorm.DB {
			return db.Order("order_index ASC, id ASC")
		}).
		Preload("TaskTypes.Variants", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		Where("course_id = ? AND id = ?", courseID, id).
		First(&exam).Error
	if err != nil {
		return models.Exam{}, err
	}
	return exam, nil
}

func (r *examRepository) MaxScore(ctx context.Context, courseID, id uint) (float64, error) {
	var total float64
	err := r.db.WithContext(ctx).Model(&models.TaskType{}).
		Select("COALESCE(SUM(max_score), 0)").
		Where("course_id = ? AND exam_id = ?", courseID, id).
		Scan(&total).Error
	return total, err
}

func (r *examRepository) ListReadyToComplete(ctx context.Context, now time.Time) ([]models.Exam, error) {
	var exams []models.Exam
	err := r.db.WithContext(ctx).
		Where("status IN ? AND end_time <= ?", []models.ExamStatus{models.ExamStatusPublished, models.ExamStatusActive}, now).
		Order("end_time ASC").
		Find(&exams).Error
	return exams, err
}

func (r *examRepository) MarkCompleted(ctx context.Context, courseID, id uint, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Exam{}).
		Where("course_id = ? AND id = ? AND status IN ?", courseID, id, []models.ExamStatus{models.ExamStatusPublished, models.ExamStatusActive}).
		Updates(map[string]interface{}{
			"status":       models.ExamStatusCompleted,
			"completed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
