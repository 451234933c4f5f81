package models

import (
	"time"

	"gorm.io/datatypes"
)

// OcrImageStatus is the OCR state of a single page.
type OcrImageStatus string

const (
	OcrImagePending    OcrImageStatus = "pending"
	OcrImageProcessing OcrImageStatus = "processing"
	OcrImageReady      OcrImageStatus = "ready"
	OcrImageFailed     OcrImageStatus = "failed"
)

// UploadSource records how a page reached the platform.
type UploadSource string

const (
	UploadSourceWeb      UploadSource = "web"
	UploadSourceTelegram UploadSource = "telegram"
)

// OcrBlock is one recognised region of a page with its geometry.
type OcrBlock struct {
	ID        string      `json:"id"`
	BlockType string      `json:"block_type"`
	Page      int         `json:"page"`
	BBox      []float64   `json:"bbox,omitempty"`
	Polygon   [][]float64 `json:"polygon,omitempty"`
	Text      string      `json:"text,omitempty"`
	HTML      string      `json:"html,omitempty"`
}

// HasGeometry reports whether the block carries a usable bbox or polygon.
func (b OcrBlock) HasGeometry() bool {
	return len(b.BBox) >= 4 || len(b.Polygon) >= 4
}

// OcrChunks is the structured OCR output stored per image.
type OcrChunks struct {
	Blocks []OcrBlock `json:"blocks"`
}

// SubmissionImage is one uploaded page of a submission.
type SubmissionImage struct {
	ID             uint                          `gorm:"primaryKey" json:"id"`
	CourseID       uint                          `gorm:"not null;index" json:"course_id"`
	SubmissionID   uint                          `gorm:"not null;uniqueIndex:idx_submission_images_order" json:"submission_id"`
	Filename       string                        `gorm:"size:255;not null" json:"filename"`
	FilePath       string                        `gorm:"size:512;not null" json:"file_path"`
	FileSize       int64                         `gorm:"not null" json:"file_size"`
	MimeType       string                        `gorm:"size:64;not null" json:"mime_type"`
	Checksum       string                        `gorm:"size:64" json:"checksum"`
	OrderIndex     int                           `gorm:"not null;uniqueIndex:idx_submission_images_order" json:"order_index"`
	UploadSource   UploadSource                  `gorm:"size:16;not null;default:web" json:"upload_source"`
	OcrStatus      OcrImageStatus                `gorm:"size:16;not null;default:pending;index" json:"ocr_status"`
	OcrText        *string                       `gorm:"type:text" json:"ocr_text,omitempty"`
	OcrMarkdown    *string                       `gorm:"type:text" json:"ocr_markdown,omitempty"`
	OcrChunks      datatypes.JSONType[OcrChunks] `json:"ocr_chunks"`
	OcrModel       *string                       `gorm:"size:128" json:"ocr_model,omitempty"`
	OcrError       *string                       `gorm:"type:text" json:"ocr_error,omitempty"`
	OcrStartedAt   *time.Time                    `json:"ocr_started_at,omitempty"`
	OcrCompletedAt *time.Time                    `json:"ocr_completed_at,omitempty"`
	UploadedAt     time.Time                     `gorm:"not null" json:"uploaded_at"`
	CreatedAt      time.Time                     `json:"created_at"`
	UpdatedAt      time.Time                     `json:"updated_at"`
}
