package models

import (
	"time"

	"gorm.io/datatypes"
)

// OcrPageStatus is the student's verdict on one OCR page.
type OcrPageStatus string

const (
	OcrPageApproved OcrPageStatus = "approved"
	OcrPageReported OcrPageStatus = "reported"
)

// IssueSeverity grades how badly OCR misread a region.
type IssueSeverity string

const (
	IssueSeverityMinor    IssueSeverity = "minor"
	IssueSeverityMajor    IssueSeverity = "major"
	IssueSeverityCritical IssueSeverity = "critical"
)

// IssueAnchor pins an issue to a region of a page.
type IssueAnchor struct {
	Page      int         `json:"page"`
	BlockID   string      `json:"block_id,omitempty"`
	BlockType string      `json:"block_type"`
	BBox      []float64   `json:"bbox,omitempty"`
	Polygon   [][]float64 `json:"polygon,omitempty"`
}

// SubmissionOcrReview is one page decision by the submission's student.
type SubmissionOcrReview struct {
	ID           uint                 `gorm:"primaryKey" json:"id"`
	CourseID     uint                 `gorm:"not null;index" json:"course_id"`
	SubmissionID uint                 `gorm:"not null;uniqueIndex:idx_ocr_review_page" json:"submission_id"`
	ImageID      uint                 `gorm:"not null;uniqueIndex:idx_ocr_review_page" json:"image_id"`
	StudentID    uint                 `gorm:"not null;index" json:"student_id"`
	PageStatus   OcrPageStatus        `gorm:"size:16;not null" json:"page_status"`
	IssueCount   int                  `gorm:"not null;default:0" json:"issue_count"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	Issues       []SubmissionOcrIssue `gorm:"foreignKey:ReviewID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"issues,omitempty"`
}

// SubmissionOcrIssue is one anchored OCR correction attached to a review.
type SubmissionOcrIssue struct {
	ID            uint                            `gorm:"primaryKey" json:"id"`
	CourseID      uint                            `gorm:"not null;index" json:"course_id"`
	ReviewID      uint                            `gorm:"not null;index" json:"review_id"`
	SubmissionID  uint                            `gorm:"not null;index" json:"submission_id"`
	ImageID       uint                            `gorm:"not null" json:"image_id"`
	Anchor        datatypes.JSONType[IssueAnchor] `json:"anchor"`
	OriginalText  *string                         `gorm:"type:text" json:"original_text,omitempty"`
	SuggestedText *string                         `gorm:"type:text" json:"suggested_text,omitempty"`
	Note          string                          `gorm:"type:text;not null" json:"note"`
	Severity      IssueSeverity                   `gorm:"size:16;not null;default:minor" json:"severity"`
	CreatedAt     time.Time                       `json:"created_at"`
}

// OcrReviewStats summarises review progress for one submission.
type OcrReviewStats struct {
	TotalPages    int64 `json:"total_pages"`
	ReviewedPages int64 `json:"reviewed_pages"`
	TotalIssues   int64 `json:"total_issues"`
	ReportedPages int64 `json:"reported_pages"`
}
