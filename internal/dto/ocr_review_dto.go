package dto

import (
	"time"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

// OcrIssueRequest is one anchored correction on a page.
type OcrIssueRequest struct {
	Anchor        models.IssueAnchor `json:"anchor"`
	OriginalText  *string            `json:"original_text" validate:"omitempty,max=4000"`
	SuggestedText *string            `json:"suggested_text" validate:"omitempty,max=4000"`
	Note          string             `json:"note" validate:"max=2000"`
	Severity      string             `json:"severity" validate:"omitempty,oneof=minor major critical"`
}

// OcrPageReviewRequest is the student's verdict on one page.
type OcrPageReviewRequest struct {
	PageStatus string            `json:"page_status" validate:"required,oneof=approved reported"`
	Issues     []OcrIssueRequest `json:"issues" validate:"omitempty,max=100,dive"`
}

// OcrFinalizeRequest closes the OCR review.
type OcrFinalizeRequest struct {
	Mode    string  `json:"mode" validate:"required,oneof=submit report"`
	Summary *string `json:"summary" validate:"omitempty,max=4000"`
}

// OcrIssueResponse is the API view of an issue.
type OcrIssueResponse struct {
	ID            uint                 `json:"id"`
	Anchor        models.IssueAnchor   `json:"anchor"`
	OriginalText  *string              `json:"original_text,omitempty"`
	SuggestedText *string              `json:"suggested_text,omitempty"`
	Note          string               `json:"note"`
	Severity      models.IssueSeverity `json:"severity"`
}

// OcrPageReviewResponse is the API view of a stored page review.
type OcrPageReviewResponse struct {
	ImageID    uint                 `json:"image_id"`
	PageStatus models.OcrPageStatus `json:"page_status"`
	IssueCount int                  `json:"issue_count"`
	Issues     []OcrIssueResponse   `json:"issues"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// NewOcrPageReviewResponse converts a review with its issues into a DTO.
func NewOcrPageReviewResponse(model models.SubmissionOcrReview) OcrPageReviewResponse {
	issues := make([]OcrIssueResponse, 0, len(model.Issues))
	for _, issue := range model.Issues {
		issues = append(issues, OcrIssueResponse{
			ID:            issue.ID,
			Anchor:        issue.Anchor.Data(),
			OriginalText:  issue.OriginalText,
			SuggestedText: issue.SuggestedText,
			Note:          issue.Note,
			Severity:      issue.Severity,
		})
	}

	return OcrPageReviewResponse{
		ImageID:    model.ImageID,
		PageStatus: model.PageStatus,
		IssueCount: model.IssueCount,
		Issues:     issues,
		UpdatedAt:  model.UpdatedAt,
	}
}

// OcrPageResponse is one page with its recognised text and the student's review, if any.
type OcrPageResponse struct {
	Image    SubmissionImageResponse `json:"image"`
	Markdown string                  `json:"markdown"`
	Text     string                  `json:"text"`
	Blocks   []models.OcrBlock       `json:"blocks"`
	Review   *OcrPageReviewResponse  `json:"review,omitempty"`
}

// OcrPagesResponse lists every page of a submission awaiting or past review.
type OcrPagesResponse struct {
	SubmissionID     uint                    `json:"submission_id"`
	OcrOverallStatus models.OcrOverallStatus `json:"ocr_overall_status"`
	Pages            []OcrPageResponse       `json:"pages"`
	Stats            models.OcrReviewStats   `json:"stats"`
}

// OcrFinalizeResponse reports the submission after finalize.
type OcrFinalizeResponse struct {
	Submission SubmissionResponse    `json:"submission"`
	Stats      models.OcrReviewStats `json:"stats"`
}
