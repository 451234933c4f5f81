package dto

// ApproveSubmissionRequest approves the preliminary grade. Without a score the AI score is used.
type ApproveSubmissionRequest struct {
	Score    *float64 `json:"score" validate:"omitempty,gte=0"`
	Comments *string  `json:"comments" validate:"omitempty,max=4000"`
}

// OverrideScoreRequest replaces the grade with the teacher's own.
type OverrideScoreRequest struct {
	Score    *float64 `json:"score" validate:"required,gte=0"`
	Comments *string  `json:"comments" validate:"omitempty,max=4000"`
}
