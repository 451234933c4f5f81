package ai

import "context"

// TaskContext is one task as handed to the student: the task type plus its assigned variant.
type TaskContext struct {
	TaskTypeID        uint
	Title             string
	Description       string
	OrderIndex        int
	MaxScore          float64
	VariantContent    string
	ReferenceSolution string
}

// OcrPage is the validated transcription of one submitted page.
type OcrPage struct {
	OrderIndex int
	Markdown   string
}

// ReportedIssue is a student correction to the OCR output.
type ReportedIssue struct {
	OrderIndex    int
	BlockType     string
	OriginalText  string
	SuggestedText string
	Note          string
	Severity      string
}

// PrecheckInput contains everything the model needs to grade a submission.
type PrecheckInput struct {
	SubmissionID  uint
	Tasks         []TaskContext
	Pages         []OcrPage
	Issues        []ReportedIssue
	ReportSummary string
	MaxScore      float64
}

// CriterionScore is one scored rubric line.
type CriterionScore struct {
	TaskTypeID uint    `json:"task_type_id,omitempty"`
	Name       string  `json:"name"`
	Score      float64 `json:"score"`
	MaxScore   float64 `json:"max_score"`
	Comment    string  `json:"comment,omitempty"`
}

// PrecheckResult is the structured preliminary grade.
type PrecheckResult struct {
	Score            float64
	Summary          string
	Feedback         string
	Criteria         []CriterionScore
	Unreadable       bool
	UnreadableReason string
	Model            string
}

// Prechecker grades a submission before a teacher reviews it.
type Prechecker interface {
	RunPrecheck(ctx context.Context, input PrecheckInput) (PrecheckResult, error)
}
