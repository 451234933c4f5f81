package dto

import (
	"time"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

// Next steps returned after submitting an exam.
const (
	NextStepOcrReview = "ocr_review"
	NextStepResult    = "result"
)

// SubmissionResponse is the API view of a submission.
type SubmissionResponse struct {
	ID                uint                     `json:"id"`
	CourseID          uint                     `json:"course_id"`
	SessionID         uint                     `json:"session_id"`
	StudentID         uint                     `json:"student_id"`
	Status            models.SubmissionStatus  `json:"status"`
	OcrOverallStatus  models.OcrOverallStatus  `json:"ocr_overall_status"`
	LlmPrecheckStatus models.LlmPrecheckStatus `json:"llm_precheck_status"`
	ReportFlag        bool                     `json:"report_flag"`
	ReportSummary     *string                  `json:"report_summary,omitempty"`
	AIScore           *float64                 `json:"ai_score,omitempty"`
	FinalScore        *float64                 `json:"final_score,omitempty"`
	MaxScore          float64                  `json:"max_score"`
	AIAnalysis        *models.AIAnalysis       `json:"ai_analysis,omitempty"`
	AIComments        *string                  `json:"ai_comments,omitempty"`
	TeacherComments   *string                  `json:"teacher_comments,omitempty"`
	IsFlagged         bool                     `json:"is_flagged"`
	FlagReasons       []string                 `json:"flag_reasons"`
	ReviewedBy        *uint                    `json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time               `json:"reviewed_at,omitempty"`
	SubmittedAt       time.Time                `json:"submitted_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

// NewSubmissionResponse converts a submission model into a DTO.
func NewSubmissionResponse(model models.Submission) SubmissionResponse {
	flags := []string(model.FlagReasons)
	if flags == nil {
		flags = []string{}
	}

	response := SubmissionResponse{
		ID:                model.ID,
		CourseID:          model.CourseID,
		SessionID:         model.SessionID,
		StudentID:         model.StudentID,
		Status:            model.Status,
		OcrOverallStatus:  model.OcrOverallStatus,
		LlmPrecheckStatus: model.LlmPrecheckStatus,
		ReportFlag:        model.ReportFlag,
		ReportSummary:     model.ReportSummary,
		AIScore:           model.AIScore,
		FinalScore:        model.FinalScore,
		MaxScore:          model.MaxScore,
		AIComments:        model.AIComments,
		TeacherComments:   model.TeacherComments,
		IsFlagged:         model.IsFlagged,
		FlagReasons:       flags,
		ReviewedBy:        model.ReviewedBy,
		ReviewedAt:        model.ReviewedAt,
		SubmittedAt:       model.SubmittedAt,
		UpdatedAt:         model.UpdatedAt,
	}

	if model.AIProcessedAt != nil {
		analysis := model.AIAnalysis.Data()
		response.AIAnalysis = &analysis
	}

	return response
}

// SubmissionImageResponse is the API view of one uploaded page.
type SubmissionImageResponse struct {
	ID           uint                  `json:"id"`
	Filename     string                `json:"filename"`
	FileSize     int64                 `json:"file_size"`
	MimeType     string                `json:"mime_type"`
	Checksum     string                `json:"checksum"`
	OrderIndex   int                   `json:"order_index"`
	UploadSource models.UploadSource   `json:"upload_source"`
	OcrStatus    models.OcrImageStatus `json:"ocr_status"`
	URL          string                `json:"url,omitempty"`
	UploadedAt   time.Time             `json:"uploaded_at"`
}

// NewSubmissionImageResponse converts an image model into a DTO.
func NewSubmissionImageResponse(model models.SubmissionImage) SubmissionImageResponse {
	return SubmissionImageResponse{
		ID:           model.ID,
		Filename:     model.Filename,
		FileSize:     model.FileSize,
		MimeType:     model.MimeType,
		Checksum:     model.Checksum,
		OrderIndex:   model.OrderIndex,
		UploadSource: model.UploadSource,
		OcrStatus:    model.OcrStatus,
		UploadedAt:   model.UploadedAt,
	}
}

// NewSubmissionImageResponseSlice converts image models into DTOs.
func NewSubmissionImageResponseSlice(items []models.SubmissionImage) []SubmissionImageResponse {
	responses := make([]SubmissionImageResponse, 0, len(items))
	for _, item := range items {
		responses = append(responses, NewSubmissionImageResponse(item))
	}
	return responses
}

// SubmitExamResponse tells the client where to go after submitting.
type SubmitExamResponse struct {
	Submission SubmissionResponse `json:"submission"`
	NextStep   string             `json:"next_step"`
}

// SessionResultResponse summarises a finished attempt.
type SessionResultResponse struct {
	Session      SessionResponse           `json:"session"`
	Exam         ExamSummary               `json:"exam"`
	Submission   *SubmissionResponse       `json:"submission,omitempty"`
	Images       []SubmissionImageResponse `json:"images"`
	AttemptsUsed int64                     `json:"attempts_used"`
	MaxAttempts  int                       `json:"max_attempts"`
}

// GradingStatusResponse reports grading progress to the student.
type GradingStatusResponse struct {
	SubmissionID      uint                     `json:"submission_id"`
	Status            models.SubmissionStatus  `json:"status"`
	OcrOverallStatus  models.OcrOverallStatus  `json:"ocr_overall_status"`
	LlmPrecheckStatus models.LlmPrecheckStatus `json:"llm_precheck_status"`
	Progress          int                      `json:"progress"`
	Message           string                   `json:"message"`
	AIScore           *float64                 `json:"ai_score,omitempty"`
	FinalScore        *float64                 `json:"final_score,omitempty"`
	MaxScore          float64                  `json:"max_score"`
}
