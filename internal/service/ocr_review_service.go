package service

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/repository"
	"github.com/noah-isme/gema-exam-api/pkg/storage"
)

// Finalize modes.
const (
	FinalizeModeSubmit = "submit"
	FinalizeModeReport = "report"
)

// OcrReviewService lets a student confirm or dispute the recognised text of every page.
type OcrReviewService interface {
	ListOcrPages(ctx context.Context, courseID, submissionID, studentID uint) (dto.OcrPagesResponse, error)
	ReviewOcrPage(ctx context.Context, courseID, submissionID, imageID, studentID uint, payload dto.OcrPageReviewRequest) (dto.OcrPageReviewResponse, error)
	FinalizeOcrReview(ctx context.Context, courseID, submissionID, studentID uint, payload dto.OcrFinalizeRequest) (dto.OcrFinalizeResponse, error)
	ReviewStats(ctx context.Context, courseID, submissionID, studentID uint) (models.OcrReviewStats, error)
}

type ocrReviewService struct {
	access      sessionAccess
	submissions repository.SubmissionRepository
	images      repository.ImageRepository
	reviews     repository.OcrReviewRepository
	storage     storage.Storage
	presignTTL  time.Duration
	events      EventPublisher
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewOcrReviewService constructs the OCR review workflow.
func NewOcrReviewService(
	exams repository.ExamRepository,
	sessions repository.SessionRepository,
	submissions repository.SubmissionRepository,
	images repository.ImageRepository,
	reviews repository.OcrReviewRepository,
	store storage.Storage,
	presignTTL time.Duration,
	events EventPublisher,
	validate *validator.Validate,
	logger zerolog.Logger,
) OcrReviewService {
	if events == nil {
		events = NopEventPublisher()
	}
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	return &ocrReviewService{
		access:      sessionAccess{exams: exams, sessions: sessions, events: events},
		submissions: submissions,
		images:      images,
		reviews:     reviews,
		storage:     store,
		presignTTL:  presignTTL,
		events:      events,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "ocr_review_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-exam-api/internal/service/ocr_review"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *ocrReviewService) ownedSubmission(ctx context.Context, courseID, submissionID, studentID uint) (models.Submission, error) {
	submission, err := s.submissions.GetByID(ctx, courseID, submissionID)
	if err != nil {
		return models.Submission{}, notFoundOr(ErrSubmissionNotFound, "load submission", err)
	}
	if submission.StudentID != studentID {
		return models.Submission{}, ErrForbidden
	}
	return submission, nil
}

func (s *ocrReviewService) ListOcrPages(ctx context.Context, courseID, submissionID, studentID uint) (dto.OcrPagesResponse, error) {
	submission, err := s.ownedSubmission(ctx, courseID, submissionID, studentID)
	if err != nil {
		return dto.OcrPagesResponse{}, err
	}

	images, err := s.images.ListBySubmission(ctx, submission.ID)
	if err != nil {
		return dto.OcrPagesResponse{}, internalError("list images", err)
	}
	reviews, err := s.reviews.ListBySubmission(ctx, submission.ID)
	if err != nil {
		return dto.OcrPagesResponse{}, internalError("list reviews", err)
	}
	stats, err := s.reviews.Stats(ctx, submission.ID, studentID)
	if err != nil {
		return dto.OcrPagesResponse{}, internalError("review stats", err)
	}

	byImage := make(map[uint]models.SubmissionOcrReview, len(reviews))
	for _, review := range reviews {
		byImage[review.ImageID] = review
	}

	pages := make([]dto.OcrPageResponse, 0, len(images))
	for _, image := range images {
		page := dto.OcrPageResponse{
			Image:  dto.NewSubmissionImageResponse(image),
			Blocks: image.OcrChunks.Data().Blocks,
		}
		if page.Blocks == nil {
			page.Blocks = []models.OcrBlock{}
		}
		if image.OcrMarkdown != nil {
			page.Markdown = *image.OcrMarkdown
		}
		if image.OcrText != nil {
			page.Text = *image.OcrText
		}
		if url, err := s.storage.PresignGet(ctx, image.FilePath, s.presignTTL); err != nil {
			s.logger.Warn().Err(err).Uint("image_id", image.ID).Msg("failed to presign page url")
		} else {
			page.Image.URL = url
		}
		if review, ok := byImage[image.ID]; ok {
			response := dto.NewOcrPageReviewResponse(review)
			page.Review = &response
		}
		pages = append(pages, page)
	}

	return dto.OcrPagesResponse{
		SubmissionID:     submission.ID,
		OcrOverallStatus: submission.OcrOverallStatus,
		Pages:            pages,
		Stats:            stats,
	}, nil
}

func (s *ocrReviewService) ReviewOcrPage(ctx context.Context, courseID, submissionID, imageID, studentID uint, payload dto.OcrPageReviewRequest) (dto.OcrPageReviewResponse, error) {
	ctx, span := s.tracer.Start(ctx, "ocr_review.page", trace.WithAttributes(
		attribute.Int("submission.id", int(submissionID)),
		attribute.Int("submission.image_id", int(imageID)),
	))
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return dto.OcrPageReviewResponse{}, validationError(err)
	}

	status := models.OcrPageStatus(payload.PageStatus)
	if status == models.OcrPageApproved && len(payload.Issues) > 0 {
		return dto.OcrPageReviewResponse{}, ErrInvalidPageReview.WithMessage("an approved page cannot carry issues")
	}
	if status == models.OcrPageReported && len(payload.Issues) == 0 {
		return dto.OcrPageReviewResponse{}, ErrInvalidPageReview.WithMessage("a reported page needs at least one issue")
	}

	issues := make([]models.SubmissionOcrIssue, 0, len(payload.Issues))
	for i, issue := range payload.Issues {
		note := s.clean(issue.Note)
		if note == "" {
			return dto.OcrPageReviewResponse{}, ErrIssueNoteRequired.WithMessage("issue %d: note is required", i+1)
		}
		if err := validateAnchor(issue.Anchor); err != nil {
			return dto.OcrPageReviewResponse{}, ErrInvalidAnchor.WithMessage("issue %d: %s", i+1, err.Error())
		}
		severity := models.IssueSeverity(issue.Severity)
		if severity == "" {
			severity = models.IssueSeverityMinor
		}
		issues = append(issues, models.SubmissionOcrIssue{
			Anchor:        datatypes.NewJSONType(issue.Anchor),
			OriginalText:  s.cleanOptional(issue.OriginalText),
			SuggestedText: s.cleanOptional(issue.SuggestedText),
			Note:          note,
			Severity:      severity,
		})
	}

	submission, err := s.ownedSubmission(ctx, courseID, submissionID, studentID)
	if err != nil {
		return dto.OcrPageReviewResponse{}, err
	}
	if submission.OcrOverallStatus != models.OcrOverallInReview {
		return dto.OcrPageReviewResponse{}, ErrOcrReviewClosed
	}
	if _, err := s.images.GetByID(ctx, submission.ID, imageID); err != nil {
		return dto.OcrPageReviewResponse{}, notFoundOr(ErrImageNotFound, "load image", err)
	}

	review := models.SubmissionOcrReview{
		CourseID:     courseID,
		SubmissionID: submission.ID,
		ImageID:      imageID,
		StudentID:    studentID,
		PageStatus:   status,
	}
	if err := s.reviews.Upsert(ctx, &review, issues); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		return dto.OcrPageReviewResponse{}, internalError("store page review", err)
	}

	span.SetStatus(codes.Ok, "reviewed")
	return dto.NewOcrPageReviewResponse(review), nil
}

func (s *ocrReviewService) FinalizeOcrReview(ctx context.Context, courseID, submissionID, studentID uint, payload dto.OcrFinalizeRequest) (dto.OcrFinalizeResponse, error) {
	ctx, span := s.tracer.Start(ctx, "ocr_review.finalize", trace.WithAttributes(
		attribute.Int("submission.id", int(submissionID)),
		attribute.String("ocr_review.mode", payload.Mode),
	))
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		return dto.OcrFinalizeResponse{}, validationError(err)
	}

	submission, err := s.ownedSubmission(ctx, courseID, submissionID, studentID)
	if err != nil {
		return dto.OcrFinalizeResponse{}, err
	}
	if submission.OcrOverallStatus != models.OcrOverallInReview {
		return dto.OcrFinalizeResponse{}, ErrOcrReviewClosed
	}

	stats, err := s.reviews.Stats(ctx, submission.ID, studentID)
	if err != nil {
		return dto.OcrFinalizeResponse{}, internalError("review stats", err)
	}
	if stats.TotalPages == 0 || stats.ReviewedPages < stats.TotalPages {
		return dto.OcrFinalizeResponse{}, ErrReviewIncomplete.WithMessage("%d of %d pages reviewed", stats.ReviewedPages, stats.TotalPages)
	}

	update := repository.FinalizeUpdate{At: s.now()}
	switch payload.Mode {
	case FinalizeModeSubmit:
		if stats.TotalIssues > 0 {
			return dto.OcrFinalizeResponse{}, ErrReportRequired
		}
	case FinalizeModeReport:
		if stats.TotalIssues == 0 {
			return dto.OcrFinalizeResponse{}, ErrIssuesRequired
		}
		var summary string
		if payload.Summary != nil {
			summary = s.clean(*payload.Summary)
		}
		if summary == "" {
			return dto.OcrFinalizeResponse{}, ErrReportSummaryRequired
		}
		update.Reported = true
		update.Summary = &summary
	}

	settings, err := s.access.processingSettings(ctx, submission)
	if err != nil {
		return dto.OcrFinalizeResponse{}, err
	}
	update.LLMEnabled = settings.LLMPrecheckEnabled

	applied, err := s.submissions.FinalizeOcrReview(ctx, submission.ID, update)
	if err != nil {
		span.RecordError(err)
		return dto.OcrFinalizeResponse{}, internalError("finalize review", err)
	}
	if !applied {
		return dto.OcrFinalizeResponse{}, ErrOcrReviewClosed
	}

	updated, err := s.submissions.GetByID(ctx, courseID, submission.ID)
	if err != nil {
		return dto.OcrFinalizeResponse{}, internalError("reload submission", err)
	}

	s.events.Publish(ctx, SubmissionEvent(EventOcrFinalized, updated))
	s.logger.Info().
		Uint("submission_id", updated.ID).
		Bool("reported", update.Reported).
		Int64("issues", stats.TotalIssues).
		Msg("ocr review finalized")
	span.SetStatus(codes.Ok, "finalized")

	return dto.OcrFinalizeResponse{Submission: dto.NewSubmissionResponse(updated), Stats: stats}, nil
}

func (s *ocrReviewService) ReviewStats(ctx context.Context, courseID, submissionID, studentID uint) (models.OcrReviewStats, error) {
	submission, err := s.ownedSubmission(ctx, courseID, submissionID, studentID)
	if err != nil {
		return models.OcrReviewStats{}, err
	}
	stats, err := s.reviews.Stats(ctx, submission.ID, studentID)
	if err != nil {
		return models.OcrReviewStats{}, internalError("review stats", err)
	}
	return stats, nil
}

func (s *ocrReviewService) clean(value string) string {
	return strings.TrimSpace(s.sanitizer.Sanitize(value))
}

func (s *ocrReviewService) cleanOptional(value *string) *string {
	if value == nil {
		return nil
	}
	cleaned := s.clean(*value)
	if cleaned == "" {
		return nil
	}
	return &cleaned
}

type anchorError string

func (e anchorError) Error() string { return string(e) }

// validateAnchor requires a page, a block type and either a bbox of at least four finite
// numbers or a polygon of at least four points with two finite coordinates each.
func validateAnchor(anchor models.IssueAnchor) error {
	if anchor.Page < 0 {
		return anchorError("page must not be negative")
	}
	if strings.TrimSpace(anchor.BlockType) == "" {
		return anchorError("block_type is required")
	}

	if len(anchor.BBox) >= 4 && allFinite(anchor.BBox) {
		return nil
	}
	if len(anchor.Polygon) >= 4 {
		valid := true
		for _, point := range anchor.Polygon {
			if len(point) < 2 || !allFinite(point) {
				valid = false
				break
			}
		}
		if valid {
			return nil
		}
	}
	return anchorError("bbox or polygon geometry is required")
}

func allFinite(values []float64) bool {
	for _, value := range values {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return false
		}
	}
	return true
}
