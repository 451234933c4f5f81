package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/observability"
	"github.com/noah-isme/gema-exam-api/internal/repository"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/pkg/ocr"
	"github.com/noah-isme/gema-exam-api/pkg/storage"
)

// Job outcomes reported to gema_pipeline_jobs_total.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
	outcomeError     = "error"
)

// errMissingGeometry marks OCR output that cannot be anchored by the review workflow.
var errMissingGeometry = errors.New("ocr block without bbox or polygon")

// Recognizer is the OCR vendor collaborator.
type Recognizer interface {
	RunOCR(ctx context.Context, fileURL string) (ocr.Result, error)
}

// Processor handles one claimed job. A returned error means the job could not be recorded
// at all; vendor failures are persisted as Failed transitions and return nil.
type Processor interface {
	Process(ctx context.Context, item repository.WorkItem) error
}

// OCRStage runs every page of a claimed submission through the OCR vendor.
type OCRStage struct {
	submissions repository.SubmissionRepository
	images      repository.ImageRepository
	storage     storage.Storage
	recognizer  Recognizer
	presignTTL  time.Duration
	events      service.EventPublisher
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewOCRStage constructs the OCR stage orchestrator.
func NewOCRStage(
	submissions repository.SubmissionRepository,
	images repository.ImageRepository,
	store storage.Storage,
	recognizer Recognizer,
	presignTTL time.Duration,
	events service.EventPublisher,
	logger zerolog.Logger,
) *OCRStage {
	if events == nil {
		events = service.NopEventPublisher()
	}
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	return &OCRStage{
		submissions: submissions,
		images:      images,
		storage:     store,
		recognizer:  recognizer,
		presignTTL:  presignTTL,
		events:      events,
		logger:      logger.With().Str("component", "ocr_stage").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-exam-api/internal/worker/ocr"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *OCRStage) Process(ctx context.Context, item repository.WorkItem) error {
	ctx, span := s.tracer.Start(ctx, "worker.ocr", trace.WithAttributes(
		attribute.Int("submission.id", int(item.SubmissionID)),
		attribute.Int("submission.ocr_retry", item.RetryCount),
	))
	defer span.End()

	started := time.Now()
	defer func() {
		observability.PipelineJobDuration().WithLabelValues(string(repository.StageOCR)).Observe(time.Since(started).Seconds())
	}()

	logger := s.logger.With().Uint("submission_id", item.SubmissionID).Int("retry", item.RetryCount).Logger()

	images, err := s.images.ListBySubmission(ctx, item.SubmissionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list images")
		return s.recordError(fmt.Errorf("list images: %w", err))
	}

	if len(images) == 0 {
		logger.Warn().Msg("submission has no pages, failing ocr")
		return s.fail(ctx, item, models.FlagReasonNoImages, "submission has no uploaded pages")
	}

	for _, image := range images {
		if image.OcrStatus == models.OcrImageReady {
			continue
		}
		if err := s.processPage(ctx, image); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "page failed")
			logger.Warn().Err(err).Uint("image_id", image.ID).Int("order_index", image.OrderIndex).Msg("ocr page failed")
			return s.fail(ctx, item, models.FlagReasonOCRFailed, fmt.Sprintf("page %d: %v", image.OrderIndex+1, err))
		}
	}

	applied, err := s.submissions.MarkOcrInReview(ctx, item.SubmissionID, s.now())
	if err != nil {
		span.RecordError(err)
		return s.recordError(fmt.Errorf("mark in review: %w", err))
	}
	if !applied {
		observability.PipelineJobs().WithLabelValues(string(repository.StageOCR), outcomeSkipped).Inc()
		logger.Info().Msg("ocr result discarded, submission moved on")
		return nil
	}

	observability.PipelineJobs().WithLabelValues(string(repository.StageOCR), outcomeSucceeded).Inc()
	s.publish(ctx, item, service.EventOcrInReview)
	span.SetStatus(codes.Ok, "in review")
	logger.Info().Int("pages", len(images)).Msg("ocr completed, awaiting student review")
	return nil
}

// processPage recognises one page. Errors are page failures; the caller fails the submission.
func (s *OCRStage) processPage(ctx context.Context, image models.SubmissionImage) error {
	marked, err := s.images.MarkProcessing(ctx, image.ID, s.now())
	if err != nil {
		return fmt.Errorf("mark page processing: %w", err)
	}
	if !marked {
		return fmt.Errorf("page is %s, expected pending", image.OcrStatus)
	}

	result, err := s.recognize(ctx, image)
	if err != nil {
		if _, markErr := s.images.MarkFailed(ctx, image.ID, err.Error(), s.now()); markErr != nil {
			s.logger.Error().Err(markErr).Uint("image_id", image.ID).Msg("failed to record page failure")
		}
		return err
	}

	stored, err := s.images.MarkReady(ctx, image.ID, result, s.now())
	if err != nil {
		return fmt.Errorf("store page result: %w", err)
	}
	if !stored {
		return errors.New("page was reset while recognising")
	}
	return nil
}

func (s *OCRStage) recognize(ctx context.Context, image models.SubmissionImage) (repository.OcrPageResult, error) {
	url, err := s.storage.PresignGet(ctx, image.FilePath, s.presignTTL)
	if err != nil {
		return repository.OcrPageResult{}, fmt.Errorf("presign page: %w", err)
	}

	result, err := s.recognizer.RunOCR(ctx, url)
	if err != nil {
		return repository.OcrPageResult{}, fmt.Errorf("run ocr: %w", err)
	}

	return pageResult(result)
}

// pageResult converts vendor output, rejecting blocks that carry no geometry.
func pageResult(result ocr.Result) (repository.OcrPageResult, error) {
	blocks := make([]models.OcrBlock, 0, len(result.Blocks))
	texts := make([]string, 0, len(result.Blocks))
	for _, block := range result.Blocks {
		converted := models.OcrBlock{
			ID:        block.ID,
			BlockType: block.BlockType,
			Page:      block.Page,
			BBox:      block.BBox,
			Polygon:   block.Polygon,
			Text:      block.Text,
			HTML:      block.HTML,
		}
		if !converted.HasGeometry() {
			return repository.OcrPageResult{}, fmt.Errorf("%w: block %q", errMissingGeometry, block.ID)
		}
		blocks = append(blocks, converted)
		if text := strings.TrimSpace(block.Text); text != "" {
			texts = append(texts, text)
		}
	}
	if len(blocks) == 0 && strings.TrimSpace(result.Markdown) != "" {
		return repository.OcrPageResult{}, fmt.Errorf("%w: markdown returned without blocks", errMissingGeometry)
	}

	return repository.OcrPageResult{
		Markdown: result.Markdown,
		Text:     strings.Join(texts, "\n"),
		Chunks:   models.OcrChunks{Blocks: blocks},
		Model:    result.Model,
	}, nil
}

func (s *OCRStage) fail(ctx context.Context, item repository.WorkItem, flag, reason string) error {
	applied, err := s.submissions.MarkOcrFailed(ctx, item.SubmissionID, repository.StageFailure{
		Reason: reason,
		Flag:   flag,
		At:     s.now(),
	})
	if err != nil {
		return s.recordError(fmt.Errorf("mark ocr failed: %w", err))
	}
	if !applied {
		observability.PipelineJobs().WithLabelValues(string(repository.StageOCR), outcomeSkipped).Inc()
		return nil
	}

	observability.PipelineJobs().WithLabelValues(string(repository.StageOCR), outcomeFailed).Inc()
	s.publish(ctx, item, service.EventOcrFailed)
	return nil
}

func (s *OCRStage) recordError(err error) error {
	observability.PipelineJobs().WithLabelValues(string(repository.StageOCR), outcomeError).Inc()
	return err
}

func (s *OCRStage) publish(ctx context.Context, item repository.WorkItem, event string) {
	submission, err := s.submissions.GetByID(ctx, item.CourseID, item.SubmissionID)
	if err != nil {
		s.logger.Warn().Err(err).Uint("submission_id", item.SubmissionID).Msg("failed to reload submission for event")
		return
	}
	s.events.Publish(ctx, service.SubmissionEvent(event, submission))
}
