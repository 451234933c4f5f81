package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/config"
	"github.com/noah-isme/gema-exam-api/internal/database"
	"github.com/noah-isme/gema-exam-api/internal/repository"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/internal/worker"
	"github.com/noah-isme/gema-exam-api/pkg/ai"
	cloud "github.com/noah-isme/gema-exam-api/pkg/cloudinary"
	"github.com/noah-isme/gema-exam-api/pkg/ocr"
)

type dependencies struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	redis  *redis.Client
	nats   *nats.Conn
	events service.EventPublisher

	exams       repository.ExamRepository
	sessions    repository.SessionRepository
	submissions repository.SubmissionRepository
	images      repository.ImageRepository
	reviews     repository.OcrReviewRepository
}

func connect(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*dependencies, error) {
	db, err := database.ConnectPostgres(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.Worker.OCRConcurrency + cfg.Worker.LLMConcurrency + 4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database pool: %w", err)
	}

	deps := &dependencies{
		db:          db,
		sqlDB:       sqlDB,
		exams:       repository.NewExamRepository(db),
		sessions:    repository.NewSessionRepository(db),
		submissions: repository.NewSubmissionRepository(db),
		images:      repository.NewImageRepository(db),
		reviews:     repository.NewOcrReviewRepository(db),
	}

	if cfg.RedisURL != "" {
		if deps.redis, err = database.ConnectRedis(ctx, cfg.RedisURL, cfg.AppName+" worker"); err != nil {
			deps.Close()
			return nil, err
		}
	}
	if deps.nats, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName+" worker"); err != nil {
		deps.Close()
		return nil, err
	}

	if deps.redis == nil && deps.nats == nil {
		logger.Warn().Msg("no event transport configured; pipeline events are dropped")
		deps.events = service.NopEventPublisher()
	} else {
		deps.events = service.NewEventPublisher(deps.redis, cfg.EventsChannel, deps.nats, logger)
	}

	return deps, nil
}

// Close releases every connection opened by connect.
func (d *dependencies) Close() {
	if d.nats != nil {
		_ = d.nats.Drain()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.sqlDB != nil {
		_ = d.sqlDB.Close()
	}
}

func (d *dependencies) ocrStage(cfg config.Config, logger zerolog.Logger) (*worker.OCRStage, error) {
	store, err := cloud.New(cloud.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryUploadFolder,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudinary client: %w", err)
	}

	client, err := ocr.New(ocr.Config{
		BaseURL:          cfg.OCR.BaseURL,
		APIKey:           cfg.OCR.APIKey,
		RequestTimeout:   cfg.OCR.RequestTimeout,
		PollInterval:     cfg.OCR.PollInterval,
		MaxPollAttempts:  cfg.OCR.MaxPollAttempts,
		MaxSubmitRetries: cfg.OCR.MaxSubmitRetries,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ocr client: %w", err)
	}

	return worker.NewOCRStage(d.submissions, d.images, store, client, cfg.PresignTTL, d.events, logger), nil
}

func (d *dependencies) llmStage(cfg config.Config, logger zerolog.Logger) (*worker.LLMStage, error) {
	if cfg.LLM.Provider != "" && cfg.LLM.Provider != "openai" {
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLM.Provider)
	}

	prechecker, err := ai.NewOpenAIPrechecker(ai.OpenAIConfig{
		APIKey:         cfg.LLM.OpenAIAPIKey,
		Model:          cfg.LLM.Model,
		MaxTokens:      cfg.LLM.MaxTokens,
		RequestTimeout: cfg.LLM.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create llm prechecker: %w", err)
	}

	return worker.NewLLMStage(d.exams, d.sessions, d.submissions, d.images, d.reviews, prechecker, d.events, logger), nil
}

func (d *dependencies) sweeper(cfg config.Config, logger zerolog.Logger) *worker.Sweeper {
	return worker.NewSweeper(d.exams, d.sessions, d.submissions, d.events, worker.SweepConfig{
		OCRStaleAfter: cfg.OCRStaleAfter(),
		LLMStaleAfter: cfg.LLMStaleAfter(),
		RetryCeiling:  cfg.OCR.RetryCeiling,
	}, logger)
}
