package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-exam-api/internal/repository"
)

// RunnerConfig controls the worker loops.
type RunnerConfig struct {
	PollInterval   time.Duration
	OCRConcurrency int
	LLMConcurrency int
	SweepInterval  time.Duration
}

// Runner drives the claim loops of both stages and the periodic maintenance sweep.
type Runner struct {
	claimer repository.WorkClaimer
	ocr     Processor
	llm     Processor
	sweeper *Sweeper
	cfg     RunnerConfig
	logger  zerolog.Logger
}

// NewRunner wires the stage processors to the claimer. A nil processor disables its stage
// and a nil sweeper disables the sweep loop.
func NewRunner(claimer repository.WorkClaimer, ocrStage, llmStage Processor, sweeper *Sweeper, cfg RunnerConfig, logger zerolog.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.OCRConcurrency <= 0 {
		cfg.OCRConcurrency = 1
	}
	if cfg.LLMConcurrency <= 0 {
		cfg.LLMConcurrency = 1
	}
	return &Runner{
		claimer: claimer,
		ocr:     ocrStage,
		llm:     llmStage,
		sweeper: sweeper,
		cfg:     cfg,
		logger:  logger.With().Str("component", "worker_runner").Logger(),
	}
}

// Run blocks until ctx is cancelled. Job failures are logged and never stop a loop.
func (r *Runner) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	if r.ocr != nil {
		for i := 0; i < r.cfg.OCRConcurrency; i++ {
			slot := i
			group.Go(func() error { return r.poll(ctx, repository.StageOCR, r.ocr, slot) })
		}
	}
	if r.llm != nil {
		for i := 0; i < r.cfg.LLMConcurrency; i++ {
			slot := i
			group.Go(func() error { return r.poll(ctx, repository.StageLLM, r.llm, slot) })
		}
	}
	if r.sweeper != nil && r.cfg.SweepInterval > 0 {
		group.Go(func() error { return r.sweepLoop(ctx) })
	}

	r.logger.Info().
		Int("ocr_workers", r.cfg.OCRConcurrency).
		Int("llm_workers", r.cfg.LLMConcurrency).
		Dur("poll_interval", r.cfg.PollInterval).
		Dur("sweep_interval", r.cfg.SweepInterval).
		Msg("worker started")

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	r.logger.Info().Msg("worker stopped")
	return err
}

func (r *Runner) poll(ctx context.Context, stage repository.Stage, processor Processor, slot int) error {
	logger := r.logger.With().Str("stage", string(stage)).Int("slot", slot).Logger()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		claimed, err := r.RunOnce(ctx, stage, processor)
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("job iteration failed")
		}
		if claimed && err == nil {
			continue
		}

		if err := sleep(ctx, r.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// RunOnce claims and processes at most one job of the stage. A panicking processor is
// reported as an error for that job only.
func (r *Runner) RunOnce(ctx context.Context, stage repository.Stage, processor Processor) (bool, error) {
	item, ok, err := r.claimer.ClaimNext(ctx, stage)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	r.logger.Debug().
		Str("stage", string(stage)).
		Uint("submission_id", item.SubmissionID).
		Int("retry", item.RetryCount).
		Msg("job claimed")

	return true, r.process(ctx, processor, item)
}

func (r *Runner) process(ctx context.Context, processor Processor, item repository.WorkItem) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error().
				Str("stage", string(item.Stage)).
				Uint("submission_id", item.SubmissionID).
				Str("panic", fmt.Sprint(recovered)).
				Bytes("stack", debug.Stack()).
				Msg("job panicked")
			err = fmt.Errorf("%s job for submission %d panicked: %v", item.Stage, item.SubmissionID, recovered)
		}
	}()
	return processor.Process(ctx, item)
}

// sweepLoop runs the sweep on an "@every" schedule until ctx is cancelled. A sweep that
// outlasts the interval makes the next tick skip rather than overlap.
func (r *Runner) sweepLoop(ctx context.Context) error {
	logger := cronLogger{r.logger}
	scheduler := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	_, err := scheduler.AddFunc("@every "+r.cfg.SweepInterval.String(), func() {
		if _, err := r.sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("maintenance sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule maintenance sweep: %w", err)
	}

	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	return ctx.Err()
}

// cronLogger routes the scheduler's own messages through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("scheduler: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("scheduler: " + msg)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
