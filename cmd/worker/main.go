package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/noah-isme/gema-exam-api/internal/config"
	"github.com/noah-isme/gema-exam-api/internal/observability"
	"github.com/noah-isme/gema-exam-api/internal/repository"
	"github.com/noah-isme/gema-exam-api/internal/worker"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "worker",
		Short:         "Exam submission pipeline worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.Duration("poll-interval", 0, "Sleep between empty claim attempts")
	f.Int("ocr-concurrency", 0, "OCR jobs processed in parallel")
	f.Int("llm-concurrency", 0, "LLM precheck jobs processed in parallel")
	f.Duration("sweep-interval", 0, "Interval between maintenance sweeps (0 disables)")
	f.Int("retry-ceiling", -1, "Automatic OCR retries before a failure is final")

	root.AddCommand(runCmd(), sweepCmd(), claimCmd())
	return root
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll for OCR and LLM work and run the maintenance sweep until interrupted",
		RunE:  runWorker,
	}
	cmd.Flags().String("metrics-addr", ":9090", "Address serving /metrics and /health (empty disables)")
	cmd.Flags().Bool("no-ocr", false, "Do not run the OCR stage")
	cmd.Flags().Bool("no-llm", false, "Do not run the LLM precheck stage")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance pass and print its report",
		RunE:  runSweep,
	}
}

func claimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim and process at most one job of a stage",
		RunE:  runClaim,
	}
	cmd.Flags().String("stage", string(repository.StageOCR), "Pipeline stage to claim from (ocr, llm)")
	return cmd
}

// loadConfig merges the command line into the environment-backed configuration. Flags win
// only when set explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	v := viper.New()
	bindings := map[string]string{
		"worker.poll_interval":   "poll-interval",
		"worker.ocr_concurrency": "ocr-concurrency",
		"worker.llm_concurrency": "llm-concurrency",
		"worker.sweep_interval":  "sweep-interval",
		"ocr.retry_ceiling":      "retry-ceiling",
	}
	for key, name := range bindings {
		if flag := cmd.Flags().Lookup(name); flag != nil && flag.Changed {
			if err := v.BindPFlag(key, flag); err != nil {
				return config.Config{}, zerolog.Nop(), fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	cfg, err := config.LoadFrom(v)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cmd.Flag("log-level").Value.String()))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "worker").Logger()
	return cfg, logger, nil
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	var ocrStage, llmStage worker.Processor
	if skip, _ := cmd.Flags().GetBool("no-ocr"); !skip {
		if ocrStage, err = deps.ocrStage(cfg, logger); err != nil {
			return err
		}
	}
	if skip, _ := cmd.Flags().GetBool("no-llm"); !skip {
		if llmStage, err = deps.llmStage(cfg, logger); err != nil {
			return err
		}
	}

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	if metricsAddr != "" {
		app := metricsApp(cfg, deps)
		go func() {
			if err := app.Listen(metricsAddr); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = app.ShutdownWithContext(shutdownCtx)
		}()
	}

	runner := worker.NewRunner(repository.NewWorkClaimer(deps.db), ocrStage, llmStage, deps.sweeper(cfg, logger), worker.RunnerConfig{
		PollInterval:   cfg.Worker.PollInterval,
		OCRConcurrency: cfg.Worker.OCRConcurrency,
		LLMConcurrency: cfg.Worker.LLMConcurrency,
		SweepInterval:  cfg.Worker.SweepInterval,
	}, logger)

	logger.Info().
		Int("ocr_concurrency", cfg.Worker.OCRConcurrency).
		Int("llm_concurrency", cfg.Worker.LLMConcurrency).
		Dur("sweep_interval", cfg.Worker.SweepInterval).
		Msg("worker started")

	if err := runner.Run(ctx); err != nil {
		return err
	}
	logger.Info().Msg("worker stopped")
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	deps, err := connect(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	report, sweepErr := deps.sweeper(cfg, logger).Run(cmd.Context())
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return err
	}
	return sweepErr
}

func runClaim(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	stageName, _ := cmd.Flags().GetString("stage")
	stage := repository.Stage(strings.ToLower(strings.TrimSpace(stageName)))

	deps, err := connect(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	var processor worker.Processor
	switch stage {
	case repository.StageOCR:
		processor, err = deps.ocrStage(cfg, logger)
	case repository.StageLLM:
		processor, err = deps.llmStage(cfg, logger)
	default:
		return fmt.Errorf("unknown stage %q", stageName)
	}
	if err != nil {
		return err
	}

	runner := worker.NewRunner(repository.NewWorkClaimer(deps.db), nil, nil, nil, worker.RunnerConfig{}, logger)
	processed, err := runner.RunOnce(cmd.Context(), stage, processor)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if !processed {
		fmt.Fprintln(cmd.OutOrStdout(), "no eligible job")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "processed one %s job\n", stage)
	return nil
}

func metricsApp(cfg config.Config, deps *dependencies) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	observability.Mount(app)
	app.Get("/health", func(c *fiber.Ctx) error {
		if err := deps.sqlDB.PingContext(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "error": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "ok", "service": cfg.AppName})
	})
	return app
}
