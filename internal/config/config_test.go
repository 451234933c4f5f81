package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesPipelineDefaults(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "secret")
	t.Setenv("GEMA_JWT_REFRESH_SECRET", "refresh")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.RequireAuthSecrets())
	require.Equal(t, 200, cfg.Exam.MaxConcurrentExams)
	require.Equal(t, 300*time.Second, cfg.Exam.SubmitGrace)
	require.Equal(t, 3, cfg.OCR.RetryCeiling)
	require.Equal(t, 2*time.Second, cfg.Worker.PollInterval)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, "*", cfg.AllowedOrigins)
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	t.Setenv("GEMA_EXAM_SUBMIT_GRACE", "five minutes")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "exam.submit_grace")
}

func TestLoadFromHonoursOverrides(t *testing.T) {
	v := viper.New()
	v.Set("worker.ocr_concurrency", 0)
	v.Set("exam.max_concurrent_exams", 5)

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	require.Equal(t, 1, cfg.Worker.OCRConcurrency)
	require.Equal(t, 5, cfg.Exam.MaxConcurrentExams)
}

func TestStaleWindows(t *testing.T) {
	cfg := Config{
		OCR:    OCRConfig{RequestTimeout: 10 * time.Second, PollInterval: 2 * time.Second, MaxPollAttempts: 3},
		LLM:    LLMConfig{RequestTimeout: 30 * time.Second},
		Worker: WorkerConfig{StaleMargin: time.Minute},
	}

	require.Equal(t, 60*time.Second+time.Minute, cfg.OCRStaleAfter())
	require.Equal(t, 90*time.Second, cfg.LLMStaleAfter())
	require.Error(t, Config{}.RequireAuthSecrets())
}
