package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service and the pipeline workers.
type Config struct {
	AppName          string
	AppEnv           string
	AppPort          string
	AllowedOrigins   string
	DatabaseURL      string
	RedisURL         string
	NATSURL          string
	EventsChannel    string
	JWTSecret        string
	JWTRefreshSecret string

	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	PresignTTL             time.Duration

	Exam   ExamConfig
	OCR    OCRConfig
	LLM    LLMConfig
	Worker WorkerConfig
}

// ExamConfig captures admission and session policy.
type ExamConfig struct {
	MaxConcurrentExams int
	AutoSaveInterval   time.Duration
	SubmitGrace        time.Duration
}

// OCRConfig configures the OCR vendor client and retry policy.
type OCRConfig struct {
	BaseURL          string
	APIKey           string
	RequestTimeout   time.Duration
	PollInterval     time.Duration
	MaxPollAttempts  int
	MaxSubmitRetries int
	RetryCeiling     int
}

// LLMConfig configures the preliminary grading model.
type LLMConfig struct {
	Provider       string
	OpenAIAPIKey   string
	Model          string
	MaxTokens      int
	RequestTimeout time.Duration
}

// WorkerConfig configures the background pipeline loops.
type WorkerConfig struct {
	PollInterval   time.Duration
	OCRConcurrency int
	LLMConcurrency int
	SweepInterval  time.Duration
	StaleMargin    time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// OCRStaleAfter is the worst-case time an OCR job may stay in processing before the sweep fails it.
func (c Config) OCRStaleAfter() time.Duration {
	attempts := c.OCR.MaxPollAttempts
	if attempts <= 0 {
		attempts = 1
	}
	pollSeconds := c.OCR.PollInterval.Seconds()
	if pollSeconds < 1 {
		pollSeconds = 1
	}
	return time.Duration(float64(c.OCR.RequestTimeout)*float64(attempts)*pollSeconds) + c.Worker.StaleMargin
}

// LLMStaleAfter is the worst-case time an LLM precheck may stay in processing.
func (c Config) LLMStaleAfter() time.Duration {
	return c.LLM.RequestTimeout + c.Worker.StaleMargin
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom reads configuration from a caller supplied viper instance so command line
// flags bound by the worker CLI take precedence over the environment.
func LoadFrom(v *viper.Viper) (Config, error) {
	_ = godotenv.Load()

	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	v.SetDefault("app.name", "GEMA Exam API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.allowed_origins", "*")
	v.SetDefault("events.channel", "gema:exam")
	v.SetDefault("cloudinary.folder", "gema/exams")
	v.SetDefault("storage.presign_ttl", "15m")
	v.SetDefault("exam.max_concurrent_exams", 200)
	v.SetDefault("exam.autosave_interval", "10s")
	v.SetDefault("exam.submit_grace", "300s")
	v.SetDefault("ocr.base_url", "https://www.datalab.to/api/v1")
	v.SetDefault("ocr.request_timeout", "60s")
	v.SetDefault("ocr.poll_interval", "2s")
	v.SetDefault("ocr.max_poll_attempts", 60)
	v.SetDefault("ocr.max_submit_retries", 3)
	v.SetDefault("ocr.retry_ceiling", 3)
	v.SetDefault("ai.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.request_timeout", "120s")
	v.SetDefault("worker.poll_interval", "2s")
	v.SetDefault("worker.ocr_concurrency", 2)
	v.SetDefault("worker.llm_concurrency", 2)
	v.SetDefault("worker.sweep_interval", "60s")
	v.SetDefault("worker.stale_margin", "5m")

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"storage.presign_ttl",
		"exam.autosave_interval",
		"exam.submit_grace",
		"ocr.request_timeout",
		"ocr.poll_interval",
		"llm.request_timeout",
		"worker.poll_interval",
		"worker.sweep_interval",
		"worker.stale_margin",
	} {
		parsed, err := parseDuration(v, key)
		if err != nil {
			return Config{}, err
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		AllowedOrigins:         v.GetString("app.allowed_origins"),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		EventsChannel:          v.GetString("events.channel"),
		JWTSecret:              v.GetString("jwt.secret"),
		JWTRefreshSecret:       v.GetString("jwt.refresh_secret"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		PresignTTL:             durations["storage.presign_ttl"],
		Exam: ExamConfig{
			MaxConcurrentExams: v.GetInt("exam.max_concurrent_exams"),
			AutoSaveInterval:   durations["exam.autosave_interval"],
			SubmitGrace:        durations["exam.submit_grace"],
		},
		OCR: OCRConfig{
			BaseURL:          v.GetString("ocr.base_url"),
			APIKey:           v.GetString("ocr.api_key"),
			RequestTimeout:   durations["ocr.request_timeout"],
			PollInterval:     durations["ocr.poll_interval"],
			MaxPollAttempts:  v.GetInt("ocr.max_poll_attempts"),
			MaxSubmitRetries: v.GetInt("ocr.max_submit_retries"),
			RetryCeiling:     v.GetInt("ocr.retry_ceiling"),
		},
		LLM: LLMConfig{
			Provider:       strings.ToLower(v.GetString("ai.provider")),
			OpenAIAPIKey:   v.GetString("openai_api_key"),
			Model:          v.GetString("llm.model"),
			MaxTokens:      v.GetInt("llm.max_tokens"),
			RequestTimeout: durations["llm.request_timeout"],
		},
		Worker: WorkerConfig{
			PollInterval:   durations["worker.poll_interval"],
			OCRConcurrency: v.GetInt("worker.ocr_concurrency"),
			LLMConcurrency: v.GetInt("worker.llm_concurrency"),
			SweepInterval:  durations["worker.sweep_interval"],
			StaleMargin:    durations["worker.stale_margin"],
		},
	}

	if cfg.Exam.MaxConcurrentExams <= 0 {
		return Config{}, fmt.Errorf("exam.max_concurrent_exams must be positive")
	}
	if cfg.OCR.RetryCeiling < 0 {
		cfg.OCR.RetryCeiling = 0
	}
	if cfg.Worker.OCRConcurrency <= 0 {
		cfg.Worker.OCRConcurrency = 1
	}
	if cfg.Worker.LLMConcurrency <= 0 {
		cfg.Worker.LLMConcurrency = 1
	}

	return cfg, nil
}

// RequireAuthSecrets validates secrets needed by the HTTP API only.
func (c Config) RequireAuthSecrets() error {
	if c.JWTSecret == "" || c.JWTRefreshSecret == "" {
		return fmt.Errorf("jwt secrets must be provided")
	}
	return nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}
