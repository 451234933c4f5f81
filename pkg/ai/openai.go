package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "precheck_duration_seconds",
		Help:      "Duration of LLM precheck requests",
	}, []string{"model"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "precheck_failures_total",
		Help:      "Number of failed LLM precheck attempts",
	}, []string{"model", "reason"})
)

const precheckSchema = `{
  "type": "object",
  "required": ["total_score", "feedback", "criteria"],
  "properties": {
    "total_score": {"type": "number", "minimum": 0},
    "summary": {"type": "string"},
    "feedback": {"type": "string"},
    "unreadable": {"type": "boolean"},
    "unreadable_reason": {"type": "string"},
    "criteria": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "score", "max_score"],
        "properties": {
          "task_type_id": {"type": "integer", "minimum": 0},
          "name": {"type": "string", "minLength": 1},
          "score": {"type": "number", "minimum": 0},
          "max_score": {"type": "number", "minimum": 0},
          "comment": {"type": "string"}
        }
      }
    }
  }
}`

// ErrInvalidOutput marks model output that is not valid JSON or does not match the schema.
var ErrInvalidOutput = errors.New("llm output failed validation")

// OpenAIConfig defines configuration options for the OpenAI prechecker.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	MaxTokens      int
	Temperature    float32
	RequestTimeout time.Duration
	MaxRetries     int
	Logger         zerolog.Logger
}

// OpenAIPrechecker implements Prechecker against the OpenAI chat completion API.
type OpenAIPrechecker struct {
	client *openai.Client
	cfg    OpenAIConfig
	schema *jsonschema.Schema
	tracer trace.Tracer
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewOpenAIPrechecker builds a new prechecker using the provided configuration.
func NewOpenAIPrechecker(cfg OpenAIConfig) (*OpenAIPrechecker, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	schema, err := jsonschema.CompileString("precheck.schema.json", precheckSchema)
	if err != nil {
		return nil, fmt.Errorf("compile precheck schema: %w", err)
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &OpenAIPrechecker{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		schema: schema,
		tracer: otel.Tracer("github.com/noah-isme/gema-exam-api/pkg/ai/openai"),
		logger: cfg.Logger.With().Str("component", "openai_prechecker").Logger(),
		sleep:  sleepContext,
	}, nil
}

// RunPrecheck grades the submission, retrying transient failures with exponential backoff.
func (p *OpenAIPrechecker) RunPrecheck(parent context.Context, input PrecheckInput) (PrecheckResult, error) {
	ctx, span := p.tracer.Start(parent, "openai.precheck", trace.WithAttributes(
		attribute.String("model", p.cfg.Model),
		attribute.Int64("submission.id", int64(input.SubmissionID)),
		attribute.Int("pages", len(input.Pages)),
	))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<attempt) * time.Second
			p.logger.Warn().Err(lastErr).Int("attempt", attempt).Dur("backoff", backoff).Uint("submission_id", input.SubmissionID).Msg("retrying llm precheck")
			if err := p.sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
		}

		result, err := p.attempt(ctx, input)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return PrecheckResult{}, lastErr
}

func (p *OpenAIPrechecker) attempt(parent context.Context, input PrecheckInput) (PrecheckResult, error) {
	ctx, cancel := context.WithTimeout(parent, p.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: precheckSystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildUserPrompt(input),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := p.client.CreateChatCompletion(ctx, request)
	aiDuration.WithLabelValues(p.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		aiFailures.WithLabelValues(p.cfg.Model, "request").Inc()
		return PrecheckResult{}, fmt.Errorf("openai precheck: %w", err)
	}
	if len(resp.Choices) == 0 {
		aiFailures.WithLabelValues(p.cfg.Model, "empty").Inc()
		return PrecheckResult{}, fmt.Errorf("%w: no choices returned", ErrInvalidOutput)
	}

	result, err := p.parse(strings.TrimSpace(resp.Choices[0].Message.Content))
	if err != nil {
		aiFailures.WithLabelValues(p.cfg.Model, "invalid_output").Inc()
		return PrecheckResult{}, err
	}
	result.Model = resp.Model
	if result.Model == "" {
		result.Model = p.cfg.Model
	}
	return result, nil
}

func (p *OpenAIPrechecker) parse(content string) (PrecheckResult, error) {
	var generic interface{}
	if err := json.Unmarshal([]byte(content), &generic); err != nil {
		return PrecheckResult{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if err := p.schema.Validate(generic); err != nil {
		return PrecheckResult{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	var payload struct {
		TotalScore       float64          `json:"total_score"`
		Summary          string           `json:"summary"`
		Feedback         string           `json:"feedback"`
		Unreadable       bool             `json:"unreadable"`
		UnreadableReason string           `json:"unreadable_reason"`
		Criteria         []CriterionScore `json:"criteria"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return PrecheckResult{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	return PrecheckResult{
		Score:            payload.TotalScore,
		Summary:          payload.Summary,
		Feedback:         payload.Feedback,
		Criteria:         payload.Criteria,
		Unreadable:       payload.Unreadable,
		UnreadableReason: payload.UnreadableReason,
	}, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrInvalidOutput) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 0 || reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	return true
}

func precheckSystemPrompt() string {
	return "You are a teaching assistant producing a preliminary grade for a handwritten exam. " +
		"Grade each task against its maximum score using the transcription and the student's OCR corrections. " +
		"Respond with a JSON object: total_score (number), summary, feedback, criteria (array of objects with " +
		"task_type_id, name, score, max_score, comment), unreadable (true when the pages cannot be graded) and " +
		"unreadable_reason."
}

func buildUserPrompt(input PrecheckInput) string {
	builder := strings.Builder{}
	fmt.Fprintf(&builder, "# Exam\nMaximum score: %g\n", input.MaxScore)

	for _, task := range input.Tasks {
		fmt.Fprintf(&builder, "\n## Task %d (id %d, max %g): %s\n", task.OrderIndex+1, task.TaskTypeID, task.MaxScore, task.Title)
		if task.Description != "" {
			builder.WriteString(task.Description)
			builder.WriteString("\n")
		}
		builder.WriteString("\n### Variant\n")
		builder.WriteString(task.VariantContent)
		builder.WriteString("\n")
		if task.ReferenceSolution != "" {
			builder.WriteString("\n### Reference solution\n")
			builder.WriteString(task.ReferenceSolution)
			builder.WriteString("\n")
		}
	}

	builder.WriteString("\n# Student work\n")
	for _, page := range input.Pages {
		fmt.Fprintf(&builder, "\n## Page %d\n%s\n", page.OrderIndex+1, page.Markdown)
	}

	if len(input.Issues) > 0 || input.ReportSummary != "" {
		builder.WriteString("\n# OCR corrections reported by the student\n")
		if input.ReportSummary != "" {
			builder.WriteString(input.ReportSummary)
			builder.WriteString("\n")
		}
		for _, issue := range input.Issues {
			fmt.Fprintf(&builder, "- page %d, %s (%s): %q -> %q. %s\n",
				issue.OrderIndex+1, issue.BlockType, issue.Severity, issue.OriginalText, issue.SuggestedText, issue.Note)
		}
	}

	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
