package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ocrDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "ocr",
		Name:      "request_duration_seconds",
		Help:      "Duration of OCR vendor jobs from submit to final poll",
		Buckets:   []float64{1, 2, 5, 10, 20, 40, 80, 160, 320},
	}, []string{"outcome"})

	ocrSubmitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "ocr",
		Name:      "submit_retries_total",
		Help:      "Number of retried OCR submit calls",
	})
)

// ErrPollTimeout is returned when the vendor never reports a terminal job state.
var ErrPollTimeout = errors.New("ocr polling timed out")

// Block is one recognised region with its page geometry.
type Block struct {
	ID        string      `json:"id"`
	BlockType string      `json:"block_type"`
	Page      int         `json:"page"`
	BBox      []float64   `json:"bbox,omitempty"`
	Polygon   [][]float64 `json:"polygon,omitempty"`
	HTML      string      `json:"html,omitempty"`
	Text      string      `json:"text,omitempty"`
}

// Result is the recognised content of one file.
type Result struct {
	Markdown string
	Blocks   []Block
	Model    string
}

// Config configures the Datalab marker client.
type Config struct {
	BaseURL          string
	APIKey           string
	Mode             string
	OutputFormat     string
	RequestTimeout   time.Duration
	PollInterval     time.Duration
	MaxPollAttempts  int
	MaxSubmitRetries int
	Logger           zerolog.Logger
}

// Client talks to a Datalab-style submit-and-poll OCR API.
type Client struct {
	http   *http.Client
	cfg    Config
	tracer trace.Tracer
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

type jobRef struct {
	requestID string
	checkURL  string
}

// New builds an OCR client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("ocr api key is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("ocr base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Mode == "" {
		cfg.Mode = "accurate"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "chunks,markdown"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = 60
	}
	if cfg.MaxSubmitRetries < 0 {
		cfg.MaxSubmitRetries = 0
	}

	return &Client{
		http: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-exam-api/pkg/ocr"),
		logger: cfg.Logger.With().Str("component", "ocr_client").Logger(),
		sleep:  sleepContext,
	}, nil
}

// RunOCR submits a file URL and polls until the job completes, fails or runs out of attempts.
func (c *Client) RunOCR(parent context.Context, fileURL string) (Result, error) {
	ctx, span := c.tracer.Start(parent, "ocr.run", trace.WithAttributes(
		attribute.String("ocr.mode", c.cfg.Mode),
	))
	defer span.End()

	start := time.Now()
	ref, err := c.submit(ctx, fileURL)
	if err == nil {
		var result Result
		result, err = c.poll(ctx, ref)
		if err == nil {
			ocrDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
			span.SetAttributes(attribute.Int("ocr.blocks", len(result.Blocks)))
			return result, nil
		}
	}

	ocrDuration.WithLabelValues("failure").Observe(time.Since(start).Seconds())
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return Result{}, err
}

func (c *Client) submit(ctx context.Context, fileURL string) (jobRef, error) {
	endpoint := c.cfg.BaseURL + "/marker"
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxSubmitRetries; attempt++ {
		ref, retryable, err := c.submitOnce(ctx, endpoint, fileURL)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		if !retryable || attempt == c.cfg.MaxSubmitRetries {
			break
		}

		ocrSubmitRetries.Inc()
		backoff := time.Duration(1<<attempt) * time.Second
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("ocr submit failed, retrying")
		if err := c.sleep(ctx, backoff); err != nil {
			return jobRef{}, err
		}
	}

	return jobRef{}, lastErr
}

func (c *Client) submitOnce(ctx context.Context, endpoint, fileURL string) (jobRef, bool, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for field, value := range map[string]string{
		"file_url":      fileURL,
		"mode":          c.cfg.Mode,
		"output_format": c.cfg.OutputFormat,
	} {
		if err := writer.WriteField(field, value); err != nil {
			return jobRef{}, false, fmt.Errorf("build ocr submit form: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return jobRef{}, false, fmt.Errorf("build ocr submit form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return jobRef{}, false, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Api-Key", c.cfg.APIKey)

	status, payload, err := c.do(req)
	if err != nil {
		return jobRef{}, true, fmt.Errorf("call ocr submit: %w", err)
	}
	if status >= 300 {
		return jobRef{}, status == http.StatusTooManyRequests || status >= 500,
			fmt.Errorf("ocr submit failed (status %d): %s", status, errorMessage(payload))
	}
	if success, ok := payload["success"].(bool); ok && !success {
		return jobRef{}, true, fmt.Errorf("ocr submit returned success=false: %s", errorMessage(payload))
	}

	ref, ok := c.extractJobRef(payload)
	if !ok {
		return jobRef{}, true, fmt.Errorf("ocr submit response missing request reference")
	}
	return ref, false, nil
}

func (c *Client) poll(ctx context.Context, ref jobRef) (Result, error) {
	for attempt := 0; attempt < c.cfg.MaxPollAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.checkURL, nil)
		if err != nil {
			return Result{}, err
		}
		req.Header.Set("X-Api-Key", c.cfg.APIKey)

		status, payload, err := c.do(req)
		if err != nil {
			return Result{}, fmt.Errorf("call ocr poll: %w", err)
		}
		if status >= 300 {
			return Result{}, fmt.Errorf("ocr poll failed (status %d): %s", status, errorMessage(payload))
		}

		state, _ := payload["status"].(string)
		switch strings.ToLower(state) {
		case "complete", "completed":
			return parseResult(payload)
		case "failed", "error":
			return Result{}, fmt.Errorf("ocr job %s failed: %s", ref.requestID, errorMessage(payload))
		}
		if success, ok := payload["success"].(bool); ok && !success {
			return Result{}, fmt.Errorf("ocr job %s returned success=false: %s", ref.requestID, errorMessage(payload))
		}

		if attempt+1 >= c.cfg.MaxPollAttempts {
			break
		}
		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return Result{}, err
		}
	}

	return Result{}, fmt.Errorf("%w: request %s after %d attempts", ErrPollTimeout, ref.requestID, c.cfg.MaxPollAttempts)
}

func (c *Client) do(req *http.Request) (int, map[string]interface{}, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read ocr response: %w", err)
	}

	payload := map[string]interface{}{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("ocr returned non-JSON body (status %d): %w", resp.StatusCode, err)
	}
	return resp.StatusCode, payload, nil
}

func (c *Client) extractJobRef(payload map[string]interface{}) (jobRef, bool) {
	checkURL, _ := payload["request_check_url"].(string)
	if checkURL != "" && !strings.HasPrefix(checkURL, "http://") && !strings.HasPrefix(checkURL, "https://") {
		base, err := url.Parse(c.cfg.BaseURL + "/")
		if err != nil {
			return jobRef{}, false
		}
		rel, err := url.Parse(checkURL)
		if err != nil {
			return jobRef{}, false
		}
		checkURL = base.ResolveReference(rel).String()
	}

	requestID, _ := payload["request_id"].(string)
	if requestID == "" {
		requestID, _ = payload["request_check_id"].(string)
	}
	if requestID == "" && checkURL != "" {
		trimmed := strings.TrimRight(checkURL, "/")
		requestID = trimmed[strings.LastIndex(trimmed, "/")+1:]
	}
	if requestID == "" {
		return jobRef{}, false
	}
	if checkURL == "" {
		checkURL = fmt.Sprintf("%s/marker/%s", c.cfg.BaseURL, requestID)
	}
	return jobRef{requestID: requestID, checkURL: checkURL}, true
}

func parseResult(payload map[string]interface{}) (Result, error) {
	container := payload
	if nested, ok := payload["result"].(map[string]interface{}); ok {
		container = nested
	}

	result := Result{}
	result.Markdown = firstString(container, payload, "markdown")
	result.Model = firstString(container, payload, "model")

	chunks, ok := container["chunks"]
	if !ok {
		chunks = payload["chunks"]
	}
	blocks, err := parseBlocks(chunks)
	if err != nil {
		return Result{}, err
	}
	result.Blocks = blocks
	return result, nil
}

func parseBlocks(chunks interface{}) ([]Block, error) {
	if chunks == nil {
		return nil, nil
	}
	raw, err := json.Marshal(chunks)
	if err != nil {
		return nil, fmt.Errorf("re-encode ocr chunks: %w", err)
	}

	var list []Block
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var wrapped struct {
		Blocks []Block `json:"blocks"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode ocr chunks: %w", err)
	}
	return wrapped.Blocks, nil
}

func firstString(primary, fallback map[string]interface{}, key string) string {
	if value, ok := primary[key].(string); ok {
		return value
	}
	value, _ := fallback[key].(string)
	return value
}

func errorMessage(payload map[string]interface{}) string {
	switch detail := payload["detail"].(type) {
	case string:
		return detail
	case []interface{}:
		messages := make([]string, 0, len(detail))
		for _, item := range detail {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if msg, ok := entry["msg"].(string); ok {
				messages = append(messages, msg)
			} else if msg, ok := entry["message"].(string); ok {
				messages = append(messages, msg)
			}
		}
		if len(messages) > 0 {
			return strings.Join(messages, "; ")
		}
	}
	for _, key := range []string{"message", "error"} {
		if value, ok := payload[key].(string); ok && value != "" {
			return value
		}
	}
	return "unknown_error"
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
