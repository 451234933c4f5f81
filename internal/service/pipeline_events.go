package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/observability"
)

// Pipeline event names.
const (
	EventSessionStarted       = "session.started"
	EventSessionExpired       = "session.expired"
	EventSubmissionSubmitted  = "submission.submitted"
	EventOcrInReview          = "submission.ocr_in_review"
	EventOcrFailed            = "submission.ocr_failed"
	EventOcrFinalized         = "submission.ocr_finalized"
	EventOcrRequeued          = "submission.ocr_requeued"
	EventPrecheckCompleted    = "submission.precheck_completed"
	EventPrecheckFailed       = "submission.precheck_failed"
	EventSubmissionApproved   = "submission.approved"
	EventSubmissionOverridden = "submission.overridden"
	EventRegradeQueued        = "submission.regrade_queued"
	EventExamCompleted        = "exam.completed"
)

// PipelineEvent is a best-effort notification about a state change. Consumers must reread the
// store before acting on it.
type PipelineEvent struct {
	Source       string                   `json:"source"`
	Event        string                   `json:"event"`
	CourseID     uint                     `json:"course_id"`
	ExamID       uint                     `json:"exam_id,omitempty"`
	SessionID    uint                     `json:"session_id,omitempty"`
	SubmissionID uint                     `json:"submission_id,omitempty"`
	StudentID    uint                     `json:"student_id,omitempty"`
	Status       models.SubmissionStatus  `json:"status,omitempty"`
	OcrStatus    models.OcrOverallStatus  `json:"ocr_status,omitempty"`
	LlmStatus    models.LlmPrecheckStatus `json:"llm_status,omitempty"`
	SentAt       time.Time                `json:"sent_at"`
}

// SubmissionEvent builds an event from the submission's current row.
func SubmissionEvent(name string, submission models.Submission) PipelineEvent {
	return PipelineEvent{
		Event:        name,
		CourseID:     submission.CourseID,
		SessionID:    submission.SessionID,
		SubmissionID: submission.ID,
		StudentID:    submission.StudentID,
		Status:       submission.Status,
		OcrStatus:    submission.OcrOverallStatus,
		LlmStatus:    submission.LlmPrecheckStatus,
	}
}

// EventPublisher fans pipeline events out to brokers. Publishing never fails the caller.
type EventPublisher interface {
	Publish(ctx context.Context, event PipelineEvent)
}

type pipelineEventPublisher struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	nodeID       string
	now          func() time.Time
}

// NewEventPublisher publishes on Redis pub/sub `<base>:submissions` and on the NATS subject
// `<base with dots>.submissions`. Either connection may be nil.
func NewEventPublisher(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) EventPublisher {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":submissions"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".submissions"
	}

	return &pipelineEventPublisher{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "pipeline_events").Logger(),
		nodeID:       uuid.NewString(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (p *pipelineEventPublisher) Publish(ctx context.Context, event PipelineEvent) {
	event.Source = p.nodeID
	if event.SentAt.IsZero() {
		event.SentAt = p.now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn().Err(err).Str("event", event.Event).Msg("failed to encode pipeline event")
		return
	}

	published := false
	if p.redis != nil && p.redisChannel != "" {
		if err := p.redis.Publish(ctx, p.redisChannel, payload).Err(); err != nil {
			p.logger.Warn().Err(err).Str("event", event.Event).Msg("failed to publish pipeline event to redis")
		} else {
			published = true
		}
	}

	if p.nats != nil && p.natsSubject != "" {
		if err := p.nats.Publish(p.natsSubject, payload); err != nil {
			p.logger.Warn().Err(err).Str("event", event.Event).Msg("failed to publish pipeline event to nats")
		} else {
			published = true
		}
	}

	if published {
		observability.PipelineEvents().WithLabelValues(event.Event).Inc()
	}
}

type nopEventPublisher struct{}

// NopEventPublisher discards every event.
func NopEventPublisher() EventPublisher {
	return nopEventPublisher{}
}

func (nopEventPublisher) Publish(context.Context, PipelineEvent) {}
