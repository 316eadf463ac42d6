package retry

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/pagehook/internal/delivery"
	"github.com/austindbirch/pagehook/internal/logging"
	"github.com/austindbirch/pagehook/internal/metrics"
	"github.com/austindbirch/pagehook/internal/tracing"
	"github.com/austindbirch/pagehook/internal/webhook"
)

// LogAppender records delivery attempts
type LogAppender interface {
	Append(ctx context.Context, entry webhook.LogEntry) error
}

// Pipeline runs one attempt end to end: deliver, record, then schedule what follows
type Pipeline struct {
	engine    delivery.Deliverer
	log       LogAppender
	scheduler *Scheduler
	dlq       *delivery.DLQ
	logger    *logging.Logger
}

func NewPipeline(engine delivery.Deliverer, log LogAppender, scheduler *Scheduler, dlq *delivery.DLQ, logger *logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Pipeline{engine: engine, log: log, scheduler: scheduler, dlq: dlq, logger: logger}
}

func (p *Pipeline) Scheduler() *Scheduler { return p.scheduler }

// Attempt delivers attempt n and appends exactly one log entry for it.
// Log failures are reported but never change the delivery result. The entry is
// written even when ctx is already cancelled.
func (p *Pipeline) Attempt(ctx context.Context, sub webhook.Subscriber, eventType string, payload webhook.Event, attempt int) (delivery.Result, webhook.Status) {
	res := p.engine.Deliver(ctx, sub, eventType, payload)

	status := webhook.StatusSuccess
	if !res.Success {
		status = p.scheduler.StatusFor(attempt)
	}
	metrics.RecordDelivery(string(status), res.Success, res.Duration)
	tracing.AddSpanEvent(ctx, "delivery."+string(status), attribute.Int("attempt", attempt))

	entry := webhook.LogEntry{
		ID:           uuid.NewString(),
		SubscriberID: sub.ID,
		WorkspaceID:  sub.WorkspaceID,
		EventType:    eventType,
		Status:       status,
		Attempt:      attempt,
		HTTPStatus:   res.HTTPStatus,
		Error:        res.Error,
		DurationMs:   res.Duration.Milliseconds(),
		Timestamp:    p.scheduler.now(),
		Payload:      payload,
	}
	log := p.logger.WithContext(ctx).WithWorkspace(sub.WorkspaceID).WithSubscriber(sub.ID).WithEvent(payload.ID).
		WithFields(map[string]any{"attempt": attempt, "status": string(status), "http_status": res.HTTPStatus})
	if err := p.log.Append(context.WithoutCancel(ctx), entry); err != nil {
		log.WithError(err).Error("delivery log append failed")
	}
	if res.Success {
		log.Info("delivered")
	} else {
		log.WithField("reason", res.Reason).Warn(res.Error)
	}
	return res, status
}

// Settle queues the next retry after a failed attempt, or dead-letters it at the ceiling.
// A cancelled ctx does not stop the job from being persisted.
func (p *Pipeline) Settle(ctx context.Context, sub webhook.Subscriber, eventType string, payload webhook.Event, attempt int, res delivery.Result) {
	if res.Success {
		return
	}
	ctx = context.WithoutCancel(ctx)
	queued, err := p.scheduler.QueueRetry(ctx, sub.ID, sub.WorkspaceID, eventType, payload, attempt, res.Error)
	if err != nil {
		p.logger.WithContext(ctx).WithWorkspace(sub.WorkspaceID).WithSubscriber(sub.ID).
			WithField("attempt", attempt).WithError(err).Error("retry could not be persisted")
		return
	}
	if queued {
		metrics.RecordRetry(res.Reason)
		return
	}

	metrics.RecordExhausted(res.Reason)
	p.logger.WithContext(ctx).WithWorkspace(sub.WorkspaceID).WithSubscriber(sub.ID).
		WithField("attempt", attempt).Warn("delivery exhausted")
	job := webhook.Job{
		SubscriberID: sub.ID,
		WorkspaceID:  sub.WorkspaceID,
		EventType:    eventType,
		Payload:      payload,
		Attempt:      attempt,
		LastError:    res.Error,
	}
	_ = p.dlq.Publish(ctx, delivery.NewDeadLetter(job, attempt, res.HTTPStatus, res.Error, res.Reason))
}
