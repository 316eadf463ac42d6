// Package ingest consumes workspace events from NSQ and hands them to the dispatcher.
package ingest

import (
	"context"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/pagehook/internal/dispatch"
	"github.com/austindbirch/pagehook/internal/logging"
	"github.com/austindbirch/pagehook/internal/retry"
	"github.com/austindbirch/pagehook/internal/tracing"
	"github.com/austindbirch/pagehook/internal/webhook"
)

// Triggerer is implemented by *dispatch.Dispatcher
type Triggerer interface {
	Trigger(ctx context.Context, workspaceID, eventType string, payload webhook.Event) (dispatch.Summary, error)
}

// WorkerStarter is implemented by *retry.Workers
type WorkerStarter interface {
	Ensure(workspaceID string) (*retry.Worker, error)
}

// Handler is an nsq.Handler for the events topic
type Handler struct {
	trigger  Triggerer
	workers  WorkerStarter
	logger   *logging.Logger
	maxTries uint16
	timeout  time.Duration
}

func NewHandler(trigger Triggerer, workers WorkerStarter, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{trigger: trigger, workers: workers, logger: logger, maxTries: 10, timeout: 2 * time.Minute}
}

// HandleMessage finishes malformed messages and requeues on registry failure
func (h *Handler) HandleMessage(m *nsq.Message) error {
	env, err := Decode(m.Body)
	if err != nil {
		h.logger.Plain().WithError(err).WithField("nsq_message_id", string(m.ID[:])).Error("dropping bad event envelope")
		return nil
	}

	ctx := tracing.ExtractCarrier(context.Background(), env.TraceHeaders)
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "ingest.consume",
		attribute.String("workspace_id", env.WorkspaceID),
		attribute.String("event_type", env.Event.Type),
		attribute.Int("nsq.attempts", int(m.Attempts)),
	)
	defer span.End()

	return h.Handle(ctx, env, m.Attempts)
}

// Handle dispatches one decoded envelope. attempts is the broker delivery count.
func (h *Handler) Handle(ctx context.Context, env Envelope, attempts uint16) error {
	log := h.logger.WithContext(ctx).WithWorkspace(env.WorkspaceID).WithEvent(env.Event.ID)

	if h.workers != nil {
		if _, err := h.workers.Ensure(env.WorkspaceID); err != nil {
			log.WithError(err).Error("could not start retry worker")
		}
	}

	if _, err := h.trigger.Trigger(ctx, env.WorkspaceID, env.Event.Type, env.Event); err != nil {
		tracing.SetSpanError(ctx, err)
		if attempts >= h.maxTries {
			log.WithError(err).WithField("attempts", attempts).Error("giving up on event after repeated registry failures")
			return nil
		}
		log.WithError(err).Warn("trigger failed, requeueing event")
		return err
	}
	return nil
}

// Consumer wires a Handler to an NSQ topic
type Consumer struct {
	consumer *nsq.Consumer
	logger   *logging.Logger
}

// NewConsumer creates the consumer and registers h with concurrency handlers
func NewConsumer(topic, channel string, h *Handler, concurrency int, logger *logging.Logger) (*Consumer, error) {
	conf := nsq.NewConfig()
	conf.MaxInFlight = max(concurrency, 1)
	conf.MaxAttempts = h.maxTries
	c, err := nsq.NewConsumer(topic, channel, conf)
	if err != nil {
		return nil, err
	}
	c.SetLogger(nsqLogger{logger: logger}, nsq.LogLevelWarning)
	c.AddConcurrentHandlers(h, max(concurrency, 1))
	return &Consumer{consumer: c, logger: logger}, nil
}

// Connect attaches to nsqd directly, which creates the channel, then to lookupd
func (c *Consumer) Connect(nsqdAddr, lookupAddr string) error {
	if nsqdAddr != "" {
		if err := c.consumer.ConnectToNSQD(nsqdAddr); err != nil {
			return err
		}
	}
	if lookupAddr != "" {
		return c.consumer.ConnectToNSQLookupd(lookupAddr)
	}
	return nil
}

// Stop drains in-flight messages
func (c *Consumer) Stop() {
	c.consumer.Stop()
	<-c.consumer.StopChan
}

// nsqLogger routes go-nsq output into the structured logger
type nsqLogger struct {
	logger *logging.Logger
}

func (l nsqLogger) Output(_ int, s string) error {
	if l.logger != nil {
		l.logger.Plain().WithField("component", "nsq").Warn(s)
	}
	return nil
}
