// Package dispatch fans workspace events out to matching subscribers.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/pagehook/internal/logging"
	"github.com/austindbirch/pagehook/internal/metrics"
	"github.com/austindbirch/pagehook/internal/retry"
	"github.com/austindbirch/pagehook/internal/tracing"
	"github.com/austindbirch/pagehook/internal/webhook"
)

// SubscriberLister loads a workspace's subscribers
type SubscriberLister interface {
	List(ctx context.Context, workspaceID string) ([]webhook.Subscriber, error)
}

// Summary counts what a trigger did
type Summary struct {
	EventID   string `json:"eventId"`
	Matched   int    `json:"matched"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
}

type Dispatcher struct {
	subs     SubscriberLister
	pipeline *retry.Pipeline
	logger   *logging.Logger
}

func New(subs SubscriberLister, pipeline *retry.Pipeline, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{subs: subs, pipeline: pipeline, logger: logger}
}

// Trigger delivers payload to every matching subscriber concurrently and waits for all of them.
// Delivery failures are logged and queued for retry; only a registry failure is returned.
// Once subscribers are loaded, cancelling ctx no longer affects the fan-out: each delivery
// is bounded by the engine's own timeout.
func (d *Dispatcher) Trigger(ctx context.Context, workspaceID, eventType string, payload webhook.Event) (Summary, error) {
	payload = payload.Normalize(eventType)
	ctx, span := tracing.StartSpan(ctx, "dispatch.trigger",
		attribute.String("workspace_id", workspaceID),
		attribute.String("event_type", eventType),
		attribute.String("event_id", payload.ID),
	)
	defer span.End()
	metrics.RecordEventTriggered(eventType)

	subs, err := d.subs.List(ctx, workspaceID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Summary{EventID: payload.ID}, fmt.Errorf("load subscribers: %w", err)
	}
	targets := Match(subs, eventType, payload)
	span.SetAttributes(attribute.Int("subscribers.matched", len(targets)))

	fanCtx := context.WithoutCancel(ctx)
	var delivered, failed atomic.Int32
	var g errgroup.Group
	for _, sub := range targets {
		g.Go(func() error {
			res, _ := d.pipeline.Attempt(fanCtx, sub, eventType, payload, 1)
			if res.Success {
				delivered.Add(1)
			} else {
				failed.Add(1)
			}
			d.pipeline.Settle(fanCtx, sub, eventType, payload, 1, res)
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{EventID: payload.ID, Matched: len(targets), Delivered: int(delivered.Load()), Failed: int(failed.Load())}
	d.logger.WithContext(ctx).WithWorkspace(workspaceID).WithEvent(payload.ID).WithFields(map[string]any{
		"event_type": eventType,
		"matched":    sum.Matched,
		"delivered":  sum.Delivered,
		"failed":     sum.Failed,
	}).Info("event dispatched")
	return sum, nil
}

// Match selects enabled subscribers for eventType. Test events target only the
// subscriber named by data.webhookId, regardless of its event list.
func Match(subs []webhook.Subscriber, eventType string, payload webhook.Event) []webhook.Subscriber {
	var out []webhook.Subscriber
	if eventType == webhook.TestEventType {
		target := payload.TargetWebhookID()
		for _, s := range subs {
			if target != "" && s.ID == target && s.Enabled {
				out = append(out, s)
			}
		}
		return out
	}
	for _, s := range subs {
		if s.Enabled && s.Subscribes(eventType) {
			out = append(out, s)
		}
	}
	return out
}
