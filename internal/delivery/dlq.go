package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/austindbirch/pagehook/internal/logging"
	"github.com/austindbirch/pagehook/internal/tracing"
	"github.com/austindbirch/pagehook/internal/webhook"
)

const DLQType = "webhook.dlq"

// DeadLetter is published when a job exhausts its attempts
type DeadLetter struct {
	Type         string            `json:"type"`    // "webhook.dlq"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason       string            `json:"reason"`  // failure class of the final attempt
	Attempt      int               `json:"attempt"` // attempt count when DLQ'd
	HTTPStatus   int               `json:"http_status,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	Job          webhook.Job       `json:"job"` // full retry snapshot
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func NewDeadLetter(job webhook.Job, attempt, httpStatus int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempt:    attempt,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Job:        job,
	}
}

// Publisher is satisfied by *nsq.Producer
type Publisher interface {
	Publish(topic string, body []byte) error
}

// DLQ publishes dead letters to a topic. A nil *DLQ is a no-op.
type DLQ struct {
	producer Publisher
	topic    string
	logger   *logging.Logger
}

func NewDLQ(producer Publisher, topic string, logger *logging.Logger) *DLQ {
	if logger == nil {
		logger = logging.Nop()
	}
	return &DLQ{producer: producer, topic: topic, logger: logger}
}

func (d *DLQ) Publish(ctx context.Context, dl DeadLetter) error {
	if d == nil || d.producer == nil {
		return nil
	}
	dl.TraceHeaders = tracing.InjectCarrier(ctx)
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	entry := d.logger.WithContext(ctx).WithWorkspace(dl.Job.WorkspaceID).WithSubscriber(dl.Job.SubscriberID).WithJob(dl.Job.ID)
	if err := d.producer.Publish(d.topic, b); err != nil {
		entry.WithError(err).Error("dlq publish failed")
		tracing.SetSpanError(ctx, err)
		return err
	}
	entry.WithField("topic", d.topic).Info("dlq published")
	return nil
}
