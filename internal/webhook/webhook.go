package webhook

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Outbound header names attached to every delivery
const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderTimestamp = "X-Webhook-Timestamp" // unix millis
	HeaderSignature = "X-Webhook-Signature" // sha256=<hex>
	HeaderID        = "X-Webhook-Id"        // subscriber id
	HeaderEventID   = "X-Webhook-Event-Id"  // event id, lets receivers de-duplicate retries
)

// TestEventType targets the single subscriber named in data.webhookId
const TestEventType = "webhook.test"

// Status is the outcome recorded for a delivery attempt
type Status string

const (
	StatusSuccess  Status = "success"
	StatusRetrying Status = "retrying"
	StatusFailed   Status = "failed"
)

// Subscriber is a registered webhook configuration owned by a workspace
type Subscriber struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	URL         string    `json:"url"`
	Secret      string    `json:"secret"`
	Events      []string  `json:"events"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Subscribes reports whether the subscriber listens for eventType
func (s Subscriber) Subscribes(eventType string) bool {
	return slices.Contains(s.Events, eventType)
}

// Event is the envelope delivered to subscribers. Data is kept opaque.
type Event struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an envelope for eventType, marshalling data
func NewEvent(eventType string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Normalize fills in the id and timestamp when a producer left them out
func (e Event) Normalize(eventType string) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Type == "" {
		e.Type = eventType
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// TargetWebhookID returns data.webhookId, used by test events
func (e Event) TargetWebhookID() string {
	if len(e.Data) == 0 {
		return ""
	}
	var d struct {
		WebhookID string `json:"webhookId"`
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return ""
	}
	return d.WebhookID
}

// LogEntry records one delivery attempt. Entries are never mutated.
type LogEntry struct {
	ID           string    `json:"id"`
	SubscriberID string    `json:"subscriberId"`
	WorkspaceID  string    `json:"workspaceId"`
	EventType    string    `json:"eventType"`
	Status       Status    `json:"status"`
	Attempt      int       `json:"attempt"`
	HTTPStatus   int       `json:"httpStatus,omitempty"`
	Error        string    `json:"error,omitempty"`
	DurationMs   int64     `json:"durationMs"`
	Timestamp    time.Time `json:"timestamp"`
	Payload      Event     `json:"payload"`
}

// Job is a pending retry. Attempt counts the attempts that have already failed.
type Job struct {
	ID           string    `json:"id"`
	SubscriberID string    `json:"subscriberId"`
	WorkspaceID  string    `json:"workspaceId"`
	EventType    string    `json:"eventType"`
	Payload      Event     `json:"payload"`
	Attempt      int       `json:"attempt"`
	NextRunAt    time.Time `json:"nextRunAt"`
	LastError    string    `json:"lastError,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Due reports whether the job is eligible to run at now
func (j Job) Due(now time.Time) bool {
	return !j.NextRunAt.After(now)
}
