package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/austindbirch/pagehook/internal/tracing"
	"github.com/austindbirch/pagehook/internal/webhook"
)

// Envelope is the message carried on the events topic
type Envelope struct {
	WorkspaceID  string            `json:"workspaceId"`
	Event        webhook.Event     `json:"event"`
	TraceHeaders map[string]string `json:"traceHeaders,omitempty"`
}

const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["workspaceId", "event"],
  "properties": {
    "workspaceId": {"type": "string", "minLength": 1},
    "event": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "id": {"type": "string"},
        "type": {"type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9_.:-]+$"},
        "timestamp": {"type": "string", "format": "date-time"}
      }
    },
    "traceHeaders": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  }
}`

const schemaURL = "pagehook://schema/envelope.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		if err := c.AddResource(schemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Decode validates body against the envelope schema and decodes it
func Decode(body []byte) (Envelope, error) {
	sch, err := compiledSchema()
	if err != nil {
		return Envelope{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope is not JSON: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	env.Event = env.Event.Normalize(env.Event.Type)
	return env, nil
}

// NewEnvelope wraps an event for publishing and carries the current trace
func NewEnvelope(ctx context.Context, workspaceID string, ev webhook.Event) Envelope {
	return Envelope{
		WorkspaceID:  workspaceID,
		Event:        ev.Normalize(ev.Type),
		TraceHeaders: tracing.InjectCarrier(ctx),
	}
}

// Publisher is satisfied by *nsq.Producer
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Publish encodes env and sends it to topic
func Publish(p Publisher, topic string, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := p.Publish(topic, b); err != nil {
		return fmt.Errorf("nsq publish: %w", err)
	}
	return nil
}
