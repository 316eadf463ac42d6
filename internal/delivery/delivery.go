// Package delivery performs single signed HTTP delivery attempts to subscribers.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/pagehook/internal/logging"
	"github.com/austindbirch/pagehook/internal/signature"
	"github.com/austindbirch/pagehook/internal/tracing"
	"github.com/austindbirch/pagehook/internal/webhook"
)

// DefaultTimeout bounds one outbound request
const DefaultTimeout = 15 * time.Second

const maxDrain = 64 << 10

// Result is the outcome of one attempt
type Result struct {
	Success    bool
	HTTPStatus int // 0 when no response was received
	Error      string
	Duration   time.Duration
	Reason     string // failure class for metrics, empty on success
}

// Deliverer is implemented by Engine and by test fakes
type Deliverer interface {
	Deliver(ctx context.Context, sub webhook.Subscriber, eventType string, payload webhook.Event) Result
}

type Engine struct {
	client *http.Client
	logger *logging.Logger
	now    func() time.Time
}

// NewEngine returns an engine with an instrumented client bounded by timeout
func NewEngine(timeout time.Duration, logger *logging.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return NewEngineWithClient(&http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}, logger)
}

func NewEngineWithClient(client *http.Client, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{client: client, logger: logger, now: time.Now}
}

// Deliver POSTs the signed payload once. It never retries.
func (e *Engine) Deliver(ctx context.Context, sub webhook.Subscriber, eventType string, payload webhook.Event) Result {
	ctx, span := tracing.StartSpan(ctx, "delivery.attempt",
		attribute.String("subscriber_id", sub.ID),
		attribute.String("workspace_id", sub.WorkspaceID),
		attribute.String("event_type", eventType),
		attribute.String("event_id", payload.ID),
	)
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return e.fail(ctx, Result{Error: fmt.Sprintf("encode payload: %v", err), Reason: "other"})
	}

	ts := signature.Timestamp(e.now())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return e.fail(ctx, Result{Error: fmt.Sprintf("build request: %v", err), Reason: "other"})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pagehook/1")
	req.Header.Set(webhook.HeaderEvent, eventType)
	req.Header.Set(webhook.HeaderTimestamp, ts)
	req.Header.Set(webhook.HeaderSignature, signature.Header(signature.Sign(sub.Secret, ts, body)))
	req.Header.Set(webhook.HeaderID, sub.ID)
	if payload.ID != "" {
		req.Header.Set(webhook.HeaderEventID, payload.ID)
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	start := time.Now()
	resp, doErr := e.client.Do(req)
	res := Result{Duration: time.Since(start)}
	if doErr != nil {
		res.Error = doErr.Error()
		res.Reason = classifyReason(doErr, 0)
		return e.fail(ctx, res)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	_ = resp.Body.Close()

	res.HTTPStatus = resp.StatusCode
	span.SetAttributes(
		attribute.Int("http.status_code", res.HTTPStatus),
		attribute.Int64("http.latency_ms", res.Duration.Milliseconds()),
	)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Success = true
		return res
	}
	res.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	res.Reason = classifyReason(nil, resp.StatusCode)
	return e.fail(ctx, res)
}

func (e *Engine) fail(ctx context.Context, res Result) Result {
	tracing.SetSpanError(ctx, errors.New(res.Error))
	tracing.AddSpanEvent(ctx, "delivery.failed", attribute.String("failure_reason", res.Reason))
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"http_status": res.HTTPStatus,
		"reason":      res.Reason,
		"duration_ms": res.Duration.Milliseconds(),
	}).Debug(res.Error)
	return res
}

func classifyReason(doErr error, status int) string {
	if doErr != nil {
		if errors.Is(doErr, context.DeadlineExceeded) {
			return "timeout"
		}
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == http.StatusTooManyRequests {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
