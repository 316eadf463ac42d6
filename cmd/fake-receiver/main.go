package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/austindbirch/pagehook/internal/config"
	"github.com/austindbirch/pagehook/internal/logging"
	"github.com/austindbirch/pagehook/internal/signature"
	"github.com/austindbirch/pagehook/internal/webhook"
)

const keepReceived = 100

// received is one accepted delivery, served back on GET /received
type received struct {
	WebhookID string          `json:"webhookId"`
	EventID   string          `json:"eventId"`
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Body      json.RawMessage `json:"body"`
	At        time.Time       `json:"at"`
}

type receiver struct {
	cfg    config.FakeReceiver
	logger *logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	reqCount int
	received []received
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	return &receiver{cfg: cfg, logger: logger, now: time.Now}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /hook", rc.handleHook)
	mux.HandleFunc("GET /received", rc.handleReceived)
	return mux
}

func main() {
	cfg := config.FromEnv().FakeReceiver
	logger := logging.New("pagehook-fake-receiver")
	rc := newReceiver(cfg, logger)

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         cfg.Port,
		"fail_first_n": cfg.FailFirstN,
		"verify":       cfg.EndpointSecret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	rc.mu.Lock()
	rc.reqCount++
	n := rc.reqCount
	rc.mu.Unlock()

	log := rc.logger.Plain().WithSubscriber(r.Header.Get(webhook.HeaderID)).WithEvent(r.Header.Get(webhook.HeaderEventID)).WithFields(map[string]any{
		"event_type": r.Header.Get(webhook.HeaderEvent),
		"request":    n,
	})

	if rc.cfg.EndpointSecret != "" {
		ts := r.Header.Get(webhook.HeaderTimestamp)
		leeway := time.Duration(rc.cfg.SigningLeewaySeconds) * time.Second
		if err := signature.Verify(rc.cfg.EndpointSecret, ts, b, r.Header.Get(webhook.HeaderSignature), leeway, rc.now()); err != nil {
			log.WithError(err).Warn("fake-receiver failed to verify signature")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	if rc.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(rc.cfg.ResponseDelayMS) * time.Millisecond)
	}

	// first N requests fail
	if n <= rc.cfg.FailFirstN {
		log.WithField("body", truncate(string(b), 160)).Warnf("FAILING (%d/%d)", n, rc.cfg.FailFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	rc.record(received{
		WebhookID: r.Header.Get(webhook.HeaderID),
		EventID:   r.Header.Get(webhook.HeaderEventID),
		Event:     r.Header.Get(webhook.HeaderEvent),
		Timestamp: r.Header.Get(webhook.HeaderTimestamp),
		Body:      json.RawMessage(b),
		At:        rc.now().UTC(),
	})
	log.WithField("body", truncate(string(b), 160)).Info("fake-receiver OK")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func (rc *receiver) record(d received) {
	if !json.Valid(d.Body) {
		d.Body = nil
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.received = append(rc.received, d)
	if len(rc.received) > keepReceived {
		rc.received = rc.received[len(rc.received)-keepReceived:]
	}
}

func (rc *receiver) handleReceived(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	out := append([]received(nil), rc.received...)
	rc.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
