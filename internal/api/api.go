// Package api serves the admin REST surface: subscriber CRUD, test sends,
// delivery log and retry queue reads, and direct event triggering.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/austindbirch/pagehook/internal/auth"
	"github.com/austindbirch/pagehook/internal/dispatch"
	"github.com/austindbirch/pagehook/internal/logging"
	"github.com/austindbirch/pagehook/internal/registry"
	"github.com/austindbirch/pagehook/internal/retry"
	"github.com/austindbirch/pagehook/internal/store"
	"github.com/austindbirch/pagehook/internal/webhook"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
	maxBodyBytes    = 1 << 20
	triggerTimeout  = 2 * time.Minute
)

// Registry is implemented by *registry.Registry
type Registry interface {
	Create(ctx context.Context, workspaceID string, in registry.CreateInput) (webhook.Subscriber, error)
	Update(ctx context.Context, workspaceID, id string, p registry.Patch) (webhook.Subscriber, error)
	Delete(ctx context.Context, workspaceID, id string) error
	List(ctx context.Context, workspaceID string) ([]webhook.Subscriber, error)
	Get(ctx context.Context, workspaceID, id string) (webhook.Subscriber, error)
}

// Triggerer is implemented by *dispatch.Dispatcher
type Triggerer interface {
	Trigger(ctx context.Context, workspaceID, eventType string, payload webhook.Event) (dispatch.Summary, error)
}

// LogReader is implemented by *deliverylog.Log
type LogReader interface {
	Query(ctx context.Context, workspaceID string, limit int) ([]webhook.LogEntry, error)
}

// QueueReader is implemented by *retry.Scheduler
type QueueReader interface {
	Queue(ctx context.Context, workspaceID string) ([]webhook.Job, error)
}

// WorkerStarter is implemented by *retry.Workers
type WorkerStarter interface {
	Ensure(workspaceID string) (*retry.Worker, error)
}

type Deps struct {
	Registry   Registry
	Dispatcher Triggerer
	Log        LogReader
	Queue      QueueReader
	Workers    WorkerStarter
	// Validator enables bearer auth. Nil leaves the API open.
	Validator *auth.JWTValidator
	Logger    *logging.Logger
}

type Server struct {
	deps   Deps
	logger *logging.Logger
}

// envelope is the body of every API response
type envelope struct {
	Data  any        `json:"data"`
	Error *errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// subscriberView hides the secret except on create
type subscriberView struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	URL         string    `json:"url"`
	Events      []string  `json:"events"`
	Enabled     bool      `json:"enabled"`
	Secret      string    `json:"secret,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func view(s webhook.Subscriber, withSecret bool) subscriberView {
	v := subscriberView{
		ID:          s.ID,
		WorkspaceID: s.WorkspaceID,
		URL:         s.URL,
		Events:      s.Events,
		Enabled:     s.Enabled,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
	if withSecret {
		v.Secret = s.Secret
	}
	return v
}

// NewRouter builds the admin router. extra lets the caller mount /metrics and /healthz.
func NewRouter(deps Deps, extra map[string]http.Handler) *mux.Router {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{deps: deps, logger: logger}

	r := mux.NewRouter()
	r.Use(s.accessLog)
	for path, h := range extra {
		r.Handle(path, h)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not allowed")
	})

	ws := r.PathPrefix("/v1/workspaces/{ws}").Subrouter()
	if deps.Validator != nil {
		ws.Use(deps.Validator.HTTPMiddleware, requireWorkspace)
	}
	ws.HandleFunc("/webhooks", s.listWebhooks).Methods(http.MethodGet)
	ws.HandleFunc("/webhooks", s.createWebhook).Methods(http.MethodPost)
	ws.HandleFunc("/webhooks/{id}", s.getWebhook).Methods(http.MethodGet)
	ws.HandleFunc("/webhooks/{id}", s.updateWebhook).Methods(http.MethodPatch)
	ws.HandleFunc("/webhooks/{id}", s.deleteWebhook).Methods(http.MethodDelete)
	ws.HandleFunc("/webhooks/{id}/test", s.testWebhook).Methods(http.MethodPost)
	ws.HandleFunc("/logs", s.listLogs).Methods(http.MethodGet)
	ws.HandleFunc("/queue", s.listQueue).Methods(http.MethodGet)
	ws.HandleFunc("/events", s.triggerEvent).Methods(http.MethodPost)
	return r
}

// requireWorkspace rejects tokens for a different workspace than the path names
func requireWorkspace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claimed, ok := auth.WorkspaceFromContext(r.Context())
		if !ok || claimed != mux.Vars(r)["ws"] {
			writeError(w, http.StatusForbidden, "forbidden", "token is not valid for this workspace")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		s.logger.WithContext(r.Context()).WithWorkspace(mux.Vars(r)["ws"]).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("admin request")
	})
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Registry.List(r.Context(), mux.Vars(r)["ws"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]subscriberView, 0, len(subs))
	for _, sub := range subs {
		out = append(out, view(sub, false))
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	var in registry.CreateInput
	if !decodeBody(w, r, &in) {
		return
	}
	sub, err := s.deps.Registry.Create(r.Context(), mux.Vars(r)["ws"], in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, view(sub, true))
}

func (s *Server) getWebhook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sub, err := s.deps.Registry.Get(r.Context(), vars["ws"], vars["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, view(sub, false))
}

func (s *Server) updateWebhook(w http.ResponseWriter, r *http.Request) {
	var p registry.Patch
	if !decodeBody(w, r, &p) {
		return
	}
	vars := mux.Vars(r)
	sub, err := s.deps.Registry.Update(r.Context(), vars["ws"], vars["id"], p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, view(sub, false))
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.deps.Registry.Delete(r.Context(), vars["ws"], vars["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": vars["id"]})
}

func (s *Server) testWebhook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sub, err := s.deps.Registry.Get(r.Context(), vars["ws"], vars["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !sub.Enabled {
		writeError(w, http.StatusConflict, "disabled", "webhook is disabled")
		return
	}
	ev, err := webhook.NewEvent(webhook.TestEventType, map[string]string{
		"webhookId": sub.ID,
		"message":   "This is a test event from pagehook",
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.trigger(w, r, vars["ws"], ev)
}

type eventRequest struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (s *Server) triggerEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "invalid", "type is required")
		return
	}
	s.trigger(w, r, mux.Vars(r)["ws"], webhook.Event{ID: req.ID, Type: req.Type, Data: req.Data})
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request, ws string, ev webhook.Event) {
	if s.deps.Workers != nil {
		if _, err := s.deps.Workers.Ensure(ws); err != nil {
			s.logger.WithContext(r.Context()).WithWorkspace(ws).WithError(err).Error("could not start retry worker")
		}
	}
	// a client that hangs up must not abort deliveries or their retries
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), triggerTimeout)
	defer cancel()
	summary, err := s.deps.Dispatcher.Trigger(ctx, ws, ev.Type, ev)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusAccepted, summary)
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid", "limit must be a positive integer")
			return
		}
		limit = min(n, maxLogLimit)
	}
	entries, err := s.deps.Log.Query(r.Context(), mux.Vars(r)["ws"], limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, entries)
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Queue.Queue(r.Context(), mux.Vars(r)["ws"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, jobs)
}

// fail maps domain errors onto HTTP statuses
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var serr *store.StoreError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, registry.ErrInvalid):
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
	case errors.As(err, &serr):
		s.logger.WithContext(r.Context()).WithWorkspace(mux.Vars(r)["ws"]).WithError(err).Error("store unavailable")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "storage is unavailable")
	default:
		s.logger.WithContext(r.Context()).WithWorkspace(mux.Vars(r)["ws"]).WithError(err).Error("admin request failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, envelope{Error: &errorBody{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
