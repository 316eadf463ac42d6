package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/pagehook/internal/auth"
	"github.com/austindbirch/pagehook/internal/dispatch"
	"github.com/austindbirch/pagehook/internal/registry"
	"github.com/austindbirch/pagehook/internal/retry"
	"github.com/austindbirch/pagehook/internal/store"
	"github.com/austindbirch/pagehook/internal/webhook"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	events []webhook.Event
	ctxErr error
	err    error
}

func (f *fakeDispatcher) Trigger(ctx context.Context, ws, eventType string, ev webhook.Event) (dispatch.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	f.ctxErr = ctx.Err()
	return dispatch.Summary{EventID: ev.ID, Matched: 1, Delivered: 1}, f.err
}

type fakeLog struct {
	entries []webhook.LogEntry
	limit   int
}

func (f *fakeLog) Query(_ context.Context, ws string, limit int) ([]webhook.LogEntry, error) {
	f.limit = limit
	return f.entries, nil
}

type fakeQueue struct {
	jobs []webhook.Job
	err  error
}

func (f *fakeQueue) Queue(context.Context, string) ([]webhook.Job, error) { return f.jobs, f.err }

type fakeWorkers struct{ started []string }

func (f *fakeWorkers) Ensure(ws string) (*retry.Worker, error) {
	f.started = append(f.started, ws)
	return nil, nil
}

type harness struct {
	router  http.Handler
	remote  *store.MemoryBackend
	disp    *fakeDispatcher
	log     *fakeLog
	queue   *fakeQueue
	workers *fakeWorkers
}

func newHarness(t *testing.T, validator *auth.JWTValidator) *harness {
	t.Helper()
	remote := store.NewMemory("remote")
	h := &harness{
		remote:  remote,
		disp:    &fakeDispatcher{},
		log:     &fakeLog{},
		queue:   &fakeQueue{},
		workers: &fakeWorkers{},
	}
	h.router = NewRouter(Deps{
		Registry:   registry.New(store.NewLayered([]store.Backend{remote}), nil),
		Dispatcher: h.disp,
		Log:        h.log,
		Queue:      h.queue,
		Workers:    h.workers,
		Validator:  validator,
	}, map[string]http.Handler{
		"/healthz": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
	})
	return h
}

type response struct {
	Data  json.RawMessage `json:"data"`
	Error *errorBody      `json:"error"`
}

func (h *harness) do(t *testing.T, method, path, body string, headers ...string) (int, response) {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	var resp response
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w.Code, resp
}

func (h *harness) create(t *testing.T, ws string) subscriberView {
	t.Helper()
	code, resp := h.do(t, http.MethodPost, "/v1/workspaces/"+ws+"/webhooks", `{"url":"https://example.com/in","events":["page.create"]}`)
	require.Equal(t, http.StatusCreated, code)
	var v subscriberView
	require.NoError(t, json.Unmarshal(resp.Data, &v))
	return v
}

func TestWebhookCRUD(t *testing.T) {
	h := newHarness(t, nil)

	created := h.create(t, "ws_1")
	assert.NotEmpty(t, created.ID)
	assert.Len(t, created.Secret, 64, "secret is returned on create")

	code, resp := h.do(t, http.MethodGet, "/v1/workspaces/ws_1/webhooks/"+created.ID, "")
	require.Equal(t, http.StatusOK, code)
	var got subscriberView
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Empty(t, got.Secret, "secret is never returned after create")
	assert.Equal(t, []string{"page.create"}, got.Events)

	code, resp = h.do(t, http.MethodPatch, "/v1/workspaces/ws_1/webhooks/"+created.ID, `{"enabled":false}`)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.False(t, got.Enabled)

	code, resp = h.do(t, http.MethodGet, "/v1/workspaces/ws_1/webhooks", "")
	require.Equal(t, http.StatusOK, code)
	var list []subscriberView
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Secret)

	code, _ = h.do(t, http.MethodDelete, "/v1/workspaces/ws_1/webhooks/"+created.ID, "")
	require.Equal(t, http.StatusOK, code)

	code, resp = h.do(t, http.MethodGet, "/v1/workspaces/ws_1/webhooks/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "not_found", resp.Error.Code)
}

func TestWebhooksAreScopedToWorkspace(t *testing.T) {
	h := newHarness(t, nil)
	created := h.create(t, "ws_1")

	code, _ := h.do(t, http.MethodGet, "/v1/workspaces/ws_2/webhooks/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCreateWebhook_BadRequests(t *testing.T) {
	h := newHarness(t, nil)
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{`},
		{name: "unknown field", body: `{"url":"https://a.test","events":["x"],"bogus":1}`},
		{name: "bad url", body: `{"url":"ftp://a.test","events":["x"]}`},
		{name: "no events", body: `{"url":"https://a.test","events":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := h.do(t, http.MethodPost, "/v1/workspaces/ws_1/webhooks", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, "invalid", resp.Error.Code)
		})
	}
}

func TestStoreOutageIs503(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.Fail(errors.New("connection refused"))

	code, resp := h.do(t, http.MethodGet, "/v1/workspaces/ws_1/webhooks", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "unavailable", resp.Error.Code)
}

func TestTestWebhook(t *testing.T) {
	h := newHarness(t, nil)
	created := h.create(t, "ws_1")

	code, resp := h.do(t, http.MethodPost, "/v1/workspaces/ws_1/webhooks/"+created.ID+"/test", "")
	require.Equal(t, http.StatusAccepted, code)
	var summary dispatch.Summary
	require.NoError(t, json.Unmarshal(resp.Data, &summary))
	assert.Equal(t, 1, summary.Matched)

	require.Len(t, h.disp.events, 1)
	ev := h.disp.events[0]
	assert.Equal(t, webhook.TestEventType, ev.Type)
	assert.Equal(t, created.ID, ev.TargetWebhookID())
	assert.Equal(t, []string{"ws_1"}, h.workers.started)
}

func TestTestWebhook_Disabled(t *testing.T) {
	h := newHarness(t, nil)
	created := h.create(t, "ws_1")
	h.do(t, http.MethodPatch, "/v1/workspaces/ws_1/webhooks/"+created.ID, `{"enabled":false}`)

	code, _ := h.do(t, http.MethodPost, "/v1/workspaces/ws_1/webhooks/"+created.ID+"/test", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Empty(t, h.disp.events)
}

func TestTriggerEvent(t *testing.T) {
	h := newHarness(t, nil)

	code, _ := h.do(t, http.MethodPost, "/v1/workspaces/ws_1/events", `{"type":"page.create","data":{"pageId":"p1"}}`)
	require.Equal(t, http.StatusAccepted, code)
	require.Len(t, h.disp.events, 1)
	assert.Equal(t, "page.create", h.disp.events[0].Type)
	assert.JSONEq(t, `{"pageId":"p1"}`, string(h.disp.events[0].Data))

	code, _ = h.do(t, http.MethodPost, "/v1/workspaces/ws_1/events", `{"data":{}}`)
	assert.Equal(t, http.StatusBadRequest, code)

	h.disp.err = errors.New("boom")
	code, resp := h.do(t, http.MethodPost, "/v1/workspaces/ws_1/events", `{"type":"page.create"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "internal", resp.Error.Code)
}

func TestTriggerEvent_OutlivesClientDisconnect(t *testing.T) {
	h := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/workspaces/ws_1/events", strings.NewReader(`{"type":"page.create"}`)).WithContext(ctx)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, h.disp.events, 1)
	assert.NoError(t, h.disp.ctxErr, "dispatch runs on a context detached from the request")
}

func TestListLogs(t *testing.T) {
	h := newHarness(t, nil)
	h.log.entries = []webhook.LogEntry{{ID: "l1", Status: webhook.StatusSuccess}}

	tests := []struct {
		query     string
		wantCode  int
		wantLimit int
	}{
		{query: "", wantCode: http.StatusOK, wantLimit: defaultLogLimit},
		{query: "?limit=10", wantCode: http.StatusOK, wantLimit: 10},
		{query: "?limit=100000", wantCode: http.StatusOK, wantLimit: maxLogLimit},
		{query: "?limit=0", wantCode: http.StatusBadRequest},
		{query: "?limit=abc", wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			h.log.limit = 0
			code, resp := h.do(t, http.MethodGet, "/v1/workspaces/ws_1/logs"+tt.query, "")
			assert.Equal(t, tt.wantCode, code)
			if tt.wantCode != http.StatusOK {
				return
			}
			assert.Equal(t, tt.wantLimit, h.log.limit)
			var entries []webhook.LogEntry
			require.NoError(t, json.Unmarshal(resp.Data, &entries))
			assert.Len(t, entries, 1)
		})
	}
}

func TestListQueue(t *testing.T) {
	h := newHarness(t, nil)
	h.queue.jobs = []webhook.Job{{ID: "j1", Attempt: 2}}

	code, resp := h.do(t, http.MethodGet, "/v1/workspaces/ws_1/queue", "")
	require.Equal(t, http.StatusOK, code)
	var jobs []webhook.Job
	require.NoError(t, json.Unmarshal(resp.Data, &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempt)

	h.queue.err = &store.StoreError{Op: "read", Collection: store.CollectionQueue}
	code, _ = h.do(t, http.MethodGet, "/v1/workspaces/ws_1/queue", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestRouting(t *testing.T) {
	h := newHarness(t, nil)

	code, resp := h.do(t, http.MethodPut, "/v1/workspaces/ws_1/webhooks", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	assert.Equal(t, "method_not_allowed", resp.Error.Code)

	code, _ = h.do(t, http.MethodGet, "/v2/nothing", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestAuth(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := auth.NewKeySetValidator(map[string]*rsa.PublicKey{"k1": &key.PublicKey}, "pagehook", "pagehook-admin")
	h := newHarness(t, v)

	tok, err := auth.IssueToken(key, "k1", "pagehook", "pagehook-admin", "ws_1", time.Hour)
	require.NoError(t, err)

	code, _ := h.do(t, http.MethodGet, "/v1/workspaces/ws_1/webhooks", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = h.do(t, http.MethodGet, "/v1/workspaces/ws_1/webhooks", "", "Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusOK, code)

	code, resp := h.do(t, http.MethodGet, "/v1/workspaces/ws_2/webhooks", "", "Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "forbidden", resp.Error.Code)

	code, _ = h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code, "extra routes stay open")
}
