package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/pagehook/internal/dispatch"
	"github.com/austindbirch/pagehook/internal/webhook"
)

// useServer points the package globals at srv for the duration of the test
func useServer(t *testing.T, srv *httptest.Server) {
	t.Helper()
	prevAddr, prevTimeout, prevOut, prevToken, prevWS := serverAddr, timeout, output, jwtToken, workspaceID
	t.Cleanup(func() {
		serverAddr, timeout, output, jwtToken, workspaceID = prevAddr, prevTimeout, prevOut, prevToken, prevWS
	})
	serverAddr = srv.URL
	timeout = 5 * time.Second
	output = "text"
	jwtToken = ""
	workspaceID = "ws_1"
}

func writeEnvelope(w http.ResponseWriter, status int, data any, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{}
	if code != "" {
		body["error"] = map[string]string{"code": code, "message": msg}
	} else {
		body["data"] = data
	}
	_ = json.NewEncoder(w).Encode(body)
}

func TestAPIRequest_DecodesData(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		writeEnvelope(w, http.StatusOK, webhook.Subscriber{ID: "wh_1", URL: "https://example.com/hook"}, "", "")
	}))
	defer srv.Close()
	useServer(t, srv)
	jwtToken = "tok"

	var sub webhook.Subscriber
	err := apiRequest(context.Background(), http.MethodGet, workspacePath("/webhooks/wh_1"), nil, &sub)
	require.NoError(t, err)
	assert.Equal(t, "wh_1", sub.ID)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/v1/workspaces/ws_1/webhooks/wh_1", gotPath)
}

func TestAPIRequest_Errors(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
		wantCode   string
	}{
		{
			name: "envelope error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, http.StatusNotFound, nil, "not_found", "webhook not found")
			},
			wantStatus: http.StatusNotFound,
			wantCode:   "not_found",
		},
		{
			name: "non-json failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "bad gateway", http.StatusBadGateway)
			},
			wantStatus: http.StatusBadGateway,
			wantCode:   "http",
		},
		{
			name: "json without envelope error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = io.WriteString(w, `{}`)
			},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "http",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			useServer(t, srv)

			err := apiRequest(context.Background(), http.MethodGet, "/x", nil, nil)
			var apiErr *apiError
			require.True(t, errors.As(err, &apiErr), "got %v", err)
			assert.Equal(t, tt.wantStatus, apiErr.Status)
			assert.Equal(t, tt.wantCode, apiErr.Code)
		})
	}
}

func TestAPIRequest_SendsJSONBody(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeEnvelope(w, http.StatusAccepted, dispatch.Summary{EventID: "evt_1", Matched: 1}, "", "")
	}))
	defer srv.Close()
	useServer(t, srv)

	var summary dispatch.Summary
	err := apiRequest(context.Background(), http.MethodPost, "/events", map[string]any{"type": "order.created"}, &summary)
	require.NoError(t, err)
	assert.Equal(t, "order.created", got["type"])
	assert.Equal(t, "evt_1", summary.EventID)
}

func TestPrintOutput(t *testing.T) {
	prev := output
	defer func() { output = prev }()

	sub := webhook.Subscriber{ID: "wh_1", URL: "https://example.com", Events: []string{"a", "b"}, Enabled: true, Secret: "s3cret"}

	t.Run("json", func(t *testing.T) {
		output = "json"
		var buf bytes.Buffer
		require.NoError(t, printOutput(&buf, sub))
		var got map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, "wh_1", got["id"])
	})

	t.Run("yaml uses api field names", func(t *testing.T) {
		output = "yaml"
		var buf bytes.Buffer
		require.NoError(t, printOutput(&buf, sub))
		assert.Contains(t, buf.String(), "workspaceId:")
		assert.Contains(t, buf.String(), "id: wh_1")
	})

	t.Run("text table", func(t *testing.T) {
		output = "text"
		var buf bytes.Buffer
		require.NoError(t, printOutput(&buf, []webhook.Subscriber{sub}))
		assert.Contains(t, buf.String(), "ENABLED")
		assert.Contains(t, buf.String(), "a,b")
		assert.NotContains(t, buf.String(), "s3cret")
	})

	t.Run("text shows secret on single subscriber", func(t *testing.T) {
		output = "text"
		var buf bytes.Buffer
		require.NoError(t, printOutput(&buf, sub))
		assert.Contains(t, buf.String(), "s3cret")
	})

	t.Run("text falls back to yaml", func(t *testing.T) {
		output = "text"
		var buf bytes.Buffer
		require.NoError(t, printOutput(&buf, map[string]int{"sent": 3}))
		assert.Contains(t, buf.String(), "sent: 3")
	})

	t.Run("unknown format", func(t *testing.T) {
		output = "xml"
		assert.Error(t, printOutput(io.Discard, sub))
	})
}

func TestRunTraffic_Count(t *testing.T) {
	var calls atomic.Int64
	s := runTraffic(context.Background(), trafficConfig{Count: 25, Workers: 3}, func(ctx context.Context, i int) error {
		calls.Add(1)
		if i%5 == 0 {
			return errors.New("boom")
		}
		return nil
	})
	assert.Equal(t, int64(25), calls.Load())
	assert.Equal(t, int64(20), s.Sent)
	assert.Equal(t, int64(5), s.Failed)
}

func TestRunTraffic_RateLimited(t *testing.T) {
	start := time.Now()
	s := runTraffic(context.Background(), trafficConfig{Rate: 20, Burst: 1, Count: 5}, func(ctx context.Context, i int) error {
		return nil
	})
	assert.Equal(t, int64(5), s.Sent)
	// four waits of 50ms after the initial token
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestRunTraffic_DurationStops(t *testing.T) {
	s := runTraffic(context.Background(), trafficConfig{Rate: 100, Duration: 100 * time.Millisecond}, func(ctx context.Context, i int) error {
		return nil
	})
	assert.Greater(t, s.Sent, int64(0))
	assert.Less(t, s.Sent, int64(30))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestWebhookListCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/workspaces/ws_9/webhooks", r.URL.Path)
		writeEnvelope(w, http.StatusOK, []webhook.Subscriber{{ID: "wh_1", URL: "https://a"}, {ID: "wh_2", URL: "https://b"}}, "", "")
	}))
	defer srv.Close()
	useServer(t, srv)

	out, err := execute(t, "webhook", "list", "--server", srv.URL, "-w", "ws_9", "-o", "json")
	require.NoError(t, err)

	var subs []webhook.Subscriber
	require.NoError(t, json.Unmarshal([]byte(out), &subs))
	assert.Len(t, subs, 2)
}

func TestWebhookUpdateCommand_RequiresAField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer srv.Close()
	useServer(t, srv)

	_, err := execute(t, "webhook", "update", "wh_1", "--server", srv.URL, "-w", "ws_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to update")
}

func TestTrafficCommand_RequiresBound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	useServer(t, srv)

	_, err := execute(t, "traffic", "order.created", "--server", srv.URL, "-w", "ws_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--count or --duration")
}

func TestEventTriggerCommand(t *testing.T) {
	var got struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/workspaces/ws_1/events", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeEnvelope(w, http.StatusAccepted, dispatch.Summary{EventID: "evt_1", Matched: 2, Delivered: 2}, "", "")
	}))
	defer srv.Close()
	useServer(t, srv)

	out, err := execute(t, "event", "trigger", "order.created", "--data", `{"a":1}`, "--server", srv.URL, "-w", "ws_1", "-o", "text")
	require.NoError(t, err)
	assert.Equal(t, "order.created", got.Type)
	assert.JSONEq(t, `{"a":1}`, string(got.Data))
	assert.Contains(t, out, "evt_1")

	_, err = execute(t, "event", "trigger", "order.created", "--data", `{bad`, "--server", srv.URL, "-w", "ws_1")
	assert.Error(t, err)
}
