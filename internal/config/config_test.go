package config

import (
	"reflect"
	"testing"
	"time"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue string
		expected     string
	}{
		{name: "returns environment variable when set", envValue: "env_value", defaultValue: "default", expected: "env_value"},
		{name: "returns default when empty", envValue: "", defaultValue: "default", expected: "default"},
		{name: "handles empty default value", envValue: "env_value", defaultValue: "", expected: "env_value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PAGEHOOK_TEST_KEY", tt.envValue)
			if got := getenv("PAGEHOOK_TEST_KEY", tt.defaultValue); got != tt.expected {
				t.Errorf("getenv() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetenvTyped(t *testing.T) {
	t.Run("int", func(t *testing.T) {
		t.Setenv("K_INT", "42")
		if got := getenvInt("K_INT", 1); got != 42 {
			t.Errorf("getenvInt() = %d, want 42", got)
		}
		t.Setenv("K_INT", "nope")
		if got := getenvInt("K_INT", 1); got != 1 {
			t.Errorf("getenvInt() invalid = %d, want default 1", got)
		}
	})
	t.Run("float", func(t *testing.T) {
		t.Setenv("K_FLOAT", "0.5")
		if got := getenvFloat("K_FLOAT", 0); got != 0.5 {
			t.Errorf("getenvFloat() = %v, want 0.5", got)
		}
	})
	t.Run("bool", func(t *testing.T) {
		t.Setenv("K_BOOL", "true")
		if got := getenvBool("K_BOOL", false); !got {
			t.Error("getenvBool() = false, want true")
		}
		t.Setenv("K_BOOL", "maybe")
		if got := getenvBool("K_BOOL", false); got {
			t.Error("getenvBool() invalid = true, want default false")
		}
	})
	t.Run("duration", func(t *testing.T) {
		t.Setenv("K_DUR", "45s")
		if got := getenvDuration("K_DUR", time.Second); got != 45*time.Second {
			t.Errorf("getenvDuration() = %v, want 45s", got)
		}
	})
	t.Run("list", func(t *testing.T) {
		t.Setenv("K_LIST", " ws_a, ,ws_b ")
		if got := getenvList("K_LIST"); !reflect.DeepEqual(got, []string{"ws_a", "ws_b"}) {
			t.Errorf("getenvList() = %v", got)
		}
		t.Setenv("K_LIST", "")
		if got := getenvList("K_LIST"); got != nil {
			t.Errorf("getenvList() empty = %v, want nil", got)
		}
	})
}

func TestParseBackoffSchedule(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []time.Duration
	}{
		{name: "empty uses default table", input: "", expected: DefaultBackoff},
		{name: "custom schedule", input: "10s, 1m", expected: []time.Duration{10 * time.Second, time.Minute}},
		{name: "skips invalid entries", input: "10s,bad,-1s,2m", expected: []time.Duration{10 * time.Second, 2 * time.Minute}},
		{name: "all invalid falls back", input: "x,y", expected: DefaultBackoff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseBackoffSchedule(tt.input); !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("parseBackoffSchedule(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseBackoffSchedule_ReturnsCopy(t *testing.T) {
	got := parseBackoffSchedule("")
	got[0] = time.Hour
	if DefaultBackoff[0] != time.Minute {
		t.Fatal("parseBackoffSchedule() leaked the shared default table")
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"MAX_ATTEMPTS", "BACKOFF_SCHEDULE", "BACKOFF_JITTER_PCT", "RETRY_POLL_INTERVAL",
		"DELIVERY_TIMEOUT", "LOG_CAP", "STORE_REMOTE", "NSQ_EVENTS_TOPIC", "NSQ_CHANNEL", "NSQD_HTTP_ADDR", "NSQ_BACKLOG_INTERVAL", "NSQ_CONCURRENCY",
		"AUTH_ENABLED", "WORKSPACE_IDS"} {
		t.Setenv(k, "")
	}

	cfg := FromEnv()

	if cfg.AppName != "pagehook" {
		t.Errorf("AppName = %q", cfg.AppName)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
	if !reflect.DeepEqual(cfg.Retry.BackoffSchedule, DefaultBackoff) {
		t.Errorf("BackoffSchedule = %v", cfg.Retry.BackoffSchedule)
	}
	if cfg.Retry.JitterPercent != 0 {
		t.Errorf("JitterPercent = %v, want 0", cfg.Retry.JitterPercent)
	}
	if cfg.Retry.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.Retry.PollInterval)
	}
	if cfg.Delivery.Timeout != 15*time.Second {
		t.Errorf("Delivery.Timeout = %v, want 15s", cfg.Delivery.Timeout)
	}
	if cfg.Delivery.LogCap != 500 {
		t.Errorf("LogCap = %d, want 500", cfg.Delivery.LogCap)
	}
	if cfg.Store.Remote != "postgres" || cfg.Store.ProbeTimeout != 2*time.Second {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.NSQ.EventsTopic != "workspace_events" || cfg.NSQ.Channel != "pagehook" {
		t.Errorf("NSQ = %+v", cfg.NSQ)
	}
	if cfg.NSQ.NsqdHTTPAddr != "nsqd:4151" || cfg.NSQ.BacklogInterval != 15*time.Second || cfg.NSQ.Concurrency != 8 {
		t.Errorf("NSQ stats/concurrency = %+v", cfg.NSQ)
	}
	if cfg.Auth.Enabled {
		t.Error("Auth.Enabled should default to false")
	}
	if cfg.Retry.WorkspaceIDs != nil {
		t.Errorf("WorkspaceIDs = %v, want nil", cfg.Retry.WorkspaceIDs)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("STORE_REMOTE", "Redis")
	t.Setenv("MAX_ATTEMPTS", "3")
	t.Setenv("BACKOFF_SCHEDULE", "1s,2s")
	t.Setenv("WORKSPACE_IDS", "ws_1,ws_2")
	t.Setenv("PUBLISH_DLQ_TOPIC", "true")

	cfg := FromEnv()

	if cfg.Store.Remote != "redis" {
		t.Errorf("Store.Remote = %q, want redis", cfg.Store.Remote)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d", cfg.Retry.MaxAttempts)
	}
	if len(cfg.Retry.BackoffSchedule) != 2 {
		t.Errorf("BackoffSchedule = %v", cfg.Retry.BackoffSchedule)
	}
	if !reflect.DeepEqual(cfg.Retry.WorkspaceIDs, []string{"ws_1", "ws_2"}) {
		t.Errorf("WorkspaceIDs = %v", cfg.Retry.WorkspaceIDs)
	}
	if !cfg.NSQ.PublishDLQ {
		t.Error("PublishDLQ = false, want true")
	}
}

func TestConfig_DSN(t *testing.T) {
	cfg := Config{DB: DB{User: "u", Pass: "p", Host: "h", Port: "5432", Name: "n"}}
	want := "postgres://u:p@h:5432/n?sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
