package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultBackoff is the retry delay table indexed by failed-attempt count (1-based)
var DefaultBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	6 * time.Hour,
}

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

// Store selects and tunes the fallback tiers
type Store struct {
	Remote       string        // postgres | redis | none
	RedisURL     string        // redis://redis:6379/0
	LocalPath    string        // SQLite file backing the local tier
	EmergencyDir string        // directory for the emergency file tier
	ProbeTimeout time.Duration // per-tier health probe bound
}

type NSQ struct {
	NsqdTCPAddr     string        // e.g. nsqd:4150
	NsqdHTTPAddr    string        // stats endpoint, e.g. nsqd:4151
	LookupHTTPAddr  string        // e.g. http://nsqlookupd:4161
	BacklogInterval time.Duration // how often channel depth is scraped, 0 disables
	EventsTopic     string        // workspace events consumed by the dispatcher
	Channel         string        // consumer channel
	DLQTopic        string        // exhausted retries
	PublishDLQ      bool          // whether exhausted retries are published to DLQTopic
	Concurrency     int           // concurrent message handlers
}

type Retry struct {
	MaxAttempts     int             // attempt ceiling
	BackoffSchedule []time.Duration // delay after the n-th failed attempt
	JitterPercent   float64         // 0.0-1.0, 0 keeps the table exact
	PollInterval    time.Duration   // worker tick
	WorkspaceIDs    []string        // workers started at boot
}

type Delivery struct {
	Timeout time.Duration // outbound HTTP client timeout
	LogCap  int           // newest entries kept per workspace
}

type Auth struct {
	Enabled   bool
	PublicKey string // PEM, takes precedence over JWKSURL
	JWKSURL   string
	Issuer    string
	Audience  string
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	EndpointSecret       string        // Secret for webhook signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	GRPCPort     string // :50051
	DB           DB
	Store        Store
	NSQ          NSQ
	Retry        Retry
	Delivery     Delivery
	Auth         Auth
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return append([]time.Duration(nil), DefaultBackoff...)
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil && d > 0 {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		return append([]time.Duration(nil), DefaultBackoff...)
	}

	return durations
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "pagehook"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		GRPCPort: getenv("GRPC_PORT", ":50051"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "pagehook"),
		},
		Store: Store{
			Remote:       strings.ToLower(getenv("STORE_REMOTE", "postgres")),
			RedisURL:     getenv("REDIS_URL", "redis://redis:6379/0"),
			LocalPath:    getenv("STORE_LOCAL_PATH", "pagehook.db"),
			EmergencyDir: getenv("STORE_EMERGENCY_DIR", os.TempDir()+"/pagehook-emergency"),
			ProbeTimeout: getenvDuration("STORE_PROBE_TIMEOUT", 2*time.Second),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:    getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			BacklogInterval: getenvDuration("NSQ_BACKLOG_INTERVAL", 15*time.Second),
			EventsTopic:     getenv("NSQ_EVENTS_TOPIC", "workspace_events"),
			Channel:         getenv("NSQ_CHANNEL", "pagehook"),
			DLQTopic:        getenv("NSQ_DLQ_TOPIC", "webhook_dlq"),
			PublishDLQ:      getenvBool("PUBLISH_DLQ_TOPIC", false),
			Concurrency:     getenvInt("NSQ_CONCURRENCY", 8),
		},
		Retry: Retry{
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 5),
			BackoffSchedule: parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0),
			PollInterval:    getenvDuration("RETRY_POLL_INTERVAL", 30*time.Second),
			WorkspaceIDs:    getenvList("WORKSPACE_IDS"),
		},
		Delivery: Delivery{
			Timeout: getenvDuration("DELIVERY_TIMEOUT", 15*time.Second),
			LogCap:  getenvInt("LOG_CAP", 500),
		},
		Auth: Auth{
			Enabled:   getenvBool("AUTH_ENABLED", false),
			PublicKey: getenv("JWT_PUBLIC_KEY", ""),
			JWKSURL:   getenv("JWKS_URL", ""),
			Issuer:    getenv("JWT_ISSUER", "pagehook"),
			Audience:  getenv("JWT_AUDIENCE", "pagehook-admin"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
