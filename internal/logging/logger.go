package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/austindbirch/pagehook/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Time         time.Time
	Level        LogLevel
	Message      string
	Service      string
	TraceID      string
	WorkspaceID  string
	EventID      string
	SubscriberID string
	JobID        string
	Fields       map[string]any

	out *logrus.Logger
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	out     *logrus.Logger
}

// New creates a new structured logger for the given service.
// LOG_LEVEL controls the minimum level (default info).
func New(service string) *Logger {
	out := logrus.New()
	out.SetOutput(os.Stdout)
	out.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	out.SetLevel(logrus.InfoLevel)
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		out.SetLevel(lvl)
	}
	return &Logger{service: service, out: out}
}

// SetOutput redirects the logger, mostly useful in tests
func (l *Logger) SetOutput(w io.Writer) {
	l.out.SetOutput(w)
}

// SetLevel sets the minimum level that gets written
func (l *Logger) SetLevel(level LogLevel) {
	if lvl, err := logrus.ParseLevel(string(level)); err == nil {
		l.out.SetLevel(lvl)
	}
}

// Service returns the service name stamped on every entry
func (l *Logger) Service() string {
	return l.service
}

func (l *Logger) entry() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
		out:     l.out,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.entry()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithWorkspace sets the workspace ID for the log entry
func (e *LogEntry) WithWorkspace(workspaceID string) *LogEntry {
	e.WorkspaceID = workspaceID
	return e
}

// WithEvent sets the event ID for the log entry
func (e *LogEntry) WithEvent(eventID string) *LogEntry {
	e.EventID = eventID
	return e
}

// WithSubscriber sets the subscriber ID for the log entry
func (e *LogEntry) WithSubscriber(subscriberID string) *LogEntry {
	e.SubscriberID = subscriberID
	return e
}

// WithJob sets the retry job ID for the log entry
func (e *LogEntry) WithJob(jobID string) *LogEntry {
	e.JobID = jobID
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		return e.WithField("error", err.Error())
	}
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) { e.write(LevelDebug, message) }

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) {
	e.write(LevelDebug, fmt.Sprintf(format, args...))
}

// Info logs at info level
func (e *LogEntry) Info(message string) { e.write(LevelInfo, message) }

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.write(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) { e.write(LevelWarn, message) }

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.write(LevelWarn, fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) { e.write(LevelError, message) }

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.write(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.Level = LevelFatal
	e.Message = message
	e.logrusEntry().Fatal(message)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.Fatal(fmt.Sprintf(format, args...))
}

func (e *LogEntry) write(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	lvl, err := logrus.ParseLevel(string(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	e.logrusEntry().Log(lvl, message)
}

// logrusEntry flattens the well-known ids and free-form fields into logrus fields
func (e *LogEntry) logrusEntry() *logrus.Entry {
	out := e.out
	if out == nil {
		out = defaultLogger.out
	}
	f := logrus.Fields{"service": e.Service}
	for k, v := range e.Fields {
		f[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			f[k] = v
		}
	}
	set("trace_id", e.TraceID)
	set("workspace_id", e.WorkspaceID)
	set("event_id", e.EventID)
	set("subscriber_id", e.SubscriberID)
	set("job_id", e.JobID)
	return out.WithTime(e.Time).WithFields(f)
}

// Global convenience functions

var defaultLogger = New("pagehook")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	l := New("nop")
	l.SetOutput(io.Discard)
	return l
}
