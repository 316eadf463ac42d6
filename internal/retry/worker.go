package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/pagehook/internal/logging"
	"github.com/austindbirch/pagehook/internal/metrics"
	"github.com/austindbirch/pagehook/internal/registry"
	"github.com/austindbirch/pagehook/internal/tracing"
	"github.com/austindbirch/pagehook/internal/webhook"
)

// DefaultPollInterval is how often a worker looks for due jobs
const DefaultPollInterval = 30 * time.Second

// SubscriberSource resolves subscribers at retry time
type SubscriberSource interface {
	Get(ctx context.Context, workspaceID, id string) (webhook.Subscriber, error)
}

// Deps are shared by every worker
type Deps struct {
	Pipeline     *Pipeline
	Subscribers  SubscriberSource
	PollInterval time.Duration
	Logger       *logging.Logger
}

// Worker drains one workspace's retry queue on a fixed schedule
type Worker struct {
	workspaceID string
	deps        Deps
	logger      *logging.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func NewWorker(workspaceID string, deps Deps) *Worker {
	if deps.PollInterval <= 0 {
		deps.PollInterval = DefaultPollInterval
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	return &Worker{workspaceID: workspaceID, deps: deps, logger: deps.Logger}
}

func (w *Worker) WorkspaceID() string { return w.workspaceID }

func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start schedules ticks every poll interval. Starting a running worker is a no-op.
// Ticks keep ctx's values but not its cancellation: only Stop halts them, and a
// tick already running completes its deliveries.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	cl := cronLogger{entry: func() *logging.LogEntry { return w.logger.Plain().WithWorkspace(w.workspaceID) }}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	spec := fmt.Sprintf("@every %s", w.deps.PollInterval)
	tickCtx := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(spec, func() { _ = w.Tick(tickCtx) }); err != nil {
		return fmt.Errorf("schedule worker %s: %w", w.workspaceID, err)
	}
	c.Start()
	w.cron = c
	w.running = true
	w.logger.WithContext(ctx).WithWorkspace(w.workspaceID).
		WithField("interval", w.deps.PollInterval.String()).Info("retry worker started")
	return nil
}

// Stop halts future ticks. The returned context is done once an in-flight tick has finished.
func (w *Worker) Stop() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	w.running = false
	done := w.cron.Stop()
	w.cron = nil
	w.logger.Plain().WithWorkspace(w.workspaceID).Info("retry worker stopped")
	return done
}

// Tick processes every due job once, serially
func (w *Worker) Tick(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "retry.tick", attribute.String("workspace_id", w.workspaceID))
	defer span.End()

	sched := w.deps.Pipeline.Scheduler()
	jobs, err := sched.Queue(ctx, w.workspaceID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		w.logger.WithContext(ctx).WithWorkspace(w.workspaceID).WithError(err).Error("retry tick could not load queue")
		return err
	}
	metrics.SetQueueDepth(w.workspaceID, len(jobs))

	now := sched.now()
	due := 0
	for _, job := range jobs {
		if !job.Due(now) {
			continue
		}
		due++
		w.process(ctx, job)
	}
	span.SetAttributes(attribute.Int("jobs.total", len(jobs)), attribute.Int("jobs.due", due))
	return nil
}

func (w *Worker) process(ctx context.Context, job webhook.Job) {
	sched := w.deps.Pipeline.Scheduler()
	log := w.logger.WithContext(ctx).WithWorkspace(job.WorkspaceID).WithSubscriber(job.SubscriberID).WithJob(job.ID)

	// another tick or process may have claimed it already
	ok, err := sched.exists(ctx, job)
	if err != nil {
		log.WithError(err).Warn("could not re-check retry job")
		return
	}
	if !ok {
		return
	}

	sub, err := w.deps.Subscribers.Get(ctx, job.WorkspaceID, job.SubscriberID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		log.Info("dropping retry for deleted subscriber")
		w.remove(ctx, job, log)
		return
	case err != nil:
		log.WithError(err).Warn("could not resolve subscriber, keeping job")
		return
	case !sub.Enabled:
		log.Info("dropping retry for disabled subscriber")
		w.remove(ctx, job, log)
		return
	}

	attempt := job.Attempt + 1
	res, _ := w.deps.Pipeline.Attempt(ctx, sub, job.EventType, job.Payload, attempt)
	if !w.remove(ctx, job, log) {
		// the old job is still queued and will run again; queueing a successor would duplicate it
		log.WithField("attempt", attempt).Error("retry job kept after attempt, next retry not queued")
		return
	}
	w.deps.Pipeline.Settle(ctx, sub, job.EventType, job.Payload, attempt, res)
}

func (w *Worker) remove(ctx context.Context, job webhook.Job, log *logging.LogEntry) bool {
	if err := w.deps.Pipeline.Scheduler().Remove(context.WithoutCancel(ctx), job); err != nil {
		log.WithError(err).Error("could not remove retry job")
		return false
	}
	return true
}

// cronLogger adapts the structured logger to cron.Logger
type cronLogger struct {
	entry func() *logging.LogEntry
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.entry().WithFields(kv(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.entry().WithFields(kv(keysAndValues)).WithError(err).Error(msg)
}

func kv(keysAndValues []any) map[string]any {
	out := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return out
}
