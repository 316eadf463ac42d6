// Package retry owns the backoff policy, the durable retry queue and the
// per-workspace workers that drain it.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/pagehook/internal/config"
	"github.com/austindbirch/pagehook/internal/logging"
	"github.com/austindbirch/pagehook/internal/store"
	"github.com/austindbirch/pagehook/internal/webhook"
)

// DefaultMaxAttempts is the attempt ceiling, the initial delivery included
const DefaultMaxAttempts = 5

type Config struct {
	MaxAttempts   int
	Backoff       []time.Duration // Backoff[n-1] is the wait after the n-th failed attempt
	JitterPercent float64
}

// Scheduler persists retry jobs with their next eligible run time
type Scheduler struct {
	store       store.Store
	maxAttempts int
	backoff     []time.Duration
	jitter      float64
	logger      *logging.Logger

	now   func() time.Time
	float func() float64
}

func NewScheduler(s store.Store, cfg Config, logger *logging.Logger) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = config.DefaultBackoff
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scheduler{
		store:       s,
		maxAttempts: cfg.MaxAttempts,
		backoff:     slices.Clone(cfg.Backoff),
		jitter:      min(max(cfg.JitterPercent, 0), 1),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		float:       rand.Float64,
	}
}

func (s *Scheduler) MaxAttempts() int { return s.maxAttempts }

// Delay returns the wait after the given number of failed attempts
func (s *Scheduler) Delay(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.backoff) {
		idx = len(s.backoff) - 1
	}
	base := s.backoff[idx]
	if s.jitter == 0 {
		return base
	}
	j := 1 + (s.float()*2-1)*s.jitter
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}

// StatusFor is the log status of failed attempt n
func (s *Scheduler) StatusFor(attempt int) webhook.Status {
	if attempt < s.maxAttempts {
		return webhook.StatusRetrying
	}
	return webhook.StatusFailed
}

// QueueRetry persists a job after attempt failed. It reports false without
// writing when attempt has reached the ceiling.
func (s *Scheduler) QueueRetry(ctx context.Context, subscriberID, workspaceID, eventType string, payload webhook.Event, attempt int, lastError string) (bool, error) {
	if attempt >= s.maxAttempts {
		return false, nil
	}
	now := s.now()
	job := webhook.Job{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		WorkspaceID:  workspaceID,
		EventType:    eventType,
		Payload:      payload,
		Attempt:      attempt,
		NextRunAt:    now.Add(s.Delay(attempt)),
		LastError:    lastError,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	out, err := s.store.Write(ctx, store.CollectionQueue, workspaceID, job.ID, raw)
	if err != nil {
		return false, fmt.Errorf("queue retry: %w", err)
	}
	s.logger.WithContext(ctx).WithWorkspace(workspaceID).WithSubscriber(subscriberID).WithJob(job.ID).
		WithFields(map[string]any{
			"attempt":     attempt,
			"next_run_at": job.NextRunAt.Format(time.RFC3339),
			"tier":        out.Tier,
		}).Info("retry queued")
	return true, nil
}

// Queue returns the workspace's pending jobs ordered by next run time
func (s *Scheduler) Queue(ctx context.Context, workspaceID string) ([]webhook.Job, error) {
	items, _, err := s.store.Read(ctx, store.CollectionQueue, store.Filter{Namespace: workspaceID})
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	jobs, bad := store.Decode[webhook.Job](items)
	for _, err := range bad {
		s.logger.WithContext(ctx).WithWorkspace(workspaceID).WithError(err).Warn("skipping unreadable retry job")
	}
	slices.SortStableFunc(jobs, func(a, b webhook.Job) int { return a.NextRunAt.Compare(b.NextRunAt) })
	return jobs, nil
}

func (s *Scheduler) exists(ctx context.Context, job webhook.Job) (bool, error) {
	items, _, err := s.store.Read(ctx, store.CollectionQueue, store.Filter{Namespace: job.WorkspaceID, Key: job.ID})
	if err != nil {
		return false, err
	}
	return len(items) > 0, nil
}

// Remove deletes a job. Removing a job that is already gone is not an error.
func (s *Scheduler) Remove(ctx context.Context, job webhook.Job) error {
	if _, err := s.store.Delete(ctx, store.CollectionQueue, job.WorkspaceID, job.ID); err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	return nil
}
