// Package deliverylog keeps the append-only record of delivery attempts per workspace.
package deliverylog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/austindbirch/pagehook/internal/logging"
	"github.com/austindbirch/pagehook/internal/metrics"
	"github.com/austindbirch/pagehook/internal/store"
	"github.com/austindbirch/pagehook/internal/webhook"
)

// DefaultCap is the number of newest entries kept per workspace
const DefaultCap = 500

// Log writes through the primary store and falls back to the emergency backend
type Log struct {
	primary   store.Store
	emergency store.Backend
	cap       int
	logger    *logging.Logger
}

// New builds a log. emergency may be nil; cap <= 0 uses DefaultCap.
func New(primary store.Store, emergency store.Backend, cap int, logger *logging.Logger) *Log {
	if cap <= 0 {
		cap = DefaultCap
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Log{primary: primary, emergency: emergency, cap: cap, logger: logger}
}

// Append durably records entry. It only fails when every tier rejected the write.
func (l *Log) Append(ctx context.Context, entry webhook.LogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	log := l.logger.WithContext(ctx).WithWorkspace(entry.WorkspaceID).WithSubscriber(entry.SubscriberID)

	_, perr := l.primary.Write(ctx, store.CollectionLogs, entry.WorkspaceID, entry.ID, raw)
	if perr == nil {
		l.trim(ctx, entry.WorkspaceID)
		return nil
	}

	if l.emergency != nil {
		eerr := l.emergency.Write(ctx, store.CollectionLogs, entry.WorkspaceID, entry.ID, raw)
		if eerr == nil {
			metrics.RecordStoreFallback(store.CollectionLogs, l.emergency.Name())
			log.WithError(perr).Warn("delivery log written to emergency store")
			l.trimEmergency(ctx, entry.WorkspaceID)
			return nil
		}
		perr = errors.Join(perr, fmt.Errorf("%s: %w", l.emergency.Name(), eerr))
	}

	metrics.RecordStoreFallback(store.CollectionLogs, "none")
	log.WithField("entry_id", entry.ID).WithField("status", string(entry.Status)).
		WithError(perr).Error("delivery log entry lost")
	return fmt.Errorf("append delivery log: %w", perr)
}

// Query merges primary and emergency entries, newest first. The result never exceeds the cap;
// limit <= 0 returns everything kept.
func (l *Log) Query(ctx context.Context, workspaceID string, limit int) ([]webhook.LogEntry, error) {
	var items []store.Item
	primary, _, perr := l.primary.Read(ctx, store.CollectionLogs, store.Filter{Namespace: workspaceID})
	items = append(items, primary...)

	var eerr error
	if l.emergency != nil {
		var emergency []store.Item
		emergency, eerr = l.emergency.Read(ctx, store.CollectionLogs, store.Filter{Namespace: workspaceID})
		items = append(items, emergency...)
	}
	if perr != nil && (l.emergency == nil || eerr != nil) {
		return nil, fmt.Errorf("query delivery log: %w", errors.Join(perr, eerr))
	}
	if perr != nil || eerr != nil {
		l.logger.WithContext(ctx).WithWorkspace(workspaceID).WithError(errors.Join(perr, eerr)).
			Warn("delivery log query is partial")
	}

	entries, bad := store.Decode[webhook.LogEntry](items)
	for _, err := range bad {
		l.logger.WithContext(ctx).WithWorkspace(workspaceID).WithError(err).Warn("skipping unreadable log entry")
	}

	entries = dedupe(entries)
	sortNewestFirst(entries)
	if limit <= 0 || limit > l.cap {
		limit = l.cap
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// trim drops the oldest primary entries beyond the cap. Failures only cost disk space.
func (l *Log) trim(ctx context.Context, workspaceID string) {
	items, _, err := l.primary.Read(ctx, store.CollectionLogs, store.Filter{Namespace: workspaceID})
	if err != nil {
		return
	}
	l.dropOldest(ctx, workspaceID, items, func(id string) error {
		_, err := l.primary.Delete(ctx, store.CollectionLogs, workspaceID, id)
		return err
	})
}

// trimEmergency applies the same cap to the emergency backend so an outage cannot grow it unbounded
func (l *Log) trimEmergency(ctx context.Context, workspaceID string) {
	items, err := l.emergency.Read(ctx, store.CollectionLogs, store.Filter{Namespace: workspaceID})
	if err != nil {
		return
	}
	l.dropOldest(ctx, workspaceID, items, func(id string) error {
		return l.emergency.Delete(ctx, store.CollectionLogs, workspaceID, id)
	})
}

func (l *Log) dropOldest(ctx context.Context, workspaceID string, items []store.Item, del func(id string) error) {
	if len(items) <= l.cap {
		return
	}
	entries, _ := store.Decode[webhook.LogEntry](items)
	sortNewestFirst(entries)
	for _, e := range entries[min(l.cap, len(entries)):] {
		if err := del(e.ID); err != nil {
			l.logger.WithContext(ctx).WithWorkspace(workspaceID).WithError(err).Warn("delivery log trim failed")
			return
		}
	}
}

func dedupe(entries []webhook.LogEntry) []webhook.LogEntry {
	seen := make(map[string]struct{}, len(entries))
	out := entries[:0]
	for _, e := range entries {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out
}

func sortNewestFirst(entries []webhook.LogEntry) {
	slices.SortStableFunc(entries, func(a, b webhook.LogEntry) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}
