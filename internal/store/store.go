// Package store persists JSON records in namespaced collections over an ordered
// list of backends, falling through to the next backend when one is unhealthy.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Collections used by the dispatcher
const (
	CollectionWebhooks = "webhooks"
	CollectionQueue    = "webhook_queue"
	CollectionLogs     = "webhook_logs"
)

var (
	// ErrUnavailable marks a backend that cannot be reached
	ErrUnavailable = errors.New("store: backend unavailable")
	// ErrUnauthorized marks a backend that rejected the operation on permissions
	ErrUnauthorized = errors.New("store: permission denied")
)

// Filter selects records within a collection. Key is optional.
type Filter struct {
	Namespace string
	Key       string
}

// Item is one stored record
type Item struct {
	Key   string
	Value json.RawMessage
}

// Backend is one persistence tier
type Backend interface {
	Name() string
	Probe(ctx context.Context) error
	Read(ctx context.Context, collection string, f Filter) ([]Item, error)
	Write(ctx context.Context, collection, namespace, key string, value []byte) error
	// Delete of a missing key is not an error
	Delete(ctx context.Context, collection, namespace, key string) error
}

// Store is the routed view used by the registry, the retry queue and the delivery log.
// *Layered implements it.
type Store interface {
	Read(ctx context.Context, collection string, f Filter) ([]Item, Outcome, error)
	Write(ctx context.Context, collection, namespace, key string, value []byte) (Outcome, error)
	Delete(ctx context.Context, collection, namespace, key string) (Outcome, error)
}

// Outcome reports which tier served an operation
type Outcome struct {
	Tier     string
	Degraded bool
}

// TierError is the failure of a single tier
type TierError struct {
	Tier string
	Err  error
}

func (e TierError) Error() string { return e.Tier + ": " + e.Err.Error() }

// StoreError is returned when every tier failed
type StoreError struct {
	Op         string
	Collection string
	Tiers      []TierError
}

func (e *StoreError) Error() string {
	parts := make([]string, 0, len(e.Tiers))
	for _, t := range e.Tiers {
		parts = append(parts, t.Error())
	}
	return fmt.Sprintf("store %s %s: all tiers failed: %s", e.Op, e.Collection, strings.Join(parts, "; "))
}

func (e *StoreError) Unwrap() []error {
	errs := make([]error, 0, len(e.Tiers))
	for _, t := range e.Tiers {
		errs = append(errs, t.Err)
	}
	return errs
}

// Decode unmarshals every item into T, skipping records that do not parse
func Decode[T any](items []Item) ([]T, []error) {
	out := make([]T, 0, len(items))
	var bad []error
	for _, it := range items {
		var v T
		if err := json.Unmarshal(it.Value, &v); err != nil {
			bad = append(bad, fmt.Errorf("record %s: %w", it.Key, err))
			continue
		}
		out = append(out, v)
	}
	return out, bad
}
