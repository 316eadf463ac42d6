package store

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/austindbirch/pagehook/internal/logging"
	"github.com/austindbirch/pagehook/internal/metrics"
)

// Layered routes each operation to the first healthy backend in order
type Layered struct {
	tiers        []Backend
	probeTimeout time.Duration
	logger       *logging.Logger
	probes       singleflight.Group
}

// Option configures a Layered store
type Option func(*Layered)

func WithProbeTimeout(d time.Duration) Option {
	return func(l *Layered) {
		if d > 0 {
			l.probeTimeout = d
		}
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(l *Layered) { l.logger = logger }
}

// NewLayered builds a store over tiers, highest priority first. Nil tiers are skipped.
func NewLayered(tiers []Backend, opts ...Option) *Layered {
	l := &Layered{probeTimeout: 2 * time.Second, logger: logging.Nop()}
	for _, t := range tiers {
		if t != nil {
			l.tiers = append(l.tiers, t)
		}
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Tiers returns the backend names in priority order
func (l *Layered) Tiers() []string {
	names := make([]string, 0, len(l.tiers))
	for _, t := range l.tiers {
		names = append(names, t.Name())
	}
	return names
}

// Health probes every tier and reports the error per name (nil when healthy)
func (l *Layered) Health(ctx context.Context) map[string]error {
	out := make(map[string]error, len(l.tiers))
	for _, t := range l.tiers {
		out[t.Name()] = l.probe(ctx, t)
	}
	return out
}

func (l *Layered) Read(ctx context.Context, collection string, f Filter) ([]Item, Outcome, error) {
	var items []Item
	out, err := l.do(ctx, "read", collection, func(b Backend) error {
		var err error
		items, err = b.Read(ctx, collection, f)
		return err
	})
	return items, out, err
}

func (l *Layered) Write(ctx context.Context, collection, namespace, key string, value []byte) (Outcome, error) {
	return l.do(ctx, "write", collection, func(b Backend) error {
		return b.Write(ctx, collection, namespace, key, value)
	})
}

func (l *Layered) Delete(ctx context.Context, collection, namespace, key string) (Outcome, error) {
	return l.do(ctx, "delete", collection, func(b Backend) error {
		return b.Delete(ctx, collection, namespace, key)
	})
}

func (l *Layered) do(ctx context.Context, op, collection string, fn func(Backend) error) (Outcome, error) {
	serr := &StoreError{Op: op, Collection: collection}
	for i, t := range l.tiers {
		if err := l.probe(ctx, t); err != nil {
			serr.Tiers = append(serr.Tiers, TierError{Tier: t.Name(), Err: err})
			continue
		}
		if err := fn(t); err != nil {
			serr.Tiers = append(serr.Tiers, TierError{Tier: t.Name(), Err: err})
			continue
		}
		out := Outcome{Tier: t.Name(), Degraded: i > 0}
		if out.Degraded {
			metrics.RecordStoreFallback(collection, t.Name())
			l.logger.WithContext(ctx).
				WithFields(map[string]any{"op": op, "collection": collection, "tier": t.Name(), "skipped": skipped(serr.Tiers)}).
				Warn("store degraded to fallback tier")
		}
		return out, nil
	}
	metrics.RecordStoreFallback(collection, "none")
	if len(serr.Tiers) == 0 {
		serr.Tiers = append(serr.Tiers, TierError{Tier: "none", Err: ErrUnavailable})
	}
	return Outcome{}, serr
}

// probe collapses concurrent probes of the same tier into one call
func (l *Layered) probe(ctx context.Context, t Backend) error {
	_, err, _ := l.probes.Do(t.Name(), func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.probeTimeout)
		defer cancel()
		return nil, t.Probe(pctx)
	})
	if err != nil {
		return err
	}
	return ctx.Err()
}

func skipped(tiers []TierError) []string {
	out := make([]string, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, t.Error())
	}
	return out
}
