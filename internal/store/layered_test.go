package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/pagehook/internal/metrics"
)

// countingBackend wraps a memory backend to count and optionally slow probes
type countingBackend struct {
	*MemoryBackend
	probes     atomic.Int32
	probeDelay time.Duration
	opErr      error
}

func (c *countingBackend) Probe(ctx context.Context) error {
	c.probes.Add(1)
	if c.probeDelay > 0 {
		select {
		case <-time.After(c.probeDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.MemoryBackend.Probe(ctx)
}

func (c *countingBackend) Write(ctx context.Context, collection, namespace, key string, value []byte) error {
	if c.opErr != nil {
		return c.opErr
	}
	return c.MemoryBackend.Write(ctx, collection, namespace, key, value)
}

func TestLayered_UsesFirstHealthyTier(t *testing.T) {
	ctx := context.Background()
	remote, local := NewMemory("remote"), NewMemory("local")
	l := NewLayered([]Backend{remote, local})

	out, err := l.Write(ctx, CollectionWebhooks, "ws_1", "a", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, Outcome{Tier: "remote", Degraded: false}, out)

	items, _ := local.Read(ctx, CollectionWebhooks, Filter{Namespace: "ws_1"})
	assert.Empty(t, items, "lower tier untouched while remote is healthy")
}

func TestLayered_FallsThroughOnProbeFailure(t *testing.T) {
	ctx := context.Background()
	metrics.StoreFallbacksTotal.Reset()

	remote, local := NewMemory("remote"), NewMemory("local")
	remote.Fail(ErrUnavailable)
	l := NewLayered([]Backend{remote, local})

	out, err := l.Write(ctx, CollectionQueue, "ws_1", "job", []byte(`{"attempt":1}`))
	require.NoError(t, err)
	assert.Equal(t, Outcome{Tier: "local", Degraded: true}, out)

	items, out, err := l.Read(ctx, CollectionQueue, Filter{Namespace: "ws_1"})
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	require.Len(t, items, 1)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.StoreFallbacksTotal.WithLabelValues(CollectionQueue, "local")))
}

func TestLayered_FallsThroughOnOperationFailure(t *testing.T) {
	ctx := context.Background()
	remote := &countingBackend{MemoryBackend: NewMemory("remote"), opErr: ErrUnauthorized}
	local := NewMemory("local")
	l := NewLayered([]Backend{remote, local})

	out, err := l.Write(ctx, CollectionLogs, "ws_1", "e1", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "local", out.Tier)
	assert.True(t, out.Degraded)
}

func TestLayered_AllTiersFail(t *testing.T) {
	ctx := context.Background()
	remote, local := NewMemory("remote"), NewMemory("local")
	remote.Fail(ErrUnauthorized)
	local.Fail(errors.New("disk full"))
	l := NewLayered([]Backend{remote, local})

	out, err := l.Write(ctx, CollectionLogs, "ws_1", "e1", []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, Outcome{}, out)

	var serr *StoreError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "write", serr.Op)
	assert.Equal(t, CollectionLogs, serr.Collection)
	require.Len(t, serr.Tiers, 2)
	assert.Equal(t, "remote", serr.Tiers[0].Tier)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "disk full")
}

func TestLayered_NoTiers(t *testing.T) {
	_, err := NewLayered(nil).Delete(context.Background(), "c", "ns", "k")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestLayered_SkipsNilTiers(t *testing.T) {
	l := NewLayered([]Backend{nil, NewMemory("local")})
	assert.Equal(t, []string{"local"}, l.Tiers())
}

func TestLayered_ProbeTimeout(t *testing.T) {
	ctx := context.Background()
	slow := &countingBackend{MemoryBackend: NewMemory("remote"), probeDelay: time.Second}
	l := NewLayered([]Backend{slow, NewMemory("local")}, WithProbeTimeout(20*time.Millisecond))

	start := time.Now()
	out, err := l.Write(ctx, CollectionWebhooks, "ws", "k", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "local", out.Tier)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLayered_ConcurrentProbesCollapse(t *testing.T) {
	ctx := context.Background()
	remote := &countingBackend{MemoryBackend: NewMemory("remote"), probeDelay: 50 * time.Millisecond}
	l := NewLayered([]Backend{remote})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := l.Read(ctx, CollectionWebhooks, Filter{Namespace: "ws"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Less(t, remote.probes.Load(), int32(10))
}

func TestLayered_Health(t *testing.T) {
	remote, local := NewMemory("remote"), NewMemory("local")
	remote.Fail(ErrUnavailable)
	h := NewLayered([]Backend{remote, local}).Health(context.Background())

	assert.ErrorIs(t, h["remote"], ErrUnavailable)
	assert.NoError(t, h["local"])
}

func TestLayered_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLayered([]Backend{NewMemory("local")}).Write(ctx, "c", "ns", "k", []byte(`{}`))
	assert.ErrorIs(t, err, context.Canceled)
}
