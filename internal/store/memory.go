package store

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryBackend keeps records in process memory. Fail makes every call
// return the given error until cleared with Fail(nil).
type MemoryBackend struct {
	name string

	mu   sync.RWMutex
	data map[string]map[string][]byte // collection/namespace -> key -> value
	fail error
}

func NewMemory(name string) *MemoryBackend {
	if name == "" {
		name = "memory"
	}
	return &MemoryBackend{name: name, data: make(map[string]map[string][]byte)}
}

func (m *MemoryBackend) Name() string { return m.name }

// Fail simulates an outage
func (m *MemoryBackend) Fail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *MemoryBackend) Probe(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return m.fail
	}
	return ctx.Err()
}

func (m *MemoryBackend) Read(_ context.Context, collection string, f Filter) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	bucket := m.data[bucketKey(collection, f.Namespace)]
	if f.Key != "" {
		if v, ok := bucket[f.Key]; ok {
			return []Item{{Key: f.Key, Value: slices.Clone(v)}}, nil
		}
		return nil, nil
	}
	items := make([]Item, 0, len(bucket))
	for k, v := range bucket {
		items = append(items, Item{Key: k, Value: slices.Clone(v)})
	}
	sortItems(items)
	return items, nil
}

func (m *MemoryBackend) Write(_ context.Context, collection, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	bk := bucketKey(collection, namespace)
	if m.data[bk] == nil {
		m.data[bk] = make(map[string][]byte)
	}
	m.data[bk][key] = slices.Clone(value)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, collection, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	delete(m.data[bucketKey(collection, namespace)], key)
	return nil
}

func bucketKey(collection, namespace string) string {
	return collection + "/" + namespace
}

func sortItems(items []Item) {
	slices.SortFunc(items, func(a, b Item) int { return strings.Compare(a.Key, b.Key) })
}
