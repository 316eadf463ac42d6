package retry

import (
	"context"
	"slices"
	"sync"
)

// Workers keeps at most one worker per workspace
type Workers struct {
	ctx  context.Context
	deps Deps

	mu      sync.Mutex
	workers map[string]*Worker
}

// NewWorkers returns a manager whose workers tick with ctx's values. Cancelling ctx
// does not stop them; use StopAll.
func NewWorkers(ctx context.Context, deps Deps) *Workers {
	return &Workers{ctx: ctx, deps: deps, workers: make(map[string]*Worker)}
}

// Ensure starts the workspace worker if it is not already running
func (m *Workers) Ensure(workspaceID string) (*Worker, error) {
	m.mu.Lock()
	w, ok := m.workers[workspaceID]
	if !ok {
		w = NewWorker(workspaceID, m.deps)
		m.workers[workspaceID] = w
	}
	m.mu.Unlock()
	return w, w.Start(m.ctx)
}

// Get returns the worker for a workspace, if one was ensured
func (m *Workers) Get(workspaceID string) (*Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workspaceID]
	return w, ok
}

// Workspaces lists workspaces with a worker, sorted
func (m *Workers) Workspaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.workers))
	for ws := range m.workers {
		out = append(out, ws)
	}
	slices.Sort(out)
	return out
}

// StopAll stops every worker and waits for in-flight ticks or ctx, whichever comes first
func (m *Workers) StopAll(ctx context.Context) {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	dones := make([]context.Context, 0, len(workers))
	for _, w := range workers {
		dones = append(dones, w.Stop())
	}
	for _, done := range dones {
		select {
		case <-done.Done():
		case <-ctx.Done():
			return
		}
	}
}
