package store

import (
	"context"
	"slices"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sourcing-cli/internal/discovery"
)

// MemoryStore keeps jobs in process memory. It is used by tests and by
// one-off CLI runs that do not need history.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]discovery.Job
	order   []string
	results map[string][]discovery.ItemResult
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]discovery.Job),
		results: make(map[string][]discovery.ItemResult),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) Create(_ context.Context, job *discovery.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return eris.Errorf("store: job %s already exists", job.ID)
	}
	s.jobs[job.ID] = *job
	s.order = append(s.order, job.ID)
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, job *discovery.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return eris.Wrapf(discovery.ErrNotFound, "job %s", job.ID)
	}
	if stored.Status.Terminal() {
		return eris.Wrapf(discovery.ErrTerminal, "job %s is %s", job.ID, stored.Status)
	}
	updated := *job
	updated.ConfigSnapshot = stored.ConfigSnapshot
	updated.CreatedAt = stored.CreatedAt
	s.jobs[job.ID] = updated
	return nil
}

func (s *MemoryStore) AppendResults(_ context.Context, jobID string, results []discovery.ItemResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return eris.Wrapf(discovery.ErrNotFound, "job %s", jobID)
	}
	s.results[jobID] = append(s.results[jobID], results...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*discovery.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, eris.Wrapf(discovery.ErrNotFound, "job %s", id)
	}
	return &j, nil
}

func (s *MemoryStore) ListResults(_ context.Context, jobID string, opts discovery.ListOpts) ([]discovery.ItemResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []discovery.ItemResult
	for _, r := range s.results[jobID] {
		if opts.SelectedOnly && !r.Selected {
			continue
		}
		out = append(out, r)
	}
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	return slices.Clone(out[:min(len(out), listLimit(opts.Limit))]), nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]discovery.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = listLimit(limit)
	out := make([]discovery.Job, 0, min(limit, len(s.order)))
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.jobs[s.order[i]])
	}
	return out, nil
}
