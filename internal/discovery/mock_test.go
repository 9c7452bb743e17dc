package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sourcing-cli/internal/budget"
	"github.com/sells-group/sourcing-cli/internal/cost"
	"github.com/sells-group/sourcing-cli/internal/extract"
	"github.com/sells-group/sourcing-cli/internal/lookup"
)

var testNow = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func bookPayload(id string, rank int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"identifier": %q, "domain": "US", "root_category": "Books",
		"stats": {"current": {"sales_rank": %d, "buy_box": 4000}}
	}`, id, rank))
}

// fakeRepo is an in-memory Repository that refuses writes made with a done
// context, like a real database would.
type fakeRepo struct {
	mu       sync.Mutex
	jobs     map[string]Job
	results  map[string][]ItemResult
	statuses []Status
	lastID   string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: map[string]Job{}, results: map[string][]ItemResult{}}
}

func (f *fakeRepo) Create(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = *job
	f.statuses = append(f.statuses, job.Status)
	f.lastID = job.ID
	return nil
}

func (f *fakeRepo) UpdateStatus(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status.Terminal() {
		return ErrTerminal
	}
	f.jobs[job.ID] = *job
	if stored.Status != job.Status {
		f.statuses = append(f.statuses, job.Status)
	}
	return nil
}

func (f *fakeRepo) AppendResults(ctx context.Context, jobID string, results []ItemResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[jobID] = append(f.results[jobID], results...)
	return nil
}

func (f *fakeRepo) Get(_ context.Context, id string) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &j, nil
}

func (f *fakeRepo) ListResults(_ context.Context, jobID string, _ ListOpts) ([]ItemResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ItemResult(nil), f.results[jobID]...), nil
}

func (f *fakeRepo) List(_ context.Context, _ int) ([]Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeRepo) job(t *testing.T, id string) Job {
	t.Helper()
	j, err := f.Get(context.Background(), id)
	require.NoError(t, err)
	return *j
}

// fakeFetcher admits every paid call through a real guard so denials and
// metering behave as in production.
type fakeFetcher struct {
	guard *budget.Guard
	pages [][]string
	ranks map[string]int
	fail  map[string]error
	delay time.Duration
	// onFetch runs after admission, before the response.
	onFetch func(id string)

	finds   atomic.Int32
	fetches atomic.Int32
	mu      sync.Mutex
	fetched []string
}

func newFakeFetcher(t *testing.T, balance int) *fakeFetcher {
	t.Helper()
	return &fakeFetcher{guard: testGuard(t, balance)}
}

func testRegistry(t *testing.T) *cost.Registry {
	t.Helper()
	reg, err := cost.NewRegistry(nil)
	require.NoError(t, err)
	return reg
}

func testGuard(t *testing.T, balance int) *budget.Guard {
	t.Helper()
	g := budget.NewGuard(testRegistry(t), nil, budget.Config{})
	g.Reconcile(balance)
	return g
}

func (f *fakeFetcher) Find(ctx context.Context, _ string, _ map[string]any, page, _ int) (*lookup.Page, error) {
	d, err := f.guard.Admit(ctx, cost.ActionProductFinder)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, d.Err()
	}
	f.finds.Add(1)

	total := 0
	for _, p := range f.pages {
		total += len(p)
	}
	if page >= len(f.pages) {
		return &lookup.Page{TotalResults: total}, nil
	}
	return &lookup.Page{Identifiers: f.pages[page], TotalResults: total}, nil
}

func (f *fakeFetcher) Fetch(ctx context.Context, id, domain string) (*lookup.Item, error) {
	d, err := f.guard.Admit(ctx, cost.ActionProductLookup)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, d.Err()
	}
	f.fetches.Add(1)
	f.mu.Lock()
	f.fetched = append(f.fetched, id)
	f.mu.Unlock()

	if f.onFetch != nil {
		f.onFetch(id)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "fake: fetch interrupted")
		}
	}
	if err := f.fail[id]; err != nil {
		return nil, err
	}

	rank := 120
	if r, ok := f.ranks[id]; ok {
		rank = r
	}
	payload := bookPayload(id, rank)
	return &lookup.Item{
		Identifier: id,
		Payload:    payload,
		Snapshot:   extract.Build(id, payload, extract.Options{Domain: domain, Now: testNow}),
	}, nil
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	keys     []string
	released int
}

var errLockHeld = eris.New("fake: lock held")

func (l *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return nil, errLockHeld
	}
	l.held[key] = true
	l.keys = append(l.keys, key)
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		l.released++
		return nil
	}, nil
}
