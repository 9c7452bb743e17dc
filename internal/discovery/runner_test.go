package discovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sourcing-cli/internal/budget"
	"github.com/sells-group/sourcing-cli/internal/resilience"
	"github.com/sells-group/sourcing-cli/internal/scoring"
)

func seeds(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("ID%03d", i)
	}
	return out
}

func newTestRunner(repo Repository, f Fetcher, t *testing.T, opts ...RunnerOption) *Runner {
	t.Helper()
	opts = append([]RunnerOption{WithRunnerClock(func() time.Time { return testNow })}, opts...)
	return NewRunner(repo, f, testRegistry(t), opts...)
}

func TestRun_CompletesAndPersists(t *testing.T) {
	repo := newFakeRepo()
	f := newFakeFetcher(t, 100)
	f.ranks = map[string]int{"C": 4_000_000}

	job, err := newTestRunner(repo, f, t).Run(context.Background(), Config{
		Identifiers: []string{"A", "B", "C", "A"},
		BatchSize:   2,
	}, scoring.DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, job.Status)
	assert.Equal(t, StopCompleted, job.StopReason)
	assert.Equal(t, 3, job.TotalTested, "duplicates are tested once")
	assert.Equal(t, 2, job.TotalSelected)
	assert.Equal(t, 3, job.TokensUsed)
	assert.Equal(t, 4, job.TokensEstimated)
	assert.Zero(t, job.ErrorCount)
	assert.NotEmpty(t, job.ConfigSnapshot)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.FinishedAt)

	stored := repo.job(t, job.ID)
	assert.Equal(t, StatusSuccess, stored.Status)
	assert.Equal(t, 3, stored.TotalTested)
	assert.Equal(t, []Status{StatusPending, StatusRunning, StatusSuccess}, repo.statuses)

	results, err := repo.ListResults(context.Background(), job.ID, ListOpts{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	byID := map[string]ItemResult{}
	for _, r := range results {
		byID[r.Identifier] = r
	}
	assert.True(t, byID["A"].Selected)
	assert.Equal(t, scoring.TierStrongBuy, byID["A"].Score.Tier)
	assert.False(t, byID["C"].Selected)
	assert.Equal(t, scoring.TierSkip, byID["C"].Score.Tier)
	assert.Equal(t, 97, f.guard.Status().Balance)
}

func TestRun_FinderPagesAreDeduplicated(t *testing.T) {
	repo := newFakeRepo()
	f := newFakeFetcher(t, 100)
	f.pages = [][]string{{"A", "B"}, {"B", "C"}}

	job, err := newTestRunner(repo, f, t).Run(context.Background(), Config{
		Selection: map[string]any{"root_category": "Books"},
		MaxPages:  3,
		PerPage:   2,
	}, scoring.DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, int32(2), f.finds.Load(), "paging stops once total results are covered")
	assert.Equal(t, int32(3), f.fetches.Load())
	assert.Equal(t, 3, job.TotalTested)
	assert.Equal(t, 2*10+3, job.TokensUsed)
}

func TestRun_BudgetDenialStopsAndKeepsResults(t *testing.T) {
	repo := newFakeRepo()
	f := newFakeFetcher(t, 3)

	job, err := newTestRunner(repo, f, t).Run(context.Background(), Config{
		Identifiers: seeds(10),
		Concurrency: 1,
		BatchSize:   100,
	}, scoring.DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, job.Status)
	assert.Equal(t, StopBudgetDenied, job.StopReason)
	assert.Equal(t, 3, job.TotalTested)
	assert.Equal(t, int32(3), f.fetches.Load(), "no paid call after the denial")
	assert.Equal(t, 3, job.TokensUsed)
	assert.Equal(t, 0, f.guard.Status().Balance)

	results, err := repo.ListResults(context.Background(), job.ID, ListOpts{})
	require.NoError(t, err)
	assert.Len(t, results, 3, "results accumulated before the denial are kept")
}

func TestRun_FinderDenialStopsRun(t *testing.T) {
	repo := newFakeRepo()
	f := newFakeFetcher(t, 5)
	f.pages = [][]string{{"A"}}

	job, err := newTestRunner(repo, f, t).Run(context.Background(), Config{
		Selection: map[string]any{"root_category": "Books"},
	}, scoring.DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, StopBudgetDenied, job.StopReason)
	assert.Zero(t, job.TotalTested)
	assert.Zero(t, f.finds.Load())
	assert.Zero(t, f.fetches.Load())
}

func TestRun_MaxItems(t *testing.T) {
	repo := newFakeRepo()
	f := newFakeFetcher(t, 100)

	job, err := newTestRunner(repo, f, t).Run(context.Background(), Config{
		Identifiers: seeds(5),
		MaxItems:    2,
	}, scoring.DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, job.Status)
	assert.Equal(t, StopMaxItems, job.StopReason)
	assert.Equal(t, 2, job.TotalTested)
	assert.Equal(t, int32(2), f.fetches.Load())
}

func TestRun_MaxItemsSkipsFurtherFinderPages(t *testing.T) {
	repo := newFakeRepo()
	f := newFakeFetcher(t, 100)
	f.pages = [][]string{{"A", "B"}, {"C", "D"}}

	job, err := newTestRunner(repo, f, t).Run(context.Background(), Config{
		Selection: map[string]any{"root_category": "Books"},
		MaxPages:  2,
		PerPage:   2,
		MaxItems:  2,
	}, scoring.DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, StopMaxItems, job.StopReason)
	assert.Equal(t, int32(1), f.finds.Load())
}

func TestRun_ItemErrorsDoNotStopBatch(t *testing.T) {
	repo := newFakeRepo()
	f := newFakeFetcher(t, 100)
	f.fail = map[string]error{
		"B": &resilience.UpstreamUnavailableError{Endpoint: "product", Attempts: 3, Err: errors.New("bad gateway")},
	}

	job, err := newTestRunner(repo, f, t).Run(context.Background(), Config{
		Identifiers: []string{"A", "B", "C"},
	}, scoring.DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, job.Status)
	assert.Equal(t, StopCompleted, job.StopReason)
	assert.Equal(t, 3, job.TotalTested)
	assert.Equal(t, 1, job.ErrorCount)
	assert.Equal(t, 2, job.TotalSelected)

	results, err := repo.ListResults(context.Background(), job.ID, ListOpts{})
	require.NoError(t, err)
	for _, r := range results {
		if r.Identifier == "B" {
			assert.Contains(t, r.Error, "unavailable")
			assert.Nil(t, r.Score)
		}
	}
}

func TestRun_TimeoutPersistsPartialResults(t *testing.T) {
	repo := newFakeRepo()
	f := newFakeFetcher(t, 1000)
	f.delay = 30 * time.Millisecond

	job, err := newTestRunner(repo, f, t).Run(context.Background(), Config{
		Identifiers: seeds(50),
		Concurrency: 1,
		BatchSize:   1000,
		MaxDuration: 100 * time.Millisecond,
	}, scoring.DefaultConfig())
	require.Error(t, err)

	var te *JobTimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, job.ID, te.JobID)
	assert.Equal(t, 100*time.Millisecond, te.Limit)

	stored := repo.job(t, job.ID)
	assert.Equal(t, StatusError, stored.Status, "the terminal status is written despite the expired run context")
	assert.Equal(t, StopTimeout, stored.StopReason)
	assert.NotEmpty(t, stored.Error)
	require.NotNil(t, stored.FinishedAt)

	results, err := repo.ListResults(context.Background(), job.ID, ListOpts{})
	require.NoError(t, err)
	assert.NotEmpty(t, results)
	assert.Len(t, results, stored.TotalTested)
	assert.Less(t, stored.TotalTested, 50)
	assert.Zero(t, stored.ErrorCount, "the interrupted item is not an item error")
}

func TestRun_ParentCancelled(t *testing.T) {
	repo := newFakeRepo()
	f := newFakeFetcher(t, 100)
	ctx, cancel := context.WithCancel(context.Background())

	f.onFetch = func(string) { cancel() }
	job, err := newTestRunner(repo, f, t).Run(ctx, Config{
		Identifiers: seeds(5),
		Concurrency: 1,
	}, scoring.DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, job.Status)
	assert.Equal(t, StopCancelled, job.StopReason)
	assert.Equal(t, int32(1), f.fetches.Load())
	assert.Equal(t, StatusCancelled, repo.job(t, job.ID).Status)
}

func TestRunner_Cancel(t *testing.T) {
	repo := newFakeRepo()
	f := newFakeFetcher(t, 100)
	r := newTestRunner(repo, f, t)

	var cancelErr error
	f.onFetch = func(string) {
		if cancelErr == nil {
			cancelErr = r.Cancel(repo.lastID)
		}
	}
	job, err := r.Run(context.Background(), Config{
		Identifiers: seeds(5),
		Concurrency: 1,
	}, scoring.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, cancelErr)

	assert.Equal(t, StatusCancelled, job.Status)
	assert.Equal(t, 1, job.TotalTested, "the in-flight item completes")
	assert.Equal(t, int32(1), f.fetches.Load())

	assert.ErrorIs(t, r.Cancel(job.ID), ErrNotFound, "finished jobs are no longer active")
}

func TestRun_ScoresWithRunConfig(t *testing.T) {
	repo := newFakeRepo()
	f := newFakeFetcher(t, 100)

	scfg := scoring.DefaultConfig()
	scfg.Global.Rules = []scoring.TierRule{{Tier: scoring.TierConsider, MinROI: 1, MinVelocity: 1}}

	job, err := newTestRunner(repo, f, t).Run(context.Background(), Config{
		Identifiers: []string{"A"},
		MinTier:     scoring.TierConsider,
	}, scfg)
	require.NoError(t, err)

	results, err := repo.ListResults(context.Background(), job.ID, ListOpts{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, scoring.TierConsider, results[0].Score.Tier)
	assert.True(t, results[0].Selected)
}

func TestRun_Lock(t *testing.T) {
	locker := &fakeLocker{}
	cfg := Config{Identifiers: []string{"A"}}

	r := newTestRunner(newFakeRepo(), newFakeFetcher(t, 100), t, WithLocker(locker))
	_, err := r.Run(context.Background(), cfg, scoring.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, locker.keys, 1)
	assert.Equal(t, 1, locker.released)

	// Simulate another worker holding the same discovery.
	locker.held = map[string]bool{locker.keys[0]: true}
	repo := newFakeRepo()
	_, err = newTestRunner(repo, newFakeFetcher(t, 100), t, WithLocker(locker)).
		Run(context.Background(), cfg, scoring.DefaultConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, errLockHeld)
	assert.Empty(t, repo.jobs, "no job is created without the lock")
}

func TestRun_InvalidConfig(t *testing.T) {
	repo := newFakeRepo()
	_, err := newTestRunner(repo, newFakeFetcher(t, 100), t).Run(context.Background(), Config{}, scoring.DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selection or identifiers")
	assert.Empty(t, repo.jobs)
}

func TestRun_MeterCountsOnlyThisJob(t *testing.T) {
	f := newFakeFetcher(t, 100)
	// Spend outside any job first.
	_, err := f.guard.Admit(context.Background(), "product_lookup")
	require.NoError(t, err)

	job, err := newTestRunner(newFakeRepo(), f, t).Run(context.Background(), Config{
		Identifiers: []string{"A", "B"},
	}, scoring.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, job.TokensUsed)
	assert.Equal(t, 97, f.guard.Status().Balance)
	assert.Nil(t, budget.MeterFrom(context.Background()))
}

func TestLockKey_Stable(t *testing.T) {
	a := LockKey([]byte(`{"discovery":{"domain":"US"}}`))
	assert.Equal(t, a, LockKey([]byte(`{"discovery":{"domain":"US"}}`)))
	assert.NotEqual(t, a, LockKey([]byte(`{"discovery":{"domain":"UK"}}`)))
	assert.Contains(t, a, "sourcing:discovery:")
}
