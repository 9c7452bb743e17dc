// Package alerts watches recent discovery jobs and the budget guard and posts
// webhook alerts when configured thresholds are breached.
package alerts

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sourcing-cli/internal/budget"
	"github.com/sells-group/sourcing-cli/internal/discovery"
)

// collectLimit caps how many recent jobs one collection scans.
const collectLimit = 1000

// Snapshot holds a point-in-time view of job and budget health.
type Snapshot struct {
	// Jobs created within the lookback window.
	JobsTotal        int     `json:"jobs_total"`
	JobsSucceeded    int     `json:"jobs_succeeded"`
	JobsFailed       int     `json:"jobs_failed"`
	JobsCancelled    int     `json:"jobs_cancelled"`
	JobsRunning      int     `json:"jobs_running"`
	JobsBudgetDenied int     `json:"jobs_budget_denied"`
	FailRate         float64 `json:"fail_rate"`
	TokensUsed       int     `json:"tokens_used"`
	ItemsTested      int     `json:"items_tested"`
	ItemsSelected    int     `json:"items_selected"`

	Budget budget.Status `json:"budget"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// JobLister is the slice of discovery.Repository the collector reads.
type JobLister interface {
	List(ctx context.Context, limit int) ([]discovery.Job, error)
}

// StatusSource reports the budget guard state. *budget.Guard implements it.
type StatusSource interface {
	Status() budget.Status
}

// Collector gathers snapshots from the job repository and the guard.
type Collector struct {
	jobs    JobLister
	budget  StatusSource
	nowFunc func() time.Time
}

// NewCollector creates a collector. guard may be nil.
func NewCollector(jobs JobLister, guard StatusSource) *Collector {
	return &Collector{jobs: jobs, budget: guard, nowFunc: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.nowFunc().UTC()
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	jobs, err := c.jobs.List(ctx, collectLimit)
	if err != nil {
		return nil, eris.Wrap(err, "alerts: list jobs")
	}

	for _, j := range jobs {
		if j.CreatedAt.Before(cutoff) {
			continue
		}
		snap.JobsTotal++
		switch j.Status {
		case discovery.StatusSuccess:
			snap.JobsSucceeded++
		case discovery.StatusError:
			snap.JobsFailed++
		case discovery.StatusCancelled:
			snap.JobsCancelled++
		case discovery.StatusRunning:
			snap.JobsRunning++
		}
		if j.StopReason == discovery.StopBudgetDenied {
			snap.JobsBudgetDenied++
		}
		snap.TokensUsed += j.TokensUsed
		snap.ItemsTested += j.TotalTested
		snap.ItemsSelected += j.TotalSelected
	}

	if finished := snap.JobsSucceeded + snap.JobsFailed; finished > 0 {
		snap.FailRate = float64(snap.JobsFailed) / float64(finished)
	}
	if c.budget != nil {
		snap.Budget = c.budget.Status()
	}
	return snap, nil
}
