package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/sourcing-cli/internal/budget"
	"github.com/sells-group/sourcing-cli/internal/cost"
	"github.com/sells-group/sourcing-cli/internal/extract"
	"github.com/sells-group/sourcing-cli/internal/monitoring"
	"github.com/sells-group/sourcing-cli/internal/scoring"
)

// DefaultWriteTimeout bounds the terminal writes made after a run stops.
const DefaultWriteTimeout = 30 * time.Second

var errMaxDuration = errors.New("discovery: max duration reached")

// JobTimeoutError is returned by Run when a job hits its wall-clock limit.
// The job's terminal status and partial results are already persisted when
// it is returned.
type JobTimeoutError struct {
	JobID   string
	Limit   time.Duration
	Elapsed time.Duration
}

func (e *JobTimeoutError) Error() string {
	return fmt.Sprintf("discovery: job %s timed out after %s (limit %s)",
		e.JobID, e.Elapsed.Round(time.Millisecond), e.Limit)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLocker enables the cross-process job lock.
func WithLocker(l Locker) RunnerOption {
	return func(r *Runner) { r.locker = l }
}

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.writeTimeout = d }
}

// WithRunnerClock overrides the clock used for job timestamps.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.nowFunc = now }
}

// Runner executes discovery jobs.
type Runner struct {
	repo         Repository
	fetcher      Fetcher
	registry     *cost.Registry
	locker       Locker
	writeTimeout time.Duration
	nowFunc      func() time.Time

	mu     sync.Mutex
	active map[string]*run
}

// NewRunner creates a Runner.
func NewRunner(repo Repository, fetcher Fetcher, registry *cost.Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		repo:         repo,
		fetcher:      fetcher,
		registry:     registry,
		writeTimeout: DefaultWriteTimeout,
		nowFunc:      time.Now,
		active:       make(map[string]*run),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Estimate projects the tokens a run of cfg would spend at most.
func (r *Runner) Estimate(cfg Config) (int, error) {
	return EstimateCost(cfg, r.registry)
}

// Cancel asks an active job to stop. Items already calling upstream finish;
// no new items are admitted.
func (r *Runner) Cancel(jobID string) error {
	r.mu.Lock()
	rn, ok := r.active[jobID]
	r.mu.Unlock()
	if !ok {
		return eris.Wrapf(ErrNotFound, "no active job %s", jobID)
	}
	rn.stop(StopCancelled)
	return nil
}

// run is the state of one executing job.
type run struct {
	job  *Job
	cfg  Config
	scfg scoring.Config
	log  *zap.Logger

	stopMu  sync.Mutex
	reason  StopReason
	claimed atomic.Int64

	mu       sync.Mutex
	pending  []ItemResult
	tested   int
	selected int
	failed   int
}

// stop records why the run stops. The first reason wins, except that
// max_items only ends claiming and yields to any later hard stop.
func (rn *run) stop(reason StopReason) {
	rn.stopMu.Lock()
	defer rn.stopMu.Unlock()
	if rn.reason == reason || (rn.reason != "" && rn.reason != StopMaxItems) {
		return
	}
	rn.reason = reason
	rn.log.Info("discovery: stopping", zap.String("stop_reason", string(reason)))
}

func (rn *run) stopReason() StopReason {
	rn.stopMu.Lock()
	defer rn.stopMu.Unlock()
	if rn.reason == "" {
		return StopCompleted
	}
	return rn.reason
}

// halted reports whether the run has stopped for any reason. A done context
// stops it with timeout or cancelled.
func (rn *run) halted(ctx context.Context) bool {
	if ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), errMaxDuration) {
			rn.stop(StopTimeout)
		} else {
			rn.stop(StopCancelled)
		}
	}
	return rn.stopReason() != StopCompleted
}

// blocked reports whether an already claimed item must not be admitted.
// Reaching MaxItems does not block claimed items.
func (rn *run) blocked(ctx context.Context) bool {
	return rn.halted(ctx) && rn.stopReason() != StopMaxItems
}

func (rn *run) claim() bool {
	if rn.claimed.Add(1) > int64(rn.cfg.MaxItems) {
		rn.claimed.Add(-1)
		return false
	}
	return true
}

func (rn *run) full() bool {
	return rn.claimed.Load() >= int64(rn.cfg.MaxItems)
}

// add records a result and returns a batch once BatchSize results are pending.
func (rn *run) add(res ItemResult) []ItemResult {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.tested++
	if res.Error != "" {
		rn.failed++
	}
	if res.Selected {
		rn.selected++
	}
	rn.pending = append(rn.pending, res)
	if len(rn.pending) < rn.cfg.BatchSize {
		return nil
	}
	batch := rn.pending
	rn.pending = nil
	return batch
}

func (rn *run) countError() {
	rn.mu.Lock()
	rn.failed++
	rn.mu.Unlock()
}

func (rn *run) requeue(batch []ItemResult) {
	rn.mu.Lock()
	rn.pending = append(batch, rn.pending...)
	rn.mu.Unlock()
}

func (rn *run) drain() []ItemResult {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	batch := rn.pending
	rn.pending = nil
	return batch
}

// progress copies the job with the current counters.
func (rn *run) progress() Job {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	j := *rn.job
	j.TotalTested = rn.tested
	j.TotalSelected = rn.selected
	j.ErrorCount = rn.failed
	return j
}

// Run executes one discovery job to a terminal status. The returned job is
// non-nil once the job has been created. A job that exceeds MaxDuration is
// persisted as error with stop reason timeout and Run returns
// *JobTimeoutError.
func (r *Runner) Run(ctx context.Context, dcfg Config, scfg scoring.Config) (*Job, error) {
	dcfg = dcfg.WithDefaults()
	if err := dcfg.Validate(); err != nil {
		return nil, err
	}
	estimated, err := r.Estimate(dcfg)
	if err != nil {
		return nil, eris.Wrap(err, "discovery: estimate cost")
	}
	snapshot, err := json.Marshal(struct {
		Discovery Config         `json:"discovery"`
		Scoring   scoring.Config `json:"scoring"`
	}{dcfg, scfg})
	if err != nil {
		return nil, eris.Wrap(err, "discovery: marshal config snapshot")
	}

	if r.locker != nil {
		release, err := r.locker.Acquire(ctx, LockKey(snapshot), dcfg.MaxDuration+r.writeTimeout)
		if err != nil {
			return nil, eris.Wrap(err, "discovery: acquire job lock")
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				zap.L().Warn("discovery: release job lock", zap.Error(err))
			}
		}()
	}

	job := &Job{
		ID:              uuid.NewString(),
		Status:          StatusPending,
		ConfigSnapshot:  snapshot,
		TokensEstimated: estimated,
		CreatedAt:       r.nowFunc().UTC(),
	}
	if err := r.repo.Create(ctx, job); err != nil {
		return nil, eris.Wrap(err, "discovery: create job")
	}
	started := r.nowFunc()
	if err := job.Transition(StatusRunning, started.UTC()); err != nil {
		return job, err
	}
	if err := r.repo.UpdateStatus(ctx, job); err != nil {
		return job, eris.Wrapf(err, "discovery: start job %s", job.ID)
	}

	rn := &run{
		job:  job,
		cfg:  dcfg,
		scfg: scfg,
		log:  zap.L().With(zap.String("job_id", job.ID)),
	}
	r.mu.Lock()
	r.active[job.ID] = rn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, job.ID)
		r.mu.Unlock()
	}()

	rn.log.Info("discovery: job started",
		zap.String("domain", dcfg.Domain),
		zap.Int("tokens_estimated", estimated),
		zap.Int("max_items", dcfg.MaxItems),
		zap.Duration("max_duration", dcfg.MaxDuration),
	)

	meter := &budget.Meter{}
	runCtx, cancel := context.WithTimeoutCause(ctx, dcfg.MaxDuration, errMaxDuration)
	defer cancel()
	runCtx = budget.WithMeter(runCtx, meter)

	r.execute(runCtx, rn)
	rn.halted(runCtx)

	return r.finish(ctx, rn, meter, started)
}

// execute feeds seeds and finder results to a bounded worker pool until the
// sources are exhausted or the run stops.
func (r *Runner) execute(ctx context.Context, rn *run) {
	var g errgroup.Group
	g.SetLimit(rn.cfg.Concurrency)
	seen := make(map[string]struct{})

	submit := func(id string) bool {
		if rn.halted(ctx) {
			return false
		}
		if _, dup := seen[id]; dup || id == "" {
			return true
		}
		if !rn.claim() {
			rn.stop(StopMaxItems)
			return false
		}
		seen[id] = struct{}{}
		g.Go(func() error {
			r.processItem(ctx, rn, id)
			return nil
		})
		return true
	}

	r.produce(ctx, rn, submit)
	_ = g.Wait()
}

func (r *Runner) produce(ctx context.Context, rn *run, submit func(string) bool) {
	for _, id := range rn.cfg.Identifiers {
		if !submit(id) {
			return
		}
	}

	for page := range rn.cfg.finderPages() {
		if rn.halted(ctx) {
			return
		}
		if rn.full() {
			rn.stop(StopMaxItems)
			return
		}
		p, err := r.fetcher.Find(ctx, rn.cfg.Domain, rn.cfg.Selection, page, rn.cfg.PerPage)
		if err != nil {
			var ibe *budget.InsufficientBudgetError
			switch {
			case errors.As(err, &ibe):
				rn.stop(StopBudgetDenied)
			case ctx.Err() != nil:
			default:
				rn.countError()
				monitoring.ObserveItem("finder_error")
				rn.log.Warn("discovery: finder page failed", zap.Int("page", page), zap.Error(err))
			}
			return
		}
		for _, id := range p.Identifiers {
			if !submit(id) {
				return
			}
		}
		if len(p.Identifiers) < rn.cfg.PerPage || (page+1)*rn.cfg.PerPage >= p.TotalResults {
			return
		}
	}
}

func (r *Runner) processItem(ctx context.Context, rn *run, id string) {
	if rn.blocked(ctx) {
		return
	}

	item, err := r.fetcher.Fetch(ctx, id, rn.cfg.Domain)
	if err != nil {
		var ibe *budget.InsufficientBudgetError
		switch {
		case errors.As(err, &ibe):
			rn.stop(StopBudgetDenied)
			monitoring.ObserveItem("budget_denied")
			return
		case ctx.Err() != nil:
			// Interrupted mid-flight by timeout or cancellation.
			return
		}
		rn.log.Warn("discovery: item failed", zap.String("identifier", id), zap.Error(err))
		monitoring.ObserveItem("error")
		r.record(ctx, rn, ItemResult{
			JobID:      rn.job.ID,
			Identifier: id,
			Error:      err.Error(),
			CreatedAt:  r.nowFunc().UTC(),
		})
		return
	}

	// Score under this run's scoring config, which may differ from the
	// fetcher's.
	resolved := scoring.Resolve(rn.scfg, rn.cfg.Domain, extract.Category(item.Payload))
	snap := extract.Build(id, item.Payload, resolved.ExtractOptions(item.Snapshot.FetchedAt))
	acq := resolved.Acquisition.Cost(snap)
	if rn.cfg.AcquisitionCost != nil {
		acq = *rn.cfg.AcquisitionCost
	}
	score := scoring.Score(snap, acq, resolved)
	selected := score.Tier != scoring.TierSkip && score.Tier.AtLeast(rn.cfg.MinTier)
	if selected {
		monitoring.ObserveItem("selected")
	} else {
		monitoring.ObserveItem("rejected")
	}

	r.record(ctx, rn, ItemResult{
		JobID:      rn.job.ID,
		Identifier: id,
		Snapshot:   &snap,
		Score:      &score,
		Selected:   selected,
		CreatedAt:  r.nowFunc().UTC(),
	})
}

func (r *Runner) record(ctx context.Context, rn *run, res ItemResult) {
	batch := rn.add(res)
	if batch == nil {
		return
	}
	if err := r.repo.AppendResults(ctx, rn.job.ID, batch); err != nil {
		rn.log.Warn("discovery: append results failed, retrying at finish",
			zap.Int("results", len(batch)), zap.Error(err))
		rn.requeue(batch)
		return
	}
	progress := rn.progress()
	if err := r.repo.UpdateStatus(ctx, &progress); err != nil {
		rn.log.Warn("discovery: progress update failed", zap.Error(err))
	}
}

// finish writes pending results and the terminal status. It uses a context
// detached from the run so a timed-out or cancelled job is still persisted.
func (r *Runner) finish(ctx context.Context, rn *run, meter *budget.Meter, started time.Time) (*Job, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()

	job := rn.job
	reason := rn.stopReason()
	elapsed := r.nowFunc().Sub(started)

	var flushErr error
	if batch := rn.drain(); len(batch) > 0 {
		if err := r.repo.AppendResults(wctx, job.ID, batch); err != nil {
			flushErr = eris.Wrapf(err, "discovery: append final results for job %s", job.ID)
		}
	}

	p := rn.progress()
	job.TotalTested, job.TotalSelected, job.ErrorCount = p.TotalTested, p.TotalSelected, p.ErrorCount
	job.TokensUsed = meter.Spent()
	job.StopReason = reason

	var timeoutErr *JobTimeoutError
	status := StatusSuccess
	switch {
	case reason == StopTimeout:
		timeoutErr = &JobTimeoutError{JobID: job.ID, Limit: rn.cfg.MaxDuration, Elapsed: elapsed}
		status = StatusError
		job.Error = timeoutErr.Error()
	case reason == StopCancelled:
		status = StatusCancelled
	case flushErr != nil:
		status = StatusError
		job.Error = flushErr.Error()
	}

	if err := job.Transition(status, r.nowFunc().UTC()); err != nil {
		return job, err
	}
	if err := r.repo.UpdateStatus(wctx, job); err != nil {
		return job, eris.Wrapf(err, "discovery: finish job %s", job.ID)
	}

	monitoring.ObserveJob(string(status), string(reason), elapsed)
	rn.log.Info("discovery: job finished",
		zap.String("status", string(status)),
		zap.String("stop_reason", string(reason)),
		zap.Int("total_tested", job.TotalTested),
		zap.Int("total_selected", job.TotalSelected),
		zap.Int("error_count", job.ErrorCount),
		zap.Int("tokens_estimated", job.TokensEstimated),
		zap.Int("tokens_used", job.TokensUsed),
		zap.Duration("elapsed", elapsed),
	)

	if timeoutErr != nil {
		return job, timeoutErr
	}
	return job, flushErr
}

// LockKey derives the job lock key from a config snapshot.
func LockKey(snapshot []byte) string {
	sum := sha256.Sum256(snapshot)
	return "sourcing:discovery:" + hex.EncodeToString(sum[:16])
}
