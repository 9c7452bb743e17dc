package discovery

import (
	"context"
	"time"

	"github.com/sells-group/sourcing-cli/internal/lookup"
)

// Repository persists jobs and their item results. Implementations must be
// safe for concurrent use.
type Repository interface {
	// Create inserts a new job.
	Create(ctx context.Context, job *Job) error
	// UpdateStatus writes the job's status, counters and timestamps. It
	// returns ErrTerminal when the stored job is already terminal.
	UpdateStatus(ctx context.Context, job *Job) error
	// AppendResults adds item results to a job.
	AppendResults(ctx context.Context, jobID string, results []ItemResult) error
	Get(ctx context.Context, id string) (*Job, error)
	ListResults(ctx context.Context, jobID string, opts ListOpts) ([]ItemResult, error)
	List(ctx context.Context, limit int) ([]Job, error)
}

// ListOpts filters ListResults.
type ListOpts struct {
	SelectedOnly bool
	Limit        int
	Offset       int
}

// Fetcher is the paid product-data surface a run needs. *lookup.Service
// implements it.
type Fetcher interface {
	Find(ctx context.Context, domain string, selection map[string]any, page, perPage int) (*lookup.Page, error)
	Fetch(ctx context.Context, identifier, domain string) (*lookup.Item, error)
}

// Locker serialises runs of the same discovery across processes.
type Locker interface {
	// Acquire takes key for at most ttl. The returned func releases it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}
