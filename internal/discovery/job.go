// Package discovery runs bounded discover-then-score jobs against the paid
// product-data API under the shared budget guard.
package discovery

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sourcing-cli/internal/extract"
	"github.com/sells-group/sourcing-cli/internal/scoring"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// StopReason records why a job stopped issuing paid calls.
type StopReason string

const (
	StopCompleted    StopReason = "completed"
	StopMaxItems     StopReason = "max_items"
	StopBudgetDenied StopReason = "budget_denied"
	StopTimeout      StopReason = "timeout"
	StopCancelled    StopReason = "cancelled"
)

var (
	// ErrTerminal is returned when changing a job that already reached a
	// terminal status.
	ErrTerminal = eris.New("discovery: job is in a terminal status")
	// ErrNotFound is returned by repositories for an unknown job ID.
	ErrNotFound = eris.New("discovery: job not found")
)

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusError || to == StatusCancelled
	case StatusRunning:
		return to == StatusSuccess || to == StatusError || to == StatusCancelled
	}
	return false
}

// Job is one discovery run and its counters.
type Job struct {
	ID              string          `json:"id"`
	Status          Status          `json:"status"`
	ConfigSnapshot  json.RawMessage `json:"config_snapshot"`
	TotalTested     int             `json:"total_tested"`
	TotalSelected   int             `json:"total_selected"`
	TokensEstimated int             `json:"tokens_estimated"`
	TokensUsed      int             `json:"tokens_used"`
	ErrorCount      int             `json:"error_count"`
	StopReason      StopReason      `json:"stop_reason,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// Transition moves the job to status to and stamps the matching timestamp.
func (j *Job) Transition(to Status, at time.Time) error {
	if j.Status.Terminal() {
		return eris.Wrapf(ErrTerminal, "job %s is %s", j.ID, j.Status)
	}
	if !CanTransition(j.Status, to) {
		return eris.Errorf("discovery: invalid transition %s -> %s for job %s", j.Status, to, j.ID)
	}
	j.Status = to
	switch {
	case to == StatusRunning:
		j.StartedAt = &at
	case to.Terminal():
		j.FinishedAt = &at
	}
	return nil
}

// ItemResult is the outcome for one tested identifier.
type ItemResult struct {
	JobID      string            `json:"job_id"`
	Identifier string            `json:"identifier"`
	Snapshot   *extract.Snapshot `json:"snapshot,omitempty"`
	Score      *scoring.Result   `json:"score,omitempty"`
	Selected   bool              `json:"selected"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
