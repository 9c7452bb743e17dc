// Package store provides discovery job repositories backed by memory, SQLite
// and Postgres.
package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sourcing-cli/internal/db"
	"github.com/sells-group/sourcing-cli/internal/discovery"
	"github.com/sells-group/sourcing-cli/internal/extract"
	"github.com/sells-group/sourcing-cli/internal/scoring"
)

// Store is a discovery.Repository with a lifecycle.
type Store interface {
	discovery.Repository
	Migrate(ctx context.Context) error
	Close() error
}

// Config selects and configures the backing store.
type Config struct {
	Driver      string         `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string         `yaml:"database_url" mapstructure:"database_url"`
	Pool        *db.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// Open returns the store named by cfg.Driver ("memory", "sqlite" or
// "postgres"). The schema is migrated before returning.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		s, err = NewSQLite(cfg.DatabaseURL)
	case "postgres":
		s, err = NewPostgres(ctx, cfg.DatabaseURL, cfg.Pool)
	case "memory":
		s = NewMemory()
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

const defaultListLimit = 100

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

// notTerminal is the SQL guard UpdateStatus applies to the stored status.
const notTerminal = `status NOT IN ('success', 'error', 'cancelled')`

// statusConflict maps a guarded update that touched no rows to ErrNotFound
// or ErrTerminal.
func statusConflict(jobID string, exists bool) error {
	if !exists {
		return eris.Wrapf(discovery.ErrNotFound, "job %s", jobID)
	}
	return eris.Wrapf(discovery.ErrTerminal, "job %s", jobID)
}

func encodeResult(r discovery.ItemResult) (snapshot, score []byte, err error) {
	if r.Snapshot != nil {
		if snapshot, err = json.Marshal(r.Snapshot); err != nil {
			return nil, nil, eris.Wrapf(err, "store: marshal snapshot %s", r.Identifier)
		}
	}
	if r.Score != nil {
		if score, err = json.Marshal(r.Score); err != nil {
			return nil, nil, eris.Wrapf(err, "store: marshal score %s", r.Identifier)
		}
	}
	return snapshot, score, nil
}

func decodeResult(r *discovery.ItemResult, snapshot, score []byte) error {
	if len(snapshot) > 0 {
		r.Snapshot = &extract.Snapshot{}
		if err := json.Unmarshal(snapshot, r.Snapshot); err != nil {
			return eris.Wrapf(err, "store: unmarshal snapshot %s", r.Identifier)
		}
	}
	if len(score) > 0 {
		r.Score = &scoring.Result{}
		if err := json.Unmarshal(score, r.Score); err != nil {
			return eris.Wrapf(err, "store: unmarshal score %s", r.Identifier)
		}
	}
	return nil
}
