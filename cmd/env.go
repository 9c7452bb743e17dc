package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/budget"
	"github.com/sells-group/sourcing-cli/internal/cost"
	"github.com/sells-group/sourcing-cli/internal/discovery"
	"github.com/sells-group/sourcing-cli/internal/joblock"
	"github.com/sells-group/sourcing-cli/internal/lookup"
	"github.com/sells-group/sourcing-cli/internal/resilience"
	"github.com/sells-group/sourcing-cli/internal/scoring"
	"github.com/sells-group/sourcing-cli/internal/store"
	"github.com/sells-group/sourcing-cli/pkg/productdata"
)

// appEnv holds the clients, guard and services a command needs.
type appEnv struct {
	Registry *cost.Registry
	Guard    *budget.Guard
	Scoring  scoring.Config
	Lookup   *lookup.Service
	Store    store.Store       // nil unless requested
	Runner   *discovery.Runner // nil unless a store was requested
	redis    *redis.Client
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// envOptions selects the optional parts of the environment.
type envOptions struct {
	// offline skips the upstream client and the initial balance refresh.
	offline bool
	store   bool
}

// initEnv builds the registry, guard, lookup service and, when asked, the
// job store and runner. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string, opts envOptions) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	reg, err := cost.NewRegistry(cfg.Budget.Actions)
	if err != nil {
		return nil, eris.Wrap(err, "init: action costs")
	}
	scfg, err := cfg.Scoring.Load()
	if err != nil {
		return nil, err
	}

	env := &appEnv{Registry: reg, Scoring: *scfg}

	if !opts.offline {
		client := productdata.NewClient(cfg.Upstream.Key,
			productdata.WithBaseURL(cfg.Upstream.BaseURL),
			productdata.WithTimeout(cfg.Upstream.Timeout()),
		)
		env.Guard = budget.NewGuard(reg, productdata.BalanceSource{Client: client}, cfg.Budget.Guard())
		if err := env.Guard.Refresh(ctx); err != nil {
			// The guard stays unverified and denies every paid call until a
			// later refresh succeeds.
			zap.L().Warn("init: initial balance refresh failed", zap.Error(err))
		}
		env.Lookup = lookup.NewService(client, env.Guard, env.Scoring,
			lookup.WithRetry(cfg.Retry.RetryConfig()),
			lookup.WithBreakers(resilience.NewBreakers(cfg.Circuit.CircuitConfig())),
			lookup.WithStatsDays(cfg.Upstream.StatsDays),
		)
	}

	if opts.store {
		st, err := store.Open(ctx, cfg.Store.Open())
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "init: open store")
		}
		env.Store = st

		if env.Lookup != nil {
			runnerOpts := []discovery.RunnerOption{
				discovery.WithWriteTimeout(cfg.Discovery.WriteTimeout()),
			}
			if cfg.Redis.Addr != "" {
				rdb, err := joblock.Dial(ctx, cfg.Redis.Lock())
				if err != nil {
					env.Close()
					return nil, err
				}
				env.redis = rdb
				runnerOpts = append(runnerOpts, discovery.WithLocker(joblock.New(rdb)))
			}
			env.Runner = discovery.NewRunner(st, env.Lookup, reg, runnerOpts...)
		}
	}

	return env, nil
}
