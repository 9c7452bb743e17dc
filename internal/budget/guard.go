// Package budget implements admission control over the metered upstream token
// balance. A single Guard owns the balance estimate; every paid call is
// admitted through it first.
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/sourcing-cli/internal/cost"
	"github.com/sells-group/sourcing-cli/internal/monitoring"
)

// Reason explains why an admission was denied.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonInsufficient Reason = "insufficient_balance"
	ReasonCritical     Reason = "below_critical_threshold"
	ReasonUnverified   Reason = "balance_unverified"
)

// Level summarises the balance relative to the configured thresholds.
type Level string

const (
	LevelOK         Level = "ok"
	LevelWarning    Level = "warning"
	LevelCritical   Level = "critical"
	LevelUnverified Level = "unverified"
)

// BalanceSource fetches the authoritative remaining balance from upstream.
type BalanceSource interface {
	Balance(ctx context.Context) (int, error)
}

// Config controls the guard's thresholds and pacing.
type Config struct {
	// CriticalThreshold is the global safety floor. Below it every action is
	// denied regardless of its cost.
	CriticalThreshold int
	// WarningThreshold triggers a warning log when crossed downward.
	WarningThreshold int
	// RefillPerMinute is the pacing rate in calls per minute. Zero disables pacing.
	RefillPerMinute float64
	// Burst is the pacing bucket size. Default: 1.
	Burst int
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Action    string `json:"action"`
	Balance   int    `json:"balance"`
	Required  int    `json:"required"`
	Deficit   int    `json:"deficit"`
	Remaining int    `json:"remaining"`
	Reason    Reason `json:"reason,omitempty"`
}

// Err returns nil for an admitted decision and an *InsufficientBudgetError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &InsufficientBudgetError{
		Action:   d.Action,
		Current:  d.Balance,
		Required: d.Required,
		Deficit:  d.Deficit,
		Reason:   d.Reason,
	}
}

// Status is a point-in-time view of the guard.
type Status struct {
	Balance           int       `json:"balance"`
	Verified          bool      `json:"verified"`
	Level             Level     `json:"level"`
	CriticalThreshold int       `json:"critical_threshold"`
	WarningThreshold  int       `json:"warning_threshold"`
	LastReconciledAt  time.Time `json:"last_reconciled_at,omitzero"`
}

// Guard admits or denies paid actions against a local balance estimate that is
// kept in line with the upstream's authoritative balance.
type Guard struct {
	registry *cost.Registry
	source   BalanceSource
	limiter  *rate.Limiter

	mu               sync.Mutex
	balance          int
	verified         bool
	lastReconciledAt time.Time
	critical         int
	warning          int
	belowWarning     bool

	nowFunc func() time.Time
}

// NewGuard creates a guard. The balance starts unverified, so nothing is
// admitted until the first successful Reconcile or Refresh.
func NewGuard(registry *cost.Registry, source BalanceSource, cfg Config) *Guard {
	limit := rate.Inf
	if cfg.RefillPerMinute > 0 {
		limit = rate.Limit(cfg.RefillPerMinute / 60)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Guard{
		registry: registry,
		source:   source,
		limiter:  rate.NewLimiter(limit, burst),
		critical: cfg.CriticalThreshold,
		warning:  cfg.WarningThreshold,
		nowFunc:  time.Now,
	}
}

// CanPerform reports whether action would be admitted right now without
// reserving anything. Unknown actions return a *cost.UnknownActionError.
func (g *Guard) CanPerform(action string) (Decision, error) {
	a, err := g.registry.Lookup(action)
	if err != nil {
		return Decision{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decideLocked(a), nil
}

// Reserve atomically checks and, when admitted, decrements the balance by the
// action's cost before the paid call is dispatched.
func (g *Guard) Reserve(action string) (Decision, error) {
	a, err := g.registry.Lookup(action)
	if err != nil {
		return Decision{}, err
	}

	g.mu.Lock()
	d := g.decideLocked(a)
	if d.Allowed {
		g.balance -= a.Cost
		d.Remaining = g.balance
		g.checkWarningLocked()
	}
	balance := g.balance
	g.mu.Unlock()

	monitoring.ObserveDecision(a.Name, d.Allowed)
	monitoring.SetBudgetBalance(balance)
	if !d.Allowed {
		zap.L().Debug("budget: admission denied",
			zap.String("action", a.Name),
			zap.String("reason", string(d.Reason)),
			zap.Int("balance", d.Balance),
			zap.Int("required", d.Required),
		)
	}
	return d, nil
}

// Admit passes both gates for action: the budget check and then the pacing
// gate, followed by an atomic reservation. A denial is returned as a Decision,
// not an error; errors are reserved for unknown actions and cancellation.
func (g *Guard) Admit(ctx context.Context, action string) (Decision, error) {
	d, err := g.CanPerform(action)
	if err != nil {
		return Decision{}, err
	}
	if !d.Allowed {
		monitoring.ObserveDecision(d.Action, false)
		return d, nil
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return Decision{}, eris.Wrapf(err, "budget: pacing wait for %s", action)
	}

	d, err = g.Reserve(action)
	if err == nil && d.Allowed {
		if m := MeterFrom(ctx); m != nil {
			m.add(d.Required)
		}
	}
	return d, err
}

// Reconcile overwrites the local estimate with an authoritative balance.
// Reconciling twice with the same value leaves the estimate unchanged.
func (g *Guard) Reconcile(trueBalance int) {
	g.mu.Lock()
	prev := g.balance
	g.balance = trueBalance
	g.verified = true
	g.lastReconciledAt = g.nowFunc()
	g.checkWarningLocked()
	g.mu.Unlock()

	monitoring.SetBudgetBalance(trueBalance)
	if prev != trueBalance {
		zap.L().Debug("budget: reconciled",
			zap.Int("previous", prev),
			zap.Int("balance", trueBalance),
		)
	}
}

// Refresh fetches the authoritative balance and reconciles with it. If the
// fetch fails the guard fails closed: the estimate is marked unverified and
// every admission is denied until a later refresh or reconcile succeeds.
func (g *Guard) Refresh(ctx context.Context) error {
	if g.source == nil {
		return eris.New("budget: no balance source configured")
	}

	balance, err := g.source.Balance(ctx)
	if err != nil {
		g.mu.Lock()
		g.verified = false
		g.mu.Unlock()

		monitoring.ObserveReconcile(false)
		zap.L().Warn("budget: balance refresh failed, denying admissions until next success", zap.Error(err))
		return eris.Wrap(err, "budget: refresh balance")
	}

	monitoring.ObserveReconcile(true)
	g.Reconcile(balance)
	return nil
}

// RunReconciler refreshes the balance immediately and then every interval
// until ctx is done.
func (g *Guard) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	_ = g.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = g.Refresh(ctx)
		}
	}
}

// Status returns a snapshot of the guard state.
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Status{
		Balance:           g.balance,
		Verified:          g.verified,
		CriticalThreshold: g.critical,
		WarningThreshold:  g.warning,
		LastReconciledAt:  g.lastReconciledAt,
	}
	switch {
	case !g.verified:
		s.Level = LevelUnverified
	case g.balance < g.critical:
		s.Level = LevelCritical
	case g.balance < g.warning:
		s.Level = LevelWarning
	default:
		s.Level = LevelOK
	}
	return s
}

// decideLocked must be called with g.mu held.
func (g *Guard) decideLocked(a cost.Action) Decision {
	d := Decision{
		Action:   a.Name,
		Balance:  g.balance,
		Required: a.Cost,
	}

	need := a.Cost
	if g.critical > need {
		need = g.critical
	}
	if need > g.balance {
		d.Deficit = need - g.balance
	}

	switch {
	case !g.verified:
		d.Reason = ReasonUnverified
	case g.balance < g.critical:
		d.Reason = ReasonCritical
	case g.balance < a.Cost:
		d.Reason = ReasonInsufficient
	default:
		d.Allowed = true
		d.Deficit = 0
	}
	return d
}

// checkWarningLocked logs once each time the balance drops below the warning threshold.
func (g *Guard) checkWarningLocked() {
	below := g.balance < g.warning
	if below && !g.belowWarning {
		zap.L().Warn("budget: balance below warning threshold",
			zap.Int("balance", g.balance),
			zap.Int("warning_threshold", g.warning),
			zap.Int("critical_threshold", g.critical),
		)
	}
	g.belowWarning = below
}
