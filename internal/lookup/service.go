// Package lookup performs budget-guarded paid calls against the product-data
// API and turns the responses into snapshots and scores.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/budget"
	"github.com/sells-group/sourcing-cli/internal/cost"
	"github.com/sells-group/sourcing-cli/internal/extract"
	"github.com/sells-group/sourcing-cli/internal/monitoring"
	"github.com/sells-group/sourcing-cli/internal/resilience"
	"github.com/sells-group/sourcing-cli/internal/scoring"
	"github.com/sells-group/sourcing-cli/pkg/productdata"
)

// Item is one fetched product.
type Item struct {
	Identifier string                 `json:"identifier"`
	Payload    json.RawMessage        `json:"-"`
	Snapshot   extract.Snapshot       `json:"snapshot"`
	Resolved   scoring.ResolvedConfig `json:"-"`
	TokensLeft int                    `json:"tokens_left"`
}

// Scored is a fetched product with its score.
type Scored struct {
	Item
	AcquisitionCost decimal.Decimal `json:"acquisition_cost"`
	Score           scoring.Result  `json:"score"`
}

// Page is one page of product finder results.
type Page struct {
	Identifiers  []string `json:"identifiers"`
	TotalResults int      `json:"total_results"`
	TokensLeft   int      `json:"tokens_left"`
}

// Option configures the Service.
type Option func(*Service)

// WithRetry overrides the upstream retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(s *Service) { s.retry = cfg }
}

// WithBreakers sets the per-endpoint circuit breakers.
func WithBreakers(b *resilience.Breakers) Option {
	return func(s *Service) { s.breakers = b }
}

// WithStatsDays sets the stats window requested from upstream.
func WithStatsDays(days int) Option {
	return func(s *Service) { s.statsDays = days }
}

// WithClock overrides the clock used for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.nowFunc = now }
}

// Service routes every paid call through the budget guard.
type Service struct {
	client    productdata.Client
	guard     *budget.Guard
	scoring   scoring.Config
	retry     resilience.RetryConfig
	breakers  *resilience.Breakers
	statsDays int
	nowFunc   func() time.Time
}

// NewService creates a lookup service.
func NewService(client productdata.Client, guard *budget.Guard, scfg scoring.Config, opts ...Option) *Service {
	s := &Service{
		client:   client,
		guard:    guard,
		scoring:  scfg,
		retry:    resilience.DefaultRetryConfig(),
		breakers: resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig()),
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Guard returns the budget guard shared by every call path.
func (s *Service) Guard() *budget.Guard { return s.guard }

// Fetch buys one product lookup and extracts a snapshot from it.
func (s *Service) Fetch(ctx context.Context, identifier, domain string) (*Item, error) {
	req := productdata.ProductRequest{
		Domain:      domain,
		Identifiers: []string{identifier},
		StatsDays:   s.statsDays,
		History:     true,
	}
	resp, err := paidCall(ctx, s, cost.ActionProductLookup, productdata.EndpointProduct, identifier,
		func(ctx context.Context) (*productdata.ProductResponse, error) {
			return s.client.Product(ctx, req)
		},
		func(r *productdata.ProductResponse) int { return r.TokensLeft },
	)
	if err != nil {
		return nil, err
	}
	if len(resp.Products) == 0 {
		return nil, eris.Errorf("lookup: no product returned for %s", identifier)
	}

	payload := resp.Products[0]
	resolved := scoring.Resolve(s.scoring, domain, extract.Category(payload))
	snap := extract.Build(identifier, payload, resolved.ExtractOptions(s.nowFunc().UTC()))

	return &Item{
		Identifier: identifier,
		Payload:    payload,
		Snapshot:   snap,
		Resolved:   resolved,
		TokensLeft: resp.TokensLeft,
	}, nil
}

// Score fetches a product and scores it. A nil acquisitionCost uses the
// resolved acquisition policy.
func (s *Service) Score(ctx context.Context, identifier, domain string, acquisitionCost *decimal.Decimal) (*Scored, error) {
	item, err := s.Fetch(ctx, identifier, domain)
	if err != nil {
		return nil, err
	}
	acq := item.Resolved.Acquisition.Cost(item.Snapshot)
	if acquisitionCost != nil {
		acq = *acquisitionCost
	}
	return &Scored{
		Item:            *item,
		AcquisitionCost: acq,
		Score:           scoring.Score(item.Snapshot, acq, item.Resolved),
	}, nil
}

// Find buys one page of product finder results.
func (s *Service) Find(ctx context.Context, domain string, selection map[string]any, page, perPage int) (*Page, error) {
	req := productdata.QueryRequest{Domain: domain, Selection: selection, Page: page, PerPage: perPage}
	resp, err := paidCall(ctx, s, cost.ActionProductFinder, productdata.EndpointQuery, "",
		func(ctx context.Context) (*productdata.QueryResponse, error) {
			return s.client.Query(ctx, req)
		},
		func(r *productdata.QueryResponse) int { return r.TokensLeft },
	)
	if err != nil {
		return nil, err
	}
	return &Page{
		Identifiers:  resp.Identifiers,
		TotalResults: resp.TotalResults,
		TokensLeft:   resp.TokensLeft,
	}, nil
}

// paidCall runs fn with bounded retries. Every attempt is admitted by the
// guard first, so a retry is paid for like any other call; a denial ends the
// loop immediately. Successful responses reconcile the guard.
func paidCall[T any](
	ctx context.Context,
	s *Service,
	action, endpoint, identifier string,
	fn func(context.Context) (T, error),
	tokensLeft func(T) int,
) (T, error) {
	var zero T
	breaker := s.breakers.Get(endpoint)

	rc := s.retry
	rc.OnRetry = resilience.RetryLogger(endpoint, identifier)

	attempts := 0
	val, err := resilience.DoVal(ctx, rc, func(ctx context.Context) (T, error) {
		attempts++
		d, err := s.guard.Admit(ctx, action)
		if err != nil {
			return zero, err
		}
		if !d.Allowed {
			return zero, d.Err()
		}
		return resilience.ExecuteVal(ctx, breaker, fn)
	})
	if err != nil {
		monitoring.ObserveUpstream(endpoint, outcome(err))
		var ibe *budget.InsufficientBudgetError
		if errors.As(err, &ibe) {
			return zero, err
		}
		if resilience.IsTransient(err) {
			return zero, &resilience.UpstreamUnavailableError{Endpoint: endpoint, Attempts: attempts, Err: err}
		}
		return zero, eris.Wrapf(err, "lookup: %s %s", endpoint, identifier)
	}

	monitoring.ObserveUpstream(endpoint, "ok")
	left := tokensLeft(val)
	s.guard.Reconcile(left)
	zap.L().Debug("lookup: paid call complete",
		zap.String("endpoint", endpoint),
		zap.String("identifier", identifier),
		zap.Int("attempts", attempts),
		zap.Int("tokens_left", left),
	)
	return val, nil
}

func outcome(err error) string {
	var ibe *budget.InsufficientBudgetError
	var rl *resilience.RateLimitedError
	switch {
	case errors.As(err, &ibe):
		return "budget_denied"
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case resilience.IsTransient(err):
		return "unavailable"
	default:
		return "error"
	}
}
