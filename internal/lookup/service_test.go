package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sourcing-cli/internal/budget"
	"github.com/sells-group/sourcing-cli/internal/cost"
	"github.com/sells-group/sourcing-cli/internal/extract"
	"github.com/sells-group/sourcing-cli/internal/resilience"
	"github.com/sells-group/sourcing-cli/internal/scoring"
	"github.com/sells-group/sourcing-cli/pkg/productdata"
	"github.com/sells-group/sourcing-cli/pkg/productdata/mocks"
)

var fixedNow = time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

const bookPayload = `{
	"identifier": "0451526538", "domain": "US", "root_category": "Books",
	"stats": {"current": {"sales_rank": 120, "buy_box": 4000, "new": 3800, "used": 1500}}
}`

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func newGuard(t *testing.T, balance int) *budget.Guard {
	t.Helper()
	reg, err := cost.NewRegistry(nil)
	require.NoError(t, err)
	g := budget.NewGuard(reg, nil, budget.Config{})
	g.Reconcile(balance)
	return g
}

func newService(t *testing.T, client productdata.Client, g *budget.Guard) *Service {
	t.Helper()
	return NewService(client, g, scoring.DefaultConfig(),
		WithRetry(fastRetry()),
		WithBreakers(resilience.NewBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 100})),
		WithClock(func() time.Time { return fixedNow }),
	)
}

func productResp(tokensLeft int) *productdata.ProductResponse {
	return &productdata.ProductResponse{
		TokenStatus: productdata.TokenStatus{TokensLeft: tokensLeft},
		Products:    []json.RawMessage{json.RawMessage(bookPayload)},
	}
}

var err502 = resilience.NewTransientError(errors.New("bad gateway"), 502)

func TestFetch_ReconcilesAndExtracts(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Product", mock.Anything, mock.MatchedBy(func(r productdata.ProductRequest) bool {
		return r.Domain == "US" && len(r.Identifiers) == 1 && r.Identifiers[0] == "0451526538" && r.History
	})).Return(productResp(777), nil).Once()

	g := newGuard(t, 1000)
	item, err := newService(t, client, g).Fetch(context.Background(), "0451526538", "US")
	require.NoError(t, err)

	assert.Equal(t, 777, g.Status().Balance, "the response balance is authoritative")
	assert.Equal(t, 777, item.TokensLeft)
	require.NotNil(t, item.Snapshot.Rank.Value)
	assert.Equal(t, 120, *item.Snapshot.Rank.Value)
	assert.Equal(t, "40", item.Snapshot.Prices.Primary.Value.String())
	assert.Equal(t, "Books", item.Resolved.Category)
	assert.Equal(t, fixedNow, item.Snapshot.FetchedAt)
}

func TestFetch_BudgetDenialMakesNoCall(t *testing.T) {
	client := mocks.NewMockClient(t)
	g := newGuard(t, 0)

	_, err := newService(t, client, g).Fetch(context.Background(), "0451526538", "US")
	require.Error(t, err)

	var ibe *budget.InsufficientBudgetError
	require.True(t, errors.As(err, &ibe))
	assert.Equal(t, cost.ActionProductLookup, ibe.Action)
	client.AssertNotCalled(t, "Product", mock.Anything, mock.Anything)
}

func TestFetch_EveryRetryIsAdmitted(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Product", mock.Anything, mock.Anything).Return(nil, err502).Times(2)

	g := newGuard(t, 2)
	_, err := newService(t, client, g).Fetch(context.Background(), "0451526538", "US")
	require.Error(t, err)

	var ibe *budget.InsufficientBudgetError
	assert.True(t, errors.As(err, &ibe), "the third attempt is denied by the guard")
	assert.Equal(t, 0, g.Status().Balance)
	client.AssertNumberOfCalls(t, "Product", 2)
}

func TestFetch_UnavailableAfterRetries(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Product", mock.Anything, mock.Anything).Return(nil, err502).Times(3)

	_, err := newService(t, client, newGuard(t, 100)).Fetch(context.Background(), "X1", "US")
	require.Error(t, err)

	var ue *resilience.UpstreamUnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 3, ue.Attempts)
	assert.Equal(t, productdata.EndpointProduct, ue.Endpoint)
}

func TestFetch_RateLimitedThenSuccess(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Product", mock.Anything, mock.Anything).
		Return(nil, &resilience.RateLimitedError{Endpoint: "product", RetryAfter: 20 * time.Millisecond}).Once()
	client.On("Product", mock.Anything, mock.Anything).Return(productResp(50), nil).Once()

	start := time.Now()
	item, err := newService(t, client, newGuard(t, 100)).Fetch(context.Background(), "X1", "US")
	require.NoError(t, err)
	assert.Equal(t, 50, item.TokensLeft)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestFetch_PermanentErrorNotRetried(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Product", mock.Anything, mock.Anything).Return(nil, errors.New("productdata: product unexpected status 400")).Once()

	g := newGuard(t, 100)
	_, err := newService(t, client, g).Fetch(context.Background(), "X1", "US")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lookup: product X1")
	assert.Equal(t, 99, g.Status().Balance)
}

func TestFetch_NoProducts(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Product", mock.Anything, mock.Anything).
		Return(&productdata.ProductResponse{TokenStatus: productdata.TokenStatus{TokensLeft: 9}}, nil).Once()

	_, err := newService(t, client, newGuard(t, 10)).Fetch(context.Background(), "X1", "US")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no product returned")
}

func TestFetch_MalformedPayloadDegrades(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Product", mock.Anything, mock.Anything).Return(&productdata.ProductResponse{
		TokenStatus: productdata.TokenStatus{TokensLeft: 9},
		Products:    []json.RawMessage{json.RawMessage(`{"stats": "garbage"}`)},
	}, nil).Once()

	item, err := newService(t, client, newGuard(t, 10)).Fetch(context.Background(), "X1", "US")
	require.NoError(t, err)
	assert.False(t, item.Snapshot.Rank.Present())
	assert.Equal(t, extract.Missing(), item.Snapshot.ExtractionSource)
}

func TestScore(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Product", mock.Anything, mock.Anything).Return(productResp(500), nil).Twice()
	svc := newService(t, client, newGuard(t, 1000))

	res, err := svc.Score(context.Background(), "0451526538", "US", nil)
	require.NoError(t, err)
	// Default policy buys at 25% of the 40.00 buy box.
	assert.Equal(t, "10", res.AcquisitionCost.String())
	assert.Equal(t, scoring.ROIOK, res.Score.ROI.Status)
	assert.Equal(t, scoring.TierStrongBuy, res.Score.Tier)

	zero := decimal.Zero
	res, err = svc.Score(context.Background(), "0451526538", "US", &zero)
	require.NoError(t, err)
	assert.Equal(t, scoring.ROIZeroCost, res.Score.ROI.Status)
	assert.Equal(t, scoring.TierSkip, res.Score.Tier)
}

func TestFind(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Query", mock.Anything, mock.MatchedBy(func(r productdata.QueryRequest) bool {
		return r.Page == 1 && r.PerPage == 50
	})).Return(&productdata.QueryResponse{
		TokenStatus:  productdata.TokenStatus{TokensLeft: 80},
		Identifiers:  []string{"A", "B"},
		TotalResults: 2,
	}, nil).Once()

	g := newGuard(t, 100)
	page, err := newService(t, client, g).Find(context.Background(), "US", map[string]any{"root_category": "Books"}, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, page.Identifiers)
	assert.Equal(t, 80, g.Status().Balance)
}

func TestFind_DeniedBelowFinderCost(t *testing.T) {
	client := mocks.NewMockClient(t)
	g := newGuard(t, 9)

	_, err := newService(t, client, g).Find(context.Background(), "US", nil, 0, 0)
	var ibe *budget.InsufficientBudgetError
	require.True(t, errors.As(err, &ibe))
	assert.Equal(t, 1, ibe.Deficit)
}
