package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetBudgetBalance(t *testing.T) {
	SetBudgetBalance(42)
	assert.InDelta(t, 42.0, testutil.ToFloat64(budgetBalance), 0.001)
}

func TestObserveDecision(t *testing.T) {
	before := testutil.ToFloat64(budgetDecisions.WithLabelValues("product_lookup", "denied"))
	ObserveDecision("product_lookup", false)
	ObserveDecision("product_lookup", true)
	assert.InDelta(t, before+1, testutil.ToFloat64(budgetDecisions.WithLabelValues("product_lookup", "denied")), 0.001)
}

func TestObserveReconcile(t *testing.T) {
	before := testutil.ToFloat64(budgetReconciles.WithLabelValues("failed"))
	ObserveReconcile(false)
	assert.InDelta(t, before+1, testutil.ToFloat64(budgetReconciles.WithLabelValues("failed")), 0.001)
}

func TestObserveJobAndItems(t *testing.T) {
	before := testutil.ToFloat64(jobsTotal.WithLabelValues("success", "budget_denied"))
	ObserveJob("success", "budget_denied", 3*time.Second)
	assert.InDelta(t, before+1, testutil.ToFloat64(jobsTotal.WithLabelValues("success", "budget_denied")), 0.001)

	ObserveItem("selected")
	ObserveUpstream("product", "ok")
	assert.Positive(t, testutil.ToFloat64(jobItems.WithLabelValues("selected")))
	assert.Positive(t, testutil.ToFloat64(upstreamRequests.WithLabelValues("product", "ok")))
}

func TestHandler(t *testing.T) {
	SetBudgetBalance(7)
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "sourcing_budget_balance_tokens 7")
	assert.Contains(t, rr.Body.String(), "sourcing_discovery_jobs_total")
}
