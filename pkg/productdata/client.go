// Package productdata is a client for the metered product-data API. Every
// response reports the caller's remaining token balance.
package productdata

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sourcing-cli/internal/resilience"
)

const (
	defaultBaseURL   = "https://api.productdata.example"
	defaultStatsDays = 90

	// EndpointProduct is the product lookup endpoint.
	EndpointProduct = "product"
	// EndpointQuery is the product finder endpoint.
	EndpointQuery = "query"
	// EndpointToken reports the token balance without spending any.
	EndpointToken = "token"
)

// Client talks to the product-data API.
type Client interface {
	Product(ctx context.Context, req ProductRequest) (*ProductResponse, error)
	Query(ctx context.Context, req QueryRequest) (*QueryResponse, error)
	Token(ctx context.Context) (*TokenStatus, error)
}

// ProductRequest asks for one or more products by identifier.
type ProductRequest struct {
	Domain      string
	Identifiers []string
	// StatsDays is the stats window in days. Zero uses 90.
	StatsDays int
	History   bool
	// Offers requests marketplace offers, which costs more per product.
	Offers int
}

// TokenStatus is the balance block every response carries.
type TokenStatus struct {
	TokensLeft int `json:"tokens_left"`
	// RefillIn is milliseconds until the next refill.
	RefillIn   int `json:"refill_in"`
	RefillRate int `json:"refill_rate"`
}

// ProductResponse is the response from GET /product. Products are kept raw;
// field extraction happens downstream.
type ProductResponse struct {
	TokenStatus
	Products []json.RawMessage `json:"products"`
}

// QueryRequest is a product finder query.
type QueryRequest struct {
	Domain    string
	Selection map[string]any
	Page      int
	PerPage   int
}

// QueryResponse is the response from GET /query.
type QueryResponse struct {
	TokenStatus
	Identifiers  []string `json:"identifiers"`
	TotalResults int      `json:"total_results"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout on the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a product-data API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Product(ctx context.Context, req ProductRequest) (*ProductResponse, error) {
	if len(req.Identifiers) == 0 {
		return nil, eris.New("productdata: product request needs at least one identifier")
	}
	days := req.StatsDays
	if days <= 0 {
		days = defaultStatsDays
	}

	q := url.Values{}
	q.Set("domain", req.Domain)
	q.Set("code", strings.Join(req.Identifiers, ","))
	q.Set("stats", strconv.Itoa(days))
	if req.History {
		q.Set("history", "1")
	}
	if req.Offers > 0 {
		q.Set("offers", strconv.Itoa(req.Offers))
	}

	var out ProductResponse
	if err := c.get(ctx, EndpointProduct, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	sel, err := json.Marshal(req.Selection)
	if err != nil {
		return nil, eris.Wrap(err, "productdata: marshal selection")
	}

	q := url.Values{}
	q.Set("domain", req.Domain)
	q.Set("selection", string(sel))
	q.Set("page", strconv.Itoa(req.Page))
	if req.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(req.PerPage))
	}

	var out QueryResponse
	if err := c.get(ctx, EndpointQuery, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) Token(ctx context.Context) (*TokenStatus, error) {
	var out TokenStatus
	if err := c.get(ctx, EndpointToken, url.Values{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) get(ctx context.Context, endpoint string, q url.Values, out any) error {
	q.Set("key", c.apiKey)
	u := c.baseURL + "/" + endpoint + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return eris.Wrapf(err, "productdata: create %s request", endpoint)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "productdata: send %s request", endpoint)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.NewTransientError(eris.Wrapf(err, "productdata: read %s response", endpoint), 0)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return &resilience.RateLimitedError{Endpoint: endpoint, RetryAfter: retryAfter(resp.Header, body)}
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewTransientError(
			eris.Errorf("productdata: %s unexpected status %d: %s", endpoint, resp.StatusCode, truncate(body)),
			resp.StatusCode,
		)
	default:
		return eris.Errorf("productdata: %s unexpected status %d: %s", endpoint, resp.StatusCode, truncate(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrapf(err, "productdata: unmarshal %s response", endpoint)
	}
	return nil
}

// retryAfter prefers the Retry-After header (seconds), then the body's
// refill_in (milliseconds), then one second.
func retryAfter(h http.Header, body []byte) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	var ts TokenStatus
	if json.Unmarshal(body, &ts) == nil && ts.RefillIn > 0 {
		return time.Duration(ts.RefillIn) * time.Millisecond
	}
	return time.Second
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// BalanceSource adapts a Client to the authoritative balance check used by
// the budget guard.
type BalanceSource struct {
	Client Client
}

// Balance returns the current token balance from GET /token.
func (b BalanceSource) Balance(ctx context.Context) (int, error) {
	st, err := b.Client.Token(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "productdata: token status")
	}
	return st.TokensLeft, nil
}
