// Package elexon implements a client for the Elexon BMRS Insights B1610
// dataset (actual generation output per BM unit per settlement period).
//
// No API key is required. Docs: https://bmrs.elexon.co.uk/api-documentation
package elexon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/seenimoa/ukenergy/internal/infra"
	"github.com/seenimoa/ukenergy/internal/settlement"
)

// Defaults reproduce the upstream contract and the original retrieval settings.
const (
	DefaultBaseURL     = "https://data.elexon.co.uk/bmrs/api/v1/datasets/B1610"
	DefaultFormat      = "json"
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 100 * time.Millisecond
	DefaultTimeout     = 30 * time.Second
)

// DefaultUnits are the Seabank power station BM units.
var DefaultUnits = []string{"T_SEAB-1", "T_SEAB-2"}

// ErrRetriesExhausted marks a request that failed on every attempt.
var ErrRetriesExhausted = errors.New("retries exhausted")

// StatusError is an unexpected (retryable) HTTP status from the API.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("elexon: HTTP %d %s", e.StatusCode, e.Status)
}

// FetchError is the definitive failure for one settlement request.
type FetchError struct {
	Request  settlement.SettlementRequest
	Attempts int
	Last     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("elexon: %s failed after %d attempts: %v", e.Request, e.Attempts, e.Last)
}

// Unwrap exposes both the sentinel and the last underlying cause.
func (e *FetchError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Last}
}

// response is the envelope returned by the datasets endpoints.
type response struct {
	Data []settlement.GenerationRecord `json:"data"`
}

// Client queries B1610 one settlement period at a time.
type Client struct {
	BaseURL     string
	Units       []string
	Format      string
	HTTP        *http.Client
	MaxAttempts int
	BaseDelay   time.Duration // backoff before retry n is BaseDelay * 2^(n-1)
	Timeout     time.Duration // per attempt
	Limiter     *infra.RateLimiter
	Logger      *slog.Logger

	// OnRetry, when set, is called after each failed attempt that will be retried.
	OnRetry func(req settlement.SettlementRequest, attempt int, err error)
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the dataset endpoint.
func WithBaseURL(u string) Option { return func(c *Client) { c.BaseURL = u } }

// WithUnits sets the BM units queried in every request.
func WithUnits(units []string) Option { return func(c *Client) { c.Units = units } }

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.HTTP = h } }

// WithRetry sets the attempt budget and the base backoff delay.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.MaxAttempts = maxAttempts
		c.BaseDelay = baseDelay
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.Timeout = d } }

// WithRateLimiter caps the global attempt rate.
func WithRateLimiter(rl *infra.RateLimiter) Option { return func(c *Client) { c.Limiter = rl } }

// WithLogger sets the logger for retry and no-data lines.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.Logger = l } }

// NewClient creates a client with the original retrieval defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		BaseURL:     DefaultBaseURL,
		Units:       append([]string(nil), DefaultUnits...),
		Format:      DefaultFormat,
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Timeout:     DefaultTimeout,
		Logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.HTTP == nil {
		c.HTTP = infra.NewHTTPClient(c.Timeout)
	}
	return c
}

// BuildURL returns the query URL for one settlement period. Every unit is
// passed as a repeated bmUnit parameter.
func (c *Client) BuildURL(req settlement.SettlementRequest) string {
	q := url.Values{}
	q.Set("settlementDate", req.Date.String())
	q.Set("settlementPeriod", strconv.Itoa(req.Period))
	for _, u := range c.Units {
		q.Add("bmUnit", u)
	}
	q.Set("format", c.Format)
	return c.BaseURL + "?" + q.Encode()
}

// FetchPeriod retrieves all records for one settlement period.
//
// An empty result with a nil error means the period has no data (empty
// payload or HTTP 404). Transient failures are retried with exponential
// backoff; when every attempt fails the error is a *FetchError matching
// ErrRetriesExhausted. Cancellation of ctx is returned as ctx.Err().
func (c *Client) FetchPeriod(ctx context.Context, req settlement.SettlementRequest) ([]settlement.GenerationRecord, error) {
	attempts := max(c.MaxAttempts, 1)
	u := c.BuildURL(req)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.BaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}

		records, err := c.attempt(ctx, u)
		if err == nil {
			if len(records) == 0 {
				c.Logger.Debug("no data returned", "request", req.String())
			}
			return records, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		c.Logger.Warn("request attempt failed",
			"request", req.String(), "attempt", attempt+1, "max_attempts", attempts, "error", err)
		if attempt+1 < attempts && c.OnRetry != nil {
			c.OnRetry(req, attempt+1, err)
		}
	}

	c.Logger.Error("request failed after all attempts", "request", req.String(), "attempts", attempts)
	return nil, &FetchError{Request: req, Attempts: attempts, Last: lastErr}
}

// attempt performs a single bounded GET and classifies the outcome.
func (c *Client) attempt(ctx context.Context, u string) ([]settlement.GenerationRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	body, status, err := infra.DoGet(ctx, c.HTTP, u, nil)
	if err != nil {
		var he *infra.HTTPError
		if errors.As(err, &he) {
			if status == http.StatusNotFound {
				return nil, nil
			}
			return nil, &StatusError{StatusCode: he.StatusCode, Status: he.Status, Body: he.Body}
		}
		return nil, err
	}
	defer body.Close()

	var resp response
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	for i := range resp.Data {
		if resp.Data[i].HalfHourEndTime.IsZero() {
			resp.Data[i].HalfHourEndTime = resp.Data[i].Request().End()
		}
	}
	return resp.Data, nil
}
