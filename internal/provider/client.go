package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
	"github.com/crawlgrid/crawlgrid/internal/proxy"
)

// Config controls client behavior.
type Config struct {
	BaseURL           string
	Locale            string
	UserAgent         string
	RequestsPerMinute int
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RequestDelay      time.Duration
	ProxyRegion       string
}

// Client calls the provider API with pacing, retry, and proxy rotation.
// Safe for concurrent use; the pacer serializes the actual request slots.
type Client struct {
	cfg     Config
	base    *url.URL
	pacer   *pacer
	proxies *proxy.Rotator
	http    *http.Client
	logger  *zap.Logger
}

// NewClient constructs a Client. proxies may be nil to disable rotation.
func NewClient(cfg Config, proxies *proxy.Rotator, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("provider base url required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse provider base url: %w", err)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "crawlgrid/1.0"
	}
	if cfg.Locale == "" {
		cfg.Locale = "en-US"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		base:    base,
		pacer:   newPacer(cfg.RequestsPerMinute),
		proxies: proxies,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}, nil
}

// GetProduct fetches one listing by id.
func (c *Client) GetProduct(ctx context.Context, productID int64) (Product, error) {
	return executeWithRetry[Product](ctx, c, "get product",
		fmt.Sprintf("/v3/listings/%d", productID), nil)
}

// GetProductByURL resolves the listing id from the URL first; a malformed
// URL fails before any request is made.
func (c *Client) GetProductByURL(ctx context.Context, rawURL string) (Product, error) {
	id, err := ProductIDFromURL(rawURL)
	if err != nil {
		return Product{}, err
	}
	return c.GetProduct(ctx, id)
}

// GetReviews fetches one page of reviews for a listing.
func (c *Client) GetReviews(ctx context.Context, productID int64, page, limit int) (ReviewsPage, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return executeWithRetry[ReviewsPage](ctx, c, "get reviews",
		fmt.Sprintf("/v3/listings/%d/reviews", productID), q)
}

// Search fetches one page of listings matching the query.
func (c *Client) Search(ctx context.Context, query string, page, limit int) (SearchPage, error) {
	q := url.Values{"keywords": {query}}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return executeWithRetry[SearchPage](ctx, c, "search listings", "/v3/listings/search", q)
}

// FindShop looks a storefront up by its public name.
func (c *Client) FindShop(ctx context.Context, name string) (Shop, error) {
	return executeWithRetry[Shop](ctx, c, "find shop", "/v3/shops",
		url.Values{"shop_name": {name}})
}

// GetShop fetches a storefront by id.
func (c *Client) GetShop(ctx context.Context, shopID int64) (Shop, error) {
	return executeWithRetry[Shop](ctx, c, "get shop",
		fmt.Sprintf("/v3/shops/%d", shopID), nil)
}

// executeWithRetry runs the request loop: pace, pick a proxy, call, classify.
// Auth failures and envelope errors abort immediately; 429 backs off
// exponentially, transport failures linearly. Exhausting the budget wraps
// the last cause.
func executeWithRetry[T apiResponse](ctx context.Context, c *Client, op, endpoint string, query url.Values) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.retryDelay(lastErr, attempt)); err != nil {
				return zero, err
			}
		}
		out, err := doRequest[T](ctx, c, op, endpoint, query)
		if err == nil {
			return out, nil
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			return zero, crawl.NewAuth(op, authErr.StatusCode, err)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return zero, crawl.NewStructural(op, err)
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s: %w", op, ctx.Err())
		}

		lastErr = err
		c.logger.Warn("provider request failed",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return zero, crawl.NewRetryable(op, fmt.Errorf("retries exhausted after %d attempts: %w", c.cfg.MaxRetries, lastErr))
}

// retryDelay picks the backoff for the attempt about to run: 429s double,
// transport failures grow linearly.
func (c *Client) retryDelay(lastErr error, attempt int) time.Duration {
	var rl *RateLimitedError
	if errors.As(lastErr, &rl) {
		return c.cfg.RetryBaseDelay * (1 << uint(attempt-1))
	}
	return c.cfg.RetryBaseDelay * time.Duration(attempt)
}

func doRequest[T apiResponse](ctx context.Context, c *Client, op, endpoint string, query url.Values) (T, error) {
	var zero T
	if err := c.pacer.Wait(ctx, c.base.Hostname()); err != nil {
		return zero, err
	}

	var ep *proxy.Endpoint
	httpClient := c.http
	if c.proxies != nil {
		var err error
		ep, err = c.proxies.Next(c.cfg.ProxyRegion)
		if err != nil {
			c.logger.Warn("proxy unavailable, going direct",
				zap.String("region", c.cfg.ProxyRegion), zap.Error(err))
		} else {
			proxied, err := c.proxiedClient(ep.URL)
			if err != nil {
				return zero, err
			}
			httpClient = proxied
		}
	}

	if c.cfg.RequestDelay > 0 {
		if err := sleepCtx(ctx, c.cfg.RequestDelay); err != nil {
			return zero, err
		}
	}

	u := *c.base
	u.Path = endpoint
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return zero, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", c.cfg.Locale)
	req.Header.Set("X-Client-Source", "crawlgrid")

	start := time.Now()
	resp, err := httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ep != nil {
			ep.MarkFailure()
		}
		return zero, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if ep != nil {
			ep.MarkFailure()
		}
		return zero, &RateLimitedError{RetryAfter: resp.Header.Get("Retry-After")}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return zero, &AuthError{StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		if ep != nil {
			ep.MarkFailure()
		}
		return zero, &StatusError{StatusCode: resp.StatusCode, Op: op}
	}

	if ep != nil {
		ep.MarkSuccess(latency)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return zero, fmt.Errorf("%s: read body: %w", op, err)
	}
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return zero, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if code, msg := out.apiError(); code != 0 {
		return zero, &APIError{Code: code, Message: msg, Op: op}
	}
	return out, nil
}

func (c *Client) proxiedClient(proxyURL string) (*http.Client, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	return &http.Client{
		Timeout:   c.http.Timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(u)},
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
