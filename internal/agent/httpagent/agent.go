// Package httpagent implements the generic HTTP crawl agent using colly.
package httpagent

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Agent fetches plain HTTP targets with a colly collector. It is the
// fallback when no specialized agent claims a URL.
type Agent struct {
	cfg   Config
	base  *colly.Collector
	clock crawl.Clock
}

// New builds an Agent.
func New(cfg Config, clock crawl.Clock) *Agent {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Agent{cfg: cfg, base: c, clock: clock}
}

// Kind reports the agent family.
func (a *Agent) Kind() crawl.CrawlerType { return crawl.CrawlerHTTP }

// CanHandle accepts any http(s) URL.
func (a *Agent) CanHandle(_ context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

// Execute fetches one URL and returns the raw body as the result payload.
func (a *Agent) Execute(ctx context.Context, job crawl.Job, rawURL string) (crawl.Result, error) {
	var (
		body     []byte
		status   int
		fetchErr error
	)
	start := time.Now()

	collector := a.base.Clone()
	if a.cfg.UserAgent != "" {
		collector.UserAgent = a.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = false
	collector.SetRequestTimeout(a.cfg.Timeout)

	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	if err := a.visit(ctx, collector, rawURL); err != nil {
		return crawl.Result{}, err
	}
	if fetchErr != nil {
		return crawl.Result{}, classifyFetchError(status, fetchErr)
	}

	return crawl.Result{
		JobID:        job.ID,
		URL:          rawURL,
		Body:         body,
		ResponseTime: time.Since(start),
		Success:      true,
		FetchedAt:    a.clock.Now(),
	}, nil
}

func (a *Agent) visit(ctx context.Context, collector *colly.Collector, rawURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("http fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return classifyFetchError(0, err)
		}
		return nil
	}
}

// classifyFetchError maps HTTP/transport failures onto the retry taxonomy.
// Client errors other than 429 are structural; everything else is worth
// another attempt.
func classifyFetchError(status int, err error) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return crawl.NewAuth("http fetch", status, err)
	case status == http.StatusTooManyRequests || status >= 500 || status == 0:
		return crawl.NewRetryable("http fetch", err)
	case status >= 400:
		return crawl.NewStructural("http fetch", err)
	default:
		return crawl.NewRetryable("http fetch", err)
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
