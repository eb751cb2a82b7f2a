// Package browser implements the JavaScript-rendering crawl agent over
// headless Chrome.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
)

// Config controls the headless browser agent.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Agent renders pages in headless Chrome and returns the final DOM. Tabs
// share one exec allocator; MaxParallel bounds concurrent tabs.
type Agent struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	clock       crawl.Clock
}

// New creates the agent and its Chrome allocator.
func New(cfg Config, clock crawl.Clock) (*Agent, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Agent{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		clock:       clock,
	}, nil
}

// Close tears down the Chrome allocator.
func (a *Agent) Close() {
	a.allocCancel()
}

// Kind reports the agent family.
func (a *Agent) Kind() crawl.CrawlerType { return crawl.CrawlerBrowser }

// CanHandle accepts any http(s) URL; the factory only consults the browser
// agent after the specialized agents have declined.
func (a *Agent) CanHandle(_ context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

// Execute navigates to the URL and captures the rendered document.
func (a *Agent) Execute(ctx context.Context, job crawl.Job, rawURL string) (crawl.Result, error) {
	if err := a.acquire(ctx); err != nil {
		return crawl.Result{}, err
	}
	defer a.release()

	taskCtx, taskCancel := chromedp.NewContext(a.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, a.cfg.NavigationTimeout)
	defer cancel()

	// Unwind the tab when the job context is cancelled mid-navigation.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	var status int
	chromedp.ListenTarget(taskCtx, func(ev any) {
		if resp, ok := ev.(*network.EventResponseReceived); ok {
			if resp.Type == network.ResourceTypeDocument && resp.Response != nil {
				status = int(resp.Response.Status)
			}
		}
	})

	start := time.Now()
	var html string
	actions := []chromedp.Action{
		a.setupAction(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return crawl.Result{}, fmt.Errorf("browser fetch canceled: %w", ctx.Err())
		}
		return crawl.Result{}, crawl.NewRetryable("browser fetch", err)
	}
	if status >= 400 {
		return crawl.Result{}, classifyStatus(status)
	}

	return crawl.Result{
		JobID:        job.ID,
		URL:          rawURL,
		Body:         []byte(html),
		ResponseTime: time.Since(start),
		Success:      true,
		FetchedAt:    a.clock.Now(),
	}, nil
}

func (a *Agent) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if a.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(a.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (a *Agent) acquire(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	select {
	case a.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (a *Agent) release() {
	if a.limiter == nil {
		return
	}
	select {
	case <-a.limiter:
	default:
	}
}

func classifyStatus(status int) error {
	err := fmt.Errorf("document status %d", status)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return crawl.NewAuth("browser fetch", status, err)
	case status == http.StatusTooManyRequests || status >= 500:
		return crawl.NewRetryable("browser fetch", err)
	default:
		return crawl.NewStructural("browser fetch", err)
	}
}
