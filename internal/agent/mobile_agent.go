package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
)

// MobileAgent drives a remote device-automation bridge that renders targets
// inside a real mobile app session. Selected only by an explicit crawler
// type pin; its CanHandle never claims URLs during auto-detection.
type MobileAgent struct {
	bridgeURL string
	http      *http.Client
	clock     crawl.Clock
}

// NewMobileAgent builds a MobileAgent talking to the given bridge endpoint.
func NewMobileAgent(bridgeURL string, clock crawl.Clock) *MobileAgent {
	return &MobileAgent{
		bridgeURL: strings.TrimRight(bridgeURL, "/"),
		http:      &http.Client{Timeout: 2 * time.Minute},
		clock:     clock,
	}
}

// Kind reports the agent family.
func (a *MobileAgent) Kind() crawl.CrawlerType { return crawl.CrawlerMobile }

// CanHandle always declines: mobile automation is expensive and opt-in, so
// jobs reach this agent only through an explicit pin.
func (a *MobileAgent) CanHandle(context.Context, string) bool { return false }

// Execute asks the bridge to crawl the URL on a device and relays the
// captured payload.
func (a *MobileAgent) Execute(ctx context.Context, job crawl.Job, rawURL string) (crawl.Result, error) {
	if a.bridgeURL == "" {
		return crawl.Result{}, crawl.NewStructural("mobile crawl",
			errors.New("mobile bridge not configured"))
	}

	reqBody, err := json.Marshal(map[string]string{"url": rawURL, "job_id": job.ID})
	if err != nil {
		return crawl.Result{}, fmt.Errorf("encode bridge request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.bridgeURL+"/v1/crawl", strings.NewReader(string(reqBody)))
	if err != nil {
		return crawl.Result{}, fmt.Errorf("build bridge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.http.Do(req)
	if err != nil {
		return crawl.Result{}, crawl.NewRetryable("mobile crawl", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("bridge status %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return crawl.Result{}, crawl.NewRetryable("mobile crawl", err)
		}
		return crawl.Result{}, crawl.NewStructural("mobile crawl", err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return crawl.Result{}, crawl.NewRetryable("mobile crawl", err)
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
