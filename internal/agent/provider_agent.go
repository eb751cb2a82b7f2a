package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
	"github.com/crawlgrid/crawlgrid/internal/provider"
)

// ProviderAPI is the subset of the provider client the agent needs.
type ProviderAPI interface {
	GetProductByURL(ctx context.Context, rawURL string) (provider.Product, error)
	FindShop(ctx context.Context, name string) (provider.Shop, error)
}

// ProviderAgent crawls marketplace targets through the provider's official
// API instead of scraping pages.
type ProviderAgent struct {
	client ProviderAPI
	clock  crawl.Clock
}

// NewProviderAgent builds a ProviderAgent.
func NewProviderAgent(client ProviderAPI, clock crawl.Clock) *ProviderAgent {
	return &ProviderAgent{client: client, clock: clock}
}

// Kind reports the agent family.
func (a *ProviderAgent) Kind() crawl.CrawlerType { return crawl.CrawlerProvider }

// CanHandle accepts URLs matching the provider's listing or shop patterns.
func (a *ProviderAgent) CanHandle(_ context.Context, rawURL string) bool {
	return provider.CanHandle(rawURL)
}

// Execute resolves the URL to an API call and returns the typed payload.
func (a *ProviderAgent) Execute(ctx context.Context, job crawl.Job, rawURL string) (crawl.Result, error) {
	start := time.Now()
	var (
		payload any
		err     error
	)
	switch {
	case isProductURL(rawURL):
		payload, err = a.client.GetProductByURL(ctx, rawURL)
	case isShopURL(rawURL):
		var name string
		name, err = provider.ShopNameFromURL(rawURL)
		if err == nil {
			payload, err = a.client.FindShop(ctx, name)
		}
	default:
		err = crawl.NewStructural("provider crawl",
			fmt.Errorf("url matches no provider pattern: %s", rawURL))
	}
	if err != nil {
		return crawl.Result{}, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return crawl.Result{}, fmt.Errorf("encode provider payload: %w", err)
	}
	return crawl.Result{
		JobID:        job.ID,
		URL:          rawURL,
		Payload:      body,
		Body:         body,
		ResponseTime: time.Since(start),
		Success:      true,
		FetchedAt:    a.clock.Now(),
	}, nil
}

func isProductURL(rawURL string) bool {
	_, err := provider.ProductIDFromURL(rawURL)
	return err == nil
}

func isShopURL(rawURL string) bool {
	_, err := provider.ShopNameFromURL(rawURL)
	return err == nil
}
