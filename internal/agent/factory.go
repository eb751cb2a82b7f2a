// Package agent selects the crawl agent for a job and hosts the
// specialized agent implementations.
package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
	"github.com/crawlgrid/crawlgrid/internal/store"
)

// Template describes a stored crawl template. Templates may pin the agent
// family a job should run on.
type Template struct {
	ID          string
	Name        string
	CrawlerType crawl.CrawlerType
}

// TemplateStore loads crawl templates by id.
type TemplateStore interface {
	Get(ctx context.Context, id string) (Template, error)
}

// Factory picks an agent for a job by deterministic precedence: explicit
// mobile pin, provider pin with a matching URL, template hint, then
// CanHandle auto-detection in registration order. No match returns
// (nil, nil); the caller falls back to its default executor. Errors are
// reserved for infrastructure failures such as template lookup I/O.
type Factory struct {
	mobile    crawl.Agent
	provider  crawl.Agent
	probes    []crawl.Agent
	templates TemplateStore
	logger    *zap.Logger
}

// NewFactory builds a Factory. probeOrder is the fixed auto-detection
// order; templates may be nil when template hints are disabled.
func NewFactory(mobile, provider crawl.Agent, probeOrder []crawl.Agent, templates TemplateStore, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		mobile:    mobile,
		provider:  provider,
		probes:    probeOrder,
		templates: templates,
		logger:    logger,
	}
}

// GetAgent selects the agent for the job.
func (f *Factory) GetAgent(ctx context.Context, job crawl.Job) (crawl.Agent, error) {
	// 1. Mobile pinning wins unconditionally.
	if job.CrawlerType == crawl.CrawlerMobile {
		return f.mobile, nil
	}

	// 2. Provider pinning, gated on the provider agent claiming the URLs.
	if job.CrawlerType == crawl.CrawlerProvider && f.provider != nil && f.handlesAll(ctx, f.provider, job.URLs) {
		return f.provider, nil
	}

	// 3. Template hint.
	if job.TemplateID != "" && f.templates != nil {
		tpl, err := f.templates.Get(ctx, job.TemplateID)
		if err != nil {
			// A reference to a template that does not exist is a bad job,
			// not a flaky lookup; retrying cannot make the template appear.
			if errors.Is(err, store.ErrNotFound) {
				return nil, crawl.NewStructural("load template",
					fmt.Errorf("template %s: %w", job.TemplateID, err))
			}
			return nil, fmt.Errorf("load template %s: %w", job.TemplateID, err)
		}
		if a := f.agentFor(tpl.CrawlerType); a != nil {
			f.logger.Debug("agent selected by template",
				zap.String("job_id", job.ID),
				zap.String("template_id", tpl.ID),
				zap.String("crawler_type", string(tpl.CrawlerType)))
			return a, nil
		}
	}

	// 4. Auto-detection in fixed order.
	for _, a := range f.probes {
		if a == nil {
			continue
		}
		if f.handlesAll(ctx, a, job.URLs) {
			return a, nil
		}
	}

	// 5. Sentinel: nothing specialized matched.
	return nil, nil
}

func (f *Factory) agentFor(kind crawl.CrawlerType) crawl.Agent {
	switch kind {
	case crawl.CrawlerMobile:
		return f.mobile
	case crawl.CrawlerProvider:
		return f.provider
	default:
		return nil
	}
}

func (f *Factory) handlesAll(ctx context.Context, a crawl.Agent, urls []string) bool {
	if len(urls) == 0 {
		return false
	}
	for _, u := range urls {
		if ctx.Err() != nil {
			return false
		}
		if !a.CanHandle(ctx, u) {
			return false
		}
	}
	return true
}
