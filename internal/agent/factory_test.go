package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
	"github.com/crawlgrid/crawlgrid/internal/store"
)

type stubAgent struct {
	kind    crawl.CrawlerType
	matches string
}

func (a *stubAgent) Kind() crawl.CrawlerType { return a.kind }

func (a *stubAgent) CanHandle(_ context.Context, url string) bool {
	return a.matches != "" && strings.Contains(url, a.matches)
}

func (a *stubAgent) Execute(context.Context, crawl.Job, string) (crawl.Result, error) {
	return crawl.Result{}, nil
}

type stubTemplates struct {
	templates map[string]Template
	err       error
}

func (s *stubTemplates) Get(_ context.Context, id string) (Template, error) {
	if s.err != nil {
		return Template{}, s.err
	}
	tpl, ok := s.templates[id]
	if !ok {
		return Template{}, store.ErrNotFound
	}
	return tpl, nil
}

func newTestFactory(templates TemplateStore) (*Factory, *stubAgent, *stubAgent, *stubAgent) {
	mobile := &stubAgent{kind: crawl.CrawlerMobile}
	providerAgent := &stubAgent{kind: crawl.CrawlerProvider, matches: "/listing/"}
	browser := &stubAgent{kind: crawl.CrawlerBrowser, matches: "spa.example.com"}
	f := NewFactory(mobile, providerAgent, []crawl.Agent{providerAgent, browser}, templates, zap.NewNop())
	return f, mobile, providerAgent, browser
}

func TestMobilePinAlwaysWins(t *testing.T) {
	t.Parallel()

	f, mobile, _, _ := newTestFactory(nil)

	// Even though the URL matches the provider agent, the pin wins.
	got, err := f.GetAgent(context.Background(), crawl.Job{
		ID:          "j1",
		CrawlerType: crawl.CrawlerMobile,
		URLs:        []string{"https://marketplace.example.com/listing/42"},
	})
	require.NoError(t, err)
	require.Same(t, crawl.Agent(mobile), got)
}

func TestProviderPinRequiresCanHandle(t *testing.T) {
	t.Parallel()

	f, _, providerAgent, _ := newTestFactory(nil)

	got, err := f.GetAgent(context.Background(), crawl.Job{
		ID:          "j1",
		CrawlerType: crawl.CrawlerProvider,
		URLs:        []string{"https://marketplace.example.com/listing/42"},
	})
	require.NoError(t, err)
	require.Same(t, crawl.Agent(providerAgent), got)

	// Pin without a matching URL falls through to auto-detection, which
	// also declines here.
	got, err = f.GetAgent(context.Background(), crawl.Job{
		ID:          "j2",
		CrawlerType: crawl.CrawlerProvider,
		URLs:        []string{"https://news.example.com/article"},
	})
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestTemplateHintSelectsAgent(t *testing.T) {
	t.Parallel()

	templates := &stubTemplates{templates: map[string]Template{
		"tpl-1": {ID: "tpl-1", CrawlerType: crawl.CrawlerProvider},
	}}
	f, _, providerAgent, _ := newTestFactory(templates)

	got, err := f.GetAgent(context.Background(), crawl.Job{
		ID:          "j1",
		CrawlerType: crawl.CrawlerAuto,
		TemplateID:  "tpl-1",
		URLs:        []string{"https://news.example.com/article"},
	})
	require.NoError(t, err)
	require.Same(t, crawl.Agent(providerAgent), got)
}

func TestTemplateLookupErrorPropagates(t *testing.T) {
	t.Parallel()

	templates := &stubTemplates{err: errors.New("template store down")}
	f, _, _, _ := newTestFactory(templates)

	_, err := f.GetAgent(context.Background(), crawl.Job{
		ID:         "j1",
		TemplateID: "tpl-1",
		URLs:       []string{"https://news.example.com/article"},
	})
	require.Error(t, err)
	// Infrastructure trouble is worth a retry.
	require.True(t, crawl.Retryable(err))
}

func TestTemplateNotFoundIsStructural(t *testing.T) {
	t.Parallel()

	templates := &stubTemplates{templates: map[string]Template{}}
	f, _, _, _ := newTestFactory(templates)

	_, err := f.GetAgent(context.Background(), crawl.Job{
		ID:         "j1",
		TemplateID: "tpl-gone",
		URLs:       []string{"https://news.example.com/article"},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, store.ErrNotFound)
	// A dangling template reference is the job's fault, not transient.
	require.False(t, crawl.Retryable(err))
}

func TestAutoDetectionFixedOrder(t *testing.T) {
	t.Parallel()

	f, _, providerAgent, browser := newTestFactory(nil)

	got, err := f.GetAgent(context.Background(), crawl.Job{
		ID:          "j1",
		CrawlerType: crawl.CrawlerAuto,
		URLs:        []string{"https://marketplace.example.com/listing/42"},
	})
	require.NoError(t, err)
	require.Same(t, crawl.Agent(providerAgent), got)

	got, err = f.GetAgent(context.Background(), crawl.Job{
		ID:          "j2",
		CrawlerType: crawl.CrawlerAuto,
		URLs:        []string{"https://spa.example.com/app"},
	})
	require.NoError(t, err)
	require.Same(t, crawl.Agent(browser), got)
}

func TestNoMatchReturnsSentinelNotError(t *testing.T) {
	t.Parallel()

	f, _, _, _ := newTestFactory(nil)

	got, err := f.GetAgent(context.Background(), crawl.Job{
		ID:          "j1",
		CrawlerType: crawl.CrawlerAuto,
		URLs:        []string{"https://plain.example.com/page"},
	})
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMixedURLsMustAllMatch(t *testing.T) {
	t.Parallel()

	f, _, _, _ := newTestFactory(nil)

	got, err := f.GetAgent(context.Background(), crawl.Job{
		ID:          "j1",
		CrawlerType: crawl.CrawlerAuto,
		URLs: []string{
			"https://marketplace.example.com/listing/42",
			"https://plain.example.com/page",
		},
	})
	require.NoError(t, err)
	require.Nil(t, got)
}
