package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/crawlgrid/crawlgrid/internal/agent"
	"github.com/crawlgrid/crawlgrid/internal/crawl"
	"github.com/crawlgrid/crawlgrid/internal/store"
)

// TemplateStore implements agent.TemplateStore on Postgres.
//
// Expected schema:
//
//	CREATE TABLE crawl_templates (
//		id            UUID PRIMARY KEY,
//		name          TEXT NOT NULL,
//		crawler_type  TEXT NOT NULL DEFAULT ''
//	);
type TemplateStore struct {
	db Querier
}

// NewTemplateStore creates a TemplateStore over the given pool.
func NewTemplateStore(db Querier) *TemplateStore {
	return &TemplateStore{db: db}
}

// Get loads one template or returns store.ErrNotFound.
func (s *TemplateStore) Get(ctx context.Context, id string) (agent.Template, error) {
	query := `
		SELECT id, name, crawler_type
		FROM crawl_templates
		WHERE id = $1;`
	var (
		tpl  agent.Template
		kind string
	)
	err := s.db.QueryRow(ctx, query, id).Scan(&tpl.ID, &tpl.Name, &kind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return agent.Template{}, store.ErrNotFound
		}
		return agent.Template{}, fmt.Errorf("get template: %w", err)
	}
	tpl.CrawlerType = crawl.CrawlerType(kind)
	return tpl, nil
}
