package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
)

// AgentStore implements store.AgentRepository on Postgres.
//
// Expected schema:
//
//	CREATE TABLE crawler_agents (
//		id             TEXT PRIMARY KEY,
//		name           TEXT NOT NULL,
//		status         TEXT NOT NULL,
//		active_jobs    INT NOT NULL DEFAULT 0,
//		last_heartbeat TIMESTAMPTZ NOT NULL
//	);
type AgentStore struct {
	db Querier
}

// NewAgentStore creates an AgentStore over the given pool.
func NewAgentStore(db Querier) *AgentStore {
	return &AgentStore{db: db}
}

// UpsertHeartbeat records an agent's latest health report.
func (s *AgentStore) UpsertHeartbeat(ctx context.Context, rec crawl.AgentRecord) error {
	query := `
		INSERT INTO crawler_agents (id, name, status, active_jobs, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			status = EXCLUDED.status,
			active_jobs = EXCLUDED.active_jobs,
			last_heartbeat = EXCLUDED.last_heartbeat;`
	_, err := s.db.Exec(ctx, query, rec.ID, rec.Name, string(rec.Status), rec.ActiveJobs, rec.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("upsert agent heartbeat: %w", err)
	}
	return nil
}

// List returns all registered agents.
func (s *AgentStore) List(ctx context.Context) ([]crawl.AgentRecord, error) {
	query := `SELECT id, name, status, active_jobs, last_heartbeat FROM crawler_agents ORDER BY name;`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []crawl.AgentRecord
	for rows.Next() {
		var (
			rec    crawl.AgentRecord
			status string
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &status, &rec.ActiveJobs, &rec.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		rec.Status = crawl.AgentStatus(status)
		agents = append(agents, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

func msToDuration(ms int64) (d time.Duration) {
	return time.Duration(ms) * time.Millisecond
}
