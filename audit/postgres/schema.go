package postgres

import (
	"context"
	"fmt"
)

// EnsureSchema creates the audit schema and transitions table if missing.
// Intended for bootstrap/dev; production deployments should run their own
// migrations.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pg == nil {
		return nil
	}
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s.schema),
		`CREATE TABLE IF NOT EXISTS ` + s.table() + ` (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			expires_at TIMESTAMPTZ,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS status_transitions_user_idx ON ` + s.table() + ` (user_id, occurred_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pg.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("audit: ensure schema: %w", err)
		}
	}
	return nil
}
