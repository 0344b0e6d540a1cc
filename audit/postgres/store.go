package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/open-rails/storekit/status"
)

// Store appends status transitions to a Postgres table.
type Store struct {
	pg     *pgxpool.Pool
	schema string
}

// NewStore creates a transition store writing to <schema>.status_transitions.
func NewStore(pg *pgxpool.Pool, schema string) *Store {
	s := strings.TrimSpace(schema)
	if s == "" {
		s = "store"
	}
	return &Store{pg: pg, schema: s}
}

func (s *Store) table() string { return s.schema + ".status_transitions" }

// LogTransition appends one transition row. A nil pool is a no-op so the
// store can be wired unconditionally.
func (s *Store) LogTransition(ctx context.Context, userID string, from, to status.SubscriptionStatus) error {
	if s == nil || s.pg == nil {
		return nil
	}
	_, err := s.pg.Exec(ctx,
		`INSERT INTO `+s.table()+` (user_id, from_status, to_status, expires_at, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		userID, from.Kind.String(), to.Kind.String(), to.ExpiresAt, time.Now().UTC(),
	)
	return err
}
