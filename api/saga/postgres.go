package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps run trails in the saga_events table. The step an
// event belongs to is copied out of its metadata into its own column so a
// single step's history can be read without scanning the run.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the saga_events table and its indexes. It is safe to run
// on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS saga_events (
			id        TEXT PRIMARY KEY,
			saga_id   TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
			source    TEXT NOT NULL DEFAULT '',
			workflow  TEXT NOT NULL DEFAULT '',
			category  TEXT NOT NULL DEFAULT '',
			action    TEXT NOT NULL DEFAULT '',
			step      TEXT NOT NULL DEFAULT '',
			message   TEXT NOT NULL DEFAULT '',
			metadata  JSONB NOT NULL DEFAULT '{}'
		);
		ALTER TABLE saga_events ADD COLUMN IF NOT EXISTS step TEXT NOT NULL DEFAULT '';
		CREATE INDEX IF NOT EXISTS idx_saga_events_saga ON saga_events(saga_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_saga_events_step ON saga_events(saga_id, step, timestamp) WHERE step <> '';
		CREATE INDEX IF NOT EXISTS idx_saga_events_workflow ON saga_events(workflow, timestamp DESC);
	`)
	if err != nil {
		return fmt.Errorf("saga migration: %w", err)
	}
	return nil
}

const eventColumns = `id, saga_id, timestamp, source, workflow, category, action, message, metadata`

func (s *PostgresStore) Append(ctx context.Context, evt *Event) error {
	meta := []byte("{}")
	if len(evt.Metadata) > 0 {
		meta, _ = json.Marshal(evt.Metadata)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO saga_events (id, saga_id, timestamp, source, workflow, category, action, step, message, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		evt.ID, evt.SagaID, evt.Timestamp, evt.Source, evt.Workflow, evt.Category, evt.Action, evt.Step(), evt.Message, meta,
	)
	return err
}

func (s *PostgresStore) ListBySaga(ctx context.Context, sagaID string) ([]Event, error) {
	return s.query(ctx, `WHERE saga_id = $1 ORDER BY timestamp ASC`, sagaID)
}

func (s *PostgresStore) ListByStep(ctx context.Context, sagaID, step string) ([]Event, error) {
	return s.query(ctx, `WHERE saga_id = $1 AND step = $2 ORDER BY timestamp ASC`, sagaID, step)
}

func (s *PostgresStore) ListByWorkflow(ctx context.Context, workflow string, limit int) ([]Event, error) {
	return s.query(ctx, `WHERE workflow = $1 ORDER BY timestamp DESC LIMIT $2`, workflow, clampLimit(limit))
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Event, error) {
	return s.query(ctx, `ORDER BY timestamp DESC LIMIT $1`, clampLimit(limit))
}

func (s *PostgresStore) query(ctx context.Context, tail string, args ...any) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM saga_events `+tail, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanEvent)
}

func scanEvent(row pgx.CollectableRow) (Event, error) {
	var evt Event
	var meta []byte
	err := row.Scan(&evt.ID, &evt.SagaID, &evt.Timestamp, &evt.Source, &evt.Workflow, &evt.Category, &evt.Action, &evt.Message, &meta)
	if err != nil {
		return evt, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &evt.Metadata); err != nil {
			return evt, fmt.Errorf("saga event %s metadata: %w", evt.ID, err)
		}
	}
	return evt, nil
}
