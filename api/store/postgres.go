package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"skiff/api/model"
)

// RunStore persists workflow runs.
type RunStore interface {
	InsertRun(ctx context.Context, r *model.Run) error
	UpdateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]model.Run, int, error)
}

type RunFilter struct {
	Workflow string
	Status   string
	Limit    int
	Offset   int
}

func (f RunFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 200 {
		return 50
	}
	return f.Limit
}

type DB struct {
	pool *pgxpool.Pool
}

func Connect(databaseURL string) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

// Pool exposes the connection pool for the saga event store.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func Migrate(db *DB) error {
	ctx := context.Background()
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id             TEXT PRIMARY KEY,
			workflow       TEXT NOT NULL,
			status         TEXT NOT NULL DEFAULT 'running',
			failed_step    TEXT NOT NULL DEFAULT '',
			message        TEXT NOT NULL DEFAULT '',
			error_kind     TEXT NOT NULL DEFAULT '',
			steps          JSONB NOT NULL DEFAULT '[]',
			artifacts      JSONB NOT NULL DEFAULT '[]',
			warnings       JSONB NOT NULL DEFAULT '[]',
			environment_id TEXT NOT NULL DEFAULT '',
			host_port      INTEGER NOT NULL DEFAULT 0,
			started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			finished_at    TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow, started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`)
	return err
}

func (db *DB) InsertRun(ctx context.Context, r *model.Run) error {
	steps, _ := json.Marshal(r.Steps)
	arts, _ := json.Marshal(r.Artifacts)
	warns, _ := json.Marshal(r.Warnings)
	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, workflow, status, failed_step, message, error_kind, steps, artifacts, warnings, environment_id, host_port, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.Workflow, r.Status, r.FailedStep, r.Message, r.ErrorKind, steps, arts, warns, r.EnvironmentID, r.HostPort, r.StartedAt, r.FinishedAt,
	)
	return err
}

func (db *DB) UpdateRun(ctx context.Context, r *model.Run) error {
	steps, _ := json.Marshal(r.Steps)
	arts, _ := json.Marshal(r.Artifacts)
	warns, _ := json.Marshal(r.Warnings)
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, failed_step = $2, message = $3, error_kind = $4, steps = $5, artifacts = $6,
		 warnings = $7, environment_id = $8, host_port = $9, finished_at = $10 WHERE id = $11`,
		r.Status, r.FailedStep, r.Message, r.ErrorKind, steps, arts, warns, r.EnvironmentID, r.HostPort, r.FinishedAt, r.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", r.ID)
	}
	return nil
}

const runColumns = `id, workflow, status, failed_step, message, error_kind, steps, artifacts, warnings, environment_id, host_port, started_at, finished_at`

func scanRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var steps, arts, warns []byte
	if err := row.Scan(&r.ID, &r.Workflow, &r.Status, &r.FailedStep, &r.Message, &r.ErrorKind,
		&steps, &arts, &warns, &r.EnvironmentID, &r.HostPort, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	json.Unmarshal(steps, &r.Steps)
	json.Unmarshal(arts, &r.Artifacts)
	json.Unmarshal(warns, &r.Warnings)
	return &r, nil
}

func (db *DB) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (db *DB) ListRuns(ctx context.Context, f RunFilter) ([]model.Run, int, error) {
	where := ""
	args := []any{}
	argN := 1

	if f.Workflow != "" {
		where += fmt.Sprintf(" AND workflow = $%d", argN)
		args = append(args, f.Workflow)
		argN++
	}
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, f.Status)
		argN++
	}

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM runs WHERE 1=1"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf("SELECT %s FROM runs WHERE 1=1%s ORDER BY started_at DESC LIMIT $%d OFFSET $%d",
		runColumns, where, argN, argN+1)
	args = append(args, f.limit(), f.Offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, *r)
	}
	return runs, total, rows.Err()
}

// RecoverInFlightRuns marks runs left running by a previous process as
// failed. Their containers are collected by the janitor.
func (db *DB) RecoverInFlightRuns(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs
		 SET status = 'failed', message = 'skiff restarted during run', finished_at = now()
		 WHERE status = 'running'`,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
