// Package store persists run reports to PostgreSQL so results can be compared
// across invocations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/probe/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRunNotFound is returned by GetRun for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS test_runs (
    run_id      TEXT PRIMARY KEY,
    suite       TEXT NOT NULL,
    test        TEXT NOT NULL,
    status      TEXT NOT NULL,
    failed_step INTEGER NOT NULL,
    message     TEXT NOT NULL DEFAULT '',
    revision    TEXT NOT NULL DEFAULT '',
    artifacts   JSONB NOT NULL DEFAULT '[]',
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS step_results (
    run_id      TEXT NOT NULL REFERENCES test_runs (run_id) ON DELETE CASCADE,
    step_index  INTEGER NOT NULL,
    name        TEXT NOT NULL,
    kind        TEXT NOT NULL,
    outcome     TEXT NOT NULL,
    diagnostic  TEXT NOT NULL DEFAULT '',
    error_kind  TEXT NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ NOT NULL,
    duration_ms BIGINT NOT NULL,
    PRIMARY KEY (run_id, step_index)
);
CREATE TABLE IF NOT EXISTS run_requests (
    run_id      TEXT NOT NULL REFERENCES test_runs (run_id) ON DELETE CASCADE,
    seq         INTEGER NOT NULL,
    method      TEXT NOT NULL,
    url         TEXT NOT NULL,
    status      INTEGER NOT NULL,
    bytes       BIGINT NOT NULL,
    duration_ms BIGINT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (run_id, seq)
);
`

const insertRunSQL = `
INSERT INTO test_runs (run_id, suite, test, status, failed_step, message, revision, artifacts, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (run_id) DO NOTHING;
`

const selectRunSQL = `
SELECT suite, test, status, failed_step, message, artifacts, started_at, finished_at
FROM test_runs
WHERE run_id = $1;
`

const selectStepsSQL = `
SELECT step_index, name, kind, outcome, diagnostic, error_kind, started_at, duration_ms
FROM step_results
WHERE run_id = $1
ORDER BY step_index ASC;
`

var (
	stepColumns    = []string{"run_id", "step_index", "name", "kind", "outcome", "diagnostic", "error_kind", "started_at", "duration_ms"}
	requestColumns = []string{"run_id", "seq", "method", "url", "status", "bytes", "duration_ms", "error", "started_at"}
)

// Store writes run reports to PostgreSQL.
type Store struct {
	pool     DBPool
	log      *zap.Logger
	revision string
}

// New creates a new store instance and verifies the connection. revision is
// recorded with every run saved.
func New(ctx context.Context, pool DBPool, logger *zap.Logger, revision string) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool:     pool,
		log:      logger.Named("store"),
		revision: revision,
	}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveRun stores a report, its step results and captured requests in one
// transaction. Saving the same run twice leaves the first copy in place.
func (s *Store) SaveRun(ctx context.Context, report *schemas.RunReport) error {
	artifacts := report.Artifacts
	if artifacts == nil {
		artifacts = []schemas.Artifact{}
	}
	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("failed to encode artifacts: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tag, err := tx.Exec(ctx, insertRunSQL,
		report.RunID, report.Suite, report.Test, string(report.Status), report.FailedStep,
		report.Message, s.revision, artifactsJSON,
		report.StartedAt.UTC(), report.FinishedAt.UTC(),
	)
	if err != nil {
		s.rollback(ctx, tx)
		return fmt.Errorf("failed to insert run %s: %w", report.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		s.rollback(ctx, tx)
		s.log.Debug("Run already stored.", zap.String("run_id", report.RunID))
		return nil
	}

	if err := s.copySteps(ctx, tx, report); err != nil {
		s.rollback(ctx, tx)
		return err
	}
	if err := s.copyRequests(ctx, tx, report); err != nil {
		s.rollback(ctx, tx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.log.Error("Failed to rollback transaction", zap.Error(err))
	}
}

func (s *Store) copySteps(ctx context.Context, tx pgx.Tx, report *schemas.RunReport) error {
	if len(report.Results) == 0 {
		return nil
	}
	rows := make([][]any, len(report.Results))
	for i, res := range report.Results {
		rows[i] = []any{
			report.RunID, res.StepIndex, res.Name, string(res.Kind), string(res.Outcome),
			res.Diagnostic, string(res.ErrorKind), res.StartedAt.UTC(), res.Duration.Milliseconds(),
		}
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"step_results"}, stepColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy step results: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("mismatch in copied step results count: expected %d, got %d", len(rows), n)
	}
	return nil
}

func (s *Store) copyRequests(ctx context.Context, tx pgx.Tx, report *schemas.RunReport) error {
	if len(report.Requests) == 0 {
		return nil
	}
	rows := make([][]any, len(report.Requests))
	for i, req := range report.Requests {
		rows[i] = []any{
			report.RunID, i, req.Method, req.URL, req.Status, req.Bytes,
			req.Duration.Milliseconds(), req.Error, req.StartedAt.UTC(),
		}
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"run_requests"}, requestColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy requests: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("mismatch in copied requests count: expected %d, got %d", len(rows), n)
	}
	return nil
}

// GetRun loads a stored run with its step results. Captured requests are not
// loaded back.
func (s *Store) GetRun(ctx context.Context, runID string) (*schemas.RunReport, error) {
	rows, err := s.pool.Query(ctx, selectRunSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	report := &schemas.RunReport{RunID: runID}
	found := false
	for rows.Next() {
		var status string
		var artifacts []byte
		if err := rows.Scan(&report.Suite, &report.Test, &status, &report.FailedStep,
			&report.Message, &artifacts, &report.StartedAt, &report.FinishedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		report.Status = schemas.RunStatus(status)
		if len(artifacts) > 0 {
			if err := json.Unmarshal(artifacts, &report.Artifacts); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to decode artifacts: %w", err)
			}
		}
		found = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	steps, err := s.pool.Query(ctx, selectStepsSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step results: %w", err)
	}
	defer steps.Close()
	for steps.Next() {
		var (
			res                    schemas.Result
			kind, outcome, errKind string
			durationMS             int64
		)
		if err := steps.Scan(&res.StepIndex, &res.Name, &kind, &outcome, &res.Diagnostic,
			&errKind, &res.StartedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		res.Kind = schemas.StepKind(kind)
		res.Outcome = schemas.Outcome(outcome)
		res.ErrorKind = schemas.ErrorKind(errKind)
		res.Duration = time.Duration(durationMS) * time.Millisecond
		report.Results = append(report.Results, res)
	}
	if err := steps.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return report, nil
}
