package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/probe/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

var started = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func sampleReport() *schemas.RunReport {
	return &schemas.RunReport{
		RunID:      "6b0e6c1a-run",
		Suite:      "notifications",
		Test:       "dismiss all",
		Status:     schemas.StatusFailed,
		FailedStep: 1,
		Message:    "count went 3 -> 3",
		Results: []schemas.Result{
			{StepIndex: 0, Name: "open", Kind: schemas.StepNavigate, Outcome: schemas.OutcomePassed, StartedAt: started, Duration: 800 * time.Millisecond},
			{StepIndex: 1, Name: "dismiss", Kind: schemas.StepDismiss, Outcome: schemas.OutcomeFailed, ErrorKind: schemas.KindAssertionFailed, StartedAt: started.Add(time.Second), Duration: 2 * time.Second},
		},
		StartedAt:  started,
		FinishedAt: started.Add(4 * time.Second),
		Artifacts:  []schemas.Artifact{{Kind: "screenshot", Path: "a/screenshot.png", Size: 10}},
		Requests:   []schemas.RequestRecord{{Method: "GET", URL: "http://app.test/", Status: 200, StartedAt: started}},
	}
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface, *observer.ObservedLogs) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	core, logs := observer.New(zapcore.ErrorLevel)
	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, zap.New(core), "0123456789ab")
	require.NoError(t, err)
	return s, mockPool, logs
}

func expectInsertRun(mockPool pgxmock.PgxPoolIface, rep *schemas.RunReport) *pgxmock.ExpectedExec {
	return mockPool.ExpectExec(flexibleSQLMatcher(insertRunSQL)).
		WithArgs(rep.RunID, rep.Suite, rep.Test, string(rep.Status), rep.FailedStep,
			rep.Message, "0123456789ab", pgxmock.AnyArg(), rep.StartedAt, rep.FinishedAt)
}

func TestNewStore(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	pingErr := errors.New("database unavailable")
	mockPool.ExpectPing().WillReturnError(pingErr)

	_, err = New(context.Background(), mockPool, zap.NewNop(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	s, mockPool, _ := newMockStore(t)
	mockPool.ExpectExec(flexibleSQLMatcher(schemaSQL)).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveRun(t *testing.T) {
	ctx := context.Background()

	t.Run("stores run, steps and requests in one transaction", func(t *testing.T) {
		s, mockPool, logs := newMockStore(t)
		rep := sampleReport()

		mockPool.ExpectBegin()
		expectInsertRun(mockPool, rep).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"step_results"}, stepColumns).WillReturnResult(2)
		mockPool.ExpectCopyFrom(pgx.Identifier{"run_requests"}, requestColumns).WillReturnResult(1)
		mockPool.ExpectCommit()

		require.NoError(t, s.SaveRun(ctx, rep))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Zero(t, logs.Len())
	})

	t.Run("already stored run is left alone", func(t *testing.T) {
		s, mockPool, _ := newMockStore(t)
		rep := sampleReport()

		mockPool.ExpectBegin()
		expectInsertRun(mockPool, rep).WillReturnResult(pgxmock.NewResult("INSERT", 0))
		mockPool.ExpectRollback()

		require.NoError(t, s.SaveRun(ctx, rep))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("copy failure rolls back", func(t *testing.T) {
		s, mockPool, _ := newMockStore(t)
		rep := sampleReport()

		mockPool.ExpectBegin()
		expectInsertRun(mockPool, rep).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"step_results"}, stepColumns).WillReturnError(errors.New("disk full"))
		mockPool.ExpectRollback()

		err := s.SaveRun(ctx, rep)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to copy step results")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("short copy is reported", func(t *testing.T) {
		s, mockPool, _ := newMockStore(t)
		rep := sampleReport()

		mockPool.ExpectBegin()
		expectInsertRun(mockPool, rep).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"step_results"}, stepColumns).WillReturnResult(1)
		mockPool.ExpectRollback()

		err := s.SaveRun(ctx, rep)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected 2, got 1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("rollback errors are logged", func(t *testing.T) {
		s, mockPool, logs := newMockStore(t)
		rep := sampleReport()

		mockPool.ExpectBegin()
		expectInsertRun(mockPool, rep).WillReturnError(errors.New("constraint violation"))
		mockPool.ExpectRollback().WillReturnError(errors.New("connection reset"))

		err := s.SaveRun(ctx, rep)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "constraint violation")
		assert.Equal(t, 1, logs.FilterMessage("Failed to rollback transaction").Len())
	})

	t.Run("runs without steps or requests skip the copies", func(t *testing.T) {
		s, mockPool, _ := newMockStore(t)
		rep := sampleReport()
		rep.Results, rep.Requests = nil, nil

		mockPool.ExpectBegin()
		expectInsertRun(mockPool, rep).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()

		require.NoError(t, s.SaveRun(ctx, rep))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestGetRun(t *testing.T) {
	ctx := context.Background()

	t.Run("loads run and ordered steps", func(t *testing.T) {
		s, mockPool, _ := newMockStore(t)
		runRows := pgxmock.NewRows([]string{"suite", "test", "status", "failed_step", "message", "artifacts", "started_at", "finished_at"}).
			AddRow("notifications", "dismiss all", "failed", 1, "count went 3 -> 3",
				[]byte(`[{"kind":"screenshot","path":"a/screenshot.png","size":10}]`), started, started.Add(4*time.Second))
		stepRows := pgxmock.NewRows([]string{"step_index", "name", "kind", "outcome", "diagnostic", "error_kind", "started_at", "duration_ms"}).
			AddRow(0, "open", "navigate", "passed", "", "", started, int64(800)).
			AddRow(1, "dismiss", "dismiss", "failed", "count went 3 -> 3", "assertion_failed", started.Add(time.Second), int64(2000))

		mockPool.ExpectQuery(flexibleSQLMatcher(selectRunSQL)).WithArgs("6b0e6c1a-run").WillReturnRows(runRows)
		mockPool.ExpectQuery(flexibleSQLMatcher(selectStepsSQL)).WithArgs("6b0e6c1a-run").WillReturnRows(stepRows)

		rep, err := s.GetRun(ctx, "6b0e6c1a-run")
		require.NoError(t, err)
		assert.Equal(t, schemas.StatusFailed, rep.Status)
		assert.Equal(t, 1, rep.FailedStep)
		assert.Equal(t, 4*time.Second, rep.Duration())
		require.Len(t, rep.Artifacts, 1)
		assert.Equal(t, "a/screenshot.png", rep.Artifacts[0].Path)

		require.Len(t, rep.Results, 2)
		assert.Equal(t, schemas.StepDismiss, rep.Results[1].Kind)
		assert.Equal(t, schemas.OutcomeFailed, rep.Results[1].Outcome)
		assert.Equal(t, schemas.KindAssertionFailed, rep.Results[1].ErrorKind)
		assert.Equal(t, 2*time.Second, rep.Results[1].Duration)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("unknown run", func(t *testing.T) {
		s, mockPool, _ := newMockStore(t)
		mockPool.ExpectQuery(flexibleSQLMatcher(selectRunSQL)).WithArgs("missing").
			WillReturnRows(pgxmock.NewRows([]string{"suite", "test", "status", "failed_step", "message", "artifacts", "started_at", "finished_at"}))

		_, err := s.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, ErrRunNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
