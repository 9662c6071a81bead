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

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

var attemptColumns = []string{"task_id", "number", "session_id", "started_at", "finished_at", "outcome", "kind", "message", "backoff_ms"}

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func sampleRecord() (schemas.SubmissionRecord, []schemas.Attempt) {
	start := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
	rec := schemas.SubmissionRecord{
		TaskID:      "task-1",
		URL:         "https://example.com/contact",
		Success:     true,
		FinalState:  schemas.StateSucceeded,
		Attempts:    2,
		FieldCount:  4,
		SubmittedAt: start.Add(5 * time.Second),
	}
	attempts := []schemas.Attempt{
		{Number: 1, SessionID: "s-1", StartedAt: start, FinishedAt: start.Add(time.Second), Outcome: schemas.OutcomeRetryable, Kind: schemas.KindSessionLost, Message: "crashed", Backoff: 500 * time.Millisecond},
		{Number: 2, SessionID: "s-2", StartedAt: start.Add(2 * time.Second), FinishedAt: start.Add(5 * time.Second), Outcome: schemas.OutcomeSuccess},
	}
	return rec, attempts
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestMigrate(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectExec(flexibleSQLMatcher(schemaSQL)).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveSubmission(t *testing.T) {
	ctx := context.Background()

	t.Run("should persist the record and its attempts in one transaction", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(core))
		rec, attempts := sampleRecord()

		mockPool.ExpectBegin()
		mockPool.ExpectExec("INSERT INTO submissions").
			WithArgs(rec.TaskID, rec.URL, true, "Succeeded", "", "", 2, 4, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec("DELETE FROM submission_attempts").
			WithArgs(rec.TaskID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"submission_attempts"}, attemptColumns).
			WillReturnResult(2)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.SaveSubmission(ctx, rec, attempts))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, logs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should roll back when the attempt copy is short", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		rec, attempts := sampleRecord()

		mockPool.ExpectBegin()
		mockPool.ExpectExec("INSERT INTO submissions").WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec("DELETE FROM submission_attempts").WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"submission_attempts"}, attemptColumns).
			WillReturnResult(1)
		mockPool.ExpectRollback()

		err := s.SaveSubmission(ctx, rec, attempts)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected 2, got 1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should skip attempts when there are none", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		rec, _ := sampleRecord()

		mockPool.ExpectBegin()
		mockPool.ExpectExec("INSERT INTO submissions").WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.SaveSubmission(ctx, rec, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should wrap insert errors", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		rec, attempts := sampleRecord()
		dbErr := errors.New("relation does not exist")

		mockPool.ExpectBegin()
		mockPool.ExpectExec("INSERT INTO submissions").WillReturnError(dbErr)
		mockPool.ExpectRollback()

		err := s.SaveSubmission(ctx, rec, attempts)
		assert.ErrorIs(t, err, dbErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestRecentSubmissions(t *testing.T) {
	ctx := context.Background()

	t.Run("should return rows newest first", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		newer := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
		older := newer.Add(-time.Hour)

		rows := pgxmock.NewRows([]string{"task_id", "url", "success", "final_state", "failure_kind", "message", "attempts", "field_count", "submitted_at"}).
			AddRow("task-2", "https://example.com/a", false, "Failed", "FormRejected", "invalid email", 1, 3, newer).
			AddRow("task-1", "https://example.com/b", true, "Succeeded", "", "", 2, 4, older)
		mockPool.ExpectQuery("SELECT task_id, url, success").WithArgs(10).WillReturnRows(rows)

		got, err := s.RecentSubmissions(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, schemas.SubmissionRecord{
			TaskID:      "task-2",
			URL:         "https://example.com/a",
			FinalState:  schemas.StateFailed,
			FailureKind: schemas.KindFormRejected,
			Message:     "invalid email",
			Attempts:    1,
			FieldCount:  3,
			SubmittedAt: newer,
		}, got[0])
		assert.True(t, got[1].Success)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should not query for a non-positive limit", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		got, err := s.RecentSubmissions(ctx, 0)
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should propagate query errors", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectQuery("SELECT task_id").WillReturnError(errors.New("timeout"))

		_, err := s.RecentSubmissions(ctx, 5)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to query submissions")
	})
}
