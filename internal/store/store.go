// Package store persists submission history to PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides a PostgreSQL implementation of schemas.SubmissionStore.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.SubmissionStore = (*Store)(nil)

const schemaSQL = `
    CREATE TABLE IF NOT EXISTS submissions (
        task_id      TEXT PRIMARY KEY,
        url          TEXT NOT NULL,
        success      BOOLEAN NOT NULL,
        final_state  TEXT NOT NULL DEFAULT '',
        failure_kind TEXT NOT NULL DEFAULT '',
        message      TEXT NOT NULL DEFAULT '',
        attempts     INTEGER NOT NULL,
        field_count  INTEGER NOT NULL,
        submitted_at TIMESTAMPTZ NOT NULL
    );
    CREATE INDEX IF NOT EXISTS submissions_submitted_at_idx ON submissions (submitted_at DESC);
    CREATE TABLE IF NOT EXISTS submission_attempts (
        task_id     TEXT NOT NULL REFERENCES submissions (task_id) ON DELETE CASCADE,
        number      INTEGER NOT NULL,
        session_id  TEXT NOT NULL DEFAULT '',
        started_at  TIMESTAMPTZ NOT NULL,
        finished_at TIMESTAMPTZ NOT NULL,
        outcome     TEXT NOT NULL,
        kind        TEXT NOT NULL DEFAULT '',
        message     TEXT NOT NULL DEFAULT '',
        backoff_ms  BIGINT NOT NULL DEFAULT 0,
        PRIMARY KEY (task_id, number)
    );
`

// Connect opens a pgx pool for url and wraps it in a Store.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the history tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveSubmission writes one submission record and its attempts in a single
// transaction. Saving the same task again replaces its attempts.
func (s *Store) SaveSubmission(ctx context.Context, rec schemas.SubmissionRecord, attempts []schemas.Attempt) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.Exec(ctx, `
        INSERT INTO submissions (task_id, url, success, final_state, failure_kind, message, attempts, field_count, submitted_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (task_id) DO UPDATE SET
            success = EXCLUDED.success,
            final_state = EXCLUDED.final_state,
            failure_kind = EXCLUDED.failure_kind,
            message = EXCLUDED.message,
            attempts = EXCLUDED.attempts,
            submitted_at = EXCLUDED.submitted_at;
    `,
		rec.TaskID, rec.URL, rec.Success, string(rec.FinalState), string(rec.FailureKind),
		rec.Message, rec.Attempts, rec.FieldCount, rec.SubmittedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert submission %s: %w", rec.TaskID, err)
	}

	if len(attempts) > 0 {
		if err := s.persistAttempts(ctx, tx, rec.TaskID, attempts); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) persistAttempts(ctx context.Context, tx pgx.Tx, taskID string, attempts []schemas.Attempt) error {
	if _, err := tx.Exec(ctx, `DELETE FROM submission_attempts WHERE task_id = $1;`, taskID); err != nil {
		return fmt.Errorf("failed to clear attempts of %s: %w", taskID, err)
	}

	rows := make([][]any, len(attempts))
	for i, a := range attempts {
		rows[i] = []any{
			taskID, a.Number, a.SessionID,
			a.StartedAt.UTC(), a.FinishedAt.UTC(),
			string(a.Outcome), string(a.Kind), a.Message,
			a.Backoff.Milliseconds(),
		}
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"submission_attempts"},
		[]string{"task_id", "number", "session_id", "started_at", "finished_at", "outcome", "kind", "message", "backoff_ms"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy attempts: %w", err)
	}
	if int(copyCount) != len(attempts) {
		return fmt.Errorf("mismatch in copied attempts count: expected %d, got %d", len(attempts), copyCount)
	}
	return nil
}

// RecentSubmissions returns up to limit records, newest first.
func (s *Store) RecentSubmissions(ctx context.Context, limit int) ([]schemas.SubmissionRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
        SELECT task_id, url, success, final_state, failure_kind, message, attempts, field_count, submitted_at
        FROM submissions
        ORDER BY submitted_at DESC
        LIMIT $1;
    `
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	defer rows.Close()

	var records []schemas.SubmissionRecord
	for rows.Next() {
		var r schemas.SubmissionRecord
		var state, kind string
		if err := rows.Scan(
			&r.TaskID, &r.URL, &r.Success, &state, &kind,
			&r.Message, &r.Attempts, &r.FieldCount, &r.SubmittedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan submission row: %w", err)
		}
		r.FinalState = schemas.SubmissionState(state)
		r.FailureKind = schemas.FailureKind(kind)
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}
