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

	"github.com/xkilldash9x/browsegraph/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRunNotFound is returned when no steps are stored for a run.
var ErrRunNotFound = errors.New("run not found")

// StepRecord is one finalized step of a run.
type StepRecord struct {
	RunID      string
	Task       string
	Step       int
	Item       schemas.HistoryItem
	RecordedAt time.Time
}

// HistoryStore persists step history as a run progresses.
type HistoryStore interface {
	SaveStep(ctx context.Context, rec StepRecord) error
	LoadRun(ctx context.Context, runID string) ([]schemas.HistoryItem, error)
	Close()
}

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const (
	sqlCreateSchema = `
        CREATE TABLE IF NOT EXISTS agent_steps (
            run_id      TEXT        NOT NULL,
            step        INTEGER     NOT NULL,
            task        TEXT        NOT NULL,
            url         TEXT        NOT NULL DEFAULT '',
            item        JSONB       NOT NULL,
            recorded_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (run_id, step)
        );
    `
	sqlUpsertStep = `
        INSERT INTO agent_steps (run_id, step, task, url, item, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (run_id, step) DO UPDATE SET
            url = EXCLUDED.url,
            item = EXCLUDED.item,
            recorded_at = EXCLUDED.recorded_at;
    `
	sqlSelectRun = `
        SELECT item FROM agent_steps WHERE run_id = $1 ORDER BY step ASC;
    `
)

// PostgresStore keeps step history in PostgreSQL.
type PostgresStore struct {
	pool    DBPool
	log     *zap.Logger
	onClose func()
}

var _ HistoryStore = (*PostgresStore)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the step table when it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreateSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveStep upserts one step. Saving the same step twice replaces it.
func (s *PostgresStore) SaveStep(ctx context.Context, rec StepRecord) error {
	item, err := json.Marshal(rec.Item)
	if err != nil {
		return fmt.Errorf("failed to encode step %d: %w", rec.Step, err)
	}
	recordedAt := rec.RecordedAt.UTC()
	if rec.RecordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, sqlUpsertStep,
		rec.RunID, rec.Step, rec.Task, rec.Item.State.URL, item, recordedAt)
	if err != nil {
		return fmt.Errorf("failed to save step %d of run %s: %w", rec.Step, rec.RunID, err)
	}
	s.log.Debug("Saved step.",
		zap.String("run_id", rec.RunID),
		zap.Int("step", rec.Step),
		zap.Int64("rows", tag.RowsAffected()),
	)
	return nil
}

// LoadRun returns the stored steps of a run in order.
func (s *PostgresStore) LoadRun(ctx context.Context, runID string) ([]schemas.HistoryItem, error) {
	rows, err := s.pool.Query(ctx, sqlSelectRun, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", runID, err)
	}
	defer rows.Close()

	var items []schemas.HistoryItem
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		var item schemas.HistoryItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("failed to decode step: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return items, nil
}

// Close releases the pool when the store opened it.
func (s *PostgresStore) Close() {
	if s.onClose != nil {
		s.onClose()
	}
}
