package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsegraph/api/schemas"
	"github.com/xkilldash9x/browsegraph/internal/config"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	return mockPool
}

func newTestStore(t *testing.T, mockPool pgxmock.PgxPoolIface) *PostgresStore {
	t.Helper()
	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool := newMockPool(t)
		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err := New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should create the schema", func(t *testing.T) {
		mockPool := newMockPool(t)
		s := newTestStore(t, mockPool)
		mockPool.ExpectExec(flexibleSQLMatcher(sqlCreateSchema)).
			WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

		require.NoError(t, s.EnsureSchema(context.Background()))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresStore_SaveStep(t *testing.T) {
	recordedAt := time.Date(2025, 6, 1, 9, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	rec := StepRecord{
		RunID: "run-1",
		Task:  "find the docs",
		Step:  2,
		Item: schemas.HistoryItem{
			Results: []schemas.ActionResult{{ExtractedContent: "clicked"}},
			State:   schemas.StateHistory{URL: "https://go.dev", Tabs: []schemas.Tab{}},
		},
		RecordedAt: recordedAt,
	}

	t.Run("upserts the encoded item", func(t *testing.T) {
		mockPool := newMockPool(t)
		s := newTestStore(t, mockPool)

		itemMatcher := ArgumentMatcherFunc(func(v interface{}) bool {
			raw, ok := v.([]byte)
			return ok && strings.Contains(string(raw), `"extracted_content":"clicked"`)
		})
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertStep)).
			WithArgs("run-1", 2, "find the docs", "https://go.dev", itemMatcher, recordedAt.UTC()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.SaveStep(context.Background(), rec))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("wraps database errors", func(t *testing.T) {
		mockPool := newMockPool(t)
		s := newTestStore(t, mockPool)
		dbErr := errors.New("connection reset")
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertStep)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(dbErr)

		err := s.SaveStep(context.Background(), rec)
		assert.ErrorIs(t, err, dbErr)
		assert.ErrorContains(t, err, "step 2 of run run-1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresStore_LoadRun(t *testing.T) {
	t.Run("decodes steps in order", func(t *testing.T) {
		mockPool := newMockPool(t)
		s := newTestStore(t, mockPool)
		rows := pgxmock.NewRows([]string{"item"}).
			AddRow([]byte(`{"results":[{"extracted_content":"first","is_done":false,"include_in_memory":true}],"state":{"url":"https://a.test","title":"","tabs":[]}}`)).
			AddRow([]byte(`{"results":[{"is_done":true,"success":true,"include_in_memory":true}],"state":{"url":"https://b.test","title":"","tabs":[]}}`))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRun)).WithArgs("run-1").WillReturnRows(rows)

		items, err := s.LoadRun(context.Background(), "run-1")
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "https://a.test", items[0].State.URL)
		assert.True(t, items[1].Results[0].IsDone)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("unknown run", func(t *testing.T) {
		mockPool := newMockPool(t)
		s := newTestStore(t, mockPool)
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRun)).WithArgs("missing").
			WillReturnRows(pgxmock.NewRows([]string{"item"}))

		_, err := s.LoadRun(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("corrupt item", func(t *testing.T) {
		mockPool := newMockPool(t)
		s := newTestStore(t, mockPool)
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRun)).WithArgs("run-1").
			WillReturnRows(pgxmock.NewRows([]string{"item"}).AddRow([]byte(`{not json`)))

		_, err := s.LoadRun(context.Background(), "run-1")
		assert.ErrorContains(t, err, "failed to decode step")
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	defer m.Close()

	_, err := m.LoadRun(ctx, "run-1")
	assert.ErrorIs(t, err, ErrRunNotFound)

	for _, step := range []int{1, 0} {
		require.NoError(t, m.SaveStep(ctx, StepRecord{
			RunID: "run-1",
			Step:  step,
			Item:  schemas.HistoryItem{State: schemas.StateHistory{URL: "https://step.test/" + string(rune('a'+step))}},
		}))
	}
	// Saving a step again replaces it.
	require.NoError(t, m.SaveStep(ctx, StepRecord{RunID: "run-1", Step: 1, Item: schemas.HistoryItem{State: schemas.StateHistory{URL: "replaced"}}}))

	items, err := m.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "https://step.test/a", items[0].State.URL)
	assert.Equal(t, "replaced", items[1].State.URL)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, m.SaveStep(canceled, StepRecord{RunID: "run-2"}), context.Canceled)
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), config.StoreConfig{Type: "memory"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open(context.Background(), config.StoreConfig{Type: "cassandra"}, zap.NewNop())
	assert.ErrorContains(t, err, "unknown store type")
}
