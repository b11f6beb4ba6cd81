package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xkilldash9x/browsegraph/api/schemas"
)

// MemoryStore keeps step history in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]map[int]schemas.HistoryItem
}

var _ HistoryStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]map[int]schemas.HistoryItem)}
}

func (m *MemoryStore) SaveStep(ctx context.Context, rec StepRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	steps, ok := m.runs[rec.RunID]
	if !ok {
		steps = make(map[int]schemas.HistoryItem)
		m.runs[rec.RunID] = steps
	}
	steps[rec.Step] = rec.Item
	return nil
}

func (m *MemoryStore) LoadRun(ctx context.Context, runID string) ([]schemas.HistoryItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	steps, ok := m.runs[runID]
	if !ok || len(steps) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	keys := make([]int, 0, len(steps))
	for k := range steps {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	items := make([]schemas.HistoryItem, 0, len(keys))
	for _, k := range keys {
		items = append(items, steps[k])
	}
	return items, nil
}

func (m *MemoryStore) Close() {}
