package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsegraph/internal/config"
)

// Open builds the HistoryStore selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (HistoryStore, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		s, err := New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		s.onClose = pool.Close
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store type specified: %q", cfg.Type)
	}
}
