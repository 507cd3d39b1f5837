package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/config"
	"github.com/xkilldash9x/scalpel-recon/internal/observability"
	"github.com/xkilldash9x/scalpel-recon/internal/store"
)

// InitializeDatabase opens a connection pool for cfg.URL, verifies it and
// applies the schema. The caller owns the returned pool.
func InitializeDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, *store.Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 0
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}

	// store.New pings, so a bad address fails here rather than on first use.
	dbStore, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := dbStore.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("PostgreSQL store ready.", zap.String("host", poolConfig.ConnConfig.Host))
	return pool, dbStore, nil
}

// InitializeMetrics returns nil when metrics are disabled. Every consumer
// accepts a nil *Metrics.
func InitializeMetrics(cfg config.MetricsConfig) (*observability.Metrics, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	m, err := observability.NewMetrics(cfg.Namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return m, nil
}

// flushScans brings every recorded scan row in line with the registry's
// final view of its task. Tasks that were never recorded match no row.
func flushScans(dbStore *store.Store, tasks []schemas.TaskView, logger *zap.Logger) {
	terminal := make([]schemas.TaskView, 0, len(tasks))
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			terminal = append(terminal, t)
		}
	}
	if len(terminal) == 0 {
		return
	}

	// The caller's context is usually already canceled during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := dbStore.FinishScans(ctx, terminal); err != nil {
		logger.Error("Failed to flush scan statuses. Some scan rows may be stale.", zap.Error(err), zap.Int("count", len(terminal)))
		return
	}
	logger.Debug("Scan statuses flushed.", zap.Int("count", len(terminal)))
}
