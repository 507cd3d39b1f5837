package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/internal/api"
	"github.com/xkilldash9x/scalpel-recon/internal/mapper"
	"github.com/xkilldash9x/scalpel-recon/internal/notify"
	"github.com/xkilldash9x/scalpel-recon/internal/observability"
	"github.com/xkilldash9x/scalpel-recon/internal/orchestrator"
	"github.com/xkilldash9x/scalpel-recon/internal/registry"
	"github.com/xkilldash9x/scalpel-recon/internal/store"
	"github.com/xkilldash9x/scalpel-recon/internal/supervisor"
	"github.com/xkilldash9x/scalpel-recon/internal/tools"
)

// defaultShutdownTimeout bounds how long Shutdown waits for workflows.
const defaultShutdownTimeout = 30 * time.Second

// Components holds every initialized service of a running engine and owns
// their shutdown order.
type Components struct {
	Metrics      *observability.Metrics
	Registry     *registry.Registry
	Bus          *notify.Bus
	Supervisor   *supervisor.Supervisor
	Catalog      *tools.Registry
	Orchestrator *orchestrator.Orchestrator
	Mapper       *mapper.Aggregator
	Server       *api.Server

	// Store and DBPool are nil when no database is configured.
	Store  *store.Store
	DBPool *pgxpool.Pool

	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// Shutdown releases components in dependency order. Producers stop first so
// nothing new is started against a component that is already gone. It is
// safe on a partially built value.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger.Debug("Beginning components shutdown sequence.")

	// 1. End open API streams.
	if c.Server != nil {
		c.Server.Close()
		logger.Debug("API streams closed.")
	}

	// 2. Stop workflows. Canceling them kills the processes they own.
	if c.Orchestrator != nil {
		timeout := c.shutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := c.Orchestrator.Shutdown(ctx); err != nil {
			logger.Warn("Workflows did not stop in time.", zap.Error(err))
		} else {
			logger.Debug("Workflows stopped.")
		}
		cancel()
	}

	// 3. Kill anything still running outside a workflow.
	if c.Supervisor != nil {
		c.Supervisor.KillAll()
		logger.Debug("Tool processes stopped.")
	}

	// 4. Persist final scan statuses while the pool is still open.
	if c.Store != nil && c.Registry != nil {
		flushScans(c.Store, c.Registry.Snapshot(), logger)
	}

	// 5. Drain and close the notification bus.
	if c.Bus != nil {
		c.Bus.Close()
		logger.Debug("Notification bus closed.")
	}

	// 6. Close the database connection pool.
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down successfully.")
}
