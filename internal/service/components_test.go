//go:build unix

package service

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/orchestrator"
	"github.com/xkilldash9x/scalpel-recon/internal/store"
)

func TestComponents_Shutdown(t *testing.T) {
	t.Run("should be safe on an empty value", func(t *testing.T) {
		assert.NotPanics(t, func() { (&Components{}).Shutdown() })
	})

	t.Run("should stop work before closing the bus", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		comps, err := NewComponentFactory(fakeTools()).Create(context.Background(), testConfig(), zap.New(core))
		require.NoError(t, err)

		notifications, _ := comps.Bus.SubscribeChan(0)

		view, err := comps.Orchestrator.RunTool(orchestrator.ToolRequest{
			Tool:   "sleeper",
			Params: map[string]any{"target": "x"},
		}, nil)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			st, _ := comps.Registry.Status(view.ID)
			return st == schemas.TaskRunning
		}, 5*time.Second, 5*time.Millisecond)

		comps.Shutdown()

		final, ok := comps.Registry.Get(view.ID)
		require.True(t, ok)
		assert.Equal(t, schemas.TaskKilled, final.Status)

		_, err = comps.Orchestrator.RunTool(orchestrator.ToolRequest{Tool: "nmap", Params: map[string]any{"target": "x"}}, nil)
		assert.ErrorIs(t, err, orchestrator.ErrShuttingDown)

		// The subscriber channel is drained, then closed.
		for range notifications {
		}

		var order []string
		for _, e := range logs.FilterLoggerName("service").All() {
			order = append(order, e.Message)
		}
		assert.Equal(t, []string{
			"Beginning components shutdown sequence.",
			"API streams closed.",
			"Workflows stopped.",
			"Tool processes stopped.",
			"Notification bus closed.",
			"All components shut down successfully.",
		}, order)
	})
}

func TestFlushScans(t *testing.T) {
	newStore := func(t *testing.T) (*store.Store, pgxmock.PgxPoolIface) {
		t.Helper()
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		t.Cleanup(mockPool.Close)
		mockPool.ExpectPing()
		s, err := store.New(context.Background(), mockPool, zap.NewNop())
		require.NoError(t, err)
		return s, mockPool
	}

	t.Run("should batch only terminal tasks", func(t *testing.T) {
		s, mockPool := newStore(t)
		done := schemas.TaskView{ID: "abcd1234", Tool: "nmap", Status: schemas.TaskCompleted, Output: "22/tcp open ssh\n"}
		running := schemas.TaskView{ID: "ffff0000", Tool: "nmap", Status: schemas.TaskRunning}

		mockPool.ExpectBegin()
		batch := mockPool.ExpectBatch()
		batch.ExpectExec("UPDATE scans").
			WithArgs("abcd1234", "completed", done.Output, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		flushScans(s, []schemas.TaskView{done, running}, zap.NewNop())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should skip the database when nothing is terminal", func(t *testing.T) {
		s, mockPool := newStore(t)
		flushScans(s, []schemas.TaskView{{ID: "a", Status: schemas.TaskPending}}, zap.NewNop())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should log a failed flush", func(t *testing.T) {
		s, mockPool := newStore(t)
		core, logs := observer.New(zapcore.ErrorLevel)
		mockPool.ExpectBegin().WillReturnError(assert.AnError)

		flushScans(s, []schemas.TaskView{{ID: "a", Status: schemas.TaskKilled}}, zap.New(core))
		assert.Equal(t, 1, logs.FilterMessage("Failed to flush scan statuses. Some scan rows may be stale.").Len())
	})
}
