package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/registry"
	"github.com/xkilldash9x/scalpel-recon/internal/tools"
)

// ToolRequest runs a single catalogue tool.
type ToolRequest struct {
	Tool      string         `json:"tool_name"`
	Params    map[string]any `json:"params"`
	ProjectID int64          `json:"project_id,omitempty"`
}

// RunTool builds the tool's command and starts it in the background. The
// task is registered as pending before RunTool returns, so its id can be
// polled straight away. sink, when non-nil, receives output as it is read.
func (o *Orchestrator) RunTool(req ToolRequest, sink schemas.OutputSink) (schemas.TaskView, error) {
	params := tools.Params{}
	for k, v := range req.Params {
		params[k] = v
	}
	argv, err := o.catalog.Build(req.Tool, params)
	if err != nil {
		return schemas.TaskView{}, err
	}

	id := o.tasks.NewTaskID()
	ctx, cancel := context.WithCancel(o.baseCtx)
	var view schemas.TaskView
	err = o.spawn(func() {
		view = o.tasks.Create(id, req.Tool, argv)
		o.toolCancels[id] = cancel
	}, func() {
		defer func() {
			o.mu.Lock()
			delete(o.toolCancels, id)
			o.mu.Unlock()
			cancel()
		}()
		out := o.runner.Run(ctx, id, argv, req.Tool, sink)
		final, ok := o.runner.Status(id)
		if !ok {
			final = schemas.TaskView{ID: id, Tool: req.Tool, Command: argv, Status: schemas.TaskError, Output: out}
		}
		o.metrics.StageFinished("tool", string(final.Status))
		o.record(req.ProjectID, final, nil)
	})
	if err != nil {
		cancel()
		return schemas.TaskView{}, err
	}
	o.logger.Info("Tool started", zap.String("task_id", id), zap.String("tool", req.Tool))
	return view, nil
}

// WaitTask polls the registry until the task is terminal or ctx ends.
func (o *Orchestrator) WaitTask(ctx context.Context, id string, interval time.Duration) (schemas.TaskView, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		view, ok := o.tasks.Get(id)
		if !ok {
			return schemas.TaskView{}, fmt.Errorf("%w: %s", registry.ErrTaskNotFound, id)
		}
		if view.Status.IsTerminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

// KillTask kills one task. A task still pending behind the concurrency limit
// is cancelled before it starts and ends killed. It reports false when the
// task has neither a live process nor a pending start.
func (o *Orchestrator) KillTask(id string) bool {
	if o.runner.Kill(id) {
		return true
	}
	o.mu.RLock()
	cancel, ok := o.toolCancels[id]
	o.mu.RUnlock()
	if !ok {
		return false
	}
	if view, found := o.tasks.Get(id); !found || view.Status != schemas.TaskPending {
		return false
	}
	cancel()
	o.logger.Info("Pending task cancelled", zap.String("task_id", id))
	return true
}
