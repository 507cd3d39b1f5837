package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/tools"
)

// QuickModes lists the modes QuickStages accepts.
var QuickModes = []string{"full", "recon", "enum", "web", "vuln"}

// QuickStages returns the canned stage list for a quick-auto mode.
func QuickStages(mode, target string) ([]schemas.StageRequest, error) {
	in := func(modes ...string) bool {
		for _, m := range modes {
			if m == mode {
				return true
			}
		}
		return false
	}
	stage := func(tool string, params map[string]any) schemas.StageRequest {
		params["target"] = target
		return schemas.StageRequest{Tool: tool, Params: params}
	}

	var stages []schemas.StageRequest
	if in("full", "recon") {
		stages = append(stages,
			stage("nmap", map[string]any{"scan_type": "quick"}),
			stage("nmap", map[string]any{"scan_type": "service"}),
		)
	}
	if in("full", "enum") {
		stages = append(stages,
			stage("nxc", map[string]any{"protocol": "smb", "shares": true, "users": true}),
			stage("enum4linux", map[string]any{"all": true}),
		)
	}
	if in("full", "web") {
		stages = append(stages,
			stage("whatweb", map[string]any{}),
			stage("nikto", map[string]any{}),
		)
	}
	if in("full", "vuln") {
		stages = append(stages, stage("nmap", map[string]any{"scan_type": "vuln"}))
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return stages, nil
}

type pipelineRun struct {
	mu      sync.Mutex
	view    schemas.PipelineView
	cancel  context.CancelFunc
	done    chan struct{}
	current string
}

func (r *pipelineRun) snapshot() schemas.PipelineView {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.view
	v.Stages = copyStages(r.view.Stages)
	if v.FinishedAt != nil {
		t := *v.FinishedAt
		v.FinishedAt = &t
	}
	return v
}

func (r *pipelineRun) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view.Status != schemas.RunRunning
}

func (r *pipelineRun) begin(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.view.CurrentStage = i + 1
	s := &r.view.Stages[i]
	if s.Status.IsTerminal() {
		return
	}
	s.Status = schemas.TaskRunning
	s.StartedAt = now()
}

func (r *pipelineRun) attach(i int, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.view.Stages[i].TaskID = taskID
	r.current = taskID
}

// settle records a stage outcome unless the stage was already closed by a kill.
func (r *pipelineRun) settle(i int, status schemas.TaskStatus, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = ""
	s := &r.view.Stages[i]
	if s.Status.IsTerminal() {
		return
	}
	s.Status = status
	s.Error = msg
	s.FinishedAt = now()
}

// StartPipeline runs stages strictly in order against target. A stage whose
// tool is unknown or whose command cannot be built ends in error and the
// pipeline moves on. Only request-level problems are returned.
func (o *Orchestrator) StartPipeline(target string, stages []schemas.StageRequest, projectID int64) (schemas.PipelineView, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return schemas.PipelineView{}, tools.ErrEmptyTarget
	}
	if len(stages) == 0 {
		return schemas.PipelineView{}, ErrNoStages
	}

	ctx, cancel := context.WithCancel(o.baseCtx)
	run := &pipelineRun{
		view: schemas.PipelineView{
			ID:          o.tasks.NewTaskID(),
			ProjectID:   projectID,
			Target:      target,
			Status:      schemas.RunRunning,
			Stages:      make([]schemas.Stage, len(stages)),
			TotalStages: len(stages),
			StartedAt:   *now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for i, s := range stages {
		run.view.Stages[i] = schemas.Stage{Tool: s.Tool, Label: s.Label, Status: schemas.TaskPending}
	}
	reqs := append([]schemas.StageRequest(nil), stages...)

	err := o.spawn(func() {
		o.pipelines[run.view.ID] = run
		o.pipelineOrder = append(o.pipelineOrder, run.view.ID)
	}, func() {
		defer close(run.done)
		defer cancel()
		o.executePipeline(ctx, run, target, reqs, projectID)
	})
	if err != nil {
		cancel()
		return schemas.PipelineView{}, err
	}
	o.logger.Info("Pipeline started", zap.String("pipeline_id", run.view.ID), zap.String("target", target), zap.Int("stages", len(stages)))
	return run.snapshot(), nil
}

// StartQuickPipeline runs one of the canned quick-auto modes.
func (o *Orchestrator) StartQuickPipeline(mode, target string, projectID int64) (schemas.PipelineView, error) {
	if strings.TrimSpace(target) == "" {
		return schemas.PipelineView{}, tools.ErrEmptyTarget
	}
	stages, err := QuickStages(mode, strings.TrimSpace(target))
	if err != nil {
		return schemas.PipelineView{}, err
	}
	return o.StartPipeline(target, stages, projectID)
}

func (o *Orchestrator) executePipeline(ctx context.Context, run *pipelineRun, target string, reqs []schemas.StageRequest, projectID int64) {
	log := o.logger.With(zap.String("pipeline_id", run.view.ID))
	for i, req := range reqs {
		if run.stopped() {
			break
		}
		run.begin(i)

		params := tools.Params{}
		for k, v := range req.Params {
			params[k] = v
		}
		if params.Target() == "" {
			params["target"] = target
		}

		argv, err := o.catalog.Build(req.Tool, params)
		if err != nil {
			log.Warn("Stage could not be built", zap.Int("stage", i+1), zap.String("tool", req.Tool), zap.Error(err))
			run.settle(i, schemas.TaskError, err.Error())
			o.metrics.StageFinished("pipeline", string(schemas.TaskError))
			continue
		}

		view, _ := o.runStage(ctx, argv, req.Tool, nil, func(id string) { run.attach(i, id) })
		run.settle(i, view.Status, "")
		o.metrics.StageFinished("pipeline", string(view.Status))
		o.record(projectID, view, nil)
	}

	run.mu.Lock()
	killed := run.view.Status == schemas.RunKilled
	if !killed {
		run.view.Status = schemas.RunCompleted
		run.view.FinishedAt = now()
	}
	completed := 0
	for _, s := range run.view.Stages {
		if s.Status == schemas.TaskCompleted {
			completed++
		}
	}
	total := len(run.view.Stages)
	run.mu.Unlock()

	if killed {
		log.Warn("Pipeline killed")
		return
	}
	log.Info("Pipeline completed", zap.Int("completed", completed), zap.Int("total", total))
	o.publish("Pipeline completed", fmt.Sprintf("%d/%d stages completed against %s", completed, total, target), schemas.SeveritySuccess, "pipeline", run.view.ID)
}

func (o *Orchestrator) pipeline(id string) (*pipelineRun, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	run, ok := o.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	return run, nil
}

// GetPipeline returns a snapshot of the pipeline.
func (o *Orchestrator) GetPipeline(id string) (schemas.PipelineView, error) {
	run, err := o.pipeline(id)
	if err != nil {
		return schemas.PipelineView{}, err
	}
	return run.snapshot(), nil
}

// ListPipelines returns every pipeline, newest first.
func (o *Orchestrator) ListPipelines() []schemas.PipelineView {
	o.mu.RLock()
	runs := make([]*pipelineRun, 0, len(o.pipelineOrder))
	for _, id := range o.pipelineOrder {
		runs = append(runs, o.pipelines[id])
	}
	o.mu.RUnlock()

	out := make([]schemas.PipelineView, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		out = append(out, runs[i].snapshot())
	}
	return out
}

// KillPipeline stops the pipeline: the running stage's task is killed and
// every stage not yet finished is marked killed. Killing a finished pipeline
// is a no-op.
func (o *Orchestrator) KillPipeline(id string) error {
	run, err := o.pipeline(id)
	if err != nil {
		return err
	}

	run.mu.Lock()
	if run.view.Status != schemas.RunRunning {
		run.mu.Unlock()
		return nil
	}
	run.view.Status = schemas.RunKilled
	run.view.FinishedAt = now()
	for i := range run.view.Stages {
		s := &run.view.Stages[i]
		if !s.Status.IsTerminal() {
			s.Status = schemas.TaskKilled
			s.FinishedAt = now()
		}
	}
	current := run.current
	run.mu.Unlock()

	run.cancel()
	if current != "" {
		o.runner.Kill(current)
	}
	o.logger.Warn("Pipeline kill requested", zap.String("pipeline_id", id))
	return nil
}

// WaitPipeline blocks until the pipeline's goroutine has returned.
func (o *Orchestrator) WaitPipeline(ctx context.Context, id string) (schemas.PipelineView, error) {
	run, err := o.pipeline(id)
	if err != nil {
		return schemas.PipelineView{}, err
	}
	select {
	case <-run.done:
		return run.snapshot(), nil
	case <-ctx.Done():
		return run.snapshot(), ctx.Err()
	}
}
