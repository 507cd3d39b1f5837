// File: internal/orchestrator/orchestrator.go
// Description: Runs multi-tool workflows (sequential pipelines, parallel recon
// sessions and double-check verification) on top of the supervisor. Every
// background workflow is owned by the Orchestrator so Shutdown can drain it.

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/config"
	"github.com/xkilldash9x/scalpel-recon/internal/observability"
	"github.com/xkilldash9x/scalpel-recon/internal/tools"
)

var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrCheckNotFound    = errors.New("double-check run not found")
	ErrShuttingDown     = errors.New("orchestrator is shutting down")
	ErrNoStages         = errors.New("pipeline has no stages")
	ErrUnknownMode      = errors.New("unknown quick mode")
	ErrNoTargets        = errors.New("no valid targets")
)

// TaskLog is the slice of the task registry the orchestrator writes to
// directly: id allocation and the aggregate double-check task.
type TaskLog interface {
	schemas.TaskReader
	NewTaskID() string
	Create(id, tool string, command []string) schemas.TaskView
	MarkRunning(id string) bool
	Append(id, chunk string) bool
	Finish(id string, status schemas.TaskStatus, exitCode *int) bool
}

// Orchestrator owns every running workflow.
type Orchestrator struct {
	runner   schemas.ToolRunner
	tasks    TaskLog
	catalog  *tools.Registry
	bus      schemas.Publisher
	recorder schemas.ScanRecorder
	metrics  *observability.Metrics
	logger   *zap.Logger

	wordlists      config.WordlistConfig
	maxSearchTerms int
	threads        int

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu            sync.RWMutex
	closing       bool
	pipelines     map[string]*pipelineRun
	pipelineOrder []string
	sessions      map[string]*reconSession
	sessionOrder  []string
	checks        map[string]*checkRun
	checkOrder    []string
	// toolCancels ends single-tool runs, including ones still waiting for a
	// supervisor slot.
	toolCancels map[string]context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder persists stage outcomes for requests that carry a project id.
func WithRecorder(r schemas.ScanRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithMetrics records stage outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPublisher announces workflow completion.
func WithPublisher(p schemas.Publisher) Option {
	return func(o *Orchestrator) { o.bus = p }
}

// New creates an Orchestrator. runner executes the tool processes and tasks
// is the registry they write to.
func New(cfg *config.Config, runner schemas.ToolRunner, tasks TaskLog, catalog *tools.Registry, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		runner:         runner,
		tasks:          tasks,
		catalog:        catalog,
		logger:         logger.Named("orchestrator"),
		wordlists:      cfg.Tools.Wordlists,
		maxSearchTerms: cfg.Recon.MaxSearchTerms,
		threads:        cfg.Recon.Threads,
		baseCtx:        ctx,
		cancel:         cancel,
		pipelines:      make(map[string]*pipelineRun),
		sessions:       make(map[string]*reconSession),
		checks:         make(map[string]*checkRun),
		toolCancels:    make(map[string]context.CancelFunc),
	}
	if o.maxSearchTerms <= 0 {
		o.maxSearchTerms = 8
	}
	if o.threads <= 0 {
		o.threads = 40
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// spawn registers a background workflow. register runs under the write lock
// so the workflow is visible before its goroutine starts.
func (o *Orchestrator) spawn(register func(), work func()) error {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	register()
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("Workflow panicked", zap.Any("panic", r), zap.Stack("stack"))
			}
		}()
		work()
	}()
	return nil
}

// Shutdown stops accepting work, kills every workflow's running tasks and
// waits for the workflow goroutines to return or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	o.logger.Info("Shutting down workflows")
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runStage executes one built argv as a fresh task and returns its final view.
func (o *Orchestrator) runStage(ctx context.Context, argv []string, tool string, sink schemas.OutputSink, onStart func(taskID string)) (schemas.TaskView, string) {
	taskID := o.tasks.NewTaskID()
	if onStart != nil {
		onStart(taskID)
	}
	out := o.runner.Run(ctx, taskID, argv, tool, sink)
	view, ok := o.runner.Status(taskID)
	if !ok {
		view = schemas.TaskView{ID: taskID, Tool: tool, Status: schemas.TaskError, Output: out}
	}
	return view, out
}

func (o *Orchestrator) record(projectID int64, task schemas.TaskView, findings []schemas.Finding) {
	if o.recorder == nil || projectID <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.recorder.RecordScan(ctx, projectID, task); err != nil {
		o.logger.Warn("Failed to persist scan", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if len(findings) == 0 {
		return
	}
	if err := o.recorder.RecordFindings(ctx, projectID, task, findings); err != nil {
		o.logger.Warn("Failed to persist findings", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (o *Orchestrator) publish(title, message string, severity schemas.Severity, tool, taskID string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(title, message, severity, tool, taskID)
}

// SessionSources exposes finished and running recon sessions to the target
// mapper, oldest first.
func (o *Orchestrator) SessionSources() []schemas.SessionSource {
	o.mu.RLock()
	runs := make([]*reconSession, 0, len(o.sessionOrder))
	for _, id := range o.sessionOrder {
		runs = append(runs, o.sessions[id])
	}
	o.mu.RUnlock()

	out := make([]schemas.SessionSource, 0, len(runs))
	for _, s := range runs {
		out = append(out, sessionSource{view: s.snapshot()})
	}
	return out
}

// sessionSource adapts a recon session snapshot to the mapper's duck type.
type sessionSource struct {
	view schemas.SessionView
}

func (s sessionSource) SessionTarget() string { return s.view.Target }

func (s sessionSource) SessionRef() schemas.ScanRef {
	status := schemas.TaskRunning
	switch s.view.Status {
	case schemas.RunCompleted:
		status = schemas.TaskCompleted
	case schemas.RunKilled:
		status = schemas.TaskKilled
	}
	return schemas.ScanRef{
		TaskID:    s.view.ID,
		Tool:      "web_recon",
		Status:    status,
		StartedAt: s.view.StartedAt,
		Source:    "session",
	}
}

func (s sessionSource) SessionFacts() schemas.Facts {
	r := s.view.Results
	f := schemas.Facts{
		Subdomains:   r.Subdomains,
		Directories:  r.Directories,
		Technologies: r.Technologies,
		Exploits:     r.Exploits,
	}
	if !r.ServerInfo.IsZero() {
		server := r.ServerInfo
		f.Server = &server
	}
	return f
}

func now() *time.Time {
	t := time.Now()
	return &t
}

func copyStages(stages []schemas.Stage) []schemas.Stage {
	out := make([]schemas.Stage, len(stages))
	for i, s := range stages {
		s.SearchTerms = append([]string(nil), s.SearchTerms...)
		if s.StartedAt != nil {
			t := *s.StartedAt
			s.StartedAt = &t
		}
		if s.FinishedAt != nil {
			t := *s.FinishedAt
			s.FinishedAt = &t
		}
		out[i] = s
	}
	return out
}
