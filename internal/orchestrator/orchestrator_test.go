//go:build unix

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/config"
	"github.com/xkilldash9x/scalpel-recon/internal/registry"
	"github.com/xkilldash9x/scalpel-recon/internal/supervisor"
	"github.com/xkilldash9x/scalpel-recon/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Test Fakes --

type fakePublisher struct {
	mu    sync.Mutex
	items []schemas.Notification
}

func (p *fakePublisher) Publish(title, message string, severity schemas.Severity, toolName, taskID string) schemas.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := schemas.Notification{ID: int64(len(p.items) + 1), Title: title, Message: message, Severity: severity, ToolName: toolName, TaskID: taskID}
	p.items = append(p.items, n)
	return n
}

func (p *fakePublisher) titled(title string) []schemas.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []schemas.Notification
	for _, n := range p.items {
		if n.Title == title {
			out = append(out, n)
		}
	}
	return out
}

type recordedScan struct {
	projectID int64
	task      schemas.TaskView
	findings  []schemas.Finding
}

type fakeRecorder struct {
	mu    sync.Mutex
	scans []recordedScan
}

func (r *fakeRecorder) RecordScan(_ context.Context, projectID int64, task schemas.TaskView) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scans = append(r.scans, recordedScan{projectID: projectID, task: task})
	return nil
}

func (r *fakeRecorder) RecordFindings(_ context.Context, projectID int64, task schemas.TaskView, findings []schemas.Finding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scans = append(r.scans, recordedScan{projectID: projectID, task: task, findings: findings})
	return nil
}

func (r *fakeRecorder) all() []recordedScan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedScan(nil), r.scans...)
}

// -- Fixture --

type fixture struct {
	orch     *Orchestrator
	reg      *registry.Registry
	pub      *fakePublisher
	recorder *fakeRecorder
}

// fakeTool defines a tool whose process is a shell script. The script sees
// the tool name as $0 and the target as $1.
func fakeTool(name, binary, script string) tools.Tool {
	return tools.Define(name, binary, func(_ string, p tools.Params) ([]string, error) {
		if p.Target() == "" && p.String("query") == "" {
			return nil, tools.ErrEmptyTarget
		}
		return []string{"/bin/sh", "-c", script, name, p.StringOr("target", p.String("query"))}, nil
	})
}

func installed(string) (string, error) { return "/bin/sh", nil }

func setup(t *testing.T, fakes ...tools.Tool) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.NewDefaultConfig()
	reg := registry.New(logger)
	pub := &fakePublisher{}
	rec := &fakeRecorder{}
	sup := supervisor.New(reg, pub, config.SupervisorConfig{KillGrace: 300 * time.Millisecond}, logger, nil)
	catalog := tools.NewRegistry(cfg.Tools, logger, tools.WithTools(fakes...), tools.WithLookPath(installed))

	orch := New(cfg, sup, reg, catalog, logger, WithPublisher(pub), WithRecorder(rec))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, orch.Shutdown(ctx))
	})
	return &fixture{orch: orch, reg: reg, pub: pub, recorder: rec}
}

func waitTaskRunning(t *testing.T, reg *registry.Registry, id func() string) string {
	t.Helper()
	var taskID string
	require.Eventually(t, func() bool {
		taskID = id()
		if taskID == "" {
			return false
		}
		st, ok := reg.Status(taskID)
		return ok && st == schemas.TaskRunning
	}, 5*time.Second, 5*time.Millisecond)
	return taskID
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// -- Test Cases --

func TestShutdown(t *testing.T) {
	f := setup(t, fakeTool("sleeper", "sleeper", "sleep 30"))

	p, err := f.orch.StartPipeline("10.0.0.1", []schemas.StageRequest{{Tool: "sleeper"}, {Tool: "sleeper"}}, 0)
	require.NoError(t, err)
	waitTaskRunning(t, f.reg, func() string {
		v, _ := f.orch.GetPipeline(p.ID)
		return v.Stages[0].TaskID
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(ctx))

	v, err := f.orch.GetPipeline(p.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskKilled, v.Stages[0].Status, "the running stage is killed on shutdown")
	st, _ := f.reg.Status(v.Stages[0].TaskID)
	assert.Equal(t, schemas.TaskKilled, st)

	_, err = f.orch.StartPipeline("10.0.0.1", []schemas.StageRequest{{Tool: "sleeper"}}, 0)
	assert.ErrorIs(t, err, ErrShuttingDown)
	_, err = f.orch.StartRecon(ReconRequest{Target: "example.com"})
	assert.Error(t, err)
}

func TestSessionSourcesAdapter(t *testing.T) {
	src := sessionSource{view: schemas.SessionView{
		ID:     "s1",
		Target: "http://example.com",
		Status: schemas.RunKilled,
		Results: schemas.ReconResults{
			Subdomains: []schemas.Subdomain{{Name: "a.example.com"}},
		},
	}}
	assert.Equal(t, "http://example.com", src.SessionTarget())
	ref := src.SessionRef()
	assert.Equal(t, schemas.TaskKilled, ref.Status)
	assert.Equal(t, "session", ref.Source)
	assert.Equal(t, "web_recon", ref.Tool)

	facts := src.SessionFacts()
	assert.Len(t, facts.Subdomains, 1)
	assert.Nil(t, facts.Server, "an empty server banner is not a fact")
}
