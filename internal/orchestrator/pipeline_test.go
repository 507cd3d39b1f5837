//go:build unix

package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/config"
	"github.com/xkilldash9x/scalpel-recon/internal/tools"
)

func TestQuickStages(t *testing.T) {
	tests := []struct {
		mode  string
		tools []string
	}{
		{"full", []string{"nmap", "nmap", "nxc", "enum4linux", "whatweb", "nikto", "nmap"}},
		{"recon", []string{"nmap", "nmap"}},
		{"enum", []string{"nxc", "enum4linux"}},
		{"web", []string{"whatweb", "nikto"}},
		{"vuln", []string{"nmap"}},
	}
	for _, tt := range tests {
		t.Run("should build the "+tt.mode+" mode", func(t *testing.T) {
			stages, err := QuickStages(tt.mode, "10.0.0.5")
			require.NoError(t, err)
			var names []string
			for _, s := range stages {
				names = append(names, s.Tool)
				assert.Equal(t, "10.0.0.5", s.Params["target"])
			}
			assert.Equal(t, tt.tools, names)
		})
	}

	t.Run("should reject an unknown mode", func(t *testing.T) {
		_, err := QuickStages("stealthy", "10.0.0.5")
		assert.ErrorIs(t, err, ErrUnknownMode)
	})

	t.Run("should pass real builder parameters", func(t *testing.T) {
		stages, err := QuickStages("enum", "10.0.0.5")
		require.NoError(t, err)
		catalog := tools.NewRegistry(config.NewDefaultConfig().Tools, nil, tools.WithLookPath(installed))
		argv, err := catalog.Build(stages[0].Tool, stages[0].Params)
		require.NoError(t, err)
		assert.Equal(t, []string{"/bin/sh", "smb", "10.0.0.5", "--shares", "--users"}, argv)
	})
}

func TestStartPipeline_Preconditions(t *testing.T) {
	f := setup(t)

	_, err := f.orch.StartPipeline("  ", []schemas.StageRequest{{Tool: "nmap"}}, 0)
	assert.ErrorIs(t, err, tools.ErrEmptyTarget)

	_, err = f.orch.StartPipeline("10.0.0.1", nil, 0)
	assert.ErrorIs(t, err, ErrNoStages)

	_, err = f.orch.StartQuickPipeline("bogus", "10.0.0.1", 0)
	assert.ErrorIs(t, err, ErrUnknownMode)

	_, err = f.orch.GetPipeline("missing")
	assert.ErrorIs(t, err, ErrPipelineNotFound)
	assert.ErrorIs(t, f.orch.KillPipeline("missing"), ErrPipelineNotFound)
	assert.Empty(t, f.reg.Snapshot(), "no task is created for rejected requests")
}

func TestPipeline_UnknownToolDoesNotAbort(t *testing.T) {
	f := setup(t,
		fakeTool("scan_a", "scan_a", `echo "22/tcp open ssh"`),
		fakeTool("scan_c", "scan_c", `echo "third $1"`),
	)

	stages := []schemas.StageRequest{
		{Tool: "scan_a"},
		{Tool: "no_such_tool"},
		{Tool: "scan_c"},
	}
	p, err := f.orch.StartPipeline("10.0.0.1", stages, 7)
	require.NoError(t, err)
	assert.Equal(t, schemas.RunRunning, p.Status)
	assert.Equal(t, 3, p.TotalStages)

	v, err := f.orch.WaitPipeline(waitCtx(t), p.ID)
	require.NoError(t, err)

	assert.Equal(t, schemas.RunCompleted, v.Status)
	require.NotNil(t, v.FinishedAt)
	assert.Equal(t, 3, v.CurrentStage)
	require.Len(t, v.Stages, 3)

	assert.Equal(t, schemas.TaskCompleted, v.Stages[0].Status)
	assert.Equal(t, schemas.TaskError, v.Stages[1].Status)
	assert.Contains(t, v.Stages[1].Error, "unknown tool")
	assert.Empty(t, v.Stages[1].TaskID, "no process is spawned for an unresolvable tool")
	assert.Equal(t, schemas.TaskCompleted, v.Stages[2].Status)

	out, ok := f.reg.Get(v.Stages[2].TaskID)
	require.True(t, ok)
	assert.Equal(t, "third 10.0.0.1\n", out.Output, "the pipeline target is passed to every stage")

	assert.Len(t, f.pub.titled("Pipeline completed"), 1)

	scans := f.recorder.all()
	require.Len(t, scans, 2, "only stages that ran are persisted")
	assert.Equal(t, int64(7), scans[0].projectID)
}

func TestPipeline_StageTargetOverride(t *testing.T) {
	f := setup(t, fakeTool("echo", "echo", `echo "$1"`))

	p, err := f.orch.StartPipeline("10.0.0.1", []schemas.StageRequest{
		{Tool: "echo", Params: map[string]any{"target": "10.0.0.9"}},
	}, 0)
	require.NoError(t, err)
	v, err := f.orch.WaitPipeline(waitCtx(t), p.ID)
	require.NoError(t, err)

	task, _ := f.reg.Get(v.Stages[0].TaskID)
	assert.Equal(t, "10.0.0.9\n", task.Output)
}

func TestPipeline_FailingStageContinues(t *testing.T) {
	f := setup(t,
		fakeTool("fails", "fails", `echo boom; exit 2`),
		fakeTool("ok", "ok", `echo fine`),
	)

	p, err := f.orch.StartPipeline("example.com", []schemas.StageRequest{{Tool: "fails"}, {Tool: "ok"}}, 0)
	require.NoError(t, err)
	v, err := f.orch.WaitPipeline(waitCtx(t), p.ID)
	require.NoError(t, err)

	assert.Equal(t, schemas.RunCompleted, v.Status)
	assert.Equal(t, schemas.TaskError, v.Stages[0].Status)
	assert.Equal(t, schemas.TaskCompleted, v.Stages[1].Status)
}

func TestKillPipeline(t *testing.T) {
	f := setup(t,
		fakeTool("sleeper", "sleeper", `sleep 30`),
		fakeTool("never", "never", `echo should not run`),
	)

	p, err := f.orch.StartPipeline("10.0.0.1", []schemas.StageRequest{{Tool: "sleeper"}, {Tool: "never"}}, 0)
	require.NoError(t, err)
	taskID := waitTaskRunning(t, f.reg, func() string {
		v, _ := f.orch.GetPipeline(p.ID)
		return v.Stages[0].TaskID
	})

	require.NoError(t, f.orch.KillPipeline(p.ID))
	v, err := f.orch.WaitPipeline(waitCtx(t), p.ID)
	require.NoError(t, err)

	assert.Equal(t, schemas.RunKilled, v.Status)
	assert.Equal(t, schemas.TaskKilled, v.Stages[0].Status)
	assert.Equal(t, schemas.TaskKilled, v.Stages[1].Status)
	assert.Empty(t, v.Stages[1].TaskID, "later stages never start")

	st, _ := f.reg.Status(taskID)
	assert.Equal(t, schemas.TaskKilled, st)
	assert.Len(t, f.reg.Snapshot(), 1)
	assert.Empty(t, f.pub.titled("Pipeline completed"))

	assert.NoError(t, f.orch.KillPipeline(p.ID), "killing a finished pipeline is a no-op")
}

func TestListPipelines_NewestFirst(t *testing.T) {
	f := setup(t, fakeTool("ok", "ok", `true`))

	first, err := f.orch.StartPipeline("a.example.com", []schemas.StageRequest{{Tool: "ok"}}, 0)
	require.NoError(t, err)
	second, err := f.orch.StartPipeline("b.example.com", []schemas.StageRequest{{Tool: "ok"}}, 0)
	require.NoError(t, err)

	_, _ = f.orch.WaitPipeline(waitCtx(t), first.ID)
	_, _ = f.orch.WaitPipeline(waitCtx(t), second.ID)

	list := f.orch.ListPipelines()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}
