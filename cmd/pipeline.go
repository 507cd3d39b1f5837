package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/observability"
	"github.com/xkilldash9x/scalpel-recon/internal/orchestrator"
	"github.com/xkilldash9x/scalpel-recon/internal/service"
	"github.com/xkilldash9x/scalpel-recon/internal/tools"
)

// newPipelineCmd creates the `pipeline` command, which runs a YAML pipeline
// or a quick-auto mode in the foreground.
func newPipelineCmd(factory service.ComponentFactory) *cobra.Command {
	var file, quick string
	var projectID int64
	var showOutput bool

	cmd := &cobra.Command{
		Use:   "pipeline [target]",
		Short: "Run a sequential pipeline from a file or a quick-auto mode",
		Example: `  scalpel-recon pipeline -f recon.yaml
  scalpel-recon pipeline -f recon.yaml staging.example.com
  scalpel-recon pipeline --quick web http://10.0.0.5`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			var target string
			if len(args) == 1 {
				target = args[0]
			}
			var stages []schemas.StageRequest
			switch {
			case file != "" && quick != "":
				return errors.New("--file and --quick are mutually exclusive")
			case file != "":
				pf, err := tools.LoadPipelineFile(file)
				if err != nil {
					return err
				}
				stages = pf.Stages
				if target == "" {
					target = pf.Target
				}
			case quick != "":
				if target == "" {
					return errors.New("a target is required with --quick")
				}
				if stages, err = orchestrator.QuickStages(quick, target); err != nil {
					return err
				}
			default:
				return errors.New("one of --file or --quick is required")
			}

			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			view, err := components.Orchestrator.StartPipeline(target, stages, projectID)
			if err != nil {
				return err
			}
			logger.Debug("Pipeline started", zap.String("pipeline_id", view.ID))

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Pipeline %s: %d stage(s) against %s\n", view.ID, view.TotalStages, view.Target)

			printer := &stagePrinter{out: out, tasks: components.Registry, showOutput: showOutput}
			final, err := followPipeline(ctx, components.Orchestrator, view.ID, printer.update)
			if err != nil {
				return err
			}

			completed := 0
			for _, s := range final.Stages {
				if s.Status == schemas.TaskCompleted {
					completed++
				}
			}
			fmt.Fprintf(out, "Pipeline %s %s: %d/%d stages completed\n", final.ID, final.Status, completed, final.TotalStages)
			if final.Status == schemas.RunKilled {
				return fmt.Errorf("pipeline %s was killed", final.ID)
			}
			if completed < final.TotalStages {
				return fmt.Errorf("%d stage(s) did not complete", final.TotalStages-completed)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML pipeline definition")
	cmd.Flags().StringVar(&quick, "quick", "", "Quick-auto mode: full, recon, enum, web or vuln")
	cmd.Flags().Int64Var(&projectID, "project", 0, "Record the scans under this project id")
	cmd.Flags().BoolVar(&showOutput, "show-output", false, "Print each stage's output when it finishes")
	return cmd
}

// followPipeline polls the pipeline, reporting every snapshot, until it
// leaves the running state. An interrupted ctx kills the pipeline.
func followPipeline(ctx context.Context, orch *orchestrator.Orchestrator, id string, onUpdate func(schemas.PipelineView)) (schemas.PipelineView, error) {
	ticker := time.NewTicker(waitInterval)
	defer ticker.Stop()
	for {
		view, err := orch.GetPipeline(id)
		if err != nil {
			return schemas.PipelineView{}, err
		}
		onUpdate(view)
		if view.Status != schemas.RunRunning {
			// Let the workflow goroutine finish its bookkeeping.
			return orch.WaitPipeline(context.Background(), id)
		}
		select {
		case <-ctx.Done():
			_ = orch.KillPipeline(id)
			final, _ := orch.WaitPipeline(context.Background(), id)
			onUpdate(final)
			return final, ctx.Err()
		case <-ticker.C:
		}
	}
}

// stagePrinter prints each stage transition once.
type stagePrinter struct {
	out        io.Writer
	tasks      schemas.TaskReader
	showOutput bool
	seen       map[int]schemas.TaskStatus
}

func (p *stagePrinter) update(v schemas.PipelineView) {
	if p.seen == nil {
		p.seen = make(map[int]schemas.TaskStatus)
	}
	for i, st := range v.Stages {
		if prev, ok := p.seen[i]; ok && prev == st.Status {
			continue
		}
		p.seen[i] = st.Status
		if st.Status == schemas.TaskPending {
			continue
		}
		line := fmt.Sprintf("[%d/%d] %-14s %s", i+1, v.TotalStages, st.Tool, st.Status)
		if st.TaskID != "" {
			line += " (task " + st.TaskID + ")"
		}
		if st.Error != "" {
			line += ": " + st.Error
		}
		fmt.Fprintln(p.out, line)

		if p.showOutput && st.Status.IsTerminal() && st.TaskID != "" {
			if task, ok := p.tasks.Get(st.TaskID); ok && task.Output != "" {
				fmt.Fprint(p.out, task.Output)
				if task.Output[len(task.Output)-1] != '\n' {
					fmt.Fprintln(p.out)
				}
			}
		}
	}
}
