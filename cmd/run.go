package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/observability"
	"github.com/xkilldash9x/scalpel-recon/internal/orchestrator"
	"github.com/xkilldash9x/scalpel-recon/internal/service"
)

// waitInterval is how often the CLI polls for a terminal status.
const waitInterval = 100 * time.Millisecond

// newRunCmd creates the `run` command, which runs one tool in the foreground
// and streams its output.
func newRunCmd(factory service.ComponentFactory) *cobra.Command {
	var rawParams []string
	var projectID int64
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run <tool> <target>",
		Short: "Run one tool against a target and stream its output",
		Example: `  scalpel-recon run nmap 10.0.0.5 -p scan_type=service -p ports=1-1024
  scalpel-recon run ffuf http://example.com -p wordlist=/tmp/words.txt`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			params["target"] = args[1]

			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			out := &lockedWriter{w: cmd.OutOrStdout()}
			view, err := components.Orchestrator.RunTool(orchestrator.ToolRequest{
				Tool:      args[0],
				Params:    params,
				ProjectID: projectID,
			}, writerSink{out})
			if err != nil {
				return err
			}
			logger.Debug("Task started", zap.String("task_id", view.ID), zap.Strings("command", view.Command))

			final, err := waitForTask(ctx, components.Orchestrator, view.ID, timeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "\n%s\n", taskSummary(final))
			if final.Status != schemas.TaskCompleted {
				return fmt.Errorf("task %s finished with status %s", final.ID, final.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&rawParams, "param", "p", nil, "Tool parameter as key=value (repeatable)")
	cmd.Flags().Int64Var(&projectID, "project", 0, "Record the scan under this project id")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Kill the tool after this long (0 waits indefinitely)")
	return cmd
}

// waitForTask waits for a terminal status. When ctx ends or the timeout
// expires the task is killed and its final view is still returned.
func waitForTask(ctx context.Context, orch *orchestrator.Orchestrator, id string, timeout time.Duration) (schemas.TaskView, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	final, err := orch.WaitTask(waitCtx, id, waitInterval)
	if err == nil {
		return final, nil
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return schemas.TaskView{}, err
	}

	orch.KillTask(id)
	// The kill is bounded by the supervisor's grace period.
	final, werr := orch.WaitTask(context.Background(), id, waitInterval)
	if werr != nil {
		return schemas.TaskView{}, werr
	}
	if ctx.Err() != nil {
		return final, ctx.Err()
	}
	return final, nil
}

// parseParams turns key=value pairs into tool parameters. Values stay strings;
// the catalogue's accessors convert them.
func parseParams(raw []string) (map[string]any, error) {
	params := make(map[string]any, len(raw)+1)
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", kv)
		}
		params[key] = value
	}
	return params, nil
}

func taskSummary(t schemas.TaskView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s", t.ID, t.Tool, t.Status)
	if t.ExitCode != nil {
		b.WriteString(" (exit ")
		b.WriteString(strconv.Itoa(*t.ExitCode))
		b.WriteString(")")
	}
	if t.FinishedAt != nil && !t.StartedAt.IsZero() {
		fmt.Fprintf(&b, " in %s", t.FinishedAt.Sub(t.StartedAt).Round(time.Millisecond))
	}
	return b.String()
}

// writerSink streams task output to a terminal.
type writerSink struct {
	w io.Writer
}

func (s writerSink) Send(chunk string) error {
	_, err := io.WriteString(s.w, chunk)
	return err
}

// lockedWriter serializes writes from concurrently running stages.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
