package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/internal/observability"
	"github.com/xkilldash9x/scalpel-recon/internal/supervisor"
)

// newLogsCmd creates the `logs` command, which prints a task's archived
// output from supervisor.output_dir.
func newLogsCmd() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs <task-id>",
		Short: "Print or follow a task's archived output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cfg.Supervisor.OutputDir == "" {
				return errors.New("supervisor.output_dir is not configured; task output is not archived")
			}

			path := supervisor.ArchivePath(cfg.Supervisor.OutputDir, args[0])
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("no archived output for task %s: %w", args[0], err)
			}
			return tailArchive(ctx, path, follow, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "F", false, "Keep printing output as the task writes it")
	return cmd
}

// tailArchive copies path to out line by line. With follow it keeps waiting
// for new lines until ctx ends.
func tailArchive(ctx context.Context, path string, follow bool, out io.Writer) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    follow,
		ReOpen:    follow,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail %s: %w", path, err)
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = t.Stop()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case line, ok := <-t.Lines:
			if !ok {
				return t.Wait()
			}
			if line.Err != nil {
				observability.GetLogger().Warn("Error reading archived output", zap.String("path", path), zap.Error(line.Err))
				continue
			}
			if _, err := fmt.Fprintln(out, line.Text); err != nil {
				_ = t.Stop()
				return err
			}
		}
	}
}
