// File: internal/supervisor/supervisor.go
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/config"
	"github.com/xkilldash9x/scalpel-recon/internal/observability"
	"github.com/xkilldash9x/scalpel-recon/internal/registry"
)

// ErrEmptyCommand is reported in the task output when Run receives no argv.
var ErrEmptyCommand = errors.New("empty command")

const readBufferSize = 64 * 1024

// process tracks one live subprocess. exited is set once Wait has returned;
// from then on the task has no live process even while its output drains.
type process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu            sync.Mutex
	exited        bool
	killRequested bool
}

// markExited records that Wait returned and reports whether a kill was
// requested before that.
func (p *process) markExited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exited = true
	return p.killRequested
}

// requestKill flags the process for killing. ok is false once it has exited;
// first is true for the first request.
func (p *process) requestKill() (ok, first bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return false, false
	}
	first = !p.killRequested
	p.killRequested = true
	return true, first
}

// Supervisor launches tool subprocesses, streams their merged output into the
// registry and terminates them on request.
type Supervisor struct {
	registry *registry.Registry
	bus      schemas.Publisher
	metrics  *observability.Metrics
	logger   *zap.Logger
	cfg      config.SupervisorConfig

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu     sync.Mutex
	active map[string]*process
}

// Ensures Supervisor can be handed to orchestrators as a ToolRunner.
var _ schemas.ToolRunner = (*Supervisor)(nil)

// New creates a supervisor. bus and metrics may be nil.
func New(reg *registry.Registry, bus schemas.Publisher, cfg config.SupervisorConfig, logger *zap.Logger, metrics *observability.Metrics) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = time.Second
	}
	s := &Supervisor{
		registry: reg,
		bus:      bus,
		metrics:  metrics,
		logger:   logger.Named("supervisor"),
		cfg:      cfg,
		active:   make(map[string]*process),
	}
	if cfg.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	if cfg.SpawnRate > 0 {
		burst := cfg.SpawnBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SpawnRate), burst)
	}
	return s
}

// Registry returns the task registry the supervisor writes to.
func (s *Supervisor) Registry() *registry.Registry {
	return s.registry
}

// Run executes argv under taskID and returns everything the tool printed. It
// never fails: spawn and read errors end the task in error with an [ERROR]
// line in its output. Cancelling ctx kills the process, or marks the task
// killed if it was still waiting for a slot. sink may be nil.
func (s *Supervisor) Run(ctx context.Context, taskID string, argv []string, toolName string, sink schemas.OutputSink) string {
	s.registry.Create(taskID, toolName, argv)
	log := s.logger.With(zap.String("task_id", taskID), zap.String("tool", toolName))

	if err := s.acquire(ctx); err != nil {
		s.registry.Append(taskID, "\n[KILLED] cancelled before start\n")
		s.finish(taskID, toolName, schemas.TaskKilled, nil, false)
		log.Warn("Task cancelled while waiting to start", zap.Error(err))
		return s.output(taskID)
	}
	defer s.release()

	if len(argv) == 0 {
		return s.fail(log, taskID, toolName, ErrEmptyCommand)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return s.fail(log, taskID, toolName, fmt.Errorf("failed to create output pipe: %w", err))
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return s.fail(log, taskID, toolName, err)
	}
	// The child holds its own copy; ours must go so EOF arrives when it exits.
	pw.Close()

	p := &process{cmd: cmd, done: make(chan struct{})}
	s.mu.Lock()
	s.active[taskID] = p
	s.mu.Unlock()

	s.registry.MarkRunning(taskID)
	s.metrics.TaskStarted(toolName)
	log.Info("Tool started", zap.Int("pid", cmd.Process.Pid), zap.String("command", strings.Join(argv, " ")))

	stop := context.AfterFunc(ctx, func() { s.Kill(taskID) })
	defer stop()

	archive := s.openArchive(log, taskID)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.pump(log, taskID, toolName, pr, archive, sink)
	}()

	waitErr := cmd.Wait()
	killed := p.markExited()
	select {
	case <-readDone:
	case <-time.After(s.cfg.KillGrace):
		// Something outside the process group still holds the pipe.
		pr.Close()
		<-readDone
	}
	pr.Close()
	if archive != nil {
		archive.Close()
	}

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	var status schemas.TaskStatus
	var exitErr *exec.ExitError
	switch {
	case killed:
		status = schemas.TaskKilled
	case waitErr == nil && exitCode == 0:
		status = schemas.TaskCompleted
	default:
		status = schemas.TaskError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			s.registry.Append(taskID, fmt.Sprintf("\n[ERROR] %v\n", waitErr))
		}
	}

	if s.finish(taskID, toolName, status, &exitCode, true) {
		switch status {
		case schemas.TaskCompleted:
			log.Info("Tool completed")
		case schemas.TaskKilled:
			log.Warn("Tool killed", zap.Int("exit_code", exitCode))
		default:
			log.Warn("Tool exited with error", zap.Int("exit_code", exitCode))
		}
	}

	s.mu.Lock()
	delete(s.active, taskID)
	s.mu.Unlock()
	close(p.done)

	return s.output(taskID)
}

// pump copies merged output line by line into the registry, the archive and
// the sink. Invalid UTF-8 is replaced rather than aborting the read.
func (s *Supervisor) pump(log *zap.Logger, taskID, toolName string, r io.Reader, archive *os.File, sink schemas.OutputSink) {
	reader := bufio.NewReaderSize(r, readBufferSize)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			chunk := strings.ToValidUTF8(line, "\uFFFD")
			s.registry.Append(taskID, chunk)
			s.metrics.OutputCaptured(toolName, len(chunk))

			if archive != nil {
				if _, werr := archive.WriteString(chunk); werr != nil {
					log.Warn("Disabling output archive", zap.Error(werr))
					archive = nil
				}
			}
			if sink != nil {
				if serr := send(sink, chunk); serr != nil {
					log.Debug("Live output sink failed, continuing without it", zap.Error(serr))
					sink = nil
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.registry.Append(taskID, fmt.Sprintf("\n[ERROR] %v\n", err))
			}
			return
		}
	}
}

// send shields the read loop from sinks that panic.
func send(sink schemas.OutputSink, chunk string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return sink.Send(chunk)
}

func (s *Supervisor) openArchive(log *zap.Logger, taskID string) *os.File {
	if s.cfg.OutputDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
		log.Warn("Cannot create output directory", zap.Error(err))
		return nil
	}
	f, err := os.OpenFile(ArchivePath(s.cfg.OutputDir, taskID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		log.Warn("Cannot open output archive", zap.Error(err))
		return nil
	}
	return f
}

// ArchivePath is where a task's output copy lives under dir.
func ArchivePath(dir, taskID string) string {
	return filepath.Join(dir, filepath.Base(taskID)+".log")
}

// fail records a spawn-time failure as an error status with a synthesized output line.
func (s *Supervisor) fail(log *zap.Logger, taskID, toolName string, err error) string {
	s.registry.Append(taskID, fmt.Sprintf("\n[ERROR] %v\n", err))
	s.finish(taskID, toolName, schemas.TaskError, nil, false)
	log.Error("Failed to start tool", zap.Error(err))
	return s.output(taskID)
}

// finish applies a terminal status and, if it took effect, emits metrics and a notification.
func (s *Supervisor) finish(taskID, toolName string, status schemas.TaskStatus, exitCode *int, wasRunning bool) bool {
	if !s.registry.Finish(taskID, status, exitCode) {
		return false
	}
	s.metrics.TaskFinished(toolName, string(status), wasRunning)
	s.announce(taskID, toolName, status, exitCode)
	return true
}

func (s *Supervisor) announce(taskID, toolName string, status schemas.TaskStatus, exitCode *int) {
	if s.bus == nil {
		return
	}
	label := toolName
	if label == "" {
		label = "Task"
	}
	switch status {
	case schemas.TaskCompleted:
		s.bus.Publish(label+" completed", fmt.Sprintf("Task %s finished successfully", taskID), schemas.SeveritySuccess, toolName, taskID)
	case schemas.TaskKilled:
		s.bus.Publish(label+" killed", fmt.Sprintf("Task %s was terminated", taskID), schemas.SeverityWarning, toolName, taskID)
	default:
		msg := fmt.Sprintf("Task %s failed", taskID)
		if exitCode != nil {
			msg = fmt.Sprintf("Task %s exited with code %d", taskID, *exitCode)
		}
		s.bus.Publish(label+" failed", msg, schemas.SeverityError, toolName, taskID)
	}
}

func (s *Supervisor) output(taskID string) string {
	v, _ := s.registry.Get(taskID)
	return v.Output
}

func (s *Supervisor) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return err
		}
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			if s.sem != nil {
				s.sem.Release(1)
			}
			return err
		}
	}
	return nil
}

func (s *Supervisor) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

// Kill terminates the task's process: a graceful signal first, then a forced
// kill after the grace period. It returns false when no process is active
// under taskID, including one that has exited but is still flushing output,
// leaving the record untouched.
func (s *Supervisor) Kill(taskID string) bool {
	s.mu.Lock()
	p, ok := s.active[taskID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	live, first := p.requestKill()
	if !live {
		return false
	}
	if first {
		s.logger.Warn("Killing task", zap.String("task_id", taskID))
	}
	_ = terminate(p.cmd)

	grace := s.cfg.KillGrace
	select {
	case <-p.done:
		return true
	case <-time.After(grace):
	}

	_ = forceKill(p.cmd)
	select {
	case <-p.done:
		return true
	case <-time.After(grace):
	}

	// The run loop is still stuck; the record is settled here instead and the
	// run loop's own finish becomes a no-op.
	v, _ := s.registry.Get(taskID)
	s.finish(taskID, v.Tool, schemas.TaskKilled, nil, true)
	return true
}

// Status returns the task's current record.
func (s *Supervisor) Status(taskID string) (schemas.TaskView, bool) {
	return s.registry.Get(taskID)
}

// Active returns the ids of tasks with a live process.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// KillAll kills every active task concurrently and waits for all of them.
func (s *Supervisor) KillAll() {
	var wg sync.WaitGroup
	for _, id := range s.Active() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Kill(id)
		}()
	}
	wg.Wait()
}
