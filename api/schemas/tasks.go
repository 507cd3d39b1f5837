package schemas

import (
	"strings"
	"time"
)

// -- Task Schemas --

// TaskStatus is the lifecycle state of one supervised tool invocation.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskError     TaskStatus = "error"
	TaskKilled    TaskStatus = "killed"
)

// rank orders statuses along the lifecycle. All terminal states share a rank.
func (s TaskStatus) rank() int {
	switch s {
	case TaskPending:
		return 0
	case TaskRunning:
		return 1
	case TaskCompleted, TaskError, TaskKilled:
		return 2
	default:
		return -1
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s.rank() == 2
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.IsTerminal() || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// TaskView is a point-in-time copy of a task record.
type TaskView struct {
	ID         string     `json:"task_id"`
	Tool       string     `json:"tool_name"`
	Command    []string   `json:"command"`
	Status     TaskStatus `json:"status"`
	Output     string     `json:"output"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
}

// CommandLine joins the argument vector the way it is shown to users and scanned for targets.
func (t TaskView) CommandLine() string {
	return strings.Join(t.Command, " ")
}

// TaskSummary is the list form of a task, without its output.
type TaskSummary struct {
	ID         string     `json:"task_id"`
	Tool       string     `json:"tool_name"`
	Command    string     `json:"command"`
	Status     TaskStatus `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	OutputSize int        `json:"output_size"`
}

// Summary drops the output from a view.
func (t TaskView) Summary() TaskSummary {
	return TaskSummary{
		ID:         t.ID,
		Tool:       t.Tool,
		Command:    t.CommandLine(),
		Status:     t.Status,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
		OutputSize: len(t.Output),
	}
}
