package schemas

import (
	"context"
)

// -- Core Service Interfaces --

// TaskReader is the read side of the task registry. Pollers, streamers and the
// aggregator depend on it instead of the concrete registry.
type TaskReader interface {
	// Get returns a copy of the task record.
	Get(id string) (TaskView, bool)
	// Snapshot returns copies of every record in creation order.
	Snapshot() []TaskView
}

// Publisher emits notifications. Publish must not block on subscriber delivery.
type Publisher interface {
	Publish(title, message string, severity Severity, toolName, taskID string) Notification
}

// OutputSink receives output chunks of a running task as they are read.
type OutputSink interface {
	Send(chunk string) error
}

// ToolRunner launches one tool invocation under a task id and returns its accumulated output.
type ToolRunner interface {
	Run(ctx context.Context, taskID string, argv []string, toolName string, sink OutputSink) string
	Kill(taskID string) bool
	Status(taskID string) (TaskView, bool)
}

// SessionSource is anything that exposes a target and a bundle of already
// structured results, such as a recon session. The aggregator merges these
// alongside task output.
type SessionSource interface {
	SessionTarget() string
	SessionRef() ScanRef
	SessionFacts() Facts
}

// ScanRecorder persists the outcome of tool runs. Implementations must be safe
// for concurrent use.
type ScanRecorder interface {
	RecordScan(ctx context.Context, projectID int64, task TaskView) error
	RecordFindings(ctx context.Context, projectID int64, task TaskView, findings []Finding) error
}
