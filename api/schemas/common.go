package schemas

import (
	"time"
)

// -- Common Schemas --

// Notification is an event about a task lifecycle transition or a workflow outcome.
// Only Read changes after creation.
type Notification struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	ToolName  string    `json:"tool_name"`
	TaskID    string    `json:"task_id"`
	Read      bool      `json:"read"`
	Timestamp time.Time `json:"timestamp"`
}

// Project groups scans of one engagement in the database.
type Project struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Target    string    `json:"target"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
}

// ScanRecord is the persisted form of one tool run.
type ScanRecord struct {
	ID         int64      `json:"id"`
	TaskID     string     `json:"task_id"`
	ProjectID  int64      `json:"project_id"`
	ToolName   string     `json:"tool_name"`
	Command    string     `json:"command"`
	Status     TaskStatus `json:"status"`
	Output     string     `json:"output,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
