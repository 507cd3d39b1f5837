package schemas

import "time"

// -- Workflow Schemas --

// RunStatus is the overall state of a pipeline, recon session or double-check run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunKilled    RunStatus = "killed"
)

// Stage is one step of a workflow. Its status mirrors the underlying task's
// terminal status once the task finishes, but is tracked independently.
type Stage struct {
	Key         string     `json:"key,omitempty"`
	Tool        string     `json:"tool"`
	Label       string     `json:"label,omitempty"`
	TaskID      string     `json:"task_id,omitempty"`
	Status      TaskStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	SearchTerms []string   `json:"search_terms,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// StageRequest names a tool and its builder parameters.
type StageRequest struct {
	Tool   string         `json:"tool_name" yaml:"tool"`
	Label  string         `json:"label,omitempty" yaml:"label,omitempty"`
	Params map[string]any `json:"params" yaml:"params"`
}

// PipelineView is a snapshot of a sequential pipeline.
type PipelineView struct {
	ID           string     `json:"pipeline_id"`
	ProjectID    int64      `json:"project_id,omitempty"`
	Target       string     `json:"target"`
	Status       RunStatus  `json:"status"`
	Stages       []Stage    `json:"stages"`
	CurrentStage int        `json:"current_stage"`
	TotalStages  int        `json:"total_stages"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// ReconResults is the structured bundle a recon session accumulates.
type ReconResults struct {
	Subdomains   []Subdomain  `json:"subdomains"`
	Directories  []Directory  `json:"directories"`
	Technologies []Technology `json:"technologies"`
	Exploits     []Exploit    `json:"exploits"`
	ServerInfo   ServerInfo   `json:"server_info"`
}

// SessionView is a snapshot of a parallel recon session.
type SessionView struct {
	ID         string       `json:"session_id"`
	Target     string       `json:"target"`
	Domain     string       `json:"domain"`
	URL        string       `json:"url"`
	Mode       string       `json:"mode"`
	Status     RunStatus    `json:"status"`
	Stages     []Stage      `json:"stages"`
	Results    ReconResults `json:"results"`
	Succeeded  int          `json:"succeeded"`
	Failed     int          `json:"failed"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// Verification classifications for a double-checked target. A run without
// a second pass is not classified.
const (
	VerdictConfirmed     = "CONFIRMED"
	VerdictInconsistent  = "INCONSISTENT"
	VerdictNotApplicable = "N/A"
)

// PassComparison holds both passes of a double-check for one URL.
type PassComparison struct {
	URL            string      `json:"url"`
	Pass1          WAFVerdict  `json:"pass1"`
	Pass2          *WAFVerdict `json:"pass2,omitempty"`
	Pass1TaskID    string      `json:"pass1_task_id,omitempty"`
	Pass2TaskID    string      `json:"pass2_task_id,omitempty"`
	Classification string      `json:"classification"`
}

// DoubleCheckView is a snapshot of a multi-pass WAF verification run.
type DoubleCheckView struct {
	ID         string           `json:"id"`
	TaskID     string           `json:"task_id"`
	URLs       []string         `json:"urls"`
	Status     RunStatus        `json:"status"`
	Results    []PassComparison `json:"results"`
	Findings   []Finding        `json:"findings"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}
