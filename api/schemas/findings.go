package schemas

// Severity grades both findings and notifications. Findings use the
// critical..info scale; notifications also use success, warning and error.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"

	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

var severityOrder = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
	SeverityInfo:     4,
}

// Rank returns the sort position of a finding severity. Unknown values sort last.
func (s Severity) Rank() int {
	if r, ok := severityOrder[s]; ok {
		return r
	}
	return len(severityOrder)
}

// Finding is a reportable conclusion drawn from tool output.
type Finding struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Severity        Severity `json:"severity"`
	Description     string   `json:"description"`
	Recommendations []string `json:"recommendations,omitempty"`
	PoC             string   `json:"poc,omitempty"`
	URL             string   `json:"url,omitempty"`
	Component       string   `json:"component,omitempty"`
	Tool            string   `json:"tool,omitempty"`
	TaskID          string   `json:"task_id,omitempty"`
}
