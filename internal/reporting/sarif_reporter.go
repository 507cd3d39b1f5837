package reporting

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/observability"
	"github.com/xkilldash9x/scalpel-recon/internal/reporting/sarif"
)

// Constants for tool identification in the SARIF report.
const (
	ToolName     = "Scalpel Recon"
	ToolInfoURI  = "https://github.com/xkilldash9x/scalpel-recon"
	SARIFVersion = "2.1.0"
	SARIFSchema  = "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json"
)

// ruleIDSanitizer keeps alphanumerics, underscore and dot. Every other run of
// characters collapses into one hyphen.
var ruleIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.]+`)

// RuleFingerprint identifies a rule definition by its content.
type RuleFingerprint string

func calculateFingerprint(f schemas.Finding) RuleFingerprint {
	data := struct {
		Name            string
		Description     string
		Recommendations []string
		Tool            string
	}{
		Name:            f.Name,
		Description:     f.Description,
		Recommendations: f.Recommendations,
		Tool:            f.Tool,
	}
	h := sha1.New()
	_ = json.NewEncoder(h).Encode(data)
	return RuleFingerprint(hex.EncodeToString(h.Sum(nil)))
}

// resultFingerprint is stable across runs for the same finding at the same location.
func resultFingerprint(ruleID string, f schemas.Finding) string {
	sum := sha1.Sum([]byte(ruleID + "\x00" + location(f)))
	return hex.EncodeToString(sum[:])
}

// SARIFReporter implements the Reporter interface for the SARIF 2.1.0 format.
// It is thread safe.
type SARIFReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
	log    *sarif.Log
	// mu protects the log structure and the maps.
	mu sync.Mutex
	// rulesByFingerprint maps a content fingerprint to the generated rule id.
	rulesByFingerprint map[RuleFingerprint]string
	// ruleIDUsage counts uses of a base rule id so colliding definitions get suffixes.
	ruleIDUsage map[string]int
}

// NewSARIFReporter creates a new reporter that writes SARIF output.
func NewSARIFReporter(writer io.WriteCloser, toolVersion string) *SARIFReporter {
	log := &sarif.Log{
		Version: SARIFVersion,
		Schema:  SARIFSchema,
		Runs: []*sarif.Run{
			{
				Tool: &sarif.Tool{
					Driver: &sarif.ToolComponent{
						Name:           ToolName,
						Version:        pString(toolVersion),
						InformationURI: pString(ToolInfoURI),
						Rules:          []*sarif.ReportingDescriptor{},
					},
				},
				Results: []*sarif.Result{},
			},
		},
	}

	return &SARIFReporter{
		writer:             writer,
		logger:             observability.GetLogger().Named("sarif_reporter"),
		log:                log,
		rulesByFingerprint: make(map[RuleFingerprint]string),
		ruleIDUsage:        make(map[string]int),
	}
}

// Write converts the batch's findings, plus findings derived from its
// targets, into SARIF results.
func (r *SARIFReporter) Write(in Input) error {
	findings := append([]schemas.Finding(nil), in.Findings...)
	for _, t := range in.Targets {
		findings = append(findings, TargetFindings(t)...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	for _, f := range findings {
		ruleID := r.ensureRule(f)

		text := f.Description
		if text == "" {
			text = f.Name
		}
		res := &sarif.Result{
			RuleID:              ruleID,
			Message:             &sarif.Message{Text: pString(text)},
			Level:               sarif.Level(mapSeverityToSARIFLevel(f.Severity)),
			Locations:           createLocations(f),
			PartialFingerprints: map[string]string{"scalpelResult/v1": resultFingerprint(ruleID, f)},
		}
		if f.TaskID != "" || f.ID != "" {
			res.Properties = &sarif.PropertyBag{"findingId": f.ID, "taskId": f.TaskID, "severity": string(f.Severity)}
		}
		run.Results = append(run.Results, res)
	}

	if len(findings) > 0 {
		r.logger.Debug("Wrote findings to SARIF buffer", zap.Int("findings_count", len(findings)))
	}
	return nil
}

// Close finalizes the SARIF log and writes it to the output writer.
func (r *SARIFReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	end := utcNow().Format(time.RFC3339)
	run.Invocations = []*sarif.Invocation{{ExecutionSuccessful: true, EndTimeUTC: &end}}

	r.logger.Info("Finalizing SARIF report",
		zap.Int("total_results", len(run.Results)),
		zap.Int("total_rules", len(run.Tool.Driver.Rules)),
	)

	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	encodeErr := encoder.Encode(r.log)
	closeErr := r.writer.Close()

	if encodeErr != nil {
		r.logger.Error("Failed to encode SARIF log to JSON", zap.Error(encodeErr))
		return fmt.Errorf("failed to encode SARIF output: %w", encodeErr)
	}
	if closeErr != nil {
		r.logger.Error("Failed to close output writer", zap.Error(closeErr))
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	return nil
}

func sanitizeRuleName(name string) string {
	if name == "" {
		return "UNNAMED-FINDING"
	}
	s := strings.Trim(ruleIDSanitizer.ReplaceAllString(strings.ToUpper(name), "-"), "-")
	if s == "" {
		return "UNKNOWN-FINDING"
	}
	return s
}

// ensureRule returns the rule id for the finding's definition, registering a
// new rule the first time a definition is seen. Callers hold r.mu.
func (r *SARIFReporter) ensureRule(f schemas.Finding) string {
	fingerprint := calculateFingerprint(f)
	if id, ok := r.rulesByFingerprint[fingerprint]; ok {
		return id
	}

	base := "SCALPEL-" + sanitizeRuleName(ruleName(f))
	usage := r.ruleIDUsage[base]
	r.ruleIDUsage[base] = usage + 1
	id := base
	if usage > 0 {
		id = fmt.Sprintf("%s-%d", base, usage)
		r.logger.Debug("Rule ID collision detected, generated new ID with suffix",
			zap.String("base_id", base), zap.String("final_id", id))
	}

	recs := strings.Join(f.Recommendations, "\n")
	markdown := fmt.Sprintf("**Finding:** %s\n\n**Description:**\n%s\n\n**Recommendations:**\n%s",
		f.Name, f.Description, bulleted(f.Recommendations))
	tags := []string{"security", "scalpel"}
	if f.Tool != "" {
		tags = append(tags, f.Tool)
	}

	r.log.Runs[0].Tool.Driver.Rules = append(r.log.Runs[0].Tool.Driver.Rules, &sarif.ReportingDescriptor{
		ID:               id,
		Name:             pString(f.Name),
		ShortDescription: &sarif.MultiformatMessageString{Text: pString(f.Name)},
		FullDescription:  &sarif.MultiformatMessageString{Text: pString(f.Description)},
		Help:             &sarif.MultiformatMessageString{Text: pString(recs), Markdown: pString(markdown)},
		Properties: &sarif.PropertyBag{
			"tags":              tags,
			"precision":         "high",
			"security-severity": securitySeverity(f.Severity),
		},
	})
	r.rulesByFingerprint[fingerprint] = id
	return id
}

// ruleName drops the per-target suffix ("…: https://x") so findings of the
// same kind share a base rule id.
func ruleName(f schemas.Finding) string {
	if i := strings.Index(f.Name, ":"); i > 0 {
		return f.Name[:i]
	}
	return f.Name
}

func bulleted(lines []string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("- " + l + "\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func location(f schemas.Finding) string {
	if f.URL != "" {
		return f.URL
	}
	return f.Component
}

func createLocations(f schemas.Finding) []*sarif.Location {
	where := location(f)
	if where == "" {
		return nil
	}
	return []*sarif.Location{{
		PhysicalLocation: &sarif.PhysicalLocation{
			ArtifactLocation: &sarif.ArtifactLocation{URI: pString(where)},
		},
		Message: &sarif.Message{Text: pString("Observed at " + where)},
	}}
}

// mapSeverityToSARIFLevel converts a finding severity to the SARIF level.
func mapSeverityToSARIFLevel(severity schemas.Severity) string {
	switch strings.ToLower(string(severity)) {
	case "critical", "high":
		return string(sarif.LevelError)
	case "medium":
		return string(sarif.LevelWarning)
	default:
		return string(sarif.LevelNote)
	}
}

// securitySeverity is the CVSS-like score code scanning UIs rank rules by.
func securitySeverity(severity schemas.Severity) string {
	switch strings.ToLower(string(severity)) {
	case "critical":
		return "9.5"
	case "high":
		return "8.0"
	case "medium":
		return "5.5"
	case "low":
		return "3.0"
	default:
		return "0.0"
	}
}

func pString(s string) *string {
	return &s
}
