package reporting

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Document is the JSON report layout.
type Document struct {
	Tool        string                 `json:"tool"`
	Version     string                 `json:"version"`
	GeneratedAt time.Time              `json:"generated_at"`
	Summary     map[string]int         `json:"summary"`
	Targets     []schemas.TargetRecord `json:"targets"`
	Findings    []schemas.Finding      `json:"findings"`
}

// JSONReporter collects targets and findings and writes one indented document.
type JSONReporter struct {
	mu      sync.Mutex
	writer  io.WriteCloser
	logger  *zap.Logger
	version string
	targets []schemas.TargetRecord
	finds   []schemas.Finding
}

// NewJSONReporter creates a JSON reporter that owns writer.
func NewJSONReporter(writer io.WriteCloser, toolVersion string) *JSONReporter {
	return &JSONReporter{
		writer:  writer,
		logger:  observability.GetLogger().Named("json_reporter"),
		version: toolVersion,
		targets: []schemas.TargetRecord{},
		finds:   []schemas.Finding{},
	}
}

// Write adds the batch's findings and the findings derived from its targets.
func (r *JSONReporter) Write(in Input) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, in.Targets...)
	r.finds = append(r.finds, in.Findings...)
	for _, t := range in.Targets {
		r.finds = append(r.finds, TargetFindings(t)...)
	}
	return nil
}

// Close writes the document. Findings are ordered by severity, then id.
func (r *JSONReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	findings := append([]schemas.Finding(nil), r.finds...)
	sort.SliceStable(findings, func(i, j int) bool {
		ri, rj := findings[i].Severity.Rank(), findings[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		return findings[i].ID < findings[j].ID
	})
	summary := make(map[string]int)
	for _, f := range findings {
		summary[string(f.Severity)]++
	}
	if findings == nil {
		findings = []schemas.Finding{}
	}

	doc := Document{
		Tool:        ToolName,
		Version:     r.version,
		GeneratedAt: utcNow(),
		Summary:     summary,
		Targets:     r.targets,
		Findings:    findings,
	}

	enc := json.NewEncoder(r.writer)
	enc.SetIndent("", "  ")
	encodeErr := enc.Encode(doc)
	closeErr := r.writer.Close()
	if encodeErr != nil {
		r.logger.Error("Failed to encode JSON report", zap.Error(encodeErr))
		return fmt.Errorf("failed to encode JSON output: %w", encodeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	r.logger.Info("Wrote JSON report", zap.Int("targets", len(doc.Targets)), zap.Int("findings", len(findings)))
	return nil
}
