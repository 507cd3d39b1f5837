package reporting_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/reporting"
	"github.com/xkilldash9x/scalpel-recon/internal/reporting/sarif"
)

// MockWriteCloser allows capturing output and simulating I/O errors.
type MockWriteCloser struct {
	Buffer    *bytes.Buffer
	FailWrite bool
	FailClose bool
}

func (m *MockWriteCloser) Write(p []byte) (n int, err error) {
	if m.FailWrite {
		return 0, errors.New("simulated write error")
	}
	return m.Buffer.Write(p)
}

func (m *MockWriteCloser) Close() error {
	if m.FailClose {
		return errors.New("simulated close error")
	}
	return nil
}

func setupSARIFTest(_ *testing.T) (*reporting.SARIFReporter, *MockWriteCloser) {
	mockWriter := &MockWriteCloser{Buffer: new(bytes.Buffer)}
	return reporting.NewSARIFReporter(mockWriter, "v1.2.3-test"), mockWriter
}

func decodeSARIF(t *testing.T, raw []byte) *sarif.Run {
	t.Helper()
	var log sarif.Log
	require.NoError(t, json.Unmarshal(raw, &log), "Output should be valid SARIF JSON")
	require.Len(t, log.Runs, 1)
	return log.Runs[0]
}

func TestSARIFReporter_Initialization(t *testing.T) {
	reporter, writer := setupSARIFTest(t)
	require.NoError(t, reporter.Close())

	var log sarif.Log
	require.NoError(t, json.Unmarshal(writer.Buffer.Bytes(), &log))
	assert.Equal(t, reporting.SARIFVersion, log.Version)
	require.Len(t, log.Runs, 1)
	run := log.Runs[0]

	require.NotNil(t, run.Tool)
	require.NotNil(t, run.Tool.Driver)
	assert.Equal(t, reporting.ToolName, run.Tool.Driver.Name)
	assert.Equal(t, "v1.2.3-test", *run.Tool.Driver.Version)
	require.NotNil(t, run.Results)
	assert.Empty(t, run.Results)
	require.Len(t, run.Invocations, 1)
	assert.True(t, run.Invocations[0].ExecutionSuccessful)
}

func TestSARIFReporter_WriteAndClose(t *testing.T) {
	reporter, writer := setupSARIFTest(t)

	noWAF := schemas.Finding{
		ID: "W-001", Name: "No WAF Detected: https://a.com", Severity: schemas.SeverityCritical,
		Description: "exposed", URL: "https://a.com", Tool: "wafw00f", TaskID: "abcd1234",
		Recommendations: []string{"Deploy a WAF."},
	}
	sameKind := noWAF
	sameKind.ID = "W-002"
	sameKind.URL = "https://b.com"
	confirmed := schemas.Finding{
		ID: "W-003", Name: "WAF Detected (Confirmed): AcmeWAF", Severity: schemas.SeverityMedium,
		Description: "protected", URL: "https://c.com", Tool: "wafw00f",
	}

	require.NoError(t, reporter.Write(reporting.Input{Findings: []schemas.Finding{noWAF, sameKind}}))
	require.NoError(t, reporter.Write(reporting.Input{Findings: []schemas.Finding{confirmed}}))
	require.NoError(t, reporter.Close())

	run := decodeSARIF(t, writer.Buffer.Bytes())
	require.Len(t, run.Results, 3)
	rules := run.Tool.Driver.Rules
	require.Len(t, rules, 2, "identical definitions share a rule")

	assert.Equal(t, "SCALPEL-NO-WAF-DETECTED", rules[0].ID)
	assert.Equal(t, "SCALPEL-WAF-DETECTED-CONFIRMED", rules[1].ID)
	assert.Contains(t, *rules[0].Help.Markdown, "- Deploy a WAF.")
	assert.Equal(t, "9.5", (*rules[0].Properties)["security-severity"])
	assert.Equal(t, "5.5", (*rules[1].Properties)["security-severity"])

	first := run.Results[0]
	assert.Equal(t, "SCALPEL-NO-WAF-DETECTED", first.RuleID)
	assert.Equal(t, sarif.LevelError, first.Level)
	assert.Equal(t, "exposed", *first.Message.Text)
	require.Len(t, first.Locations, 1)
	assert.Equal(t, "https://a.com", *first.Locations[0].PhysicalLocation.ArtifactLocation.URI)
	assert.NotEqual(t, first.PartialFingerprints["scalpelResult/v1"], run.Results[1].PartialFingerprints["scalpelResult/v1"],
		"results at different locations fingerprint differently")
	assert.Equal(t, sarif.LevelWarning, run.Results[2].Level)
}

func TestSARIFReporter_TargetsBecomeResults(t *testing.T) {
	reporter, writer := setupSARIFTest(t)
	rec := schemas.TargetRecord{
		Target:   "example.com",
		Exploits: []schemas.Exploit{{Title: "Apache 2.4.49 - Path Traversal", Path: "exploits/multiple/webapps/50383.sh", SearchTerm: "Apache 2.4.49", Type: "exploit"}},
		Vulns:    []string{"+ /admin/: Admin login page found."},
	}
	require.NoError(t, reporter.Write(reporting.Input{Targets: []schemas.TargetRecord{rec}}))
	require.NoError(t, reporter.Close())

	run := decodeSARIF(t, writer.Buffer.Bytes())
	require.Len(t, run.Results, 2)
	assert.Equal(t, "SCALPEL-PUBLIC-EXPLOIT", run.Results[0].RuleID)
	assert.Equal(t, sarif.LevelError, run.Results[0].Level)
	assert.Equal(t, "SCALPEL-VULNERABILITY-INDICATOR", run.Results[1].RuleID)
}

func TestSARIFReporter_RuleCollisionHandling(t *testing.T) {
	reporter, writer := setupSARIFTest(t)

	a := schemas.Finding{Name: "Open Port", Description: "first definition", Severity: schemas.SeverityLow}
	b := schemas.Finding{Name: "Open Port", Description: "second definition", Severity: schemas.SeverityLow}
	c := schemas.Finding{Name: "Open-Port", Description: "third definition", Severity: schemas.SeverityLow}

	require.NoError(t, reporter.Write(reporting.Input{Findings: []schemas.Finding{a, b, c, a}}))
	require.NoError(t, reporter.Close())

	run := decodeSARIF(t, writer.Buffer.Bytes())
	var ids []string
	for _, r := range run.Tool.Driver.Rules {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"SCALPEL-OPEN-PORT", "SCALPEL-OPEN-PORT-1", "SCALPEL-OPEN-PORT-2"}, ids)
	assert.Equal(t, "SCALPEL-OPEN-PORT", run.Results[3].RuleID, "a repeated definition reuses its rule")
}

func TestSARIFReporter_RuleIDSanitization(t *testing.T) {
	tests := []struct {
		name, expected string
	}{
		{"Cross-Site Scripting (XSS)", "SCALPEL-CROSS-SITE-SCRIPTING-XSS"},
		{"weak_cipher.v2", "SCALPEL-WEAK_CIPHER.V2"},
		{"!!!", "SCALPEL-UNKNOWN-FINDING"},
		{"", "SCALPEL-UNNAMED-FINDING"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("should sanitize %q", tt.name), func(t *testing.T) {
			reporter, writer := setupSARIFTest(t)
			require.NoError(t, reporter.Write(reporting.Input{Findings: []schemas.Finding{{Name: tt.name, Description: "d"}}}))
			require.NoError(t, reporter.Close())
			run := decodeSARIF(t, writer.Buffer.Bytes())
			require.Len(t, run.Tool.Driver.Rules, 1)
			assert.Equal(t, tt.expected, run.Tool.Driver.Rules[0].ID)
		})
	}
}

func TestSARIFReporter_Concurrency(t *testing.T) {
	reporter, writer := setupSARIFTest(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f := schemas.Finding{Name: fmt.Sprintf("Finding %d", i%5), Description: "d", URL: fmt.Sprintf("https://%d.example", i)}
			assert.NoError(t, reporter.Write(reporting.Input{Findings: []schemas.Finding{f}}))
		}()
	}
	wg.Wait()
	require.NoError(t, reporter.Close())

	run := decodeSARIF(t, writer.Buffer.Bytes())
	assert.Len(t, run.Results, 20)
	assert.Len(t, run.Tool.Driver.Rules, 5)
}

func TestSARIFReporter_ErrorHandling(t *testing.T) {
	t.Run("should surface close errors", func(t *testing.T) {
		reporter, writer := setupSARIFTest(t)
		writer.FailClose = true
		err := reporter.Close()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to close output writer")
	})

	t.Run("should prefer the encode error", func(t *testing.T) {
		reporter, writer := setupSARIFTest(t)
		writer.FailWrite = true
		writer.FailClose = true
		err := reporter.Close()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to encode SARIF output")
	})
}
