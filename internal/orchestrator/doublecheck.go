package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/extract"
	"github.com/xkilldash9x/scalpel-recon/internal/tools"
)

const wafTool = "wafw00f"

var targetSplitRE = regexp.MustCompile(`[,\r\n]+`)

var wafRecommendations = map[string][]string{
	"no_waf": {
		"Deploy a Web Application Firewall to filter common web attacks such as SQL injection, XSS and file inclusion.",
		"Consider a managed WAF (Cloudflare, AWS WAF, Akamai) for immediate coverage.",
	},
	"detected": {
		"Verify the WAF rule set is current and covers the OWASP Top 10 categories.",
		"Test known bypass techniques to confirm the configuration resists evasion.",
	},
	"inconsistent": {
		"Investigate the inconsistent detection; the WAF may fail intermittently or a load balancer may route around it.",
		"Ensure every backend behind the load balancer has the same WAF coverage.",
	},
	"generic": {
		"The WAF could not be fingerprinted; rerun testing against all known signatures (-a).",
		"Review response headers for WAF indicators and reduce header exposure.",
	},
}

// DoubleCheckRequest verifies the WAF status of one or more URLs.
type DoubleCheckRequest struct {
	Targets     string `json:"target"`
	DoubleCheck bool   `json:"double_check"`
	AllWAF      bool   `json:"all_waf"`
	Verbose     bool   `json:"verbose"`
	ExtraFlags  string `json:"extra_flags"`
	ProjectID   int64  `json:"project_id,omitempty"`
}

// SplitTargets splits on commas and line breaks and drops blank entries.
func SplitTargets(raw string) []string {
	var out []string
	for _, part := range targetSplitRE.Split(raw, -1) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Classify compares the verdict labels of both passes. Without a second
// pass there is nothing to compare.
func Classify(pass1 schemas.WAFVerdict, pass2 *schemas.WAFVerdict) string {
	if pass2 == nil {
		return schemas.VerdictNotApplicable
	}
	if pass1.Label() == pass2.Label() {
		return schemas.VerdictConfirmed
	}
	return schemas.VerdictInconsistent
}

type checkRun struct {
	mu      sync.Mutex
	view    schemas.DoubleCheckView
	cancel  context.CancelFunc
	done    chan struct{}
	current string
}

func (c *checkRun) snapshot() schemas.DoubleCheckView {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.view
	v.URLs = append([]string(nil), c.view.URLs...)
	v.Results = append([]schemas.PassComparison{}, c.view.Results...)
	v.Findings = append([]schemas.Finding{}, c.view.Findings...)
	if v.FinishedAt != nil {
		t := *v.FinishedAt
		v.FinishedAt = &t
	}
	return v
}

func (c *checkRun) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.Status != schemas.RunRunning
}

// appendSink mirrors pass output into the aggregate task.
type appendSink struct {
	tasks TaskLog
	id    string
}

func (s appendSink) Send(chunk string) error {
	if !s.tasks.Append(s.id, chunk) {
		return fmt.Errorf("aggregate task %s is gone", s.id)
	}
	return nil
}

// StartDoubleCheck runs the WAF detector against every URL, twice in a row
// unless DoubleCheck is false, and classifies each pair of verdicts. All pass
// output is mirrored into one aggregate task.
func (o *Orchestrator) StartDoubleCheck(req DoubleCheckRequest) (schemas.DoubleCheckView, error) {
	if strings.TrimSpace(req.Targets) == "" {
		return schemas.DoubleCheckView{}, tools.ErrEmptyTarget
	}
	urls := SplitTargets(req.Targets)
	if len(urls) == 0 {
		return schemas.DoubleCheckView{}, ErrNoTargets
	}
	t, ok := o.catalog.Get(wafTool)
	if !ok {
		return schemas.DoubleCheckView{}, fmt.Errorf("%w: %s", tools.ErrUnknownTool, wafTool)
	}
	if _, err := o.catalog.Require(t.Binary()); err != nil {
		return schemas.DoubleCheckView{}, err
	}

	aggID := o.tasks.NewTaskID()
	ctx, cancel := context.WithCancel(o.baseCtx)
	run := &checkRun{
		view: schemas.DoubleCheckView{
			ID:        aggID,
			TaskID:    aggID,
			URLs:      urls,
			Status:    schemas.RunRunning,
			Results:   []schemas.PassComparison{},
			Findings:  []schemas.Finding{},
			StartedAt: *now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	err := o.spawn(func() {
		o.checks[run.view.ID] = run
		o.checkOrder = append(o.checkOrder, run.view.ID)
		command := strings.Fields(fmt.Sprintf("%s double-check on %d URL(s)", wafTool, len(urls)))
		o.tasks.Create(aggID, wafTool, command)
		o.tasks.MarkRunning(aggID)
	}, func() {
		defer close(run.done)
		defer cancel()
		o.executeDoubleCheck(ctx, run, req, urls)
	})
	if err != nil {
		cancel()
		return schemas.DoubleCheckView{}, err
	}
	o.logger.Info("WAF double-check started", zap.String("task_id", aggID), zap.Int("urls", len(urls)), zap.Bool("double_check", req.DoubleCheck))
	return run.snapshot(), nil
}

func (o *Orchestrator) executeDoubleCheck(ctx context.Context, run *checkRun, req DoubleCheckRequest, urls []string) {
	aggID := run.view.TaskID
	log := o.logger.With(zap.String("task_id", aggID))
	sink := appendSink{tasks: o.tasks, id: aggID}
	banner := strings.Repeat("=", 60)

	params := func(url string) tools.Params {
		return tools.Params{"target": url, "all_waf": req.AllWAF, "verbose": req.Verbose, "extra_flags": req.ExtraFlags}
	}
	pass := func(url string, n int) (schemas.WAFVerdict, string, string) {
		argv, err := o.catalog.Build(wafTool, params(url))
		if err != nil {
			o.tasks.Append(aggID, fmt.Sprintf("[ERROR] Pass %d failed: %v\n", n, err))
			return schemas.WAFVerdict{URL: url}, "", ""
		}
		view, out := o.runStage(ctx, argv, wafTool, sink, func(id string) {
			run.mu.Lock()
			run.current = id
			run.mu.Unlock()
		})
		o.metrics.StageFinished("double_check", string(view.Status))
		return extract.WAF(out, url), out, view.ID
	}

	type rawPasses struct{ pass1, pass2 string }
	var raws []rawPasses

	for _, url := range urls {
		if run.stopped() {
			break
		}
		o.tasks.Append(aggID, fmt.Sprintf("\n%s\n[*] Scanning: %s\n%s\n", banner, url, banner))

		o.tasks.Append(aggID, "\n--- Pass 1 ---\n")
		v1, out1, id1 := pass(url, 1)
		cmp := schemas.PassComparison{URL: url, Pass1: v1, Pass1TaskID: id1}
		raw := rawPasses{pass1: out1}

		if req.DoubleCheck && !run.stopped() {
			o.tasks.Append(aggID, "\n--- Pass 2 (Double Check) ---\n")
			v2, out2, id2 := pass(url, 2)
			cmp.Pass2 = &v2
			cmp.Pass2TaskID = id2
			raw.pass2 = out2
		}
		cmp.Classification = Classify(cmp.Pass1, cmp.Pass2)

		run.mu.Lock()
		run.current = ""
		run.view.Results = append(run.view.Results, cmp)
		run.mu.Unlock()
		raws = append(raws, raw)
	}

	run.mu.Lock()
	results := append([]schemas.PassComparison(nil), run.view.Results...)
	run.mu.Unlock()

	summary := []string{"", banner, "[*] DOUBLE-CHECK SUMMARY", banner}
	for _, r := range results {
		p2 := schemas.VerdictNotApplicable
		if r.Pass2 != nil {
			p2 = r.Pass2.Label()
		}
		summary = append(summary, fmt.Sprintf("  %s: Pass1=%s | Pass2=%s => %s", r.URL, r.Pass1.Label(), p2, r.Classification))
	}
	o.tasks.Append(aggID, strings.Join(summary, "\n")+"\n")

	findings := make([]schemas.Finding, 0, len(results))
	for i, r := range results {
		f := WAFFinding(r, raws[i].pass1, raws[i].pass2)
		f.Tool = wafTool
		f.TaskID = aggID
		findings = append(findings, f)
	}
	NumberFindings(findings)

	run.mu.Lock()
	killed := run.view.Status == schemas.RunKilled
	run.view.Findings = findings
	if !killed {
		run.view.Status = schemas.RunCompleted
		run.view.FinishedAt = now()
	}
	run.mu.Unlock()

	status := schemas.TaskCompleted
	if killed {
		status = schemas.TaskKilled
	}
	o.tasks.Finish(aggID, status, nil)

	agg, _ := o.tasks.Get(aggID)
	o.record(req.ProjectID, agg, findings)

	if killed {
		log.Warn("WAF double-check killed", zap.Int("checked", len(results)))
		return
	}
	msg := fmt.Sprintf("Scanned %d URL(s)", len(urls))
	if req.DoubleCheck {
		msg += " with double-check"
	}
	log.Info("WAF double-check completed", zap.Int("findings", len(findings)))
	o.publish("wafw00f scan completed", msg, schemas.SeveritySuccess, wafTool, aggID)
}

// WAFFinding turns one URL's pass verdicts into a finding. raw1 and raw2 are
// the passes' output, kept as evidence.
func WAFFinding(r schemas.PassComparison, raw1, raw2 string) schemas.Finding {
	p1, p2 := r.Pass1, r.Pass2
	url := r.URL

	poc := "=== Pass 1 ===\n" + extract.StripANSI(strings.TrimSpace(raw1))
	if p2 != nil {
		poc += "\n\n=== Pass 2 (Double Check) ===\n" + extract.StripANSI(strings.TrimSpace(raw2))
	}
	nameOr := func(v schemas.WAFVerdict, def string) string {
		if v.Name != "" {
			return v.Name
		}
		return def
	}
	f := schemas.Finding{PoC: poc, URL: url, Component: url}

	switch {
	case p1.NoWAF && (p2 == nil || p2.NoWAF):
		how := "detected in a single pass"
		if p2 != nil {
			how = "confirmed by double-check scanning"
		}
		f.Name = "No WAF Detected: " + url
		f.Severity = schemas.SeverityCritical
		f.Description = fmt.Sprintf("The target %s does not appear to be protected by a Web Application Firewall. This was %s. Without a WAF the application is directly exposed to web attacks.", url, how)
		f.Recommendations = wafRecommendations["no_waf"]

	case p1.Detected && p2 != nil && p2.Detected:
		n1, n2 := nameOr(p1, "Unknown/Generic"), nameOr(*p2, "Unknown/Generic")
		if n1 == n2 {
			f.Name = "WAF Detected (Confirmed): " + n1
			f.Severity = schemas.SeverityMedium
			f.Recommendations = wafRecommendations["detected"]
			detail := "The WAF was positively identified."
			if p1.Generic {
				f.Severity = schemas.SeverityLow
				f.Recommendations = wafRecommendations["generic"]
				detail = "The WAF was detected generically and could not be fingerprinted."
			}
			f.Description = fmt.Sprintf("The target %s is protected by %s. Detection was confirmed across both passes. %s", url, n1, detail)
		} else {
			f.Name = fmt.Sprintf("WAF Inconsistent: %s vs %s", n1, n2)
			f.Severity = schemas.SeverityHigh
			f.Description = fmt.Sprintf("The target %s returned inconsistent results. Pass 1 identified %q while pass 2 identified %q, which may indicate a load balancer routing to differently configured backends.", url, n1, n2)
			f.Recommendations = wafRecommendations["inconsistent"]
		}

	case p1.Detected && p2 != nil && p2.NoWAF:
		f.Name = "WAF Inconsistent: Detected then Absent on " + url
		f.Severity = schemas.SeverityHigh
		f.Description = fmt.Sprintf("Pass 1 detected a WAF (%s) on %s but pass 2 found none. Coverage may be intermittent or a load balancer misconfigured.", nameOr(p1, "generic"), url)
		f.Recommendations = wafRecommendations["inconsistent"]

	case p1.NoWAF && p2 != nil && p2.Detected:
		f.Name = "WAF Inconsistent: Absent then Detected on " + url
		f.Severity = schemas.SeverityHigh
		f.Description = fmt.Sprintf("Pass 1 found no WAF on %s but pass 2 detected %s. Coverage may be intermittent.", url, nameOr(*p2, "a generic WAF"))
		f.Recommendations = wafRecommendations["inconsistent"]

	case p1.Detected && p2 == nil:
		name := nameOr(p1, "Unknown/Generic")
		f.Name = "WAF Detected: " + name
		f.Severity = schemas.SeverityInfo
		if p1.Generic {
			f.Severity = schemas.SeverityLow
		}
		f.Description = fmt.Sprintf("The target %s is protected by %s (single-pass detection).", url, name)
		f.Recommendations = wafRecommendations["detected"]

	default:
		f.Name = "WAF Status Unknown: " + url
		f.Severity = schemas.SeverityInfo
		f.Description = fmt.Sprintf("The WAF status of %s could not be determined. The target may be unreachable or returned unexpected responses.", url)
		f.Recommendations = wafRecommendations["generic"]
	}
	return f
}

// NumberFindings sorts findings by severity, keeping input order within a
// severity, and assigns W-001 style ids.
func NumberFindings(findings []schemas.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Severity.Rank() < findings[j].Severity.Rank()
	})
	for i := range findings {
		findings[i].ID = fmt.Sprintf("W-%03d", i+1)
	}
}

func (o *Orchestrator) check(id string) (*checkRun, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.checks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCheckNotFound, id)
	}
	return c, nil
}

// GetDoubleCheck returns a snapshot of a double-check run.
func (o *Orchestrator) GetDoubleCheck(id string) (schemas.DoubleCheckView, error) {
	c, err := o.check(id)
	if err != nil {
		return schemas.DoubleCheckView{}, err
	}
	return c.snapshot(), nil
}

// ListDoubleChecks returns every double-check run, newest first.
func (o *Orchestrator) ListDoubleChecks() []schemas.DoubleCheckView {
	o.mu.RLock()
	runs := make([]*checkRun, 0, len(o.checkOrder))
	for _, id := range o.checkOrder {
		runs = append(runs, o.checks[id])
	}
	o.mu.RUnlock()

	out := make([]schemas.DoubleCheckView, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		out = append(out, runs[i].snapshot())
	}
	return out
}

// KillDoubleCheck stops a run after killing its current pass. URLs already
// checked keep their results and findings.
func (o *Orchestrator) KillDoubleCheck(id string) error {
	c, err := o.check(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.view.Status != schemas.RunRunning {
		c.mu.Unlock()
		return nil
	}
	c.view.Status = schemas.RunKilled
	c.view.FinishedAt = now()
	current := c.current
	c.mu.Unlock()

	c.cancel()
	if current != "" {
		o.runner.Kill(current)
	}
	o.logger.Warn("WAF double-check kill requested", zap.String("task_id", id))
	return nil
}

// WaitDoubleCheck blocks until the run's goroutine has returned.
func (o *Orchestrator) WaitDoubleCheck(ctx context.Context, id string) (schemas.DoubleCheckView, error) {
	c, err := o.check(id)
	if err != nil {
		return schemas.DoubleCheckView{}, err
	}
	select {
	case <-c.done:
		return c.snapshot(), nil
	case <-ctx.Done():
		return c.snapshot(), ctx.Err()
	}
}
