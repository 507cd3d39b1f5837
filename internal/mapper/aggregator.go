// internal/mapper/aggregator.go
package mapper

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/extract"
)

// SourceProvider lists the external result bundles, such as recon sessions,
// merged alongside task history. Sources are returned in start order.
type SourceProvider interface {
	SessionSources() []schemas.SessionSource
}

// Aggregator recomputes target records from the task history on every call.
// It holds no state of its own besides its collaborators.
type Aggregator struct {
	tasks      schemas.TaskReader
	extractors *extract.Registry
	sources    []SourceProvider
	logger     *zap.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithSources adds providers of session bundles.
func WithSources(p ...SourceProvider) Option {
	return func(a *Aggregator) {
		a.sources = append(a.sources, p...)
	}
}

// New creates an Aggregator over the task reader.
func New(tasks schemas.TaskReader, extractors *extract.Registry, logger *zap.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if extractors == nil {
		extractors = extract.NewRegistry(logger)
	}
	a := &Aggregator{
		tasks:      tasks,
		extractors: extractors,
		logger:     logger.Named("mapper"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ListTargets merges every task and session into per-target records, sorted
// by target name.
func (a *Aggregator) ListTargets() []schemas.TargetRecord {
	builders := a.build()
	out := make([]schemas.TargetRecord, 0, len(builders))
	for _, b := range builders {
		out = append(out, b.record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// GetTarget returns the record for name, matched case-insensitively.
func (a *Aggregator) GetTarget(name string) (schemas.TargetRecord, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	b, ok := a.build()[key]
	if !ok {
		return schemas.TargetRecord{}, false
	}
	return b.record(), true
}

// Graph lays out the record for name. An unknown target yields an empty graph.
func (a *Aggregator) Graph(name string) (schemas.GraphView, bool) {
	rec, ok := a.GetTarget(name)
	if !ok {
		return schemas.GraphView{Target: name, Nodes: []schemas.Node{}, Edges: []schemas.Edge{}}, false
	}
	return Layout(rec), true
}

func (a *Aggregator) build() map[string]*recordBuilder {
	builders := make(map[string]*recordBuilder)
	get := func(target string) *recordBuilder {
		key := strings.ToLower(target)
		b, ok := builders[key]
		if !ok {
			b = newRecordBuilder(key)
			builders[key] = b
		}
		return b
	}

	if a.tasks != nil {
		tasks := a.tasks.Snapshot()
		// Observation order decides which scalar facts win.
		sort.SliceStable(tasks, func(i, j int) bool {
			if !tasks[i].StartedAt.Equal(tasks[j].StartedAt) {
				return tasks[i].StartedAt.Before(tasks[j].StartedAt)
			}
			return tasks[i].ID < tasks[j].ID
		})
		for _, task := range tasks {
			a.mergeTask(task, get)
		}
	}

	for _, p := range a.sources {
		for _, src := range p.SessionSources() {
			a.mergeSource(src, get)
		}
	}
	return builders
}

func (a *Aggregator) mergeTask(task schemas.TaskView, get func(string) *recordBuilder) {
	if task.ID == "" {
		return
	}
	targets := Targets(task.CommandLine())
	if len(targets) == 0 {
		return
	}

	facts := a.extractors.Run(extract.Input{Tool: task.Tool, Command: task.CommandLine(), Output: task.Output})
	ref := schemas.ScanRef{TaskID: task.ID, Tool: task.Tool, Status: task.Status, StartedAt: task.StartedAt, Source: "task"}

	for _, target := range targets {
		b := get(target)
		b.addScan(ref)
		b.addFacts(facts)
		if task.Status == schemas.TaskError || task.Status == schemas.TaskKilled {
			b.addError(schemas.ScanError{
				TaskID:  task.ID,
				Tool:    task.Tool,
				Status:  task.Status,
				Message: lastLine(task.Output),
			})
		}
	}
}

func (a *Aggregator) mergeSource(src schemas.SessionSource, get func(string) *recordBuilder) {
	if src == nil {
		return
	}
	targets := Targets(src.SessionTarget())
	if len(targets) == 0 {
		a.logger.Debug("Session target holds no host", zap.String("target", src.SessionTarget()))
		return
	}
	b := get(targets[0])
	b.addScan(src.SessionRef())
	b.addFacts(src.SessionFacts())
}

func lastLine(output string) string {
	ls := strings.Split(strings.TrimRight(extract.StripANSI(output), "\r\n\t "), "\n")
	for i := len(ls) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(ls[i]); l != "" {
			if len(l) > 200 {
				l = l[:200]
			}
			return l
		}
	}
	return ""
}

// recordBuilder accumulates one target's facts with per-category dedup keys.
type recordBuilder struct {
	rec      schemas.TargetRecord
	ports    map[string]int
	subs     map[string]struct{}
	dirs     map[string]struct{}
	techs    map[string]struct{}
	exploits map[string]struct{}
	vulns    map[string]struct{}
	dns      map[string]struct{}
	scans    map[string]struct{}
	errs     map[string]struct{}
}

func newRecordBuilder(target string) *recordBuilder {
	return &recordBuilder{
		rec: schemas.TargetRecord{
			Target:       target,
			RootDomain:   RootDomain(target),
			Ports:        []schemas.Port{},
			Subdomains:   []schemas.Subdomain{},
			Directories:  []schemas.Directory{},
			Technologies: []schemas.Technology{},
			Exploits:     []schemas.Exploit{},
			Vulns:        []string{},
			DNS:          []schemas.DNSRecord{},
			Errors:       []schemas.ScanError{},
			Scans:        []schemas.ScanRef{},
		},
		ports:    make(map[string]int),
		subs:     make(map[string]struct{}),
		dirs:     make(map[string]struct{}),
		techs:    make(map[string]struct{}),
		exploits: make(map[string]struct{}),
		vulns:    make(map[string]struct{}),
		dns:      make(map[string]struct{}),
		scans:    make(map[string]struct{}),
		errs:     make(map[string]struct{}),
	}
}

func portKey(p schemas.Port) string {
	return strconv.Itoa(p.Port) + "/" + strings.ToLower(p.Proto)
}

func (b *recordBuilder) addScan(ref schemas.ScanRef) {
	key := ref.Source + ":" + ref.TaskID
	if _, dup := b.scans[key]; dup {
		return
	}
	b.scans[key] = struct{}{}
	b.rec.Scans = append(b.rec.Scans, ref)
}

func (b *recordBuilder) addError(e schemas.ScanError) {
	if _, dup := b.errs[e.TaskID]; dup {
		return
	}
	b.errs[e.TaskID] = struct{}{}
	b.rec.Errors = append(b.rec.Errors, e)
}

func (b *recordBuilder) addFacts(f schemas.Facts) {
	for _, p := range f.Ports {
		key := portKey(p)
		if i, dup := b.ports[key]; dup {
			// Later scans only fill in what earlier ones left blank.
			existing := &b.rec.Ports[i]
			if existing.Service == "" {
				existing.Service = p.Service
			}
			if existing.Version == "" {
				existing.Version = p.Version
			}
			continue
		}
		b.ports[key] = len(b.rec.Ports)
		b.rec.Ports = append(b.rec.Ports, p)
	}
	for _, s := range f.Subdomains {
		if once(b.subs, strings.ToLower(s.Name)) {
			b.rec.Subdomains = append(b.rec.Subdomains, s)
		}
	}
	for _, d := range f.Directories {
		if once(b.dirs, d.URL) {
			b.rec.Directories = append(b.rec.Directories, d)
		}
	}
	for _, t := range f.Technologies {
		if once(b.techs, strings.ToLower(t.Name)) {
			b.rec.Technologies = append(b.rec.Technologies, t)
		}
	}
	for _, e := range f.Exploits {
		if once(b.exploits, e.Title) {
			b.rec.Exploits = append(b.rec.Exploits, e)
		}
	}
	for _, v := range f.Vulns {
		if once(b.vulns, v) {
			b.rec.Vulns = append(b.rec.Vulns, v)
		}
	}
	for _, r := range f.DNS {
		if once(b.dns, fmt.Sprintf("%s|%s|%s", r.Type, strings.ToLower(r.Name), r.Value)) {
			b.rec.DNS = append(b.rec.DNS, r)
		}
	}

	// Scalars: last observation wins, but an empty one never clears.
	if f.WAF != nil && f.WAF.Known() {
		w := *f.WAF
		b.rec.WAF = &w
	}
	if f.Whois != nil && !f.Whois.IsZero() {
		w := *f.Whois
		b.rec.Whois = &w
	}
	if f.TLS != nil && !f.TLS.IsZero() {
		t := *f.TLS
		b.rec.TLS = &t
	}
	if f.Server != nil && !f.Server.IsZero() {
		merged := schemas.ServerInfo{}
		if b.rec.Server != nil {
			merged = *b.rec.Server
		}
		if f.Server.Server != "" {
			merged.Server = f.Server.Server
		}
		if f.Server.IP != "" {
			merged.IP = f.Server.IP
		}
		if f.Server.Country != "" {
			merged.Country = f.Server.Country
		}
		b.rec.Server = &merged
	}
}

func once(seen map[string]struct{}, key string) bool {
	if key == "" {
		return false
	}
	if _, dup := seen[key]; dup {
		return false
	}
	seen[key] = struct{}{}
	return true
}

// record returns a copy safe to hand to callers.
func (b *recordBuilder) record() schemas.TargetRecord {
	return b.rec
}
