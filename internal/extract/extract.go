package extract

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
)

// Input is everything an extractor may look at for one task.
type Input struct {
	Tool    string
	Command string
	Output  string
}

// Extractor turns raw tool output into typed facts. Implementations must be
// total: any input, however malformed, yields a (possibly empty) result.
type Extractor interface {
	Name() string
	Extract(in Input) schemas.Facts
}

type extractorFunc struct {
	name string
	fn   func(Input) schemas.Facts
}

func (e extractorFunc) Name() string                   { return e.name }
func (e extractorFunc) Extract(in Input) schemas.Facts { return e.fn(in) }

// New wraps a function as an Extractor.
func New(name string, fn func(Input) schemas.Facts) Extractor {
	return extractorFunc{name: name, fn: fn}
}

// Registry maps tool names to the extractors run over their output.
type Registry struct {
	byTool map[string][]Extractor
	common []Extractor
	logger *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithToolExtractors replaces the extractors registered for one tool.
func WithToolExtractors(tool string, extractors ...Extractor) Option {
	return func(r *Registry) {
		r.byTool[tool] = extractors
	}
}

// WithCommon replaces the extractors applied to every tool's output.
func WithCommon(extractors ...Extractor) Option {
	return func(r *Registry) {
		r.common = extractors
	}
}

var (
	portsExtractor       = New("ports", func(in Input) schemas.Facts { return schemas.Facts{Ports: Ports(in.Output)} })
	nmapXMLExtractor     = New("nmap_xml", func(in Input) schemas.Facts { return schemas.Facts{Ports: NmapXML(in.Output)} })
	subdomainExtractor   = New("subdomains", func(in Input) schemas.Facts { return schemas.Facts{Subdomains: Subdomains(in.Output)} })
	directoryExtractor   = New("directories", func(in Input) schemas.Facts { return schemas.Facts{Directories: Directories(in.Output)} })
	vulnExtractor        = New("vulns", func(in Input) schemas.Facts { return schemas.Facts{Vulns: Vulns(in.Output)} })
	niktoExtractor       = New("nikto", func(in Input) schemas.Facts { return schemas.Facts{Vulns: NiktoFindings(in.Output)} })
	nucleiExtractor      = New("nuclei", func(in Input) schemas.Facts { return schemas.Facts{Vulns: NucleiFindings(in.Output)} })
	wpscanExtractor      = New("wpscan", func(in Input) schemas.Facts { return schemas.Facts{Vulns: WPScanFindings(in.Output)} })
	ffufSubdomainExtract = New("ffuf_subdomains", func(in Input) schemas.Facts {
		domain := FuzzDomain(in.Command)
		if domain == "" {
			return schemas.Facts{}
		}
		return schemas.Facts{Subdomains: FfufSubdomains(in.Output, domain)}
	})
	techExtractor = New("technologies", func(in Input) schemas.Facts {
		techs, server := Technologies(in.Output)
		f := schemas.Facts{Technologies: techs}
		if !server.IsZero() {
			f.Server = &server
		}
		return f
	})
	exploitExtractor = New("exploits", func(in Input) schemas.Facts {
		return schemas.Facts{Exploits: Exploits(in.Output, SearchTerm(in.Command))}
	})
	wafExtractor = New("waf", func(in Input) schemas.Facts {
		v := WAF(in.Output, "")
		if !v.Known() {
			return schemas.Facts{}
		}
		return schemas.Facts{WAF: &v}
	})
	whoisExtractor = New("whois", func(in Input) schemas.Facts {
		w := Whois(in.Output)
		if w.IsZero() {
			return schemas.Facts{}
		}
		return schemas.Facts{Whois: &w}
	})
	tlsExtractor = New("tls", func(in Input) schemas.Facts {
		t := TLS(in.Output)
		if t.IsZero() {
			return schemas.Facts{}
		}
		return schemas.Facts{TLS: &t}
	})
	dnsExtractor = New("dns", func(in Input) schemas.Facts { return schemas.Facts{DNS: DNS(in.Output)} })
)

// NewRegistry returns the default tool to extractor mapping. Every tool with
// output additionally gets the vulnerability line extractor.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		byTool: map[string][]Extractor{
			"nmap":         {portsExtractor, nmapXMLExtractor},
			"amass":        {subdomainExtractor},
			"gobuster_dns": {subdomainExtractor},
			"dnsenum":      {subdomainExtractor},
			"ffuf":         {directoryExtractor, ffufSubdomainExtract},
			"gobuster_dir": {directoryExtractor},
			"dirb":         {directoryExtractor},
			"feroxbuster":  {directoryExtractor},
			"whatweb":      {techExtractor},
			"searchsploit": {exploitExtractor},
			"wafw00f":      {wafExtractor},
			"whois":        {whoisExtractor},
			"sslscan":      {tlsExtractor},
			"dig":          {dnsExtractor},
			"nikto":        {niktoExtractor},
			"nuclei":       {nucleiExtractor},
			"wpscan":       {wpscanExtractor},
		},
		common: []Extractor{vulnExtractor},
		logger: logger.Named("extract"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Known reports whether tool has a dedicated parser.
func (r *Registry) Known(tool string) bool {
	_, ok := r.byTool[tool]
	return ok
}

// Tools lists the tools with dedicated parsers.
func (r *Registry) Tools() []string {
	out := make([]string, 0, len(r.byTool))
	for t := range r.byTool {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Run applies the tool's extractors and the common ones to in. A panicking
// extractor contributes nothing and the rest still run.
func (r *Registry) Run(in Input) schemas.Facts {
	var facts schemas.Facts
	if in.Output == "" {
		return facts
	}
	for _, e := range r.byTool[in.Tool] {
		facts.Add(r.safeExtract(e, in))
	}
	for _, e := range r.common {
		facts.Add(r.safeExtract(e, in))
	}
	return facts
}

func (r *Registry) safeExtract(e Extractor, in Input) (out schemas.Facts) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Extractor panicked",
				zap.String("extractor", e.Name()),
				zap.String("tool", in.Tool),
				zap.String("panic", fmt.Sprint(rec)))
			out = schemas.Facts{}
		}
	}()
	return e.Extract(in)
}

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// StripANSI removes terminal colour sequences.
func StripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

func lines(s string) []string {
	return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}
