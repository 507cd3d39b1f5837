package schemas

import "time"

// -- Extracted Facts --

// Port is one port line from a port scanner.
type Port struct {
	Port    int    `json:"port"`
	Proto   string `json:"proto"`
	State   string `json:"state"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// Subdomain is a discovered host name. Status is the HTTP status when the
// discovery came from a fuzzer, zero otherwise.
type Subdomain struct {
	Name   string `json:"subdomain"`
	Status int    `json:"status,omitempty"`
}

// Directory is a discovered path or URL with its response status.
type Directory struct {
	URL    string `json:"url"`
	Status int    `json:"status"`
	Size   int    `json:"size,omitempty"`
}

// Technology is a fingerprinted component.
type Technology struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Detail   string `json:"detail"`
	Category string `json:"category"`
}

// Exploit is a candidate exploit or shellcode entry from an exploit database search.
type Exploit struct {
	Title      string `json:"title"`
	Path       string `json:"path"`
	SearchTerm string `json:"search_term,omitempty"`
	Type       string `json:"type"`
}

// WAFVerdict is the parsed result of one WAF detection pass.
type WAFVerdict struct {
	URL      string   `json:"url,omitempty"`
	Name     string   `json:"waf_name,omitempty"`
	Detected bool     `json:"waf_detected"`
	NoWAF    bool     `json:"no_waf"`
	Generic  bool     `json:"generic_detection"`
	Details  []string `json:"details,omitempty"`
}

// Label renders the verdict the way pass comparisons are made.
func (v WAFVerdict) Label() string {
	switch {
	case v.Name != "":
		return v.Name
	case v.NoWAF:
		return "No WAF"
	default:
		return "Unknown"
	}
}

// Known reports whether the pass reached any conclusion.
func (v WAFVerdict) Known() bool {
	return v.Detected || v.NoWAF || v.Name != ""
}

// WhoisInfo holds the registration facts most reports care about.
type WhoisInfo struct {
	Registrar         string   `json:"registrar,omitempty"`
	Created           string   `json:"created,omitempty"`
	Expires           string   `json:"expires,omitempty"`
	Updated           string   `json:"updated,omitempty"`
	RegistrantOrg     string   `json:"registrant_org,omitempty"`
	RegistrantCountry string   `json:"registrant_country,omitempty"`
	NameServers       []string `json:"name_servers,omitempty"`
	Status            []string `json:"status,omitempty"`
}

// IsZero reports whether nothing was extracted.
func (w WhoisInfo) IsZero() bool {
	return w.Registrar == "" && w.Created == "" && w.Expires == "" && w.Updated == "" &&
		w.RegistrantOrg == "" && w.RegistrantCountry == "" && len(w.NameServers) == 0 && len(w.Status) == 0
}

// TLSProtocol is one protocol version and whether the server accepts it.
type TLSProtocol struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// TLSCipher is one accepted cipher suite.
type TLSCipher struct {
	Protocol  string `json:"protocol"`
	Bits      int    `json:"bits"`
	Name      string `json:"name"`
	Preferred bool   `json:"preferred,omitempty"`
}

// TLSInfo summarises a TLS scanner run.
type TLSInfo struct {
	Protocols     []TLSProtocol `json:"protocols,omitempty"`
	Ciphers       []TLSCipher   `json:"ciphers,omitempty"`
	Subject       string        `json:"subject,omitempty"`
	Issuer        string        `json:"issuer,omitempty"`
	NotBefore     string        `json:"not_before,omitempty"`
	NotAfter      string        `json:"not_after,omitempty"`
	AltNames      []string      `json:"alt_names,omitempty"`
	WeakProtocols []string      `json:"weak_protocols,omitempty"`
}

// IsZero reports whether nothing was extracted.
func (t TLSInfo) IsZero() bool {
	return len(t.Protocols) == 0 && len(t.Ciphers) == 0 && t.Subject == "" && t.Issuer == "" &&
		t.NotBefore == "" && t.NotAfter == "" && len(t.AltNames) == 0
}

// DNSRecord is one resolver answer.
type DNSRecord struct {
	Name  string `json:"name,omitempty"`
	TTL   int    `json:"ttl,omitempty"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ServerInfo is the web server banner data a fingerprinter reports.
type ServerInfo struct {
	Server  string `json:"server,omitempty"`
	IP      string `json:"ip,omitempty"`
	Country string `json:"country,omitempty"`
}

// IsZero reports whether nothing was extracted.
func (s ServerInfo) IsZero() bool {
	return s.Server == "" && s.IP == "" && s.Country == ""
}

// Facts is the typed output of one or more extractors run over the same text.
// Scalar facts are nil when the text said nothing about them.
type Facts struct {
	Ports        []Port       `json:"ports,omitempty"`
	Subdomains   []Subdomain  `json:"subdomains,omitempty"`
	Directories  []Directory  `json:"directories,omitempty"`
	Technologies []Technology `json:"technologies,omitempty"`
	Exploits     []Exploit    `json:"exploits,omitempty"`
	Vulns        []string     `json:"vulns,omitempty"`
	DNS          []DNSRecord  `json:"dns,omitempty"`
	WAF          *WAFVerdict  `json:"waf,omitempty"`
	Whois        *WhoisInfo   `json:"whois,omitempty"`
	TLS          *TLSInfo     `json:"tls,omitempty"`
	Server       *ServerInfo  `json:"server_info,omitempty"`
}

// Add appends other's lists to f and replaces scalars other carries.
// It does not deduplicate; that is the aggregator's job.
func (f *Facts) Add(other Facts) {
	f.Ports = append(f.Ports, other.Ports...)
	f.Subdomains = append(f.Subdomains, other.Subdomains...)
	f.Directories = append(f.Directories, other.Directories...)
	f.Technologies = append(f.Technologies, other.Technologies...)
	f.Exploits = append(f.Exploits, other.Exploits...)
	f.Vulns = append(f.Vulns, other.Vulns...)
	f.DNS = append(f.DNS, other.DNS...)
	if other.WAF != nil {
		f.WAF = other.WAF
	}
	if other.Whois != nil {
		f.Whois = other.Whois
	}
	if other.TLS != nil {
		f.TLS = other.TLS
	}
	if other.Server != nil {
		f.Server = other.Server
	}
}

// Empty reports whether no fact of any kind is present.
func (f Facts) Empty() bool {
	return len(f.Ports) == 0 && len(f.Subdomains) == 0 && len(f.Directories) == 0 &&
		len(f.Technologies) == 0 && len(f.Exploits) == 0 && len(f.Vulns) == 0 && len(f.DNS) == 0 &&
		f.WAF == nil && f.Whois == nil && f.TLS == nil && f.Server == nil
}

// -- Target Records --

// ScanRef points back at a task or session that contributed to a target record.
type ScanRef struct {
	TaskID    string     `json:"task_id"`
	Tool      string     `json:"tool"`
	Status    TaskStatus `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	Source    string     `json:"source"`
}

// ScanError summarises a contributing task that did not complete cleanly.
type ScanError struct {
	TaskID  string     `json:"task_id"`
	Tool    string     `json:"tool"`
	Status  TaskStatus `json:"status"`
	Message string     `json:"message"`
}

// TargetRecord is the merged, recomputed view of everything known about one host or domain.
type TargetRecord struct {
	Target       string       `json:"target"`
	RootDomain   string       `json:"root_domain,omitempty"`
	Ports        []Port       `json:"ports"`
	Subdomains   []Subdomain  `json:"subdomains"`
	Directories  []Directory  `json:"directories"`
	Technologies []Technology `json:"technologies"`
	Exploits     []Exploit    `json:"exploits"`
	Vulns        []string     `json:"vulns"`
	DNS          []DNSRecord  `json:"dns"`
	WAF          *WAFVerdict  `json:"waf,omitempty"`
	Whois        *WhoisInfo   `json:"whois,omitempty"`
	TLS          *TLSInfo     `json:"tls,omitempty"`
	Server       *ServerInfo  `json:"server_info,omitempty"`
	Errors       []ScanError  `json:"errors"`
	Scans        []ScanRef    `json:"scans"`
}
