package extract

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
)

var (
	bareDomainRE  = regexp.MustCompile(`^[\w.-]+\.\w{2,}$`)
	domainTokenRE = regexp.MustCompile(`[\w.-]+\.\w{2,}`)

	ffufStatusRE = regexp.MustCompile(`(\S+)\s+\[Status:\s*(\d+)`)
	ffufBareRE   = regexp.MustCompile(`^([\w-]+)\s+\d+`)
	fuzzHostRE   = regexp.MustCompile(`FUZZ\.([A-Za-z0-9][A-Za-z0-9.-]*[A-Za-z0-9])`)

	// Directory line shapes, tried in order; the first match wins per line.
	dirPatterns = []struct {
		re          *regexp.Regexp
		statusFirst bool
	}{
		{re: regexp.MustCompile(`\+\s+(https?://\S+)\s+\(CODE:\s*(\d+)`)},
		{re: regexp.MustCompile(`(/\S+)\s+\(Status:\s*(\d+)\)`)},
		{re: regexp.MustCompile(`(/\S+)\s+\[Status=(\d+)\]`)},
		{re: regexp.MustCompile(`(https?://\S+)\s+\(Status:\s*(\d+)\)`)},
		{re: regexp.MustCompile(`(\S+)\s+\[Status:\s*(\d+)`)},
		{re: regexp.MustCompile(`^(\d{3})\s+[A-Z]+\s+\S+\s+\S+\s+\S+\s+(https?://\S+)`), statusFirst: true},
		{re: regexp.MustCompile(`(https?://\S+)\s+.*?(\d{3})`)},
		{re: regexp.MustCompile(`(/[\w./-]+)\s+(\d{3})`)},
	}
	dirSizeRE = regexp.MustCompile(`(?i)\[?Size[=:]\s*(\d+)`)

	techRE        = regexp.MustCompile(`(\w[\w./ -]+?)\[([^\]]+)\]`)
	techVersionRE = regexp.MustCompile(`(\d+\.[\d.]+)`)
	httpStatusRE  = regexp.MustCompile(`^\d{3}\b`)
	serverRE      = regexp.MustCompile(`HTTPServer\[([^\]]+)\]`)
	countryRE     = regexp.MustCompile(`Country\[([^\]]+)\]`)
	ipRE          = regexp.MustCompile(`\bIP\[([^\]]+)\]`)

	techCategories = []struct {
		re       *regexp.Regexp
		category string
	}{
		{regexp.MustCompile(`(?i)PHP|Python|Ruby|Java|Node|ASP|Perl`), "Language"},
		{regexp.MustCompile(`(?i)Apache|Nginx|IIS|LiteSpeed|Caddy`), "Server"},
		{regexp.MustCompile(`(?i)WordPress|Joomla|Drupal|Django|Laravel|Rails`), "Framework"},
		{regexp.MustCompile(`(?i)jQuery|Bootstrap|React|Angular|Vue`), "Frontend"},
		{regexp.MustCompile(`(?i)cookie|session|header`), "Security"},
	}

	exploitRowRE = regexp.MustCompile(`^(.+?)\s*\|\s*(\S+)`)
)

// Subdomains collects domain-looking tokens, one per line at most, sorted.
func Subdomains(text string) []schemas.Subdomain {
	seen := make(map[string]struct{})
	for _, line := range lines(text) {
		cleaned := strings.TrimSpace(StripANSI(line))
		if cleaned == "" {
			continue
		}
		if bareDomainRE.MatchString(cleaned) {
			seen[cleaned] = struct{}{}
		}
		if tok := domainTokenRE.FindString(cleaned); len(tok) > 4 {
			seen[strings.Trim(tok, ".-")] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		if n != "" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	out := make([]schemas.Subdomain, len(names))
	for i, n := range names {
		out[i] = schemas.Subdomain{Name: n}
	}
	return out
}

// FuzzDomain returns the parent domain of a "FUZZ.<domain>" host fuzzing
// command, or "" when the command does not fuzz host names.
func FuzzDomain(command string) string {
	m := fuzzHostRE.FindStringSubmatch(command)
	if m == nil {
		return ""
	}
	return m[1]
}

// FfufSubdomains parses ffuf host fuzzing results. Bare words are qualified
// with domain.
func FfufSubdomains(text, domain string) []schemas.Subdomain {
	var out []schemas.Subdomain
	seen := make(map[string]struct{})
	add := func(name string, status int) {
		fqdn := name
		if !strings.Contains(name, ".") {
			fqdn = name + "." + domain
		}
		if _, dup := seen[fqdn]; dup {
			return
		}
		seen[fqdn] = struct{}{}
		out = append(out, schemas.Subdomain{Name: fqdn, Status: status})
	}
	for _, line := range lines(text) {
		clean := strings.TrimSpace(StripANSI(line))
		if m := ffufStatusRE.FindStringSubmatch(clean); m != nil {
			status, _ := strconv.Atoi(m[2])
			add(strings.TrimSpace(m[1]), status)
			continue
		}
		if m := ffufBareRE.FindStringSubmatch(clean); m != nil {
			add(m[1], 0)
		}
	}
	return out
}

// Directories parses path or URL plus status pairs from directory brute
// forcers. Each path is reported once, with the first status seen.
func Directories(text string) []schemas.Directory {
	var out []schemas.Directory
	seen := make(map[string]struct{})
	for _, line := range lines(text) {
		clean := StripANSI(line)
		for _, pat := range dirPatterns {
			m := pat.re.FindStringSubmatch(clean)
			if m == nil {
				continue
			}
			path, code := m[1], m[2]
			if pat.statusFirst {
				path, code = m[2], m[1]
			}
			status, err := strconv.Atoi(code)
			if err != nil || status < 100 || status > 599 {
				continue
			}
			if _, dup := seen[path]; dup {
				break
			}
			seen[path] = struct{}{}
			d := schemas.Directory{URL: path, Status: status}
			if sm := dirSizeRE.FindStringSubmatch(clean); sm != nil {
				d.Size, _ = strconv.Atoi(sm[1])
			}
			out = append(out, d)
			break
		}
	}
	return out
}

// Technologies parses whatweb "Name[detail]" plugins into technologies and
// the server banner.
func Technologies(text string) ([]schemas.Technology, schemas.ServerInfo) {
	var techs []schemas.Technology
	var server schemas.ServerInfo
	seen := make(map[string]struct{})

	for _, line := range lines(text) {
		clean := strings.TrimSpace(StripANSI(line))
		if clean == "" {
			continue
		}
		for _, m := range techRE.FindAllStringSubmatch(clean, -1) {
			name := strings.TrimSpace(m[1])
			detail := strings.TrimSpace(m[2])
			key := strings.ToLower(name)
			if _, dup := seen[key]; dup {
				continue
			}
			// "[200 OK]" after the URL is the response status, not a plugin.
			if httpStatusRE.MatchString(detail) {
				continue
			}
			seen[key] = struct{}{}

			version := techVersionRE.FindString(detail)
			switch key {
			case "ip":
				server.IP = detail
			case "country":
				server.Country = detail
			case "httpserver":
				server.Server = detail
				techs = append(techs, schemas.Technology{
					Name:     strings.SplitN(detail, "/", 2)[0],
					Version:  version,
					Detail:   detail,
					Category: "Server",
				})
			default:
				techs = append(techs, schemas.Technology{
					Name:     name,
					Version:  version,
					Detail:   detail,
					Category: techCategory(name),
				})
			}
		}
		if m := serverRE.FindStringSubmatch(clean); m != nil && server.Server == "" {
			server.Server = m[1]
		}
		if m := countryRE.FindStringSubmatch(clean); m != nil {
			server.Country = m[1]
		}
		if m := ipRE.FindStringSubmatch(clean); m != nil {
			server.IP = m[1]
		}
	}
	return techs, server
}

func techCategory(name string) string {
	for _, c := range techCategories {
		if c.re.MatchString(name) {
			return c.category
		}
	}
	return "Technology"
}

// SearchTerm recovers the query from an exploit search command line.
func SearchTerm(command string) string {
	fields := strings.Fields(command)
	if len(fields) < 2 {
		return ""
	}
	var terms []string
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "-") {
			continue
		}
		terms = append(terms, f)
	}
	return strings.Join(terms, " ")
}

// Exploits parses searchsploit result rows. Only rows pointing into the
// exploits or shellcodes trees are kept.
func Exploits(text, term string) []schemas.Exploit {
	var out []schemas.Exploit
	for _, line := range lines(text) {
		clean := strings.TrimSpace(StripANSI(line))
		if clean == "" || strings.HasPrefix(clean, "-") || strings.HasPrefix(clean, "Exploit Title") || strings.HasPrefix(clean, "Shellcode Title") {
			continue
		}
		m := exploitRowRE.FindStringSubmatch(clean)
		if m == nil {
			continue
		}
		path := strings.TrimSpace(m[2])
		var kind string
		switch {
		case strings.HasPrefix(path, "exploits/"):
			kind = "exploit"
		case strings.HasPrefix(path, "shellcodes/"):
			kind = "shellcode"
		default:
			continue
		}
		out = append(out, schemas.Exploit{
			Title:      strings.TrimSpace(m[1]),
			Path:       path,
			SearchTerm: term,
			Type:       kind,
		})
	}
	return out
}
