package mapper

import (
	"net"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var (
	ipv4RE   = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)
	domainRE = regexp.MustCompile(`(?:https?://)?([a-zA-Z0-9][\w.-]+\.[a-zA-Z]{2,})`)
)

// fileSuffixes are trailing labels that mark a token as a file name rather
// than a host, e.g. "common.txt" or "report.json".
var fileSuffixes = map[string]bool{
	"txt": true, "lst": true, "log": true, "xml": true, "json": true, "jsonl": true,
	"yaml": true, "yml": true, "conf": true, "cfg": true, "ini": true, "csv": true,
	"html": true, "htm": true, "php": true, "asp": true, "aspx": true, "jsp": true,
	"sh": true, "py": true, "rb": true, "pl": true, "nse": true, "gz": true,
	"zip": true, "tar": true, "bak": true, "old": true, "db": true, "sql": true,
	"md": true, "out": true, "pot": true, "hash": true, "hashes": true, "wordlist": true,
}

// Targets pulls the IPv4 literals and domain names out of a command line.
// Tokens that are filesystem paths are skipped whole. The result is in first
// seen order without duplicates.
func Targets(command string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(t string) {
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}

	for _, tok := range strings.Fields(command) {
		if isPathToken(tok) {
			continue
		}
		// Flags written as --url=http://host carry the value after '='.
		if strings.HasPrefix(tok, "-") {
			if i := strings.IndexByte(tok, '='); i >= 0 {
				tok = tok[i+1:]
				if isPathToken(tok) {
					continue
				}
			} else {
				continue
			}
		}

		for _, m := range ipv4RE.FindAllStringSubmatch(tok, -1) {
			if ip := net.ParseIP(m[1]); ip != nil && ip.To4() != nil {
				add(m[1])
			}
		}
		for _, m := range domainRE.FindAllStringSubmatch(tok, -1) {
			if d := normalizeDomain(m[1]); d != "" {
				add(d)
			}
		}
	}
	return out
}

func isPathToken(tok string) bool {
	for _, p := range []string{"/", "./", "../", "~"} {
		if strings.HasPrefix(tok, p) {
			return true
		}
	}
	return false
}

func normalizeDomain(d string) string {
	d = strings.ToLower(strings.Trim(d, ".-"))
	d = strings.TrimPrefix(d, "fuzz.")
	if strings.HasPrefix(d, "usr") || strings.HasPrefix(d, "share") {
		return ""
	}
	if !strings.Contains(d, ".") {
		return ""
	}
	label := d[strings.LastIndexByte(d, '.')+1:]
	if fileSuffixes[label] {
		return ""
	}
	return d
}

// RootDomain returns the registrable domain of host, or "" for IP literals
// and names without a public suffix.
func RootDomain(host string) string {
	if net.ParseIP(host) != nil {
		return ""
	}
	root, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return root
}
