package extract

import (
	"regexp"
	"strings"
)

var (
	vulnLineRE   = regexp.MustCompile(`(?i)VULNERABLE|CVE-\d{4}-\d+`)
	niktoItemRE  = regexp.MustCompile(`^\+\s+(OSVDB-\d+|/\S+|[A-Z].*?):\s*(.*)`)
	niktoFlagRE  = regexp.MustCompile(`(?i)OSVDB|VULNERABLE|injection|XSS|remote\s+code|command\s+execution|backdoor`)
	nucleiLineRE = regexp.MustCompile(`^\[[^\]]+\]\s+\[[^\]]+\]\s+\[(critical|high|medium|low)\]`)
	wpscanVulnRE = regexp.MustCompile(`^\|?\s*\[!\]\s+Title:\s*(.+)$`)
)

// Vulns returns every line that mentions a CVE or a VULNERABLE marker,
// trimmed, without duplicates.
func Vulns(text string) []string {
	return matchLines(text, func(l string) string {
		if vulnLineRE.MatchString(l) {
			return l
		}
		return ""
	})
}

// NiktoFindings returns nikto item lines whose detail indicates a weakness.
func NiktoFindings(text string) []string {
	return matchLines(text, func(l string) string {
		m := niktoItemRE.FindStringSubmatch(l)
		if m == nil {
			return ""
		}
		if niktoFlagRE.MatchString(m[1]) || niktoFlagRE.MatchString(m[2]) {
			return l
		}
		return ""
	})
}

// NucleiFindings returns nuclei result lines at low severity or above.
func NucleiFindings(text string) []string {
	return matchLines(text, func(l string) string {
		if nucleiLineRE.MatchString(l) {
			return l
		}
		return ""
	})
}

// WPScanFindings returns the titles of wpscan vulnerability entries.
func WPScanFindings(text string) []string {
	return matchLines(text, func(l string) string {
		if m := wpscanVulnRE.FindStringSubmatch(l); m != nil {
			return strings.TrimSpace(m[1])
		}
		return ""
	})
}

func matchLines(text string, pick func(string) string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, line := range lines(text) {
		l := strings.TrimSpace(StripANSI(line))
		if l == "" {
			continue
		}
		v := pick(l)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
