package extract

import (
	"regexp"
	"strings"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
)

var (
	wafBehindRE   = regexp.MustCompile(`(?i)is behind\s+(.+?)(?:\s+WAF)?\.?\s*$`)
	wafNoneRE     = regexp.MustCompile(`(?i)No WAF detected|is not behind a WAF`)
	wafGenericRE  = regexp.MustCompile(`(?i)generic detection`)
	wafSecurityRE = regexp.MustCompile(`(?i)behind a WAF or (?:some sort of )?security`)
	wafDetailRE   = regexp.MustCompile(`\[\*\]|\[\+\]|\[-\]`)
)

// WAF parses one WAF detection run. A "no WAF" line overrides an earlier
// detection within the same output.
func WAF(text, url string) schemas.WAFVerdict {
	v := schemas.WAFVerdict{URL: url}
	for _, line := range lines(text) {
		l := StripANSI(strings.TrimSpace(line))
		if l == "" {
			continue
		}
		if m := wafBehindRE.FindStringSubmatch(l); m != nil && !wafSecurityRE.MatchString(l) && !wafNoneRE.MatchString(l) {
			v.Name = strings.TrimSpace(m[1])
			v.Detected = true
		}
		if wafNoneRE.MatchString(l) {
			v.NoWAF = true
			v.Detected = false
		}
		if wafGenericRE.MatchString(l) {
			v.Generic = true
		}
		if wafSecurityRE.MatchString(l) && v.Name == "" {
			v.Detected = true
			v.Generic = true
		}
		if wafDetailRE.MatchString(l) {
			v.Details = append(v.Details, l)
		}
	}
	return v
}
