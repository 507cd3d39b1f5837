package reporting

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
)

// TargetFindings derives reportable findings from a target record: public
// exploits, weak TLS protocols, a missing WAF and vulnerability indicator
// lines. Ids are T-001 style, in that order.
func TargetFindings(rec schemas.TargetRecord) []schemas.Finding {
	var out []schemas.Finding
	add := func(f schemas.Finding) {
		f.ID = fmt.Sprintf("T-%03d", len(out)+1)
		f.Component = rec.Target
		if f.URL == "" {
			f.URL = rec.Target
		}
		out = append(out, f)
	}

	for _, e := range rec.Exploits {
		sev := schemas.SeverityHigh
		if e.Type == "shellcode" {
			sev = schemas.SeverityMedium
		}
		add(schemas.Finding{
			Name:        "Public Exploit: " + e.Title,
			Severity:    sev,
			Description: fmt.Sprintf("A public %s matching %q exists for software detected on %s.", e.Type, e.SearchTerm, rec.Target),
			PoC:         e.Path,
			Recommendations: []string{
				"Upgrade the affected component to a version without known exploits.",
			},
			Tool: "searchsploit",
		})
	}

	if rec.TLS != nil && len(rec.TLS.WeakProtocols) > 0 {
		add(schemas.Finding{
			Name:        "Weak TLS Protocols: " + strings.Join(rec.TLS.WeakProtocols, ", "),
			Severity:    schemas.SeverityMedium,
			Description: fmt.Sprintf("%s accepts deprecated protocol versions.", rec.Target),
			Recommendations: []string{
				"Disable SSLv2, SSLv3, TLSv1.0 and TLSv1.1 and serve TLSv1.2 or later only.",
			},
			Tool: "sslscan",
		})
	}

	if rec.WAF != nil && rec.WAF.NoWAF {
		add(schemas.Finding{
			Name:            "No WAF Detected",
			Severity:        schemas.SeverityMedium,
			Description:     fmt.Sprintf("No Web Application Firewall was detected in front of %s.", rec.Target),
			Recommendations: wafAdvice,
			Tool:            "wafw00f",
		})
	}

	for _, v := range rec.Vulns {
		add(schemas.Finding{
			Name:        "Vulnerability Indicator",
			Severity:    schemas.SeverityInfo,
			Description: v,
			Tool:        "scanner",
		})
	}
	return out
}

var wafAdvice = []string{
	"Deploy a Web Application Firewall to filter common web attacks.",
}
