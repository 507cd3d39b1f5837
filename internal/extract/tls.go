package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
)

var (
	tlsProtoRE  = regexp.MustCompile(`^(SSLv2|SSLv3|TLSv1\.[0-3])\s+(enabled|disabled)`)
	tlsCipherRE = regexp.MustCompile(`^(Accepted|Preferred)\s+(SSLv2|SSLv3|TLSv1\.[0-3])\s+(\d+)\s+bits\s+(\S+)`)
	tlsCertRE   = regexp.MustCompile(`^(Subject|Issuer|Not valid before|Not valid after|Altnames):\s*(.*)$`)
)

var weakProtocols = map[string]bool{
	"SSLv2":   true,
	"SSLv3":   true,
	"TLSv1.0": true,
	"TLSv1.1": true,
}

// TLS parses sslscan style output into protocol, cipher and certificate facts.
func TLS(text string) schemas.TLSInfo {
	var info schemas.TLSInfo
	for _, line := range lines(text) {
		l := strings.TrimSpace(StripANSI(line))
		if l == "" {
			continue
		}
		if m := tlsProtoRE.FindStringSubmatch(l); m != nil {
			enabled := m[2] == "enabled"
			info.Protocols = append(info.Protocols, schemas.TLSProtocol{Name: m[1], Enabled: enabled})
			if enabled && weakProtocols[m[1]] {
				info.WeakProtocols = append(info.WeakProtocols, m[1])
			}
			continue
		}
		if m := tlsCipherRE.FindStringSubmatch(l); m != nil {
			bits, _ := strconv.Atoi(m[3])
			info.Ciphers = append(info.Ciphers, schemas.TLSCipher{
				Protocol:  m[2],
				Bits:      bits,
				Name:      m[4],
				Preferred: m[1] == "Preferred",
			})
			continue
		}
		m := tlsCertRE.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		value := strings.TrimSpace(m[2])
		switch m[1] {
		case "Subject":
			info.Subject = value
		case "Issuer":
			info.Issuer = value
		case "Not valid before":
			info.NotBefore = value
		case "Not valid after":
			info.NotAfter = value
		case "Altnames":
			for _, alt := range strings.Split(value, ",") {
				alt = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(alt), "DNS:"))
				if alt != "" {
					info.AltNames = append(info.AltNames, alt)
				}
			}
		}
	}
	return info
}
