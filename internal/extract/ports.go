// Filename: internal/extract/ports.go
package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
)

var portLineRE = regexp.MustCompile(`^\s*(\d+)/(tcp|udp)\s+(open|closed|filtered)\s+(\S+)\s*(.*)`)

// Ports parses "80/tcp open http Apache 2.4" style lines.
func Ports(text string) []schemas.Port {
	var out []schemas.Port
	for _, line := range lines(text) {
		m := portLineRE.FindStringSubmatch(StripANSI(line))
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		out = append(out, schemas.Port{
			Port:    port,
			Proto:   m[2],
			State:   m[3],
			Service: m[4],
			Version: strings.TrimSpace(m[5]),
		})
	}
	return out
}

// NmapXML parses the <port> elements of an nmap -oX document. Output that
// holds no XML document yields nothing.
func NmapXML(text string) []schemas.Port {
	start := strings.Index(text, "<nmaprun")
	if start < 0 {
		return nil
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromString(text[start:]); err != nil {
		return nil
	}
	root := doc.SelectElement("nmaprun")
	if root == nil {
		return nil
	}

	var out []schemas.Port
	for _, el := range root.FindElements(".//port") {
		port, err := strconv.Atoi(el.SelectAttrValue("portid", ""))
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		p := schemas.Port{Port: port, Proto: el.SelectAttrValue("protocol", "tcp")}
		if st := el.SelectElement("state"); st != nil {
			p.State = st.SelectAttrValue("state", "")
		}
		if svc := el.SelectElement("service"); svc != nil {
			p.Service = svc.SelectAttrValue("name", "")
			p.Version = strings.TrimSpace(svc.SelectAttrValue("product", "") + " " + svc.SelectAttrValue("version", ""))
		}
		out = append(out, p)
	}
	return out
}
