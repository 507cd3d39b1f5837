package extract

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
)

var (
	whoisLineRE = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9 /_.-]*?)\s*:\s*(.*?)\s*$`)

	digAnswerRE = regexp.MustCompile(`^(\S+)\s+(\d+)\s+IN\s+([A-Z0-9]+)\s+(.+?)\s*$`)
	hostnameRE  = regexp.MustCompile(`^[A-Za-z0-9_]([A-Za-z0-9_-]*[A-Za-z0-9_])?(\.[A-Za-z0-9_]([A-Za-z0-9_-]*[A-Za-z0-9_])?)+\.?$`)
)

// whoisFields maps lowercased registry keys to the field they fill.
var whoisFields = map[string]string{
	"registrar":                              "registrar",
	"sponsoring registrar":                   "registrar",
	"creation date":                          "created",
	"created":                                "created",
	"created on":                             "created",
	"registered on":                          "created",
	"registry expiry date":                   "expires",
	"registrar registration expiration date": "expires",
	"expiration date":                        "expires",
	"expiry date":                            "expires",
	"expires on":                             "expires",
	"paid-till":                              "expires",
	"updated date":                           "updated",
	"last updated":                           "updated",
	"last modified":                          "updated",
	"name server":                            "ns",
	"nserver":                                "ns",
	"name servers":                           "ns",
	"registrant organization":                "org",
	"registrant organisation":                "org",
	"org":                                    "org",
	"registrant country":                     "country",
	"country":                                "country",
	"domain status":                          "status",
	"status":                                 "status",
}

// Whois parses key/value registry output. The first value seen for a scalar
// field wins; name servers and statuses accumulate.
func Whois(text string) schemas.WhoisInfo {
	var w schemas.WhoisInfo
	nsSeen := make(map[string]struct{})
	statusSeen := make(map[string]struct{})

	setOnce := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}

	for _, line := range lines(text) {
		if strings.HasPrefix(strings.TrimSpace(line), "%") || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		m := whoisLineRE.FindStringSubmatch(line)
		if m == nil || m[2] == "" {
			continue
		}
		field, ok := whoisFields[strings.ToLower(m[1])]
		if !ok {
			continue
		}
		value := strings.TrimSpace(m[2])
		first := strings.Fields(value)
		if len(first) == 0 {
			continue
		}
		switch field {
		case "registrar":
			setOnce(&w.Registrar, value)
		case "created":
			setOnce(&w.Created, value)
		case "expires":
			setOnce(&w.Expires, value)
		case "updated":
			setOnce(&w.Updated, value)
		case "org":
			setOnce(&w.RegistrantOrg, value)
		case "country":
			setOnce(&w.RegistrantCountry, value)
		case "ns":
			ns := strings.ToLower(strings.TrimSuffix(first[0], "."))
			if _, dup := nsSeen[ns]; !dup {
				nsSeen[ns] = struct{}{}
				w.NameServers = append(w.NameServers, ns)
			}
		case "status":
			st := first[0]
			if _, dup := statusSeen[st]; !dup {
				statusSeen[st] = struct{}{}
				w.Status = append(w.Status, st)
			}
		}
	}
	return w
}

// DNS parses dig answer lines. With +short output each bare value is typed
// by shape: A, AAAA, or CNAME for host names.
func DNS(text string) []schemas.DNSRecord {
	var out []schemas.DNSRecord
	for _, line := range lines(text) {
		l := strings.TrimSpace(line)
		if l == "" || strings.HasPrefix(l, ";") {
			continue
		}
		if m := digAnswerRE.FindStringSubmatch(l); m != nil {
			ttl, _ := strconv.Atoi(m[2])
			out = append(out, schemas.DNSRecord{
				Name:  strings.TrimSuffix(m[1], "."),
				TTL:   ttl,
				Type:  m[3],
				Value: strings.TrimSuffix(m[4], "."),
			})
			continue
		}
		if strings.ContainsAny(l, " \t") {
			continue
		}
		if ip := net.ParseIP(l); ip != nil {
			typ := "AAAA"
			if ip.To4() != nil {
				typ = "A"
			}
			out = append(out, schemas.DNSRecord{Type: typ, Value: l})
			continue
		}
		if hostnameRE.MatchString(l) {
			out = append(out, schemas.DNSRecord{Type: "CNAME", Value: strings.TrimSuffix(l, ".")})
		}
	}
	return out
}
