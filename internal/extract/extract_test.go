package extract_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/extract"
)

const nmapText = `Starting Nmap 7.94 ( https://nmap.org )
PORT     STATE    SERVICE VERSION
22/tcp   open     ssh     OpenSSH 8.9p1 Ubuntu
80/tcp   open     http    Apache httpd 2.4.52
443/tcp  filtered https
53/udp   open     domain
Nmap done: 1 IP address (1 host up)`

const nmapXML = `<?xml version="1.0" encoding="UTF-8"?>
<nmaprun scanner="nmap">
  <host>
    <ports>
      <port protocol="tcp" portid="80"><state state="open"/><service name="http" product="nginx" version="1.25.3"/></port>
      <port protocol="udp" portid="161"><state state="open"/><service name="snmp"/></port>
      <port protocol="tcp" portid="notaport"><state state="open"/></port>
    </ports>
  </host>
</nmaprun>`

func TestPorts(t *testing.T) {
	ports := extract.Ports(nmapText)
	require.Len(t, ports, 4)
	assert.Equal(t, schemas.Port{Port: 22, Proto: "tcp", State: "open", Service: "ssh", Version: "OpenSSH 8.9p1 Ubuntu"}, ports[0])
	assert.Equal(t, schemas.Port{Port: 443, Proto: "tcp", State: "filtered", Service: "https"}, ports[2])
	assert.Equal(t, "udp", ports[3].Proto)

	t.Run("should parse a single port line", func(t *testing.T) {
		ports := extract.Ports("80/tcp open http Apache 2.4")
		assert.Equal(t, []schemas.Port{{Port: 80, Proto: "tcp", State: "open", Service: "http", Version: "Apache 2.4"}}, ports)
	})

	t.Run("should reject out of range ports", func(t *testing.T) {
		assert.Empty(t, extract.Ports("99999/tcp open x"))
	})
}

func TestNmapXML(t *testing.T) {
	ports := extract.NmapXML("some banner\n" + nmapXML)
	require.Len(t, ports, 2)
	assert.Equal(t, schemas.Port{Port: 80, Proto: "tcp", State: "open", Service: "http", Version: "nginx 1.25.3"}, ports[0])
	assert.Equal(t, schemas.Port{Port: 161, Proto: "udp", State: "open", Service: "snmp"}, ports[1])

	assert.Nil(t, extract.NmapXML(nmapText), "plain text holds no document")
	assert.Nil(t, extract.NmapXML("<nmaprun><host><ports><port"), "truncated documents yield nothing")
}

func TestSubdomains(t *testing.T) {
	out := "www.example.com\n\x1b[32mmail.example.com\x1b[0m\nFound: dev.example.com\nxx\n"
	subs := extract.Subdomains(out)
	assert.Equal(t, []schemas.Subdomain{
		{Name: "dev.example.com"},
		{Name: "mail.example.com"},
		{Name: "www.example.com"},
	}, subs)
}

func TestFfufSubdomains(t *testing.T) {
	out := `www                     [Status: 200, Size: 1256, Words: 298, Lines: 47, Duration: 31ms]
api                     [Status: 403, Size: 10, Words: 1, Lines: 1, Duration: 12ms]
www                     [Status: 200, Size: 1256, Words: 298, Lines: 47, Duration: 31ms]
legacy 301`

	subs := extract.FfufSubdomains(out, "example.com")
	assert.Equal(t, []schemas.Subdomain{
		{Name: "www.example.com", Status: 200},
		{Name: "api.example.com", Status: 403},
		{Name: "legacy.example.com"},
	}, subs)
}

func TestFuzzDomain(t *testing.T) {
	assert.Equal(t, "example.com", extract.FuzzDomain("ffuf -u http://FUZZ.example.com -w list.txt"))
	assert.Equal(t, "", extract.FuzzDomain("ffuf -u http://example.com/FUZZ -w list.txt"))
}

func TestDirectories(t *testing.T) {
	out := `/admin                (Status: 301) [Size: 312] [--> http://t/admin/]
/admin                (Status: 301) [Size: 312] [--> http://t/admin/]
+ http://t/index.php (CODE:200|SIZE:1234)
200      GET        1l        2w       20c http://t/robots.txt
login                   [Status: 200, Size: 90, Words: 3, Lines: 2, Duration: 4ms]
/old [Status=403] [Size=11]`

	dirs := extract.Directories(out)
	assert.Equal(t, []schemas.Directory{
		{URL: "/admin", Status: 301, Size: 312},
		{URL: "http://t/index.php", Status: 200, Size: 1234},
		{URL: "http://t/robots.txt", Status: 200},
		{URL: "login", Status: 200, Size: 90},
		{URL: "/old", Status: 403, Size: 11},
	}, dirs)
}

func TestTechnologies(t *testing.T) {
	out := "http://example.com [200 OK] Apache[2.4.41], Country[UNITED STATES][US], " +
		"HTTPServer[Ubuntu Linux][Apache/2.4.41 (Ubuntu)], IP[93.184.216.34], JQuery[3.5.1], PHP[7.4.3], WordPress[5.8]"

	techs, server := extract.Technologies(out)
	assert.Equal(t, []schemas.Technology{
		{Name: "Apache", Version: "2.4.41", Detail: "2.4.41", Category: "Server"},
		{Name: "Ubuntu Linux", Detail: "Ubuntu Linux", Category: "Server"},
		{Name: "JQuery", Version: "3.5.1", Detail: "3.5.1", Category: "Frontend"},
		{Name: "PHP", Version: "7.4.3", Detail: "7.4.3", Category: "Language"},
		{Name: "WordPress", Version: "5.8", Detail: "5.8", Category: "Framework"},
	}, techs)
	assert.Equal(t, schemas.ServerInfo{Server: "Ubuntu Linux", IP: "93.184.216.34", Country: "UNITED STATES"}, server)
}

func TestExploits(t *testing.T) {
	out := `---------------------------------------------- ---------------------------------
 Exploit Title                                |  Path
---------------------------------------------- ---------------------------------
Apache 2.4.49 - Path Traversal                | exploits/multiple/webapps/50383.sh
Linux/x86 - Bind Shell                        | shellcodes/linux_x86/13.c
Something odd                                 | papers/1.txt
---------------------------------------------- ---------------------------------
Shellcodes: No Results`

	term := extract.SearchTerm("searchsploit --color Apache 2.4.49")
	assert.Equal(t, "Apache 2.4.49", term)

	exploits := extract.Exploits(out, term)
	assert.Equal(t, []schemas.Exploit{
		{Title: "Apache 2.4.49 - Path Traversal", Path: "exploits/multiple/webapps/50383.sh", SearchTerm: "Apache 2.4.49", Type: "exploit"},
		{Title: "Linux/x86 - Bind Shell", Path: "shellcodes/linux_x86/13.c", SearchTerm: "Apache 2.4.49", Type: "shellcode"},
	}, exploits)
}

func TestWAF(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		expected schemas.WAFVerdict
	}{
		{
			name:   "should name a detected WAF",
			output: "[*] Checking https://t\n[+] The site https://t is behind Cloudflare (Cloudflare Inc.) WAF.",
			expected: schemas.WAFVerdict{
				URL: "https://t", Name: "Cloudflare (Cloudflare Inc.)", Detected: true,
				Details: []string{"[*] Checking https://t", "[+] The site https://t is behind Cloudflare (Cloudflare Inc.) WAF."},
			},
		},
		{
			name:     "should parse a bare vendor",
			output:   "The site is behind AcmeWAF",
			expected: schemas.WAFVerdict{URL: "https://t", Name: "AcmeWAF", Detected: true},
		},
		{
			name:     "should report no WAF",
			output:   "[-] No WAF detected by the generic detection",
			expected: schemas.WAFVerdict{URL: "https://t", NoWAF: true, Generic: true, Details: []string{"[-] No WAF detected by the generic detection"}},
		},
		{
			name:     "should flag a generic detection",
			output:   "The site https://t seems to be behind a WAF or some sort of security solution",
			expected: schemas.WAFVerdict{URL: "https://t", Detected: true, Generic: true},
		},
		{
			name:     "should report nothing for unrelated text",
			output:   "connection refused",
			expected: schemas.WAFVerdict{URL: "https://t"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extract.WAF(tt.output, "https://t"))
		})
	}

	assert.Equal(t, "AcmeWAF", extract.WAF("is behind AcmeWAF", "").Label())
	assert.Equal(t, "No WAF", extract.WAF("No WAF detected", "").Label())
	assert.Equal(t, "Unknown", extract.WAF("", "").Label())
}

func TestWhois(t *testing.T) {
	out := `% IANA WHOIS server
   Domain Name: EXAMPLE.COM
   Registrar: RESERVED-Internet Assigned Numbers Authority
   Updated Date: 2024-08-14T07:01:34Z
   Creation Date: 1995-08-14T04:00:00Z
   Registry Expiry Date: 2025-08-13T04:00:00Z
   Domain Status: clientDeleteProhibited https://icann.org/epp#clientDeleteProhibited
   Domain Status: clientTransferProhibited https://icann.org/epp#clientTransferProhibited
   Name Server: A.IANA-SERVERS.NET
   Name Server: B.IANA-SERVERS.NET
Registrar: Somebody Else
Name Server: a.iana-servers.net.
Registrant Country: US`

	w := extract.Whois(out)
	assert.Equal(t, schemas.WhoisInfo{
		Registrar:         "RESERVED-Internet Assigned Numbers Authority",
		Created:           "1995-08-14T04:00:00Z",
		Expires:           "2025-08-13T04:00:00Z",
		Updated:           "2024-08-14T07:01:34Z",
		RegistrantCountry: "US",
		NameServers:       []string{"a.iana-servers.net", "b.iana-servers.net"},
		Status:            []string{"clientDeleteProhibited", "clientTransferProhibited"},
	}, w)
	assert.True(t, extract.Whois("nothing here").IsZero())
}

func TestTLS(t *testing.T) {
	out := `  SSL/TLS Protocols:
SSLv2     disabled
SSLv3     disabled
TLSv1.0   enabled
TLSv1.1   disabled
TLSv1.2   enabled
TLSv1.3   enabled
Preferred TLSv1.3  256 bits  TLS_AES_256_GCM_SHA384        Curve 25519 DHE 253
Accepted  TLSv1.2  128 bits  ECDHE-RSA-AES128-GCM-SHA256
Subject:  example.com
Altnames: DNS:example.com, DNS:www.example.com
Issuer:   R3
Not valid before: Jan  1 00:00:00 2024 GMT
Not valid after:  Apr  1 00:00:00 2024 GMT`

	info := extract.TLS(out)
	assert.Len(t, info.Protocols, 6)
	assert.Equal(t, []string{"TLSv1.0"}, info.WeakProtocols)
	assert.Equal(t, []schemas.TLSCipher{
		{Protocol: "TLSv1.3", Bits: 256, Name: "TLS_AES_256_GCM_SHA384", Preferred: true},
		{Protocol: "TLSv1.2", Bits: 128, Name: "ECDHE-RSA-AES128-GCM-SHA256"},
	}, info.Ciphers)
	assert.Equal(t, "example.com", info.Subject)
	assert.Equal(t, "R3", info.Issuer)
	assert.Equal(t, "Jan  1 00:00:00 2024 GMT", info.NotBefore)
	assert.Equal(t, []string{"example.com", "www.example.com"}, info.AltNames)
}

func TestDNS(t *testing.T) {
	t.Run("should parse answer lines", func(t *testing.T) {
		out := "; <<>> DiG 9.18 <<>> example.com\n;; ANSWER SECTION:\nexample.com.\t\t3600\tIN\tA\t93.184.216.34\nexample.com.\t300\tIN\tMX\t10 mail.example.com."
		assert.Equal(t, []schemas.DNSRecord{
			{Name: "example.com", TTL: 3600, Type: "A", Value: "93.184.216.34"},
			{Name: "example.com", TTL: 300, Type: "MX", Value: "10 mail.example.com"},
		}, extract.DNS(out))
	})

	t.Run("should classify short answers", func(t *testing.T) {
		out := "93.184.216.34\n2606:2800:220:1::1\nns1.example.com.\nnot a record"
		assert.Equal(t, []schemas.DNSRecord{
			{Type: "A", Value: "93.184.216.34"},
			{Type: "AAAA", Value: "2606:2800:220:1::1"},
			{Type: "CNAME", Value: "ns1.example.com"},
		}, extract.DNS(out))
	})
}

func TestVulns(t *testing.T) {
	out := `| ssl-heartbleed:
|   VULNERABLE:
|     IDs:  CVE:CVE-2014-0160
|   VULNERABLE:
nothing to see`
	assert.Equal(t, []string{"|   VULNERABLE:", "|     IDs:  CVE:CVE-2014-0160"}, extract.Vulns(out))
}

func TestToolSpecificFindings(t *testing.T) {
	nikto := `+ Server: Apache/2.4.41 (Ubuntu)
+ /: The anti-clickjacking X-Frame-Options header is not present.
+ OSVDB-3233: /icons/README: Apache default file found.
+ /login.php: Possible SQL injection in the id parameter.`
	assert.Equal(t, []string{
		"+ OSVDB-3233: /icons/README: Apache default file found.",
		"+ /login.php: Possible SQL injection in the id parameter.",
	}, extract.NiktoFindings(nikto))

	nuclei := `[CVE-2021-41773] [http] [critical] http://t/cgi-bin/.%2e/etc/passwd
[tech-detect:nginx] [http] [info] http://t`
	assert.Equal(t, []string{"[CVE-2021-41773] [http] [critical] http://t/cgi-bin/.%2e/etc/passwd"}, extract.NucleiFindings(nuclei))

	wpscan := ` | [!] Title: WP < 6.0.2 - Reflected XSS
 |     Fixed in: 6.0.2`
	assert.Equal(t, []string{"WP < 6.0.2 - Reflected XSS"}, extract.WPScanFindings(wpscan))
}
