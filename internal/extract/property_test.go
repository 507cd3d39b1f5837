package extract_test

import (
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"pgregory.net/rapid"

	"github.com/xkilldash9x/scalpel-recon/internal/extract"
)

// every calls each extractor directly, bypassing the registry's recover guard.
func every(in extract.Input) {
	_ = extract.Ports(in.Output)
	_ = extract.NmapXML(in.Output)
	_ = extract.Subdomains(in.Output)
	_ = extract.FfufSubdomains(in.Output, extract.FuzzDomain(in.Command))
	_ = extract.Directories(in.Output)
	_, _ = extract.Technologies(in.Output)
	_ = extract.Exploits(in.Output, extract.SearchTerm(in.Command))
	_ = extract.WAF(in.Output, in.Command)
	_ = extract.Whois(in.Output)
	_ = extract.TLS(in.Output)
	_ = extract.DNS(in.Output)
	_ = extract.Vulns(in.Output)
	_ = extract.NiktoFindings(in.Output)
	_ = extract.NucleiFindings(in.Output)
	_ = extract.WPScanFindings(in.Output)
}

// fragments are pieces of real tool output that steer generated text toward
// the interesting regex branches.
var fragments = []string{
	"80/tcp open http", "/tcp", "[Status: ", "(Status: 301)", "(CODE:", "SIZE:", "|", " ", "\n", "\r\n",
	"is behind ", "No WAF detected", "Registrar:", "Name Server:", "TLSv1.2", "Accepted ", " bits ",
	"Altnames:", " IN A ", "<nmaprun>", "<port portid=\"", "\">", "</nmaprun>", "[", "]", "HTTPServer[",
	"exploits/", "CVE-2021-", "VULNERABLE", "+ OSVDB-1: ", "\x1b[31m", "\xff\xfe", "FUZZ.", "9999999999",
}

func TestPropertyExtractorTotality(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		parts := rapid.SliceOf(rapid.OneOf(rapid.SampledFrom(fragments), rapid.String())).Draw(t, "parts")
		text := strings.Join(parts, "")
		command := rapid.String().Draw(t, "command")

		in := extract.Input{Tool: rapid.SampledFrom(extract.NewRegistry(nil).Tools()).Draw(t, "tool"), Command: command, Output: text}
		every(in)

		facts := extract.NewRegistry(nil).Run(in)
		for _, p := range facts.Ports {
			if p.Port <= 0 || p.Port > 65535 {
				t.Fatalf("port out of range: %d", p.Port)
			}
		}
		for _, d := range facts.Directories {
			if d.Status < 100 || d.Status > 599 {
				t.Fatalf("status out of range: %d", d.Status)
			}
		}
	})
}

func FuzzExtractors(f *testing.F) {
	f.Add([]byte("80/tcp open http Apache 2.4"))
	f.Add([]byte("<nmaprun><port protocol=\"tcp\" portid=\"22\"><state state=\"open\"/></port></nmaprun>"))
	f.Fuzz(func(t *testing.T, data []byte) {
		var in extract.Input
		consumer := fuzz.NewConsumer(data)
		if err := consumer.GenerateStruct(&in); err != nil {
			in = extract.Input{Output: string(data)}
		}
		every(in)
		_ = extract.NewRegistry(nil).Run(in)
	})
}
