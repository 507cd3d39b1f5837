package tools

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xkilldash9x/scalpel-recon/internal/config"
)

var nmapScanTypes = map[string][]string{
	"quick":      {"-T4", "-F"},
	"full_tcp":   {"-p-", "-T4"},
	"syn":        {"-sS", "-T4"},
	"udp":        {"-sU", "-T4"},
	"service":    {"-sV", "-T4"},
	"os":         {"-O", "-T4"},
	"aggressive": {"-A", "-T4"},
	"vuln":       {"--script", "vuln", "-sV"},
	"stealth":    {"-sS", "-T2", "-f"},
}

var nxcProtocols = map[string]bool{
	"smb": true, "ldap": true, "rdp": true, "winrm": true, "ssh": true,
	"ftp": true, "mssql": true, "wmi": true, "vnc": true, "nfs": true,
}

// nxcFlags maps boolean parameters to the flag they enable, in emission order.
var nxcFlags = []struct{ param, flag string }{
	{"shares", "--shares"},
	{"users", "--users"},
	{"groups", "--groups"},
	{"sessions", "--sessions"},
	{"disks", "--disks"},
	{"loggedon", "--loggedon-users"},
	{"rid_brute", "--rid-brute"},
	{"pass_pol", "--pass-pol"},
	{"sam", "--sam"},
	{"lsa", "--lsa"},
	{"ntds", "--ntds"},
}

// Catalogue returns every built-in tool. Wordlist defaults come from cfg.
func Catalogue(cfg config.ToolsConfig) []Tool {
	common := cfg.Wordlists.Common
	if common == "" {
		common = "/usr/share/wordlists/dirb/common.txt"
	}
	subs := cfg.Wordlists.Subdomains
	if subs == "" {
		subs = "/usr/share/seclists/Discovery/DNS/subdomains-top1million-5000.txt"
	}

	return []Tool{
		Define("nmap", "nmap", buildNmap),
		Define("sqlmap", "sqlmap", buildSqlmap),
		Define("amass", "amass", buildAmass),
		Define("gobuster_dns", "gobuster", func(bin string, p Params) ([]string, error) {
			return buildGobusterDNS(bin, p, subs)
		}),
		Define("dnsenum", "dnsenum", buildDnsenum),
		Define("nikto", "nikto", buildNikto),
		Define("dirb", "dirb", func(bin string, p Params) ([]string, error) {
			return buildDirb(bin, p, common)
		}),
		Define("gobuster_dir", "gobuster", func(bin string, p Params) ([]string, error) {
			return buildGobusterDir(bin, p, common)
		}),
		Define("ffuf", "ffuf", func(bin string, p Params) ([]string, error) {
			return buildFfuf(bin, p, common)
		}),
		Define("whatweb", "whatweb", buildWhatweb),
		Define("wfuzz", "wfuzz", func(bin string, p Params) ([]string, error) {
			return buildWfuzz(bin, p, common)
		}),
		Define("nxc", "nxc", buildNxc),
		Define("enum4linux", "enum4linux", buildEnum4linux),
		Define("smbclient", "smbclient", buildSmbclient),
		Define("searchsploit", "searchsploit", buildSearchsploit),
		Define("hydra", "hydra", buildHydra),
		Define("john", "john", buildJohn),
		Define("hashcat", "hashcat", buildHashcat),
		Define("whois", "whois", buildWhois),
		Define("dig", "dig", buildDig),
		Define("nuclei", "nuclei", buildNuclei),
		Define("wafw00f", "wafw00f", buildWafw00f),
		Define("feroxbuster", "feroxbuster", func(bin string, p Params) ([]string, error) {
			return buildFeroxbuster(bin, p, common)
		}),
		Define("wpscan", "wpscan", buildWpscan),
		Define("sslscan", "sslscan", buildSslscan),
	}
}

// fuzzURL appends a FUZZ path segment unless the target already has a marker.
func fuzzURL(target string) string {
	if strings.Contains(target, "FUZZ") {
		return target
	}
	return strings.TrimRight(target, "/") + "/FUZZ"
}

// -- Port scanning --

func buildNmap(bin string, p Params) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin}
	scan, ok := nmapScanTypes[p.StringOr("scan_type", "quick")]
	if !ok {
		scan = nmapScanTypes["quick"]
	}
	cmd = append(cmd, scan...)

	switch ports := p.String("ports"); ports {
	case "":
	case "all":
		cmd = append(cmd, "-p-")
	case "top100":
		cmd = append(cmd, "--top-ports", "100")
	case "top1000":
		cmd = append(cmd, "--top-ports", "1000")
	default:
		cmd = append(cmd, "-p", ports)
	}

	switch timing := p.String("timing"); timing {
	case "T0", "T1", "T2", "T3", "T4", "T5":
		cmd = append(cmd, "-"+timing)
	}
	if scripts := p.String("scripts"); scripts != "" {
		cmd = append(cmd, "--script", scripts)
	}
	if p.Bool("version_detect") {
		cmd = append(cmd, "-sV")
	}
	if p.Bool("os_detect") {
		cmd = append(cmd, "-O")
	}
	if p.Bool("verbose") {
		cmd = append(cmd, "-v")
	}
	if p.Bool("xml") {
		cmd = append(cmd, "-oX", "-")
	}
	cmd = append(cmd, p.extraFlags()...)
	return append(cmd, target), nil
}

// -- Injection --

func buildSqlmap(bin string, p Params) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin, "-u", target}

	if strings.EqualFold(p.StringOr("method", "GET"), "POST") {
		if data := p.String("data"); data != "" {
			cmd = append(cmd, "--data", data)
		}
	}
	if level := p.Int("level", 1); level >= 1 && level <= 5 {
		cmd = append(cmd, "--level", strconv.Itoa(level))
	}
	if risk := p.Int("risk", 1); risk >= 1 && risk <= 3 {
		cmd = append(cmd, "--risk", strconv.Itoa(risk))
	}
	if tamper := p.String("tamper"); tamper != "" {
		cmd = append(cmd, "--tamper", tamper)
	}
	for _, f := range []struct{ param, flag string }{
		{"dbs", "--dbs"}, {"tables", "--tables"}, {"columns", "--columns"}, {"dump", "--dump"},
		{"current_db", "--current-db"}, {"current_user", "--current-user"}, {"is_dba", "--is-dba"},
	} {
		if p.Bool(f.param) {
			cmd = append(cmd, f.flag)
		}
	}
	if db := p.String("database"); db != "" {
		cmd = append(cmd, "-D", db)
	}
	if table := p.String("table"); table != "" {
		cmd = append(cmd, "-T", table)
	}
	if p.Bool("random_agent") {
		cmd = append(cmd, "--random-agent")
	}
	if threads := p.String("threads"); threads != "" {
		cmd = append(cmd, "--threads", threads)
	}
	if cookie := p.String("cookie"); cookie != "" {
		cmd = append(cmd, "--cookie", cookie)
	}
	if ua := p.String("user_agent"); ua != "" {
		cmd = append(cmd, "--user-agent", ua)
	}
	if proxy := p.String("proxy"); proxy != "" {
		cmd = append(cmd, "--proxy", proxy)
	}
	cmd = append(cmd, "--batch")
	return append(cmd, p.extraFlags()...), nil
}

// -- Subdomain enumeration --

func buildAmass(bin string, p Params) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin, "enum"}
	if p.Bool("passive") {
		cmd = append(cmd, "-passive")
	}
	if p.Bool("brute") {
		cmd = append(cmd, "-brute")
	}
	cmd = append(cmd, "-d", target)
	return append(cmd, p.extraFlags()...), nil
}

func buildGobusterDNS(bin string, p Params, wordlist string) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin, "dns", "-d", target, "-w", p.StringOr("wordlist", wordlist)}
	if threads := p.String("threads"); threads != "" {
		cmd = append(cmd, "-t", threads)
	}
	return append(cmd, p.extraFlags()...), nil
}

func buildDnsenum(bin string, p Params) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin}
	if threads := p.String("threads"); threads != "" {
		cmd = append(cmd, "--threads", threads)
	}
	if p.Bool("enum_subdomains") {
		cmd = append(cmd, "--enum")
	}
	cmd = append(cmd, p.extraFlags()...)
	return append(cmd, target), nil
}

// -- Web scanning --

func buildNikto(bin string, p Params) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin, "-h", target}
	if p.Bool("ssl") {
		cmd = append(cmd, "-ssl")
	}
	if port := p.String("port"); port != "" {
		cmd = append(cmd, "-p", port)
	}
	if tuning := p.String("tuning"); tuning != "" {
		cmd = append(cmd, "-Tuning", tuning)
	}
	return append(cmd, p.extraFlags()...), nil
}

func buildDirb(bin string, p Params, wordlist string) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin, target, p.StringOr("wordlist", wordlist)}
	if ext := p.String("extensions"); ext != "" {
		cmd = append(cmd, "-X", ext)
	}
	if ua := p.String("user_agent"); ua != "" {
		cmd = append(cmd, "-a", ua)
	}
	return append(cmd, p.extraFlags()...), nil
}

func buildGobusterDir(bin string, p Params, wordlist string) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin, "dir", "-u", target, "-w", p.StringOr("wordlist", wordlist)}
	if ext := p.String("extensions"); ext != "" {
		cmd = append(cmd, "-x", ext)
	}
	if threads := p.String("threads"); threads != "" {
		cmd = append(cmd, "-t", threads)
	}
	if codes := p.String("status_codes"); codes != "" {
		cmd = append(cmd, "-s", codes)
	}
	return append(cmd, p.extraFlags()...), nil
}

func buildFfuf(bin string, p Params, wordlist string) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin, "-u", fuzzURL(target), "-w", p.StringOr("wordlist", wordlist)}
	if ext := p.String("extensions"); ext != "" {
		cmd = append(cmd, "-e", ext)
	}
	if threads := p.String("threads"); threads != "" {
		cmd = append(cmd, "-t", threads)
	}
	for _, f := range []string{"mc", "fc", "fs"} {
		if v := p.String(f); v != "" {
			cmd = append(cmd, "-"+f, v)
		}
	}
	if p.Bool("auto_calibrate") {
		cmd = append(cmd, "-ac")
	}
	return append(cmd, p.extraFlags()...), nil
}

func buildWhatweb(bin string, p Params) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin}
	if aggression := p.String("aggression"); aggression != "" {
		cmd = append(cmd, "-a", aggression)
	}
	if p.Bool("verbose") {
		cmd = append(cmd, "-v")
	}
	cmd = append(cmd, p.extraFlags()...)
	return append(cmd, target), nil
}

func buildWfuzz(bin string, p Params, wordlist string) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin, "-w", p.StringOr("wordlist", wordlist)}
	for _, f := range []string{"hc", "hl", "hw"} {
		if v := p.String(f); v != "" {
			cmd = append(cmd, "--"+f, v)
		}
	}
	cmd = append(cmd, p.extraFlags()...)
	return append(cmd, fuzzURL(target)), nil
}

func buildFeroxbuster(bin string, p Params, wordlist string) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin, "-u", target, "-w", p.StringOr("wordlist", wordlist)}
	for _, f := range []struct{ param, flag string }{
		{"threads", "-t"}, {"extensions", "-x"}, {"status_codes", "-s"}, {"depth", "-d"},
	} {
		if v := p.String(f.param); v != "" {
			cmd = append(cmd, f.flag, v)
		}
	}
	if p.Bool("no_recursion") {
		cmd = append(cmd, "-n")
	}
	if p.Bool("quiet") {
		cmd = append(cmd, "-q")
	}
	return append(cmd, p.extraFlags()...), nil
}

func buildWpscan(bin string, p Params) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin, "--url", target}
	if enum := p.String("enumerate"); enum != "" {
		cmd = append(cmd, "-e", enum)
	}
	if p.Bool("aggressive") {
		cmd = append(cmd, "--plugins-detection", "aggressive")
	}
	if token := p.String("api_token"); token != "" {
		cmd = append(cmd, "--api-token", token)
	}
	if p.Bool("stealthy") {
		cmd = append(cmd, "--stealthy")
	}
	cmd = append(cmd, p.extraFlags()...)
	return append(cmd, "--no-banner"), nil
}

func buildNuclei(bin string, p Params) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin, "-u", target}
	for _, f := range []struct{ param, flag string }{
		{"templates", "-t"}, {"severity", "-severity"}, {"tags", "-tags"},
	} {
		if v := p.String(f.param); v != "" {
			cmd = append(cmd, f.flag, v)
		}
	}
	if p.Bool("new_templates") {
		cmd = append(cmd, "-nt")
	}
	if p.Bool("automatic_scan") {
		cmd = append(cmd, "-as")
	}
	if rate := p.String("rate_limit"); rate != "" {
		cmd = append(cmd, "-rl", rate)
	}
	if c := p.String("concurrency"); c != "" {
		cmd = append(cmd, "-c", c)
	}
	if p.Bool("json_output") {
		cmd = append(cmd, "-jsonl")
	}
	return append(cmd, p.extraFlags()...), nil
}

func buildWafw00f(bin string, p Params) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin, target}
	if p.Bool("all_waf") {
		cmd = append(cmd, "-a")
	}
	if p.Bool("verbose") {
		cmd = append(cmd, "-v")
	}
	return append(cmd, p.extraFlags()...), nil
}

func buildSslscan(bin string, p Params) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin, "--no-colour"}
	if p.Bool("show_certificate") {
		cmd = append(cmd, "--show-certificate")
	}
	if sni := p.String("sni_name"); sni != "" {
		cmd = append(cmd, "--sni-name="+sni)
	}
	cmd = append(cmd, p.extraFlags()...)
	return append(cmd, target), nil
}

// -- SMB and Windows enumeration --

func buildNxc(bin string, p Params) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	protocol := strings.ToLower(p.StringOr("protocol", "smb"))
	if !nxcProtocols[protocol] {
		protocol = "smb"
	}
	cmd := []string{bin, protocol, target}
	if u := p.String("username"); u != "" {
		cmd = append(cmd, "-u", u)
	}
	if pw := p.String("password"); pw != "" {
		cmd = append(cmd, "-p", pw)
	}
	if h := p.String("hash"); h != "" {
		cmd = append(cmd, "-H", h)
	}
	for _, f := range nxcFlags {
		if p.Bool(f.param) {
			cmd = append(cmd, f.flag)
		}
	}
	if module := p.String("module"); module != "" {
		cmd = append(cmd, "-M", module)
	} else if p.Bool("spider_plus") {
		cmd = append(cmd, "-M", "spider_plus")
	}
	if p.Bool("local_auth") {
		cmd = append(cmd, "--local-auth")
	}
	if p.Bool("laps") {
		cmd = append(cmd, "--laps")
	}
	if p.Bool("kerberoast") {
		cmd = append(cmd, "--kerberoasting")
	}
	if method := p.String("ntds_method"); method != "" && p.Bool("ntds") {
		cmd = append(cmd, "--ntds", method)
	}
	for _, f := range []struct{ param, flag string }{
		{"exec_method", "--exec-method"}, {"exec_cmd", "-x"}, {"put_file", "--put-file"}, {"get_file", "--get-file"},
	} {
		if v := p.String(f.param); v != "" {
			cmd = append(cmd, f.flag, v)
		}
	}
	return append(cmd, p.extraFlags()...), nil
}

func buildEnum4linux(bin string, p Params) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin}
	for _, f := range []struct{ param, flag string }{
		{"all", "-a"}, {"users", "-U"}, {"shares", "-S"}, {"password_policy", "-P"}, {"groups", "-G"}, {"os_info", "-o"},
	} {
		if p.Bool(f.param) {
			cmd = append(cmd, f.flag)
		}
	}
	if u := p.String("username"); u != "" {
		cmd = append(cmd, "-u", u)
	}
	if pw := p.String("password"); pw != "" {
		cmd = append(cmd, "-p", pw)
	}
	cmd = append(cmd, p.extraFlags()...)
	return append(cmd, target), nil
}

func buildSmbclient(bin string, p Params) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin}
	if share := p.String("share"); share != "" {
		cmd = append(cmd, fmt.Sprintf("//%s/%s", target, share))
	} else {
		cmd = append(cmd, "-L", target)
	}
	if u := p.String("username"); u != "" {
		cmd = append(cmd, "-U", u)
	} else {
		cmd = append(cmd, "-N")
	}
	if pw := p.String("password"); pw != "" {
		cmd = append(cmd, "--password", pw)
	}
	return append(cmd, p.extraFlags()...), nil
}

// -- Exploit search --

func buildSearchsploit(bin string, p Params) ([]string, error) {
	query := p.StringOr("query", p.Target())
	if query == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin}
	if p.Bool("color") {
		cmd = append(cmd, "--color")
	}
	if p.Bool("exact") {
		cmd = append(cmd, "-e")
	}
	if p.Bool("title") {
		cmd = append(cmd, "-t")
	}
	if exclude := p.String("exclude"); exclude != "" {
		cmd = append(cmd, "--exclude="+exclude)
	}
	cmd = append(cmd, p.extraFlags()...)
	return append(cmd, strings.Fields(query)...), nil
}

// -- Password attacks --

func buildHydra(bin string, p Params) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin}
	if u := p.String("username"); u != "" {
		cmd = append(cmd, "-l", u)
	} else if ul := p.String("userlist"); ul != "" {
		cmd = append(cmd, "-L", ul)
	}
	if pw := p.String("password"); pw != "" {
		cmd = append(cmd, "-p", pw)
	} else if pl := p.String("passlist"); pl != "" {
		cmd = append(cmd, "-P", pl)
	}
	if threads := p.String("threads"); threads != "" {
		cmd = append(cmd, "-t", threads)
	}
	if p.Bool("verbose") {
		cmd = append(cmd, "-V")
	}
	if p.Bool("force") {
		cmd = append(cmd, "-f")
	}
	cmd = append(cmd, p.extraFlags()...)
	return append(cmd, target, p.StringOr("service", "ssh")), nil
}

func buildJohn(bin string, p Params) ([]string, error) {
	hashfile := p.String("hashfile")
	if hashfile == "" {
		return nil, fmt.Errorf("%w: hashfile is required", ErrNoCommand)
	}
	cmd := []string{bin}
	if wl := p.String("wordlist"); wl != "" {
		cmd = append(cmd, "--wordlist="+wl)
	}
	if format := p.String("format"); format != "" {
		cmd = append(cmd, "--format="+format)
	}
	if p.Bool("show") {
		cmd = append(cmd, "--show")
	}
	cmd = append(cmd, p.extraFlags()...)
	return append(cmd, hashfile), nil
}

func buildHashcat(bin string, p Params) ([]string, error) {
	hashfile := p.String("hashfile")
	if hashfile == "" {
		return nil, fmt.Errorf("%w: hashfile is required", ErrNoCommand)
	}
	cmd := []string{bin}
	if mode := p.String("mode"); mode != "" {
		cmd = append(cmd, "-m", mode)
	}
	cmd = append(cmd, "-a", p.StringOr("attack_mode", "0"))
	cmd = append(cmd, p.extraFlags()...)
	cmd = append(cmd, hashfile)
	if wl := p.String("wordlist"); wl != "" {
		cmd = append(cmd, wl)
	}
	return cmd, nil
}

// -- Passive recon --

func buildWhois(bin string, p Params) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := append([]string{bin}, p.extraFlags()...)
	return append(cmd, target), nil
}

func buildDig(bin string, p Params) ([]string, error) {
	target := p.Target()
	if target == "" {
		return nil, ErrEmptyTarget
	}
	cmd := []string{bin, target, strings.ToUpper(p.StringOr("record_type", "A"))}
	if p.Bool("short") {
		cmd = append(cmd, "+short")
	}
	if p.Bool("trace") {
		cmd = append(cmd, "+trace")
	}
	return append(cmd, p.extraFlags()...), nil
}
