package mapper

import (
	"fmt"
	"math"
	"strings"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
)

// Layout constants. Satellite rings are placed around the center; lists
// without a natural angle are laid out on grids below or above it.
const (
	centerX = 400.0
	centerY = 300.0

	portRadius      = 200.0
	serviceOffset   = 120.0
	subdomainRadius = 350.0
	subdomainPhase  = 0.5
	fullTurn        = 6.28

	maxSubdomains   = 20
	maxVulns        = 15
	maxDirectories  = 15
	maxTechnologies = 12
	maxExploits     = 10
	maxDNSRecords   = 10
	vulnLabelRunes  = 80
)

var webPorts = map[int]bool{80: true, 443: true, 8080: true, 8443: true}

type graphBuilder struct {
	nodes  []schemas.Node
	edges  []schemas.Edge
	nextID int
}

func (g *graphBuilder) node(prefix string, typ schemas.NodeType, data map[string]any, x, y float64) string {
	id := fmt.Sprintf("%s-%d", prefix, g.nextID)
	g.nextID++
	g.nodes = append(g.nodes, schemas.Node{ID: id, Type: typ, Data: data, Position: schemas.Position{X: x, Y: y}})
	return id
}

func (g *graphBuilder) edge(from, to string) {
	g.edges = append(g.edges, schemas.Edge{ID: "e-" + from + "-" + to, Source: from, Target: to})
}

// Layout renders a target record as a positioned graph. Given the same record
// it always produces the same nodes, ids and positions.
func Layout(rec schemas.TargetRecord) schemas.GraphView {
	g := &graphBuilder{}
	center := g.node("target", schemas.NodeTarget, map[string]any{
		"label": rec.Target,
		"scans": len(rec.Scans),
	}, centerX, centerY)

	webParent := ""
	nPorts := len(rec.Ports)
	for i, p := range rec.Ports {
		angle := float64(i) / float64(max(nPorts, 1)) * fullTurn
		x := centerX + math.Cos(angle)*portRadius
		y := centerY + math.Sin(angle)*portRadius
		pid := g.node("port", schemas.NodePort, map[string]any{
			"port":    p.Port,
			"proto":   p.Proto,
			"state":   p.State,
			"service": p.Service,
			"version": p.Version,
		}, x, y)
		g.edge(center, pid)
		if webParent == "" && webPorts[p.Port] {
			webParent = pid
		}

		if p.Version != "" {
			sid := g.node("svc", schemas.NodeService, map[string]any{
				"label": p.Service + " " + p.Version,
			}, x+math.Cos(angle)*serviceOffset, y+math.Sin(angle)*serviceOffset)
			g.edge(pid, sid)
		}
	}

	subs := rec.Subdomains
	for i, s := range subs[:min(len(subs), maxSubdomains)] {
		angle := float64(i)/float64(max(len(subs), 1))*fullTurn + subdomainPhase
		sid := g.node("sub", schemas.NodeSubdomain, map[string]any{"label": s.Name},
			centerX+math.Cos(angle)*subdomainRadius, centerY+math.Sin(angle)*subdomainRadius)
		g.edge(center, sid)
	}

	for i, v := range rec.Vulns[:min(len(rec.Vulns), maxVulns)] {
		label := []rune(v)
		if len(label) > vulnLabelRunes {
			label = label[:vulnLabelRunes]
		}
		vid := g.node("vuln", schemas.NodeVuln, map[string]any{"label": string(label)},
			100+float64(i%5)*160, 550+float64(i/5)*80)
		g.edge(center, vid)
	}

	// Discovered paths hang off the first web port when there is one.
	dirParent := center
	if webParent != "" {
		dirParent = webParent
	}
	for i, d := range rec.Directories[:min(len(rec.Directories), maxDirectories)] {
		did := g.node("dir", schemas.NodeDirectory, map[string]any{"url": d.URL, "status": d.Status},
			700+float64(i%4)*140, 550+float64(i/4)*70)
		g.edge(dirParent, did)
	}

	techNodes := make(map[string]string)
	for i, t := range rec.Technologies[:min(len(rec.Technologies), maxTechnologies)] {
		tid := g.node("tech", schemas.NodeTechnology, map[string]any{
			"label":    t.Name,
			"version":  t.Version,
			"category": t.Category,
		}, 100+float64(i%6)*130, 20+float64(i/6)*60)
		g.edge(center, tid)
		if key := strings.ToLower(t.Name); techNodes[key] == "" {
			techNodes[key] = tid
		}
	}

	if rec.WAF != nil {
		wid := g.node("waf", schemas.NodeWAF, map[string]any{
			"label":    rec.WAF.Label(),
			"detected": rec.WAF.Detected,
			"generic":  rec.WAF.Generic,
		}, centerX, centerY-portRadius-80)
		g.edge(center, wid)
	}

	// Exploits hang off the technology they were searched for.
	for i, e := range rec.Exploits[:min(len(rec.Exploits), maxExploits)] {
		eid := g.node("exploit", schemas.NodeExploit, map[string]any{
			"label": e.Title,
			"path":  e.Path,
			"type":  e.Type,
		}, 900+float64(i%2)*180, 20+float64(i/2)*60)
		parent := center
		if tid := techNodes[strings.ToLower(e.SearchTerm)]; tid != "" {
			parent = tid
		}
		g.edge(parent, eid)
	}

	if rec.TLS != nil {
		label := rec.TLS.Subject
		if label == "" {
			label = "TLS"
		}
		tid := g.node("tls", schemas.NodeTLS, map[string]any{
			"label":          label,
			"issuer":         rec.TLS.Issuer,
			"not_after":      rec.TLS.NotAfter,
			"weak_protocols": rec.TLS.WeakProtocols,
		}, centerX-portRadius-150, centerY-150)
		g.edge(center, tid)
	}

	if rec.Whois != nil {
		label := rec.Whois.Registrar
		if label == "" {
			label = "WHOIS"
		}
		wid := g.node("whois", schemas.NodeWhois, map[string]any{
			"label":          label,
			"registrant_org": rec.Whois.RegistrantOrg,
			"expires":        rec.Whois.Expires,
			"name_servers":   rec.Whois.NameServers,
		}, centerX+portRadius+150, centerY-150)
		g.edge(center, wid)
	}

	for i, d := range rec.DNS[:min(len(rec.DNS), maxDNSRecords)] {
		did := g.node("dns", schemas.NodeDNS, map[string]any{
			"label": d.Type + " " + d.Value,
			"name":  d.Name,
		}, 900+float64(i%2)*180, 400+float64(i/2)*60)
		g.edge(center, did)
	}

	summary := rec
	return schemas.GraphView{
		Target:  rec.Target,
		Nodes:   g.nodes,
		Edges:   g.edges,
		Summary: &summary,
	}
}
