package schemas

// -- Target Graph Data Model --

// NodeType is the category of a node in a target graph.
type NodeType string

const (
	NodeTarget     NodeType = "target"
	NodePort       NodeType = "port"
	NodeService    NodeType = "service"
	NodeSubdomain  NodeType = "subdomain"
	NodeVuln       NodeType = "vuln"
	NodeDirectory  NodeType = "directory"
	NodeTechnology NodeType = "technology"
	NodeWAF        NodeType = "waf"
	NodeExploit    NodeType = "exploit"
	NodeTLS        NodeType = "tls"
	NodeWhois      NodeType = "whois"
	NodeDNS        NodeType = "dns"
)

// Position is a layout coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a positioned vertex. Data carries the type-specific attributes rendered by clients.
type Node struct {
	ID       string         `json:"id"`
	Type     NodeType       `json:"type"`
	Data     map[string]any `json:"data"`
	Position Position       `json:"position"`
}

// Edge connects two nodes by id.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// GraphView is the laid-out graph of one target plus the record it was built from.
type GraphView struct {
	Target  string        `json:"target"`
	Nodes   []Node        `json:"nodes"`
	Edges   []Edge        `json:"edges"`
	Summary *TargetRecord `json:"summary,omitempty"`
}
