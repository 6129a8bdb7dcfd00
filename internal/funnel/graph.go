package funnel

import (
	"fmt"
	"strings"
)

// StartNodeID is the node every new conversation enters.
const StartNodeID = "1"

// NodeTypeEnd marks a node that completes the funnel when reached.
const NodeTypeEnd = "end"

// Edge is a labeled outgoing connection between nodes.
type Edge struct {
	Target string `json:"target"`
	Handle string `json:"handle"`
}

// Node is a single step in a funnel graph.
type Node struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Edges   []Edge `json:"edges"`
}

// Graph is one tenant/bot funnel. Content is replaced wholesale on publish;
// Active is toggled independently.
type Graph struct {
	TenantID string `json:"tenant_id"`
	BotID    string `json:"bot_id"`
	Active   bool   `json:"active"`
	Version  int    `json:"version"`
	Nodes    []Node `json:"nodes"`
}

// ValidationError reports a structural problem found before a graph is saved.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid funnel graph: " + e.Reason
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the structural invariants: unique node ids, resolvable edge
// targets and the presence of the start node when the graph is non-empty.
func Validate(nodes []Node) error {
	if len(nodes) == 0 {
		return nil
	}

	ids := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		id := strings.TrimSpace(node.ID)
		if id == "" {
			return validationErrorf("node with empty id")
		}
		if _, dup := ids[id]; dup {
			return validationErrorf("duplicate node id %q", id)
		}
		ids[id] = struct{}{}
	}

	if _, ok := ids[StartNodeID]; !ok {
		return validationErrorf("missing start node %q", StartNodeID)
	}

	for _, node := range nodes {
		for _, edge := range node.Edges {
			if _, ok := ids[edge.Target]; !ok {
				return validationErrorf("node %q points at unknown node %q", node.ID, edge.Target)
			}
		}
	}
	return nil
}

// FindNode returns the node with the given id, or nil when the graph no longer
// contains it (conversations may reference nodes from an older version).
func (g *Graph) FindNode(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// IsEnd reports whether reaching this node completes the funnel.
func (n *Node) IsEnd() bool {
	return strings.EqualFold(n.Type, NodeTypeEnd)
}

// Next resolves the outgoing edge whose handle matches, if any.
func (n *Node) Next(handle string) (Edge, bool) {
	for _, edge := range n.Edges {
		if edge.Handle == handle {
			return edge, true
		}
	}
	return Edge{}, false
}
