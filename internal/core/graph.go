package core

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
)

// Validate checks the graph invariants and builds the outgoing edge index.
// It must run before the graph is shared between goroutines.
func (g *WorkflowGraph) Validate() error {
	if g == nil {
		return &MalformedGraphError{Reason: "graph is nil"}
	}
	if len(g.Nodes) == 0 {
		return malformed(g, "graph has no nodes")
	}

	var starts []string
	for id, node := range g.Nodes {
		if node == nil {
			return malformed(g, "node %q is nil", id)
		}
		if node.ID == "" {
			node.ID = id
		}
		if node.ID != id {
			return malformed(g, "node key %q does not match node id %q", id, node.ID)
		}
		if !node.Type.Valid() {
			return malformed(g, "node %q has unknown type %q", id, node.Type)
		}
		if err := g.validateConfig(node); err != nil {
			return err
		}
		if node.Type == NodeTypeStart {
			starts = append(starts, id)
		}
	}

	switch len(starts) {
	case 0:
		return malformed(g, "no start node")
	case 1:
	default:
		sort.Strings(starts)
		return malformed(g, "multiple start nodes: %s", strings.Join(starts, ", "))
	}
	if g.StartNodeID == "" {
		g.StartNodeID = starts[0]
	}
	if g.StartNodeID != starts[0] {
		return malformed(g, "start_node_id %q is not the start node %q", g.StartNodeID, starts[0])
	}

	outgoing := make(map[string][]Edge, len(g.Nodes))
	for i, e := range g.Edges {
		if _, ok := g.Nodes[e.Source]; !ok {
			return malformed(g, "edge %d references unknown source node %q", i, e.Source)
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			return malformed(g, "edge %d references unknown target node %q", i, e.Target)
		}
		outgoing[e.Source] = append(outgoing[e.Source], e)
	}

	for id, node := range g.Nodes {
		if err := g.validateBranching(node, outgoing[id]); err != nil {
			return err
		}
	}

	if unreachable := unreachableNodes(g.StartNodeID, g.Nodes, outgoing); len(unreachable) > 0 {
		return malformed(g, "nodes unreachable from start: %s", strings.Join(unreachable, ", "))
	}

	g.outgoing = outgoing
	g.validated = true
	return nil
}

// Validated reports whether Validate has succeeded on this graph
func (g *WorkflowGraph) Validated() bool {
	return g.validated
}

// NextEdges returns the outgoing edges of nodeID in declaration order
func (g *WorkflowGraph) NextEdges(nodeID string) []Edge {
	if g.outgoing != nil {
		return g.outgoing[nodeID]
	}
	var edges []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}

// Node returns the node with the given id
func (g *WorkflowGraph) Node(id string) (*Node, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// EdgeForLabel returns the first outgoing edge of nodeID carrying label
func (g *WorkflowGraph) EdgeForLabel(nodeID, label string) (Edge, bool) {
	for _, e := range g.NextEdges(nodeID) {
		if e.Label == label {
			return e, true
		}
	}
	return Edge{}, false
}

func (g *WorkflowGraph) validateConfig(node *Node) error {
	switch node.Type {
	case NodeTypeMessage:
		if node.Message == nil {
			return malformed(g, "message node %q has no message config", node.ID)
		}
	case NodeTypeAIResponse:
		if node.AI == nil {
			node.AI = &AIResponseConfig{}
		}
		if node.AI.TopK < 0 {
			return malformed(g, "ai node %q has negative top_k", node.ID)
		}
	case NodeTypeCondition:
		if node.Condition == nil {
			return malformed(g, "condition node %q has no condition config", node.ID)
		}
		for i, p := range node.Condition.Predicates {
			if err := validatePredicate(p); err != nil {
				return malformed(g, "condition node %q predicate %d: %s", node.ID, i, err.Error())
			}
		}
	}
	return nil
}

func (g *WorkflowGraph) validateBranching(node *Node, edges []Edge) error {
	if node.Type != NodeTypeCondition {
		if len(edges) > 1 {
			return malformed(g, "%s node %q has %d outgoing edges, expected at most one", node.Type, node.ID, len(edges))
		}
		if len(edges) == 1 && edges[0].Label != "" {
			return malformed(g, "%s node %q has a labelled edge %q", node.Type, node.ID, edges[0].Label)
		}
		if node.Type == NodeTypeStart && len(edges) != 1 {
			return malformed(g, "start node %q must have exactly one outgoing edge", node.ID)
		}
		return nil
	}

	labels := make(map[string]bool, len(edges))
	for _, e := range edges {
		if e.Label == "" {
			return malformed(g, "condition node %q has an unlabelled edge to %q", node.ID, e.Target)
		}
		labels[e.Label] = true
	}
	for _, p := range node.Condition.Predicates {
		if !labels[p.Label] {
			return malformed(g, "condition node %q has no edge for label %q", node.ID, p.Label)
		}
	}
	def, ok := node.Condition.DefaultLabel()
	if !ok {
		return malformed(g, "condition node %q has neither a default label nor an always predicate", node.ID)
	}
	if !labels[def] {
		return malformed(g, "condition node %q has no edge for default label %q", node.ID, def)
	}
	return nil
}

func validatePredicate(p Predicate) error {
	if p.Label == "" {
		return fmt.Errorf("predicate has no label")
	}
	switch p.Kind {
	case PredicateKeyword:
		if len(p.Keywords) == 0 {
			return fmt.Errorf("keyword predicate has no keywords")
		}
		for _, k := range p.Keywords {
			if strings.TrimSpace(k) == "" {
				return fmt.Errorf("keyword predicate has an empty keyword")
			}
		}
	case PredicateRegex:
		if p.Pattern == "" {
			return fmt.Errorf("regex predicate has no pattern")
		}
		if _, err := regexp.Compile("(?i)" + p.Pattern); err != nil {
			return fmt.Errorf("invalid pattern: %v", err)
		}
	case PredicateEquals, PredicateNotEquals:
		if p.Variable == "" {
			return fmt.Errorf("%s predicate has no variable", p.Kind)
		}
	case PredicateExpression:
		if strings.TrimSpace(p.Expression) == "" {
			return fmt.Errorf("expression predicate has no expression")
		}
		if _, err := expr.Compile(p.Expression, expr.AllowUndefinedVariables(), expr.AsBool()); err != nil {
			return fmt.Errorf("invalid expression: %v", err)
		}
	case PredicateAlways:
	default:
		return fmt.Errorf("unknown predicate kind %q", p.Kind)
	}
	return nil
}

// unreachableNodes returns, sorted, the ids not reachable from start
func unreachableNodes(start string, nodes map[string]*Node, outgoing map[string][]Edge) []string {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range outgoing[id] {
			if !seen[e.Target] {
				seen[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}

	var missing []string
	for id := range nodes {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}
