package core

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/awalterschulze/gographviz"
)

var dotShapes = map[NodeType]string{
	NodeTypeStart:      "circle",
	NodeTypeMessage:    "box",
	NodeTypeCondition:  "diamond",
	NodeTypeAIResponse: "component",
}

// ToDOT renders the graph in Graphviz DOT format
func ToDOT(g *WorkflowGraph) (string, error) {
	out := gographviz.NewGraph()
	name := g.GraphID
	if name == "" {
		name = "workflow"
	}
	if err := out.SetName(strconv.Quote(name)); err != nil {
		return "", fmt.Errorf("failed to set graph name: %w", err)
	}
	if err := out.SetDir(true); err != nil {
		return "", fmt.Errorf("failed to set graph direction: %w", err)
	}

	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		node := g.Nodes[id]
		attrs := map[string]string{
			"label": strconv.Quote(nodeLabel(node)),
			"shape": dotShapes[node.Type],
		}
		if err := out.AddNode(out.Name, strconv.Quote(id), attrs); err != nil {
			return "", fmt.Errorf("failed to add node %q: %w", id, err)
		}
	}

	for _, e := range g.Edges {
		attrs := map[string]string{}
		if e.Label != "" {
			attrs["label"] = strconv.Quote(e.Label)
		}
		if err := out.AddEdge(strconv.Quote(e.Source), strconv.Quote(e.Target), true, attrs); err != nil {
			return "", fmt.Errorf("failed to add edge %s->%s: %w", e.Source, e.Target, err)
		}
	}

	return out.String(), nil
}

func nodeLabel(n *Node) string {
	switch n.Type {
	case NodeTypeMessage:
		if n.Message != nil && n.Message.Text != "" {
			return truncate(n.Message.Text, 40)
		}
	case NodeTypeAIResponse:
		if n.AI != nil && n.AI.Prompt != "" {
			return "AI: " + truncate(n.AI.Prompt, 36)
		}
	}
	return fmt.Sprintf("%s (%s)", n.ID, n.Type)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
