package nodes

import (
	"context"

	"botflow/internal/core"
)

// StartNode is the graph entry point; it only forwards to its single edge
type StartNode struct{}

func NewStartNode() *StartNode {
	return &StartNode{}
}

func (s *StartNode) Execute(ctx context.Context, input core.NodeInput) (core.NodeOutput, error) {
	return core.NodeOutput{NextNode: nextTarget(input)}, nil
}

// GetType returns the node type
func (s *StartNode) GetType() core.NodeType {
	return core.NodeTypeStart
}

// MessageNode emits its rendered text and passes through to the next node.
// Without an outgoing edge it is terminal.
type MessageNode struct{}

func NewMessageNode() *MessageNode {
	return &MessageNode{}
}

// Execute renders the message text against the session variables
func (m *MessageNode) Execute(ctx context.Context, input core.NodeInput) (core.NodeOutput, error) {
	text := core.Render(input.Node.Message.Text, input.Session.Variables)
	input.Session.History = append(input.Session.History, core.HistoryEntry{
		Role:      core.RoleAssistant,
		Text:      text,
		Timestamp: input.Now,
		NodeID:    input.Node.ID,
	})

	next := nextTarget(input)
	return core.NodeOutput{
		Replies:  []string{text},
		NextNode: next,
		Complete: next == "",
	}, nil
}

// GetType returns the node type
func (m *MessageNode) GetType() core.NodeType {
	return core.NodeTypeMessage
}

// nextTarget returns the target of the node's unconditional edge, if any
func nextTarget(input core.NodeInput) string {
	edges := input.Graph.NextEdges(input.Node.ID)
	if len(edges) == 0 {
		return ""
	}
	return edges[0].Target
}
