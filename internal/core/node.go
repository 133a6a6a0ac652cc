package core

import (
	"context"
	"time"
)

// Variables written by the engine itself
const (
	VarLastMessage    = "lastMessage"
	VarLastBranch     = "lastBranch"
	VarLastAIResponse = "lastAIResponse"
)

// NodeHandler executes one node type. Handlers mutate the turn's private session copy;
// nothing they do is visible outside the turn until the engine commits.
type NodeHandler interface {
	Execute(ctx context.Context, input NodeInput) (NodeOutput, error)
	GetType() NodeType
}

// NodeInput contains the input data for a node
type NodeInput struct {
	Graph       *WorkflowGraph
	Node        *Node
	Session     *Session
	UserMessage string
	Now         time.Time
}

// NodeOutput tells the engine what a node produced and where to go next.
// An empty NextNode ends the traversal.
type NodeOutput struct {
	Replies  []string
	Sources  []Passage
	NextNode string
	Suspend  bool
	Complete bool
}
