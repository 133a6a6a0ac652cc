package nodes

import (
	"context"
	"fmt"

	"botflow/internal/condition"
	"botflow/internal/core"
	"botflow/internal/logger"
)

// ConditionNode routes the conversation along the edge chosen by the evaluator
type ConditionNode struct {
	evaluator *condition.Evaluator
}

// NewConditionNode creates a new condition routing node
func NewConditionNode(evaluator *condition.Evaluator) *ConditionNode {
	if evaluator == nil {
		evaluator = condition.NewEvaluator()
	}
	return &ConditionNode{evaluator: evaluator}
}

// Execute evaluates the predicates against the latest message and the session variables
func (c *ConditionNode) Execute(ctx context.Context, input core.NodeInput) (core.NodeOutput, error) {
	cfg := input.Node.Condition
	label, err := c.evaluator.Evaluate(cfg, condition.Input{
		Message:   input.UserMessage,
		Variables: input.Session.Variables,
	})
	if err != nil {
		return core.NodeOutput{}, fmt.Errorf("condition node %q: %w", input.Node.ID, err)
	}

	edge, ok := input.Graph.EdgeForLabel(input.Node.ID, label)
	if !ok {
		return core.NodeOutput{}, fmt.Errorf("condition node %q has no edge for label %q: %w", input.Node.ID, label, core.ErrNoMatchingBranch)
	}

	input.Session.Variables[core.VarLastBranch] = label
	if cfg.OutputVariable != "" {
		input.Session.Variables[cfg.OutputVariable] = label
	}

	logger.Debug().
		Str("node_id", input.Node.ID).
		Str("branch", label).
		Str("target", edge.Target).
		Msg("Condition routed")

	return core.NodeOutput{NextNode: edge.Target}, nil
}

// GetType returns the node type
func (c *ConditionNode) GetType() core.NodeType {
	return core.NodeTypeCondition
}
