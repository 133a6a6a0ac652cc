package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"botflow/internal/condition"
	"botflow/internal/core"
	"botflow/internal/logger"
	"botflow/internal/nodes"
	"botflow/pkg"
)

// DefaultMaxNodesPerTurn bounds traversal when Options leaves it unset
const DefaultMaxNodesPerTurn = 50

// Options configures an Engine
type Options struct {
	MaxNodesPerTurn int
	Response        nodes.ResponseOptions
	// Clock is used for history timestamps; defaults to time.Now
	Clock func() time.Time
}

// Engine advances sessions through their bot's workflow graph, one turn at a time
type Engine struct {
	graphs   core.GraphProvider
	sessions core.SessionStore

	handlers map[core.NodeType]core.NodeHandler

	maxNodes int
	now      func() time.Time
}

// TurnResult is the outcome of a committed turn
type TurnResult struct {
	SessionID     string
	Replies       []string
	Status        core.SessionStatus
	CurrentNodeID string
	Sources       []core.Passage
	Path          []string
}

// NewEngine wires the node handlers around the given stores and AI clients.
// retriever may be nil when no graph uses retrieval.
func NewEngine(graphs core.GraphProvider, sessions core.SessionStore, retriever core.Retriever, generator core.Generator, opts Options) *Engine {
	if opts.MaxNodesPerTurn <= 0 {
		opts.MaxNodesPerTurn = DefaultMaxNodesPerTurn
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	e := &Engine{
		graphs:   graphs,
		sessions: sessions,
		handlers: make(map[core.NodeType]core.NodeHandler),
		maxNodes: opts.MaxNodesPerTurn,
		now:      opts.Clock,
	}
	e.register(
		nodes.NewStartNode(),
		nodes.NewMessageNode(),
		nodes.NewConditionNode(condition.NewEvaluator()),
		nodes.NewResponseNode(retriever, generator, opts.Response),
	)
	return e
}

func (e *Engine) register(handlers ...core.NodeHandler) {
	for _, h := range handlers {
		e.handlers[h.GetType()] = h
	}
}

// ProcessTurn runs one inbound message through the session's graph and commits the result.
// Any returned error means nothing was committed.
func (e *Engine) ProcessTurn(ctx context.Context, botID, sessionID, message string) (*TurnResult, error) {
	startTime := time.Now()

	graph, err := e.graphs.Load(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("load graph for bot %q: %w", botID, err)
	}

	stored, release, err := e.sessions.Acquire(ctx, botID, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	session := stored.Clone()
	now := e.now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}

	current := session.CurrentNodeID
	if _, ok := graph.Node(current); !ok || session.Status == core.SessionCompleted {
		current = graph.StartNodeID
	}
	session.GraphVersion = graph.Version
	session.History = append(session.History, core.HistoryEntry{
		Role:      core.RoleUser,
		Text:      message,
		Timestamp: now,
	})
	session.Variables[core.VarLastMessage] = message

	logger.Info().
		Str("bot_id", botID).
		Str("session_id", sessionID).
		Int("graph_version", graph.Version).
		Str("node_id", current).
		Msg("Starting turn")

	result := &TurnResult{SessionID: sessionID}
	status := core.SessionActive

	for steps := 0; ; steps++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if steps >= e.maxNodes {
			return nil, fmt.Errorf("%w: more than %d nodes executed in one turn (path %v)",
				core.ErrExecutionBudgetExceeded, e.maxNodes, result.Path)
		}

		node, ok := graph.Node(current)
		if !ok {
			status = core.SessionCompleted
			break
		}
		result.Path = append(result.Path, current)

		handler, err := e.handlerFor(node.Type)
		if err != nil {
			return nil, err
		}
		out, err := handler.Execute(ctx, core.NodeInput{
			Graph:       graph,
			Node:        node,
			Session:     session,
			UserMessage: message,
			Now:         e.now(),
		})
		if err != nil {
			logger.Error().
				Err(err).
				Str("bot_id", botID).
				Str("session_id", sessionID).
				Str("node_id", current).
				Msg("Node failed, aborting turn")
			return nil, err
		}

		result.Replies = append(result.Replies, out.Replies...)
		result.Sources = append(result.Sources, out.Sources...)

		if out.Complete || out.NextNode == "" {
			status = core.SessionCompleted
			break
		}
		if _, ok := graph.Node(out.NextNode); !ok {
			status = core.SessionCompleted
			break
		}
		current = out.NextNode
		if out.Suspend {
			status = core.SessionAwaitingInput
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session.CurrentNodeID = current
	session.Status = status
	session.UpdatedAt = e.now()

	// a turn that reached this point commits even if the caller goes away mid-write
	if err := e.sessions.Commit(context.WithoutCancel(ctx), session); err != nil {
		return nil, err
	}

	result.Status = status
	result.CurrentNodeID = current

	logger.Info().
		Str("bot_id", botID).
		Str("session_id", sessionID).
		Strs("path", result.Path).
		Str("status", string(status)).
		Int("replies", len(result.Replies)).
		Dur("latency", time.Since(startTime)).
		Msg("Turn committed")

	return result, nil
}

// Handle is the boundary API: it never returns an error, failures are tagged in the response
func (e *Engine) Handle(ctx context.Context, req pkg.TurnRequest) pkg.TurnResponse {
	if req.BotID == "" {
		return failedResponse(req.SessionID, &pkg.TurnError{Code: pkg.ErrorCodeInvalidRequest, Message: "bot_id is required"})
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	result, err := e.ProcessTurn(ctx, req.BotID, req.SessionID, req.Message)
	if err != nil {
		return failedResponse(req.SessionID, &pkg.TurnError{Code: Classify(err), Message: err.Error()})
	}
	return ToResponse(result)
}

// Session returns the committed state of a session
func (e *Engine) Session(ctx context.Context, botID, sessionID string) (*core.Session, error) {
	return e.sessions.Get(ctx, botID, sessionID)
}

func (e *Engine) handlerFor(t core.NodeType) (core.NodeHandler, error) {
	h, ok := e.handlers[t]
	if !ok {
		return nil, fmt.Errorf("%w: unknown node type %q", core.ErrMalformedGraph, t)
	}
	return h, nil
}

// Classify maps an engine error onto its boundary error code
func Classify(err error) pkg.ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return pkg.ErrorCodeCancelled
	case errors.Is(err, core.ErrMalformedGraph):
		return pkg.ErrorCodeMalformedGraph
	case errors.Is(err, core.ErrGraphNotFound):
		return pkg.ErrorCodeGraphNotFound
	case errors.Is(err, core.ErrNoMatchingBranch):
		return pkg.ErrorCodeNoMatchingBranch
	case errors.Is(err, core.ErrExecutionBudgetExceeded):
		return pkg.ErrorCodeExecutionBudgetExceeded
	case errors.Is(err, core.ErrSessionStoreUnavailable):
		return pkg.ErrorCodeSessionStoreUnavailable
	case errors.Is(err, core.ErrSessionNotFound):
		return pkg.ErrorCodeSessionNotFound
	}
	return pkg.ErrorCodeInternal
}

// ToResponse converts a committed turn into its wire form
func ToResponse(r *TurnResult) pkg.TurnResponse {
	resp := pkg.TurnResponse{
		SessionID:     r.SessionID,
		Replies:       r.Replies,
		Status:        string(r.Status),
		CurrentNodeID: r.CurrentNodeID,
	}
	if resp.Replies == nil {
		resp.Replies = []string{}
	}
	for _, p := range r.Sources {
		resp.Sources = append(resp.Sources, pkg.Source{SourceID: p.SourceID, Text: p.Text, Score: p.Score})
	}
	return resp
}

// ToSessionView converts a stored session into its read model
func ToSessionView(s *core.Session) pkg.SessionView {
	view := pkg.SessionView{
		SessionID:     s.SessionID,
		BotID:         s.BotID,
		CurrentNodeID: s.CurrentNodeID,
		GraphVersion:  s.GraphVersion,
		Status:        string(s.Status),
		Variables:     s.Variables,
		History:       make([]pkg.HistoryMessage, 0, len(s.History)),
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	for _, h := range s.History {
		view.History = append(view.History, pkg.HistoryMessage{
			Role:      h.Role,
			Text:      h.Text,
			Timestamp: h.Timestamp,
			NodeID:    h.NodeID,
			Error:     h.Error,
		})
	}
	return view
}

func failedResponse(sessionID string, turnErr *pkg.TurnError) pkg.TurnResponse {
	return pkg.TurnResponse{
		SessionID: sessionID,
		Replies:   []string{},
		Status:    string(core.SessionFailed),
		Error:     turnErr,
	}
}
