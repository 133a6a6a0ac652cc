package core

import (
	"context"
	"time"

	"github.com/cloudwego/eino/schema"
)

// NodeType defines the closed set of node kinds a workflow graph may contain
type NodeType string

const (
	NodeTypeStart      NodeType = "start"
	NodeTypeMessage    NodeType = "message"
	NodeTypeCondition  NodeType = "condition"
	NodeTypeAIResponse NodeType = "ai_response"
)

// Valid reports whether t is one of the known node kinds
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeStart, NodeTypeMessage, NodeTypeCondition, NodeTypeAIResponse:
		return true
	}
	return false
}

// Node represents a single step in a bot's dialog graph.
// Exactly one of the config payloads is expected, matching Type.
type Node struct {
	ID        string            `json:"id" yaml:"id"`
	Type      NodeType          `json:"type" yaml:"type"`
	Message   *MessageConfig    `json:"message,omitempty" yaml:"message,omitempty"`
	Condition *ConditionConfig  `json:"condition,omitempty" yaml:"condition,omitempty"`
	AI        *AIResponseConfig `json:"ai,omitempty" yaml:"ai,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// MessageConfig holds the literal text emitted by a message node
type MessageConfig struct {
	Text string `json:"text" yaml:"text"`
}

// ConditionConfig holds the ordered predicates of a condition node
type ConditionConfig struct {
	Predicates     []Predicate `json:"predicates" yaml:"predicates"`
	Default        string      `json:"default,omitempty" yaml:"default,omitempty"`
	OutputVariable string      `json:"output_variable,omitempty" yaml:"output_variable,omitempty"`
}

// DefaultLabel returns the label taken when no ordinary predicate matches.
// An always predicate counts as the designated default.
func (c *ConditionConfig) DefaultLabel() (string, bool) {
	for _, p := range c.Predicates {
		if p.Kind == PredicateAlways {
			return p.Label, true
		}
	}
	if c.Default != "" {
		return c.Default, true
	}
	return "", false
}

// AIResponseConfig configures retrieval and generation for an AI node
type AIResponseConfig struct {
	Prompt            string   `json:"prompt" yaml:"prompt"`
	SystemInstruction string   `json:"system_instruction,omitempty" yaml:"system_instruction,omitempty"`
	UseRetrieval      bool     `json:"use_retrieval" yaml:"use_retrieval"`
	TopK              int      `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	Model             string   `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature       *float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens         int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	OutputVariable    string   `json:"output_variable,omitempty" yaml:"output_variable,omitempty"`
}

// PredicateKind enumerates supported branch predicates
type PredicateKind string

const (
	PredicateKeyword    PredicateKind = "keyword"
	PredicateRegex      PredicateKind = "regex"
	PredicateEquals     PredicateKind = "equals"
	PredicateNotEquals  PredicateKind = "not_equals"
	PredicateExpression PredicateKind = "expression"
	PredicateAlways     PredicateKind = "always"
)

// Predicate is one branch test of a condition node; Label names the edge taken on match
type Predicate struct {
	Kind       PredicateKind `json:"kind" yaml:"kind"`
	Label      string        `json:"label" yaml:"label"`
	Keywords   []string      `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Pattern    string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Variable   string        `json:"variable,omitempty" yaml:"variable,omitempty"`
	Value      any           `json:"value,omitempty" yaml:"value,omitempty"`
	Expression string        `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Edge connects two nodes. Label is empty for unconditional edges.
type Edge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Label  string `json:"label,omitempty" yaml:"label,omitempty"`
}

// WorkflowGraph is a bot's dialog definition. It must not be mutated once validated;
// a save produces a new version instead.
type WorkflowGraph struct {
	GraphID     string           `json:"graph_id" yaml:"graph_id"`
	BotID       string           `json:"bot_id" yaml:"bot_id"`
	Version     int              `json:"version" yaml:"version"`
	StartNodeID string           `json:"start_node_id,omitempty" yaml:"start_node_id,omitempty"`
	Nodes       map[string]*Node `json:"nodes" yaml:"nodes"`
	Edges       []Edge           `json:"edges" yaml:"edges"`

	outgoing  map[string][]Edge
	validated bool
}

// SessionStatus is the lifecycle state of a conversation
type SessionStatus string

const (
	SessionActive        SessionStatus = "active"
	SessionAwaitingInput SessionStatus = "awaiting_input"
	SessionCompleted     SessionStatus = "completed"
	SessionFailed        SessionStatus = "failed"
)

// Role of a history entry
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// HistoryEntry is one recorded turn fragment in a session
type HistoryEntry struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Session is the persisted execution state of one conversation
type Session struct {
	SessionID     string         `json:"session_id"`
	BotID         string         `json:"bot_id"`
	CurrentNodeID string         `json:"current_node_id"`
	GraphVersion  int            `json:"graph_version"`
	Variables     map[string]any `json:"variables"`
	History       []HistoryEntry `json:"history"`
	Status        SessionStatus  `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewSession returns an empty session that has not been placed on a graph yet
func NewSession(botID, sessionID string) *Session {
	return &Session{
		SessionID: sessionID,
		BotID:     botID,
		Variables: make(map[string]any),
		History:   []HistoryEntry{},
		Status:    SessionActive,
	}
}

// Clone returns a deep copy so a turn can work on private state
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Variables = make(map[string]any, len(s.Variables))
	for k, v := range s.Variables {
		c.Variables[k] = v
	}
	c.History = make([]HistoryEntry, len(s.History))
	copy(c.History, s.History)
	return &c
}

// IsNew reports whether the session has never been placed on a graph
func (s *Session) IsNew() bool {
	return s.CurrentNodeID == "" && len(s.History) == 0
}

// RecentMessages converts the tail of the history into chat messages for generation.
// System records are observability only and are skipped.
func (s *Session) RecentMessages(maxMessages int) []*schema.Message {
	var messages []*schema.Message
	for _, entry := range s.History {
		switch entry.Role {
		case RoleUser:
			messages = append(messages, schema.UserMessage(entry.Text))
		case RoleAssistant:
			messages = append(messages, schema.AssistantMessage(entry.Text, nil))
		}
	}
	if maxMessages > 0 && len(messages) > maxMessages {
		messages = messages[len(messages)-maxMessages:]
	}
	return messages
}

// PriorMessages is RecentMessages without the latest user entry, which is the
// message of the turn in progress and reaches the model through the prompt instead.
func (s *Session) PriorMessages(maxMessages int) []*schema.Message {
	last := -1
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		return s.RecentMessages(maxMessages)
	}

	prior := &Session{History: make([]HistoryEntry, 0, len(s.History)-1)}
	prior.History = append(prior.History, s.History[:last]...)
	prior.History = append(prior.History, s.History[last+1:]...)
	return prior.RecentMessages(maxMessages)
}

// Passage is one ranked retrieval hit
type Passage struct {
	Text     string  `json:"text"`
	SourceID string  `json:"source_id"`
	Score    float64 `json:"score"`
}

// GenerationRequest is the input of a generation call
type GenerationRequest struct {
	Prompt            string
	Context           []*schema.Message
	SystemInstruction string
	Model             string
	Temperature       *float32
	MaxTokens         int
}

// Retriever searches a bot's ready knowledge sources
type Retriever interface {
	Search(ctx context.Context, botID, query string, topK int) ([]Passage, error)
}

// Generator produces text for a prompt
type Generator interface {
	Complete(ctx context.Context, req GenerationRequest) (string, error)
}

// SessionStore owns session state and serializes turns per (botID, sessionID).
// Acquire blocks until the caller holds the session; release must be called on every path.
type SessionStore interface {
	Acquire(ctx context.Context, botID, sessionID string) (*Session, func(), error)
	Commit(ctx context.Context, session *Session) error
	Get(ctx context.Context, botID, sessionID string) (*Session, error)
}

// GraphProvider returns the current validated graph version for a bot
type GraphProvider interface {
	Load(ctx context.Context, botID string) (*WorkflowGraph, error)
}

// GraphWriter persists a new graph version
type GraphWriter interface {
	Save(ctx context.Context, graph *WorkflowGraph) (*WorkflowGraph, error)
}
