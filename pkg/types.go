package pkg

import "time"

// Wire types shared by the engine, the transports and the CLI

// TurnRequest is one inbound user message for a bot session
type TurnRequest struct {
	BotID     string `json:"bot_id"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// Source is a knowledge passage the reply was grounded on
type Source struct {
	SourceID string  `json:"source_id"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

// TurnResponse is the result of one turn. Error is set instead of a transport error
// whenever the turn was aborted; the session is then unchanged.
type TurnResponse struct {
	SessionID     string     `json:"session_id"`
	Replies       []string   `json:"replies"`
	Status        string     `json:"status"`
	CurrentNodeID string     `json:"current_node_id,omitempty"`
	Sources       []Source   `json:"sources,omitempty"`
	Error         *TurnError `json:"error,omitempty"`
}

// ErrorCode tags why a turn was aborted
type ErrorCode string

const (
	ErrorCodeMalformedGraph          ErrorCode = "malformed_graph"
	ErrorCodeGraphNotFound           ErrorCode = "graph_not_found"
	ErrorCodeNoMatchingBranch        ErrorCode = "no_matching_branch"
	ErrorCodeExecutionBudgetExceeded ErrorCode = "execution_budget_exceeded"
	ErrorCodeSessionStoreUnavailable ErrorCode = "session_store_unavailable"
	ErrorCodeSessionNotFound         ErrorCode = "session_not_found"
	ErrorCodeCancelled               ErrorCode = "cancelled"
	ErrorCodeInvalidRequest          ErrorCode = "invalid_request"
	ErrorCodeInternal                ErrorCode = "internal"
)

// TurnError is the tagged error result of an aborted turn
type TurnError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *TurnError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// HistoryMessage is one entry of a session transcript
type HistoryMessage struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// SessionView is the read model of a session returned by the API
type SessionView struct {
	SessionID     string           `json:"session_id"`
	BotID         string           `json:"bot_id"`
	CurrentNodeID string           `json:"current_node_id"`
	GraphVersion  int              `json:"graph_version"`
	Status        string           `json:"status"`
	Variables     map[string]any   `json:"variables"`
	History       []HistoryMessage `json:"history"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}
