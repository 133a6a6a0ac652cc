package core

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedGraph          = errors.New("malformed graph")
	ErrGraphNotFound           = errors.New("graph not found")
	ErrNoMatchingBranch        = errors.New("no matching branch")
	ErrExecutionBudgetExceeded = errors.New("execution budget exceeded")
	ErrRetrievalUnavailable    = errors.New("retrieval unavailable")
	ErrGenerationTimeout       = errors.New("generation timeout")
	ErrGenerationProviderError = errors.New("generation provider error")
	ErrSessionStoreUnavailable = errors.New("session store unavailable")
	ErrSessionNotFound         = errors.New("session not found")
)

// MalformedGraphError carries the reason a graph was rejected
type MalformedGraphError struct {
	GraphID string
	Reason  string
}

func (e *MalformedGraphError) Error() string {
	if e.GraphID == "" {
		return fmt.Sprintf("malformed graph: %s", e.Reason)
	}
	return fmt.Sprintf("malformed graph %q: %s", e.GraphID, e.Reason)
}

func (e *MalformedGraphError) Unwrap() error {
	return ErrMalformedGraph
}

func malformed(g *WorkflowGraph, format string, args ...any) error {
	return &MalformedGraphError{GraphID: g.GraphID, Reason: fmt.Sprintf(format, args...)}
}
