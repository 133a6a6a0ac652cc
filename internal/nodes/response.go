package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"botflow/internal/core"
	"botflow/internal/logger"
)

// Error codes recorded in history when an AI call degrades
const (
	FailureRetrievalUnavailable    = "retrieval_unavailable"
	FailureGenerationTimeout       = "generation_timeout"
	FailureGenerationProviderError = "generation_provider_error"
)

// DefaultFallbackMessage is the reply used when generation fails and no fallback is configured
const DefaultFallbackMessage = "Sorry, I'm having trouble answering right now. Please try again in a moment."

// ResponseOptions configures the AI response node
type ResponseOptions struct {
	FallbackMessage   string
	DefaultTopK       int
	HistoryWindow     int
	GenerationTimeout time.Duration
	RetrievalTimeout  time.Duration
}

// ResponseNode handles LLM response generation, optionally grounded on retrieved passages
type ResponseNode struct {
	retriever core.Retriever
	generator core.Generator
	opts      ResponseOptions
}

// NewResponseNode creates a new response generation node. retriever may be nil
// when no knowledge sources are configured.
func NewResponseNode(retriever core.Retriever, generator core.Generator, opts ResponseOptions) *ResponseNode {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 5
	}
	if opts.FallbackMessage == "" {
		opts.FallbackMessage = DefaultFallbackMessage
	}
	return &ResponseNode{
		retriever: retriever,
		generator: generator,
		opts:      opts,
	}
}

// Execute retrieves, generates and then suspends at the next node awaiting user input.
// Generation failures degrade to the fallback reply; only caller cancellation aborts.
func (r *ResponseNode) Execute(ctx context.Context, input core.NodeInput) (core.NodeOutput, error) {
	cfg := input.Node.AI
	session := input.Session

	var passages []core.Passage
	if cfg.UseRetrieval {
		var err error
		passages, err = r.retrieve(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return core.NodeOutput{}, ctx.Err()
			}
			logger.Warn().
				Err(err).
				Str("bot_id", session.BotID).
				Str("session_id", session.SessionID).
				Str("node_id", input.Node.ID).
				Msg("Retrieval failed, generating without passages")
			r.recordFailure(input, FailureRetrievalUnavailable, err)
			passages = nil
		}
	}

	reply, err := r.generate(ctx, input, passages)
	if err != nil {
		if ctx.Err() != nil {
			return core.NodeOutput{}, ctx.Err()
		}
		code := classifyGenerationError(err)
		logger.Warn().
			Err(err).
			Str("bot_id", session.BotID).
			Str("session_id", session.SessionID).
			Str("node_id", input.Node.ID).
			Str("failure", code).
			Msg("Generation failed, using fallback reply")
		r.recordFailure(input, code, err)
		reply = r.opts.FallbackMessage
	} else {
		session.Variables[core.VarLastAIResponse] = reply
		if cfg.OutputVariable != "" {
			session.Variables[cfg.OutputVariable] = reply
		}
	}

	session.History = append(session.History, core.HistoryEntry{
		Role:      core.RoleAssistant,
		Text:      reply,
		Timestamp: input.Now,
		NodeID:    input.Node.ID,
	})

	next := nextTarget(input)
	return core.NodeOutput{
		Replies:  []string{reply},
		Sources:  passages,
		NextNode: next,
		Suspend:  next != "",
		Complete: next == "",
	}, nil
}

// GetType returns the node type
func (r *ResponseNode) GetType() core.NodeType {
	return core.NodeTypeAIResponse
}

func (r *ResponseNode) retrieve(ctx context.Context, input core.NodeInput) ([]core.Passage, error) {
	if r.retriever == nil {
		return nil, fmt.Errorf("%w: no retriever configured", core.ErrRetrievalUnavailable)
	}
	topK := input.Node.AI.TopK
	if topK <= 0 {
		topK = r.opts.DefaultTopK
	}

	if r.opts.RetrievalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.RetrievalTimeout)
		defer cancel()
	}
	return r.retriever.Search(ctx, input.Session.BotID, input.UserMessage, topK)
}

func (r *ResponseNode) generate(ctx context.Context, input core.NodeInput, passages []core.Passage) (string, error) {
	if r.generator == nil {
		return "", fmt.Errorf("%w: no generator configured", core.ErrGenerationProviderError)
	}
	cfg := input.Node.AI
	vars := promptVariables(input, passages)

	req := core.GenerationRequest{
		Prompt:            buildPrompt(core.Render(cfg.Prompt, vars), input.UserMessage, passages),
		Context:           input.Session.PriorMessages(r.opts.HistoryWindow),
		SystemInstruction: core.Render(cfg.SystemInstruction, vars),
		Model:             cfg.Model,
		Temperature:       cfg.Temperature,
		MaxTokens:         cfg.MaxTokens,
	}

	if r.opts.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.GenerationTimeout)
		defer cancel()
	}
	reply, err := r.generator.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", fmt.Errorf("%w: empty response", core.ErrGenerationProviderError)
	}
	return reply, nil
}

func (r *ResponseNode) recordFailure(input core.NodeInput, code string, err error) {
	input.Session.History = append(input.Session.History, core.HistoryEntry{
		Role:      core.RoleSystem,
		Text:      err.Error(),
		Timestamp: input.Now,
		NodeID:    input.Node.ID,
		Error:     code,
	})
}

// promptVariables exposes the session variables plus msg and passages to prompt templates
func promptVariables(input core.NodeInput, passages []core.Passage) map[string]any {
	vars := make(map[string]any, len(input.Session.Variables)+2)
	for k, v := range input.Session.Variables {
		vars[k] = v
	}
	vars["msg"] = input.UserMessage
	vars["passages"] = formatPassages(passages)
	return vars
}

// buildPrompt falls back to the raw message when the node has no template and
// appends passages the template did not reference itself.
func buildPrompt(rendered, message string, passages []core.Passage) string {
	if strings.TrimSpace(rendered) == "" {
		rendered = message
	}
	if len(passages) == 0 || strings.Contains(rendered, formatPassages(passages)) {
		return rendered
	}
	return "Context:\n" + formatPassages(passages) + "\n\n" + rendered
}

func formatPassages(passages []core.Passage) string {
	var b strings.Builder
	for i, p := range passages {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, p.Text)
	}
	return b.String()
}

func classifyGenerationError(err error) string {
	if errors.Is(err, core.ErrGenerationTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return FailureGenerationTimeout
	}
	return FailureGenerationProviderError
}
