package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"botflow/internal/core"
)

// DefaultSystemInstruction is used when an AI node does not set its own
const DefaultSystemInstruction = "You are a helpful assistant for a customer-facing chat bot. Answer concisely and only with information you are confident about."

// ChatGenerator implements the engine's Generator as an eino chain: chat template -> chat model
type ChatGenerator struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

var _ core.Generator = (*ChatGenerator)(nil)

// NewChatGenerator compiles the generation chain around cm
func NewChatGenerator(ctx context.Context, cm model.BaseChatModel) (*ChatGenerator, error) {
	template := prompt.FromMessages(schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{prompt}"),
	)

	chain, err := compose.NewChain[map[string]any, *schema.Message]().
		AppendChatTemplate(template).
		AppendChatModel(cm).
		Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("error creating Eino chain: %w", err)
	}
	return &ChatGenerator{chain: chain}, nil
}

// Complete renders the request into the chain and returns the model's answer
func (g *ChatGenerator) Complete(ctx context.Context, req core.GenerationRequest) (string, error) {
	system := req.SystemInstruction
	if strings.TrimSpace(system) == "" {
		system = DefaultSystemInstruction
	}
	history := req.Context
	if history == nil {
		history = []*schema.Message{}
	}

	var modelOpts []model.Option
	if req.Model != "" {
		modelOpts = append(modelOpts, model.WithModel(req.Model))
	}
	if req.Temperature != nil {
		modelOpts = append(modelOpts, model.WithTemperature(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		modelOpts = append(modelOpts, model.WithMaxTokens(req.MaxTokens))
	}
	var opts []compose.Option
	if len(modelOpts) > 0 {
		opts = append(opts, compose.WithChatModelOption(modelOpts...))
	}

	msg, err := g.chain.Invoke(ctx, map[string]any{
		"system":  system,
		"history": history,
		"prompt":  req.Prompt,
	}, opts...)
	if err != nil {
		return "", classify(ctx, err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return "", fmt.Errorf("%w: empty response from model", core.ErrGenerationProviderError)
	}
	return msg.Content, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", core.ErrGenerationTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", core.ErrGenerationProviderError, err)
}
