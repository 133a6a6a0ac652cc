package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"botflow/internal/config"
)

// NewChatModel builds the chat model selected by cfg.Provider
func NewChatModel(ctx context.Context, cfg config.LLMConfig, timeout time.Duration) (model.BaseChatModel, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		maxTokens := cfg.MaxTokens
		temperature := cfg.Temperature
		m, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Timeout:     timeout,
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating openai chat model: %w", err)
		}
		return m, nil

	case "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		m, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: baseURL,
			Model:   cfg.Model,
			Timeout: timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating ollama chat model: %w", err)
		}
		return m, nil

	case "deepseek":
		m, err := deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating deepseek chat model: %w", err)
		}
		return m, nil

	case "ark":
		maxTokens := cfg.MaxTokens
		temperature := cfg.Temperature
		m, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Timeout:     &timeout,
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating ark chat model: %w", err)
		}
		return m, nil

	case "mock":
		return NewMockChatModel(), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}

// NewGenerator builds the configured chat model and wraps it in a ChatGenerator
func NewGenerator(ctx context.Context, cfg config.LLMConfig, timeout time.Duration) (*ChatGenerator, error) {
	cm, err := NewChatModel(ctx, cfg, timeout)
	if err != nil {
		return nil, err
	}
	return NewChatGenerator(ctx, cm)
}
