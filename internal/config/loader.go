package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides, e.g. BOTFLOW_LLM_API_KEY
const EnvPrefix = "BOTFLOW"

// Config is the root of config.yaml
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Log       LogConfig       `yaml:"log" envconfig:"LOG"`
	Engine    EngineConfig    `yaml:"engine" envconfig:"ENGINE"`
	LLM       LLMConfig       `yaml:"llm" envconfig:"LLM"`
	Session   SessionConfig   `yaml:"session" envconfig:"SESSION"`
	Graphs    GraphsConfig    `yaml:"graphs" envconfig:"GRAPHS"`
	Knowledge KnowledgeConfig `yaml:"knowledge" envconfig:"KNOWLEDGE"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" envconfig:"ADDR"`
}

// LogConfig controls the global zerolog logger
type LogConfig struct {
	Level      string `yaml:"level" envconfig:"LEVEL"`
	Format     string `yaml:"format" envconfig:"FORMAT"`
	Output     string `yaml:"output" envconfig:"OUTPUT"`
	FilePath   string `yaml:"file_path" envconfig:"FILE_PATH"`
	TimeFormat string `yaml:"time_format" envconfig:"TIME_FORMAT"`
}

// EngineConfig holds turn execution limits
type EngineConfig struct {
	MaxNodesPerTurn   int           `yaml:"max_nodes_per_turn" envconfig:"MAX_NODES_PER_TURN"`
	FallbackMessage   string        `yaml:"fallback_message" envconfig:"FALLBACK_MESSAGE"`
	HistoryWindow     int           `yaml:"history_window" envconfig:"HISTORY_WINDOW"`
	GenerationTimeout time.Duration `yaml:"generation_timeout" envconfig:"GENERATION_TIMEOUT"`
	RetrievalTimeout  time.Duration `yaml:"retrieval_timeout" envconfig:"RETRIEVAL_TIMEOUT"`
	DefaultTopK       int           `yaml:"default_top_k" envconfig:"DEFAULT_TOP_K"`
}

// LLMConfig selects and configures the chat model provider
type LLMConfig struct {
	Provider    string  `yaml:"provider" envconfig:"PROVIDER"`
	Model       string  `yaml:"model" envconfig:"MODEL"`
	APIKey      string  `yaml:"api_key" envconfig:"API_KEY"`
	BaseURL     string  `yaml:"base_url" envconfig:"BASE_URL"`
	Temperature float32 `yaml:"temperature" envconfig:"TEMPERATURE"`
	MaxTokens   int     `yaml:"max_tokens" envconfig:"MAX_TOKENS"`
}

// SessionConfig selects the session store backend
type SessionConfig struct {
	Backend  string        `yaml:"backend" envconfig:"BACKEND"`
	RedisURL string        `yaml:"redis_url" envconfig:"REDIS_URL"`
	TTL      time.Duration `yaml:"ttl" envconfig:"TTL"`
	LockTTL  time.Duration `yaml:"lock_ttl" envconfig:"LOCK_TTL"`
}

// GraphsConfig selects where workflow graphs are read from
type GraphsConfig struct {
	Backend   string `yaml:"backend" envconfig:"BACKEND"`
	Dir       string `yaml:"dir" envconfig:"DIR"`
	SQLiteDSN string `yaml:"sqlite_dsn" envconfig:"SQLITE_DSN"`
}

// KnowledgeConfig points at the documents served by the keyword retriever
type KnowledgeConfig struct {
	Documents string `yaml:"documents" envconfig:"DOCUMENTS"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			FilePath:   "logs/botflow.log",
			TimeFormat: "rfc3339",
		},
		Engine: EngineConfig{
			MaxNodesPerTurn:   50,
			FallbackMessage:   "Sorry, I'm having trouble answering right now. Please try again in a moment.",
			HistoryWindow:     10,
			GenerationTimeout: 30 * time.Second,
			RetrievalTimeout:  5 * time.Second,
			DefaultTopK:       5,
		},
		LLM: LLMConfig{
			Provider:    "mock",
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   1024,
		},
		Session: SessionConfig{
			Backend: "memory",
			TTL:     24 * time.Hour,
			LockTTL: 2 * time.Minute,
		},
		Graphs: GraphsConfig{
			Backend:   "file",
			Dir:       "workflows",
			SQLiteDSN: "botflow.db",
		},
	}
}

// LoadConfig reads config.yaml over the defaults and applies BOTFLOW_* environment overrides.
// A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("error reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing YAML: %w", err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if c.Engine.MaxNodesPerTurn <= 0 {
		return fmt.Errorf("engine.max_nodes_per_turn must be positive")
	}
	if c.Engine.GenerationTimeout <= 0 {
		return fmt.Errorf("engine.generation_timeout must be positive")
	}
	if c.Engine.RetrievalTimeout <= 0 {
		return fmt.Errorf("engine.retrieval_timeout must be positive")
	}
	if c.Engine.DefaultTopK <= 0 {
		return fmt.Errorf("engine.default_top_k must be positive")
	}
	switch c.Session.Backend {
	case "memory":
	case "redis":
		if c.Session.RedisURL == "" {
			return fmt.Errorf("session.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown session backend %q", c.Session.Backend)
	}
	switch c.Graphs.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown graphs backend %q", c.Graphs.Backend)
	}
	switch c.LLM.Provider {
	case "openai", "ollama", "deepseek", "ark", "mock":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	return nil
}
