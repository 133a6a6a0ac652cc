package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"botflow/internal/core"
)

var graphExtensions = []string{".yaml", ".yml", ".json"}

// DecodeGraph parses a YAML or JSON workflow definition and validates it
func DecodeGraph(data []byte) (*core.WorkflowGraph, error) {
	var g core.WorkflowGraph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedGraph, err)
	}
	if g.Version == 0 {
		g.Version = 1
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// LoadGraphFile reads and validates a single workflow file
func LoadGraphFile(path string) (*core.WorkflowGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return DecodeGraph(data)
}

// FileGraphProvider reads <dir>/<botID>.yaml (or .yml, .json). Files are re-read on every
// load so edits take effect on the next turn; unchanged content is served from the cache.
type FileGraphProvider struct {
	dir   string
	cache *GraphCache
}

// NewFileGraphProvider creates a provider rooted at dir
func NewFileGraphProvider(dir string, cache *GraphCache) *FileGraphProvider {
	if cache == nil {
		cache = NewGraphCache(256)
	}
	return &FileGraphProvider{dir: dir, cache: cache}
}

// Load returns the bot's current validated graph
func (f *FileGraphProvider) Load(ctx context.Context, botID string) (*core.WorkflowGraph, error) {
	if botID == "" || filepath.Base(botID) != botID {
		return nil, fmt.Errorf("%w: invalid bot id %q", core.ErrGraphNotFound, botID)
	}

	for _, ext := range graphExtensions {
		data, err := os.ReadFile(filepath.Join(f.dir, botID+ext))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read workflow for bot %q: %w", botID, err)
		}

		return f.cache.GetOrCompute(botID+":"+contentHash(data), func() (*core.WorkflowGraph, error) {
			g, err := DecodeGraph(data)
			if err != nil {
				return nil, err
			}
			if g.BotID == "" {
				g.BotID = botID
			}
			return g, nil
		})
	}
	return nil, fmt.Errorf("%w: bot %q", core.ErrGraphNotFound, botID)
}
