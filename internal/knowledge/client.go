package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cloudwego/eino/components/retriever"

	"botflow/internal/core"
)

// candidateFactor over-fetches so that filtering out non-ready sources still fills topK
const candidateFactor = 4

// Client adapts an eino retriever to the engine's Retriever, searching only ready sources
type Client struct {
	retriever retriever.Retriever
	registry  core.SourceRegistry
}

var _ core.Retriever = (*Client)(nil)

// NewClient creates a retrieval client. A nil registry treats every source as ready.
func NewClient(r retriever.Retriever, registry core.SourceRegistry) *Client {
	return &Client{retriever: r, registry: registry}
}

// Search returns up to topK passages ranked by score
func (c *Client) Search(ctx context.Context, botID, query string, topK int) ([]core.Passage, error) {
	if topK <= 0 {
		return nil, nil
	}

	var ready map[string]bool
	if c.registry != nil {
		ids, err := c.registry.ReadySources(ctx, botID)
		if err != nil {
			return nil, fmt.Errorf("%w: source registry: %v", core.ErrRetrievalUnavailable, err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		ready = make(map[string]bool, len(ids))
		for _, id := range ids {
			ready[id] = true
		}
	}

	docs, err := c.retriever.Retrieve(ctx, query,
		retriever.WithIndex(botID),
		retriever.WithTopK(topK*candidateFactor),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrRetrievalUnavailable, err)
	}

	passages := make([]core.Passage, 0, len(docs))
	for _, d := range docs {
		sourceID, _ := d.MetaData[MetaSourceID].(string)
		if docBot, ok := d.MetaData[MetaBotID].(string); ok && docBot != botID {
			continue
		}
		if ready != nil && !ready[sourceID] {
			continue
		}
		passages = append(passages, core.Passage{Text: d.Content, SourceID: sourceID, Score: d.Score()})
	}

	sort.SliceStable(passages, func(i, j int) bool {
		return passages[i].Score > passages[j].Score
	})
	if len(passages) > topK {
		passages = passages[:topK]
	}
	return passages, nil
}

// MemoryRegistry is a SourceRegistry backed by a fixed source list
type MemoryRegistry struct {
	mu      sync.RWMutex
	sources map[string]core.KnowledgeSource
}

// NewMemoryRegistry creates a registry holding sources
func NewMemoryRegistry(sources ...core.KnowledgeSource) *MemoryRegistry {
	r := &MemoryRegistry{sources: make(map[string]core.KnowledgeSource, len(sources))}
	for _, s := range sources {
		r.sources[s.SourceID] = s
	}
	return r
}

// SetStatus updates the status of a source, registering it if unknown
func (r *MemoryRegistry) SetStatus(src core.KnowledgeSource) {
	r.mu.Lock()
	r.sources[src.SourceID] = src
	r.mu.Unlock()
}

// ReadySources returns the bot's ready source ids, sorted
func (r *MemoryRegistry) ReadySources(ctx context.Context, botID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, s := range r.sources {
		if s.BotID == botID && s.Status == core.SourceReady {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
