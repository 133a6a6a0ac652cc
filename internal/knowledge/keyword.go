package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"gopkg.in/yaml.v3"

	"botflow/internal/core"
)

// Metadata keys carried by retrieved documents
const (
	MetaBotID    = "bot_id"
	MetaSourceID = "source_id"
)

// minKeywordRatio is the share of query terms a document must contain to be returned
const minKeywordRatio = 0.3

// Document is one indexed passage of a knowledge source
type Document struct {
	ID       string `yaml:"id" json:"id"`
	BotID    string `yaml:"bot_id" json:"bot_id"`
	SourceID string `yaml:"source_id" json:"source_id"`
	Content  string `yaml:"content" json:"content"`
}

// Corpus is the on-disk format of the knowledge documents file
type Corpus struct {
	Sources   []core.KnowledgeSource `yaml:"sources" json:"sources"`
	Documents []Document             `yaml:"documents" json:"documents"`
}

// LoadCorpus reads a YAML or JSON corpus file
func LoadCorpus(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge documents: %w", err)
	}
	var c Corpus
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge documents: %w", err)
	}
	return &c, nil
}

// KeywordRetriever is an in-process eino retriever scoring documents by the share of
// query terms they contain. The index option restricts results to one bot.
type KeywordRetriever struct {
	documents []Document
}

var _ retriever.Retriever = (*KeywordRetriever)(nil)

// NewKeywordRetriever creates a retriever over documents
func NewKeywordRetriever(documents []Document) *KeywordRetriever {
	return &KeywordRetriever{documents: documents}
}

// Retrieve searches for documents based on query
func (k *KeywordRetriever) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query cannot be empty")
	}
	options := retriever.GetCommonOptions(&retriever.Options{}, opts...)

	keywords := queryTerms(query)
	if len(keywords) == 0 {
		return nil, nil
	}
	var matches []*schema.Document
	for _, d := range k.documents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if options.Index != nil && *options.Index != "" && d.BotID != *options.Index {
			continue
		}

		content := strings.ToLower(d.Content)
		matched := 0
		for _, kw := range keywords {
			if strings.Contains(content, kw) {
				matched++
			}
		}
		score := float64(matched) / float64(len(keywords))
		if score < minKeywordRatio {
			continue
		}
		if options.ScoreThreshold != nil && score < *options.ScoreThreshold {
			continue
		}

		doc := &schema.Document{
			ID:      d.ID,
			Content: d.Content,
			MetaData: map[string]any{
				MetaBotID:    d.BotID,
				MetaSourceID: d.SourceID,
			},
		}
		matches = append(matches, doc.WithScore(score))
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score() > matches[j].Score()
	})
	if options.TopK != nil && *options.TopK > 0 && len(matches) > *options.TopK {
		matches = matches[:*options.TopK]
	}
	return matches, nil
}

// queryTerms lowercases the query and strips punctuation around each term; terms
// that are only punctuation are dropped.
func queryTerms(query string) []string {
	var terms []string
	for _, f := range strings.Fields(strings.ToLower(query)) {
		if t := strings.Trim(f, "?!.,;:\"'()"); t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}
