package core

import "context"

// SourceStatus is the ingestion state of a knowledge source
type SourceStatus string

const (
	SourceProcessing SourceStatus = "processing"
	SourceReady      SourceStatus = "ready"
	SourceError      SourceStatus = "error"
)

// KnowledgeSource is an ingested document set owned by the ingestion pipeline.
// Only ready sources are searched.
type KnowledgeSource struct {
	SourceID string       `json:"source_id" yaml:"source_id"`
	BotID    string       `json:"bot_id" yaml:"bot_id"`
	Name     string       `json:"name" yaml:"name"`
	Status   SourceStatus `json:"status" yaml:"status"`
}

// SourceRegistry reports which sources of a bot are ready
type SourceRegistry interface {
	ReadySources(ctx context.Context, botID string) ([]string, error)
}
