package cmd

import (
	"context"
	"errors"
	"fmt"

	"botflow/internal/config"
	"botflow/internal/core"
	"botflow/internal/engine"
	"botflow/internal/knowledge"
	"botflow/internal/llm"
	"botflow/internal/logger"
	"botflow/internal/nodes"
	"botflow/internal/storage"
	v1 "botflow/internal/transport/http/v1"
)

// app holds the wired components shared by serve and chat
type app struct {
	engine  *engine.Engine
	graphs  core.GraphProvider
	writer  core.GraphWriter
	closers []func() error
	checks  map[string]v1.Pinger
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{checks: make(map[string]v1.Pinger)}
	cache := storage.NewGraphCache(256)

	var sqliteStore *storage.SQLiteStore
	switch cfg.Graphs.Backend {
	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.Graphs.SQLiteDSN, cache)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		sqliteStore = store
		a.checks["sqlite"] = store
		a.graphs = store
		a.writer = store
	default:
		a.graphs = storage.NewFileGraphProvider(cfg.Graphs.Dir, cache)
	}

	var sessions core.SessionStore
	switch cfg.Session.Backend {
	case "redis":
		store, err := storage.NewRedisSessionStore(ctx, cfg.Session.RedisURL, cfg.Session.TTL, cfg.Session.LockTTL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		a.checks["redis"] = store
		sessions = store
	default:
		sessions = storage.NewMemorySessionStore(cfg.Session.TTL)
	}

	retriever, err := buildRetriever(ctx, cfg.Knowledge, sqliteStore)
	if err != nil {
		a.Close()
		return nil, err
	}

	generator, err := llm.NewGenerator(ctx, cfg.LLM, cfg.Engine.GenerationTimeout)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.engine = engine.NewEngine(a.graphs, sessions, retriever, generator, engine.Options{
		MaxNodesPerTurn: cfg.Engine.MaxNodesPerTurn,
		Response: nodes.ResponseOptions{
			FallbackMessage:   cfg.Engine.FallbackMessage,
			DefaultTopK:       cfg.Engine.DefaultTopK,
			HistoryWindow:     cfg.Engine.HistoryWindow,
			GenerationTimeout: cfg.Engine.GenerationTimeout,
			RetrievalTimeout:  cfg.Engine.RetrievalTimeout,
		},
	})

	logger.Info().
		Str("graphs", cfg.Graphs.Backend).
		Str("sessions", cfg.Session.Backend).
		Str("provider", cfg.LLM.Provider).
		Bool("knowledge", retriever != nil).
		Msg("Engine ready")
	return a, nil
}

// buildRetriever loads the knowledge corpus. Source readiness comes from the
// SQLite registry when one is configured, otherwise from the corpus file.
func buildRetriever(ctx context.Context, cfg config.KnowledgeConfig, registry *storage.SQLiteStore) (core.Retriever, error) {
	if cfg.Documents == "" {
		return nil, nil
	}
	corpus, err := knowledge.LoadCorpus(cfg.Documents)
	if err != nil {
		return nil, err
	}

	if registry != nil {
		for _, src := range corpus.Sources {
			if err := registry.UpsertSource(ctx, src); err != nil {
				return nil, fmt.Errorf("failed to register knowledge source %q: %w", src.SourceID, err)
			}
		}
		return knowledge.NewClient(knowledge.NewKeywordRetriever(corpus.Documents), registry), nil
	}
	return knowledge.NewClient(knowledge.NewKeywordRetriever(corpus.Documents), knowledge.NewMemoryRegistry(corpus.Sources...)), nil
}
