package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botflow/internal/config"
	"botflow/internal/core"
	"botflow/internal/logger"
	"botflow/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	logger.Nop()

	cfg := config.DefaultConfig()
	cfg.Graphs.Dir = filepath.Join("..", "workflows")
	cfg.Knowledge.Documents = filepath.Join("..", "knowledge.yaml")
	cfg.LLM.Provider = "mock"
	return cfg
}

func TestBuildApp_DemoWorkflow(t *testing.T) {
	ctx := context.Background()
	a, err := buildApp(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.writer)

	result, err := a.engine.ProcessTurn(ctx, "demo", "s1", "hello")
	require.NoError(t, err)
	assert.Equal(t, core.SessionAwaitingInput, result.Status)
	assert.Equal(t, "route", result.CurrentNodeID)
	require.Len(t, result.Replies, 2)
	assert.Contains(t, result.Replies[0], "pricing, shipping or returns")

	result, err = a.engine.ProcessTurn(ctx, "demo", "s1", "how much does the plan cost?")
	require.NoError(t, err)
	assert.Equal(t, []string{"Our plans start at $10 per month."}, result.Replies)
	assert.Equal(t, core.SessionCompleted, result.Status)
}

func TestBuildApp_RetrievalUsesReadySourcesOnly(t *testing.T) {
	ctx := context.Background()
	a, err := buildApp(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.engine.ProcessTurn(ctx, "demo", "s2", "hello")
	require.NoError(t, err)

	result, err := a.engine.ProcessTurn(ctx, "demo", "s2", "how do returns work with a receipt?")
	require.NoError(t, err)
	require.NotEmpty(t, result.Sources)
	for _, p := range result.Sources {
		assert.Equal(t, "faq", p.SourceID)
	}
	assert.Equal(t, "route", result.CurrentNodeID)
}

func TestBuildApp_SQLiteRegistry(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Graphs.Backend = "sqlite"
	cfg.Graphs.SQLiteDSN = filepath.Join(t.TempDir(), "botflow.db")

	a, err := buildApp(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.writer)
	require.Contains(t, a.checks, "sqlite")
	assert.NoError(t, a.checks["sqlite"].Ping(ctx))

	_, err = a.engine.ProcessTurn(ctx, "demo", "s1", "hello")
	assert.ErrorIs(t, err, core.ErrGraphNotFound)

	g, err := storage.LoadGraphFile(filepath.Join("..", "workflows", "demo.yaml"))
	require.NoError(t, err)
	saved, err := a.writer.Save(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Version)

	result, err := a.engine.ProcessTurn(ctx, "demo", "s1", "I want to talk to a human")
	require.NoError(t, err)
	assert.Equal(t, core.SessionCompleted, result.Status)
	assert.Equal(t, "I'll connect you with a person shortly.", result.Replies[len(result.Replies)-1])
}
