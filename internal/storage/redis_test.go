package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botflow/internal/core"
)

func newTestRedisStore(t *testing.T) *RedisSessionStore {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	store, err := NewRedisSessionStore(context.Background(), url, time.Minute, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisSessionStore_RoundTrip(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	sessionID := uuid.NewString()
	t.Cleanup(func() { store.Delete(ctx, "bot", sessionID) })

	session, release, err := store.Acquire(ctx, "bot", sessionID)
	require.NoError(t, err)
	assert.True(t, session.IsNew())

	session.CurrentNodeID = "ask"
	session.Status = core.SessionAwaitingInput
	session.Variables["count"] = 2
	require.NoError(t, store.Commit(ctx, session))
	release()

	got, err := store.Get(ctx, "bot", sessionID)
	require.NoError(t, err)
	assert.Equal(t, "ask", got.CurrentNodeID)
	assert.Equal(t, core.SessionAwaitingInput, got.Status)
	assert.EqualValues(t, 2, got.Variables["count"])
}

func TestRedisSessionStore_LockBlocksSecondHolder(t *testing.T) {
	store := newTestRedisStore(t)
	sessionID := uuid.NewString()

	_, release, err := store.Acquire(context.Background(), "bot", sessionID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err = store.Acquire(ctx, "bot", sessionID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	_, release, err = store.Acquire(context.Background(), "bot", sessionID)
	require.NoError(t, err)
	release()
}

func TestRedisSessionStore_CommitWithoutLock(t *testing.T) {
	store := newTestRedisStore(t)

	err := store.Commit(context.Background(), core.NewSession("bot", uuid.NewString()))
	assert.ErrorIs(t, err, core.ErrSessionStoreUnavailable)
}
