package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"botflow/internal/core"
)

const (
	// DefaultSessionTTL is how long an idle session is kept
	DefaultSessionTTL = 24 * time.Hour
	// DefaultLockTTL bounds how long a crashed turn can hold a session
	DefaultLockTTL = 2 * time.Minute

	lockPollInterval = 25 * time.Millisecond
)

// releaseScript deletes the lock only if this holder still owns it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// commitScript writes the session only while the lock token still matches
var commitScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

// RedisSessionStore keeps sessions in Redis and serializes turns with a token lock,
// so several engine processes can share one session space.
type RedisSessionStore struct {
	client  *redis.Client
	ttl     time.Duration
	lockTTL time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisSessionStore connects to redisURL (redis://...) and pings it
func NewRedisSessionStore(ctx context.Context, redisURL string, ttl, lockTTL time.Duration) (*RedisSessionStore, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: failed to connect to Redis: %v", core.ErrSessionStoreUnavailable, err)
	}

	return NewRedisSessionStoreWithClient(client, ttl, lockTTL), nil
}

// NewRedisSessionStoreWithClient wraps an existing client
func NewRedisSessionStoreWithClient(client *redis.Client, ttl, lockTTL time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &RedisSessionStore{
		client:  client,
		ttl:     ttl,
		lockTTL: lockTTL,
		tokens:  make(map[string]string),
	}
}

func lockKey(key string) string {
	return key + ":lock"
}

// Acquire takes the session lock with SET NX PX, polling until it is free or ctx is done
func (r *RedisSessionStore) Acquire(ctx context.Context, botID, sessionID string) (*core.Session, func(), error) {
	key := sessionKey(botID, sessionID)
	token := uuid.NewString()

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, lockKey(key), token, r.lockTTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			return nil, nil, fmt.Errorf("%w: failed to lock session: %v", core.ErrSessionStoreUnavailable, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-ticker.C:
		}
	}

	r.mu.Lock()
	r.tokens[key] = token
	r.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			if r.tokens[key] == token {
				delete(r.tokens, key)
			}
			r.mu.Unlock()
			// released even when the turn's context is already cancelled
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			releaseScript.Run(releaseCtx, r.client, []string{lockKey(key)}, token)
		})
	}

	session, err := r.Get(ctx, botID, sessionID)
	switch {
	case errors.Is(err, core.ErrSessionNotFound):
		session = core.NewSession(botID, sessionID)
	case err != nil:
		release()
		return nil, nil, err
	}
	return session, release, nil
}

// Commit writes the session if this process still holds its lock
func (r *RedisSessionStore) Commit(ctx context.Context, session *core.Session) error {
	key := sessionKey(session.BotID, session.SessionID)

	r.mu.Lock()
	token, ok := r.tokens[key]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %s is not locked by this store", core.ErrSessionStoreUnavailable, session.SessionID)
	}

	data, err := sonic.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session data: %w", err)
	}

	res, err := commitScript.Run(ctx, r.client, []string{lockKey(key), key}, token, data, r.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("%w: failed to set session data: %v", core.ErrSessionStoreUnavailable, err)
	}
	if res != 1 {
		return fmt.Errorf("%w: session lock for %s expired before commit", core.ErrSessionStoreUnavailable, session.SessionID)
	}
	return nil
}

// Get retrieves session data from Redis
func (r *RedisSessionStore) Get(ctx context.Context, botID, sessionID string) (*core.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(botID, sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, sessionID)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: failed to get session data: %v", core.ErrSessionStoreUnavailable, err)
	}

	var session core.Session
	if err := sonic.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal session data: %v", core.ErrSessionStoreUnavailable, err)
	}
	if session.Variables == nil {
		session.Variables = make(map[string]any)
	}
	return &session, nil
}

// Delete removes a session from Redis
func (r *RedisSessionStore) Delete(ctx context.Context, botID, sessionID string) error {
	if err := r.client.Del(ctx, sessionKey(botID, sessionID)).Err(); err != nil {
		return fmt.Errorf("%w: failed to delete session: %v", core.ErrSessionStoreUnavailable, err)
	}
	return nil
}

// Ping tests Redis connection
func (r *RedisSessionStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisSessionStore) Close() error {
	return r.client.Close()
}
