package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"botflow/internal/core"
)

// SQLiteStore keeps versioned workflow graphs and the knowledge source registry.
// Saving a graph never modifies a stored version; it appends the next one.
type SQLiteStore struct {
	db      *sql.DB
	cache   *GraphCache
	now     func() time.Time
	writeMu sync.Mutex
}

// saveAttempts bounds retries of a workflow insert that lost a race with another process
const saveAttempts = 5

// NewSQLiteStore opens (and migrates) the database at dsn
func NewSQLiteStore(dsn string, cache *GraphCache) (*SQLiteStore, error) {
	inMemory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	if !inMemory {
		dsn = withPragma(dsn, "busy_timeout(5000)")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// every in-memory connection is its own database
	if inMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if cache == nil {
		cache = NewGraphCache(256)
	}
	store := &SQLiteStore{db: db, cache: cache, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// withPragma adds a pragma applied by the driver to every pooled connection
func withPragma(dsn, pragma string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=" + pragma
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			bot_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			graph_id TEXT NOT NULL,
			definition TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (bot_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS knowledge_sources (
			source_id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_sources_bot ON knowledge_sources(bot_id, status)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save validates the graph and stores it as the bot's next version
func (s *SQLiteStore) Save(ctx context.Context, graph *core.WorkflowGraph) (*core.WorkflowGraph, error) {
	if graph == nil || graph.BotID == "" {
		return nil, &core.MalformedGraphError{Reason: "graph must have a bot_id"}
	}
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	if graph.GraphID == "" {
		graph.GraphID = graph.BotID
	}

	// the version lives in its own column; decode restores it
	stored := *graph
	stored.Version = 0
	definition, err := sonic.MarshalString(&stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for attempt := 1; ; attempt++ {
		var version int
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO workflows (bot_id, version, graph_id, definition, created_at)
			SELECT ?, COALESCE(MAX(version), 0) + 1, ?, ?, ? FROM workflows WHERE bot_id = ?
			RETURNING version`,
			graph.BotID, graph.GraphID, definition, s.now().UTC(), graph.BotID).Scan(&version)
		if err == nil {
			return s.decode(graph.BotID, version, definition)
		}
		if !isWriteConflict(err) || attempt == saveAttempts {
			return nil, fmt.Errorf("failed to insert workflow: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
}

// isWriteConflict reports errors caused by another writer: a locked database or a
// version taken between our read and insert
func isWriteConflict(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CONSTRAINT:
		return true
	}
	return false
}

// Load returns the latest stored version of the bot's graph
func (s *SQLiteStore) Load(ctx context.Context, botID string) (*core.WorkflowGraph, error) {
	var (
		version    int
		definition string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, definition FROM workflows WHERE bot_id = ? ORDER BY version DESC LIMIT 1`, botID).
		Scan(&version, &definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: bot %q", core.ErrGraphNotFound, botID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	return s.decode(botID, version, definition)
}

// Versions lists the stored versions of a bot's graph, newest first
func (s *SQLiteStore) Versions(ctx context.Context, botID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM workflows WHERE bot_id = ? ORDER BY version DESC`, botID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return versions, nil
}

func (s *SQLiteStore) decode(botID string, version int, definition string) (*core.WorkflowGraph, error) {
	return s.cache.GetOrCompute(fmt.Sprintf("%s@%d", botID, version), func() (*core.WorkflowGraph, error) {
		var g core.WorkflowGraph
		if err := sonic.UnmarshalString(definition, &g); err != nil {
			return nil, fmt.Errorf("%w: stored version %d: %v", core.ErrMalformedGraph, version, err)
		}
		g.BotID = botID
		g.Version = version
		if err := g.Validate(); err != nil {
			return nil, err
		}
		return &g, nil
	})
}

// UpsertSource records the ingestion status of a knowledge source
func (s *SQLiteStore) UpsertSource(ctx context.Context, src core.KnowledgeSource) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_sources (source_id, bot_id, name, status, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET bot_id = excluded.bot_id, name = excluded.name,
			status = excluded.status, updated_at = excluded.updated_at`,
		src.SourceID, src.BotID, src.Name, string(src.Status), s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert knowledge source: %w", err)
	}
	return nil
}

// ReadySources returns the ids of the bot's sources that finished ingestion
func (s *SQLiteStore) ReadySources(ctx context.Context, botID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id FROM knowledge_sources WHERE bot_id = ? AND status = ? ORDER BY source_id`,
		botID, string(core.SourceReady))
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return ids, nil
}
