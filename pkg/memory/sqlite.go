package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Storage using SQLite for local persistent storage.
// Uses a single connection (SetMaxOpenConns(1)) so SQLite's internal
// serialization handles concurrency. No application-level mutex needed.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed memory store.
// Use ":memory:" for in-memory storage or a file path for persistence.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// PRAGMAs are per-connection, so pin to a single connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		content_hash TEXT PRIMARY KEY,
		content      TEXT NOT NULL,
		memory_type  TEXT DEFAULT '',
		metadata     TEXT DEFAULT '{}',
		embedding    BLOB,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS memory_tags (
		content_hash TEXT NOT NULL,
		tag          TEXT NOT NULL,
		PRIMARY KEY (content_hash, tag),
		FOREIGN KEY (content_hash) REFERENCES memories(content_hash) ON DELETE CASCADE
	);
	CREATE TABLE IF NOT EXISTS memory_access (
		content_hash  TEXT PRIMARY KEY,
		last_accessed INTEGER NOT NULL,
		access_count  INTEGER DEFAULT 0,
		FOREIGN KEY (content_hash) REFERENCES memories(content_hash) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_memory_tags_tag ON memory_tags(tag);
	CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetAllMemories returns every stored memory ordered by creation time.
func (s *SQLiteStore) GetAllMemories(ctx context.Context) ([]Memory, error) {
	return s.query(ctx, "ORDER BY created_at")
}

// GetMemoriesByTimeRange returns memories created within [start, end].
func (s *SQLiteStore) GetMemoriesByTimeRange(ctx context.Context, start, end time.Time) ([]Memory, error) {
	return s.query(ctx, "WHERE created_at BETWEEN ? AND ? ORDER BY created_at",
		start.UnixNano(), end.UnixNano())
}

// StoreMemory inserts a new memory and its tags.
func (s *SQLiteStore) StoreMemory(ctx context.Context, m Memory) error {
	if strings.TrimSpace(m.Content) == "" {
		return ErrEmptyContent
	}
	if m.ContentHash == "" {
		m.ContentHash = ContentHash(m.Content)
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	meta, err := encodeMetadata(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM memories WHERE content_hash = ?", m.ContentHash).Scan(&exists)
	if err == nil {
		return ErrDuplicate
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check existing: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories (content_hash, content, memory_type, metadata, embedding, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ContentHash, m.Content, m.MemoryType, meta, encodeEmbedding(m.Embedding),
		m.CreatedAt.UnixNano(), m.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	if err := insertTags(ctx, tx, m.ContentHash, m.Tags); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateMemory replaces content, type, metadata, embedding and tags.
func (s *SQLiteStore) UpdateMemory(ctx context.Context, m Memory) error {
	meta, err := encodeMetadata(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE memories SET content = ?, memory_type = ?, metadata = ?, embedding = ?, updated_at = ?
		 WHERE content_hash = ?`,
		m.Content, m.MemoryType, meta, encodeEmbedding(m.Embedding), m.UpdatedAt.UnixNano(), m.ContentHash,
	)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_tags WHERE content_hash = ?", m.ContentHash); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	if err := insertTags(ctx, tx, m.ContentHash, m.Tags); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteMemory removes a memory; tags and access rows cascade.
func (s *SQLiteStore) DeleteMemory(ctx context.Context, hash string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE content_hash = ?", hash)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMemoryConnections counts association memories referencing each hash.
func (s *SQLiteStore) GetMemoryConnections(ctx context.Context) (map[string]int, error) {
	assocs, err := s.query(ctx, "WHERE memory_type = ?", TypeAssociation)
	if err != nil {
		return nil, err
	}
	return ConnectionCounts(assocs), nil
}

// GetAccessPatterns returns the last recorded access per hash.
func (s *SQLiteStore) GetAccessPatterns(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT content_hash, last_accessed FROM memory_access")
	if err != nil {
		return nil, fmt.Errorf("query access: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]time.Time)
	for rows.Next() {
		var hash string
		var ts int64
		if err := rows.Scan(&hash, &ts); err != nil {
			return nil, err
		}
		out[hash] = time.Unix(0, ts)
	}
	return out, rows.Err()
}

// Touch records an access for each hash at the current time.
func (s *SQLiteStore) Touch(ctx context.Context, hashes ...string) error {
	now := time.Now().UnixNano()
	for _, h := range hashes {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO memory_access (content_hash, last_accessed, access_count) VALUES (?, ?, 1)
			 ON CONFLICT(content_hash) DO UPDATE SET last_accessed = excluded.last_accessed,
			 access_count = memory_access.access_count + 1`,
			h, now,
		)
		if err != nil {
			return fmt.Errorf("touch %s: %w", h, err)
		}
	}
	return nil
}

// Count returns the number of stored memories.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n)
	return n, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// query loads memories matching the clause, then their tags. Rows are
// scanned and closed before the tag query since the single connection must
// be free.
func (s *SQLiteStore) query(ctx context.Context, clause string, args ...interface{}) ([]Memory, error) {
	q := "SELECT content_hash, content, memory_type, metadata, embedding, created_at, updated_at FROM memories " + clause
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}

	var out []Memory
	for rows.Next() {
		var (
			m                Memory
			meta             string
			emb              []byte
			created, updated int64
		)
		if err := rows.Scan(&m.ContentHash, &m.Content, &m.MemoryType, &meta, &emb, &created, &updated); err != nil {
			_ = rows.Close()
			return nil, err
		}
		m.Metadata = decodeMetadata(meta)
		m.Embedding = decodeEmbedding(emb)
		m.CreatedAt = time.Unix(0, created)
		m.UpdatedAt = time.Unix(0, updated)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(out) == 0 {
		return out, nil
	}
	tags, err := s.loadTags(ctx)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Tags = tags[out[i].ContentHash]
	}
	return out, nil
}

// loadTags returns all tags keyed by content hash.
func (s *SQLiteStore) loadTags(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT content_hash, tag FROM memory_tags ORDER BY content_hash, tag")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	tags := make(map[string][]string)
	for rows.Next() {
		var hash, tag string
		if err := rows.Scan(&hash, &tag); err != nil {
			return nil, err
		}
		tags[hash] = append(tags[hash], tag)
	}
	return tags, rows.Err()
}

func insertTags(ctx context.Context, tx *sql.Tx, hash string, tags []string) error {
	for _, tag := range tags {
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO memory_tags (content_hash, tag) VALUES (?, ?)",
			hash, tag,
		)
		if err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}
	return nil
}
