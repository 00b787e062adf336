package memorytool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Memory is one saved note.
type Memory struct {
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	createMemoriesTableSQL = `
CREATE TABLE IF NOT EXISTS memories (
    id VARCHAR(255) NOT NULL,
    content TEXT NOT NULL,
    tags TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id)
);`

	createMemoriesIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_memories_updated_at ON memories(updated_at);`

	// MySQL has no CREATE INDEX IF NOT EXISTS; the index rides the table DDL.
	createMemoriesTableMySQL = `
CREATE TABLE IF NOT EXISTS memories (
    id VARCHAR(255) NOT NULL,
    content TEXT NOT NULL,
    tags TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id),
    KEY idx_memories_updated_at (updated_at)
);`
)

// Store persists memories in a SQL database. Queries are written with ?
// placeholders and rebound for postgres.
type Store struct {
	db      *sql.DB
	dialect string
	mu      sync.Mutex
}

// NewStore wraps an open connection pool and ensures the schema exists.
func NewStore(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if dialect == "sqlite3" {
		dialect = "sqlite"
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize memory schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stmts := []string{createMemoriesTableSQL, createMemoriesIndexSQL}
	if s.dialect == "mysql" {
		stmts = []string{createMemoriesTableMySQL}
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $N for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save inserts or overwrites the note under key and returns the stored row.
// The existence check runs under the store mutex because MySQL reports
// changed rows, not matched rows, which makes update-then-insert ambiguous.
func (s *Store) Save(ctx context.Context, key, content string, tags []string) (Memory, error) {
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return Memory{}, fmt.Errorf("failed to encode tags: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	var one int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM memories WHERE id = ?`), key).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx, s.rebind(
			`INSERT INTO memories (id, content, tags, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
			key, content, string(raw), now, now)
		if err != nil {
			return Memory{}, fmt.Errorf("failed to insert memory: %w", err)
		}
	case err != nil:
		return Memory{}, fmt.Errorf("failed to query memory: %w", err)
	default:
		_, err = s.db.ExecContext(ctx, s.rebind(
			`UPDATE memories SET content = ?, tags = ?, updated_at = ? WHERE id = ?`),
			content, string(raw), now, key)
		if err != nil {
			return Memory{}, fmt.Errorf("failed to update memory: %w", err)
		}
	}

	m, ok, err := s.Get(ctx, key)
	if err != nil {
		return Memory{}, err
	}
	if !ok {
		return Memory{}, fmt.Errorf("memory %s vanished after save", key)
	}
	return m, nil
}

// Get fetches one note by key. The second return reports existence.
func (s *Store) Get(ctx context.Context, key string) (Memory, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, content, tags, created_at, updated_at FROM memories WHERE id = ?`), key)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return Memory{}, false, nil
	}
	if err != nil {
		return Memory{}, false, fmt.Errorf("failed to query memory: %w", err)
	}
	return m, true, nil
}

// likeEscaper neutralizes LIKE metacharacters; queries use ESCAPE '!'
// because a backslash escape is not portable across the three dialects.
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// Search returns notes whose key, content, or tags contain query, most
// recently updated first. A non-positive limit means no limit.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Memory, error) {
	pattern := "%" + likeEscaper.Replace(query) + "%"
	q := `
SELECT id, content, tags, created_at, updated_at FROM memories
WHERE id LIKE ? ESCAPE '!' OR content LIKE ? ESCAPE '!' OR tags LIKE ? ESCAPE '!'
ORDER BY updated_at DESC, id ASC`
	args := []interface{}{pattern, pattern, pattern}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryMemories(ctx, q, args...)
}

// List returns all notes, most recently updated first. A non-positive
// limit means no limit.
func (s *Store) List(ctx context.Context, limit int) ([]Memory, error) {
	q := `
SELECT id, content, tags, created_at, updated_at FROM memories
ORDER BY updated_at DESC, id ASC`
	var args []interface{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryMemories(ctx, q, args...)
}

// Forget deletes the note under key and reports whether it existed.
func (s *Store) Forget(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM memories WHERE id = ?`), key)
	if err != nil {
		return false, fmt.Errorf("failed to delete memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete memory: %w", err)
	}
	return n > 0, nil
}

func (s *Store) queryMemories(ctx context.Context, q string, args ...interface{}) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memories: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(r rowScanner) (Memory, error) {
	var m Memory
	var tags string
	if err := r.Scan(&m.Key, &m.Content, &tags, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return Memory{}, err
	}
	if tags != "" && tags != "[]" {
		if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
			return Memory{}, fmt.Errorf("failed to decode tags for %s: %w", m.Key, err)
		}
	}
	return m, nil
}
