// Package sqlite implements session.Store and session.ConversationStore on a
// single SQLite database file using the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/session"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite backed session store.
type Store struct {
	db *sql.DB
}

var (
	_ session.Store             = (*Store)(nil)
	_ session.ConversationStore = (*Store)(nil)
)

// Open opens (creating if needed) the database at dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases shared across calls.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initialize(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		seq INTEGER NOT NULL,
		body TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	if err := s.migrateSchema(ctx); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	return nil
}

// migrateSchema adds the thread column to databases created before
// conversations were grouped into threads.
func (s *Store) migrateSchema(ctx context.Context) error {
	hasThread, err := s.columnExists(ctx, "conversations", "thread_id")
	if err != nil {
		return fmt.Errorf("failed to check for thread_id column: %w", err)
	}

	if !hasThread {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE conversations ADD COLUMN thread_id TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("failed to add thread_id column: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_conversations_thread ON conversations(thread_id, created_at)`)

	return err
}

func (s *Store) columnExists(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid          int
			name         string
			dataType     string
			notNull      int
			defaultValue any
			pk           int
		)

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return false, err
		}

		if name == column {
			return true, nil
		}
	}

	return false, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get implements session.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte

	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	return value, nil
}

// Set implements session.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}

	return nil
}

// Delete implements session.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}

	return nil
}

// List implements session.Store.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM settings WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}

		keys = append(keys, k)
	}

	return keys, rows.Err()
}

// SaveConversation implements session.ConversationStore. Rows are only
// replaced by snapshots with an equal or higher Seq.
func (s *Store) SaveConversation(ctx context.Context, conv *core.Conversation) error {
	body, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", conv.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO conversations (id, thread_id, role, status, seq, body, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		thread_id = excluded.thread_id,
		role = excluded.role,
		status = excluded.status,
		seq = excluded.seq,
		body = excluded.body,
		updated_at = excluded.updated_at
	WHERE excluded.seq >= conversations.seq
	`,
		conv.ID,
		conv.ThreadID,
		string(conv.Role),
		string(conv.Status),
		conv.Seq,
		string(body),
		conv.CreatedAt.UTC().Format(timeLayout),
		conv.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}

	return nil
}

// LoadConversation implements session.ConversationStore.
func (s *Store) LoadConversation(ctx context.Context, id string) (*core.Conversation, error) {
	var body string

	err := s.db.QueryRowContext(ctx, `SELECT body FROM conversations WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}

	return decode(body)
}

// ListConversations implements session.ConversationStore.
func (s *Store) ListConversations(ctx context.Context, threadID string) ([]*core.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM conversations WHERE thread_id = ? ORDER BY created_at, id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*core.Conversation
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}

		c, err := decode(body)
		if err != nil {
			return nil, err
		}

		out = append(out, c)
	}

	return out, rows.Err()
}

// ListThreads implements session.ConversationStore.
func (s *Store) ListThreads(ctx context.Context) ([]session.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT c.id, c.thread_id, c.role, c.status, c.seq, c.created_at, c.updated_at
	FROM conversations c
	WHERE c.created_at = (SELECT MAX(created_at) FROM conversations WHERE thread_id = c.thread_id)
	ORDER BY c.updated_at DESC, c.thread_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []session.Summary
	for rows.Next() {
		var (
			sum                  session.Summary
			role, status         string
			createdAt, updatedAt string
		)

		if err := rows.Scan(&sum.ID, &sum.ThreadID, &role, &status, &sum.Seq, &createdAt, &updatedAt); err != nil {
			return nil, err
		}

		sum.Role = core.Role(role)
		sum.Status = core.Status(status)
		sum.CreatedAt = parseTime(createdAt)
		sum.UpdatedAt = parseTime(updatedAt)

		out = append(out, sum)
	}

	return out, rows.Err()
}

func decode(body string) (*core.Conversation, error) {
	var c core.Conversation
	if err := json.NewDecoder(strings.NewReader(body)).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}

	return &c, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
