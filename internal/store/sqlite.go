package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists messages, listened receipts, identity and the presence
// cache in a single SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// OpenSQLite opens or creates voice.db in dir.
func OpenSQLite(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "voice.db")

	// pragmas in the DSN apply to every pooled connection
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			sender     TEXT NOT NULL DEFAULT '',
			sender_id  TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			duration   REAL NOT NULL DEFAULT 0,
			mime       TEXT NOT NULL DEFAULT '',
			payload    BLOB,
			recipients TEXT NOT NULL DEFAULT '[]',
			conv_id    TEXT NOT NULL,
			status     TEXT NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conv_id, created_at);
		CREATE TABLE IF NOT EXISTS listened (
			message_id  TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			listener_id TEXT NOT NULL,
			PRIMARY KEY (message_id, listener_id)
		);
		CREATE TABLE IF NOT EXISTS presence_cache (
			id        TEXT PRIMARY KEY,
			nickname  TEXT NOT NULL,
			last_seen INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Add(m Message) error {
	if m.ID == "" {
		return ErrInvalidID
	}
	if m.ConvID == "" {
		m.ConvID = DeriveConvID(m.SenderID, m.Recipients)
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	recipients, err := json.Marshal(orEmpty(m.Recipients))
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO messages
			(id, sender, sender_id, created_at, duration, mime, payload, recipients, conv_id, status, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Sender, m.SenderID, m.CreatedAt.UnixMilli(), m.Duration, m.Mime, m.Payload,
		string(recipients), m.ConvID, string(m.Status), m.Attempts,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	for _, l := range m.ListenedBy {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO listened (message_id, listener_id) VALUES (?, ?)`, m.ID, l); err != nil {
			return fmt.Errorf("insert listener: %w", err)
		}
	}
	if _, err := tx.Exec(`
		DELETE FROM messages WHERE id NOT IN (
			SELECT id FROM messages ORDER BY rowid DESC LIMIT ?
		)`, MaxMessages); err != nil {
		return fmt.Errorf("trim messages: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.get(s.db, id)
	if err != nil {
		return Message{}, false
	}
	return m, true
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) get(q querier, id string) (Message, error) {
	var (
		m          Message
		created    int64
		recipients string
		status     string
	)
	err := q.QueryRow(`
		SELECT id, sender, sender_id, created_at, duration, mime, payload, recipients, conv_id, status, attempts
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.Sender, &m.SenderID, &created, &m.Duration, &m.Mime, &m.Payload,
			&recipients, &m.ConvID, &status, &m.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	m.CreatedAt = time.UnixMilli(created)
	m.Status = Status(status)
	if err := json.Unmarshal([]byte(recipients), &m.Recipients); err != nil {
		return Message{}, fmt.Errorf("decode recipients: %w", err)
	}
	if len(m.Recipients) == 0 {
		m.Recipients = nil
	}

	rows, err := q.Query(`SELECT listener_id FROM listened WHERE message_id = ? ORDER BY rowid`, id)
	if err != nil {
		return Message{}, err
	}
	defer rows.Close()
	m.ListenedBy = []string{}
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return Message{}, err
		}
		m.ListenedBy = append(m.ListenedBy, l)
	}
	return m, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(id string, status Status, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE messages SET status = ?, attempts = ? WHERE id = ?`, string(status), attempts, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkListened(id, listenerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var status string
	if err := tx.QueryRow(`SELECT status FROM messages WHERE id = ?`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	res, err := tx.Exec(`INSERT OR IGNORE INTO listened (message_id, listener_id) VALUES (?, ?)`, id, listenerID)
	if err != nil {
		return false, fmt.Errorf("insert listener: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if !Status(status).Terminal() {
		if _, err := tx.Exec(`UPDATE messages SET status = ? WHERE id = ?`, string(StatusListened), id); err != nil {
			return false, fmt.Errorf("update status: %w", err)
		}
	}
	return true, tx.Commit()
}

// ByConversation mirrors MemoryStore.ByConversation.
func (s *SQLiteStore) ByConversation(convID string, includeBroadcast bool) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case convID == "" || convID == BroadcastConv:
		rows, err = s.db.Query(`SELECT id FROM messages WHERE conv_id = ? ORDER BY created_at, rowid`, BroadcastConv)
	case includeBroadcast:
		rows, err = s.db.Query(`SELECT id FROM messages WHERE conv_id IN (?, ?) ORDER BY created_at, rowid`, convID, BroadcastConv)
	default:
		rows, err = s.db.Query(`SELECT id FROM messages WHERE conv_id = ? ORDER BY created_at, rowid`, convID)
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.get(s.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *SQLiteStore) LoadPresence() ([]PresenceUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT id, nickname, last_seen FROM presence_cache`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PresenceUser
	for rows.Next() {
		var (
			u    PresenceUser
			seen int64
		)
		if err := rows.Scan(&u.ID, &u.Nickname, &seen); err != nil {
			return nil, err
		}
		u.LastSeen = time.UnixMilli(seen)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SavePresence(users []PresenceUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM presence_cache`); err != nil {
		return err
	}
	for _, u := range users {
		if _, err := tx.Exec(`INSERT INTO presence_cache (id, nickname, last_seen) VALUES (?, ?, ?)`,
			u.ID, u.Nickname, u.LastSeen.UnixMilli()); err != nil {
			return fmt.Errorf("insert presence: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadIdentity() (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var id Identity
	rows, err := s.db.Query(`SELECT key, value FROM _meta WHERE key IN ('self_id', 'nickname')`)
	if err != nil {
		return id, err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return id, err
		}
		switch k {
		case "self_id":
			id.SelfID = v
		case "nickname":
			id.Nickname = v
		}
	}
	return id, rows.Err()
}

func (s *SQLiteStore) SaveIdentity(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO _meta (key, value) VALUES ('self_id', ?), ('nickname', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		id.SelfID, id.Nickname)
	return err
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
