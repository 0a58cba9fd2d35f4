// Package store persists conversations, messages, settings, documents,
// images, and scheduled tasks in SQLite.
//
// The message log is append-only and monotonic by auto-incrementing id.
// Callers never rewrite history; the only in-place mutation is content
// accretion on the in-flight assistant message while streaming.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"valet/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite database. It is safe for concurrent use; each
// operation runs on a short-lived pooled connection so no lock is held
// across LLM calls.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The modernc driver serializes writes; a single writer connection
	// avoids SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			auto_title INTEGER NOT NULL DEFAULT 1,
			active_branch_id INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS branches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			parent_branch_id INTEGER,
			pivot_message_id INTEGER,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			branch_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			edit_of INTEGER,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_branch
			ON messages(conversation_id, branch_id, id)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			doc_type TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS images (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			generated INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			task_type TEXT NOT NULL,
			cron TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at TEXT,
			last_status TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateConversation inserts a conversation with a primary branch and
// returns its id.
func (s *Store) CreateConversation(title string) (int64, error) {
	ts := now()
	res, err := s.db.Exec(
		`INSERT INTO conversations (title, auto_title, active_branch_id, created_at, updated_at)
		 VALUES (?, 1, 0, ?, ?)`,
		title, ts, ts,
	)
	if err != nil {
		return 0, err
	}
	convID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	branchRes, err := s.db.Exec(
		`INSERT INTO branches (conversation_id, created_at) VALUES (?, ?)`,
		convID, ts,
	)
	if err != nil {
		return 0, err
	}
	branchID, err := branchRes.LastInsertId()
	if err != nil {
		return 0, err
	}
	_, err = s.db.Exec(
		`UPDATE conversations SET active_branch_id = ? WHERE id = ?`,
		branchID, convID,
	)
	return convID, err
}

// GetConversation loads one conversation by id.
func (s *Store) GetConversation(id int64) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT id, title, auto_title, active_branch_id, created_at, updated_at
		 FROM conversations WHERE id = ?`, id,
	)
	return scanConversation(row)
}

// ListConversations returns all conversations, most recently updated first.
func (s *Store) ListConversations() ([]*models.Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id, title, auto_title, active_branch_id, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*models.Conversation, error) {
	var c models.Conversation
	var autoTitle int
	var created, updated string
	err := row.Scan(&c.ID, &c.Title, &autoTitle, &c.ActiveBranchID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.AutoTitle = autoTitle != 0
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// UpdateConversationTitle sets the title; autoTitle records whether the
// title came from the generator (true) or the user (false).
func (s *Store) UpdateConversationTitle(id int64, title string, autoTitle bool) error {
	flag := 0
	if autoTitle {
		flag = 1
	}
	_, err := s.db.Exec(
		`UPDATE conversations SET title = ?, auto_title = ?, updated_at = ? WHERE id = ?`,
		title, flag, now(), id,
	)
	return err
}

// DeleteConversation removes a conversation and everything attached to it.
func (s *Store) DeleteConversation(id int64) error {
	for _, stmt := range []string{
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM branches WHERE conversation_id = ?`,
		`DELETE FROM documents WHERE conversation_id = ?`,
		`DELETE FROM images WHERE conversation_id = ?`,
		`DELETE FROM scheduled_tasks WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	} {
		if _, err := s.db.Exec(stmt, id); err != nil {
			return err
		}
	}
	return nil
}

// ActiveBranch returns the branch new turns append to.
func (s *Store) ActiveBranch(conversationID int64) (int64, error) {
	var branchID int64
	err := s.db.QueryRow(
		`SELECT active_branch_id FROM conversations WHERE id = ?`, conversationID,
	).Scan(&branchID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return branchID, err
}

// CreateBranch forks a conversation at pivotMessageID and returns the new
// branch id. Messages up to and including the pivot are shared by reference:
// history reads walk the parent chain.
func (s *Store) CreateBranch(conversationID, parentBranchID int64, pivotMessageID *int64) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO branches (conversation_id, parent_branch_id, pivot_message_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		conversationID, parentBranchID, pivotMessageID, now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetActiveBranch switches which branch new turns append to.
func (s *Store) SetActiveBranch(conversationID, branchID int64) error {
	_, err := s.db.Exec(
		`UPDATE conversations SET active_branch_id = ?, updated_at = ? WHERE id = ?`,
		branchID, now(), conversationID,
	)
	return err
}

// AddMessage appends one message to a branch and returns its id.
func (s *Store) AddMessage(conversationID int64, role models.Role, content string, branchID int64) (int64, error) {
	ts := now()
	res, err := s.db.Exec(
		`INSERT INTO messages (conversation_id, branch_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		conversationID, branchID, role, content, ts,
	)
	if err != nil {
		return 0, err
	}
	if _, err := s.db.Exec(
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, ts, conversationID,
	); err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AppendMessageContent grows a message's content by delta. Used for
// streaming accretion on the in-flight assistant message.
func (s *Store) AppendMessageContent(messageID int64, delta string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET content = content || ? WHERE id = ?`, delta, messageID,
	)
	return err
}

// UpdateMessageContent replaces a message's content outright.
func (s *Store) UpdateMessageContent(messageID int64, content string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET content = ? WHERE id = ?`, content, messageID,
	)
	return err
}

// MessagesForBranch returns the branch's messages in id order. When limit
// is positive only the most recent limit messages are returned, still
// oldest-first. Branches inherit parent history up to their pivot message.
func (s *Store) MessagesForBranch(conversationID, branchID int64, limit int) ([]*models.Message, error) {
	chain, err := s.branchChain(conversationID, branchID)
	if err != nil {
		return nil, err
	}

	var all []*models.Message
	for i := len(chain) - 1; i >= 0; i-- {
		link := chain[i]
		query := `SELECT id, conversation_id, branch_id, role, content, edit_of, created_at
			FROM messages WHERE conversation_id = ? AND branch_id = ?`
		args := []any{conversationID, link.id}
		if link.pivot != nil {
			query += ` AND id <= ?`
			args = append(args, *link.pivot)
		}
		query += ` ORDER BY id`
		rows, err := s.db.Query(query, args...)
		if err != nil {
			return nil, err
		}
		msgs, err := scanMessages(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, msgs...)
	}

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

type branchLink struct {
	id    int64
	pivot *int64 // cap applied to the PARENT segment, carried down one link
}

// branchChain walks from branchID to the root. Each returned link carries
// the pivot that limits how much of that branch's own log is visible to
// descendants; the newest branch (first element) is unlimited.
func (s *Store) branchChain(conversationID, branchID int64) ([]branchLink, error) {
	var chain []branchLink
	current := branchID
	var inherited *int64
	for current != 0 {
		var parent sql.NullInt64
		var pivot sql.NullInt64
		err := s.db.QueryRow(
			`SELECT parent_branch_id, pivot_message_id FROM branches
			 WHERE id = ? AND conversation_id = ?`,
			current, conversationID,
		).Scan(&parent, &pivot)
		if errors.Is(err, sql.ErrNoRows) {
			// Unknown branch: treat as a flat, standalone log.
			return []branchLink{{id: branchID}}, nil
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, branchLink{id: current, pivot: inherited})
		if !parent.Valid {
			break
		}
		if pivot.Valid {
			v := pivot.Int64
			inherited = &v
		} else {
			inherited = nil
		}
		current = parent.Int64
		if len(chain) > 64 {
			return nil, errors.New("store: branch chain too deep")
		}
	}
	return chain, nil
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var editOf sql.NullInt64
		var created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.BranchID, &m.Role, &m.Content, &editOf, &created); err != nil {
			return nil, err
		}
		if editOf.Valid {
			v := editOf.Int64
			m.EditOf = &v
		}
		m.CreatedAt = parseTime(created)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// GetSetting reads one settings value; the boolean reports presence.
func (s *Store) GetSetting(key string) (string, bool) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// SetSetting writes one settings value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// SettingEnabled interprets a settings value as a feature flag. Missing
// keys take the provided default.
func (s *Store) SettingEnabled(key string, fallback bool) bool {
	value, ok := s.GetSetting(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
