// Package history stores the append-only dialog history in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Role of a stored turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Turn is one stored message.
type Turn struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// DefaultRecent is the number of turns replayed into a prompt.
const DefaultRecent = 10

// SQLiteStore persists turns. Rows are only ever inserted or deleted in
// bulk by Clear; existing rows are never updated.
type SQLiteStore struct {
	path string
	now  func() time.Time

	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore returns a store backed by the database at path. The
// database is opened lazily on first use.
func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path, now: time.Now}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	// a single connection keeps in-memory databases consistent
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return err
	}

	schema := `
CREATE TABLE IF NOT EXISTS turns (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL DEFAULT '',
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_session_id ON turns(session_id, id);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

// Append stores a new turn and returns it with its id and timestamp set.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, role Role, content string) (Turn, error) {
	if !role.Valid() {
		return Turn{}, errors.New("history: invalid role " + string(role))
	}
	db, err := s.ensureDB(ctx)
	if err != nil {
		return Turn{}, err
	}
	ts := s.now().UTC()
	res, err := db.ExecContext(ctx,
		`INSERT INTO turns(session_id, role, content, created_at) VALUES(?, ?, ?, ?)`,
		strings.TrimSpace(sessionID), string(role), content, ts.UnixNano(),
	)
	if err != nil {
		return Turn{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Turn{}, err
	}
	return Turn{ID: id, SessionID: sessionID, Role: role, Content: content, Timestamp: ts}, nil
}

// Recent returns the last n turns of a session in chronological order.
// n <= 0 returns the whole session.
func (s *SQLiteStore) Recent(ctx context.Context, sessionID string, n int) ([]Turn, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	limit := -1
	if n > 0 {
		limit = n
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM (
		   SELECT id, session_id, role, content, created_at FROM turns
		   WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		strings.TrimSpace(sessionID), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t    Turn
			role string
			ts   int64
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &role, &t.Content, &ts); err != nil {
			return nil, err
		}
		t.Role = Role(role)
		t.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// Clear deletes the turns of a session, or every turn when sessionID is empty.
func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) (int64, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return 0, err
	}
	var res sql.Result
	if strings.TrimSpace(sessionID) == "" {
		res, err = db.ExecContext(ctx, `DELETE FROM turns`)
	} else {
		res, err = db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, strings.TrimSpace(sessionID))
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) ensureDB(ctx context.Context) (*sql.DB, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("sqlite db not initialized")
	}
	return s.db, nil
}
