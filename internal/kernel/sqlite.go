package kernel

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/danmuck/wmlink/internal/protocol/session"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// SQLiteStore keeps agent memory in a SQLite file so a restarted kernel
// serves the same input and output state.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("kernel: creating sqlite directory: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kernel: opening sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	for _, pragma := range sqlitePragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("kernel: applying pragma %q: %w", pragma, err)
		}
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("kernel: applying schema: %w", err)
	}
	return &SQLiteStore{conn: conn, path: path}, nil
}

func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) SaveAgent(state AgentState) error {
	_, err := s.conn.Exec(
		`INSERT INTO agents (name, input_link, next_tag, next_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   input_link = excluded.input_link,
		   next_tag = excluded.next_tag,
		   next_id = excluded.next_id`,
		state.Name, state.InputLink, state.NextTag, state.NextID,
	)
	if err != nil {
		return fmt.Errorf("kernel: saving agent %q: %w", state.Name, err)
	}
	return nil
}

func (s *SQLiteStore) LoadAgents() ([]AgentState, error) {
	rows, err := s.conn.Query(`SELECT name, input_link, next_tag, next_id FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("kernel: loading agents: %w", err)
	}
	defer rows.Close()
	var out []AgentState
	for rows.Next() {
		var a AgentState
		if err := rows.Scan(&a.Name, &a.InputLink, &a.NextTag, &a.NextID); err != nil {
			return nil, fmt.Errorf("kernel: scanning agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Put(agent string, side Side, rec session.Record) error {
	_, err := s.conn.Exec(
		`INSERT INTO wmes (agent, side, time_tag, id, attribute, value, type, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?,
		   (SELECT COALESCE(MAX(seq), 0) + 1 FROM wmes WHERE agent = ? AND side = ?))
		 ON CONFLICT(agent, side, time_tag) DO UPDATE SET
		   id = excluded.id,
		   attribute = excluded.attribute,
		   value = excluded.value,
		   type = excluded.type`,
		agent, string(side), rec.TimeTag, rec.ID, rec.Attribute, rec.Value, rec.Type,
		agent, string(side),
	)
	if err != nil {
		return fmt.Errorf("kernel: storing wme %d: %w", rec.TimeTag, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(agent string, side Side, tag int64) (bool, error) {
	res, err := s.conn.Exec(
		`DELETE FROM wmes WHERE agent = ? AND side = ? AND time_tag = ?`,
		agent, string(side), tag,
	)
	if err != nil {
		return false, fmt.Errorf("kernel: deleting wme %d: %w", tag, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) List(agent string, side Side) ([]session.Record, error) {
	rows, err := s.conn.Query(
		`SELECT id, attribute, value, type, time_tag FROM wmes
		 WHERE agent = ? AND side = ? ORDER BY seq`,
		agent, string(side),
	)
	if err != nil {
		return nil, fmt.Errorf("kernel: listing %s wmes: %w", side, err)
	}
	defer rows.Close()
	var out []session.Record
	for rows.Next() {
		var id, attr, value, typ string
		var tag int64
		if err := rows.Scan(&id, &attr, &value, &typ, &tag); err != nil {
			return nil, fmt.Errorf("kernel: scanning wme: %w", err)
		}
		out = append(out, session.AddRecord(id, attr, value, typ, tag))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Clear(agent string, side Side) error {
	_, err := s.conn.Exec(`DELETE FROM wmes WHERE agent = ? AND side = ?`, agent, string(side))
	if err != nil {
		return fmt.Errorf("kernel: clearing %s wmes: %w", side, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// OpenStore builds the store named by kind ("memory" or "sqlite").
func OpenStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLiteStore(sqlitePath)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, kind)
	}
}
