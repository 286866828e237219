package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/happy-ai/happyd/internal/event"
)

// SQLiteStore implements Store using a single SQLite shard file under the
// data directory's messages/ subtree.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the shard database and runs
// migrations.
func NewSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create messages dir: %w", err)
		}
	} else {
		// Shared cache so all pooled connections see the same data.
		path = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS ledger_events (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			ts DATETIME NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_fingerprint
			ON ledger_events(session_id, fingerprint)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, e *event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO ledger_events (session_id, seq, fingerprint, kind, payload, ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Seq, e.Fingerprint, string(e.Kind), string(payload), e.Timestamp.UTC())
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string, limit int) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM ledger_events
		 WHERE session_id = ?
		 ORDER BY seq DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e event.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			continue // skip undecodable rows, best-effort log
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first query for the LIMIT; flip back to sequence order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT session_id FROM ledger_events ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ledger_events WHERE session_id = ?`, sessionID)
	return err
}

// Prune removes rows older than the retention horizon. Called opportunistically.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ledger_events WHERE ts < ?`, olderThan.UTC())
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
