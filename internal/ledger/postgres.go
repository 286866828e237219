package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/happy-ai/happyd/internal/event"
)

// PostgresStore implements Store using PostgreSQL, for setups that point
// several happyd instances at a shared message archive.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens the database and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS ledger_events (
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			fingerprint TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload JSONB NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
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

func (s *PostgresStore) Append(ctx context.Context, e *event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ledger_events (session_id, seq, fingerprint, kind, payload, ts)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT DO NOTHING`,
		e.SessionID, e.Seq, e.Fingerprint, string(e.Kind), string(payload), e.Timestamp.UTC())
	return err
}

func (s *PostgresStore) Load(ctx context.Context, sessionID string, limit int) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM ledger_events
		 WHERE session_id = $1
		 ORDER BY seq DESC LIMIT $2`,
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
			continue
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) Sessions(ctx context.Context) ([]string, error) {
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

func (s *PostgresStore) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ledger_events WHERE session_id = $1`, sessionID)
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
