package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"reel-pipeline/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS artifact_checkpoints (
	session_id TEXT        NOT NULL,
	attempt    INTEGER     NOT NULL,
	document   JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (session_id, attempt)
)`

// PostgresStore keeps documents in a jsonb column. Appends lock the row for
// the duration of the merge.
type PostgresStore struct {
	DB  *sql.DB
	now func() time.Time
}

// OpenPostgres opens and pings the database and makes sure the table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	s := &PostgresStore{DB: db, now: time.Now}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var _ Store = (*PostgresStore)(nil)

// EnsureSchema creates the checkpoint table if it is missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating checkpoint table: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.DB.Close()
}

// Load reads a document.
func (s *PostgresStore) Load(ctx context.Context, sessionID string, attempt int) (*types.Artifacts, error) {
	var raw []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT document FROM artifact_checkpoints WHERE session_id = $1 AND attempt = $2`,
		sessionID, attempt,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	var doc types.Artifacts
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshalling checkpoint: %w", err)
	}
	return &doc, nil
}

// Append merges p inside a transaction holding the row lock.
func (s *PostgresStore) Append(ctx context.Context, sessionID string, attempt int, p Patch) (*types.Artifacts, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer tx.Rollback()

	empty, err := json.Marshal(types.Artifacts{SessionID: sessionID, Attempt: attempt})
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO artifact_checkpoints (session_id, attempt, document)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_id, attempt) DO NOTHING`,
		sessionID, attempt, string(empty),
	); err != nil {
		return nil, fmt.Errorf("seeding checkpoint: %w", err)
	}

	var raw []byte
	if err := tx.QueryRowContext(ctx,
		`SELECT document FROM artifact_checkpoints WHERE session_id = $1 AND attempt = $2 FOR UPDATE`,
		sessionID, attempt,
	).Scan(&raw); err != nil {
		return nil, fmt.Errorf("locking checkpoint: %w", err)
	}
	var doc types.Artifacts
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshalling checkpoint: %w", err)
	}
	if err := Apply(&doc, p, s.now()); err != nil {
		return nil, err
	}
	updated, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshalling checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE artifact_checkpoints SET document = $1, updated_at = NOW()
		 WHERE session_id = $2 AND attempt = $3`,
		string(updated), sessionID, attempt,
	); err != nil {
		return nil, fmt.Errorf("updating checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit checkpoint: %w", err)
	}
	return &doc, nil
}
