// Copyright 2024-2026 Aiku AI

// Package history archives correlation records in SQLite so that edit and
// delete propagation survive a restart.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aiku/qqbridge/pkg/correlate"
)

const schema = `
CREATE TABLE IF NOT EXISTS correlations (
	correlation_id   TEXT PRIMARY KEY,
	origin           TEXT NOT NULL,
	conversation_key TEXT NOT NULL,
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS correlations_created_at ON correlations (created_at);
CREATE TABLE IF NOT EXISTS platform_ids (
	correlation_id TEXT NOT NULL,
	adapter        TEXT NOT NULL,
	message_id     TEXT NOT NULL,
	PRIMARY KEY (correlation_id, adapter)
);
`

// Store is a [correlate.Archive] backed by a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serialises writers and keeps PRAGMAs in effect.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create history schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveRecord(ctx context.Context, rec correlate.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO correlations (correlation_id, origin, conversation_key, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO NOTHING
	`, rec.CorrelationID, rec.Origin, rec.ConversationKey, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save correlation %s: %w", rec.CorrelationID, err)
	}
	for adapter, id := range rec.PlatformIDs {
		if err := upsertResult(ctx, tx, rec.CorrelationID, adapter, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) SaveResult(ctx context.Context, correlationID, adapter, platformID string) error {
	return upsertResult(ctx, s.db, correlationID, adapter, platformID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertResult(ctx context.Context, db execer, correlationID, adapter, platformID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO platform_ids (correlation_id, adapter, message_id) VALUES (?, ?, ?)
		ON CONFLICT(correlation_id, adapter) DO UPDATE SET message_id = excluded.message_id
	`, correlationID, adapter, platformID)
	if err != nil {
		return fmt.Errorf("failed to save %s id for %s: %w", adapter, correlationID, err)
	}
	return nil
}

// LoadRecent returns up to limit records created at or after since, oldest
// first.
func (s *Store) LoadRecent(ctx context.Context, since time.Time, limit int) ([]correlate.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, origin, conversation_key, created_at FROM (
			SELECT * FROM correlations WHERE created_at >= ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC
	`, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list correlations: %w", err)
	}
	defer rows.Close()

	var recs []correlate.Record
	index := make(map[string]int)
	for rows.Next() {
		var (
			rec     correlate.Record
			created int64
		)
		if err := rows.Scan(&rec.CorrelationID, &rec.Origin, &rec.ConversationKey, &created); err != nil {
			return nil, fmt.Errorf("failed to scan correlation row: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(created)
		rec.PlatformIDs = make(map[string]string)
		index[rec.CorrelationID] = len(recs)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate correlation rows: %w", err)
	}
	_ = rows.Close()
	if len(recs) == 0 {
		return nil, nil
	}

	idRows, err := s.db.QueryContext(ctx, `
		SELECT p.correlation_id, p.adapter, p.message_id
		FROM platform_ids p JOIN correlations c ON c.correlation_id = p.correlation_id
		WHERE c.created_at >= ?
	`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list platform ids: %w", err)
	}
	defer idRows.Close()
	for idRows.Next() {
		var correlationID, adapter, messageID string
		if err := idRows.Scan(&correlationID, &adapter, &messageID); err != nil {
			return nil, fmt.Errorf("failed to scan platform id row: %w", err)
		}
		if i, ok := index[correlationID]; ok {
			recs[i].PlatformIDs[adapter] = messageID
		}
	}
	if err := idRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate platform id rows: %w", err)
	}
	return recs, nil
}

// Prune deletes records created before the cutoff and returns how many
// correlations were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := before.UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM platform_ids WHERE correlation_id IN (
			SELECT correlation_id FROM correlations WHERE created_at < ?
		)
	`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to prune platform ids: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM correlations WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune correlations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}

var _ correlate.Archive = (*Store)(nil)
