package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLedger is a file-backed event ledger for deployments without Postgres.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLiteLedger opens or creates the ledger at path.
// An empty path defaults to $TMPDIR/sentinel-oracle/ledger.db.
func OpenSQLiteLedger(path string) (*SQLiteLedger, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "sentinel-oracle", "ledger.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	l := &SQLiteLedger{db: db}
	if err := l.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger tables: %w", err)
	}
	return l, nil
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processed_events (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			asset_id      TEXT NOT NULL,
			tx_hash       TEXT NOT NULL,
			block_number  INTEGER NOT NULL,
			processed_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
			stream      TEXT PRIMARY KEY,
			block       INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Seen reports whether an event id was already handled.
func (l *SQLiteLedger) Seen(ctx context.Context, id string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT 1 FROM processed_events WHERE id = ?`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return true, nil
}

// MarkProcessed records ev as handled.
func (l *SQLiteLedger) MarkProcessed(ctx context.Context, ev ProcessedEvent) error {
	processedAt := ev.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_events
			(id, name, asset_id, tx_hash, block_number, processed_at)
		VALUES (?,?,?,?,?,?)`,
		ev.ID, ev.Name, ev.AssetID, ev.TxHash, int64(ev.BlockNumber), processedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// Cursor returns the last fully processed block of stream.
func (l *SQLiteLedger) Cursor(ctx context.Context, stream string) (uint64, bool, error) {
	var block int64
	err := l.db.QueryRowContext(ctx, `SELECT block FROM event_cursors WHERE stream = ?`, stream).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get event cursor: %w", err)
	}
	return uint64(block), true, nil
}

// SetCursor advances the cursor of stream; it never moves backwards.
func (l *SQLiteLedger) SetCursor(ctx context.Context, stream string, block uint64) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO event_cursors (stream, block, updated_at) VALUES (?,?,?)
		ON CONFLICT(stream) DO UPDATE SET
			block = MAX(event_cursors.block, excluded.block),
			updated_at = excluded.updated_at`,
		stream, int64(block), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("set event cursor: %w", err)
	}
	return nil
}
