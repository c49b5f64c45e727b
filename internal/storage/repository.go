package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"sentinel-oracle/internal/domain"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertAttemptSQL = `INSERT INTO update_attempts (
        id,
        asset,
        asset_id,
        price,
        confidence,
        source,
        anomalous,
        z_score,
        pct_change,
        reason,
        outcome,
        tx_hash,
        retry_count,
        error,
        started_at,
        finished_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    )
    ON CONFLICT (id) DO NOTHING;`

	attemptColumns = `
        id,
        asset,
        asset_id,
        price::text,
        confidence::text,
        source,
        anomalous,
        z_score,
        pct_change,
        reason,
        outcome,
        tx_hash,
        retry_count,
        error,
        started_at,
        finished_at,
        created_at`

	listAttemptsBetweenSQL = `SELECT` + attemptColumns + `
    FROM update_attempts
    WHERE started_at >= $1
      AND started_at < $2
      AND ($3 = '' OR asset = $3)
    ORDER BY started_at;`

	listRecentAttemptsSQL = `SELECT` + attemptColumns + `
    FROM update_attempts
    WHERE ($2 = '' OR asset = $2)
    ORDER BY started_at DESC
    LIMIT $1;`

	countAttemptsSQL = `SELECT COUNT(*) FROM update_attempts;`

	deleteAttemptsBeforeSQL = `DELETE FROM update_attempts WHERE started_at < $1;`

	eventSeenSQL = `SELECT EXISTS (SELECT 1 FROM processed_events WHERE id = $1);`

	markEventSQL = `INSERT INTO processed_events (
        id,
        name,
        asset_id,
        tx_hash,
        block_number,
        processed_at
    ) VALUES ($1,$2,$3,$4,$5,$6)
    ON CONFLICT (id) DO NOTHING;`

	getCursorSQL = `SELECT block FROM event_cursors WHERE stream = $1;`

	setCursorSQL = `INSERT INTO event_cursors (stream, block, updated_at)
    VALUES ($1, $2, now())
    ON CONFLICT (stream) DO UPDATE
    SET block = GREATEST(event_cursors.block, EXCLUDED.block),
        updated_at = now();`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AttemptStore defines operations for the update attempt log.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, rec AttemptRecord) error
	ListAttemptsBetween(ctx context.Context, from, to time.Time, asset string) ([]AttemptRecord, error)
	ListRecentAttempts(ctx context.Context, limit int, asset string) ([]AttemptRecord, error)
	CountAttempts(ctx context.Context) (int64, error)
	DeleteAttemptsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to the attempt log and event ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Session locks die with the connection, so a failed unlock only
		// delays release until the pool recycles it.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// AssetLocks derives one advisory lock per asset from a base key.
type AssetLocks struct {
	locker AdvisoryLocker
	base   int64
}

// NewAssetLocks binds a locker to a base key.
func NewAssetLocks(locker AdvisoryLocker, base int64) *AssetLocks {
	return &AssetLocks{locker: locker, base: base}
}

// Key returns the lock key for asset.
func (l *AssetLocks) Key(asset domain.Asset) int64 {
	return l.base ^ int64(binary.BigEndian.Uint64(asset.ID[:8]))
}

// TryAssetLock takes the submission lock for asset.
func (l *AssetLocks) TryAssetLock(ctx context.Context, asset domain.Asset) (func(), bool, error) {
	return l.locker.TryAdvisoryLock(ctx, l.Key(asset))
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// RecordAttempt persists an update attempt. Re-recording the same id is a no-op.
func (s *Store) RecordAttempt(ctx context.Context, rec AttemptRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertAttemptSQL,
		rec.ID,
		rec.Asset,
		rec.AssetID,
		nullDecimalArg(rec.Price),
		nullDecimalArg(rec.Confidence),
		rec.Source,
		rec.Anomalous,
		rec.ZScore,
		rec.PctChange,
		rec.Reason,
		rec.Outcome,
		rec.TxHash,
		rec.RetryCount,
		rec.Error,
		rec.StartedAt,
		rec.FinishedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert update attempt: %w", execErr)
	}
	return nil
}

// ListAttemptsBetween lists attempts started within [from, to), optionally for one asset.
func (s *Store) ListAttemptsBetween(ctx context.Context, from, to time.Time, asset string) ([]AttemptRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAttemptsBetweenSQL, from, to, asset)
	if queryErr != nil {
		return nil, fmt.Errorf("list attempts between: %w", queryErr)
	}
	defer rows.Close()

	return collectAttempts(rows, 0)
}

// ListRecentAttempts lists the most recent attempts, newest first.
func (s *Store) ListRecentAttempts(ctx context.Context, limit int, asset string) ([]AttemptRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAttemptsSQL, limit, asset)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent attempts: %w", queryErr)
	}
	defer rows.Close()

	return collectAttempts(rows, limit)
}

// CountAttempts counts stored attempts.
func (s *Store) CountAttempts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAttemptsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count attempts: %w", scanErr)
	}
	return count, nil
}

// DeleteAttemptsBefore prunes old attempts and reports how many were removed.
func (s *Store) DeleteAttemptsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAttemptsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete attempts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// Seen reports whether an event id was already handled.
func (s *Store) Seen(ctx context.Context, id string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var seen bool
	if scanErr := pool.QueryRow(ctx, eventSeenSQL, id).Scan(&seen); scanErr != nil {
		return false, fmt.Errorf("check processed event: %w", scanErr)
	}
	return seen, nil
}

// MarkProcessed records ev as handled.
func (s *Store) MarkProcessed(ctx context.Context, ev ProcessedEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	processedAt := ev.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	if _, execErr := pool.Exec(ctx, markEventSQL, ev.ID, ev.Name, ev.AssetID, ev.TxHash, int64(ev.BlockNumber), processedAt); execErr != nil {
		return fmt.Errorf("mark event processed: %w", execErr)
	}
	return nil
}

// Cursor returns the last fully processed block of stream.
func (s *Store) Cursor(ctx context.Context, stream string) (uint64, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, false, err
	}
	var block int64
	if scanErr := pool.QueryRow(ctx, getCursorSQL, stream).Scan(&block); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get event cursor: %w", scanErr)
	}
	return uint64(block), true, nil
}

// SetCursor advances the cursor of stream; it never moves backwards.
func (s *Store) SetCursor(ctx context.Context, stream string, block uint64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setCursorSQL, stream, int64(block)); execErr != nil {
		return fmt.Errorf("set event cursor: %w", execErr)
	}
	return nil
}

func collectAttempts(rows pgx.Rows, capacity int) ([]AttemptRecord, error) {
	attempts := make([]AttemptRecord, 0, capacity)
	for rows.Next() {
		rec, scanErr := scanAttempt(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		attempts = append(attempts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return attempts, nil
}

func scanAttempt(rows pgx.Rows) (AttemptRecord, error) {
	var (
		rec        AttemptRecord
		price      sql.NullString
		confidence sql.NullString
		zScore     sql.NullFloat64
		pctChange  sql.NullFloat64
		txHash     sql.NullString
		errMsg     sql.NullString
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.Asset,
		&rec.AssetID,
		&price,
		&confidence,
		&rec.Source,
		&rec.Anomalous,
		&zScore,
		&pctChange,
		&rec.Reason,
		&rec.Outcome,
		&txHash,
		&rec.RetryCount,
		&errMsg,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.CreatedAt,
	); err != nil {
		return AttemptRecord{}, err
	}

	var err error
	if rec.Price, err = parseNullDecimal(price); err != nil {
		return AttemptRecord{}, fmt.Errorf("parse price: %w", err)
	}
	if rec.Confidence, err = parseNullDecimal(confidence); err != nil {
		return AttemptRecord{}, fmt.Errorf("parse confidence: %w", err)
	}
	if zScore.Valid {
		v := zScore.Float64
		rec.ZScore = &v
	}
	if pctChange.Valid {
		v := pctChange.Float64
		rec.PctChange = &v
	}
	if txHash.Valid {
		v := txHash.String
		rec.TxHash = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		rec.Error = &v
	}
	return rec, nil
}

func nullDecimalArg(d decimal.NullDecimal) interface{} {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseNullDecimal(s sql.NullString) (decimal.NullDecimal, error) {
	if !s.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

var (
	_ AttemptStore   = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
