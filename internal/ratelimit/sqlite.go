package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tokenmail/tokenmail/internal/krypto"
)

// SQLite is a limiter backed by the rate_limits table.
//
// Keys frequently contain email addresses, so only a keyed digest of the
// key is persisted. Atomicity comes from the database setup: all writes
// go through a single connection and immediate transactions, so the
// read-modify-write below cannot interleave with another instance of
// itself.
type SQLite struct {
	db       *sql.DB
	indexKey krypto.Key

	// NowFunc is used to get the current time.
	// Exposed for testing purposes.
	NowFunc func() time.Time
}

// NewSQLite creates a limiter on top of the write database.
func NewSQLite(db *sql.DB, indexKey krypto.Key) *SQLite {
	return &SQLite{
		db:       db,
		indexKey: indexKey,
		NowFunc:  time.Now,
	}
}

func (l *SQLite) CheckAndConsume(ctx context.Context, key string, maxRequests int, window time.Duration) (Result, error) {
	digest, err := krypto.KeyedDigest([]byte(key), l.indexKey)
	if err != nil {
		return Result{}, err
	}

	now := l.NowFunc().UTC()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	res, err := l.checkAndConsumeTx(tx, digest, maxRequests, window, now)
	if err != nil {
		rbErr := tx.Rollback()
		if rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return res, nil
}

func (l *SQLite) checkAndConsumeTx(tx *sql.Tx, digest string, maxRequests int, window time.Duration, now time.Time) (Result, error) {
	var (
		count       int
		windowStart time.Time
	)

	err := tx.QueryRow(
		`SELECT count, window_start FROM rate_limits WHERE key = ?`, digest,
	).Scan(&count, &windowStart)

	fresh := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		fresh = true
	case err != nil:
		return Result{}, err
	default:
		fresh = !now.Before(windowStart.Add(window))
	}

	if fresh {
		_, err = tx.Exec(`INSERT INTO rate_limits (key, count, window_start, updated_at)
			VALUES (?, 1, ?, ?)
			ON CONFLICT (key) DO UPDATE SET count = 1, window_start = excluded.window_start, updated_at = excluded.updated_at`,
			digest, now, now,
		)
		if err != nil {
			return Result{}, err
		}

		return Result{
			Allowed:   true,
			Remaining: maxRequests - 1,
			ResetAt:   now.Add(window),
		}, nil
	}

	// Denied requests are recorded as well, the count reflects every
	// attempt in the window.
	_, err = tx.Exec(`UPDATE rate_limits SET count = count + 1, updated_at = ? WHERE key = ?`, now, digest)
	if err != nil {
		return Result{}, err
	}

	resetAt := windowStart.Add(window)
	if count >= maxRequests {
		return Result{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   resetAt,
		}, nil
	}

	return Result{
		Allowed:   true,
		Remaining: maxRequests - (count + 1),
		ResetAt:   resetAt,
	}, nil
}
