// Package store implements the durable side of the ledger on Postgres:
// the balances row-lock store, the append-only ledger_entries log and the
// idempotency_keys registry, all written inside one transaction per
// mutating call.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Jaymayes/scholarship-credits/internal/domain"
	"github.com/Jaymayes/scholarship-credits/internal/ledger"
)

// Options bounds how long a transaction may wait on a peer's row lock or run
// a statement. Both are applied with SET LOCAL so a stalled transaction
// cannot stall its lockers indefinitely.
type Options struct {
	LockTimeout      time.Duration
	StatementTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 3 * time.Second
	}
	if o.StatementTimeout <= 0 {
		o.StatementTimeout = 10 * time.Second
	}
}

type Postgres struct {
	pool *pgxpool.Pool
	opts Options
}

func NewPostgres(ctx context.Context, connString string, opts Options) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	opts.withDefaults()
	return &Postgres{pool: pool, opts: opts}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

// Migrate creates the three ledger tables. The expires_at index exists for
// the platform's external TTL sweeper; the core never deletes keys itself.
func (p *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS balances (
			user_id    TEXT PRIMARY KEY,
			amount     NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (amount >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id            UUID PRIMARY KEY,
			user_id       TEXT NOT NULL,
			delta         NUMERIC(20,2) NOT NULL,
			balance_after NUMERIC(20,2) NOT NULL,
			reason        TEXT NOT NULL DEFAULT '',
			actor_role    TEXT NOT NULL,
			request_id    TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_created
			ON ledger_entries (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key        TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			result_ref UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_keys_expires
			ON idempotency_keys (expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// WithinTx runs fn in one transaction with the configured lock and statement
// timeouts applied. Lock-wait timeouts, serialization failures and deadlocks
// come back wrapped as ledger.TransientError for the coordinator to retry.
func (p *Postgres) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(fmt.Errorf("tx begin failed: %w", err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.opts.LockTimeout.Milliseconds())); err != nil {
		return classify(fmt.Errorf("setting lock_timeout failed: %w", err))
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", p.opts.StatementTimeout.Milliseconds())); err != nil {
		return classify(fmt.Errorf("setting statement_timeout failed: %w", err))
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("tx commit failed: %w", err))
	}
	return nil
}

func (p *Postgres) ReadBalance(ctx context.Context, userID string) (domain.Balance, error) {
	b := domain.Balance{UserID: userID, Amount: decimal.Zero}
	err := p.pool.QueryRow(ctx,
		"SELECT amount, updated_at FROM balances WHERE user_id = $1",
		userID,
	).Scan(&b.Amount, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Rows are created on first credit only; absent reads as zero.
		return b, nil
	}
	if err != nil {
		return domain.Balance{}, fmt.Errorf("balance read failed: %w", err)
	}
	return b, nil
}

func (p *Postgres) EntryByID(ctx context.Context, id string) (domain.Entry, error) {
	var e domain.Entry
	err := p.pool.QueryRow(ctx,
		`SELECT id, user_id, delta, balance_after, reason, actor_role, request_id, created_at
		 FROM ledger_entries WHERE id = $1`,
		id,
	).Scan(&e.ID, &e.UserID, &e.Delta, &e.BalanceAfter, &e.Reason, &e.ActorRole, &e.RequestID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Entry{}, ledger.ErrEntryNotFound
	}
	if err != nil {
		return domain.Entry{}, fmt.Errorf("entry lookup failed: %w", err)
	}
	return e, nil
}

func (p *Postgres) ListEntries(ctx context.Context, userID string, q ledger.EntryQuery) ([]domain.Entry, error) {
	query := `SELECT id, user_id, delta, balance_after, reason, actor_role, request_id, created_at
		FROM ledger_entries WHERE user_id = $1`
	args := []any{userID}
	if !q.From.IsZero() {
		args = append(args, q.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	query += " ORDER BY created_at ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("entry listing failed: %w", err)
	}
	defer rows.Close()

	var entries []domain.Entry
	for rows.Next() {
		var e domain.Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.BalanceAfter, &e.Reason, &e.ActorRole, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("entry scan failed: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ ledger.Store = (*Postgres)(nil)

// pgTx adapts a pgx transaction to the coordinator's unit-of-work contract.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ClaimKey(ctx context.Context, key string, lease, ttl time.Duration) (ledger.ClaimResult, error) {
	expires := time.Now().UTC().Add(ttl)

	ct, err := t.tx.Exec(ctx,
		`INSERT INTO idempotency_keys (key, status, created_at, expires_at)
		 VALUES ($1, 'processing', now(), $2)
		 ON CONFLICT (key) DO NOTHING`,
		key, expires,
	)
	if err != nil {
		return ledger.ClaimResult{}, fmt.Errorf("key claim failed: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return ledger.ClaimResult{Outcome: ledger.Claimed}, nil
	}

	rec, err := t.readKey(ctx, key)
	if err != nil {
		return ledger.ClaimResult{}, err
	}

	switch rec.Status {
	case domain.KeyFailed:
		// Failed attempts may retry under the same key; the conditional
		// update makes exactly one concurrent re-claimer win.
		taken, err := t.takeOver(ctx, key, expires, "status = 'failed'")
		if err != nil {
			return ledger.ClaimResult{}, err
		}
		if taken {
			return ledger.ClaimResult{Outcome: ledger.Claimed}, nil
		}
	case domain.KeyProcessing:
		// A processing record past its lease belongs to a presumed-dead
		// holder and is safe to take over.
		staleBefore := time.Now().UTC().Add(-lease)
		taken, err := t.takeOver(ctx, key, expires, "status = 'processing' AND created_at < $3", staleBefore)
		if err != nil {
			return ledger.ClaimResult{}, err
		}
		if taken {
			return ledger.ClaimResult{Outcome: ledger.Claimed}, nil
		}
	}

	// Lost the race or the record is live; report what is there now.
	rec, err = t.readKey(ctx, key)
	if err != nil {
		return ledger.ClaimResult{}, err
	}
	return ledger.ClaimResult{Outcome: ledger.Exists, Record: rec}, nil
}

func (t *pgTx) takeOver(ctx context.Context, key string, expires time.Time, cond string, extra ...any) (bool, error) {
	args := append([]any{key, expires}, extra...)
	ct, err := t.tx.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'processing', result_ref = NULL, created_at = now(), expires_at = $2
		 WHERE key = $1 AND `+cond,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("key takeover failed: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) readKey(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	var (
		rec       domain.IdempotencyRecord
		resultRef *string
	)
	err := t.tx.QueryRow(ctx,
		"SELECT key, status, result_ref, created_at, expires_at FROM idempotency_keys WHERE key = $1",
		key,
	).Scan(&rec.Key, &rec.Status, &resultRef, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("key read failed: %w", err)
	}
	if resultRef != nil {
		rec.ResultRef = *resultRef
	}
	return rec, nil
}

func (t *pgTx) CompleteKey(ctx context.Context, key, resultRef string) error {
	ct, err := t.tx.Exec(ctx,
		"UPDATE idempotency_keys SET status = 'completed', result_ref = $2 WHERE key = $1 AND status = 'processing'",
		key, resultRef,
	)
	if err != nil {
		return fmt.Errorf("key completion failed: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("key %q not in processing state at completion", key)
	}
	return nil
}

func (t *pgTx) FailKey(ctx context.Context, key string) error {
	ct, err := t.tx.Exec(ctx,
		"UPDATE idempotency_keys SET status = 'failed' WHERE key = $1 AND status = 'processing'",
		key,
	)
	if err != nil {
		return fmt.Errorf("key fail transition failed: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("key %q not in processing state at failure", key)
	}
	return nil
}

func (t *pgTx) LockBalance(ctx context.Context, userID string) (domain.Balance, error) {
	// Upsert-then-lock so first-credit users get their zero row created
	// inside the same transaction that mutates it.
	if _, err := t.tx.Exec(ctx,
		"INSERT INTO balances (user_id, amount) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING",
		userID,
	); err != nil {
		return domain.Balance{}, fmt.Errorf("balance upsert failed: %w", err)
	}

	var b domain.Balance
	err := t.tx.QueryRow(ctx,
		"SELECT user_id, amount, updated_at FROM balances WHERE user_id = $1 FOR UPDATE",
		userID,
	).Scan(&b.UserID, &b.Amount, &b.UpdatedAt)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("lock acquisition failed: %w", err)
	}
	return b, nil
}

func (t *pgTx) WriteBalance(ctx context.Context, userID string, amount decimal.Decimal, at time.Time) error {
	ct, err := t.tx.Exec(ctx,
		"UPDATE balances SET amount = $2, updated_at = $3 WHERE user_id = $1",
		userID, amount, at,
	)
	if err != nil {
		return fmt.Errorf("balance write failed: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("balance row for %q missing at write", userID)
	}
	return nil
}

func (t *pgTx) AppendEntry(ctx context.Context, e domain.Entry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, delta, balance_after, reason, actor_role, request_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.UserID, e.Delta, e.BalanceAfter, e.Reason, string(e.ActorRole), e.RequestID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("ledger append failed: %w", err)
	}
	return nil
}

var _ ledger.Tx = (*pgTx)(nil)

// SQLSTATEs where the transaction lost a race it can safely re-run:
// serialization_failure, deadlock_detected, lock_not_available.
var transientCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && transientCodes[pgErr.Code] {
		return &ledger.TransientError{Err: err}
	}
	return err
}
