package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Jaymayes/scholarship-credits/internal/domain"
)

// ClaimOutcome is the result of an idempotency claim attempt.
type ClaimOutcome int

const (
	// Claimed means this caller owns the key and must complete or fail it.
	Claimed ClaimOutcome = iota
	// Exists means another call already holds the key; Record says in what
	// state.
	Exists
)

// ClaimResult is the tagged result of Tx.ClaimKey. Claim is a single atomic
// insert-if-absent: under concurrent identical keys exactly one caller
// observes Claimed.
type ClaimResult struct {
	Outcome ClaimOutcome
	Record  domain.IdempotencyRecord
}

// Tx is the unit-of-work handed to the coordinator. Every method operates
// inside one ACID transaction; nothing becomes visible until the enclosing
// WithinTx commits.
type Tx interface {
	// ClaimKey atomically inserts a processing record for key. If a record
	// already exists it is returned; a processing record older than lease,
	// or a failed record, is taken over instead (the takeover is atomic, so
	// exactly one concurrent re-claimer wins).
	ClaimKey(ctx context.Context, key string, lease, ttl time.Duration) (ClaimResult, error)
	// CompleteKey transitions the claimed key to completed with the entry id
	// that holds its result.
	CompleteKey(ctx context.Context, key, resultRef string) error
	// FailKey transitions the claimed key to failed.
	FailKey(ctx context.Context, key string) error

	// LockBalance acquires the exclusive row lock for userID, creating the
	// row with amount 0 when absent. Holders of locks on other users are
	// never blocked.
	LockBalance(ctx context.Context, userID string) (domain.Balance, error)
	// WriteBalance must only be called while holding the lock from
	// LockBalance in this transaction.
	WriteBalance(ctx context.Context, userID string, amount decimal.Decimal, at time.Time) error

	// AppendEntry inserts an immutable ledger entry.
	AppendEntry(ctx context.Context, e domain.Entry) error
}

// EntryQuery bounds a ledger listing.
type EntryQuery struct {
	From  time.Time
	To    time.Time
	Limit int
}

// Store is the durable backend. The Postgres implementation lives in
// internal/store; internal/store/memory mirrors its semantics for tests.
type Store interface {
	// WithinTx runs fn inside one transaction. A nil return commits;
	// any error rolls back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ReadBalance is the unlocked point-in-time read. Absent users read as
	// a zero balance.
	ReadBalance(ctx context.Context, userID string) (domain.Balance, error)
	// EntryByID resolves a completed idempotency record to its entry.
	EntryByID(ctx context.Context, id string) (domain.Entry, error)
	// ListEntries returns a user's entries ordered by created_at ascending.
	ListEntries(ctx context.Context, userID string, q EntryQuery) ([]domain.Entry, error)
}

// TransientError wraps infrastructure failures that are safe to retry with
// the same idempotency key: lock-wait timeouts, serialization failures,
// deadlocks. The store classifies; the coordinator retries.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient storage error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable storage trouble.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ErrEntryNotFound is returned by EntryByID for unknown ids. A completed
// idempotency record pointing at a missing entry indicates corruption.
var ErrEntryNotFound = errors.New("ledger entry not found")
