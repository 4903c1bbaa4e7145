package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is a user's current spendable credit amount.
type Balance struct {
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Entry is one immutable, completed balance-affecting event.
// Delta is positive for credits and negative for debits; BalanceAfter is the
// running sum of deltas through this entry.
type Entry struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Delta        decimal.Decimal `json:"delta"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Reason       string          `json:"reason"`
	ActorRole    Role            `json:"actor_role"`
	RequestID    string          `json:"request_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// KeyStatus is the lifecycle state of an idempotency record.
type KeyStatus string

const (
	KeyProcessing KeyStatus = "processing"
	KeyCompleted  KeyStatus = "completed"
	KeyFailed     KeyStatus = "failed"
)

// IdempotencyRecord is the dedupe record for one caller-supplied key.
// A completed record's ResultRef resolves to exactly one Entry.
type IdempotencyRecord struct {
	Key       string
	Status    KeyStatus
	ResultRef string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CreditRequest asks the coordinator to grant credits to a user.
type CreditRequest struct {
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"-"`
	ActorID        string          `json:"-"`
	ActorRole      Role            `json:"-"`
}

// DebitRequest asks the coordinator to consume credits from a user.
type DebitRequest struct {
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Purpose        string          `json:"purpose"`
	IdempotencyKey string          `json:"-"`
	ActorID        string          `json:"-"`
	ActorRole      Role            `json:"-"`
}

// MutationResult is the canonical response for a committed (or replayed)
// credit or debit.
type MutationResult struct {
	TransactionID string          `json:"transaction_id"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	RequestID     string          `json:"request_id,omitempty"`
	Replayed      bool            `json:"replayed,omitempty"`
}

// EventType identifies a post-commit domain event.
type EventType string

const (
	EventCreditCompleted EventType = "credits.credit.completed"
	EventDebitCompleted  EventType = "credits.debit.completed"
)

// Event is published after commit, best-effort, for downstream consumers.
type Event struct {
	Type         EventType       `json:"type"`
	EntryID      string          `json:"entry_id"`
	UserID       string          `json:"user_id"`
	Delta        decimal.Decimal `json:"delta"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	RequestID    string          `json:"request_id,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}
