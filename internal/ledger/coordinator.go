// Package ledger holds the transaction coordinator: the only component with
// business rules. Credit, Debit and GetBalance compose the idempotency
// registry, the balance row lock and the append-only ledger inside a single
// transaction, so no partial state is ever observable.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Jaymayes/scholarship-credits/internal/authz"
	"github.com/Jaymayes/scholarship-credits/internal/domain"
	"github.com/Jaymayes/scholarship-credits/internal/requestid"
)

// EventPublisher receives post-commit notifications. Publish failures are
// logged and swallowed; they never roll back a committed transaction.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// BalanceCache is a read-side accelerator for GetBalance. It is never
// authoritative: writers invalidate, readers fall through to the store on
// miss.
type BalanceCache interface {
	Get(ctx context.Context, userID string) (domain.Balance, bool)
	Set(ctx context.Context, b domain.Balance)
	Invalidate(ctx context.Context, userID string)
}

// Options tunes the coordinator's retry and idempotency behavior.
type Options struct {
	// MaxAttempts bounds transaction attempts for transient failures.
	MaxAttempts int
	// BackoffMin/BackoffMax bound the jittered exponential backoff between
	// attempts.
	BackoffMin time.Duration
	BackoffMax time.Duration
	// ProcessingLease is how long a processing idempotency record blocks
	// re-claims. Past the lease the original holder is presumed crashed and
	// exactly one retrier takes the claim over.
	ProcessingLease time.Duration
	// KeyTTL is how long completed/failed records are kept for replay before
	// the external sweeper may collect them.
	KeyTTL time.Duration
	// ConflictRetryHint is the delay suggested to callers on CONFLICT.
	ConflictRetryHint time.Duration
}

func (o *Options) withDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 25 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 500 * time.Millisecond
	}
	if o.ProcessingLease <= 0 {
		o.ProcessingLease = 30 * time.Second
	}
	if o.KeyTTL <= 0 {
		o.KeyTTL = 24 * time.Hour
	}
	if o.ConflictRetryHint <= 0 {
		o.ConflictRetryHint = time.Second
	}
}

// Coordinator orchestrates ledger operations over a Store.
type Coordinator struct {
	store  Store
	gate   authz.Gate
	events EventPublisher
	cache  BalanceCache
	logger zerolog.Logger
	opts   Options
	now    func() time.Time
	newID  func() string
}

func NewCoordinator(store Store, gate authz.Gate, events EventPublisher, cache BalanceCache, logger zerolog.Logger, opts Options) *Coordinator {
	opts.withDefaults()
	return &Coordinator{
		store:  store,
		gate:   gate,
		events: events,
		cache:  cache,
		logger: logger,
		opts:   opts,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Credit grants amount to the user's balance, creating it on first use.
func (c *Coordinator) Credit(ctx context.Context, req domain.CreditRequest) (*domain.MutationResult, error) {
	reqID := requestid.FromContext(ctx)

	if err := validateMutation(req.UserID, req.Amount, req.IdempotencyKey); err != nil {
		return nil, fail(err, reqID)
	}
	if err := c.gate.Authorize(req.ActorRole, domain.OpCredit, req.ActorID, req.UserID); err != nil {
		return nil, fail(err, reqID)
	}

	res, err := c.mutate(ctx, mutation{
		userID:    req.UserID,
		delta:     req.Amount,
		reason:    req.Reason,
		key:       req.IdempotencyKey,
		actorRole: req.ActorRole,
		event:     domain.EventCreditCompleted,
	})
	if err != nil {
		return nil, fail(err, reqID)
	}

	c.logger.Info().
		Str("request_id", reqID).
		Str("user_id", req.UserID).
		Str("transaction_id", res.TransactionID).
		Str("amount", req.Amount.String()).
		Bool("replayed", res.Replayed).
		Msg("credit completed")
	return res, nil
}

// Debit consumes amount from the user's balance. The sufficiency check runs
// under the row lock, so concurrent debits cannot race past it.
func (c *Coordinator) Debit(ctx context.Context, req domain.DebitRequest) (*domain.MutationResult, error) {
	reqID := requestid.FromContext(ctx)

	if err := validateMutation(req.UserID, req.Amount, req.IdempotencyKey); err != nil {
		return nil, fail(err, reqID)
	}
	if err := c.gate.Authorize(req.ActorRole, domain.OpDebit, req.ActorID, req.UserID); err != nil {
		return nil, fail(err, reqID)
	}

	res, err := c.mutate(ctx, mutation{
		userID:    req.UserID,
		delta:     req.Amount.Neg(),
		reason:    req.Purpose,
		key:       req.IdempotencyKey,
		actorRole: req.ActorRole,
		event:     domain.EventDebitCompleted,
	})
	if err != nil {
		return nil, fail(err, reqID)
	}

	c.logger.Info().
		Str("request_id", reqID).
		Str("user_id", req.UserID).
		Str("transaction_id", res.TransactionID).
		Str("amount", req.Amount.String()).
		Bool("replayed", res.Replayed).
		Msg("debit completed")
	return res, nil
}

// GetBalance returns the user's current balance via an unlocked read.
func (c *Coordinator) GetBalance(ctx context.Context, userID, actorID string, role domain.Role) (*domain.Balance, error) {
	reqID := requestid.FromContext(ctx)

	if userID == "" {
		return nil, fail(domain.Validationf("user_id is required"), reqID)
	}
	if err := c.gate.Authorize(role, domain.OpGetBalance, actorID, userID); err != nil {
		return nil, fail(err, reqID)
	}

	if c.cache != nil {
		if b, ok := c.cache.Get(ctx, userID); ok {
			return &b, nil
		}
	}

	b, err := c.store.ReadBalance(ctx, userID)
	if err != nil {
		return nil, fail(domain.Internal(err), reqID)
	}
	if c.cache != nil {
		c.cache.Set(ctx, b)
	}
	return &b, nil
}

// ListEntries returns the user's ledger history, oldest first. Audit path
// only; the mutation path never reads it.
func (c *Coordinator) ListEntries(ctx context.Context, userID, actorID string, role domain.Role, q EntryQuery) ([]domain.Entry, error) {
	reqID := requestid.FromContext(ctx)

	if userID == "" {
		return nil, fail(domain.Validationf("user_id is required"), reqID)
	}
	if err := c.gate.Authorize(role, domain.OpListLedger, actorID, userID); err != nil {
		return nil, fail(err, reqID)
	}

	entries, err := c.store.ListEntries(ctx, userID, q)
	if err != nil {
		return nil, fail(domain.Internal(err), reqID)
	}
	return entries, nil
}

type mutation struct {
	userID    string
	delta     decimal.Decimal
	reason    string
	key       string
	actorRole domain.Role
	event     domain.EventType
}

// mutate runs one credit/debit attempt loop: transient storage failures are
// retried with jittered exponential backoff up to MaxAttempts; everything
// else surfaces immediately.
func (c *Coordinator) mutate(ctx context.Context, m mutation) (*domain.MutationResult, error) {
	bo := &backoff.Backoff{
		Min:    c.opts.BackoffMin,
		Max:    c.opts.BackoffMax,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		res, err := c.attempt(ctx, m)
		if err == nil {
			c.afterCommit(ctx, m, res)
			return res, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err

		c.logger.Warn().
			Err(err).
			Str("user_id", m.userID).
			Int("attempt", attempt).
			Msg("transient storage failure, retrying")

		select {
		case <-time.After(bo.Duration()):
		case <-ctx.Done():
			return nil, domain.Internal(ctx.Err())
		}
	}
	return nil, domain.Internal(lastErr)
}

// errReplay aborts the transaction when the key already completed; the cached
// result is resolved outside the (read-only so far) transaction.
var errReplay = errors.New("idempotent replay")

func (c *Coordinator) attempt(ctx context.Context, m mutation) (*domain.MutationResult, error) {
	var (
		result   *domain.MutationResult
		bizErr   error
		replayed domain.IdempotencyRecord
	)

	err := c.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		claim, err := tx.ClaimKey(ctx, m.key, c.opts.ProcessingLease, c.opts.KeyTTL)
		if err != nil {
			return err
		}
		if claim.Outcome == Exists {
			switch claim.Record.Status {
			case domain.KeyCompleted:
				replayed = claim.Record
				return errReplay
			case domain.KeyProcessing:
				bizErr = domain.Conflictf(c.opts.ConflictRetryHint,
					"request with this idempotency key is in flight")
				return bizErr
			default:
				// Failed records are taken over inside ClaimKey; reaching
				// here means the store broke that contract.
				return errors.New("unreclaimed failed idempotency record")
			}
		}

		bal, err := tx.LockBalance(ctx, m.userID)
		if err != nil {
			return err
		}

		newAmount := bal.Amount.Add(m.delta)
		if newAmount.IsNegative() {
			// Record the failed attempt durably but leave balance and ledger
			// untouched: commit only the key transition.
			if err := tx.FailKey(ctx, m.key); err != nil {
				return err
			}
			bizErr = domain.InsufficientFunds(bal.Amount, newAmount.Neg())
			return nil
		}

		now := c.now().UTC()
		entry := domain.Entry{
			ID:           c.newID(),
			UserID:       m.userID,
			Delta:        m.delta,
			BalanceAfter: newAmount,
			Reason:       m.reason,
			ActorRole:    m.actorRole,
			RequestID:    requestid.FromContext(ctx),
			CreatedAt:    now,
		}

		if err := tx.WriteBalance(ctx, m.userID, newAmount, now); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		if err := tx.CompleteKey(ctx, m.key, entry.ID); err != nil {
			return err
		}

		result = &domain.MutationResult{
			TransactionID: entry.ID,
			NewBalance:    entry.BalanceAfter,
			RequestID:     requestid.FromContext(ctx),
		}
		return nil
	})

	switch {
	case errors.Is(err, errReplay):
		return c.replayResult(ctx, replayed)
	case err != nil:
		if domain.IsCode(err, domain.CodeConflict) {
			return nil, err
		}
		if IsTransient(err) {
			return nil, err
		}
		return nil, domain.Internal(err)
	case bizErr != nil:
		return nil, bizErr
	default:
		return result, nil
	}
}

// replayResult reconstructs the original response from the entry a completed
// idempotency record points at; the caller gets it verbatim.
func (c *Coordinator) replayResult(ctx context.Context, rec domain.IdempotencyRecord) (*domain.MutationResult, error) {
	entry, err := c.store.EntryByID(ctx, rec.ResultRef)
	if err != nil {
		return nil, domain.Internal(err)
	}
	return &domain.MutationResult{
		TransactionID: entry.ID,
		NewBalance:    entry.BalanceAfter,
		RequestID:     requestid.FromContext(ctx),
		Replayed:      true,
	}, nil
}

func (c *Coordinator) afterCommit(ctx context.Context, m mutation, res *domain.MutationResult) {
	if c.cache != nil {
		c.cache.Invalidate(ctx, m.userID)
	}
	if c.events == nil || res.Replayed {
		return
	}
	ev := domain.Event{
		Type:         m.event,
		EntryID:      res.TransactionID,
		UserID:       m.userID,
		Delta:        m.delta,
		BalanceAfter: res.NewBalance,
		RequestID:    requestid.FromContext(ctx),
		OccurredAt:   c.now().UTC(),
	}
	if err := c.events.Publish(ctx, ev); err != nil {
		c.logger.Warn().
			Err(err).
			Str("user_id", m.userID).
			Str("entry_id", res.TransactionID).
			Msg("event publish failed after commit")
	}
}

func validateMutation(userID string, amount decimal.Decimal, key string) error {
	if userID == "" {
		return domain.Validationf("user_id is required")
	}
	if key == "" {
		return domain.Validationf("idempotency key is required")
	}
	if !amount.IsPositive() {
		return domain.Validationf("amount must be positive, got %s", amount)
	}
	return nil
}

// fail stamps the request id onto domain errors on the way out.
func fail(err error, reqID string) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.WithRequestID(reqID)
	}
	return domain.Internal(err).WithRequestID(reqID)
}
