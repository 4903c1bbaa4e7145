package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jaymayes/scholarship-credits/internal/authz"
	"github.com/Jaymayes/scholarship-credits/internal/domain"
	"github.com/Jaymayes/scholarship-credits/internal/ledger"
	"github.com/Jaymayes/scholarship-credits/internal/requestid"
	"github.com/Jaymayes/scholarship-credits/internal/store/memory"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *capturingPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturingPublisher) all() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Event(nil), p.events...)
}

type fakeCache struct {
	mu       sync.Mutex
	balances map[string]domain.Balance
	hits     int
	drops    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{balances: make(map[string]domain.Balance)}
}

func (c *fakeCache) Get(_ context.Context, userID string) (domain.Balance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.balances[userID]
	if ok {
		c.hits++
	}
	return b, ok
}

func (c *fakeCache) Set(_ context.Context, b domain.Balance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[b.UserID] = b
}

func (c *fakeCache) Invalidate(_ context.Context, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.balances, userID)
	c.drops++
}

func newTestCoordinator(t *testing.T, st *memory.Memory) (*ledger.Coordinator, *capturingPublisher, *fakeCache) {
	t.Helper()
	pub := &capturingPublisher{}
	cache := newFakeCache()
	c := ledger.NewCoordinator(st, authz.NewTableGate(), pub, cache, zerolog.Nop(), ledger.Options{
		MaxAttempts:     3,
		BackoffMin:      time.Millisecond,
		BackoffMax:      5 * time.Millisecond,
		ProcessingLease: time.Minute,
		KeyTTL:          time.Hour,
	})
	return c, pub, cache
}

func credit(t *testing.T, c *ledger.Coordinator, user, amount, key string) *domain.MutationResult {
	t.Helper()
	res, err := c.Credit(context.Background(), domain.CreditRequest{
		UserID:         user,
		Amount:         decimal.RequireFromString(amount),
		Reason:         "grant",
		IdempotencyKey: key,
		ActorRole:      domain.RoleAdmin,
	})
	require.NoError(t, err)
	return res
}

func TestCreditCreatesBalanceOnFirstUse(t *testing.T) {
	st := memory.New()
	c, pub, _ := newTestCoordinator(t, st)

	res := credit(t, c, "alice", "100", "k1")
	assert.NotEmpty(t, res.TransactionID)
	assert.True(t, res.NewBalance.Equal(decimal.NewFromInt(100)))
	assert.False(t, res.Replayed)

	b, err := c.GetBalance(context.Background(), "alice", "", domain.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(decimal.NewFromInt(100)))

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventCreditCompleted, events[0].Type)
	assert.Equal(t, res.TransactionID, events[0].EntryID)
}

func TestGetBalanceUnknownUserIsZero(t *testing.T) {
	st := memory.New()
	c, _, _ := newTestCoordinator(t, st)

	b, err := c.GetBalance(context.Background(), "nobody", "", domain.RoleSystem)
	require.NoError(t, err)
	assert.True(t, b.Amount.IsZero())
}

func TestIdempotentReplaySequential(t *testing.T) {
	st := memory.New()
	c, pub, _ := newTestCoordinator(t, st)

	first := credit(t, c, "alice", "100", "k1")
	second := credit(t, c, "alice", "100", "k1")

	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, second.Replayed)
	assert.True(t, second.NewBalance.Equal(first.NewBalance))

	// Balance went up exactly once, one entry exists, one event published.
	b, err := c.GetBalance(context.Background(), "alice", "", domain.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, st.EntryCount("alice"))
	assert.Len(t, pub.all(), 1)
}

func TestConcurrentIdempotentReplay(t *testing.T) {
	st := memory.New()
	c, _, _ := newTestCoordinator(t, st)

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
		txnIDs    = map[string]bool{}
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			res, err := c.Credit(context.Background(), domain.CreditRequest{
				UserID:         "alice",
				Amount:         decimal.NewFromInt(100),
				Reason:         "bonus",
				IdempotencyKey: "shared-key",
				ActorRole:      domain.RoleAdmin,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				require.True(t, domain.IsCode(err, domain.CodeConflict), "unexpected error: %v", err)
				conflicts++
				return
			}
			succeeded++
			txnIDs[res.TransactionID] = true
		}()
	}
	wg.Wait()

	// Exactly one mutation happened; every success saw the same transaction.
	assert.Equal(t, 1, st.EntryCount("alice"))
	assert.Len(t, txnIDs, 1)
	assert.Equal(t, n, succeeded+conflicts)

	b, err := c.GetBalance(context.Background(), "alice", "", domain.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(decimal.NewFromInt(100)))
}

func TestDebitInsufficientFunds(t *testing.T) {
	st := memory.New()
	c, pub, _ := newTestCoordinator(t, st)

	credit(t, c, "alice", "70", "k1")

	_, err := c.Debit(context.Background(), domain.DebitRequest{
		UserID:         "alice",
		Amount:         decimal.NewFromInt(1000),
		Purpose:        "overspend",
		IdempotencyKey: "k2",
		ActorID:        "alice",
		ActorRole:      domain.RoleStudent,
	})
	require.Error(t, err)

	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.CodeInsufficientFunds, de.Code)
	assert.True(t, de.Available.Equal(decimal.NewFromInt(70)), "available = %s", de.Available)
	assert.True(t, de.Shortfall.Equal(decimal.NewFromInt(930)), "shortfall = %s", de.Shortfall)

	// Balance and ledger untouched, key recorded as failed, no event.
	b, err := c.GetBalance(context.Background(), "alice", "alice", domain.RoleStudent)
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(decimal.NewFromInt(70)))
	assert.Equal(t, 1, st.EntryCount("alice"))

	rec, ok := st.KeyRecord("k2")
	require.True(t, ok)
	assert.Equal(t, domain.KeyFailed, rec.Status)
	assert.Len(t, pub.all(), 1) // only the credit
}

func TestFailedKeyIsReclaimable(t *testing.T) {
	st := memory.New()
	c, _, _ := newTestCoordinator(t, st)

	credit(t, c, "alice", "10", "k1")

	debit := domain.DebitRequest{
		UserID:         "alice",
		Amount:         decimal.NewFromInt(50),
		Purpose:        "feature",
		IdempotencyKey: "k2",
		ActorRole:      domain.RoleSystem,
	}
	_, err := c.Debit(context.Background(), debit)
	require.True(t, domain.IsCode(err, domain.CodeInsufficientFunds))

	// Funds arrive; the same key may be retried and now succeeds.
	credit(t, c, "alice", "100", "k3")
	res, err := c.Debit(context.Background(), debit)
	require.NoError(t, err)
	assert.True(t, res.NewBalance.Equal(decimal.NewFromInt(60)))

	rec, ok := st.KeyRecord("k2")
	require.True(t, ok)
	assert.Equal(t, domain.KeyCompleted, rec.Status)
	assert.Equal(t, res.TransactionID, rec.ResultRef)
}

func TestProcessingKeyConflicts(t *testing.T) {
	st := memory.New()
	c, _, _ := newTestCoordinator(t, st)

	st.SeedKey(domain.IdempotencyRecord{
		Key:       "k1",
		Status:    domain.KeyProcessing,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	})

	_, err := c.Credit(context.Background(), domain.CreditRequest{
		UserID:         "alice",
		Amount:         decimal.NewFromInt(5),
		Reason:         "grant",
		IdempotencyKey: "k1",
		ActorRole:      domain.RoleAdmin,
	})
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeConflict))

	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Greater(t, de.RetryAfter, time.Duration(0))
	assert.Equal(t, 0, st.EntryCount("alice"))
}

func TestStaleProcessingKeyIsTakenOver(t *testing.T) {
	st := memory.New()
	c, _, _ := newTestCoordinator(t, st)

	// A processing record older than the lease belongs to a crashed holder.
	st.SeedKey(domain.IdempotencyRecord{
		Key:       "k1",
		Status:    domain.KeyProcessing,
		CreatedAt: time.Now().UTC().Add(-2 * time.Minute),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	})

	res := credit(t, c, "alice", "25", "k1")
	assert.False(t, res.Replayed)
	assert.True(t, res.NewBalance.Equal(decimal.NewFromInt(25)))

	rec, ok := st.KeyRecord("k1")
	require.True(t, ok)
	assert.Equal(t, domain.KeyCompleted, rec.Status)
}

func TestConcurrentDebitsUnderContention(t *testing.T) {
	st := memory.New()
	c, _, _ := newTestCoordinator(t, st)

	credit(t, c, "alice", "10", "seed")

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for _, key := range []string{"k2", "k3"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := c.Debit(context.Background(), domain.DebitRequest{
				UserID:         "alice",
				Amount:         decimal.NewFromInt(6),
				Purpose:        "feature-x",
				IdempotencyKey: key,
				ActorRole:      domain.RoleSystem,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			var de *domain.Error
			require.ErrorAs(t, err, &de)
			require.Equal(t, domain.CodeInsufficientFunds, de.Code)
			require.True(t, de.Available.Equal(decimal.NewFromInt(4)) || de.Available.Equal(decimal.NewFromInt(10)))
			insufficient++
		}(key)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, insufficient)

	b, err := c.GetBalance(context.Background(), "alice", "", domain.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(decimal.NewFromInt(4)), "final balance = %s", b.Amount)
}

func TestConservationInvariant(t *testing.T) {
	st := memory.New()
	c, _, _ := newTestCoordinator(t, st)

	ops := []struct {
		debit  bool
		amount string
	}{
		{false, "100"}, {true, "30"}, {false, "12.50"}, {true, "25"}, {false, "3.75"}, {true, "61.25"},
	}
	for i, op := range ops {
		key := string(rune('a' + i))
		if op.debit {
			_, err := c.Debit(context.Background(), domain.DebitRequest{
				UserID: "alice", Amount: decimal.RequireFromString(op.amount),
				Purpose: "spend", IdempotencyKey: key, ActorRole: domain.RoleSystem,
			})
			require.NoError(t, err)
		} else {
			credit(t, c, "alice", op.amount, key)
		}
	}

	entries, err := c.ListEntries(context.Background(), "alice", "", domain.RoleAdmin, ledger.EntryQuery{})
	require.NoError(t, err)
	require.Len(t, entries, len(ops))

	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Delta)
		assert.True(t, e.BalanceAfter.Equal(sum), "entry %s balance_after %s != running sum %s", e.ID, e.BalanceAfter, sum)
	}

	b, err := c.GetBalance(context.Background(), "alice", "", domain.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(sum))
	assert.False(t, b.Amount.IsNegative())
}

func TestRBACBoundary(t *testing.T) {
	st := memory.New()
	c, _, _ := newTestCoordinator(t, st)

	// Students never credit, not even themselves.
	_, err := c.Credit(context.Background(), domain.CreditRequest{
		UserID: "alice", Amount: decimal.NewFromInt(100), Reason: "self-grant",
		IdempotencyKey: "k1", ActorID: "alice", ActorRole: domain.RoleStudent,
	})
	require.True(t, domain.IsCode(err, domain.CodeForbidden))

	// Students may not debit or read another user.
	_, err = c.Debit(context.Background(), domain.DebitRequest{
		UserID: "bob", Amount: decimal.NewFromInt(1), Purpose: "theft",
		IdempotencyKey: "k2", ActorID: "alice", ActorRole: domain.RoleStudent,
	})
	require.True(t, domain.IsCode(err, domain.CodeForbidden))

	_, err = c.GetBalance(context.Background(), "bob", "alice", domain.RoleStudent)
	require.True(t, domain.IsCode(err, domain.CodeForbidden))

	// Zero storage side effects: no entries, no idempotency records.
	assert.Equal(t, 0, st.EntryCount("alice"))
	assert.Equal(t, 0, st.EntryCount("bob"))
	_, ok := st.KeyRecord("k1")
	assert.False(t, ok)
	_, ok = st.KeyRecord("k2")
	assert.False(t, ok)
}

func TestProviderMayCreditAnyone(t *testing.T) {
	st := memory.New()
	c, _, _ := newTestCoordinator(t, st)

	_, err := c.Credit(context.Background(), domain.CreditRequest{
		UserID: "alice", Amount: decimal.NewFromInt(500), Reason: "scholarship award",
		IdempotencyKey: "k1", ActorID: "provider-9", ActorRole: domain.RoleProvider,
	})
	require.NoError(t, err)

	// But providers cannot debit.
	_, err = c.Debit(context.Background(), domain.DebitRequest{
		UserID: "alice", Amount: decimal.NewFromInt(1), Purpose: "clawback",
		IdempotencyKey: "k2", ActorID: "provider-9", ActorRole: domain.RoleProvider,
	})
	require.True(t, domain.IsCode(err, domain.CodeForbidden))
}

func TestValidationErrors(t *testing.T) {
	st := memory.New()
	c, _, _ := newTestCoordinator(t, st)

	cases := map[string]domain.CreditRequest{
		"missing key":     {UserID: "alice", Amount: decimal.NewFromInt(10), ActorRole: domain.RoleAdmin},
		"zero amount":     {UserID: "alice", Amount: decimal.Zero, IdempotencyKey: "k1", ActorRole: domain.RoleAdmin},
		"negative amount": {UserID: "alice", Amount: decimal.NewFromInt(-5), IdempotencyKey: "k2", ActorRole: domain.RoleAdmin},
		"missing user":    {UserID: "", Amount: decimal.NewFromInt(5), IdempotencyKey: "k3", ActorRole: domain.RoleAdmin},
	}
	for name, req := range cases {
		_, err := c.Credit(context.Background(), req)
		assert.True(t, domain.IsCode(err, domain.CodeValidation), "%s: want VALIDATION_ERROR, got %v", name, err)
	}
	assert.Equal(t, 0, st.EntryCount("alice"))
}

func TestTransientErrorsAreRetried(t *testing.T) {
	st := memory.New()
	c, _, _ := newTestCoordinator(t, st)

	st.FailNextTx(&ledger.TransientError{Err: errors.New("lock timeout")})
	st.FailNextTx(&ledger.TransientError{Err: errors.New("serialization failure")})

	res := credit(t, c, "alice", "100", "k1")
	assert.True(t, res.NewBalance.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, st.EntryCount("alice"))
}

func TestRetryBudgetExhausted(t *testing.T) {
	st := memory.New()
	c, _, _ := newTestCoordinator(t, st)

	for i := 0; i < 3; i++ {
		st.FailNextTx(&ledger.TransientError{Err: errors.New("lock timeout")})
	}

	_, err := c.Credit(context.Background(), domain.CreditRequest{
		UserID: "alice", Amount: decimal.NewFromInt(100), Reason: "grant",
		IdempotencyKey: "k1", ActorRole: domain.RoleAdmin,
	})
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeInternal))
	assert.Equal(t, 0, st.EntryCount("alice"))
}

func TestNonTransientErrorsAreNotRetried(t *testing.T) {
	st := memory.New()
	c, _, _ := newTestCoordinator(t, st)

	st.FailNextTx(errors.New("disk on fire"))

	_, err := c.Credit(context.Background(), domain.CreditRequest{
		UserID: "alice", Amount: decimal.NewFromInt(100), Reason: "grant",
		IdempotencyKey: "k1", ActorRole: domain.RoleAdmin,
	})
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeInternal))

	// A single injected failure, no retry: the second attempt would have
	// succeeded had one been made.
	assert.Equal(t, 0, st.EntryCount("alice"))
}

func TestRequestIDThreadedThrough(t *testing.T) {
	st := memory.New()
	c, pub, _ := newTestCoordinator(t, st)

	ctx := requestid.NewContext(context.Background(), "req-42")
	res, err := c.Credit(ctx, domain.CreditRequest{
		UserID: "alice", Amount: decimal.NewFromInt(10), Reason: "grant",
		IdempotencyKey: "k1", ActorRole: domain.RoleAdmin,
	})
	require.NoError(t, err)
	assert.Equal(t, "req-42", res.RequestID)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, "req-42", events[0].RequestID)

	_, err = c.Credit(ctx, domain.CreditRequest{
		UserID: "alice", Amount: decimal.NewFromInt(10), Reason: "grant",
		ActorRole: domain.RoleAdmin, // missing key
	})
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "req-42", de.RequestID)
}

func TestBalanceCacheReadThroughAndInvalidation(t *testing.T) {
	st := memory.New()
	c, _, cache := newTestCoordinator(t, st)

	credit(t, c, "alice", "100", "k1")

	// First read populates, second read hits.
	_, err := c.GetBalance(context.Background(), "alice", "", domain.RoleAdmin)
	require.NoError(t, err)
	_, err = c.GetBalance(context.Background(), "alice", "", domain.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)

	// A write invalidates; the next read sees the committed state.
	credit(t, c, "alice", "50", "k2")
	b, err := c.GetBalance(context.Background(), "alice", "", domain.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(decimal.NewFromInt(150)))
	assert.GreaterOrEqual(t, cache.drops, 2)
}

func TestScenario(t *testing.T) {
	st := memory.New()
	c, _, _ := newTestCoordinator(t, st)
	ctx := context.Background()

	// Credit 100 as admin, then replay the identical call.
	first := credit(t, c, "A", "100", "K1")
	assert.True(t, first.NewBalance.Equal(decimal.NewFromInt(100)))

	replay := credit(t, c, "A", "100", "K1")
	assert.Equal(t, first.TransactionID, replay.TransactionID)
	assert.True(t, replay.NewBalance.Equal(decimal.NewFromInt(100)))

	// Student debits their own account.
	res, err := c.Debit(ctx, domain.DebitRequest{
		UserID: "A", Amount: decimal.NewFromInt(30), Purpose: "feature-x",
		IdempotencyKey: "K2", ActorID: "A", ActorRole: domain.RoleStudent,
	})
	require.NoError(t, err)
	assert.True(t, res.NewBalance.Equal(decimal.NewFromInt(70)))

	// Overspend rejected, balance unchanged.
	_, err = c.Debit(ctx, domain.DebitRequest{
		UserID: "A", Amount: decimal.NewFromInt(1000), Purpose: "overspend",
		IdempotencyKey: "K3", ActorID: "A", ActorRole: domain.RoleStudent,
	})
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.CodeInsufficientFunds, de.Code)
	assert.True(t, de.Available.Equal(decimal.NewFromInt(70)))
	assert.True(t, de.Shortfall.Equal(decimal.NewFromInt(930)))

	b, err := c.GetBalance(ctx, "A", "A", domain.RoleStudent)
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(decimal.NewFromInt(70)))
}
