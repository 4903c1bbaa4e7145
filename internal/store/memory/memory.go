// Package memory provides an in-memory ledger.Store for tests and local
// development. It mirrors the Postgres semantics the coordinator depends on:
// per-user exclusive locks held to transaction end, atomic insert-if-absent
// key claims, and all-or-nothing visibility of staged writes.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Jaymayes/scholarship-credits/internal/domain"
	"github.com/Jaymayes/scholarship-credits/internal/ledger"
)

type Memory struct {
	mu        sync.Mutex
	balances  map[string]domain.Balance
	entries   map[string]domain.Entry
	order     []string // entry ids in commit order
	keys      map[string]domain.IdempotencyRecord
	userLocks map[string]*sync.Mutex
	keyLocks  map[string]*sync.Mutex

	failNext []error // injected WithinTx failures, consumed in order
}

func New() *Memory {
	return &Memory{
		balances:  make(map[string]domain.Balance),
		entries:   make(map[string]domain.Entry),
		keys:      make(map[string]domain.IdempotencyRecord),
		userLocks: make(map[string]*sync.Mutex),
		keyLocks:  make(map[string]*sync.Mutex),
	}
}

// FailNextTx injects an error returned by the next WithinTx call before fn
// runs. Queued failures are consumed in order; used to exercise the
// coordinator's retry policy.
func (m *Memory) FailNextTx(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, err)
}

func (m *Memory) lockFor(locks map[string]*sync.Mutex, id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := locks[id]
	if !ok {
		mu = &sync.Mutex{}
		locks[id] = mu
	}
	return mu
}

func (m *Memory) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	m.mu.Lock()
	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	tx := &memTx{store: m}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *Memory) ReadBalance(_ context.Context, userID string) (domain.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[userID]; ok {
		return b, nil
	}
	return domain.Balance{UserID: userID, Amount: decimal.Zero}, nil
}

func (m *Memory) EntryByID(_ context.Context, id string) (domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e, nil
	}
	return domain.Entry{}, ledger.ErrEntryNotFound
}

func (m *Memory) ListEntries(_ context.Context, userID string, q ledger.EntryQuery) ([]domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []domain.Entry
	for _, id := range m.order {
		e := m.entries[id]
		if e.UserID != userID {
			continue
		}
		if !q.From.IsZero() && e.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.CreatedAt.After(q.To) {
			continue
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	if q.Limit > 0 && len(entries) > q.Limit {
		entries = entries[:q.Limit]
	}
	return entries, nil
}

// SeedKey installs a committed idempotency record; test helper.
func (m *Memory) SeedKey(rec domain.IdempotencyRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[rec.Key] = rec
}

// KeyRecord exposes the committed record for a key; test helper.
func (m *Memory) KeyRecord(key string) (domain.IdempotencyRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keys[key]
	return rec, ok
}

// EntryCount reports committed entries for a user; test helper.
func (m *Memory) EntryCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.UserID == userID {
			n++
		}
	}
	return n
}

var _ ledger.Store = (*Memory)(nil)

// memTx stages writes and holds row/key locks until release. Staged state is
// invisible to other transactions until commit, and other claimants of the
// same key or user block until the owner finishes, like Postgres row locks
// and unique-index waits.
type memTx struct {
	store *Memory
	held  []*sync.Mutex

	stagedBalances map[string]domain.Balance
	stagedEntries  []domain.Entry
	stagedKeys     map[string]domain.IdempotencyRecord
}

func (t *memTx) acquire(locks map[string]*sync.Mutex, id string) {
	mu := t.store.lockFor(locks, id)
	mu.Lock()
	t.held = append(t.held, mu)
}

func (t *memTx) release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.held[i].Unlock()
	}
	t.held = nil
}

func (t *memTx) commit() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for id, b := range t.stagedBalances {
		t.store.balances[id] = b
	}
	for _, e := range t.stagedEntries {
		t.store.entries[e.ID] = e
		t.store.order = append(t.store.order, e.ID)
	}
	for k, rec := range t.stagedKeys {
		t.store.keys[k] = rec
	}
}

func (t *memTx) ClaimKey(_ context.Context, key string, lease, ttl time.Duration) (ledger.ClaimResult, error) {
	t.acquire(t.store.keyLocks, key)

	t.store.mu.Lock()
	rec, exists := t.store.keys[key]
	t.store.mu.Unlock()

	now := time.Now().UTC()
	claim := func() ledger.ClaimResult {
		if t.stagedKeys == nil {
			t.stagedKeys = make(map[string]domain.IdempotencyRecord)
		}
		t.stagedKeys[key] = domain.IdempotencyRecord{
			Key:       key,
			Status:    domain.KeyProcessing,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		return ledger.ClaimResult{Outcome: ledger.Claimed}
	}

	if !exists {
		return claim(), nil
	}
	switch rec.Status {
	case domain.KeyFailed:
		return claim(), nil
	case domain.KeyProcessing:
		if rec.CreatedAt.Before(now.Add(-lease)) {
			return claim(), nil
		}
	}
	return ledger.ClaimResult{Outcome: ledger.Exists, Record: rec}, nil
}

func (t *memTx) CompleteKey(_ context.Context, key, resultRef string) error {
	rec := t.stagedKeys[key]
	rec.Key = key
	rec.Status = domain.KeyCompleted
	rec.ResultRef = resultRef
	t.stagedKeys[key] = rec
	return nil
}

func (t *memTx) FailKey(_ context.Context, key string) error {
	rec := t.stagedKeys[key]
	rec.Key = key
	rec.Status = domain.KeyFailed
	t.stagedKeys[key] = rec
	return nil
}

func (t *memTx) LockBalance(_ context.Context, userID string) (domain.Balance, error) {
	t.acquire(t.store.userLocks, userID)

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if b, ok := t.store.balances[userID]; ok {
		return b, nil
	}
	b := domain.Balance{UserID: userID, Amount: decimal.Zero}
	if t.stagedBalances == nil {
		t.stagedBalances = make(map[string]domain.Balance)
	}
	t.stagedBalances[userID] = b
	return b, nil
}

func (t *memTx) WriteBalance(_ context.Context, userID string, amount decimal.Decimal, at time.Time) error {
	if t.stagedBalances == nil {
		t.stagedBalances = make(map[string]domain.Balance)
	}
	t.stagedBalances[userID] = domain.Balance{UserID: userID, Amount: amount, UpdatedAt: at}
	return nil
}

func (t *memTx) AppendEntry(_ context.Context, e domain.Entry) error {
	t.stagedEntries = append(t.stagedEntries, e)
	return nil
}

var _ ledger.Tx = (*memTx)(nil)
