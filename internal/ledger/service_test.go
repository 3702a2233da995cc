package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

type stubStore struct {
	mu       sync.Mutex
	balances map[string]Credits
	audits   []AuditRecord

	spendErr error
}

func newStubStore() *stubStore {
	return &stubStore{balances: make(map[string]Credits)}
}

type stubTx struct {
	store *stubStore
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshotBalances := make(map[string]Credits, len(store.balances))
	for userID, balance := range store.balances {
		snapshotBalances[userID] = balance
	}
	snapshotAudits := len(store.audits)
	if err := fn(ctx, &stubTx{store: store}); err != nil {
		store.balances = snapshotBalances
		store.audits = store.audits[:snapshotAudits]
		return err
	}
	return nil
}

func (store *stubStore) GetAccount(ctx context.Context, userID string) (Account, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	balance, ok := store.balances[userID]
	if !ok {
		return Account{UserID: userID}, false, nil
	}
	return Account{UserID: userID, Balance: balance}, true, nil
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, userID string) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.getOrCreateLocked(userID), nil
}

func (store *stubStore) AddBalance(ctx context.Context, userID string, amount Credits) (Credits, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.balances[userID] += amount
	return store.balances[userID], nil
}

func (store *stubStore) SpendBalance(ctx context.Context, userID string, cost Credits) (Credits, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.spendLocked(userID, cost)
}

func (store *stubStore) InsertAudit(ctx context.Context, record AuditRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.insertAuditLocked(record)
}

func (store *stubStore) ListAudits(ctx context.Context, userID string, limit int) ([]AuditRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	records := make([]AuditRecord, 0, limit)
	for index := len(store.audits) - 1; index >= 0 && len(records) < limit; index-- {
		if store.audits[index].UserID == userID {
			records = append(records, store.audits[index])
		}
	}
	return records, nil
}

func (store *stubStore) getOrCreateLocked(userID string) Account {
	if _, ok := store.balances[userID]; !ok {
		store.balances[userID] = 0
	}
	return Account{UserID: userID, Balance: store.balances[userID]}
}

func (store *stubStore) spendLocked(userID string, cost Credits) (Credits, bool, error) {
	if store.spendErr != nil {
		return 0, false, store.spendErr
	}
	balance := store.balances[userID]
	if balance < cost {
		return balance, false, nil
	}
	store.balances[userID] = balance - cost
	return balance - cost, true, nil
}

func (store *stubStore) insertAuditLocked(record AuditRecord) error {
	for _, existing := range store.audits {
		if existing.UserID == record.UserID && existing.RequestID == record.RequestID {
			return ErrDuplicateRequest
		}
	}
	store.audits = append(store.audits, record)
	return nil
}

func (tx *stubTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *stubTx) GetAccount(ctx context.Context, userID string) (Account, bool, error) {
	balance, ok := tx.store.balances[userID]
	if !ok {
		return Account{UserID: userID}, false, nil
	}
	return Account{UserID: userID, Balance: balance}, true, nil
}

func (tx *stubTx) GetOrCreateAccount(ctx context.Context, userID string) (Account, error) {
	return tx.store.getOrCreateLocked(userID), nil
}

func (tx *stubTx) AddBalance(ctx context.Context, userID string, amount Credits) (Credits, error) {
	tx.store.balances[userID] += amount
	return tx.store.balances[userID], nil
}

func (tx *stubTx) SpendBalance(ctx context.Context, userID string, cost Credits) (Credits, bool, error) {
	return tx.store.spendLocked(userID, cost)
}

func (tx *stubTx) InsertAudit(ctx context.Context, record AuditRecord) error {
	return tx.store.insertAuditLocked(record)
}

func (tx *stubTx) ListAudits(ctx context.Context, userID string, limit int) ([]AuditRecord, error) {
	return nil, errors.New("not used in transactions")
}

func mustNewService(t *testing.T, store Store) *Service {
	t.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 })
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func TestAddCreditsThenSpendWritesAudit(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store)

	balance, err := service.AddCredits(context.Background(), "user-1", 10, "grant-1", RequestContext{Route: "/credits/add"})
	if err != nil {
		t.Fatalf("add credits: %v", err)
	}
	if balance != 10 {
		t.Fatalf("expected balance 10, got %d", balance)
	}

	result, err := service.SpendAtomic(context.Background(), "user-1", "spend-1", 1, RequestContext{Route: "/vend-token"})
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if !result.Success || result.BalanceAfter != 9 {
		t.Fatalf("expected successful spend to 9, got %+v", result)
	}

	if len(store.audits) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(store.audits))
	}
	spendAudit := store.audits[1]
	if spendAudit.Action != ActionSpend || spendAudit.CreditDelta != -1 || spendAudit.BalanceAfter != 9 {
		t.Fatalf("unexpected spend audit: %+v", spendAudit)
	}
	if spendAudit.RequestID != "spend-1" || spendAudit.Route != "/vend-token" {
		t.Fatalf("unexpected audit attribution: %+v", spendAudit)
	}
}

func TestSpendAtomicInsufficientLeavesBalanceUnchanged(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store)

	if _, err := service.AddCredits(context.Background(), "user-2", 1, "grant-1", RequestContext{}); err != nil {
		t.Fatalf("add credits: %v", err)
	}

	first, err := service.SpendAtomic(context.Background(), "user-2", "spend-1", 1, RequestContext{})
	if err != nil {
		t.Fatalf("first spend: %v", err)
	}
	if !first.Success || first.BalanceAfter != 0 {
		t.Fatalf("expected first spend to succeed with balance 0, got %+v", first)
	}

	second, err := service.SpendAtomic(context.Background(), "user-2", "spend-2", 1, RequestContext{})
	if err != nil {
		t.Fatalf("second spend: %v", err)
	}
	if second.Success || second.BalanceAfter != 0 {
		t.Fatalf("expected second spend to fail with balance 0, got %+v", second)
	}
	if len(store.audits) != 2 {
		t.Fatalf("expected no audit record for the failed spend, got %d records", len(store.audits))
	}
}

func TestConcurrentSpendsNeverOverdraw(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store)

	if _, err := service.AddCredits(context.Background(), "user-3", 1, "grant-1", RequestContext{}); err != nil {
		t.Fatalf("add credits: %v", err)
	}

	const attempts = 25
	var wg sync.WaitGroup
	var successMu sync.Mutex
	successes := 0
	for index := 0; index < attempts; index++ {
		wg.Add(1)
		go func(attempt int) {
			defer wg.Done()
			result, err := service.SpendAtomic(context.Background(), "user-3", fmt.Sprintf("spend-%d", attempt), 1, RequestContext{})
			if err != nil {
				t.Errorf("spend %d: %v", attempt, err)
				return
			}
			if result.Success {
				successMu.Lock()
				successes++
				successMu.Unlock()
			}
		}(index)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly 1 successful spend, got %d", successes)
	}
	balance, err := service.Balance(context.Background(), "user-3")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected final balance 0, got %d", balance)
	}
}

func TestSpendAtomicDuplicateRequestRollsBack(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store)

	if _, err := service.AddCredits(context.Background(), "user-4", 5, "grant-1", RequestContext{}); err != nil {
		t.Fatalf("add credits: %v", err)
	}
	if _, err := service.SpendAtomic(context.Background(), "user-4", "spend-1", 1, RequestContext{}); err != nil {
		t.Fatalf("first spend: %v", err)
	}

	_, err := service.SpendAtomic(context.Background(), "user-4", "spend-1", 1, RequestContext{})
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
	balance, err := service.Balance(context.Background(), "user-4")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 4 {
		t.Fatalf("expected rollback to keep balance 4, got %d", balance)
	}
}

func TestSpendAtomicStoreErrorIsFailure(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	store.spendErr = errors.New("connection reset")
	service := mustNewService(t, store)

	_, err := service.SpendAtomic(context.Background(), "user-5", "spend-1", 1, RequestContext{})
	if err == nil {
		t.Fatal("expected error when the store fails")
	}
	if len(store.audits) != 0 {
		t.Fatalf("expected no audit records after a failed spend, got %d", len(store.audits))
	}
}

func TestValidationErrors(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store)

	if _, err := service.AddCredits(context.Background(), " ", 5, "r", RequestContext{}); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	if _, err := service.AddCredits(context.Background(), "u", 0, "r", RequestContext{}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := service.SpendAtomic(context.Background(), "u", "", 1, RequestContext{}); !errors.Is(err, ErrInvalidRequestID) {
		t.Fatalf("expected ErrInvalidRequestID, got %v", err)
	}
	if _, err := service.SpendAtomic(context.Background(), "u", "r", 0, RequestContext{}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestBalanceReadDoesNotCreateAccount(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store)

	balance, err := service.Balance(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected zero balance for an unknown user, got %d", balance)
	}
	store.mu.Lock()
	_, created := store.balances["ghost"]
	store.mu.Unlock()
	if created {
		t.Fatal("a balance read must not create an account row")
	}
}

func TestAuditsReturnsNewestFirst(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store)

	for index := 0; index < 3; index++ {
		if _, err := service.AddCredits(context.Background(), "user-6", 1, fmt.Sprintf("grant-%d", index), RequestContext{}); err != nil {
			t.Fatalf("add credits %d: %v", index, err)
		}
	}
	records, err := service.Audits(context.Background(), "user-6", 2)
	if err != nil {
		t.Fatalf("audits: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].RequestID != "grant-2" {
		t.Fatalf("expected newest record first, got %+v", records[0])
	}
}
