package credits

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// stubStore is an in-memory Store. WithTx serializes callers on one mutex,
// which models the per-account row lock coarsely but faithfully enough for
// the concurrency contract: read-validate-write sequences never interleave.
type stubStore struct {
	mu           sync.Mutex
	accounts     map[string]*Account
	transactions []Transaction
	nextID       int

	refundLookupMisses int

	withTxError          error
	getAccountError      error
	lockAccountError     error
	updateBalanceError   error
	setActiveError       error
	insertError          error
	getTransactionError  error
	findReferenceError   error
	findRefundError      error
	sumError             error
	listError            error
	listAccountRefsError error
}

func newStubStore() *stubStore {
	return &stubStore{accounts: map[string]*Account{}}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.withTxError != nil {
		return store.withTxError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(ctx, (*lockedStubStore)(store))
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, ref AccountRef) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.getOrCreateLocked(ref)
}

func (store *stubStore) GetOrCreateAccountForUpdate(ctx context.Context, ref AccountRef) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.getOrCreateLocked(ref)
}

func (store *stubStore) getOrCreateLocked(ref AccountRef) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	if account, ok := store.accounts[ref.String()]; ok {
		return *account, nil
	}
	store.nextID++
	account := &Account{
		AccountID:      fmt.Sprintf("acct-%d", store.nextID),
		ExternalRef:    ref.String(),
		BalanceCredits: 0,
		Active:         true,
	}
	store.accounts[ref.String()] = account
	return *account, nil
}

func (store *stubStore) LockAccount(ctx context.Context, accountID string) (Account, error) {
	if store.lockAccountError != nil {
		return Account{}, store.lockAccountError
	}
	for _, account := range store.accounts {
		if account.AccountID == accountID {
			return *account, nil
		}
	}
	return Account{}, ErrTransactionNotFound
}

func (store *stubStore) UpdateAccountBalance(ctx context.Context, accountID string, balanceCredits int64) error {
	if store.updateBalanceError != nil {
		return store.updateBalanceError
	}
	for _, account := range store.accounts {
		if account.AccountID == accountID {
			account.BalanceCredits = balanceCredits
			return nil
		}
	}
	return ErrTransactionNotFound
}

func (store *stubStore) SetAccountActive(ctx context.Context, accountID string, active bool) error {
	if store.setActiveError != nil {
		return store.setActiveError
	}
	for _, account := range store.accounts {
		if account.AccountID == accountID {
			account.Active = active
			return nil
		}
	}
	return ErrTransactionNotFound
}

func (store *stubStore) InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error) {
	if store.insertError != nil {
		return Transaction{}, store.insertError
	}
	for _, existing := range store.transactions {
		if input.ReferenceID != "" &&
			existing.AccountID == input.AccountID &&
			existing.Kind == input.Kind &&
			existing.ReferenceID == input.ReferenceID {
			return Transaction{}, ErrDuplicateReference
		}
		if input.ParentTransactionID != "" && existing.ParentTransactionID == input.ParentTransactionID {
			return Transaction{}, ErrAlreadyRefunded
		}
	}
	store.nextID++
	transaction := Transaction{
		TransactionID:       fmt.Sprintf("tx-%d", store.nextID),
		AccountID:           input.AccountID,
		Amount:              input.Amount,
		BalanceAfter:        input.BalanceAfter,
		Kind:                input.Kind,
		ReferenceID:         input.ReferenceID,
		ParentTransactionID: input.ParentTransactionID,
		Description:         input.Description,
		CreatedUnixUTC:      input.CreatedUnixUTC,
	}
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	if store.getTransactionError != nil {
		return Transaction{}, store.getTransactionError
	}
	for _, transaction := range store.transactions {
		if transaction.TransactionID == transactionID.String() {
			return transaction, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *stubStore) FindTransactionByReference(ctx context.Context, accountID string, kind TransactionKind, referenceID ReferenceID) (Transaction, bool, error) {
	if store.findReferenceError != nil {
		return Transaction{}, false, store.findReferenceError
	}
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID && transaction.Kind == kind && transaction.ReferenceID == referenceID.String() {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (store *stubStore) FindRefundOf(ctx context.Context, parentTransactionID string) (Transaction, bool, error) {
	if store.findRefundError != nil {
		return Transaction{}, false, store.findRefundError
	}
	if store.refundLookupMisses > 0 {
		store.refundLookupMisses--
		return Transaction{}, false, nil
	}
	for _, transaction := range store.transactions {
		if transaction.ParentTransactionID == parentTransactionID {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (store *stubStore) SumTransactionAmounts(ctx context.Context, accountID string) (int64, error) {
	if store.sumError != nil {
		return 0, store.sumError
	}
	var sum int64
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID {
			sum += transaction.Amount.Int64()
		}
	}
	return sum, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	listed := make([]Transaction, 0, limit)
	for index := len(store.transactions) - 1; index >= 0 && len(listed) < limit; index-- {
		transaction := store.transactions[index]
		if transaction.AccountID != accountID {
			continue
		}
		if beforeUnixUTC != 0 && transaction.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		listed = append(listed, transaction)
	}
	return listed, nil
}

func (store *stubStore) ListAccountRefs(ctx context.Context) ([]AccountRef, error) {
	if store.listAccountRefsError != nil {
		return nil, store.listAccountRefsError
	}
	refs := make([]AccountRef, 0, len(store.accounts))
	for raw := range store.accounts {
		ref, err := NewAccountRef(raw)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// lockedStubStore is the view handed to WithTx callbacks: identical state,
// but method calls skip the mutex already held by WithTx.
type lockedStubStore stubStore

func (store *lockedStubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *lockedStubStore) GetOrCreateAccount(ctx context.Context, ref AccountRef) (Account, error) {
	return (*stubStore)(store).getOrCreateLocked(ref)
}

func (store *lockedStubStore) GetOrCreateAccountForUpdate(ctx context.Context, ref AccountRef) (Account, error) {
	return (*stubStore)(store).getOrCreateLocked(ref)
}

func (store *lockedStubStore) LockAccount(ctx context.Context, accountID string) (Account, error) {
	return lockFree(store).LockAccount(ctx, accountID)
}

func (store *lockedStubStore) UpdateAccountBalance(ctx context.Context, accountID string, balanceCredits int64) error {
	return lockFree(store).UpdateAccountBalance(ctx, accountID, balanceCredits)
}

func (store *lockedStubStore) SetAccountActive(ctx context.Context, accountID string, active bool) error {
	return lockFree(store).SetAccountActive(ctx, accountID, active)
}

func (store *lockedStubStore) InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error) {
	return lockFree(store).InsertTransaction(ctx, input)
}

func (store *lockedStubStore) GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	return lockFree(store).GetTransaction(ctx, transactionID)
}

func (store *lockedStubStore) FindTransactionByReference(ctx context.Context, accountID string, kind TransactionKind, referenceID ReferenceID) (Transaction, bool, error) {
	return lockFree(store).FindTransactionByReference(ctx, accountID, kind, referenceID)
}

func (store *lockedStubStore) FindRefundOf(ctx context.Context, parentTransactionID string) (Transaction, bool, error) {
	return lockFree(store).FindRefundOf(ctx, parentTransactionID)
}

func (store *lockedStubStore) SumTransactionAmounts(ctx context.Context, accountID string) (int64, error) {
	return lockFree(store).SumTransactionAmounts(ctx, accountID)
}

func (store *lockedStubStore) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	return lockFree(store).ListTransactions(ctx, accountID, beforeUnixUTC, limit)
}

func (store *lockedStubStore) ListAccountRefs(ctx context.Context) ([]AccountRef, error) {
	return lockFree(store).ListAccountRefs(ctx)
}

func lockFree(store *lockedStubStore) *stubStore {
	return (*stubStore)(store)
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 })
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	return service
}

func mustAccountRef(test *testing.T, raw string) AccountRef {
	test.Helper()
	ref, err := NewAccountRef(raw)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	return ref
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	amount, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	return amount
}

func mustReferenceID(test *testing.T, raw string) ReferenceID {
	test.Helper()
	id, err := NewReferenceID(raw)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	return id
}

func mustTransactionID(test *testing.T, raw string) TransactionID {
	test.Helper()
	id, err := NewTransactionID(raw)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	return id
}
