package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/lyriclabs/creditledger/pkg/billing"
	"github.com/lyriclabs/creditledger/pkg/credits"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	path := filepath.Join(test.TempDir(), "ledger.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	store := New(db)
	if err := store.Migrate(); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return store
}

func mustAccountRef(test *testing.T, raw string) credits.AccountRef {
	test.Helper()
	ref, err := credits.NewAccountRef(raw)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	return ref
}

func TestGetOrCreateAccountIsStable(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ref := mustAccountRef(test, "user-1")

	first, err := store.GetOrCreateAccount(context.Background(), ref)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if !first.Active || first.BalanceCredits != 0 {
		test.Fatalf("expected fresh active account, got %+v", first)
	}
	second, err := store.GetOrCreateAccount(context.Background(), ref)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if first.AccountID != second.AccountID {
		test.Fatalf("expected the same account, got %q and %q", first.AccountID, second.AccountID)
	}
}

func TestGetOrCreateAccountForUpdateAbsorbsExistingRow(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ref := mustAccountRef(test, "user-9")

	existing, err := store.GetOrCreateAccount(context.Background(), ref)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}

	// The conflicting insert must not abort the transaction: later writes in
	// the same transaction still have to succeed.
	err = store.WithTx(context.Background(), func(ctx context.Context, txStore credits.Store) error {
		locked, lockErr := txStore.GetOrCreateAccountForUpdate(ctx, ref)
		if lockErr != nil {
			return lockErr
		}
		if locked.AccountID != existing.AccountID {
			test.Fatalf("expected account %q, got %q", existing.AccountID, locked.AccountID)
		}
		return txStore.UpdateAccountBalance(ctx, locked.AccountID, 7)
	})
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}

	account, err := store.GetOrCreateAccount(context.Background(), ref)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if account.BalanceCredits != 7 {
		test.Fatalf("expected balance 7, got %d", account.BalanceCredits)
	}
}

func TestInsertTransactionEnforcesReferenceUniqueness(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	account, err := store.GetOrCreateAccount(context.Background(), mustAccountRef(test, "user-2"))
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}

	input := credits.TransactionInput{
		AccountID:      account.AccountID,
		Amount:         credits.CreditAmount(10),
		BalanceAfter:   10,
		Kind:           credits.KindPurchase,
		ReferenceID:    "order-1",
		CreatedUnixUTC: 1700000000,
	}
	if _, err := store.InsertTransaction(context.Background(), input); err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	_, err = store.InsertTransaction(context.Background(), input)
	if !errors.Is(err, credits.ErrDuplicateReference) {
		test.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
}

func TestInsertTransactionEnforcesSingleRefund(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	account, err := store.GetOrCreateAccount(context.Background(), mustAccountRef(test, "user-3"))
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	original, err := store.InsertTransaction(context.Background(), credits.TransactionInput{
		AccountID:      account.AccountID,
		Amount:         credits.CreditAmount(-5),
		Kind:           credits.KindJobUsage,
		ReferenceID:    "job-1",
		CreatedUnixUTC: 1700000000,
	})
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}

	refundInput := credits.TransactionInput{
		AccountID:           account.AccountID,
		Amount:              credits.CreditAmount(5),
		BalanceAfter:        5,
		Kind:                credits.KindRefund,
		ParentTransactionID: original.TransactionID,
		CreatedUnixUTC:      1700000001,
	}
	if _, err := store.InsertTransaction(context.Background(), refundInput); err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	_, err = store.InsertTransaction(context.Background(), refundInput)
	if !errors.Is(err, credits.ErrAlreadyRefunded) {
		test.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}
}

func TestMultipleTransactionsWithoutReferenceCoexist(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	account, err := store.GetOrCreateAccount(context.Background(), mustAccountRef(test, "user-4"))
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	for index := 0; index < 3; index++ {
		_, err := store.InsertTransaction(context.Background(), credits.TransactionInput{
			AccountID:      account.AccountID,
			Amount:         credits.CreditAmount(1),
			Kind:           credits.KindBonus,
			CreatedUnixUTC: 1700000000 + int64(index),
		})
		if err != nil {
			test.Fatalf("insert %d: %v", index, err)
		}
	}
	sum, err := store.SumTransactionAmounts(context.Background(), account.AccountID)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if sum != 3 {
		test.Fatalf("expected sum 3, got %d", sum)
	}
}

func TestServiceRoundTripOverSQLite(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	service, err := credits.NewService(store, func() int64 { return 1700000000 })
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	ref := mustAccountRef(test, "user-5")
	amount, err := credits.NewPositiveCredits(30)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.Grant(context.Background(), ref, amount, credits.KindPurchase, nil, "pack"); err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	jobAmount, err := credits.NewPositiveCredits(5)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	jobReference, err := credits.NewReferenceID("job-42")
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	deducted, err := service.Deduct(context.Background(), ref, jobAmount, jobReference, "clip job")
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	transactionID, err := credits.NewTransactionID(deducted.TransactionID)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.Refund(context.Background(), transactionID, ""); err != nil {
		test.Fatalf("unexpected error: %v", err)
	}

	report, err := service.VerifyAccount(context.Background(), ref)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if !report.Consistent() || report.CachedCredits != 30 {
		test.Fatalf("expected consistent balance 30, got %+v", report)
	}
}

func TestListTransactionsZeroCutoffReturnsLatest(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	account, err := store.GetOrCreateAccount(context.Background(), mustAccountRef(test, "user-8"))
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	for index, createdUnix := range []int64{1700000000, 1700000100} {
		input := credits.TransactionInput{
			AccountID:      account.AccountID,
			Amount:         credits.CreditAmount(10),
			BalanceAfter:   int64(10 * (index + 1)),
			Kind:           credits.KindPurchase,
			CreatedUnixUTC: createdUnix,
		}
		if _, err := store.InsertTransaction(context.Background(), input); err != nil {
			test.Fatalf("unexpected error: %v", err)
		}
	}

	transactions, err := store.ListTransactions(context.Background(), account.AccountID, 0, 10)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if len(transactions) != 2 {
		test.Fatalf("expected both transactions without a cutoff, got %d", len(transactions))
	}
	if transactions[0].CreatedUnixUTC != 1700000100 {
		test.Fatalf("expected newest first, got %d", transactions[0].CreatedUnixUTC)
	}
}

func TestUpsertSubscriptionKeepsNewestEvent(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	account, err := store.GetOrCreateAccount(context.Background(), mustAccountRef(test, "user-6"))
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}

	newer := billing.Subscription{
		AccountID:              account.AccountID,
		PlanID:                 "plan-1",
		Status:                 billing.SubscriptionActive,
		ProviderSubscriptionID: "sub-1",
		ProviderCustomerID:     "cus-1",
		PeriodStartUnixUTC:     1702592000,
		EventUnixUTC:           1702592001,
	}
	if err := store.UpsertSubscription(context.Background(), newer); err != nil {
		test.Fatalf("unexpected error: %v", err)
	}

	stale := newer
	stale.Status = billing.SubscriptionPastDue
	stale.PeriodStartUnixUTC = 1700000000
	stale.EventUnixUTC = 1700000001
	if err := store.UpsertSubscription(context.Background(), stale); err != nil {
		test.Fatalf("unexpected error: %v", err)
	}

	stored, found, err := store.GetSubscriptionByAccount(context.Background(), account.AccountID)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if !found {
		test.Fatal("expected a subscription row")
	}
	if stored.PeriodStartUnixUTC != 1702592000 || stored.Status != billing.SubscriptionActive {
		test.Fatalf("expected the newer row to survive, got %+v", stored)
	}
}

func TestUpdateSubscriptionStatusWithoutRowIsNoOp(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	if err := store.UpdateSubscriptionStatus(context.Background(), "acct-missing", billing.SubscriptionCanceled); err != nil {
		test.Fatalf("expected no-op, got %v", err)
	}
}

func TestSeedPlansIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	plans := []billing.Plan{{Name: "starter", CreditsPerMonth: 100, PriceCents: 900, ProviderPriceID: "price_starter"}}

	for index := 0; index < 2; index++ {
		if err := store.SeedPlans(context.Background(), plans); err != nil {
			test.Fatalf("seed %d: %v", index, err)
		}
	}
	loaded, err := store.LoadPlans(context.Background())
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if len(loaded) != 1 {
		test.Fatalf("expected one plan, got %d", len(loaded))
	}
	if loaded[0].CreditsPerMonth != 100 {
		test.Fatalf("expected 100 credits per month, got %d", loaded[0].CreditsPerMonth)
	}
}

func TestLinkProviderCustomerResolvesWebhookAccounts(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ref := mustAccountRef(test, "user-7")
	if err := store.LinkProviderCustomer(context.Background(), ref, "cus-7"); err != nil {
		test.Fatalf("unexpected error: %v", err)
	}

	account, found, err := store.FindAccountByCustomer(context.Background(), "cus-7")
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if !found {
		test.Fatal("expected the linked account to be found")
	}
	if account.ExternalRef != "user-7" {
		test.Fatalf("expected user-7, got %q", account.ExternalRef)
	}

	if _, found, err := store.FindAccountByCustomer(context.Background(), "cus-unknown"); err != nil || found {
		test.Fatalf("expected no match, got found=%v err=%v", found, err)
	}
}
