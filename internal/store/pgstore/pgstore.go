package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lyriclabs/creditledger/pkg/billing"
	"github.com/lyriclabs/creditledger/pkg/credits"
)

const (
	constraintTransactionReference = "uniq_tx_account_kind_reference"
	constraintTransactionParent    = "uniq_tx_parent"
	pgUniqueViolationCode          = "23505"
	errorOperationStore            = "store"
	errorSubjectAccount            = "account"
	errorSubjectTransaction        = "transaction"
	errorSubjectSubscription       = "subscription"
	errorSubjectPlan               = "plan"
	errorSubjectTx                 = "tx"
	errorCodeBegin                 = "begin"
	errorCodeCommit                = "commit"
	errorCodeCreate                = "create"
	errorCodeDuplicate             = "duplicate"
	errorCodeGet                   = "get"
	errorCodeInsert                = "insert"
	errorCodeList                  = "list"
	errorCodeLookup                = "lookup"
	errorCodeSum                   = "sum"
	errorCodeUpdate                = "update"
	errorCodeUpsert                = "upsert"

	sqlSelectAccountForUpdate = `
		select account_id::text, external_ref, balance_credits, is_active
		from accounts
		where external_ref = $1
		for update
	`

	sqlSelectAccountByIDForUpdate = `
		select account_id::text, external_ref, balance_credits, is_active
		from accounts
		where account_id = $1
		for update
	`

	sqlInsertOrGetAccount = `
		insert into accounts(account_id, external_ref, balance_credits, is_active)
		values (gen_random_uuid(), $1, 0, true)
		on conflict (external_ref) do update set external_ref = excluded.external_ref
		returning account_id::text, external_ref, balance_credits, is_active
	`

	sqlInsertAccountIfAbsent = `
		insert into accounts(account_id, external_ref, balance_credits, is_active)
		values (gen_random_uuid(), $1, 0, true)
		on conflict (external_ref) do nothing
	`

	sqlUpdateAccountBalance = `
		update accounts
		set balance_credits = $2, updated_at = now()
		where account_id = $1
	`

	sqlSetAccountActive = `
		update accounts
		set is_active = $2, updated_at = now()
		where account_id = $1
	`

	sqlLinkProviderCustomer = `
		update accounts
		set provider_customer_id = $2, updated_at = now()
		where account_id = $1
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, account_id, amount, balance_after, kind,
			reference_id, parent_transaction_id, description, created_at
		)
		values (
			gen_random_uuid(), $1, $2, $3, $4,
			nullif($5,''), nullif($6,'')::uuid, $7, to_timestamp($8)
		)
		returning transaction_id::text, extract(epoch from created_at)::bigint
	`

	sqlSelectTransaction = `
		select
			transaction_id::text, account_id::text, amount, balance_after, kind,
			coalesce(reference_id,''), coalesce(parent_transaction_id::text,''),
			coalesce(description,''), extract(epoch from created_at)::bigint
		from credit_transactions
		where transaction_id = $1
	`

	sqlSelectTransactionByReference = `
		select
			transaction_id::text, account_id::text, amount, balance_after, kind,
			coalesce(reference_id,''), coalesce(parent_transaction_id::text,''),
			coalesce(description,''), extract(epoch from created_at)::bigint
		from credit_transactions
		where account_id = $1 and kind = $2 and reference_id = $3
	`

	sqlSelectRefundOf = `
		select
			transaction_id::text, account_id::text, amount, balance_after, kind,
			coalesce(reference_id,''), coalesce(parent_transaction_id::text,''),
			coalesce(description,''), extract(epoch from created_at)::bigint
		from credit_transactions
		where parent_transaction_id = $1
	`

	sqlSumTransactionAmounts = `
		select coalesce(sum(amount),0) from credit_transactions
		where account_id = $1
	`

	sqlListTransactionsBefore = `
		select
			transaction_id::text, account_id::text, amount, balance_after, kind,
			coalesce(reference_id,''), coalesce(parent_transaction_id::text,''),
			coalesce(description,''), extract(epoch from created_at)::bigint
		from credit_transactions
		where account_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlListAccountRefs = `
		select external_ref from accounts order by created_at asc
	`

	sqlSelectAccountByCustomer = `
		select account_id::text, external_ref, balance_credits, is_active
		from accounts
		where provider_customer_id = $1
	`

	sqlSelectSubscriptionByAccount = `
		select
			account_id::text, plan_id, status,
			provider_subscription_id, provider_customer_id,
			coalesce(extract(epoch from period_start)::bigint,0),
			coalesce(extract(epoch from period_end)::bigint,0),
			extract(epoch from event_at)::bigint
		from subscriptions
		where account_id = $1
	`

	sqlUpsertSubscription = `
		insert into subscriptions(
			subscription_id, account_id, plan_id, status,
			provider_subscription_id, provider_customer_id,
			period_start, period_end, event_at
		)
		values (
			gen_random_uuid(), $1, $2, $3, $4, $5,
			to_timestamp(nullif($6,0)), to_timestamp(nullif($7,0)), to_timestamp($8)
		)
		on conflict (account_id) do update set
			plan_id = excluded.plan_id,
			status = excluded.status,
			provider_subscription_id = excluded.provider_subscription_id,
			provider_customer_id = excluded.provider_customer_id,
			period_start = excluded.period_start,
			period_end = excluded.period_end,
			event_at = excluded.event_at,
			updated_at = now()
		where subscriptions.event_at <= excluded.event_at
	`

	sqlUpdateSubscriptionStatus = `
		update subscriptions
		set status = $2, updated_at = now()
		where account_id = $1
	`

	sqlInsertPlanIfAbsent = `
		insert into plans(plan_id, name, credits_per_month, price_cents, provider_price_id, features, is_active)
		values (gen_random_uuid(), $1, $2, $3, $4, '{}'::jsonb, true)
		on conflict (provider_price_id) do nothing
	`

	sqlListActivePlans = `
		select plan_id::text, name, credits_per_month, price_cents, provider_price_id
		from plans
		where is_active
		order by created_at asc
	`
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store and billing.SubscriptionStore over a pgx
// pool (autocommit) or an active transaction.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithTx executes fn within a database transaction. Nested calls reuse the
// enclosing transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, ref credits.AccountRef) (credits.Account, error) {
	var account credits.Account
	err := store.db.QueryRow(ctx, sqlInsertOrGetAccount, ref.String()).Scan(
		&account.AccountID, &account.ExternalRef, &account.BalanceCredits, &account.Active,
	)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func (store *Store) GetOrCreateAccountForUpdate(ctx context.Context, ref credits.AccountRef) (credits.Account, error) {
	var account credits.Account
	err := store.db.QueryRow(ctx, sqlSelectAccountForUpdate, ref.String()).Scan(
		&account.AccountID, &account.ExternalRef, &account.BalanceCredits, &account.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, insertErr := store.db.Exec(ctx, sqlInsertAccountIfAbsent, ref.String()); insertErr != nil {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, insertErr)
		}
		err = store.db.QueryRow(ctx, sqlSelectAccountForUpdate, ref.String()).Scan(
			&account.AccountID, &account.ExternalRef, &account.BalanceCredits, &account.Active,
		)
	}
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func (store *Store) LockAccount(ctx context.Context, accountID string) (credits.Account, error) {
	var account credits.Account
	err := store.db.QueryRow(ctx, sqlSelectAccountByIDForUpdate, accountID).Scan(
		&account.AccountID, &account.ExternalRef, &account.BalanceCredits, &account.Active,
	)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func (store *Store) UpdateAccountBalance(ctx context.Context, accountID string, balanceCredits int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateAccountBalance, accountID, balanceCredits)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, pgx.ErrNoRows)
	}
	return nil
}

func (store *Store) SetAccountActive(ctx context.Context, accountID string, active bool) error {
	_, err := store.db.Exec(ctx, sqlSetAccountActive, accountID, active)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	return nil
}

// LinkProviderCustomer associates the payment provider's customer id with an
// account so webhook events can be resolved.
func (store *Store) LinkProviderCustomer(ctx context.Context, ref credits.AccountRef, providerCustomerID string) error {
	account, err := store.GetOrCreateAccount(ctx, ref)
	if err != nil {
		return err
	}
	_, err = store.db.Exec(ctx, sqlLinkProviderCustomer, account.AccountID, providerCustomerID)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, credits.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, input credits.TransactionInput) (credits.Transaction, error) {
	transaction := credits.Transaction{
		AccountID:           input.AccountID,
		Amount:              input.Amount,
		BalanceAfter:        input.BalanceAfter,
		Kind:                input.Kind,
		ReferenceID:         input.ReferenceID,
		ParentTransactionID: input.ParentTransactionID,
		Description:         input.Description,
	}
	err := store.db.QueryRow(ctx, sqlInsertTransaction,
		input.AccountID,
		input.Amount.Int64(),
		input.BalanceAfter,
		input.Kind.String(),
		input.ReferenceID,
		input.ParentTransactionID,
		input.Description,
		input.CreatedUnixUTC,
	).Scan(&transaction.TransactionID, &transaction.CreatedUnixUTC)
	if isConstraintViolation(err, constraintTransactionParent) {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrAlreadyRefunded)
	}
	if isConstraintViolation(err, constraintTransactionReference) {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrDuplicateReference)
	}
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return transaction, nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID credits.TransactionID) (credits.Transaction, error) {
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlSelectTransaction, transactionID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, credits.ErrTransactionNotFound)
	}
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

func (store *Store) FindTransactionByReference(ctx context.Context, accountID string, kind credits.TransactionKind, referenceID credits.ReferenceID) (credits.Transaction, bool, error) {
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlSelectTransactionByReference, accountID, kind.String(), referenceID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Transaction{}, false, nil
	}
	if err != nil {
		return credits.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return transaction, true, nil
}

func (store *Store) FindRefundOf(ctx context.Context, parentTransactionID string) (credits.Transaction, bool, error) {
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlSelectRefundOf, parentTransactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Transaction{}, false, nil
	}
	if err != nil {
		return credits.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return transaction, true, nil
}

func (store *Store) SumTransactionAmounts(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := store.db.QueryRow(ctx, sqlSumTransactionAmounts, accountID).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return sum, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]credits.Transaction, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = time.Now().UTC().Add(time.Second).Unix()
	}
	rows, err := store.db.Query(ctx, sqlListTransactionsBefore, accountID, beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]credits.Transaction, 0, 32)
	for rows.Next() {
		transaction, scanErr := scanTransaction(rows)
		if scanErr != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, scanErr)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) ListAccountRefs(ctx context.Context) ([]credits.AccountRef, error) {
	rows, err := store.db.Query(ctx, sqlListAccountRefs)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()
	refs := make([]credits.AccountRef, 0, 32)
	for rows.Next() {
		var raw string
		if scanErr := rows.Scan(&raw); scanErr != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeList, scanErr)
		}
		ref, refErr := credits.NewAccountRef(raw)
		if refErr != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeList, refErr)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return refs, nil
}

func (store *Store) FindAccountByCustomer(ctx context.Context, providerCustomerID string) (credits.Account, bool, error) {
	var account credits.Account
	err := store.db.QueryRow(ctx, sqlSelectAccountByCustomer, providerCustomerID).Scan(
		&account.AccountID, &account.ExternalRef, &account.BalanceCredits, &account.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Account{}, false, nil
	}
	if err != nil {
		return credits.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, true, nil
}

func (store *Store) GetSubscriptionByAccount(ctx context.Context, accountID string) (billing.Subscription, bool, error) {
	var (
		subscription billing.Subscription
		statusValue  string
	)
	err := store.db.QueryRow(ctx, sqlSelectSubscriptionByAccount, accountID).Scan(
		&subscription.AccountID,
		&subscription.PlanID,
		&statusValue,
		&subscription.ProviderSubscriptionID,
		&subscription.ProviderCustomerID,
		&subscription.PeriodStartUnixUTC,
		&subscription.PeriodEndUnixUTC,
		&subscription.EventUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Subscription{}, false, nil
	}
	if err != nil {
		return billing.Subscription{}, false, wrapStoreError(errorSubjectSubscription, errorCodeGet, err)
	}
	subscription.Status = billing.SubscriptionStatus(statusValue)
	return subscription, true, nil
}

func (store *Store) UpsertSubscription(ctx context.Context, subscription billing.Subscription) error {
	_, err := store.db.Exec(ctx, sqlUpsertSubscription,
		subscription.AccountID,
		subscription.PlanID,
		subscription.Status.String(),
		subscription.ProviderSubscriptionID,
		subscription.ProviderCustomerID,
		subscription.PeriodStartUnixUTC,
		subscription.PeriodEndUnixUTC,
		subscription.EventUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) UpdateSubscriptionStatus(ctx context.Context, accountID string, status billing.SubscriptionStatus) error {
	_, err := store.db.Exec(ctx, sqlUpdateSubscriptionStatus, accountID, status.String())
	if err != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdate, err)
	}
	return nil
}

// SeedPlans inserts missing rate-card rows, keyed on provider price id.
func (store *Store) SeedPlans(ctx context.Context, plans []billing.Plan) error {
	for _, plan := range plans {
		_, err := store.db.Exec(ctx, sqlInsertPlanIfAbsent,
			plan.Name, plan.CreditsPerMonth, plan.PriceCents, plan.ProviderPriceID)
		if err != nil {
			return wrapStoreError(errorSubjectPlan, errorCodeCreate, err)
		}
	}
	return nil
}

// LoadPlans reads the active rate card for the in-memory catalog.
func (store *Store) LoadPlans(ctx context.Context) ([]billing.Plan, error) {
	rows, err := store.db.Query(ctx, sqlListActivePlans)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPlan, errorCodeList, err)
	}
	defer rows.Close()
	plans := make([]billing.Plan, 0, 8)
	for rows.Next() {
		var plan billing.Plan
		if scanErr := rows.Scan(&plan.PlanID, &plan.Name, &plan.CreditsPerMonth, &plan.PriceCents, &plan.ProviderPriceID); scanErr != nil {
			return nil, wrapStoreError(errorSubjectPlan, errorCodeList, scanErr)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPlan, errorCodeList, err)
	}
	return plans, nil
}

func scanTransaction(row pgx.Row) (credits.Transaction, error) {
	var (
		transaction credits.Transaction
		amountValue int64
		kindValue   string
	)
	err := row.Scan(
		&transaction.TransactionID,
		&transaction.AccountID,
		&amountValue,
		&transaction.BalanceAfter,
		&kindValue,
		&transaction.ReferenceID,
		&transaction.ParentTransactionID,
		&transaction.Description,
		&transaction.CreatedUnixUTC,
	)
	if err != nil {
		return credits.Transaction{}, err
	}
	transaction.Amount = credits.CreditAmount(amountValue)
	transaction.Kind = credits.TransactionKind(kindValue)
	return transaction, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}

func isConstraintViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}
