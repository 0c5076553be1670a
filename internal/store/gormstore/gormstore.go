package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lyriclabs/creditledger/pkg/billing"
	"github.com/lyriclabs/creditledger/pkg/credits"
)

const (
	constraintTransactionParent = "uniq_tx_parent"
	constraintAccountCustomer   = "uniq_accounts_provider_customer"
	defaultFeaturesJSON         = "{}"
	pgUniqueViolationCode       = "23505"
	sqliteConstraintCode        = 19
	errorOperationStore         = "store"
	errorSubjectAccount         = "account"
	errorSubjectTransaction     = "transaction"
	errorSubjectSubscription    = "subscription"
	errorSubjectPlan            = "plan"
	errorCodeCreate             = "create"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeInsert             = "insert"
	errorCodeList               = "list"
	errorCodeLookup             = "lookup"
	errorCodeSum                = "sum"
	errorCodeUpdate             = "update"
	errorCodeUpsert             = "upsert"
)

// Store implements credits.Store and billing.SubscriptionStore using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate prepares the schema. Intended for the sqlite driver; postgres
// deployments manage schema outside the binary.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&Account{}, &CreditTransaction{}, &Subscription{}, &Plan{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, ref credits.AccountRef) (credits.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Where(Account{ExternalRef: ref.String()}).
		Attrs(Account{IsActive: true}).
		FirstOrCreate(&model).Error
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(model), nil
}

// GetOrCreateAccountForUpdate takes the per-account row lock that serializes
// concurrent writers. Must run inside WithTx. The insert ignores conflicts so
// a lost creation race never aborts the surrounding transaction.
func (store *Store) GetOrCreateAccountForUpdate(ctx context.Context, ref credits.AccountRef) (credits.Account, error) {
	seed := Account{ExternalRef: ref.String(), IsActive: true}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_ref"}}, DoNothing: true}).
		Create(&seed)
	if result.Error != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, result.Error)
	}
	var model Account
	err := store.lockedQuery(ctx).
		Where("external_ref = ?", ref.String()).
		Take(&model).Error
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(model), nil
}

// lockedQuery adds FOR UPDATE on backends that support row locks. SQLite has
// a single writer per database, so the transaction itself is the lock there.
func (store *Store) lockedQuery(ctx context.Context) *gorm.DB {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return query
}

func (store *Store) LockAccount(ctx context.Context, accountID string) (credits.Account, error) {
	var model Account
	err := store.lockedQuery(ctx).
		Where("account_id = ?", accountID).
		Take(&model).Error
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model), nil
}

func (store *Store) UpdateAccountBalance(ctx context.Context, accountID string, balanceCredits int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Update("balance_credits", balanceCredits)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

func (store *Store) SetAccountActive(ctx context.Context, accountID string, active bool) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Update("is_active", active)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
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
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", account.AccountID).
		Update("provider_customer_id", providerCustomerID)
	if isConstraintViolation(result.Error, constraintAccountCustomer, "provider_customer_id") {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, credits.ErrDuplicateReference)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, input credits.TransactionInput) (credits.Transaction, error) {
	model := CreditTransaction{
		AccountID:           input.AccountID,
		Amount:              input.Amount.Int64(),
		BalanceAfter:        input.BalanceAfter,
		Kind:                input.Kind.String(),
		ReferenceID:         optionalString(input.ReferenceID),
		ParentTransactionID: optionalString(input.ParentTransactionID),
		Description:         input.Description,
		CreatedAt:           time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isConstraintViolation(err, constraintTransactionParent, "parent_transaction_id") {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrAlreadyRefunded)
	}
	if isUniqueViolation(err) {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrDuplicateReference)
	}
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return mapTransaction(model), nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID credits.TransactionID) (credits.Transaction, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, credits.ErrTransactionNotFound)
	}
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return mapTransaction(model), nil
}

func (store *Store) FindTransactionByReference(ctx context.Context, accountID string, kind credits.TransactionKind, referenceID credits.ReferenceID) (credits.Transaction, bool, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND kind = ? AND reference_id = ?", accountID, kind.String(), referenceID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Transaction{}, false, nil
	}
	if err != nil {
		return credits.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return mapTransaction(model), true, nil
}

func (store *Store) FindRefundOf(ctx context.Context, parentTransactionID string) (credits.Transaction, bool, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Where("parent_transaction_id = ?", parentTransactionID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Transaction{}, false, nil
	}
	if err != nil {
		return credits.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return mapTransaction(model), true, nil
}

func (store *Store) SumTransactionAmounts(ctx context.Context, accountID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("account_id = ?", accountID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]credits.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transactions = append(transactions, mapTransaction(row))
	}
	return transactions, nil
}

func (store *Store) ListAccountRefs(ctx context.Context) ([]credits.AccountRef, error) {
	var externalRefs []string
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Order("created_at ASC").
		Pluck("external_ref", &externalRefs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	refs := make([]credits.AccountRef, 0, len(externalRefs))
	for _, raw := range externalRefs {
		ref, refErr := credits.NewAccountRef(raw)
		if refErr != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeList, refErr)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (store *Store) FindAccountByCustomer(ctx context.Context, providerCustomerID string) (credits.Account, bool, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Where("provider_customer_id = ?", providerCustomerID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Account{}, false, nil
	}
	if err != nil {
		return credits.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(model), true, nil
}

func (store *Store) GetSubscriptionByAccount(ctx context.Context, accountID string) (billing.Subscription, bool, error) {
	var model Subscription
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.Subscription{}, false, nil
	}
	if err != nil {
		return billing.Subscription{}, false, wrapStoreError(errorSubjectSubscription, errorCodeGet, err)
	}
	return mapSubscription(model), true, nil
}

// UpsertSubscription writes the row keyed on account id. The conflict update
// carries an event_at guard so a delayed older event cannot regress a newer
// row even when two deliveries race.
func (store *Store) UpsertSubscription(ctx context.Context, subscription billing.Subscription) error {
	model := Subscription{
		AccountID:              subscription.AccountID,
		PlanID:                 subscription.PlanID,
		Status:                 subscription.Status.String(),
		ProviderSubscriptionID: subscription.ProviderSubscriptionID,
		ProviderCustomerID:     subscription.ProviderCustomerID,
		PeriodStart:            optionalTime(subscription.PeriodStartUnixUTC),
		PeriodEnd:              optionalTime(subscription.PeriodEndUnixUTC),
		EventAt:                time.Unix(subscription.EventUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"plan_id":                  clause.Expr{SQL: "excluded.plan_id"},
				"status":                   clause.Expr{SQL: "excluded.status"},
				"provider_subscription_id": clause.Expr{SQL: "excluded.provider_subscription_id"},
				"provider_customer_id":     clause.Expr{SQL: "excluded.provider_customer_id"},
				"period_start":             clause.Expr{SQL: "excluded.period_start"},
				"period_end":               clause.Expr{SQL: "excluded.period_end"},
				"event_at":                 clause.Expr{SQL: "excluded.event_at"},
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "subscriptions.event_at <= excluded.event_at"},
			}},
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) UpdateSubscriptionStatus(ctx context.Context, accountID string, status billing.SubscriptionStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("account_id = ?", accountID).
		Update("status", status.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdate, result.Error)
	}
	// Zero rows is fine: canceling an account without a subscription row is
	// a no-op, matching the idempotency contract.
	return nil
}

// SeedPlans inserts missing rate-card rows, keyed on provider price id.
func (store *Store) SeedPlans(ctx context.Context, plans []billing.Plan) error {
	for _, plan := range plans {
		model := Plan{
			Name:            plan.Name,
			CreditsPerMonth: plan.CreditsPerMonth,
			PriceCents:      plan.PriceCents,
			ProviderPriceID: plan.ProviderPriceID,
			Features:        datatypes.JSON([]byte(defaultFeaturesJSON)),
			IsActive:        true,
		}
		err := store.db.WithContext(ctx).
			Where(Plan{ProviderPriceID: plan.ProviderPriceID}).
			FirstOrCreate(&model).Error
		if err != nil {
			return wrapStoreError(errorSubjectPlan, errorCodeCreate, err)
		}
	}
	return nil
}

// LoadPlans reads the active rate card for the in-memory catalog.
func (store *Store) LoadPlans(ctx context.Context) ([]billing.Plan, error) {
	var rows []Plan
	err := store.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPlan, errorCodeList, err)
	}
	plans := make([]billing.Plan, 0, len(rows))
	for _, row := range rows {
		plans = append(plans, billing.Plan{
			PlanID:          row.PlanID,
			Name:            row.Name,
			CreditsPerMonth: row.CreditsPerMonth,
			PriceCents:      row.PriceCents,
			ProviderPriceID: row.ProviderPriceID,
		})
	}
	return plans, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(model Account) credits.Account {
	return credits.Account{
		AccountID:      model.AccountID,
		ExternalRef:    model.ExternalRef,
		BalanceCredits: model.BalanceCredits,
		Active:         model.IsActive,
	}
}

func mapTransaction(model CreditTransaction) credits.Transaction {
	return credits.Transaction{
		TransactionID:       model.TransactionID,
		AccountID:           model.AccountID,
		Amount:              credits.CreditAmount(model.Amount),
		BalanceAfter:        model.BalanceAfter,
		Kind:                credits.TransactionKind(model.Kind),
		ReferenceID:         stringOrEmpty(model.ReferenceID),
		ParentTransactionID: stringOrEmpty(model.ParentTransactionID),
		Description:         model.Description,
		CreatedUnixUTC:      model.CreatedAt.Unix(),
	}
}

func mapSubscription(model Subscription) billing.Subscription {
	return billing.Subscription{
		AccountID:              model.AccountID,
		PlanID:                 model.PlanID,
		Status:                 billing.SubscriptionStatus(model.Status),
		ProviderSubscriptionID: model.ProviderSubscriptionID,
		ProviderCustomerID:     model.ProviderCustomerID,
		PeriodStartUnixUTC:     timeOrZero(model.PeriodStart),
		PeriodEndUnixUTC:       timeOrZero(model.PeriodEnd),
		EventUnixUTC:           model.EventAt.Unix(),
	}
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func optionalTime(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// isConstraintViolation narrows a unique violation to one constraint.
// Postgres reports the constraint name; sqlite reports the column list, so a
// column hint is matched against the message there.
func isConstraintViolation(err error, constraintName string, sqliteColumnHint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode &&
			strings.Contains(sqliteErr.Error(), sqliteColumnHint)
	}
	return false
}
