package credits

import (
	"context"
	"fmt"
	"strings"
)

// CreditAmount is a signed quantity of credits as recorded on a transaction.
type CreditAmount int64

// Int64 returns the raw signed value.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// PositiveCredits is a strictly positive quantity of credits as accepted by
// the mutating operations.
type PositiveCredits int64

// NewPositiveCredits validates an amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCredits(raw), nil
}

// ToCreditAmount converts to the signed representation.
func (amount PositiveCredits) ToCreditAmount() CreditAmount {
	return CreditAmount(amount)
}

// Negated returns the debit representation of the amount.
func (amount PositiveCredits) Negated() CreditAmount {
	return CreditAmount(-int64(amount))
}

// Int64 returns the raw positive value.
func (amount PositiveCredits) Int64() int64 {
	return int64(amount)
}

// AccountRef identifies an account owner as supplied by the identity
// provider. The ledger trusts the reference it is given.
type AccountRef struct {
	value string
}

// NewAccountRef validates and normalizes an account reference.
func NewAccountRef(raw string) (AccountRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountRef{}, fmt.Errorf("%w: empty value", ErrInvalidAccountRef)
	}
	return AccountRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref AccountRef) String() string {
	return ref.value
}

// TransactionID identifies one ledger transaction.
type TransactionID struct {
	value string
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// ReferenceID scopes duplicate detection for a transaction. A job id on
// deductions, a subscription period marker on renewal grants.
type ReferenceID struct {
	value string
}

// NewReferenceID validates and normalizes a reference id.
func NewReferenceID(raw string) (ReferenceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReferenceID{}, fmt.Errorf("%w: empty value", ErrInvalidReferenceID)
	}
	return ReferenceID{value: trimmed}, nil
}

// String returns the normalized reference id.
func (id ReferenceID) String() string {
	return id.value
}

// TransactionKind enumerates ledger transaction kinds.
type TransactionKind string

const (
	KindSubscriptionGrant TransactionKind = "subscription_grant"
	KindPurchase          TransactionKind = "purchase"
	KindJobUsage          TransactionKind = "job_usage"
	KindRefund            TransactionKind = "refund"
	KindBonus             TransactionKind = "bonus"
)

// ParseTransactionKind validates a raw kind string.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	kind := TransactionKind(raw)
	switch kind {
	case KindSubscriptionGrant, KindPurchase, KindJobUsage, KindRefund, KindBonus:
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
}

// String returns the kind as stored.
func (kind TransactionKind) String() string {
	return string(kind)
}

// grantable reports whether Grant accepts the kind. Refunds are appended
// only through Refund so the parent linkage is always present, and job usage
// only through Deduct.
func (kind TransactionKind) grantable() bool {
	switch kind {
	case KindSubscriptionGrant, KindPurchase, KindBonus:
		return true
	}
	return false
}

// Account is the balance-holding identity of one end user.
type Account struct {
	AccountID      string
	ExternalRef    string
	BalanceCredits int64
	Active         bool
}

// Transaction is one immutable line in the credit ledger.
type Transaction struct {
	TransactionID       string
	AccountID           string
	Amount              CreditAmount
	BalanceAfter        int64
	Kind                TransactionKind
	ReferenceID         string
	ParentTransactionID string
	Description         string
	CreatedUnixUTC      int64
}

// TransactionInput carries the fields of a transaction about to be written.
// The store assigns the transaction id.
type TransactionInput struct {
	AccountID           string
	Amount              CreditAmount
	BalanceAfter        int64
	Kind                TransactionKind
	ReferenceID         string
	ParentTransactionID string
	Description         string
	CreatedUnixUTC      int64
}

// AuditReport compares the cached balance against the recomputed sum.
type AuditReport struct {
	AccountID       string
	CachedCredits   int64
	ComputedCredits int64
}

// Consistent reports whether cache and ledger agree.
func (report AuditReport) Consistent() bool {
	return report.CachedCredits == report.ComputedCredits
}

// Store is the persistence contract used by Service. All mutating calls made
// from within WithTx observe and produce state atomically; the account row
// returned by GetOrCreateAccountForUpdate stays locked until the transaction
// ends, serializing writers per account without blocking other accounts.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, ref AccountRef) (Account, error)
	GetOrCreateAccountForUpdate(ctx context.Context, ref AccountRef) (Account, error)
	LockAccount(ctx context.Context, accountID string) (Account, error)
	UpdateAccountBalance(ctx context.Context, accountID string, balanceCredits int64) error
	SetAccountActive(ctx context.Context, accountID string, active bool) error
	InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	FindTransactionByReference(ctx context.Context, accountID string, kind TransactionKind, referenceID ReferenceID) (Transaction, bool, error)
	FindRefundOf(ctx context.Context, parentTransactionID string) (Transaction, bool, error)
	SumTransactionAmounts(ctx context.Context, accountID string) (int64, error)
	// ListTransactions returns at most limit transactions created strictly
	// before the cutoff, newest first. A beforeUnixUTC of 0 means no cutoff.
	ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Transaction, error)
	ListAccountRefs(ctx context.Context) ([]AccountRef, error)
}
