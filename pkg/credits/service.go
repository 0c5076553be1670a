package credits

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store. It is the only mutator of
// account balances: every write happens inside one store transaction with the
// account row locked, so read-validate-write is indivisible per account.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Grant appends a positive transaction of the given kind. When a reference id
// is supplied the call is idempotent on (account, kind, reference): a replay
// returns the previously written transaction instead of granting twice.
func (service *Service) Grant(ctx context.Context, ref AccountRef, amount PositiveCredits, kind TransactionKind, referenceID *ReferenceID, description string) (Transaction, error) {
	var granted Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if !kind.grantable() {
			return fmt.Errorf("%w: %q is not a grant kind", ErrInvalidTransactionKind, kind)
		}
		if err := validateDescription(description); err != nil {
			return err
		}
		account, err := transactionStore.GetOrCreateAccountForUpdate(ctx, ref)
		if err != nil {
			return err
		}
		if referenceID != nil {
			existing, found, err := transactionStore.FindTransactionByReference(ctx, account.AccountID, kind, *referenceID)
			if err != nil {
				return err
			}
			if found {
				granted = existing
				return nil
			}
		}
		granted, err = service.appendTransaction(ctx, transactionStore, account, TransactionInput{
			AccountID:      account.AccountID,
			Amount:         amount.ToCreditAmount(),
			Kind:           kind,
			ReferenceID:    referenceValue(referenceID),
			Description:    description,
			CreatedUnixUTC: service.nowFn(),
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationGrant,
		AccountRef:    ref,
		TransactionID: granted.TransactionID,
		Amount:        amount.ToCreditAmount(),
		Kind:          kind,
		ReferenceID:   referenceValue(referenceID),
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return granted, nil
}

// Deduct appends a negative job_usage transaction, idempotent on the job
// reference id. The balance check and the write share one account lock, so
// concurrent deductions never overdraw.
func (service *Service) Deduct(ctx context.Context, ref AccountRef, amount PositiveCredits, referenceID ReferenceID, description string) (Transaction, error) {
	var deducted Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := validateDescription(description); err != nil {
			return err
		}
		account, err := transactionStore.GetOrCreateAccountForUpdate(ctx, ref)
		if err != nil {
			return err
		}
		existing, found, err := transactionStore.FindTransactionByReference(ctx, account.AccountID, KindJobUsage, referenceID)
		if err != nil {
			return err
		}
		if found {
			deducted = existing
			return nil
		}
		if !account.Active {
			return ErrAccountInactive
		}
		if account.BalanceCredits < amount.Int64() {
			return ErrInsufficientCredits
		}
		deducted, err = service.appendTransaction(ctx, transactionStore, account, TransactionInput{
			AccountID:      account.AccountID,
			Amount:         amount.Negated(),
			Kind:           KindJobUsage,
			ReferenceID:    referenceID.String(),
			Description:    description,
			CreatedUnixUTC: service.nowFn(),
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationDeduct,
		AccountRef:    ref,
		TransactionID: deducted.TransactionID,
		Amount:        amount.Negated(),
		Kind:          KindJobUsage,
		ReferenceID:   referenceID.String(),
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return deducted, nil
}

// Refund reverses a deduction by appending a compensating refund transaction
// with the original as parent. A deduction is refunded at most once: a replay
// returns the refund already written.
func (service *Service) Refund(ctx context.Context, originalTransactionID TransactionID, description string) (Transaction, error) {
	var refunded Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := validateDescription(description); err != nil {
			return err
		}
		original, err := transactionStore.GetTransaction(ctx, originalTransactionID)
		if err != nil {
			return err
		}
		if original.Amount.Int64() >= 0 {
			return fmt.Errorf("%w: amount %d is not a debit", ErrNotRefundable, original.Amount.Int64())
		}
		account, err := transactionStore.LockAccount(ctx, original.AccountID)
		if err != nil {
			return err
		}
		existing, found, err := transactionStore.FindRefundOf(ctx, original.TransactionID)
		if err != nil {
			return err
		}
		if found {
			refunded = existing
			return nil
		}
		if description == "" {
			description = descriptionRefundPrefix + original.TransactionID
		}
		refunded, err = service.appendTransaction(ctx, transactionStore, account, TransactionInput{
			AccountID:           account.AccountID,
			Amount:              CreditAmount(-original.Amount.Int64()),
			Kind:                KindRefund,
			ReferenceID:         original.ReferenceID,
			ParentTransactionID: original.TransactionID,
			Description:         description,
			CreatedUnixUTC:      service.nowFn(),
		})
		return err
	})
	if errors.Is(operationError, ErrAlreadyRefunded) {
		existing, found, lookupErr := service.store.FindRefundOf(ctx, originalTransactionID.String())
		if lookupErr == nil && found {
			refunded = existing
			operationError = nil
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationRefund,
		TransactionID: refunded.TransactionID,
		Amount:        refunded.Amount,
		Kind:          KindRefund,
		ReferenceID:   originalTransactionID.String(),
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return refunded, nil
}

// Balance returns the cached balance, creating the account on first sight.
func (service *Service) Balance(ctx context.Context, ref AccountRef) (int64, error) {
	account, err := service.store.GetOrCreateAccount(ctx, ref)
	if err != nil {
		return 0, err
	}
	return account.BalanceCredits, nil
}

// ComputeBalance folds every transaction for the account in creation order.
// It is the source of truth when the cached balance is suspect.
func (service *Service) ComputeBalance(ctx context.Context, ref AccountRef) (int64, error) {
	account, err := service.store.GetOrCreateAccount(ctx, ref)
	if err != nil {
		return 0, err
	}
	return service.store.SumTransactionAmounts(ctx, account.AccountID)
}

// VerifyAccount compares the cached balance against the recomputed sum.
func (service *Service) VerifyAccount(ctx context.Context, ref AccountRef) (AuditReport, error) {
	account, err := service.store.GetOrCreateAccount(ctx, ref)
	if err != nil {
		return AuditReport{}, err
	}
	computed, err := service.store.SumTransactionAmounts(ctx, account.AccountID)
	if err != nil {
		return AuditReport{}, err
	}
	return AuditReport{
		AccountID:       account.AccountID,
		CachedCredits:   account.BalanceCredits,
		ComputedCredits: computed,
	}, nil
}

// ListTransactions lists ledger transactions for an account before a cutoff time.
func (service *Service) ListTransactions(ctx context.Context, ref AccountRef, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	account, err := service.store.GetOrCreateAccount(ctx, ref)
	if err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, account.AccountID, beforeUnixUTC, limit)
}

// DeactivateAccount soft-deactivates an account. Deactivated accounts reject
// new deductions; refunds and reconciler grants still apply.
func (service *Service) DeactivateAccount(ctx context.Context, ref AccountRef) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccountForUpdate(ctx, ref)
		if err != nil {
			return err
		}
		return transactionStore.SetAccountActive(ctx, account.AccountID, false)
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationDeactivate,
		AccountRef: ref,
		Error:      operationError,
	})
	return operationError
}

// appendTransaction writes one ledger row and the matching cached balance
// under the caller's account lock. BalanceAfter snapshots form the verifiable
// per-account chain.
func (service *Service) appendTransaction(ctx context.Context, transactionStore Store, account Account, input TransactionInput) (Transaction, error) {
	balanceAfter := account.BalanceCredits + input.Amount.Int64()
	if balanceAfter < 0 {
		return Transaction{}, fmt.Errorf("%w: balance would become %d", ErrInvalidBalance, balanceAfter)
	}
	input.BalanceAfter = balanceAfter
	inserted, err := transactionStore.InsertTransaction(ctx, input)
	if err != nil {
		return Transaction{}, err
	}
	if err := transactionStore.UpdateAccountBalance(ctx, account.AccountID, balanceAfter); err != nil {
		return Transaction{}, err
	}
	return inserted, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func validateDescription(description string) error {
	if len(description) > maxDescriptionLength {
		return fmt.Errorf("%w: length %d exceeds %d", ErrInvalidDescription, len(description), maxDescriptionLength)
	}
	return nil
}

func referenceValue(referenceID *ReferenceID) string {
	if referenceID == nil {
		return ""
	}
	return referenceID.String()
}
