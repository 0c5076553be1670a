package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. BalanceCredits is the denormalized
// cache; the transaction log is the source of truth.
type Account struct {
	AccountID          string    `gorm:"type:uuid;primaryKey"`
	ExternalRef        string    `gorm:"not null;uniqueIndex:uniq_accounts_external_ref"`
	ProviderCustomerID *string   `gorm:"uniqueIndex:uniq_accounts_provider_customer"`
	BalanceCredits     int64     `gorm:"not null;default:0"`
	IsActive           bool      `gorm:"not null;default:true"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// CreditTransaction mirrors the credit_transactions table. Rows are
// append-only; corrections happen through compensating rows.
type CreditTransaction struct {
	TransactionID       string    `gorm:"type:uuid;primaryKey"`
	AccountID           string    `gorm:"type:uuid;not null;index:idx_tx_account_created,priority:1;uniqueIndex:uniq_tx_account_kind_reference,priority:1"`
	Amount              int64     `gorm:"not null"`
	BalanceAfter        int64     `gorm:"not null"`
	Kind                string    `gorm:"not null;uniqueIndex:uniq_tx_account_kind_reference,priority:2"`
	ReferenceID         *string   `gorm:"uniqueIndex:uniq_tx_account_kind_reference,priority:3"`
	ParentTransactionID *string   `gorm:"type:uuid;uniqueIndex:uniq_tx_parent"`
	Description         string    `gorm:""`
	CreatedAt           time.Time `gorm:"not null;index:idx_tx_account_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Subscription mirrors the subscriptions table, one row per account.
type Subscription struct {
	SubscriptionID         string     `gorm:"type:uuid;primaryKey"`
	AccountID              string     `gorm:"type:uuid;not null;uniqueIndex:uniq_subscriptions_account"`
	PlanID                 string     `gorm:"not null"`
	Status                 string     `gorm:"not null"`
	ProviderSubscriptionID string     `gorm:"not null;index:idx_subscriptions_provider"`
	ProviderCustomerID     string     `gorm:"not null"`
	PeriodStart            *time.Time `gorm:""`
	PeriodEnd              *time.Time `gorm:""`
	EventAt                time.Time  `gorm:"not null"`
	CreatedAt              time.Time  `gorm:"not null"`
	UpdatedAt              time.Time  `gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

func (subscription *Subscription) BeforeCreate(tx *gorm.DB) error {
	if subscription.SubscriptionID == "" {
		subscription.SubscriptionID = uuid.NewString()
	}
	return nil
}

// Plan mirrors the plans rate-card table.
type Plan struct {
	PlanID          string         `gorm:"type:uuid;primaryKey"`
	Name            string         `gorm:"not null"`
	CreditsPerMonth int64          `gorm:"not null"`
	PriceCents      int64          `gorm:"not null"`
	ProviderPriceID string         `gorm:"not null;uniqueIndex:uniq_plans_provider_price"`
	Features        datatypes.JSON `gorm:"type:jsonb;not null"`
	IsActive        bool           `gorm:"not null;default:true"`
	CreatedAt       time.Time      `gorm:"not null"`
}

func (Plan) TableName() string { return "plans" }

func (plan *Plan) BeforeCreate(tx *gorm.DB) error {
	if plan.PlanID == "" {
		plan.PlanID = uuid.NewString()
	}
	return nil
}
