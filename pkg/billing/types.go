package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lyriclabs/creditledger/pkg/credits"
)

// Errors surfaced by the reconciler. Unknown-reference cases are logged and
// the event is skipped rather than failing the webhook retry queue.
var (
	ErrUnknownAccount = errors.New("unknown account for customer")
	ErrUnknownPlan    = errors.New("unknown plan for price")
	ErrInvalidEvent   = errors.New("invalid billing event")
)

// EventType identifies a provider lifecycle event.
type EventType string

const (
	EventSubscriptionCreated EventType = "customer.subscription.created"
	EventSubscriptionUpdated EventType = "customer.subscription.updated"
	EventSubscriptionDeleted EventType = "customer.subscription.deleted"
	EventPaymentFailed       EventType = "invoice.payment_failed"
)

// Event is one authenticated, parsed lifecycle event from the payment
// provider. Signature verification happens at the transport boundary before
// an Event is constructed.
type Event struct {
	Type                   EventType
	ProviderSubscriptionID string
	ProviderCustomerID     string
	ProviderPriceID        string
	Status                 string
	PeriodStartUnixUTC     int64
	PeriodEndUnixUTC       int64
	OccurredUnixUTC        int64
}

// SubscriptionStatus defines the subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPaused   SubscriptionStatus = "paused"
)

// ParseSubscriptionStatus maps a raw provider status onto the stored
// lifecycle. Provider statuses outside the known set map to paused.
func ParseSubscriptionStatus(raw string) SubscriptionStatus {
	status := SubscriptionStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case SubscriptionActive, SubscriptionCanceled, SubscriptionPastDue, SubscriptionTrialing:
		return status
	}
	return SubscriptionPaused
}

// String returns the status as stored.
func (status SubscriptionStatus) String() string {
	return string(status)
}

// Subscription is the single active-or-terminal billing record per account.
type Subscription struct {
	AccountID              string
	PlanID                 string
	Status                 SubscriptionStatus
	ProviderSubscriptionID string
	ProviderCustomerID     string
	PeriodStartUnixUTC     int64
	PeriodEndUnixUTC       int64
	EventUnixUTC           int64
}

// Plan is one entry of the rate card: credits granted per period and the
// provider price id used to resolve webhook events.
type Plan struct {
	PlanID          string
	Name            string
	CreditsPerMonth int64
	PriceCents      int64
	ProviderPriceID string
}

// SubscriptionStore is the persistence contract used by the Reconciler.
// UpsertSubscription is keyed on account id and must be last-write-wins by
// EventUnixUTC: an older event never overwrites a newer row.
type SubscriptionStore interface {
	FindAccountByCustomer(ctx context.Context, providerCustomerID string) (credits.Account, bool, error)
	GetSubscriptionByAccount(ctx context.Context, accountID string) (Subscription, bool, error)
	UpsertSubscription(ctx context.Context, subscription Subscription) error
	UpdateSubscriptionStatus(ctx context.Context, accountID string, status SubscriptionStatus) error
}

// PlanCatalog resolves plans by the provider's price identifier.
type PlanCatalog interface {
	PlanByProviderPrice(providerPriceID string) (Plan, bool)
}

// StaticCatalog is an in-memory PlanCatalog built from configuration.
type StaticCatalog struct {
	byPriceID map[string]Plan
}

// NewStaticCatalog indexes the given plans by provider price id.
func NewStaticCatalog(plans []Plan) (*StaticCatalog, error) {
	byPriceID := make(map[string]Plan, len(plans))
	for _, plan := range plans {
		if plan.ProviderPriceID == "" {
			return nil, fmt.Errorf("%w: plan %q has no provider price id", ErrUnknownPlan, plan.PlanID)
		}
		if plan.CreditsPerMonth <= 0 {
			return nil, fmt.Errorf("%w: plan %q grants no credits", ErrUnknownPlan, plan.PlanID)
		}
		byPriceID[plan.ProviderPriceID] = plan
	}
	return &StaticCatalog{byPriceID: byPriceID}, nil
}

// PlanByProviderPrice implements PlanCatalog.
func (catalog *StaticCatalog) PlanByProviderPrice(providerPriceID string) (Plan, bool) {
	plan, found := catalog.byPriceID[providerPriceID]
	return plan, found
}
