package billing

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lyriclabs/creditledger/pkg/credits"
)

// Reconciler translates at-least-once, possibly out-of-order provider events
// into subscription and ledger mutations without double effects. Renewal
// grants are keyed on the subscription id plus the period start, so a replay
// of the same renewal is absorbed by the ledger's idempotency contract.
type Reconciler struct {
	creditService *credits.Service
	subscriptions SubscriptionStore
	catalog       PlanCatalog
	logger        *zap.Logger
}

// NewReconciler wires a Reconciler.
func NewReconciler(creditService *credits.Service, subscriptions SubscriptionStore, catalog PlanCatalog, logger *zap.Logger) (*Reconciler, error) {
	if creditService == nil {
		return nil, fmt.Errorf("%w: credit service is nil", ErrInvalidEvent)
	}
	if subscriptions == nil {
		return nil, fmt.Errorf("%w: subscription store is nil", ErrInvalidEvent)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: plan catalog is nil", ErrInvalidEvent)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		creditService: creditService,
		subscriptions: subscriptions,
		catalog:       catalog,
		logger:        logger,
	}, nil
}

// Reconcile applies one authenticated event. Unknown event types and events
// referencing unknown accounts or plans are logged and skipped; only storage
// failures are returned, and those are safe for the caller to retry.
func (reconciler *Reconciler) Reconcile(ctx context.Context, event Event) error {
	switch event.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return reconciler.applySubscriptionChange(ctx, event)
	case EventSubscriptionDeleted:
		return reconciler.applyStatusChange(ctx, event, SubscriptionCanceled)
	case EventPaymentFailed:
		return reconciler.applyStatusChange(ctx, event, SubscriptionPastDue)
	default:
		reconciler.logger.Debug("ignoring billing event",
			zap.String("event_type", string(event.Type)))
		return nil
	}
}

func (reconciler *Reconciler) applySubscriptionChange(ctx context.Context, event Event) error {
	if event.ProviderCustomerID == "" || event.ProviderSubscriptionID == "" {
		reconciler.logger.Warn("skipping malformed subscription event",
			zap.String("event_type", string(event.Type)),
			zap.Error(ErrInvalidEvent))
		return nil
	}
	account, found, err := reconciler.subscriptions.FindAccountByCustomer(ctx, event.ProviderCustomerID)
	if err != nil {
		return err
	}
	if !found {
		reconciler.logger.Warn("skipping event for unknown customer",
			zap.String("customer_id", event.ProviderCustomerID),
			zap.Error(ErrUnknownAccount))
		return nil
	}
	plan, known := reconciler.catalog.PlanByProviderPrice(event.ProviderPriceID)
	if !known {
		reconciler.logger.Warn("skipping event for unknown plan",
			zap.String("price_id", event.ProviderPriceID),
			zap.Error(ErrUnknownPlan))
		return nil
	}

	previous, hadPrevious, err := reconciler.subscriptions.GetSubscriptionByAccount(ctx, account.AccountID)
	if err != nil {
		return err
	}
	if hadPrevious && previous.EventUnixUTC > event.OccurredUnixUTC {
		// Latest write wins: a delayed older event must not regress the row.
		reconciler.logger.Debug("skipping stale subscription event",
			zap.String("subscription_id", event.ProviderSubscriptionID),
			zap.Int64("stored_event_ts", previous.EventUnixUTC),
			zap.Int64("event_ts", event.OccurredUnixUTC))
		return nil
	}

	status := ParseSubscriptionStatus(event.Status)
	if err := reconciler.subscriptions.UpsertSubscription(ctx, Subscription{
		AccountID:              account.AccountID,
		PlanID:                 plan.PlanID,
		Status:                 status,
		ProviderSubscriptionID: event.ProviderSubscriptionID,
		ProviderCustomerID:     event.ProviderCustomerID,
		PeriodStartUnixUTC:     event.PeriodStartUnixUTC,
		PeriodEndUnixUTC:       event.PeriodEndUnixUTC,
		EventUnixUTC:           event.OccurredUnixUTC,
	}); err != nil {
		return err
	}

	if !isRenewal(previous, hadPrevious, event, status) {
		return nil
	}
	return reconciler.grantRenewal(ctx, account, plan, event)
}

// isRenewal keys renewal detection on the period boundary moving forward for
// the same provider subscription, not on provider-specific previous-attribute
// hints. The initial creation of a subscription grants nothing here.
func isRenewal(previous Subscription, hadPrevious bool, event Event, status SubscriptionStatus) bool {
	if !hadPrevious || status != SubscriptionActive {
		return false
	}
	if previous.ProviderSubscriptionID != event.ProviderSubscriptionID {
		return false
	}
	return event.PeriodStartUnixUTC > previous.PeriodStartUnixUTC
}

func (reconciler *Reconciler) grantRenewal(ctx context.Context, account credits.Account, plan Plan, event Event) error {
	accountRef, err := credits.NewAccountRef(account.ExternalRef)
	if err != nil {
		return err
	}
	amount, err := credits.NewPositiveCredits(plan.CreditsPerMonth)
	if err != nil {
		return err
	}
	periodMarker, err := credits.NewReferenceID(fmt.Sprintf("%s:%d", event.ProviderSubscriptionID, event.PeriodStartUnixUTC))
	if err != nil {
		return err
	}
	description := fmt.Sprintf("monthly subscription grant (%d credits)", plan.CreditsPerMonth)
	granted, err := reconciler.creditService.Grant(ctx, accountRef, amount, credits.KindSubscriptionGrant, &periodMarker, description)
	if err != nil {
		return err
	}
	reconciler.logger.Info("renewal credits granted",
		zap.String("account_id", account.AccountID),
		zap.String("transaction_id", granted.TransactionID),
		zap.Int64("credits", plan.CreditsPerMonth),
		zap.String("reference_id", periodMarker.String()))
	return nil
}

func (reconciler *Reconciler) applyStatusChange(ctx context.Context, event Event, status SubscriptionStatus) error {
	if event.ProviderCustomerID == "" {
		reconciler.logger.Warn("skipping malformed status event",
			zap.String("event_type", string(event.Type)),
			zap.Error(ErrInvalidEvent))
		return nil
	}
	account, found, err := reconciler.subscriptions.FindAccountByCustomer(ctx, event.ProviderCustomerID)
	if err != nil {
		return err
	}
	if !found {
		reconciler.logger.Warn("skipping event for unknown customer",
			zap.String("customer_id", event.ProviderCustomerID),
			zap.Error(ErrUnknownAccount))
		return nil
	}
	return reconciler.subscriptions.UpdateSubscriptionStatus(ctx, account.AccountID, status)
}
