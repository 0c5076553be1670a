package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/lyriclabs/creditledger/pkg/billing"
)

const stripeSignatureHeader = "Stripe-Signature"

const maxWebhookBodyBytes = 1 << 20

// subscriptionPayload reads the fields this service needs from a provider
// subscription object. Period boundaries have moved between API versions, so
// both the object-level and item-level locations are read.
type subscriptionPayload struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type invoicePayload struct {
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

// handleStripeWebhook verifies the provider signature, translates the raw
// event into the internal billing event shape, and hands it to the
// reconciler. Returning 2xx acknowledges the event; only storage failures
// produce a retryable non-2xx.
func (server *Server) handleStripeWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}

	var stripeEvent stripe.Event
	if server.cfg.WebhookSigningSecret != "" {
		stripeEvent, err = webhook.ConstructEvent(body, ctx.GetHeader(stripeSignatureHeader), server.cfg.WebhookSigningSecret)
		if err != nil {
			server.logger.Warn("webhook signature rejected", zap.Error(err))
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "signature verification failed"))
			return
		}
	} else if err := json.Unmarshal(body, &stripeEvent); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	event, recognized, err := translateStripeEvent(stripeEvent)
	if err != nil {
		server.metrics.observeWebhook(string(stripeEvent.Type), err)
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "malformed event object"))
		return
	}
	if !recognized {
		ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	err = server.reconciler.Reconcile(requestCtx, event)
	server.metrics.observeWebhook(string(event.Type), err)
	if err != nil {
		server.logger.Error("webhook reconcile failed",
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("storage_unavailable", "try again later"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "processed"})
}

var errMissingEventObject = errors.New("event carries no object")

func translateStripeEvent(stripeEvent stripe.Event) (billing.Event, bool, error) {
	eventType := billing.EventType(stripeEvent.Type)
	if stripeEvent.Data == nil {
		switch eventType {
		case billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated,
			billing.EventSubscriptionDeleted, billing.EventPaymentFailed:
			return billing.Event{}, false, errMissingEventObject
		}
		return billing.Event{}, false, nil
	}
	switch eventType {
	case billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		var payload subscriptionPayload
		if err := json.Unmarshal(stripeEvent.Data.Raw, &payload); err != nil {
			return billing.Event{}, false, err
		}
		event := billing.Event{
			Type:                   eventType,
			ProviderSubscriptionID: payload.ID,
			ProviderCustomerID:     payload.Customer,
			Status:                 payload.Status,
			PeriodStartUnixUTC:     payload.CurrentPeriodStart,
			PeriodEndUnixUTC:       payload.CurrentPeriodEnd,
			OccurredUnixUTC:        stripeEvent.Created,
		}
		if len(payload.Items.Data) > 0 {
			item := payload.Items.Data[0]
			event.ProviderPriceID = item.Price.ID
			if event.PeriodStartUnixUTC == 0 {
				event.PeriodStartUnixUTC = item.CurrentPeriodStart
			}
			if event.PeriodEndUnixUTC == 0 {
				event.PeriodEndUnixUTC = item.CurrentPeriodEnd
			}
		}
		return event, true, nil
	case billing.EventPaymentFailed:
		var payload invoicePayload
		if err := json.Unmarshal(stripeEvent.Data.Raw, &payload); err != nil {
			return billing.Event{}, false, err
		}
		return billing.Event{
			Type:                   eventType,
			ProviderSubscriptionID: payload.Subscription,
			ProviderCustomerID:     payload.Customer,
			OccurredUnixUTC:        stripeEvent.Created,
		}, true, nil
	default:
		return billing.Event{}, false, nil
	}
}
