package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/clearcart/checkout-api/internal/checkout"
)

// ErrEventIgnored marks webhook events that carry no authorization verdict.
var ErrEventIgnored = errors.New("gateway: event ignored")

// ErrMissingOrderReference is returned when a verdict event lacks the metadata
// that ties it back to an order.
var ErrMissingOrderReference = errors.New("gateway: event missing order reference")

// WebhookTranslator verifies signed Stripe webhook payloads and converts
// payment intent outcomes into authorization events.
type WebhookTranslator struct {
	secret string
	logger StripeLogger
}

// NewWebhookTranslator constructs a translator with the endpoint signing secret.
func NewWebhookTranslator(secret string, logger StripeLogger) (*WebhookTranslator, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, errors.New("gateway: webhook signing secret is required")
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &WebhookTranslator{secret: trimmed, logger: logger}, nil
}

// Translate verifies the payload signature and maps the event to a verdict.
// Events that carry no verdict return ErrEventIgnored.
func (t *WebhookTranslator) Translate(ctx context.Context, payload []byte, signatureHeader string) (checkout.AuthorizationEvent, error) {
	if t == nil {
		return checkout.AuthorizationEvent{}, errors.New("gateway: translator is nil")
	}

	event, err := webhook.ConstructEvent(payload, signatureHeader, t.secret)
	if err != nil {
		return checkout.AuthorizationEvent{}, fmt.Errorf("gateway: verify webhook: %w", err)
	}

	var status checkout.AuthorizationStatus
	switch event.Type {
	case "payment_intent.succeeded":
		status = checkout.AuthorizationSucceeded
	case "payment_intent.payment_failed":
		status = checkout.AuthorizationDeclined
	case "payment_intent.canceled":
		status = checkout.AuthorizationTimedOut
	default:
		t.logger(ctx, "gateway.webhook.ignored", map[string]any{
			"eventId":   event.ID,
			"eventType": string(event.Type),
		})
		return checkout.AuthorizationEvent{}, ErrEventIgnored
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return checkout.AuthorizationEvent{}, fmt.Errorf("gateway: decode payment intent: %w", err)
	}

	orderID := strings.TrimSpace(intent.Metadata["orderId"])
	groupID := strings.TrimSpace(intent.Metadata["paymentGroupId"])
	if orderID == "" || groupID == "" {
		t.logger(ctx, "gateway.webhook.unreferenced", map[string]any{
			"eventId":       event.ID,
			"paymentIntent": intent.ID,
		})
		return checkout.AuthorizationEvent{}, ErrMissingOrderReference
	}

	reason := ""
	if status != checkout.AuthorizationSucceeded {
		if intent.LastPaymentError != nil {
			reason = string(intent.LastPaymentError.Code)
			if reason == "" {
				reason = intent.LastPaymentError.Msg
			}
		}
		if reason == "" && intent.CancellationReason != "" {
			reason = string(intent.CancellationReason)
		}
	}

	occurredAt := time.Unix(event.Created, 0).UTC()

	return checkout.AuthorizationEvent{
		OrderID:        orderID,
		ShopperID:      strings.TrimSpace(intent.Metadata["shopperId"]),
		PaymentGroupID: groupID,
		Status:         status,
		Reason:         reason,
		OccurredAt:     occurredAt,
	}, nil
}
