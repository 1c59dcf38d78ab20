package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Intents   stripePaymentIntentAPI
}

// StripeGateway authorizes deferred card payments through Stripe Payment Intents.
type StripeGateway struct {
	intents stripePaymentIntentAPI
	account string
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeGateway constructs a Stripe gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}

	intents := cfg.Intents
	if intents == nil {
		sc := client.New(apiKey, cfg.Backends)
		intents = sc.PaymentIntents
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		intents: intents,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Authorize confirms the Payment Intent referenced by the request.
func (g *StripeGateway) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	if g == nil {
		return Authorization{}, errors.New("stripe: gateway is nil")
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return Authorization{}, errors.New("stripe: payment intent reference is required")
	}

	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}

	metadata := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.OrderID != "" {
		metadata["orderId"] = req.OrderID
	}
	if req.PaymentGroupID != "" {
		metadata["paymentGroupId"] = req.PaymentGroupID
	}
	if len(metadata) > 0 {
		params.Metadata = metadata
	}

	intent, err := g.intents.Confirm(reference, params)
	if err != nil {
		return Authorization{}, fmt.Errorf("stripe: confirm payment intent: %w", err)
	}
	g.logger(ctx, "gateway.stripe.intent.confirmed", map[string]any{
		"paymentIntent": intent.ID,
		"orderId":       req.OrderID,
		"status":        intent.Status,
	})
	return stripeAuthorization(intent), nil
}

// Lookup retrieves the authorization state for the referenced Payment Intent.
func (g *StripeGateway) Lookup(ctx context.Context, req LookupRequest) (Authorization, error) {
	if g == nil {
		return Authorization{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	intent, err := g.intents.Get(strings.TrimSpace(req.Reference), params)
	if err != nil {
		return Authorization{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return stripeAuthorization(intent), nil
}

// Cancel voids the referenced Payment Intent.
func (g *StripeGateway) Cancel(ctx context.Context, req CancelRequest) (Authorization, error) {
	if g == nil {
		return Authorization{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	if reason := mapStripeCancellationReason(req.Reason); reason != "" {
		params.CancellationReason = stripe.String(reason)
	}
	intent, err := g.intents.Cancel(strings.TrimSpace(req.Reference), params)
	if err != nil {
		return Authorization{}, fmt.Errorf("stripe: cancel payment intent: %w", err)
	}
	g.logger(ctx, "gateway.stripe.intent.cancelled", map[string]any{
		"paymentIntent": intent.ID,
	})
	return stripeAuthorization(intent), nil
}

func stripeAuthorization(intent *stripe.PaymentIntent) Authorization {
	if intent == nil {
		return Authorization{}
	}

	status := StatusPending
	var declineCode string
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
		status = StatusAuthorized
	case stripe.PaymentIntentStatusCanceled:
		switch intent.CancellationReason {
		case stripe.PaymentIntentCancellationReasonAbandoned, "expired":
			status = StatusExpired
		default:
			status = StatusDeclined
		}
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if intent.LastPaymentError != nil {
			status = StatusDeclined
		}
	}
	if intent.LastPaymentError != nil {
		declineCode = string(intent.LastPaymentError.Code)
		if declineCode == "" {
			declineCode = intent.LastPaymentError.Msg
		}
	}

	var authorizedAt *time.Time
	if status == StatusAuthorized && intent.LatestCharge != nil {
		t := time.Unix(intent.LatestCharge.Created, 0).UTC()
		authorizedAt = &t
	}

	raw := map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	} else {
		raw["payment_intent"] = intent
	}

	return Authorization{
		Gateway:      "stripe",
		Reference:    intent.ID,
		Status:       status,
		Amount:       intent.Amount,
		Currency:     strings.ToUpper(string(intent.Currency)),
		DeclineCode:  declineCode,
		AuthorizedAt: authorizedAt,
		Raw:          raw,
	}
}

func mapStripeCancellationReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.PaymentIntentCancellationReasonDuplicate):
		return string(stripe.PaymentIntentCancellationReasonDuplicate)
	case string(stripe.PaymentIntentCancellationReasonFraudulent):
		return string(stripe.PaymentIntentCancellationReasonFraudulent)
	case string(stripe.PaymentIntentCancellationReasonRequestedByCustomer):
		return string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)
	case string(stripe.PaymentIntentCancellationReasonAbandoned):
		return string(stripe.PaymentIntentCancellationReasonAbandoned)
	default:
		return ""
	}
}
