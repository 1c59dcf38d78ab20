package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type stubIntentsAPI struct {
	confirmFunc func(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	getFunc     func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	cancelFunc  func(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

func (s *stubIntentsAPI) Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
	return s.confirmFunc(id, params)
}

func (s *stubIntentsAPI) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.getFunc(id, params)
}

func (s *stubIntentsAPI) Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	return s.cancelFunc(id, params)
}

func newTestStripeGateway(t *testing.T, intents *stubIntentsAPI) *StripeGateway {
	t.Helper()
	gw, err := NewStripeGateway(StripeGatewayConfig{
		Intents: intents,
		Clock:   func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new stripe gateway: %v", err)
	}
	return gw
}

func TestStripeGatewayAuthorizeTagsOrderMetadata(t *testing.T) {
	var captured *stripe.PaymentIntentConfirmParams
	intents := &stubIntentsAPI{
		confirmFunc: func(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
			captured = params
			return &stripe.PaymentIntent{
				ID:       id,
				Status:   stripe.PaymentIntentStatusRequiresCapture,
				Amount:   5000,
				Currency: "usd",
			}, nil
		},
	}

	gw := newTestStripeGateway(t, intents)
	auth, err := gw.Authorize(context.Background(), AuthorizeRequest{
		OrderID:        "o2001",
		PaymentGroupID: "pg1",
		Reference:      "pi_123",
		IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	if auth.Status != StatusAuthorized {
		t.Fatalf("expected authorized status, got %s", auth.Status)
	}
	if auth.Reference != "pi_123" {
		t.Fatalf("unexpected reference %s", auth.Reference)
	}
	if auth.Currency != "USD" {
		t.Fatalf("expected normalised currency USD, got %s", auth.Currency)
	}
	if captured == nil {
		t.Fatal("expected confirm params to be captured")
	}
	if captured.Metadata["orderId"] != "o2001" || captured.Metadata["paymentGroupId"] != "pg1" {
		t.Fatalf("expected order metadata on intent, got %v", captured.Metadata)
	}
}

func TestStripeGatewayAuthorizeRequiresReference(t *testing.T) {
	gw := newTestStripeGateway(t, &stubIntentsAPI{})
	if _, err := gw.Authorize(context.Background(), AuthorizeRequest{OrderID: "o2001"}); err == nil {
		t.Fatal("expected error for missing reference")
	}
}

func TestStripeGatewayLookupMapsDecline(t *testing.T) {
	intents := &stubIntentsAPI{
		getFunc: func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			return &stripe.PaymentIntent{
				ID:     id,
				Status: stripe.PaymentIntentStatusRequiresPaymentMethod,
				LastPaymentError: &stripe.Error{
					Code: stripe.ErrorCodeCardDeclined,
				},
			}, nil
		},
	}

	gw := newTestStripeGateway(t, intents)
	auth, err := gw.Lookup(context.Background(), LookupRequest{Reference: "pi_456"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if auth.Status != StatusDeclined {
		t.Fatalf("expected declined status, got %s", auth.Status)
	}
	if auth.DeclineCode != string(stripe.ErrorCodeCardDeclined) {
		t.Fatalf("unexpected decline code %s", auth.DeclineCode)
	}
}

func TestStripeGatewayCancelMapsAbandonedToExpired(t *testing.T) {
	intents := &stubIntentsAPI{
		cancelFunc: func(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
			return &stripe.PaymentIntent{
				ID:                 id,
				Status:             stripe.PaymentIntentStatusCanceled,
				CancellationReason: stripe.PaymentIntentCancellationReasonAbandoned,
			}, nil
		},
	}

	gw := newTestStripeGateway(t, intents)
	auth, err := gw.Cancel(context.Background(), CancelRequest{Reference: "pi_789", Reason: "abandoned"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if auth.Status != StatusExpired {
		t.Fatalf("expected expired status, got %s", auth.Status)
	}
}
