package gateway

import (
	"context"
	"errors"
	"testing"

	domain "github.com/clearcart/checkout-api/internal/domain"
)

type fakeGateway struct {
	lastOp        string
	lastAuthorize AuthorizeRequest
	auth          Authorization
	err           error
}

func (f *fakeGateway) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	f.lastOp = "authorize"
	f.lastAuthorize = req
	return f.auth, f.err
}

func (f *fakeGateway) Lookup(ctx context.Context, req LookupRequest) (Authorization, error) {
	f.lastOp = "lookup"
	return f.auth, f.err
}

func (f *fakeGateway) Cancel(ctx context.Context, req CancelRequest) (Authorization, error) {
	f.lastOp = "cancel"
	return f.auth, f.err
}

func TestManagerAuthorizeUsesPreferredGateway(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeGateway{auth: Authorization{Reference: "pi_stripe"}}
	paypal := &fakeGateway{auth: Authorization{Reference: "pp_ref"}}

	mgr, err := NewManager(map[string]Provider{
		"stripe": stripe,
		"paypal": paypal,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	auth, err := mgr.Authorize(ctx, RouteContext{PreferredGateway: "paypal"}, AuthorizeRequest{Reference: "pp_ref"})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	if auth.Gateway != "paypal" {
		t.Fatalf("expected gateway 'paypal', got %q", auth.Gateway)
	}
	if paypal.lastOp != "authorize" {
		t.Fatalf("expected paypal gateway to handle call")
	}
	if stripe.lastOp != "" {
		t.Fatalf("expected stripe gateway to remain unused")
	}
}

func TestManagerAuthorizeAssignsIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeGateway{}

	mgr, err := NewManager(map[string]Provider{"stripe": stripe})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := mgr.Authorize(ctx, RouteContext{}, AuthorizeRequest{Reference: "pi_1"}); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if stripe.lastAuthorize.IdempotencyKey == "" {
		t.Fatalf("expected generated idempotency key")
	}

	if _, err := mgr.Authorize(ctx, RouteContext{}, AuthorizeRequest{Reference: "pi_1", IdempotencyKey: "caller-key"}); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if stripe.lastAuthorize.IdempotencyKey != "caller-key" {
		t.Fatalf("expected caller key to be preserved, got %q", stripe.lastAuthorize.IdempotencyKey)
	}
}

func TestManagerRoutesByPaymentType(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeGateway{}
	paypal := &fakeGateway{}

	mgr, err := NewManager(
		map[string]Provider{
			"stripe": stripe,
			"paypal": paypal,
		},
		WithTypeRoutes(map[domain.PaymentType]string{domain.PaymentTypePayPal: "paypal"}),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	auth, err := mgr.Lookup(ctx, RouteContext{PaymentType: domain.PaymentTypePayPal}, LookupRequest{Reference: "pp_ref"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if auth.Gateway != "paypal" {
		t.Fatalf("expected gateway 'paypal', got %q", auth.Gateway)
	}
	if paypal.lastOp != "lookup" {
		t.Fatalf("expected paypal gateway to handle call")
	}
}

func TestManagerFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeGateway{auth: Authorization{Status: StatusAuthorized}}

	mgr, err := NewManager(map[string]Provider{"stripe": stripe})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	auth, err := mgr.Cancel(ctx, RouteContext{}, CancelRequest{Reference: "pi_123"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if stripe.lastOp != "cancel" {
		t.Fatalf("expected cancel to invoke default gateway")
	}
	if auth.Gateway != "stripe" {
		t.Fatalf("unexpected gateway in authorization: %q", auth.Gateway)
	}
}

func TestManagerUnsupportedGateway(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(map[string]Provider{"stripe": &fakeGateway{}, "paypal": &fakeGateway{}}, WithDefaultGateway(""))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, err = mgr.Authorize(ctx, RouteContext{PreferredGateway: "unknown"}, AuthorizeRequest{Reference: "x"})
	if !errors.Is(err, ErrUnsupportedGateway) {
		t.Fatalf("expected ErrUnsupportedGateway, got %v", err)
	}
}

func TestNewManagerValidatesProviders(t *testing.T) {
	if _, err := NewManager(map[string]Provider{"bad": nil}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error when providers empty")
	}
}
