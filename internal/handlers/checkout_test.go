package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/clearcart/checkout-api/internal/checkout"
	"github.com/clearcart/checkout-api/internal/domain"
	"github.com/clearcart/checkout-api/internal/gateway"
	"github.com/clearcart/checkout-api/internal/platform/auth"
)

type stubSubmissionService struct {
	submitFunc func(ctx context.Context, cmd checkout.SubmitOrderCommand) (checkout.SubmissionResult, error)
}

func (s *stubSubmissionService) Submit(ctx context.Context, cmd checkout.SubmitOrderCommand) (checkout.SubmissionResult, error) {
	if s.submitFunc != nil {
		return s.submitFunc(ctx, cmd)
	}
	return checkout.SubmissionResult{}, nil
}

type stubContinuationService struct {
	returnFunc func(ctx context.Context, cmd checkout.ReturnFromGatewayCommand) (checkout.SubmissionResult, error)
	resumeFunc func(ctx context.Context, cmd checkout.ResumeOrderCommand) (checkout.SubmissionResult, error)
}

func (s *stubContinuationService) ReturnFromGateway(ctx context.Context, cmd checkout.ReturnFromGatewayCommand) (checkout.SubmissionResult, error) {
	if s.returnFunc != nil {
		return s.returnFunc(ctx, cmd)
	}
	return checkout.SubmissionResult{}, nil
}

func (s *stubContinuationService) ResumePendingPayment(ctx context.Context, cmd checkout.ResumeOrderCommand) (checkout.SubmissionResult, error) {
	if s.resumeFunc != nil {
		return s.resumeFunc(ctx, cmd)
	}
	return checkout.SubmissionResult{}, nil
}

func submitPayload() string {
	return `{
		"order": {
			"shippingAddress": {"firstName":"Ada","lastName":"Okafor","address1":"1 Main St","city":"Leeds","postalCode":"LS1 1AA","country":"GB"},
			"shippingMethod": "standard",
			"billingAddress": {"firstName":"Ada","lastName":"Okafor","address1":"1 Main St","city":"Leeds","postalCode":"LS1 1AA","country":"GB"}
		},
		"cart": {
			"id": "cart-1",
			"currency": "GBP",
			"items": [{"id":"li1","productId":"p1","sku":"sku1","quantity":2,"unitPrice":"19.99"}],
			"subtotal": "39.98",
			"tax": "8.00",
			"shippingCost": "4.99",
			"total": "52.97"
		},
		"payments": [{"type":"card","amount":"52.97","card":{"nameOnCard":"Ada Okafor","savedCardId":"card-9"}}]
	}`
}

func TestCheckoutSubmitAuthenticated(t *testing.T) {
	router := chi.NewRouter()
	var captured checkout.SubmitOrderCommand
	submissions := &stubSubmissionService{
		submitFunc: func(ctx context.Context, cmd checkout.SubmitOrderCommand) (checkout.SubmissionResult, error) {
			captured = cmd
			return checkout.SubmissionResult{
				OrderID:   "o4001",
				State:     domain.OrderStateSubmitted,
				Outcome:   checkout.OutcomeSubmitted,
				Operation: domain.OperationCreate,
			}, nil
		},
	}

	handler := NewCheckoutHandlers(nil, submissions, &stubContinuationService{})
	handler.Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewBufferString(submitPayload()))
	req.Header.Set("Idempotency-Key", "idem-1")
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "shopper-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.ShopperID != "shopper-1" {
		t.Fatalf("expected shopper id propagated, got %q", captured.ShopperID)
	}
	if !captured.Authenticated {
		t.Fatalf("expected authenticated command")
	}
	if captured.IdempotencyKey != "idem-1" {
		t.Fatalf("expected idempotency key, got %q", captured.IdempotencyKey)
	}
	if len(captured.Payments) != 1 || captured.Payments[0].Type != domain.PaymentTypeCard {
		t.Fatalf("unexpected payments %#v", captured.Payments)
	}
	if captured.Payments[0].Card == nil || captured.Payments[0].Card.SavedCardID != "card-9" {
		t.Fatalf("expected card details propagated")
	}
	if !captured.Cart.Total.Equal(decimal.RequireFromString("52.97")) {
		t.Fatalf("unexpected cart total %s", captured.Cart.Total)
	}

	var resp submissionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OrderID != "o4001" || resp.Outcome != "submitted" {
		t.Fatalf("unexpected response %#v", resp)
	}
}

func TestCheckoutSubmitGuestRequiresEmail(t *testing.T) {
	router := chi.NewRouter()
	handler := NewCheckoutHandlers(nil, &stubSubmissionService{}, &stubContinuationService{})
	handler.Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewBufferString(submitPayload()))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCheckoutSubmitGuestDerivesShopperID(t *testing.T) {
	router := chi.NewRouter()
	var captured checkout.SubmitOrderCommand
	submissions := &stubSubmissionService{
		submitFunc: func(ctx context.Context, cmd checkout.SubmitOrderCommand) (checkout.SubmissionResult, error) {
			captured = cmd
			return checkout.SubmissionResult{Outcome: checkout.OutcomeSubmitted}, nil
		},
	}
	handler := NewCheckoutHandlers(nil, submissions, &stubContinuationService{})
	handler.Routes(router)

	payload := `{"guestEmail":"Guest@Example.com","order":{"shippingAddress":{"firstName":"G","lastName":"S","address1":"2 High St","city":"York","postalCode":"YO1 1AA","country":"GB"}},"cart":{"id":"cart-2","currency":"GBP","items":[{"id":"li1","productId":"p1","sku":"sku1","quantity":1,"unitPrice":"5.00"}],"subtotal":"5.00","tax":"1.00","shippingCost":"0","total":"6.00"},"payments":[{"type":"cash"}]}`
	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewBufferString(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.ShopperID != "guest:guest@example.com" {
		t.Fatalf("unexpected guest shopper id %q", captured.ShopperID)
	}
	if captured.Authenticated {
		t.Fatalf("expected guest command")
	}
}

func TestCheckoutSubmitInFlightConflict(t *testing.T) {
	router := chi.NewRouter()
	submissions := &stubSubmissionService{
		submitFunc: func(ctx context.Context, cmd checkout.SubmitOrderCommand) (checkout.SubmissionResult, error) {
			return checkout.SubmissionResult{}, checkout.ErrSubmissionInFlight
		},
	}
	handler := NewCheckoutHandlers(nil, submissions, &stubContinuationService{})
	handler.Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewBufferString(submitPayload()))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "shopper-1"}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestCheckoutSubmitAppliesContextOverride(t *testing.T) {
	router := chi.NewRouter()
	var captured checkout.SubmitOrderCommand
	submissions := &stubSubmissionService{
		submitFunc: func(ctx context.Context, cmd checkout.SubmitOrderCommand) (checkout.SubmissionResult, error) {
			captured = cmd
			return checkout.SubmissionResult{Outcome: checkout.OutcomeSubmitted}, nil
		},
	}
	store := checkout.NewShopperContextStore()
	store.Set("shopper-1", "tier=gold")

	handler := NewCheckoutHandlers(nil, submissions, &stubContinuationService{}, WithShopperContextStore(store))
	handler.Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewBufferString(submitPayload()))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "shopper-1"}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.ShopperContext != "tier=gold" {
		t.Fatalf("expected pricing override applied, got %q", captured.ShopperContext)
	}
}

func TestCheckoutResumeRequiresIdentity(t *testing.T) {
	router := chi.NewRouter()
	handler := NewCheckoutHandlers(nil, &stubSubmissionService{}, &stubContinuationService{})
	handler.Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/resume", bytes.NewBufferString(`{"orderId":"o1","payments":[{"type":"card"}]}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCheckoutResumeSuccess(t *testing.T) {
	router := chi.NewRouter()
	var captured checkout.ResumeOrderCommand
	continuations := &stubContinuationService{
		resumeFunc: func(ctx context.Context, cmd checkout.ResumeOrderCommand) (checkout.SubmissionResult, error) {
			captured = cmd
			return checkout.SubmissionResult{
				OrderID: cmd.OrderID,
				State:   domain.OrderStateSubmitted,
				Outcome: checkout.OutcomeSubmitted,
			}, nil
		},
	}
	handler := NewCheckoutHandlers(nil, &stubSubmissionService{}, continuations)
	handler.Routes(router)

	payload := `{"orderId":"o5005","payments":[{"type":"giftCard","amount":"10.00","giftCard":{"number":"6006","pin":"1234"}}]}`
	req := httptest.NewRequest(http.MethodPost, "/resume", bytes.NewBufferString(payload))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "shopper-7"}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.ShopperID != "shopper-7" || captured.OrderID != "o5005" {
		t.Fatalf("unexpected command %#v", captured)
	}
	if len(captured.Payments) != 1 || captured.Payments[0].GiftCard == nil {
		t.Fatalf("expected gift card payment propagated")
	}
}

func TestCheckoutResumeSurfacesEditableAndWarning(t *testing.T) {
	router := chi.NewRouter()
	continuations := &stubContinuationService{
		resumeFunc: func(ctx context.Context, cmd checkout.ResumeOrderCommand) (checkout.SubmissionResult, error) {
			return checkout.SubmissionResult{
				OrderID:  cmd.OrderID,
				State:    domain.OrderStateQuoted,
				Outcome:  checkout.OutcomeResumed,
				Editable: true,
				Warning:  "",
			}, nil
		},
	}
	handler := NewCheckoutHandlers(nil, &stubSubmissionService{}, continuations)
	handler.Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/resume", bytes.NewBufferString(`{"orderId":"o5006"}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "shopper-7"}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp submissionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Outcome != "resumed" || !resp.Editable {
		t.Fatalf("unexpected response %#v", resp)
	}
}

func TestCheckoutResumeNotResumable(t *testing.T) {
	router := chi.NewRouter()
	continuations := &stubContinuationService{
		resumeFunc: func(ctx context.Context, cmd checkout.ResumeOrderCommand) (checkout.SubmissionResult, error) {
			return checkout.SubmissionResult{}, checkout.ErrOrderNotResumable
		},
	}
	handler := NewCheckoutHandlers(nil, &stubSubmissionService{}, continuations)
	handler.Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/resume", bytes.NewBufferString(`{"orderId":"o1","payments":[{"type":"card"}]}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "shopper-7"}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestCheckoutReturnFromGateway(t *testing.T) {
	router := chi.NewRouter()
	var captured checkout.ReturnFromGatewayCommand
	continuations := &stubContinuationService{
		returnFunc: func(ctx context.Context, cmd checkout.ReturnFromGatewayCommand) (checkout.SubmissionResult, error) {
			captured = cmd
			return checkout.SubmissionResult{
				OrderID: "o6006",
				State:   domain.OrderStateSubmitted,
				Outcome: checkout.OutcomeSubmitted,
			}, nil
		},
	}
	handler := NewCheckoutHandlers(nil, &stubSubmissionService{}, continuations)
	handler.Routes(router)

	req := httptest.NewRequest(http.MethodGet, "/return?continuationId=cont-1&type=payPal&payerId=payer-9&token=tok-3&paymentId=pay-5", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.ContinuationID != "cont-1" || captured.PayerID != "payer-9" || captured.Token != "tok-3" || captured.PaymentID != "pay-5" {
		t.Fatalf("unexpected command %#v", captured)
	}
}

func TestCheckoutReturnMissingContinuation(t *testing.T) {
	router := chi.NewRouter()
	handler := NewCheckoutHandlers(nil, &stubSubmissionService{}, &stubContinuationService{})
	handler.Routes(router)

	req := httptest.NewRequest(http.MethodGet, "/return", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCheckoutReturnExpiredContinuation(t *testing.T) {
	router := chi.NewRouter()
	continuations := &stubContinuationService{
		returnFunc: func(ctx context.Context, cmd checkout.ReturnFromGatewayCommand) (checkout.SubmissionResult, error) {
			return checkout.SubmissionResult{}, checkout.ErrContinuationExpired
		},
	}
	handler := NewCheckoutHandlers(nil, &stubSubmissionService{}, continuations)
	handler.Routes(router)

	req := httptest.NewRequest(http.MethodGet, "/return?continuationId=cont-1&cancelled=true", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusGone {
		t.Fatalf("expected status 410, got %d", rr.Code)
	}
}

type stubGatewayProvider struct {
	authorizeFunc func(ctx context.Context, req gateway.AuthorizeRequest) (gateway.Authorization, error)
}

func (s *stubGatewayProvider) Authorize(ctx context.Context, req gateway.AuthorizeRequest) (gateway.Authorization, error) {
	if s.authorizeFunc != nil {
		return s.authorizeFunc(ctx, req)
	}
	return gateway.Authorization{Status: gateway.StatusAuthorized}, nil
}

func (s *stubGatewayProvider) Lookup(ctx context.Context, req gateway.LookupRequest) (gateway.Authorization, error) {
	return gateway.Authorization{}, nil
}

func (s *stubGatewayProvider) Cancel(ctx context.Context, req gateway.CancelRequest) (gateway.Authorization, error) {
	return gateway.Authorization{}, nil
}

func TestCheckoutCaptureAuthorizes(t *testing.T) {
	router := chi.NewRouter()
	var authorized gateway.AuthorizeRequest
	provider := &stubGatewayProvider{
		authorizeFunc: func(ctx context.Context, req gateway.AuthorizeRequest) (gateway.Authorization, error) {
			authorized = req
			return gateway.Authorization{Reference: req.Reference, Status: gateway.StatusAuthorized}, nil
		},
	}
	manager, err := gateway.NewManager(map[string]gateway.Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	listener := &stubAuthorizationListener{}

	handler := NewCheckoutHandlers(nil, &stubSubmissionService{}, &stubContinuationService{},
		WithCaptureAuthorization(manager, listener))
	handler.Routes(router)

	payload := `{"orderId":"o8008","paymentGroupId":"pg3","paymentType":"card","reference":"pi_22","amount":5297,"currency":"gbp"}`
	req := httptest.NewRequest(http.MethodPost, "/capture", bytes.NewBufferString(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if authorized.OrderID != "o8008" || authorized.Reference != "pi_22" || authorized.Amount != 5297 {
		t.Fatalf("unexpected authorize request %#v", authorized)
	}
	if len(listener.events) != 1 {
		t.Fatalf("expected one verdict, got %d", len(listener.events))
	}
	if listener.events[0].Status != checkout.AuthorizationSucceeded || listener.events[0].PaymentGroupID != "pg3" {
		t.Fatalf("unexpected verdict %#v", listener.events[0])
	}
}

func TestCheckoutCaptureDeclineCarriesReason(t *testing.T) {
	router := chi.NewRouter()
	provider := &stubGatewayProvider{
		authorizeFunc: func(ctx context.Context, req gateway.AuthorizeRequest) (gateway.Authorization, error) {
			return gateway.Authorization{Status: gateway.StatusDeclined, DeclineCode: "card_declined"}, nil
		},
	}
	manager, err := gateway.NewManager(map[string]gateway.Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	listener := &stubAuthorizationListener{}

	handler := NewCheckoutHandlers(nil, &stubSubmissionService{}, &stubContinuationService{},
		WithCaptureAuthorization(manager, listener))
	handler.Routes(router)

	payload := `{"orderId":"o8009","paymentGroupId":"pg4","paymentType":"card","reference":"pi_23","amount":100,"currency":"gbp"}`
	req := httptest.NewRequest(http.MethodPost, "/capture", bytes.NewBufferString(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp captureResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "declined" || resp.DeclineCode != "card_declined" {
		t.Fatalf("unexpected response %#v", resp)
	}
	if len(listener.events) != 1 || listener.events[0].Status != checkout.AuthorizationDeclined {
		t.Fatalf("expected declined verdict")
	}
	if listener.events[0].Reason != "card_declined" {
		t.Fatalf("expected decline reason propagated")
	}
}

func TestCheckoutCaptureMissingFields(t *testing.T) {
	router := chi.NewRouter()
	manager, err := gateway.NewManager(map[string]gateway.Provider{"stripe": &stubGatewayProvider{}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	handler := NewCheckoutHandlers(nil, &stubSubmissionService{}, &stubContinuationService{},
		WithCaptureAuthorization(manager, &stubAuthorizationListener{}))
	handler.Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/capture", bytes.NewBufferString(`{"orderId":"o1"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCheckoutReturnRateLimited(t *testing.T) {
	router := chi.NewRouter()
	continuations := &stubContinuationService{
		returnFunc: func(ctx context.Context, cmd checkout.ReturnFromGatewayCommand) (checkout.SubmissionResult, error) {
			return checkout.SubmissionResult{}, checkout.ErrContinuationNotFound
		},
	}
	handler := NewCheckoutHandlers(nil, &stubSubmissionService{}, continuations, WithReturnRateLimit(2, time.Minute))
	handler.Routes(router)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/return?continuationId=cont-1", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("attempt %d: expected status 404, got %d", i, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/return?continuationId=cont-1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
}
