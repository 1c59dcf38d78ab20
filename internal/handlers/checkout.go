package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clearcart/checkout-api/internal/checkout"
	"github.com/clearcart/checkout-api/internal/domain"
	"github.com/clearcart/checkout-api/internal/gateway"
	"github.com/clearcart/checkout-api/internal/platform/auth"
	"github.com/clearcart/checkout-api/internal/platform/httpx"
	"github.com/clearcart/checkout-api/internal/platform/observability"
)

const idempotencyKeyHeader = "Idempotency-Key"

// CheckoutHandlers exposes the order submission, resume and gateway-return
// endpoints. Submit and return accept guests; resume requires a signed-in
// shopper because pending orders belong to accounts.
type CheckoutHandlers struct {
	authn         *auth.Authenticator
	submissions   checkout.SubmissionService
	continuations checkout.ContinuationService
	contexts      *checkout.ShopperContextStore
	returnLimiter rateLimiter
	gateways      *gateway.Manager
	verdicts      checkout.AuthorizationListener
}

// CheckoutOption customises checkout handler behaviour.
type CheckoutOption func(*CheckoutHandlers)

// WithShopperContextStore supplies pricing-context overrides consulted on submit.
func WithShopperContextStore(store *checkout.ShopperContextStore) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.contexts = store
	}
}

// WithCaptureAuthorization wires the hosted capture page endpoint: card
// details collected there are authorized through the gateway manager and the
// verdict handed to the authorization listener.
func WithCaptureAuthorization(manager *gateway.Manager, verdicts checkout.AuthorizationListener) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.gateways = manager
		h.verdicts = verdicts
	}
}

// WithReturnRateLimit throttles the unauthenticated gateway return endpoint.
func WithReturnRateLimit(limit int, window time.Duration) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.returnLimiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewCheckoutHandlers constructs checkout handlers.
func NewCheckoutHandlers(authn *auth.Authenticator, submissions checkout.SubmissionService, continuations checkout.ContinuationService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:         authn,
		submissions:   submissions,
		continuations: continuations,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	open := r
	guarded := r
	if h.authn != nil {
		open = r.With(h.authn.OptionalFirebaseAuth())
		guarded = r.With(h.authn.RequireFirebaseAuth())
	}
	open.Post("/submit", h.submit)
	guarded.Post("/resume", h.resume)
	open.Get("/return", h.returnFromGateway)
	open.Post("/capture", h.capture)
}

type addressPayload struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Address1    string `json:"address1"`
	Address2    string `json:"address2,omitempty"`
	City        string `json:"city"`
	State       string `json:"state,omitempty"`
	PostalCode  string `json:"postalCode"`
	Country     string `json:"country"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Email       string `json:"email,omitempty"`
}

func (p *addressPayload) toDomain() *domain.Address {
	if p == nil {
		return nil
	}
	addr := domain.Address{
		FirstName:   strings.TrimSpace(p.FirstName),
		LastName:    strings.TrimSpace(p.LastName),
		Line1:       strings.TrimSpace(p.Address1),
		Line2:       strings.TrimSpace(p.Address2),
		City:        strings.TrimSpace(p.City),
		Region:      strings.TrimSpace(p.State),
		PostalCode:  strings.TrimSpace(p.PostalCode),
		CountryCode: strings.TrimSpace(p.Country),
		Phone:       strings.TrimSpace(p.PhoneNumber),
		Email:       strings.TrimSpace(p.Email),
	}
	if addr.IsZero() {
		return nil
	}
	return &addr
}

func addressFromDomain(addr *domain.Address) *addressPayload {
	if addr == nil || addr.IsZero() {
		return nil
	}
	return &addressPayload{
		FirstName:   addr.FirstName,
		LastName:    addr.LastName,
		Address1:    addr.Line1,
		Address2:    addr.Line2,
		City:        addr.City,
		State:       addr.Region,
		PostalCode:  addr.PostalCode,
		Country:     addr.CountryCode,
		PhoneNumber: addr.Phone,
		Email:       addr.Email,
	}
}

type shippingGroupPayload struct {
	ID              string          `json:"id"`
	ShippingAddress *addressPayload `json:"shippingAddress"`
	ShippingMethod  string          `json:"shippingMethod"`
	ItemIDs         []string        `json:"itemIds"`
}

type schedulePayload struct {
	StartDate      string `json:"startDate"`
	EndDate        string `json:"endDate,omitempty"`
	Frequency      string `json:"frequency"`
	DaysOfWeek     []int  `json:"daysOfWeek,omitempty"`
	WeeksInMonth   []int  `json:"weeksInMonth,omitempty"`
	SuspendedUntil string `json:"suspendedUntil,omitempty"`
}

func (p *schedulePayload) toDomain() (*domain.Schedule, error) {
	if p == nil {
		return nil, nil
	}
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(p.StartDate))
	if err != nil {
		return nil, errors.New("schedule startDate must be RFC 3339")
	}
	schedule := domain.Schedule{
		StartDate:    start,
		Frequency:    strings.TrimSpace(p.Frequency),
		DaysOfWeek:   p.DaysOfWeek,
		WeeksInMonth: p.WeeksInMonth,
	}
	if trimmed := strings.TrimSpace(p.EndDate); trimmed != "" {
		end, err := time.Parse(time.RFC3339, trimmed)
		if err != nil {
			return nil, errors.New("schedule endDate must be RFC 3339")
		}
		schedule.EndDate = &end
	}
	if trimmed := strings.TrimSpace(p.SuspendedUntil); trimmed != "" {
		until, err := time.Parse(time.RFC3339, trimmed)
		if err != nil {
			return nil, errors.New("schedule suspendedUntil must be RFC 3339")
		}
		schedule.SuspendedUntil = &until
	}
	return &schedule, nil
}

type orderPayload struct {
	ID              string                 `json:"id,omitempty"`
	State           string                 `json:"state,omitempty"`
	ShippingAddress *addressPayload        `json:"shippingAddress,omitempty"`
	ShippingMethod  string                 `json:"shippingMethod,omitempty"`
	ShippingGroups  []shippingGroupPayload `json:"shippingGroups,omitempty"`
	BillingAddress  *addressPayload        `json:"billingAddress,omitempty"`
	Promotions      []string               `json:"promotions,omitempty"`
	Schedule        *schedulePayload       `json:"schedule,omitempty"`
	AmountRemaining *decimal.Decimal       `json:"amountRemaining,omitempty"`
	Editable        *bool                  `json:"editable,omitempty"`
}

func (p orderPayload) toDomain() (domain.Order, error) {
	order := domain.Order{
		ID:              strings.TrimSpace(p.ID),
		ShippingAddress: p.ShippingAddress.toDomain(),
		ShippingMethod:  strings.TrimSpace(p.ShippingMethod),
		BillingAddress:  p.BillingAddress.toDomain(),
		Promotions:      p.Promotions,
		AmountRemaining: p.AmountRemaining,
		Editable:        p.Editable == nil || *p.Editable,
	}
	if trimmed := strings.TrimSpace(p.State); trimmed != "" {
		state, err := domain.ParseOrderState(trimmed)
		if err != nil {
			return domain.Order{}, err
		}
		order.State = state
	}
	for _, group := range p.ShippingGroups {
		sg := domain.ShippingGroup{
			ID:             strings.TrimSpace(group.ID),
			ShippingMethod: strings.TrimSpace(group.ShippingMethod),
			ItemIDs:        group.ItemIDs,
		}
		if addr := group.ShippingAddress.toDomain(); addr != nil {
			sg.ShippingAddress = *addr
		}
		order.ShippingGroups = append(order.ShippingGroups, sg)
	}
	schedule, err := p.Schedule.toDomain()
	if err != nil {
		return domain.Order{}, err
	}
	order.Schedule = schedule
	return order, nil
}

type cartItemPayload struct {
	ID            string          `json:"id"`
	ProductID     string          `json:"productId"`
	SKU           string          `json:"sku"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	Currency      string          `json:"currency,omitempty"`
	Placeholder   bool            `json:"placeholder,omitempty"`
	Customization map[string]any  `json:"customization,omitempty"`
}

type cartPayload struct {
	ID           string            `json:"id"`
	Currency     string            `json:"currency"`
	Items        []cartItemPayload `json:"items"`
	Coupons      []string          `json:"coupons,omitempty"`
	Subtotal     decimal.Decimal   `json:"subtotal"`
	Tax          decimal.Decimal   `json:"tax"`
	ShippingCost decimal.Decimal   `json:"shippingCost"`
	Total        decimal.Decimal   `json:"total"`
	PricedAt     string            `json:"pricedAt,omitempty"`
}

func (p cartPayload) toDomain() (domain.Cart, error) {
	cart := domain.Cart{
		ID:           strings.TrimSpace(p.ID),
		Currency:     strings.TrimSpace(p.Currency),
		Coupons:      p.Coupons,
		Subtotal:     p.Subtotal,
		Tax:          p.Tax,
		ShippingCost: p.ShippingCost,
		Total:        p.Total,
	}
	for _, item := range p.Items {
		cart.Items = append(cart.Items, domain.CartItem{
			ID:            strings.TrimSpace(item.ID),
			ProductID:     strings.TrimSpace(item.ProductID),
			SKU:           strings.TrimSpace(item.SKU),
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			Currency:      strings.TrimSpace(item.Currency),
			Placeholder:   item.Placeholder,
			Customization: item.Customization,
		})
	}
	if trimmed := strings.TrimSpace(p.PricedAt); trimmed != "" {
		pricedAt, err := time.Parse(time.RFC3339, trimmed)
		if err != nil {
			return domain.Cart{}, errors.New("cart pricedAt must be RFC 3339")
		}
		cart.PricedAt = &pricedAt
	}
	return cart, nil
}

type cardPaymentPayload struct {
	NameOnCard  string `json:"nameOnCard,omitempty"`
	Number      string `json:"number,omitempty"`
	ExpiryMonth int    `json:"expiryMonth,omitempty"`
	ExpiryYear  int    `json:"expiryYear,omitempty"`
	CVV         string `json:"cvv,omitempty"`
	SavedCardID string `json:"savedCardId,omitempty"`
}

type giftCardPaymentPayload struct {
	Number       string `json:"number"`
	PIN          string `json:"pin,omitempty"`
	UseRemaining bool   `json:"useRemaining,omitempty"`
}

type payPalPaymentPayload struct {
	PayerID   string `json:"payerId,omitempty"`
	Token     string `json:"token,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
}

type regionalPaymentPayload struct {
	Reference string `json:"reference,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type invoicePaymentPayload struct {
	PONumber  string `json:"poNumber,omitempty"`
	AccountID string `json:"accountId,omitempty"`
}

type loyaltyPaymentPayload struct {
	Program string `json:"program"`
	Points  int64  `json:"points"`
}

type paymentPayload struct {
	Type             string                  `json:"type"`
	Amount           *decimal.Decimal        `json:"amount,omitempty"`
	BillingAddress   *addressPayload         `json:"billingAddress,omitempty"`
	CustomProperties map[string]any          `json:"customProperties,omitempty"`
	Card             *cardPaymentPayload     `json:"card,omitempty"`
	GiftCard         *giftCardPaymentPayload `json:"giftCard,omitempty"`
	PayPal           *payPalPaymentPayload   `json:"payPal,omitempty"`
	Regional         *regionalPaymentPayload `json:"regional,omitempty"`
	Invoice          *invoicePaymentPayload  `json:"invoice,omitempty"`
	Loyalty          *loyaltyPaymentPayload  `json:"loyalty,omitempty"`
}

func (p paymentPayload) toDomain() (domain.PaymentDescriptor, error) {
	paymentType, err := domain.ParsePaymentType(p.Type)
	if err != nil {
		return domain.PaymentDescriptor{}, err
	}
	descriptor := domain.PaymentDescriptor{
		Type:             paymentType,
		Amount:           p.Amount,
		BillingAddress:   p.BillingAddress.toDomain(),
		CustomProperties: p.CustomProperties,
	}
	if p.Card != nil {
		descriptor.Card = &domain.CardDetails{
			NameOnCard:  strings.TrimSpace(p.Card.NameOnCard),
			Number:      strings.TrimSpace(p.Card.Number),
			ExpiryMonth: p.Card.ExpiryMonth,
			ExpiryYear:  p.Card.ExpiryYear,
			CVV:         strings.TrimSpace(p.Card.CVV),
			SavedCardID: strings.TrimSpace(p.Card.SavedCardID),
		}
	}
	if p.GiftCard != nil {
		descriptor.GiftCard = &domain.GiftCardDetails{
			Number:       strings.TrimSpace(p.GiftCard.Number),
			PIN:          strings.TrimSpace(p.GiftCard.PIN),
			UseRemaining: p.GiftCard.UseRemaining,
		}
	}
	if p.PayPal != nil {
		descriptor.PayPal = &domain.PayPalDetails{
			PayerID:   strings.TrimSpace(p.PayPal.PayerID),
			Token:     strings.TrimSpace(p.PayPal.Token),
			PaymentID: strings.TrimSpace(p.PayPal.PaymentID),
		}
	}
	if p.Regional != nil {
		descriptor.Regional = &domain.RegionalRedirectDetails{
			Reference: strings.TrimSpace(p.Regional.Reference),
			Signature: strings.TrimSpace(p.Regional.Signature),
		}
	}
	if p.Invoice != nil {
		descriptor.Invoice = &domain.InvoiceDetails{
			PONumber:  strings.TrimSpace(p.Invoice.PONumber),
			AccountID: strings.TrimSpace(p.Invoice.AccountID),
		}
	}
	if p.Loyalty != nil {
		descriptor.Loyalty = &domain.LoyaltyDetails{
			Program: strings.TrimSpace(p.Loyalty.Program),
			Points:  p.Loyalty.Points,
		}
	}
	return descriptor, nil
}

type submitOrderRequest struct {
	GuestEmail     string           `json:"guestEmail,omitempty"`
	Order          orderPayload     `json:"order"`
	Cart           cartPayload      `json:"cart"`
	Payments       []paymentPayload `json:"payments"`
	DisplayTotal   *decimal.Decimal `json:"displayTotal,omitempty"`
	ShopperContext string           `json:"shopperContext,omitempty"`
}

type resumeOrderRequest struct {
	OrderID  string           `json:"orderId"`
	Payments []paymentPayload `json:"payments"`
}

type notificationPayload struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	ItemID   string `json:"itemId,omitempty"`
	Recovery string `json:"recovery"`
}

type paymentGroupPayload struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	State          string          `json:"state"`
	UIIntervention string          `json:"uiIntervention,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	RedirectURL    string          `json:"redirectUrl,omitempty"`
	Message        string          `json:"message,omitempty"`
}

type submissionResponse struct {
	OrderID                 string                `json:"orderId,omitempty"`
	State                   string                `json:"state,omitempty"`
	Outcome                 string                `json:"outcome"`
	Operation               string                `json:"operation"`
	PaymentGroups           []paymentGroupPayload `json:"paymentGroups,omitempty"`
	FailedGroup             *paymentGroupPayload  `json:"failedGroup,omitempty"`
	RedirectURL             string                `json:"redirectUrl,omitempty"`
	ContinuationID          string                `json:"continuationId,omitempty"`
	Intervention            string                `json:"intervention,omitempty"`
	Notification            *notificationPayload  `json:"notification,omitempty"`
	ScheduleID              string                `json:"scheduleId,omitempty"`
	Editable                bool                  `json:"editable,omitempty"`
	Warning                 string                `json:"warning,omitempty"`
	RestoredShippingAddress *addressPayload       `json:"restoredShippingAddress,omitempty"`
}

func submissionResponseFromResult(result checkout.SubmissionResult) submissionResponse {
	resp := submissionResponse{
		OrderID:                 result.OrderID,
		State:                   string(result.State),
		Outcome:                 string(result.Outcome),
		Operation:               string(result.Operation),
		RedirectURL:             result.RedirectURL,
		ContinuationID:          result.ContinuationID,
		Intervention:            string(result.Intervention),
		ScheduleID:              result.ScheduleID,
		Editable:                result.Editable,
		Warning:                 result.Warning,
		RestoredShippingAddress: addressFromDomain(result.RestoredShippingAddress),
	}
	for _, group := range result.PaymentGroups {
		resp.PaymentGroups = append(resp.PaymentGroups, paymentGroupFromDomain(group))
	}
	if result.FailedGroup != nil {
		failed := paymentGroupFromDomain(*result.FailedGroup)
		resp.FailedGroup = &failed
	}
	if result.Notification != nil {
		resp.Notification = &notificationPayload{
			Code:     result.Notification.Code,
			Message:  result.Notification.Message,
			ItemID:   result.Notification.ItemID,
			Recovery: string(result.Notification.Recovery),
		}
	}
	return resp
}

func paymentGroupFromDomain(group domain.PaymentGroup) paymentGroupPayload {
	return paymentGroupPayload{
		ID:             group.ID,
		Type:           string(group.Type),
		State:          string(group.State),
		UIIntervention: string(group.UIIntervention),
		Amount:         group.Amount,
		RedirectURL:    group.RedirectURL,
		Message:        group.Message,
	}
}

func (h *CheckoutHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.submissions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req submitOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cmd, err := h.buildSubmitCommand(ctx, req)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	cmd.IdempotencyKey = strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))

	result, err := h.submissions.Submit(ctx, cmd)
	if err != nil {
		writeSubmissionError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, submissionResponseFromResult(result))
}

func (h *CheckoutHandlers) buildSubmitCommand(ctx context.Context, req submitOrderRequest) (checkout.SubmitOrderCommand, error) {
	order, err := req.Order.toDomain()
	if err != nil {
		return checkout.SubmitOrderCommand{}, err
	}
	cart, err := req.Cart.toDomain()
	if err != nil {
		return checkout.SubmitOrderCommand{}, err
	}

	payments := make([]domain.PaymentDescriptor, 0, len(req.Payments))
	for _, payload := range req.Payments {
		descriptor, err := payload.toDomain()
		if err != nil {
			return checkout.SubmitOrderCommand{}, err
		}
		payments = append(payments, descriptor)
	}

	cmd := checkout.SubmitOrderCommand{
		GuestEmail:     strings.TrimSpace(req.GuestEmail),
		Order:          order,
		Cart:           cart,
		Payments:       payments,
		DisplayTotal:   req.DisplayTotal,
		ShopperContext: strings.TrimSpace(req.ShopperContext),
	}

	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && strings.TrimSpace(identity.UID) != "" {
		cmd.ShopperID = identity.UID
		cmd.Authenticated = true
	} else {
		if cmd.GuestEmail == "" {
			return checkout.SubmitOrderCommand{}, errors.New("guestEmail is required for guest checkout")
		}
		cmd.ShopperID = "guest:" + strings.ToLower(cmd.GuestEmail)
	}

	if cmd.ShopperContext == "" && h.contexts != nil {
		if override, ok := h.contexts.Get(cmd.ShopperID); ok {
			cmd.ShopperContext = override
		}
	}
	return cmd, nil
}

func (h *CheckoutHandlers) resume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.continuations == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req resumeOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	payments := make([]domain.PaymentDescriptor, 0, len(req.Payments))
	for _, payload := range req.Payments {
		descriptor, err := payload.toDomain()
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		payments = append(payments, descriptor)
	}

	cmd := checkout.ResumeOrderCommand{
		ShopperID:      identity.UID,
		Authenticated:  true,
		OrderID:        strings.TrimSpace(req.OrderID),
		Payments:       payments,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)),
	}

	result, err := h.continuations.ResumePendingPayment(ctx, cmd)
	if err != nil {
		writeSubmissionError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, submissionResponseFromResult(result))
}

func (h *CheckoutHandlers) returnFromGateway(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.continuations == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	continuationID := strings.TrimSpace(query.Get("continuationId"))
	if continuationID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "continuationId is required", http.StatusBadRequest))
		return
	}

	if h.returnLimiter != nil && !h.returnLimiter.Allow(continuationID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many return attempts", http.StatusTooManyRequests))
		return
	}

	cmd := checkout.ReturnFromGatewayCommand{
		ContinuationID: continuationID,
		PaymentType:    strings.TrimSpace(query.Get("type")),
		PayerID:        strings.TrimSpace(query.Get("payerId")),
		Token:          strings.TrimSpace(query.Get("token")),
		PaymentID:      strings.TrimSpace(query.Get("paymentId")),
		Reference:      strings.TrimSpace(query.Get("reference")),
		Signature:      strings.TrimSpace(query.Get("signature")),
		Cancelled:      parseBoolParam(query.Get("cancelled")),
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
		cmd.ShopperID = identity.UID
	}

	result, err := h.continuations.ReturnFromGateway(ctx, cmd)
	if err != nil {
		writeSubmissionError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, submissionResponseFromResult(result))
}

type captureRequest struct {
	OrderID        string `json:"orderId"`
	PaymentGroupID string `json:"paymentGroupId"`
	PaymentType    string `json:"paymentType"`
	Gateway        string `json:"gateway,omitempty"`
	Reference      string `json:"reference"`
	// Amount is in the currency's minor units.
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type captureResponse struct {
	OrderID        string `json:"orderId"`
	PaymentGroupID string `json:"paymentGroupId"`
	Gateway        string `json:"gateway"`
	Status         string `json:"status"`
	DeclineCode    string `json:"declineCode,omitempty"`
}

// capture finishes a payment the backend deferred to the hosted capture page
// (stored-card verification or payer authentication). The gateway verdict is
// fed to the authorization listener so the audit trail and events match the
// asynchronous webhook path.
func (h *CheckoutHandlers) capture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.gateways == nil || h.verdicts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "payment capture unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req captureRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.OrderID) == "" || strings.TrimSpace(req.PaymentGroupID) == "" || strings.TrimSpace(req.Reference) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId, paymentGroupId and reference are required", http.StatusBadRequest))
		return
	}

	route := gateway.RouteContext{PreferredGateway: req.Gateway}
	if trimmed := strings.TrimSpace(req.PaymentType); trimmed != "" {
		paymentType, err := domain.ParsePaymentType(trimmed)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		route.PaymentType = paymentType
	}

	authorization, err := h.gateways.Authorize(ctx, route, gateway.AuthorizeRequest{
		OrderID:        strings.TrimSpace(req.OrderID),
		PaymentGroupID: strings.TrimSpace(req.PaymentGroupID),
		Reference:      strings.TrimSpace(req.Reference),
		Amount:         req.Amount,
		Currency:       strings.TrimSpace(req.Currency),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)),
	})
	if err != nil {
		if errors.Is(err, gateway.ErrUnsupportedGateway) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "no gateway available for this payment", http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("gateway_error", "payment authorization failed", http.StatusBadGateway))
		return
	}

	if status, ok := verdictStatus(authorization.Status); ok {
		event := checkout.AuthorizationEvent{
			OrderID:        strings.TrimSpace(req.OrderID),
			PaymentGroupID: strings.TrimSpace(req.PaymentGroupID),
			Status:         status,
			Reason:         authorization.DeclineCode,
			OccurredAt:     time.Now().UTC(),
		}
		if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
			event.ShopperID = identity.UID
		}
		if authorization.AuthorizedAt != nil {
			event.OccurredAt = *authorization.AuthorizedAt
		}
		if err := h.verdicts.HandleAuthorization(ctx, event); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to record authorization verdict", http.StatusInternalServerError))
			return
		}
	}

	writeJSONResponse(w, http.StatusOK, captureResponse{
		OrderID:        strings.TrimSpace(req.OrderID),
		PaymentGroupID: strings.TrimSpace(req.PaymentGroupID),
		Gateway:        authorization.Gateway,
		Status:         string(authorization.Status),
		DeclineCode:    authorization.DeclineCode,
	})
}

// verdictStatus maps a gateway authorization status onto the listener's closed
// verdict set. Pending authorizations produce no verdict; the webhook will.
func verdictStatus(status gateway.Status) (checkout.AuthorizationStatus, bool) {
	switch status {
	case gateway.StatusAuthorized:
		return checkout.AuthorizationSucceeded, true
	case gateway.StatusDeclined:
		return checkout.AuthorizationDeclined, true
	case gateway.StatusExpired:
		return checkout.AuthorizationTimedOut, true
	default:
		return "", false
	}
}

func parseBoolParam(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, errBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
}

func writeSubmissionError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, checkout.ErrSubmissionInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, checkout.ErrSubmissionInFlight):
		httpx.WriteError(ctx, w, httpx.NewError("submission_in_flight", "a submission is already in progress for this shopper", http.StatusConflict))
	case errors.Is(err, checkout.ErrContinuationNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("continuation_not_found", "no continuation found for this return", http.StatusNotFound))
	case errors.Is(err, checkout.ErrContinuationExpired):
		httpx.WriteError(ctx, w, httpx.NewError("continuation_expired", "the gateway return window has expired", http.StatusGone))
	case errors.Is(err, checkout.ErrOrderNotResumable):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_resumable", "order cannot be resumed", http.StatusConflict))
	case errors.Is(err, checkout.ErrSubmissionUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
	default:
		observability.FromContext(ctx).Error("checkout request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}
