package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clearcart/checkout-api/internal/domain"
	"github.com/clearcart/checkout-api/internal/orderapi"
	"github.com/clearcart/checkout-api/internal/repositories"
)

var (
	// ErrContinuationNotFound indicates the continuation token is missing or was
	// already consumed.
	ErrContinuationNotFound = errors.New("checkout: continuation not found")
	// ErrContinuationExpired indicates the shopper took too long at the gateway.
	ErrContinuationExpired = errors.New("checkout: continuation expired")
	// ErrOrderNotResumable indicates the order is in a state that can neither
	// be edited nor accept additional payments.
	ErrOrderNotResumable = errors.New("checkout: order cannot be resumed")
)

// ContinuationServiceDeps wires the dependencies required by the continuation service.
type ContinuationServiceDeps struct {
	Orders        OrderClient
	Continuations repositories.ContinuationRepository
	Submissions   SubmissionService
	Publisher     Publisher
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type continuationService struct {
	orders        OrderClient
	continuations repositories.ContinuationRepository
	submissions   SubmissionService
	publisher     Publisher
	now           func() time.Time
	logger        func(ctx context.Context, event string, fields map[string]any)
}

// NewContinuationService constructs a ContinuationService validating required dependencies.
func NewContinuationService(deps ContinuationServiceDeps) (ContinuationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("continuation service: order client is required")
	}
	if deps.Continuations == nil {
		return nil, errors.New("continuation service: continuation repository is required")
	}
	if deps.Submissions == nil {
		return nil, errors.New("continuation service: submission service is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("continuation service: publisher is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &continuationService{
		orders:        deps.Orders,
		continuations: deps.Continuations,
		submissions:   deps.Submissions,
		publisher:     deps.Publisher,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// ReturnFromGateway finishes a checkout after the shopper comes back from an
// external gateway. The continuation token is consumed exactly once up front,
// so a replayed return URL cannot finish the same checkout twice.
func (s *continuationService) ReturnFromGateway(ctx context.Context, cmd ReturnFromGatewayCommand) (SubmissionResult, error) {
	continuationID := strings.TrimSpace(cmd.ContinuationID)
	if continuationID == "" {
		return SubmissionResult{}, fmt.Errorf("%w: continuation id is required", ErrContinuationNotFound)
	}

	token, err := s.continuations.Take(ctx, continuationID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return SubmissionResult{}, ErrContinuationNotFound
		}
		return SubmissionResult{}, fmt.Errorf("%w: %v", ErrSubmissionUnavailable, err)
	}
	if cmd.ShopperID != "" && token.ShopperID != cmd.ShopperID {
		s.logger(ctx, "checkout.continuation_shopper_mismatch", map[string]any{
			"continuationId": continuationID,
		})
		return SubmissionResult{}, ErrContinuationNotFound
	}

	now := s.now()
	if token.Expired(now) {
		s.logger(ctx, "checkout.continuation_expired", map[string]any{
			"continuationId": continuationID,
			"orderId":        token.OrderID,
		})
		return SubmissionResult{}, ErrContinuationExpired
	}

	if cmd.Cancelled {
		return s.cancelledReturn(ctx, token), nil
	}

	order, err := s.locateOrder(ctx, cmd, token)
	if err != nil {
		return SubmissionResult{}, err
	}

	descriptor, err := finalizeDescriptor(cmd, token)
	if err != nil {
		return SubmissionResult{}, err
	}

	submitCmd := SubmitOrderCommand{
		ShopperID:      token.ShopperID,
		Authenticated:  token.GuestEmail == "",
		GuestEmail:     token.GuestEmail,
		Order:          orderFromResponse(order, token),
		Cart:           cartFromResponse(order),
		Payments:       []domain.PaymentDescriptor{descriptor},
		ShopperContext: token.ShopperContext,
		Operation:      domain.OperationUpdateExisting,
	}
	return s.submissions.Submit(ctx, submitCmd)
}

// pendingResumeWarning is surfaced once when a pending-payment order is
// reopened. The order is locked at that point; only payments can be added.
const pendingResumeWarning = "this order can no longer be changed; it is waiting for payment"

// ResumePendingPayment reopens an order the shopper previously walked away
// from. A quoted or incomplete order comes back editable with no submission
// attempt; an order already pending payment is locked and only accepts the
// payments supplied with the resume.
func (s *continuationService) ResumePendingPayment(ctx context.Context, cmd ResumeOrderCommand) (SubmissionResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return SubmissionResult{}, fmt.Errorf("%w: order id is required", ErrSubmissionInvalidInput)
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, orderapi.ErrNotFound) {
			return SubmissionResult{}, fmt.Errorf("%w: order %s", ErrOrderNotResumable, orderID)
		}
		return SubmissionResult{}, fmt.Errorf("%w: %v", ErrSubmissionUnavailable, err)
	}

	state, err := domain.ParseOrderState(order.State)
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("checkout: resume: %w", err)
	}

	switch {
	case state == domain.OrderStateQuoted || state == domain.OrderStateIncomplete:
		result := SubmissionResult{
			OrderID:  orderID,
			State:    state,
			Outcome:  OutcomeResumed,
			Editable: true,
		}
		s.publishResumed(ctx, cmd.ShopperID, result)
		return result, nil
	case state.IsPendingPayment():
		// fall through to the add-payments path below
	default:
		return SubmissionResult{}, fmt.Errorf("%w: order %s is %s", ErrOrderNotResumable, orderID, state)
	}

	if len(cmd.Payments) == 0 {
		return SubmissionResult{}, fmt.Errorf("%w: at least one payment is required", ErrSubmissionInvalidInput)
	}

	s.publishResumed(ctx, cmd.ShopperID, SubmissionResult{OrderID: orderID, State: state})

	submitCmd := SubmitOrderCommand{
		ShopperID:     cmd.ShopperID,
		Authenticated: cmd.Authenticated,
		Order: domain.Order{
			ID:    orderID,
			State: state,
		},
		Cart:      cartFromResponse(order),
		Payments:  cmd.Payments,
		Operation: domain.OperationAddPayments,
	}
	if order.ShippingAddress != nil {
		addr := addressFromPayload(*order.ShippingAddress)
		submitCmd.Order.ShippingAddress = &addr
	}
	submitCmd.Order.ShippingMethod = order.ShippingMethod
	if order.PriceInfo != nil && order.PriceInfo.AmountRemaining != nil {
		remaining := *order.PriceInfo.AmountRemaining
		submitCmd.Order.AmountRemaining = &remaining
	}

	result, err := s.submissions.Submit(ctx, submitCmd)
	if err != nil {
		return result, err
	}
	result.Warning = pendingResumeWarning
	return result, nil
}

func (s *continuationService) publishResumed(ctx context.Context, shopperID string, result SubmissionResult) {
	event := CheckoutResumedEvent{
		OrderID:    result.OrderID,
		ShopperID:  shopperID,
		State:      result.State,
		Editable:   result.Editable,
		OccurredAt: s.now(),
	}
	if err := s.publisher.Publish(ctx, TopicCheckoutResumed, event); err != nil {
		s.logger(ctx, "checkout.publish_failed", map[string]any{
			"topic": TopicCheckoutResumed,
			"error": err.Error(),
		})
	}
}

// cancelledReturn restores the shopper's pre-redirect state: the provisional
// order id is discarded, the preserved shipping address is handed back.
func (s *continuationService) cancelledReturn(ctx context.Context, token domain.ContinuationToken) SubmissionResult {
	s.logger(ctx, "checkout.redirect_cancelled", map[string]any{
		"continuationId": token.ID,
		"orderId":        token.OrderID,
	})
	return SubmissionResult{
		Outcome:   OutcomeFailed,
		Operation: domain.OperationUpdateExisting,
		Notification: &Notification{
			Code:     orderapi.CodePaymentDeclined,
			Message:  "the payment was cancelled at the payment provider",
			Recovery: RecoveryClearOrderID,
		},
		RestoredShippingAddress: token.ShippingAddress,
	}
}

// locateOrder prefers the gateway correlation lookup and falls back to the
// order id stored in the token.
func (s *continuationService) locateOrder(ctx context.Context, cmd ReturnFromGatewayCommand, token domain.ContinuationToken) (*orderapi.OrderResponse, error) {
	query := orderapi.InitialOrderQuery{
		PaymentType: string(token.PaymentType),
		PayerID:     cmd.PayerID,
		Token:       cmd.Token,
		PaymentID:   cmd.PaymentID,
		Reference:   cmd.Reference,
		Signature:   cmd.Signature,
	}
	if cmd.PayerID != "" || cmd.Token != "" || cmd.Reference != "" {
		order, err := s.orders.GetInitialOrder(ctx, query)
		if err == nil {
			return order, nil
		}
		s.logger(ctx, "checkout.initial_order_lookup_failed", map[string]any{
			"continuationId": token.ID,
			"error":          err.Error(),
		})
	}
	order, err := s.orders.GetOrder(ctx, token.OrderID)
	if err != nil {
		if errors.Is(err, orderapi.ErrNotFound) {
			return nil, ErrContinuationNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrSubmissionUnavailable, err)
	}
	return order, nil
}

// finalizeDescriptor builds the second-phase payment carrying the gateway's
// correlation identifiers back to the backend.
func finalizeDescriptor(cmd ReturnFromGatewayCommand, token domain.ContinuationToken) (domain.PaymentDescriptor, error) {
	switch token.PaymentType {
	case domain.PaymentTypePayPal:
		if cmd.PayerID == "" && cmd.Token == "" {
			return domain.PaymentDescriptor{}, fmt.Errorf("%w: missing gateway parameters", ErrSubmissionInvalidInput)
		}
		return domain.PaymentDescriptor{
			Type: domain.PaymentTypePayPal,
			PayPal: &domain.PayPalDetails{
				PayerID:   cmd.PayerID,
				Token:     cmd.Token,
				PaymentID: cmd.PaymentID,
			},
		}, nil
	case domain.PaymentTypeRegionalRedirect:
		if cmd.Reference == "" {
			return domain.PaymentDescriptor{}, fmt.Errorf("%w: missing gateway reference", ErrSubmissionInvalidInput)
		}
		return domain.PaymentDescriptor{
			Type: domain.PaymentTypeRegionalRedirect,
			Regional: &domain.RegionalRedirectDetails{
				Reference: cmd.Reference,
				Signature: cmd.Signature,
			},
		}, nil
	default:
		return domain.PaymentDescriptor{}, fmt.Errorf("%w: payment type %q cannot continue from a redirect", ErrSubmissionInvalidInput, token.PaymentType)
	}
}

func orderFromResponse(resp *orderapi.OrderResponse, token domain.ContinuationToken) domain.Order {
	order := domain.Order{
		ID:             resp.ID,
		ShippingMethod: resp.ShippingMethod,
	}
	if state, err := domain.ParseOrderState(resp.State); err == nil {
		order.State = state
	}
	if resp.ShippingAddress != nil {
		addr := addressFromPayload(*resp.ShippingAddress)
		order.ShippingAddress = &addr
	} else if token.ShippingAddress != nil {
		order.ShippingAddress = token.ShippingAddress
	}
	if resp.PriceInfo != nil && resp.PriceInfo.AmountRemaining != nil {
		remaining := *resp.PriceInfo.AmountRemaining
		order.AmountRemaining = &remaining
	}
	return order
}

func cartFromResponse(resp *orderapi.OrderResponse) domain.Cart {
	if resp.ShoppingCart == nil {
		return domain.Cart{}
	}
	cart := domain.Cart{
		Currency: resp.ShoppingCart.Currency,
		Coupons:  resp.ShoppingCart.Coupons,
	}
	for _, item := range resp.ShoppingCart.Items {
		cart.Items = append(cart.Items, domain.CartItem{
			ID:            item.ID,
			ProductID:     item.ProductID,
			SKU:           item.CatRefID,
			Quantity:      item.Quantity,
			UnitPrice:     item.Price,
			Customization: item.Customization,
		})
	}
	return cart
}

func addressFromPayload(a orderapi.AddressPayload) domain.Address {
	return domain.Address{
		FirstName:   a.FirstName,
		LastName:    a.LastName,
		Line1:       a.Address1,
		Line2:       a.Address2,
		City:        a.City,
		Region:      a.State,
		PostalCode:  a.PostalCode,
		CountryCode: a.Country,
		Phone:       a.PhoneNumber,
		Email:       a.Email,
	}
}
