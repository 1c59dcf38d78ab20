package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/clearcart/checkout-api/internal/domain"
	"github.com/clearcart/checkout-api/internal/repositories"
)

// ErrUnknownAuthorizationStatus reports a verdict outside the closed set.
var ErrUnknownAuthorizationStatus = errors.New("checkout: unknown authorization status")

// AuthorizationListenerDeps wires the dependencies required by the listener.
type AuthorizationListenerDeps struct {
	Orders      OrderClient
	Records     repositories.SubmissionRecordRepository
	Publisher   Publisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// authorizationListener is a passive consumer: it records and republishes
// gateway verdicts but never drives the submission flow itself.
type authorizationListener struct {
	orders    OrderClient
	records   repositories.SubmissionRecordRepository
	publisher Publisher
	now       func() time.Time
	newID     func() string
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewAuthorizationListener constructs an AuthorizationListener validating required dependencies.
func NewAuthorizationListener(deps AuthorizationListenerDeps) (AuthorizationListener, error) {
	if deps.Orders == nil {
		return nil, errors.New("authorization listener: order client is required")
	}
	if deps.Records == nil {
		return nil, errors.New("authorization listener: submission record repository is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("authorization listener: publisher is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &authorizationListener{
		orders:    deps.Orders,
		records:   deps.Records,
		publisher: deps.Publisher,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  newID,
		logger: logger,
	}, nil
}

// HandleAuthorization records the verdict and republishes it on the matching
// topic. Declines and timeouts share a topic; a timeout keeps its own status
// so consumers can distinguish the two.
func (l *authorizationListener) HandleAuthorization(ctx context.Context, event AuthorizationEvent) error {
	if event.OrderID == "" || event.PaymentGroupID == "" {
		return fmt.Errorf("checkout: authorization event missing identifiers")
	}

	var topic string
	switch event.Status {
	case AuthorizationSucceeded:
		topic = TopicPaymentAuthorized
	case AuthorizationDeclined, AuthorizationTimedOut:
		topic = TopicPaymentDeclined
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAuthorizationStatus, event.Status)
	}

	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = l.now()
	}

	record := domain.SubmissionRecord{
		ID:        l.newID(),
		ShopperID: event.ShopperID,
		OrderID:   event.OrderID,
		Operation: domain.OperationAddPayments,
		Outcome:   "authorization_" + string(event.Status),
		CreatedAt: l.now(),
	}
	if event.Status != AuthorizationSucceeded {
		record.ErrorCode = event.Reason
	}
	if err := l.records.Append(ctx, record); err != nil {
		l.logger(ctx, "checkout.authorization_record_failed", map[string]any{
			"orderId":        event.OrderID,
			"paymentGroupId": event.PaymentGroupID,
			"error":          err.Error(),
		})
	}

	verdict := PaymentVerdictEvent{
		OrderID:        event.OrderID,
		PaymentGroupID: event.PaymentGroupID,
		Status:         event.Status,
		Reason:         event.Reason,
		OccurredAt:     occurred,
	}
	if err := l.publisher.Publish(ctx, topic, verdict); err != nil {
		l.logger(ctx, "checkout.authorization_publish_failed", map[string]any{
			"orderId": event.OrderID,
			"topic":   topic,
			"error":   err.Error(),
		})
		return fmt.Errorf("checkout: publish authorization verdict: %w", err)
	}

	l.resolveSubmissionOutcome(ctx, event, occurred)

	l.logger(ctx, "checkout.authorization_handled", map[string]any{
		"orderId":        event.OrderID,
		"paymentGroupId": event.PaymentGroupID,
		"status":         string(event.Status),
	})
	return nil
}

// resolveSubmissionOutcome completes the asynchronous half of a redirect or
// capture flow: once the gateway's final word arrives, the order's own outcome
// topic fires. A succeeded verdict only counts once the backend shows the
// order placed; a declined or timed-out verdict fails the attempt outright.
func (l *authorizationListener) resolveSubmissionOutcome(ctx context.Context, event AuthorizationEvent, occurred time.Time) {
	if event.Status != AuthorizationSucceeded {
		failed := SubmitFailedEvent{
			OrderID:    event.OrderID,
			ShopperID:  event.ShopperID,
			Operation:  domain.OperationAddPayments,
			Code:       event.Reason,
			Recovery:   RecoveryNone,
			OccurredAt: occurred,
		}
		if err := l.publisher.Publish(ctx, TopicOrderSubmitFailed, failed); err != nil {
			l.logger(ctx, "checkout.authorization_publish_failed", map[string]any{
				"orderId": event.OrderID,
				"topic":   TopicOrderSubmitFailed,
				"error":   err.Error(),
			})
		}
		return
	}

	resp, err := l.orders.GetOrder(ctx, event.OrderID)
	if err != nil {
		l.logger(ctx, "checkout.authorization_order_lookup_failed", map[string]any{
			"orderId": event.OrderID,
			"error":   err.Error(),
		})
		return
	}
	state, err := domain.ParseOrderState(resp.State)
	if err != nil {
		l.logger(ctx, "checkout.authorization_order_lookup_failed", map[string]any{
			"orderId": event.OrderID,
			"error":   err.Error(),
		})
		return
	}
	if state != domain.OrderStateSubmitted {
		return
	}
	submitted := OrderSubmittedEvent{
		OrderID:    event.OrderID,
		ShopperID:  event.ShopperID,
		State:      state,
		Operation:  domain.OperationAddPayments,
		ScheduleID: resp.ScheduleID,
		OccurredAt: occurred,
	}
	if err := l.publisher.Publish(ctx, TopicOrderSubmitted, submitted); err != nil {
		l.logger(ctx, "checkout.authorization_publish_failed", map[string]any{
			"orderId": event.OrderID,
			"topic":   TopicOrderSubmitted,
			"error":   err.Error(),
		})
	}
}
