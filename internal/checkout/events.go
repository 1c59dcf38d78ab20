package checkout

import (
	"time"

	"github.com/clearcart/checkout-api/internal/domain"
)

// Topics published by the submission flow. Consumers subscribe to the subset
// they care about; publishing is fire-and-forget from the submitter's view.
const (
	// TopicOrderSubmitted fires once per successfully placed order.
	TopicOrderSubmitted = "checkout.order.submitted"
	// TopicOrderSubmitFailed fires for every rejected attempt, whatever the code.
	TopicOrderSubmitFailed = "checkout.order.submit_failed"
	// TopicPaymentRedirect fires when a shopper is handed to an external gateway.
	TopicPaymentRedirect = "checkout.payment.redirect"
	// TopicPaymentAuthorized fires when a gateway confirms an authorization.
	TopicPaymentAuthorized = "checkout.payment.authorized"
	// TopicPaymentDeclined fires when a gateway declines or times out.
	TopicPaymentDeclined = "checkout.payment.declined"
	// TopicApprovalRequested fires when an order enters the approval workflow.
	TopicApprovalRequested = "checkout.order.approval_requested"
	// TopicOrderCreatedInitial fires when the backend records an initial order
	// that still needs payment before it can be placed.
	TopicOrderCreatedInitial = "checkout.order.created_initial"
	// TopicOrderScheduled fires when a recurring-schedule template is created.
	TopicOrderScheduled = "checkout.order.scheduled"
	// TopicPaymentAuthRequired fires when the gateway demands payer
	// authentication before capture can proceed.
	TopicPaymentAuthRequired = "checkout.payment.auth_required"
	// TopicCheckoutResumed fires when a shopper picks an interrupted checkout
	// back up, whether or not the order is still editable.
	TopicCheckoutResumed = "checkout.resumed"
)

// OrderSubmittedEvent is published on TopicOrderSubmitted and TopicApprovalRequested.
type OrderSubmittedEvent struct {
	OrderID    string                     `json:"orderId"`
	ShopperID  string                     `json:"shopperId"`
	State      domain.OrderState          `json:"state"`
	Operation  domain.SubmissionOperation `json:"operation"`
	ScheduleID string                     `json:"scheduleId,omitempty"`
	OccurredAt time.Time                  `json:"occurredAt"`
}

// SubmitFailedEvent is published on TopicOrderSubmitFailed.
type SubmitFailedEvent struct {
	OrderID    string                     `json:"orderId,omitempty"`
	ShopperID  string                     `json:"shopperId"`
	Operation  domain.SubmissionOperation `json:"operation"`
	Code       string                     `json:"code,omitempty"`
	Recovery   RecoveryAction             `json:"recovery"`
	OccurredAt time.Time                  `json:"occurredAt"`
}

// PaymentRedirectEvent is published on TopicPaymentRedirect.
type PaymentRedirectEvent struct {
	OrderID        string             `json:"orderId"`
	ShopperID      string             `json:"shopperId"`
	PaymentGroupID string             `json:"paymentGroupId"`
	PaymentType    domain.PaymentType `json:"paymentType"`
	ContinuationID string             `json:"continuationId"`
	OccurredAt     time.Time          `json:"occurredAt"`
}

// OrderCreatedEvent is published on TopicOrderCreatedInitial and TopicOrderScheduled.
type OrderCreatedEvent struct {
	OrderID    string            `json:"orderId"`
	ShopperID  string            `json:"shopperId"`
	State      domain.OrderState `json:"state"`
	ScheduleID string            `json:"scheduleId,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// PaymentAuthRequiredEvent is published on TopicPaymentAuthRequired.
type PaymentAuthRequiredEvent struct {
	OrderID        string    `json:"orderId"`
	ShopperID      string    `json:"shopperId"`
	PaymentGroupID string    `json:"paymentGroupId,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// CheckoutResumedEvent is published on TopicCheckoutResumed.
type CheckoutResumedEvent struct {
	OrderID    string            `json:"orderId"`
	ShopperID  string            `json:"shopperId"`
	State      domain.OrderState `json:"state"`
	Editable   bool              `json:"editable"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// PaymentVerdictEvent is published on TopicPaymentAuthorized and TopicPaymentDeclined.
type PaymentVerdictEvent struct {
	OrderID        string              `json:"orderId"`
	PaymentGroupID string              `json:"paymentGroupId"`
	Status         AuthorizationStatus `json:"status"`
	Reason         string              `json:"reason,omitempty"`
	OccurredAt     time.Time           `json:"occurredAt"`
}
