package checkout

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearcart/checkout-api/internal/domain"
	"github.com/clearcart/checkout-api/internal/orderapi"
)

// OrderClient is the slice of the order backend used by the submission flow.
type OrderClient interface {
	CreateOrder(ctx context.Context, req orderapi.OrderRequest) (*orderapi.OrderResponse, error)
	UpdateOrder(ctx context.Context, req orderapi.OrderRequest) (*orderapi.OrderResponse, error)
	AddPayments(ctx context.Context, req orderapi.AddPaymentsRequest) (*orderapi.AddPaymentsResponse, error)
	GetOrder(ctx context.Context, orderID string) (*orderapi.OrderResponse, error)
	GetInitialOrder(ctx context.Context, q orderapi.InitialOrderQuery) (*orderapi.OrderResponse, error)
	CheckRequiresApproval(ctx context.Context, req orderapi.OrderRequest) (bool, error)
}

// Publisher delivers typed checkout events to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

// Outcome is the summarized result of one submission attempt.
type Outcome string

const (
	// OutcomeSubmitted means the order reached a terminal success state.
	OutcomeSubmitted Outcome = "submitted"
	// OutcomePendingApproval means the order entered the approval workflow.
	OutcomePendingApproval Outcome = "pending_approval"
	// OutcomeQuoted means the order was persisted as a quote request.
	OutcomeQuoted Outcome = "quoted"
	// OutcomePendingPayment means the order persisted but still owes payment.
	OutcomePendingPayment Outcome = "pending_payment"
	// OutcomeRedirect means the shopper must finish payment at an external gateway.
	OutcomeRedirect Outcome = "redirect"
	// OutcomeCaptureRequired means a payment needs an additional capture step in
	// the storefront (stored-card verification or payer authentication).
	OutcomeCaptureRequired Outcome = "capture_required"
	// OutcomeInitial means the backend recorded an initial order that still
	// needs payment before it can be placed.
	OutcomeInitial Outcome = "initial"
	// OutcomeScheduled means a recurring-schedule template was created.
	OutcomeScheduled Outcome = "scheduled"
	// OutcomeResumed means an interrupted checkout was reopened for edits
	// without a new submission attempt.
	OutcomeResumed Outcome = "resumed"
	// OutcomeFailed means the submission was rejected.
	OutcomeFailed Outcome = "failed"
)

// RecoveryAction tells the storefront how to recover from a rejected submission.
type RecoveryAction string

const (
	// RecoveryNone requires no client-side state change.
	RecoveryNone RecoveryAction = "none"
	// RecoveryReloadCart means the cart is stale against the live catalog and
	// must be reloaded and re-priced.
	RecoveryReloadCart RecoveryAction = "reload_cart"
	// RecoveryRepriceOrder means displayed prices drifted from server pricing.
	RecoveryRepriceOrder RecoveryAction = "reprice_order"
	// RecoveryDelegateCoupon hands the failure to the promotion flow.
	RecoveryDelegateCoupon RecoveryAction = "delegate_coupon"
	// RecoveryClearOrderID discards the order id assigned by the failed attempt.
	RecoveryClearOrderID RecoveryAction = "clear_order_id"
	// RecoverySessionExpired means the shopper session lapsed; checkout state is
	// preserved so the shopper can sign in and retry.
	RecoverySessionExpired RecoveryAction = "session_expired"
)

// Notification is the single shopper-facing message raised by a failed attempt.
type Notification struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	ItemID   string         `json:"itemId,omitempty"`
	Recovery RecoveryAction `json:"recovery"`
}

// SubmitOrderCommand carries everything needed for one submission attempt.
type SubmitOrderCommand struct {
	ShopperID     string
	Authenticated bool
	GuestEmail    string
	Order         domain.Order
	Cart          domain.Cart
	Payments      []domain.PaymentDescriptor
	// DisplayTotal is the total the storefront showed the shopper, used to
	// detect price drift reported by the backend.
	DisplayTotal *decimal.Decimal
	// ShopperContext is the pricing override header to carry through a redirect.
	ShopperContext string
	IdempotencyKey string
	// Operation, when set, bypasses automatic operation selection. The gateway
	// return path uses it to finish an order it knows already exists.
	Operation domain.SubmissionOperation
}

// SubmissionResult is returned to the handler layer after an attempt resolves.
type SubmissionResult struct {
	OrderID       string
	State         domain.OrderState
	Outcome       Outcome
	Operation     domain.SubmissionOperation
	PaymentGroups []domain.PaymentGroup
	// FailedGroup is the first payment group whose state reported failure.
	FailedGroup *domain.PaymentGroup
	// RedirectURL is set when Outcome is OutcomeRedirect.
	RedirectURL string
	// ContinuationID identifies the stored shopper context for a redirect.
	ContinuationID string
	// Intervention is set when Outcome is OutcomeCaptureRequired.
	Intervention domain.UIIntervention
	Notification *Notification
	ScheduleID   string
	// Editable reports that a resumed order is still open for cart and
	// shipping edits. Pending-payment orders resume with Editable false.
	Editable bool
	// Warning carries a one-time notice for the shopper, such as a resumed
	// order that can no longer be changed.
	Warning string
	// RestoredShippingAddress returns an address preserved across a redirect so
	// a cancelled gateway visit does not lose it.
	RestoredShippingAddress *domain.Address
}

// SubmissionService runs the order submission state machine.
type SubmissionService interface {
	Submit(ctx context.Context, cmd SubmitOrderCommand) (SubmissionResult, error)
}

// ResumeOrderCommand resumes an order left pending payment with new payments.
type ResumeOrderCommand struct {
	ShopperID      string
	Authenticated  bool
	OrderID        string
	Payments       []domain.PaymentDescriptor
	IdempotencyKey string
}

// ReturnFromGatewayCommand completes a submission after an external redirect.
type ReturnFromGatewayCommand struct {
	ContinuationID string
	ShopperID      string
	PaymentType    string
	PayerID        string
	Token          string
	PaymentID      string
	Reference      string
	Signature      string
	Cancelled      bool
}

// ContinuationService owns the redirect hand-off and the pending-payment resume.
type ContinuationService interface {
	ReturnFromGateway(ctx context.Context, cmd ReturnFromGatewayCommand) (SubmissionResult, error)
	ResumePendingPayment(ctx context.Context, cmd ResumeOrderCommand) (SubmissionResult, error)
}

// AuthorizationEvent is a gateway's asynchronous verdict on a payment group.
type AuthorizationEvent struct {
	OrderID        string
	ShopperID      string
	PaymentGroupID string
	Status         AuthorizationStatus
	Reason         string
	OccurredAt     time.Time
}

// AuthorizationStatus is the closed set of verdicts a gateway can report.
type AuthorizationStatus string

const (
	AuthorizationSucceeded AuthorizationStatus = "succeeded"
	AuthorizationDeclined  AuthorizationStatus = "declined"
	AuthorizationTimedOut  AuthorizationStatus = "timed_out"
)

// AuthorizationListener consumes gateway authorization verdicts.
type AuthorizationListener interface {
	HandleAuthorization(ctx context.Context, event AuthorizationEvent) error
}
