package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderState enumerates the lifecycle states reported by the commerce backend.
type OrderState string

const (
	// OrderStateIncomplete indicates the order exists server-side but checkout has not finished.
	OrderStateIncomplete OrderState = "INCOMPLETE"
	// OrderStatePendingPayment indicates the order awaits additional payment coverage.
	OrderStatePendingPayment OrderState = "PENDING_PAYMENT"
	// OrderStatePendingPaymentTemplate is the pending-payment state for recurring order templates.
	OrderStatePendingPaymentTemplate OrderState = "PENDING_PAYMENT_TEMPLATE"
	// OrderStatePendingApproval indicates an approver must act before fulfilment.
	OrderStatePendingApproval OrderState = "PENDING_APPROVAL"
	// OrderStatePendingApprovalTemplate is the approval state for recurring order templates.
	OrderStatePendingApprovalTemplate OrderState = "PENDING_APPROVAL_TEMPLATE"
	// OrderStateTemplate indicates a recurring order template was created.
	OrderStateTemplate OrderState = "TEMPLATE"
	// OrderStateSubmitted indicates the order was durably submitted.
	OrderStateSubmitted OrderState = "SUBMITTED"
	// OrderStateQuoted indicates the order is a quote that can be resumed as an editable cart.
	OrderStateQuoted OrderState = "QUOTED"
	// OrderStateFailed indicates the backend recorded the order as failed.
	OrderStateFailed OrderState = "FAILED"
)

// ErrUnknownOrderState reports an order state value outside the closed set.
type ErrUnknownOrderState struct {
	Value string
}

func (e *ErrUnknownOrderState) Error() string {
	return fmt.Sprintf("domain: unknown order state %q", e.Value)
}

// ParseOrderState maps a wire value onto the closed OrderState set.
func ParseOrderState(value string) (OrderState, error) {
	state := OrderState(strings.ToUpper(strings.TrimSpace(value)))
	switch state {
	case OrderStateIncomplete, OrderStatePendingPayment, OrderStatePendingPaymentTemplate,
		OrderStatePendingApproval, OrderStatePendingApprovalTemplate, OrderStateTemplate,
		OrderStateSubmitted, OrderStateQuoted, OrderStateFailed:
		return state, nil
	}
	return "", &ErrUnknownOrderState{Value: value}
}

// IsPendingPayment reports whether the state allows adding payments to an existing order.
func (s OrderState) IsPendingPayment() bool {
	return s == OrderStatePendingPayment || s == OrderStatePendingPaymentTemplate
}

// IsPendingApproval reports whether an approver must act before the order proceeds.
func (s OrderState) IsPendingApproval() bool {
	return s == OrderStatePendingApproval || s == OrderStatePendingApprovalTemplate
}

// SubmissionOperation selects which persistence call a submission attempt issues.
type SubmissionOperation string

const (
	// OperationCreate creates a new order.
	OperationCreate SubmissionOperation = "create"
	// OperationUpdateExisting updates the in-flight order in place.
	OperationUpdateExisting SubmissionOperation = "update"
	// OperationAddPayments adds payments to an order already pending payment.
	OperationAddPayments SubmissionOperation = "add_payments"
)

// Address is the postal address shape shared by shipping and billing.
type Address struct {
	FirstName   string
	LastName    string
	Line1       string
	Line2       string
	City        string
	Region      string
	PostalCode  string
	CountryCode string
	Phone       string
	Email       string
}

// IsZero reports whether no address fields are populated.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ShippingGroup pairs a subset of cart items with their own address and method.
type ShippingGroup struct {
	ID              string
	ShippingAddress Address
	ShippingMethod  string
	ItemIDs         []string
}

// Schedule describes the recurrence of a scheduled (template) order.
type Schedule struct {
	StartDate      time.Time
	EndDate        *time.Time
	Frequency      string
	DaysOfWeek     []int
	WeeksInMonth   []int
	SuspendedUntil *time.Time
}

// CartItem is a line item snapshot read from the cart aggregate.
type CartItem struct {
	ID            string
	ProductID     string
	SKU           string
	Quantity      int
	UnitPrice     decimal.Decimal
	Currency      string
	Placeholder   bool
	Customization map[string]any
}

// Cart is the read-only snapshot of the cart aggregate a submission attempt works from.
type Cart struct {
	ID           string
	Currency     string
	Items        []CartItem
	Coupons      []string
	Subtotal     decimal.Decimal
	Tax          decimal.Decimal
	ShippingCost decimal.Decimal
	Total        decimal.Decimal
	PricedAt     *time.Time
}

// IsEmpty reports whether the cart carries no line items.
func (c Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// Order is the transient client-side order state owned by the orchestrator. Its ID stays
// empty until the first successful create and is cleared again on terminal success so a
// later attempt creates a fresh order instead of mutating a submitted one.
type Order struct {
	ID              string
	State           OrderState
	ShippingAddress *Address
	ShippingMethod  string
	ShippingGroups  []ShippingGroup
	BillingAddress  *Address
	Promotions      []string
	Schedule        *Schedule
	// AmountRemaining stays nil until the order has been priced at least once. It can
	// differ from the cart total under secondary-currency and loyalty rules.
	AmountRemaining *decimal.Decimal
	Editable        bool
	UpdatedAt       time.Time
}

// UsesShippingGroups reports whether the order is a split-shipping order.
func (o Order) UsesShippingGroups() bool {
	return len(o.ShippingGroups) > 0
}

// ValidateShippingExclusivity enforces that exactly one of {single shipping address,
// shipping group list} is populated.
func (o Order) ValidateShippingExclusivity() error {
	hasSingle := o.ShippingAddress != nil && !o.ShippingAddress.IsZero()
	hasGroups := len(o.ShippingGroups) > 0
	if hasSingle && hasGroups {
		return fmt.Errorf("domain: order %q carries both a shipping address and shipping groups", o.ID)
	}
	if !hasSingle && !hasGroups {
		return fmt.Errorf("domain: order %q carries neither a shipping address nor shipping groups", o.ID)
	}
	return nil
}

// Clear resets local order state after terminal success.
func (o *Order) Clear() {
	*o = Order{}
}
