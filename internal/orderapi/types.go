package orderapi

import (
	"time"

	"github.com/shopspring/decimal"
)

// Op values accepted by the order write endpoints.
const (
	// OpNone is the default submission operation.
	OpNone = ""
	// OpInitiate creates an order ahead of a redirect-gateway hand-off.
	OpInitiate = "INITIATE"
)

// AddressPayload is the wire shape for postal addresses.
type AddressPayload struct {
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	Address1    string `json:"address1,omitempty"`
	Address2    string `json:"address2,omitempty"`
	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
	PostalCode  string `json:"postalCode,omitempty"`
	Country     string `json:"country,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Email       string `json:"email,omitempty"`
}

// CartItemPayload is one line item inside the submitted shopping cart.
type CartItemPayload struct {
	ID            string          `json:"id,omitempty"`
	ProductID     string          `json:"productId"`
	CatRefID      string          `json:"catRefId"`
	Quantity      int             `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Customization map[string]any  `json:"customization,omitempty"`
}

// ShoppingCartPayload mirrors the cart aggregate at submission time.
type ShoppingCartPayload struct {
	Items    []CartItemPayload `json:"items"`
	Coupons  []string          `json:"coupons,omitempty"`
	Currency string            `json:"currency,omitempty"`
}

// ShippingGroupPayload is one split-shipping group in a write request.
type ShippingGroupPayload struct {
	ID              string          `json:"id,omitempty"`
	ShippingAddress *AddressPayload `json:"shippingAddress"`
	ShippingMethod  string          `json:"shippingMethod"`
	ItemIDs         []string        `json:"itemIds,omitempty"`
}

// SchedulePayload describes the recurrence of a scheduled order.
type SchedulePayload struct {
	StartDate    time.Time  `json:"startDate"`
	EndDate      *time.Time `json:"endDate,omitempty"`
	Frequency    string     `json:"frequency"`
	DaysOfWeek   []int      `json:"daysOfWeek,omitempty"`
	WeeksInMonth []int      `json:"weeksInMonth,omitempty"`
}

// PaymentPayload is the tagged wire form of one payment descriptor. Only the fields of
// the active variant are populated.
type PaymentPayload struct {
	Type             string           `json:"type"`
	Amount           *decimal.Decimal `json:"amount,omitempty"`
	BillingAddress   *AddressPayload  `json:"billingAddress,omitempty"`
	CustomProperties map[string]any   `json:"customProperties,omitempty"`

	NameOnCard  string `json:"nameOnCard,omitempty"`
	CardNumber  string `json:"cardNumber,omitempty"`
	ExpiryMonth int    `json:"expiryMonth,omitempty"`
	ExpiryYear  int    `json:"expiryYear,omitempty"`
	SavedCardID string `json:"savedCardId,omitempty"`

	GiftCardNumber string `json:"giftCardNumber,omitempty"`
	GiftCardPin    string `json:"giftCardPin,omitempty"`

	PayerID   string `json:"payerId,omitempty"`
	Token     string `json:"token,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`

	Reference string `json:"reference,omitempty"`
	Signature string `json:"signature,omitempty"`

	PONumber string `json:"poNumber,omitempty"`

	Program string `json:"program,omitempty"`
	Points  int64  `json:"points,omitempty"`
}

// OrderRequest is the shared payload of createOrder and updateOrder.
type OrderRequest struct {
	ID                string                 `json:"id,omitempty"`
	ProfileID         string                 `json:"profileId,omitempty"`
	ShoppingCart      ShoppingCartPayload    `json:"shoppingCart"`
	AppliedPromotions []string               `json:"appliedPromotions,omitempty"`
	ShippingAddress   *AddressPayload        `json:"shippingAddress,omitempty"`
	ShippingMethod    string                 `json:"shippingMethod,omitempty"`
	ShippingGroups    []ShippingGroupPayload `json:"shippingGroups,omitempty"`
	Schedule          *SchedulePayload       `json:"schedule,omitempty"`
	BillingAddress    *AddressPayload        `json:"billingAddress,omitempty"`
	Payments          []PaymentPayload       `json:"payments"`
	Op                string                 `json:"op"`
	DynamicProperties map[string]any         `json:"dynamicProperties,omitempty"`
}

// AddPaymentsRequest appends payments to an order already pending payment.
type AddPaymentsRequest struct {
	OrderID   string           `json:"orderId"`
	Op        string           `json:"op,omitempty"`
	ProfileID string           `json:"profileId,omitempty"`
	UUID      string           `json:"uuid,omitempty"`
	Payments  []PaymentPayload `json:"payments"`
}

// PaymentGroupPayload is one payment's server-side result.
type PaymentGroupPayload struct {
	PaymentGroupID   string          `json:"paymentGroupId"`
	Type             string          `json:"type"`
	PaymentState     string          `json:"paymentState"`
	UIIntervention   string          `json:"uiIntervention,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	RedirectURL      string          `json:"redirectUrl,omitempty"`
	Message          string          `json:"message,omitempty"`
	CustomProperties map[string]any  `json:"customProperties,omitempty"`
}

// PriceInfoPayload carries the backend's pricing summary for an order.
type PriceInfoPayload struct {
	Total           decimal.Decimal  `json:"total"`
	Subtotal        decimal.Decimal  `json:"subtotal"`
	Tax             decimal.Decimal  `json:"tax"`
	Shipping        decimal.Decimal  `json:"shipping"`
	AmountRemaining *decimal.Decimal `json:"amountRemaining,omitempty"`
	Currency        string           `json:"currency,omitempty"`
}

// OrderResponse is the heterogeneous order document the backend returns.
type OrderResponse struct {
	ID              string                `json:"id"`
	State           string                `json:"state"`
	ScheduleID      string                `json:"scheduleId,omitempty"`
	Payments        []PaymentGroupPayload `json:"payments"`
	PriceInfo       *PriceInfoPayload     `json:"priceInfo,omitempty"`
	ShippingAddress *AddressPayload       `json:"shippingAddress,omitempty"`
	ShippingMethod  string                `json:"shippingMethod,omitempty"`
	ShoppingCart    *ShoppingCartPayload  `json:"shoppingCart,omitempty"`
	UUID            string                `json:"uuid,omitempty"`
}

// AddPaymentsResponse carries the per-payment results of an addPayments call.
type AddPaymentsResponse struct {
	OrderID  string                `json:"orderId"`
	Payments []PaymentGroupPayload `json:"payments"`
}

// InitialOrderQuery identifies an externally-redirected order by its gateway
// correlation parameters.
type InitialOrderQuery struct {
	PaymentType string
	PayerID     string
	Token       string
	PaymentID   string
	Reference   string
	Signature   string
}

// ApprovalCheckResponse is the checkRequiresApproval result.
type ApprovalCheckResponse struct {
	RequiresApproval bool `json:"requiresApproval"`
}
