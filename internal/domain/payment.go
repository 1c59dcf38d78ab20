package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// PaymentType enumerates the closed set of payment descriptor variants.
type PaymentType string

const (
	// PaymentTypeCash pays the full remaining amount on delivery or pickup.
	PaymentTypeCash PaymentType = "cash"
	// PaymentTypeGiftCard applies an issued gift card.
	PaymentTypeGiftCard PaymentType = "giftCard"
	// PaymentTypeCard is a payment card collected through the hosted capture page.
	PaymentTypeCard PaymentType = "card"
	// PaymentTypeInvoice bills an account with a purchase order reference.
	PaymentTypeInvoice PaymentType = "invoice"
	// PaymentTypePayPal is the PayPal redirect gateway.
	PaymentTypePayPal PaymentType = "payPal"
	// PaymentTypeRegionalRedirect is the regional full-page redirect gateway.
	PaymentTypeRegionalRedirect PaymentType = "regionalRedirect"
	// PaymentTypeLoyaltyPoints spends loyalty points as currency.
	PaymentTypeLoyaltyPoints PaymentType = "loyaltyPoints"
	// PaymentTypeGeneric is an externally-injected descriptor that bypasses the
	// built-in card/PayPal/invoice assembly rules.
	PaymentTypeGeneric PaymentType = "generic"
)

// ErrUnknownPaymentType reports a payment type outside the closed set.
type ErrUnknownPaymentType struct {
	Value string
}

func (e *ErrUnknownPaymentType) Error() string {
	return fmt.Sprintf("domain: unknown payment type %q", e.Value)
}

// ParsePaymentType maps a wire value onto the closed PaymentType set.
func ParsePaymentType(value string) (PaymentType, error) {
	trimmed := strings.TrimSpace(value)
	for _, t := range []PaymentType{
		PaymentTypeCash, PaymentTypeGiftCard, PaymentTypeCard, PaymentTypeInvoice,
		PaymentTypePayPal, PaymentTypeRegionalRedirect, PaymentTypeLoyaltyPoints, PaymentTypeGeneric,
	} {
		if strings.EqualFold(trimmed, string(t)) {
			return t, nil
		}
	}
	return "", &ErrUnknownPaymentType{Value: value}
}

// CardDetails carries the card variant fields of a payment descriptor.
type CardDetails struct {
	NameOnCard  string
	Number      string
	ExpiryMonth int
	ExpiryYear  int
	CVV         string
	SavedCardID string
}

// GiftCardDetails carries the gift card variant fields.
type GiftCardDetails struct {
	Number string
	PIN    string
	// UseRemaining marks a card that should absorb whatever amount is left; such a
	// card is sent without an explicit amount except during PayPal finalisation.
	UseRemaining bool
}

// PayPalDetails carries the correlation identifiers returned by the PayPal redirect.
type PayPalDetails struct {
	PayerID   string
	Token     string
	PaymentID string
}

// RegionalRedirectDetails carries the correlation fields of the regional gateway.
type RegionalRedirectDetails struct {
	Reference string
	Signature string
}

// InvoiceDetails carries the account billing variant fields.
type InvoiceDetails struct {
	PONumber  string
	AccountID string
}

// LoyaltyDetails carries the loyalty points variant fields.
type LoyaltyDetails struct {
	Program string
	Points  int64
}

// PaymentDescriptor is the tagged variant describing one payment to submit. The Type tag
// selects which detail struct is meaningful; the rest stay nil.
type PaymentDescriptor struct {
	Type             PaymentType
	Amount           *decimal.Decimal
	BillingAddress   *Address
	CustomProperties map[string]any

	Card     *CardDetails
	GiftCard *GiftCardDetails
	PayPal   *PayPalDetails
	Regional *RegionalRedirectDetails
	Invoice  *InvoiceDetails
	Loyalty  *LoyaltyDetails
}

// PaymentGroupState enumerates the per-group payment states reported by the backend.
type PaymentGroupState string

const (
	// PaymentGroupStateInitial is the untouched starting state.
	PaymentGroupStateInitial PaymentGroupState = "INITIAL"
	// PaymentGroupStateAuthorized means the gateway authorised the payment.
	PaymentGroupStateAuthorized PaymentGroupState = "AUTHORIZED"
	// PaymentGroupStateAuthorizeFailed means the gateway declined authorisation.
	PaymentGroupStateAuthorizeFailed PaymentGroupState = "AUTHORIZE_FAILED"
	// PaymentGroupStateRequestAccepted means the payment request was accepted for async settlement.
	PaymentGroupStateRequestAccepted PaymentGroupState = "PAYMENT_REQUEST_ACCEPTED"
	// PaymentGroupStateRequestFailed means the payment request was rejected outright.
	PaymentGroupStateRequestFailed PaymentGroupState = "PAYMENT_REQUEST_FAILED"
	// PaymentGroupStateDeferred marks payments deferred to a later capture step.
	PaymentGroupStateDeferred PaymentGroupState = "PAYMENT_DEFERRED"
	// PaymentGroupStateSettled marks fully settled payments.
	PaymentGroupStateSettled PaymentGroupState = "SETTLED"
)

// Failed reports whether the group state is one of the terminal failure states.
func (s PaymentGroupState) Failed() bool {
	return s == PaymentGroupStateAuthorizeFailed || s == PaymentGroupStateRequestFailed
}

// ErrUnknownPaymentGroupState reports a group state outside the closed set.
type ErrUnknownPaymentGroupState struct {
	Value string
}

func (e *ErrUnknownPaymentGroupState) Error() string {
	return fmt.Sprintf("domain: unknown payment group state %q", e.Value)
}

// ParsePaymentGroupState maps a wire value onto the closed state set.
func ParsePaymentGroupState(value string) (PaymentGroupState, error) {
	trimmed := strings.TrimSpace(value)
	for _, s := range []PaymentGroupState{
		PaymentGroupStateInitial, PaymentGroupStateAuthorized, PaymentGroupStateAuthorizeFailed,
		PaymentGroupStateRequestAccepted, PaymentGroupStateRequestFailed,
		PaymentGroupStateDeferred, PaymentGroupStateSettled,
	} {
		if strings.EqualFold(trimmed, string(s)) {
			return s, nil
		}
	}
	return "", &ErrUnknownPaymentGroupState{Value: value}
}

// UIIntervention enumerates the follow-up actions a payment group can demand.
type UIIntervention string

const (
	// UIInterventionNone means the group needs no shopper interaction.
	UIInterventionNone UIIntervention = ""
	// UIInterventionRedirect demands a full-page redirect to a third party.
	UIInterventionRedirect UIIntervention = "REDIRECT"
	// UIInterventionSOP demands the same-site payment capture page.
	UIInterventionSOP UIIntervention = "SOP"
	// UIInterventionPayerAuth demands payer authentication on the capture page.
	UIInterventionPayerAuth UIIntervention = "PAYER_AUTH_REQUIRED"
)

// RequiresCapturePage reports whether the intervention routes through the internal
// payment capture page rather than an external redirect.
func (u UIIntervention) RequiresCapturePage() bool {
	return u == UIInterventionSOP || u == UIInterventionPayerAuth
}

// ErrUnknownUIIntervention reports an intervention outside the closed set.
type ErrUnknownUIIntervention struct {
	Value string
}

func (e *ErrUnknownUIIntervention) Error() string {
	return fmt.Sprintf("domain: unknown ui intervention %q", e.Value)
}

// ParseUIIntervention maps a wire value onto the closed intervention set.
func ParseUIIntervention(value string) (UIIntervention, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return UIInterventionNone, nil
	}
	for _, u := range []UIIntervention{UIInterventionRedirect, UIInterventionSOP, UIInterventionPayerAuth} {
		if strings.EqualFold(trimmed, string(u)) {
			return u, nil
		}
	}
	return "", &ErrUnknownUIIntervention{Value: value}
}

// PaymentGroup is one payment's server-side result inside an order response.
type PaymentGroup struct {
	ID               string
	Type             PaymentType
	State            PaymentGroupState
	UIIntervention   UIIntervention
	Amount           decimal.Decimal
	RedirectURL      string
	Message          string
	CustomProperties map[string]any
}
