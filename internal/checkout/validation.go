package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearcart/checkout-api/internal/domain"
)

// Client-side validation codes. These never reach the order backend; they are
// raised before any persistence call is made.
const (
	ValidationCodeEmptyCart       = "checkout.cart_empty"
	ValidationCodeShipping        = "checkout.shipping_invalid"
	ValidationCodePayments        = "checkout.payments_invalid"
	ValidationCodeAmountMismatch  = "checkout.amount_mismatch"
	ValidationCodeBillingAddress  = "checkout.billing_address_required"
	ValidationCodeSchedule        = "checkout.schedule_invalid"
	ValidationCodeGuestEmail       = "checkout.guest_email_required"
	ValidationCodePlaceholderCard  = "checkout.card_details_incomplete"
	ValidationCodeGiftCard         = "checkout.gift_card_invalid"
	ValidationCodePlaceholderItem  = "checkout.item_unresolved"
	ValidationCodeCustomProperties = "checkout.custom_properties_invalid"
)

// ErrValidationFailed wraps the first failure of a validation run.
var ErrValidationFailed = errors.New("checkout: validation failed")

// ValidationFailure is one validator's rejection.
type ValidationFailure struct {
	Validator string
	Code      string
	Message   string
	ItemID    string
}

// Validator inspects a submission command before any backend call. Validators
// must be side-effect free.
type Validator interface {
	Name() string
	Validate(ctx context.Context, cmd SubmitOrderCommand) *ValidationFailure
}

// ValidationPipeline runs every registered validator in order. All validators
// run even after a failure so each can keep its own derived state current, but
// only the first failure is reported to the shopper.
type ValidationPipeline struct {
	validators []Validator
}

// NewValidationPipeline builds the pipeline with the default validator order:
// who is checking out first, then what they are buying, then how it ships and
// when, then how they pay. Extra validators run after the defaults in the
// order given.
func NewValidationPipeline(extra ...Validator) *ValidationPipeline {
	validators := []Validator{
		guestContactValidator{},
		cartValidator{},
		placeholderItemValidator{},
		shippingValidator{},
		scheduleValidator{},
		paymentSetValidator{},
		giftCardValidator{},
		billingAddressValidator{},
		amountValidator{},
		dynamicPropertyValidator{},
	}
	validators = append(validators, extra...)
	return &ValidationPipeline{validators: validators}
}

// Run executes the full pipeline and returns every failure in pipeline order.
// The first entry, when present, is the one to surface.
func (p *ValidationPipeline) Run(ctx context.Context, cmd SubmitOrderCommand) []ValidationFailure {
	var failures []ValidationFailure
	for _, v := range p.validators {
		if failure := v.Validate(ctx, cmd); failure != nil {
			failure.Validator = v.Name()
			failures = append(failures, *failure)
		}
	}
	return failures
}

type cartValidator struct{}

func (cartValidator) Name() string { return "cart" }

func (cartValidator) Validate(_ context.Context, cmd SubmitOrderCommand) *ValidationFailure {
	if cmd.Cart.IsEmpty() {
		return &ValidationFailure{Code: ValidationCodeEmptyCart, Message: "your cart is empty"}
	}
	for _, item := range cmd.Cart.Items {
		if item.Quantity <= 0 {
			return &ValidationFailure{
				Code:    ValidationCodeEmptyCart,
				Message: fmt.Sprintf("item %s has no quantity", item.SKU),
				ItemID:  item.ID,
			}
		}
	}
	return nil
}

type shippingValidator struct{}

func (shippingValidator) Name() string { return "shipping" }

func (shippingValidator) Validate(_ context.Context, cmd SubmitOrderCommand) *ValidationFailure {
	order := cmd.Order
	if err := order.ValidateShippingExclusivity(); err != nil {
		return &ValidationFailure{Code: ValidationCodeShipping, Message: err.Error()}
	}
	if order.UsesShippingGroups() {
		if strings.TrimSpace(order.ShippingMethod) != "" {
			return &ValidationFailure{
				Code:    ValidationCodeShipping,
				Message: "an order shipping to multiple groups must carry its methods on the groups",
			}
		}
		for i, group := range order.ShippingGroups {
			if group.ShippingAddress.IsZero() {
				return &ValidationFailure{
					Code:    ValidationCodeShipping,
					Message: fmt.Sprintf("shipping group %d has no address", i+1),
				}
			}
			if strings.TrimSpace(group.ShippingMethod) == "" {
				return &ValidationFailure{
					Code:    ValidationCodeShipping,
					Message: fmt.Sprintf("shipping group %d has no shipping method", i+1),
				}
			}
		}
		return nil
	}
	if strings.TrimSpace(order.ShippingMethod) == "" {
		return &ValidationFailure{Code: ValidationCodeShipping, Message: "a shipping method is required"}
	}
	return nil
}

type paymentSetValidator struct{}

func (paymentSetValidator) Name() string { return "payments" }

func (paymentSetValidator) Validate(_ context.Context, cmd SubmitOrderCommand) *ValidationFailure {
	if len(cmd.Payments) == 0 {
		return &ValidationFailure{Code: ValidationCodePayments, Message: "at least one payment is required"}
	}
	for _, p := range cmd.Payments {
		if _, err := domain.ParsePaymentType(string(p.Type)); err != nil {
			return &ValidationFailure{
				Code:    ValidationCodePayments,
				Message: fmt.Sprintf("unsupported payment type %q", p.Type),
			}
		}
		if p.Type == domain.PaymentTypeCard && p.Card != nil && p.Card.SavedCardID == "" {
			if p.Card.Number == "" || p.Card.ExpiryMonth == 0 || p.Card.ExpiryYear == 0 {
				return &ValidationFailure{
					Code:    ValidationCodePlaceholderCard,
					Message: "card details are incomplete",
				}
			}
		}
	}
	return nil
}

// amountValidator checks explicit payment amounts against the amount the order
// still owes. Descriptors without an amount claim the remainder, so a single
// open-ended payment always passes.
type amountValidator struct{}

func (amountValidator) Name() string { return "amounts" }

func (amountValidator) Validate(_ context.Context, cmd SubmitOrderCommand) *ValidationFailure {
	due := cmd.Order.AmountRemaining
	if due == nil {
		due = cmd.DisplayTotal
	}
	if due == nil {
		return nil
	}

	openEnded := 0
	explicit := decimal.Zero
	for _, p := range cmd.Payments {
		if p.Amount == nil {
			openEnded++
			continue
		}
		if p.Amount.IsNegative() {
			return &ValidationFailure{Code: ValidationCodeAmountMismatch, Message: "payment amounts must not be negative"}
		}
		explicit = explicit.Add(*p.Amount)
	}
	if explicit.GreaterThan(*due) {
		return &ValidationFailure{Code: ValidationCodeAmountMismatch, Message: "payments exceed the amount due"}
	}
	if openEnded == 0 && explicit.LessThan(*due) {
		return &ValidationFailure{Code: ValidationCodeAmountMismatch, Message: "payments do not cover the amount due"}
	}
	return nil
}

type billingAddressValidator struct{}

func (billingAddressValidator) Name() string { return "billing_address" }

func (billingAddressValidator) Validate(_ context.Context, cmd SubmitOrderCommand) *ValidationFailure {
	for _, p := range cmd.Payments {
		if p.Type != domain.PaymentTypeCard {
			continue
		}
		if p.Card != nil && p.Card.SavedCardID != "" {
			continue
		}
		if p.BillingAddress == nil || p.BillingAddress.IsZero() {
			return &ValidationFailure{
				Code:    ValidationCodeBillingAddress,
				Message: "card payments require a billing address",
			}
		}
	}
	return nil
}

type scheduleValidator struct{}

func (scheduleValidator) Name() string { return "schedule" }

func (scheduleValidator) Validate(_ context.Context, cmd SubmitOrderCommand) *ValidationFailure {
	schedule := cmd.Order.Schedule
	if schedule == nil {
		return nil
	}
	if schedule.StartDate.IsZero() {
		return &ValidationFailure{Code: ValidationCodeSchedule, Message: "a schedule needs a start date"}
	}
	if schedule.EndDate != nil && !schedule.EndDate.After(schedule.StartDate) {
		return &ValidationFailure{Code: ValidationCodeSchedule, Message: "the schedule end date must follow the start date"}
	}
	if strings.TrimSpace(schedule.Frequency) == "" {
		return &ValidationFailure{Code: ValidationCodeSchedule, Message: "a schedule needs a frequency"}
	}
	return nil
}

type guestContactValidator struct{}

func (guestContactValidator) Name() string { return "guest_contact" }

func (guestContactValidator) Validate(_ context.Context, cmd SubmitOrderCommand) *ValidationFailure {
	if cmd.Authenticated {
		return nil
	}
	email := strings.TrimSpace(cmd.GuestEmail)
	if email == "" || !strings.Contains(email, "@") {
		return &ValidationFailure{
			Code:    ValidationCodeGuestEmail,
			Message: "a contact email is required to check out as a guest",
		}
	}
	return nil
}

// placeholderItemValidator rejects cart lines still awaiting configuration. A
// placeholder line has no resolved SKU to charge, so it can never be placed.
type placeholderItemValidator struct{}

func (placeholderItemValidator) Name() string { return "placeholder_items" }

func (placeholderItemValidator) Validate(_ context.Context, cmd SubmitOrderCommand) *ValidationFailure {
	for _, item := range cmd.Cart.Items {
		if item.Placeholder {
			return &ValidationFailure{
				Code:    ValidationCodePlaceholderItem,
				Message: fmt.Sprintf("item %s is not configured yet", item.SKU),
				ItemID:  item.ID,
			}
		}
	}
	return nil
}

type giftCardValidator struct{}

func (giftCardValidator) Name() string { return "gift_cards" }

func (giftCardValidator) Validate(_ context.Context, cmd SubmitOrderCommand) *ValidationFailure {
	for _, p := range cmd.Payments {
		if p.Type != domain.PaymentTypeGiftCard {
			continue
		}
		if p.GiftCard == nil || strings.TrimSpace(p.GiftCard.Number) == "" {
			return &ValidationFailure{
				Code:    ValidationCodeGiftCard,
				Message: "a gift card payment needs a card number",
			}
		}
	}
	return nil
}

// dynamicPropertyValidator checks the free-form key/value bags riding on
// payments and cart items. The backend rejects blank keys and null values with
// an opaque error, so they are caught here instead.
type dynamicPropertyValidator struct{}

func (dynamicPropertyValidator) Name() string { return "dynamic_properties" }

func (dynamicPropertyValidator) Validate(_ context.Context, cmd SubmitOrderCommand) *ValidationFailure {
	for _, p := range cmd.Payments {
		if failure := checkPropertyBag(p.CustomProperties, "payment"); failure != nil {
			return failure
		}
	}
	for _, item := range cmd.Cart.Items {
		if failure := checkPropertyBag(item.Customization, "item"); failure != nil {
			failure.ItemID = item.ID
			return failure
		}
	}
	return nil
}

func checkPropertyBag(bag map[string]any, owner string) *ValidationFailure {
	for key, value := range bag {
		if strings.TrimSpace(key) == "" {
			return &ValidationFailure{
				Code:    ValidationCodeCustomProperties,
				Message: fmt.Sprintf("a %s custom property has an empty name", owner),
			}
		}
		if value == nil {
			return &ValidationFailure{
				Code:    ValidationCodeCustomProperties,
				Message: fmt.Sprintf("%s custom property %q has no value", owner, key),
			}
		}
	}
	return nil
}

// scheduleStartsInFuture reports whether start is usable relative to now. Kept
// separate so the submission service can re-check at send time with its own
// clock.
func scheduleStartsInFuture(schedule *domain.Schedule, now time.Time) bool {
	if schedule == nil {
		return true
	}
	return schedule.StartDate.After(now)
}
