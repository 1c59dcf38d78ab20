package checkout

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/clearcart/checkout-api/internal/domain"
)

func validCommand() SubmitOrderCommand {
	addr := domain.Address{FirstName: "Ada", Line1: "1 Main St", City: "Springfield", CountryCode: "US"}
	total := decimal.NewFromInt(50)
	return SubmitOrderCommand{
		ShopperID:     "shopper-1",
		Authenticated: true,
		Order: domain.Order{
			ShippingAddress: &addr,
			ShippingMethod:  "ground",
			AmountRemaining: &total,
		},
		Cart: domain.Cart{
			Items: []domain.CartItem{
				{ID: "ci1", ProductID: "p1", SKU: "sku1", Quantity: 2, UnitPrice: decimal.NewFromInt(25)},
			},
		},
		Payments: []domain.PaymentDescriptor{
			{Type: domain.PaymentTypeCard, BillingAddress: &addr, Card: &domain.CardDetails{SavedCardID: "c1"}},
		},
	}
}

func TestValidationPipelinePassesValidCommand(t *testing.T) {
	failures := NewValidationPipeline().Run(context.Background(), validCommand())
	if len(failures) != 0 {
		t.Fatalf("expected no failures, got %#v", failures)
	}
}

// countingValidator proves every validator runs even after earlier failures.
type countingValidator struct {
	calls *int
}

func (countingValidator) Name() string { return "counting" }

func (v countingValidator) Validate(context.Context, SubmitOrderCommand) *ValidationFailure {
	*v.calls++
	return nil
}

func TestValidationPipelineRunsEveryValidatorAndReportsFirstFailure(t *testing.T) {
	cmd := validCommand()
	cmd.Cart.Items = nil                // cart validator fails
	cmd.Order.ShippingMethod = ""       // shipping validator fails too
	cmd.Payments = nil                  // payments validator fails too
	cmd.Authenticated = false           // guest contact validator fails too
	cmd.Order.AmountRemaining = nil

	calls := 0
	failures := NewValidationPipeline(countingValidator{calls: &calls}).Run(context.Background(), cmd)
	if calls != 1 {
		t.Fatalf("trailing validator should still run, calls=%d", calls)
	}
	if len(failures) < 3 {
		t.Fatalf("expected every failing validator to report, got %#v", failures)
	}
	// Identity is checked before anything about the order itself.
	if failures[0].Code != ValidationCodeGuestEmail {
		t.Fatalf("first failure should be the guest contact failure, got %s", failures[0].Code)
	}
	if failures[1].Code != ValidationCodeEmptyCart {
		t.Fatalf("second failure should be the cart failure, got %s", failures[1].Code)
	}
}

func TestPlaceholderItemsBlockSubmission(t *testing.T) {
	cmd := validCommand()
	cmd.Cart.Items = append(cmd.Cart.Items, domain.CartItem{
		ID: "ci2", ProductID: "p2", SKU: "sku2", Quantity: 1, UnitPrice: decimal.NewFromInt(10),
		Placeholder: true,
	})
	failures := NewValidationPipeline().Run(context.Background(), cmd)
	if len(failures) == 0 || failures[0].Code != ValidationCodePlaceholderItem {
		t.Fatalf("expected placeholder item failure, got %#v", failures)
	}
	if failures[0].ItemID != "ci2" {
		t.Fatalf("failure should name the unresolved item, got %q", failures[0].ItemID)
	}
}

func TestGiftCardValidatorRequiresNumber(t *testing.T) {
	cmd := validCommand()
	cmd.Payments = []domain.PaymentDescriptor{
		{Type: domain.PaymentTypeGiftCard, GiftCard: &domain.GiftCardDetails{}},
	}
	failures := NewValidationPipeline().Run(context.Background(), cmd)
	if len(failures) == 0 || failures[0].Code != ValidationCodeGiftCard {
		t.Fatalf("expected gift card failure, got %#v", failures)
	}

	cmd.Payments = []domain.PaymentDescriptor{
		{Type: domain.PaymentTypeGiftCard, GiftCard: nil},
	}
	failures = NewValidationPipeline().Run(context.Background(), cmd)
	if len(failures) == 0 || failures[0].Code != ValidationCodeGiftCard {
		t.Fatalf("expected gift card failure without details, got %#v", failures)
	}
}

func TestDynamicPropertyValidatorRejectsBlankKeysAndNilValues(t *testing.T) {
	cmd := validCommand()
	cmd.Payments[0].CustomProperties = map[string]any{" ": "x"}
	failures := NewValidationPipeline().Run(context.Background(), cmd)
	if len(failures) == 0 || failures[0].Code != ValidationCodeCustomProperties {
		t.Fatalf("expected custom property failure for blank key, got %#v", failures)
	}

	cmd = validCommand()
	cmd.Cart.Items[0].Customization = map[string]any{"engraving": nil}
	failures = NewValidationPipeline().Run(context.Background(), cmd)
	if len(failures) == 0 || failures[0].Code != ValidationCodeCustomProperties {
		t.Fatalf("expected custom property failure for nil value, got %#v", failures)
	}
	if failures[0].ItemID != "ci1" {
		t.Fatalf("failure should name the item carrying the bad property, got %q", failures[0].ItemID)
	}
}

func TestShippingValidatorRejectsAddressAndGroupsTogether(t *testing.T) {
	cmd := validCommand()
	cmd.Order.ShippingGroups = []domain.ShippingGroup{
		{ShippingAddress: *cmd.Order.ShippingAddress, ShippingMethod: "ground"},
	}
	failures := NewValidationPipeline().Run(context.Background(), cmd)
	if len(failures) == 0 || failures[0].Code != ValidationCodeShipping {
		t.Fatalf("expected shipping exclusivity failure, got %#v", failures)
	}
}

func TestShippingValidatorRejectsStrayMethodWithGroups(t *testing.T) {
	cmd := validCommand()
	cmd.Order.ShippingAddress = nil
	cmd.Order.ShippingGroups = []domain.ShippingGroup{
		{ShippingAddress: domain.Address{FirstName: "Ada", Line1: "1 Main St"}, ShippingMethod: "ground"},
	}
	// ShippingMethod "ground" is still set from validCommand.
	failures := NewValidationPipeline().Run(context.Background(), cmd)
	if len(failures) == 0 || failures[0].Code != ValidationCodeShipping {
		t.Fatalf("expected shipping failure for top-level method with groups, got %#v", failures)
	}

	cmd.Order.ShippingMethod = ""
	if failures := NewValidationPipeline().Run(context.Background(), cmd); len(failures) != 0 {
		t.Fatalf("groups without a top-level method should pass, got %#v", failures)
	}
}

func TestShippingValidatorChecksEachGroup(t *testing.T) {
	cmd := validCommand()
	cmd.Order.ShippingAddress = nil
	cmd.Order.ShippingMethod = ""
	cmd.Order.ShippingGroups = []domain.ShippingGroup{
		{ShippingAddress: domain.Address{FirstName: "Ada", Line1: "1 Main St"}, ShippingMethod: "ground"},
		{ShippingAddress: domain.Address{}, ShippingMethod: "ground"},
	}
	failures := NewValidationPipeline().Run(context.Background(), cmd)
	if len(failures) == 0 || failures[0].Code != ValidationCodeShipping {
		t.Fatalf("expected group address failure, got %#v", failures)
	}
}

func TestAmountValidatorRejectsOverAndUnderPayment(t *testing.T) {
	cmd := validCommand()
	cmd.Payments = []domain.PaymentDescriptor{
		{Type: domain.PaymentTypeGiftCard, Amount: amount(30), GiftCard: &domain.GiftCardDetails{Number: "g1"}},
		{Type: domain.PaymentTypeGiftCard, Amount: amount(30), GiftCard: &domain.GiftCardDetails{Number: "g2"}},
	}
	failures := NewValidationPipeline().Run(context.Background(), cmd)
	if len(failures) == 0 || failures[0].Code != ValidationCodeAmountMismatch {
		t.Fatalf("expected overpayment failure, got %#v", failures)
	}

	cmd.Payments = []domain.PaymentDescriptor{
		{Type: domain.PaymentTypeGiftCard, Amount: amount(10), GiftCard: &domain.GiftCardDetails{Number: "g1"}},
	}
	failures = NewValidationPipeline().Run(context.Background(), cmd)
	if len(failures) == 0 || failures[0].Code != ValidationCodeAmountMismatch {
		t.Fatalf("expected underpayment failure, got %#v", failures)
	}

	// An open-ended final payment absorbs the remainder.
	cmd.Payments = []domain.PaymentDescriptor{
		{Type: domain.PaymentTypeGiftCard, Amount: amount(10), GiftCard: &domain.GiftCardDetails{Number: "g1"}},
		{Type: domain.PaymentTypeCard, BillingAddress: cmd.Order.ShippingAddress, Card: &domain.CardDetails{SavedCardID: "c1"}},
	}
	failures = NewValidationPipeline().Run(context.Background(), cmd)
	if len(failures) != 0 {
		t.Fatalf("open-ended payment should cover the rest, got %#v", failures)
	}
}

func TestBillingAddressRequiredForNewCards(t *testing.T) {
	cmd := validCommand()
	cmd.Payments = []domain.PaymentDescriptor{
		{Type: domain.PaymentTypeCard, Card: &domain.CardDetails{Number: "4111111111111111", ExpiryMonth: 4, ExpiryYear: 2031}},
	}
	failures := NewValidationPipeline().Run(context.Background(), cmd)
	if len(failures) == 0 || failures[0].Code != ValidationCodeBillingAddress {
		t.Fatalf("expected billing address failure, got %#v", failures)
	}
}

func TestGuestCheckoutRequiresEmail(t *testing.T) {
	cmd := validCommand()
	cmd.Authenticated = false
	cmd.GuestEmail = ""
	failures := NewValidationPipeline().Run(context.Background(), cmd)
	if len(failures) == 0 || failures[0].Code != ValidationCodeGuestEmail {
		t.Fatalf("expected guest email failure, got %#v", failures)
	}

	cmd.GuestEmail = "ada@example.com"
	if failures := NewValidationPipeline().Run(context.Background(), cmd); len(failures) != 0 {
		t.Fatalf("expected no failures with email, got %#v", failures)
	}
}

func TestScheduleValidatorChecksDatesAndFrequency(t *testing.T) {
	cmd := validCommand()
	cmd.Order.Schedule = &domain.Schedule{}
	failures := NewValidationPipeline().Run(context.Background(), cmd)
	if len(failures) == 0 || failures[0].Code != ValidationCodeSchedule {
		t.Fatalf("expected schedule failure, got %#v", failures)
	}
}
