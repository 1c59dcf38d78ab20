package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/clearcart/checkout-api/internal/domain"
	"github.com/clearcart/checkout-api/internal/orderapi"
)

var (
	// ErrCashNotExclusive indicates cash was combined with another tender.
	ErrCashNotExclusive = errors.New("checkout: cash must be the only payment")
	// ErrGenericNotExclusive indicates a generic payment was combined with a primary tender.
	ErrGenericNotExclusive = errors.New("checkout: generic payment cannot be combined with a primary payment")
	// ErrMultiplePrimary indicates more than one primary tender was supplied.
	ErrMultiplePrimary = errors.New("checkout: at most one primary payment is allowed")
	// ErrAmbiguousSplit indicates a split payment left more than one amount open.
	ErrAmbiguousSplit = errors.New("checkout: only the final payment may omit an amount")
	// ErrNoPayments indicates the assembler received nothing to assemble.
	ErrNoPayments = errors.New("checkout: no payments to assemble")
)

// primaryTender reports whether t settles the order balance on its own.
// Loyalty points and gift cards are supplemental tenders layered in front.
func primaryTender(t domain.PaymentType) bool {
	switch t {
	case domain.PaymentTypeCard, domain.PaymentTypeInvoice, domain.PaymentTypePayPal, domain.PaymentTypeRegionalRedirect:
		return true
	default:
		return false
	}
}

// LoyaltyHandler resolves loyalty tenders before assembly, for stores that
// need to look up point balances or translate program identifiers.
type LoyaltyHandler func(ctx context.Context, loyalty []domain.PaymentDescriptor) ([]domain.PaymentDescriptor, error)

// SplitDelegate replaces the default split-amount check, for stores that
// allocate the open balance across tenders themselves.
type SplitDelegate func(ctx context.Context, assembled []domain.PaymentDescriptor) ([]domain.PaymentDescriptor, error)

// Assembler orders and checks a payment set for submission.
type Assembler struct {
	loyalty LoyaltyHandler
	split   SplitDelegate
}

// AssemblerOption customizes an Assembler.
type AssemblerOption func(*Assembler)

// WithLoyaltyHandler installs a loyalty tender resolver.
func WithLoyaltyHandler(h LoyaltyHandler) AssemblerOption {
	return func(a *Assembler) {
		a.loyalty = h
	}
}

// WithSplitDelegate installs a custom split-amount allocator.
func WithSplitDelegate(d SplitDelegate) AssemblerOption {
	return func(a *Assembler) {
		a.split = d
	}
}

// NewAssembler constructs an Assembler with the store's customizations.
func NewAssembler(opts ...AssemblerOption) *Assembler {
	a := &Assembler{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AssemblePayments runs an uncustomized Assembler, for call sites that have no
// store hooks to wire.
func AssemblePayments(payments []domain.PaymentDescriptor) ([]domain.PaymentDescriptor, error) {
	return NewAssembler().Assemble(context.Background(), payments)
}

// Assemble orders and checks the payment set for submission: loyalty points
// first, gift cards next, generic store tenders after those, the primary
// tender last. Cash is exclusive and submitted alone; a generic tender may
// ride alongside supplemental tenders but never another settling one. Every
// payment except the final one must carry an explicit amount, with gift cards
// allowed to claim their remaining balance instead.
func (a *Assembler) Assemble(ctx context.Context, payments []domain.PaymentDescriptor) ([]domain.PaymentDescriptor, error) {
	if len(payments) == 0 {
		return nil, ErrNoPayments
	}

	var (
		loyalty   []domain.PaymentDescriptor
		giftCards []domain.PaymentDescriptor
		generics  []domain.PaymentDescriptor
		primary   []domain.PaymentDescriptor
	)
	for _, p := range payments {
		switch p.Type {
		case domain.PaymentTypeCash:
			if len(payments) > 1 {
				return nil, ErrCashNotExclusive
			}
			return []domain.PaymentDescriptor{p}, nil
		case domain.PaymentTypeGeneric:
			generics = append(generics, p)
		case domain.PaymentTypeLoyaltyPoints:
			loyalty = append(loyalty, p)
		case domain.PaymentTypeGiftCard:
			giftCards = append(giftCards, p)
		default:
			if !primaryTender(p.Type) {
				return nil, fmt.Errorf("checkout: unsupported payment type %q", p.Type)
			}
			primary = append(primary, p)
		}
	}

	// A generic tender settles the balance like a primary one does; the two
	// cannot both claim it.
	if len(generics) > 0 && len(primary) > 0 {
		return nil, ErrGenericNotExclusive
	}
	if len(primary) > 1 {
		return nil, ErrMultiplePrimary
	}

	if a.loyalty != nil && len(loyalty) > 0 {
		resolved, err := a.loyalty(ctx, loyalty)
		if err != nil {
			return nil, fmt.Errorf("checkout: resolve loyalty payments: %w", err)
		}
		loyalty = resolved
	}

	assembled := make([]domain.PaymentDescriptor, 0, len(payments))
	assembled = append(assembled, loyalty...)
	assembled = append(assembled, giftCards...)
	assembled = append(assembled, generics...)
	assembled = append(assembled, primary...)

	if a.split != nil {
		allocated, err := a.split(ctx, assembled)
		if err != nil {
			return nil, err
		}
		return allocated, nil
	}
	if err := checkSplitAmounts(assembled); err != nil {
		return nil, err
	}
	return assembled, nil
}

// checkSplitAmounts enforces that only the final payment may leave its amount
// to the backend. A gift card drawing down its remaining balance counts as
// amount-bearing.
func checkSplitAmounts(assembled []domain.PaymentDescriptor) error {
	for i, p := range assembled {
		if i == len(assembled)-1 {
			return nil
		}
		if p.Amount != nil {
			continue
		}
		if p.Type == domain.PaymentTypeGiftCard && p.GiftCard != nil && p.GiftCard.UseRemaining {
			continue
		}
		return ErrAmbiguousSplit
	}
	return nil
}

// PaymentPayloads converts assembled descriptors into their wire form.
func PaymentPayloads(assembled []domain.PaymentDescriptor) []orderapi.PaymentPayload {
	payloads := make([]orderapi.PaymentPayload, 0, len(assembled))
	for _, p := range assembled {
		payloads = append(payloads, paymentPayload(p))
	}
	return payloads
}

func paymentPayload(p domain.PaymentDescriptor) orderapi.PaymentPayload {
	payload := orderapi.PaymentPayload{
		Type:             string(p.Type),
		Amount:           p.Amount,
		CustomProperties: p.CustomProperties,
	}
	if p.BillingAddress != nil && !p.BillingAddress.IsZero() {
		payload.BillingAddress = addressPayload(*p.BillingAddress)
	}
	switch p.Type {
	case domain.PaymentTypeCard:
		if p.Card != nil {
			payload.NameOnCard = p.Card.NameOnCard
			payload.CardNumber = p.Card.Number
			payload.ExpiryMonth = p.Card.ExpiryMonth
			payload.ExpiryYear = p.Card.ExpiryYear
			payload.SavedCardID = p.Card.SavedCardID
		}
	case domain.PaymentTypeGiftCard:
		if p.GiftCard != nil {
			payload.GiftCardNumber = p.GiftCard.Number
			payload.GiftCardPin = p.GiftCard.PIN
		}
	case domain.PaymentTypePayPal:
		if p.PayPal != nil {
			payload.PayerID = p.PayPal.PayerID
			payload.Token = p.PayPal.Token
			payload.PaymentID = p.PayPal.PaymentID
		}
	case domain.PaymentTypeRegionalRedirect:
		if p.Regional != nil {
			payload.Reference = p.Regional.Reference
			payload.Signature = p.Regional.Signature
		}
	case domain.PaymentTypeInvoice:
		if p.Invoice != nil {
			payload.PONumber = p.Invoice.PONumber
		}
	case domain.PaymentTypeLoyaltyPoints:
		if p.Loyalty != nil {
			payload.Program = p.Loyalty.Program
			payload.Points = p.Loyalty.Points
		}
	}
	return payload
}

func addressPayload(a domain.Address) *orderapi.AddressPayload {
	return &orderapi.AddressPayload{
		FirstName:   a.FirstName,
		LastName:    a.LastName,
		Address1:    a.Line1,
		Address2:    a.Line2,
		City:        a.City,
		State:       a.Region,
		PostalCode:  a.PostalCode,
		Country:     a.CountryCode,
		PhoneNumber: a.Phone,
		Email:       a.Email,
	}
}
