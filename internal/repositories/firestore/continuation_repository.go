package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/clearcart/checkout-api/internal/domain"
	pfirestore "github.com/clearcart/checkout-api/internal/platform/firestore"
	"github.com/clearcart/checkout-api/internal/repositories"
)

const continuationCollection = "checkoutContinuations"

// ContinuationRepository persists redirect continuation tokens in Firestore.
type ContinuationRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[continuationDocument]
}

// NewContinuationRepository constructs a Firestore-backed continuation repository.
func NewContinuationRepository(provider *pfirestore.Provider) (*ContinuationRepository, error) {
	if provider == nil {
		return nil, errors.New("continuation repository requires firestore provider")
	}
	return &ContinuationRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[continuationDocument](provider, continuationCollection, nil, nil),
	}, nil
}

// Save stores the token under its own ID, replacing any previous document.
func (r *ContinuationRepository) Save(ctx context.Context, token domain.ContinuationToken) error {
	id := strings.TrimSpace(token.ID)
	if id == "" {
		return errors.New("continuation repository: token id is required")
	}
	if strings.TrimSpace(token.ShopperID) == "" {
		return errors.New("continuation repository: shopper id is required")
	}

	doc := continuationDocument{
		ShopperID:      strings.TrimSpace(token.ShopperID),
		OrderID:        strings.TrimSpace(token.OrderID),
		PaymentGroupID: strings.TrimSpace(token.PaymentGroupID),
		PaymentType:    string(token.PaymentType),
		GuestEmail:     strings.TrimSpace(token.GuestEmail),
		ShopperContext: token.ShopperContext,
		RedirectedAt:   token.RedirectedAt.UTC(),
		ExpiresAt:      token.ExpiresAt.UTC(),
	}
	if token.ShippingAddress != nil {
		addr := continuationAddress(*token.ShippingAddress)
		doc.ShippingAddress = &addr
	}

	if _, err := r.base.Set(ctx, id, doc); err != nil {
		return err
	}
	return nil
}

// Take reads and deletes the token in a single transaction so a redirect return
// can consume it exactly once. A second Take reports not found.
func (r *ContinuationRepository) Take(ctx context.Context, tokenID string) (domain.ContinuationToken, error) {
	id := strings.TrimSpace(tokenID)
	if id == "" {
		return domain.ContinuationToken{}, errors.New("continuation repository: token id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return domain.ContinuationToken{}, err
	}

	var taken domain.ContinuationToken
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		var doc continuationDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode continuation %s: %w", id, err)
		}
		if err := tx.Delete(docRef); err != nil {
			return err
		}
		taken = doc.toDomain(docRef.ID)
		return nil
	}, pfirestore.WithTxAttempts(3), pfirestore.WithTxTimeout(5*time.Second))
	if err != nil {
		return domain.ContinuationToken{}, pfirestore.WrapError("continuations.take", err)
	}
	return taken, nil
}

// DeleteExpired removes tokens whose expiry precedes cutoff and reports how many
// were removed.
func (r *ContinuationRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("expiresAt", "<", cutoff.UTC())
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, doc := range docs {
		ref, err := r.base.DocumentRef(ctx, doc.ID)
		if err != nil {
			return removed, err
		}
		if _, err := ref.Delete(ctx); err != nil {
			return removed, pfirestore.WrapError("continuations.delete_expired", err)
		}
		removed++
	}
	return removed, nil
}

type continuationDocument struct {
	ShopperID       string               `firestore:"shopperId"`
	OrderID         string               `firestore:"orderId,omitempty"`
	PaymentGroupID  string               `firestore:"paymentGroupId,omitempty"`
	PaymentType     string               `firestore:"paymentType"`
	GuestEmail      string               `firestore:"guestEmail,omitempty"`
	ShippingAddress *continuationAddress `firestore:"shippingAddress,omitempty"`
	ShopperContext  string               `firestore:"shopperContext,omitempty"`
	RedirectedAt    time.Time            `firestore:"redirectedAt"`
	ExpiresAt       time.Time            `firestore:"expiresAt"`
}

type continuationAddress struct {
	FirstName   string `firestore:"firstName,omitempty"`
	LastName    string `firestore:"lastName,omitempty"`
	Line1       string `firestore:"line1,omitempty"`
	Line2       string `firestore:"line2,omitempty"`
	City        string `firestore:"city,omitempty"`
	Region      string `firestore:"region,omitempty"`
	PostalCode  string `firestore:"postalCode,omitempty"`
	CountryCode string `firestore:"countryCode,omitempty"`
	Phone       string `firestore:"phone,omitempty"`
	Email       string `firestore:"email,omitempty"`
}

func (d continuationDocument) toDomain(id string) domain.ContinuationToken {
	token := domain.ContinuationToken{
		ID:             id,
		ShopperID:      d.ShopperID,
		OrderID:        d.OrderID,
		PaymentGroupID: d.PaymentGroupID,
		PaymentType:    domain.PaymentType(d.PaymentType),
		GuestEmail:     d.GuestEmail,
		ShopperContext: d.ShopperContext,
		RedirectedAt:   d.RedirectedAt,
		ExpiresAt:      d.ExpiresAt,
	}
	if d.ShippingAddress != nil {
		addr := domain.Address(*d.ShippingAddress)
		token.ShippingAddress = &addr
	}
	return token
}

// Ensure interface compliance.
var _ repositories.ContinuationRepository = (*ContinuationRepository)(nil)
