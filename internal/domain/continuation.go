package domain

import (
	"time"
)

// ContinuationToken is the single durable record that lets a checkout survive a
// full-page redirect to an external gateway. It replaces scattered client-storage
// keys: everything the return path needs travels in one document, read back and
// cleared exactly once.
type ContinuationToken struct {
	ID             string
	ShopperID      string
	OrderID        string
	PaymentGroupID string
	PaymentType    PaymentType
	GuestEmail     string
	// ShippingAddress preserves an address captured before a shipping method was
	// resolved, so a declined redirect does not force the shopper to re-enter it.
	ShippingAddress *Address
	// ShopperContext carries the pricing-webhook override that must survive the redirect.
	ShopperContext string
	RedirectedAt   time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the token has outlived its redirect window.
func (t ContinuationToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// SubmissionRecord is the per-attempt audit entry persisted alongside the order flow.
type SubmissionRecord struct {
	ID        string
	ShopperID string
	OrderID   string
	Operation SubmissionOperation
	Outcome   string
	ErrorCode string
	CreatedAt time.Time
}
