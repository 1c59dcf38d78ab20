package repositories

import (
	"context"
	"time"

	domain "github.com/clearcart/checkout-api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Continuations() ContinuationRepository
	SubmissionRecords() SubmissionRecordRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ContinuationRepository stores the shopper context saved ahead of a gateway
// redirect. Take must remove the token atomically with the read so a token can
// be consumed exactly once; a second Take returns a RepositoryError with
// IsNotFound.
type ContinuationRepository interface {
	Save(ctx context.Context, token domain.ContinuationToken) error
	Take(ctx context.Context, tokenID string) (domain.ContinuationToken, error)
	// DeleteExpired removes tokens whose expiry precedes cutoff and reports how
	// many were removed.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// SubmissionRecordRepository appends the audit trail of submission attempts.
type SubmissionRecordRepository interface {
	Append(ctx context.Context, record domain.SubmissionRecord) error
	ListByOrder(ctx context.Context, orderID string, limit int) ([]domain.SubmissionRecord, error)
}

// HealthRepository evaluates dependency probes for readiness endpoints.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
