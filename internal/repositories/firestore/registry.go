package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/clearcart/checkout-api/internal/platform/firestore"
	"github.com/clearcart/checkout-api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the repositories.Registry contract.
type Registry struct {
	provider      *pfirestore.Provider
	continuations *ContinuationRepository
	records       *SubmissionRecordRepository
	health        repositories.HealthRepository
}

// NewRegistry wires the concrete repositories over a shared Firestore provider.
// Extra dependency checks join the built-in Firestore probe on the readiness report.
func NewRegistry(provider *pfirestore.Provider, extraChecks ...repositories.DependencyCheck) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	continuations, err := NewContinuationRepository(provider)
	if err != nil {
		return nil, err
	}
	records, err := NewSubmissionRecordRepository(provider)
	if err != nil {
		return nil, err
	}
	checks := []repositories.DependencyCheck{
		{
			Name: "firestore",
			Check: func(ctx context.Context) error {
				_, err := provider.Client(ctx)
				return err
			},
		},
	}
	checks = append(checks, extraChecks...)
	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:      provider,
		continuations: continuations,
		records:       records,
		health:        health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Continuations returns the continuation token repository.
func (r *Registry) Continuations() repositories.ContinuationRepository {
	return r.continuations
}

// SubmissionRecords returns the audit record repository.
func (r *Registry) SubmissionRecords() repositories.SubmissionRecordRepository {
	return r.records
}

// Health returns the readiness probe repository.
func (r *Registry) Health() repositories.HealthRepository {
	return r.health
}

// RunInTx executes fn inside a Firestore transaction. The callback receives the
// original context; repositories invoked within it issue their own transactional
// reads and writes.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("registry: transaction function is required")
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}

var _ repositories.Registry = (*Registry)(nil)
