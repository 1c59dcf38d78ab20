package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clearcart/checkout-api/internal/checkout"
	"github.com/clearcart/checkout-api/internal/gateway"
	"github.com/clearcart/checkout-api/internal/platform/config"
	"github.com/clearcart/checkout-api/internal/repositories"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete
// implementations are assembled via dependency injection in NewContainer.
type Services struct {
	Submissions     checkout.SubmissionService
	Continuations   checkout.ContinuationService
	Authorizations  checkout.AuthorizationListener
	ShopperContexts *checkout.ShopperContextStore
}

// Dependencies carries the externally constructed collaborators the container
// cannot build from configuration alone.
type Dependencies struct {
	Orders    checkout.OrderClient
	Publisher checkout.Publisher
	Gateways  *gateway.Manager
	Logger    func(ctx context.Context, event string, fields map[string]any)
	Clock     func() time.Time
}

// Container wires repositories, services, and supporting infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Gateways     *gateway.Manager
}

// NewContainer constructs the runtime dependencies. Production wiring provides
// real implementations, while tests can supply stubs through deps.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Dependencies) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("order client is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("event publisher is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	submissions, err := checkout.NewSubmissionService(checkout.SubmissionServiceDeps{
		Orders:        deps.Orders,
		Continuations: reg.Continuations(),
		Records:       reg.SubmissionRecords(),
		Publisher:     deps.Publisher,
		Clock:         clock,
		Logger:        deps.Logger,
		RedirectTTL:   cfg.Checkout.RedirectTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("build submission service: %w", err)
	}

	continuations, err := checkout.NewContinuationService(checkout.ContinuationServiceDeps{
		Orders:        deps.Orders,
		Continuations: reg.Continuations(),
		Submissions:   submissions,
		Publisher:     deps.Publisher,
		Clock:         clock,
		Logger:        deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build continuation service: %w", err)
	}

	authorizations, err := checkout.NewAuthorizationListener(checkout.AuthorizationListenerDeps{
		Orders:    deps.Orders,
		Records:   reg.SubmissionRecords(),
		Publisher: deps.Publisher,
		Clock:     clock,
		Logger:    deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build authorization listener: %w", err)
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services: Services{
			Submissions:     submissions,
			Continuations:   continuations,
			Authorizations:  authorizations,
			ShopperContexts: checkout.NewShopperContextStore(checkout.WithShopperContextClock(clock)),
		},
		Gateways: deps.Gateways,
	}, nil
}

// Close releases resources such as repository clients or background workers.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}
