package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/clearcart/checkout-api/internal/domain"
)

// Status enumerates the normalised authorization states shared across gateways.
type Status string

const (
	// StatusPending indicates the gateway is still processing the authorization.
	StatusPending Status = "pending"
	// StatusAuthorized indicates the gateway approved the payment.
	StatusAuthorized Status = "authorized"
	// StatusDeclined indicates the gateway rejected the payment.
	StatusDeclined Status = "declined"
	// StatusExpired indicates the authorization window lapsed without a verdict.
	StatusExpired Status = "expired"
)

// ErrUnsupportedGateway is returned when the manager cannot route a payment type.
var ErrUnsupportedGateway = errors.New("gateway: unsupported gateway")

// AuthorizeRequest asks a gateway to authorize the deferred payment for one
// payment group of an already-submitted order.
type AuthorizeRequest struct {
	OrderID        string
	PaymentGroupID string
	Reference      string
	Amount         int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// LookupRequest fetches the current authorization state for reconciliation.
type LookupRequest struct {
	Reference string
}

// CancelRequest voids an authorization that will not be captured.
type CancelRequest struct {
	Reference      string
	Reason         string
	IdempotencyKey string
}

// Authorization normalises gateway specific fields for the verdict pipeline.
type Authorization struct {
	Gateway      string
	Reference    string
	Status       Status
	Amount       int64
	Currency     string
	DeclineCode  string
	AuthorizedAt *time.Time
	Raw          map[string]any
}

// Provider defines the contract for payment gateway adapters.
type Provider interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error)
	Lookup(ctx context.Context, req LookupRequest) (Authorization, error)
	Cancel(ctx context.Context, req CancelRequest) (Authorization, error)
}

// Manager routes authorization calls to the gateway handling each payment type.
type Manager struct {
	providers      map[string]Provider
	defaultGateway string
	typeRoutes     map[domain.PaymentType]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultGateway overrides the default gateway used when no route matches.
func WithDefaultGateway(name string) ManagerOption {
	return func(m *Manager) {
		m.defaultGateway = name
	}
}

// WithTypeRoutes configures static payment-type to gateway mappings.
func WithTypeRoutes(routes map[domain.PaymentType]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.typeRoutes == nil {
			m.typeRoutes = make(map[domain.PaymentType]string, len(routes))
		}
		for k, v := range routes {
			m.typeRoutes[k] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied gateways.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("gateway: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("gateway: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultGateway = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RouteContext carries the hints available when selecting a gateway.
type RouteContext struct {
	PreferredGateway string
	PaymentType      domain.PaymentType
}

func (m *Manager) resolve(route RouteContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("gateway: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("gateway: no providers registered")
	}
	if name := strings.TrimSpace(strings.ToLower(route.PreferredGateway)); name != "" {
		if p, ok := m.providers[name]; ok {
			return name, p, nil
		}
	}
	if route.PaymentType != "" && m.typeRoutes != nil {
		if name, ok := m.typeRoutes[route.PaymentType]; ok {
			key := strings.TrimSpace(strings.ToLower(name))
			if p, ok := m.providers[key]; ok {
				return key, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultGateway)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedGateway
}

// Authorize delegates to the resolved gateway. Requests without an
// idempotency key are assigned one so gateway-side retries never create a
// second authorization.
func (m *Manager) Authorize(ctx context.Context, route RouteContext, req AuthorizeRequest) (Authorization, error) {
	key, provider, err := m.resolve(route)
	if err != nil {
		return Authorization{}, err
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	auth, err := provider.Authorize(ctx, req)
	if err != nil {
		return Authorization{}, err
	}
	auth.Gateway = key
	return auth, nil
}

// Lookup delegates to the resolved gateway.
func (m *Manager) Lookup(ctx context.Context, route RouteContext, req LookupRequest) (Authorization, error) {
	key, provider, err := m.resolve(route)
	if err != nil {
		return Authorization{}, err
	}
	auth, err := provider.Lookup(ctx, req)
	if err != nil {
		return Authorization{}, err
	}
	auth.Gateway = key
	return auth, nil
}

// Cancel delegates to the resolved gateway.
func (m *Manager) Cancel(ctx context.Context, route RouteContext, req CancelRequest) (Authorization, error) {
	key, provider, err := m.resolve(route)
	if err != nil {
		return Authorization{}, err
	}
	auth, err := provider.Cancel(ctx, req)
	if err != nil {
		return Authorization{}, err
	}
	auth.Gateway = key
	return auth, nil
}
