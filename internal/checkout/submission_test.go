package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearcart/checkout-api/internal/domain"
	"github.com/clearcart/checkout-api/internal/orderapi"
)

type stubOrderClient struct {
	createFunc     func(ctx context.Context, req orderapi.OrderRequest) (*orderapi.OrderResponse, error)
	updateFunc     func(ctx context.Context, req orderapi.OrderRequest) (*orderapi.OrderResponse, error)
	addFunc        func(ctx context.Context, req orderapi.AddPaymentsRequest) (*orderapi.AddPaymentsResponse, error)
	getFunc        func(ctx context.Context, orderID string) (*orderapi.OrderResponse, error)
	getInitialFunc func(ctx context.Context, q orderapi.InitialOrderQuery) (*orderapi.OrderResponse, error)
	approvalFunc   func(ctx context.Context, req orderapi.OrderRequest) (bool, error)
}

func (s *stubOrderClient) CreateOrder(ctx context.Context, req orderapi.OrderRequest) (*orderapi.OrderResponse, error) {
	if s.createFunc == nil {
		return nil, errors.New("unexpected CreateOrder")
	}
	return s.createFunc(ctx, req)
}

func (s *stubOrderClient) UpdateOrder(ctx context.Context, req orderapi.OrderRequest) (*orderapi.OrderResponse, error) {
	if s.updateFunc == nil {
		return nil, errors.New("unexpected UpdateOrder")
	}
	return s.updateFunc(ctx, req)
}

func (s *stubOrderClient) AddPayments(ctx context.Context, req orderapi.AddPaymentsRequest) (*orderapi.AddPaymentsResponse, error) {
	if s.addFunc == nil {
		return nil, errors.New("unexpected AddPayments")
	}
	return s.addFunc(ctx, req)
}

func (s *stubOrderClient) GetOrder(ctx context.Context, orderID string) (*orderapi.OrderResponse, error) {
	if s.getFunc == nil {
		return nil, errors.New("unexpected GetOrder")
	}
	return s.getFunc(ctx, orderID)
}

func (s *stubOrderClient) GetInitialOrder(ctx context.Context, q orderapi.InitialOrderQuery) (*orderapi.OrderResponse, error) {
	if s.getInitialFunc == nil {
		return nil, errors.New("unexpected GetInitialOrder")
	}
	return s.getInitialFunc(ctx, q)
}

func (s *stubOrderClient) CheckRequiresApproval(ctx context.Context, req orderapi.OrderRequest) (bool, error) {
	if s.approvalFunc == nil {
		return false, nil
	}
	return s.approvalFunc(ctx, req)
}

type stubRepoError struct {
	notFound bool
	conflict bool
}

func (e stubRepoError) Error() string       { return "repo error" }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return !e.notFound && !e.conflict }

type stubContinuationRepo struct {
	mu     sync.Mutex
	tokens map[string]domain.ContinuationToken

	saveFunc func(ctx context.Context, token domain.ContinuationToken) error
	takeFunc func(ctx context.Context, tokenID string) (domain.ContinuationToken, error)
}

func newStubContinuationRepo() *stubContinuationRepo {
	return &stubContinuationRepo{tokens: make(map[string]domain.ContinuationToken)}
}

func (s *stubContinuationRepo) Save(ctx context.Context, token domain.ContinuationToken) error {
	if s.saveFunc != nil {
		return s.saveFunc(ctx, token)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.ID] = token
	return nil
}

func (s *stubContinuationRepo) Take(ctx context.Context, tokenID string) (domain.ContinuationToken, error) {
	if s.takeFunc != nil {
		return s.takeFunc(ctx, tokenID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[tokenID]
	if !ok {
		return domain.ContinuationToken{}, stubRepoError{notFound: true}
	}
	delete(s.tokens, tokenID)
	return token, nil
}

func (s *stubContinuationRepo) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

type stubRecordRepo struct {
	mu      sync.Mutex
	records []domain.SubmissionRecord
}

func (s *stubRecordRepo) Append(_ context.Context, record domain.SubmissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *stubRecordRepo) ListByOrder(_ context.Context, orderID string, _ int) ([]domain.SubmissionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SubmissionRecord
	for _, r := range s.records {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out, nil
}

type publishedEvent struct {
	Topic string
	Event any
}

type stubPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (s *stubPublisher) Publish(_ context.Context, topic string, event any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, publishedEvent{Topic: topic, Event: event})
	return nil
}

func (s *stubPublisher) topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Topic)
	}
	return out
}

func (s *stubPublisher) has(topic string) bool {
	for _, t := range s.topics() {
		if t == topic {
			return true
		}
	}
	return false
}

func newTestSubmissionService(t *testing.T, orders OrderClient) (SubmissionService, *stubRecordRepo, *stubPublisher, *stubContinuationRepo) {
	t.Helper()
	records := &stubRecordRepo{}
	publisher := &stubPublisher{}
	continuations := newStubContinuationRepo()
	ids := 0
	service, err := NewSubmissionService(SubmissionServiceDeps{
		Orders:        orders,
		Continuations: continuations,
		Records:       records,
		Publisher:     publisher,
		Clock:         func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) },
		IDGenerator: func() string {
			ids++
			return string(rune('a'+ids-1)) + "-id"
		},
	})
	if err != nil {
		t.Fatalf("new submission service: %v", err)
	}
	return service, records, publisher, continuations
}

func authorizedGroup(id string) orderapi.PaymentGroupPayload {
	return orderapi.PaymentGroupPayload{
		PaymentGroupID: id,
		Type:           "card",
		PaymentState:   "AUTHORIZED",
		Amount:         decimal.NewFromInt(50),
	}
}

func TestSubmitCreateSuccess(t *testing.T) {
	var gotReq orderapi.OrderRequest
	orders := &stubOrderClient{
		createFunc: func(_ context.Context, req orderapi.OrderRequest) (*orderapi.OrderResponse, error) {
			gotReq = req
			return &orderapi.OrderResponse{
				ID:       "o100",
				State:    "SUBMITTED",
				Payments: []orderapi.PaymentGroupPayload{authorizedGroup("pg1")},
			}, nil
		},
	}
	service, records, publisher, _ := newTestSubmissionService(t, orders)

	result, err := service.Submit(context.Background(), validCommand())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Outcome != OutcomeSubmitted || result.OrderID != "o100" {
		t.Fatalf("unexpected result %#v", result)
	}
	if result.Operation != domain.OperationCreate {
		t.Fatalf("expected create operation, got %s", result.Operation)
	}
	if gotReq.ProfileID != "shopper-1" {
		t.Fatalf("authenticated shopper should carry profile id, got %q", gotReq.ProfileID)
	}
	if len(gotReq.Payments) != 1 || gotReq.Payments[0].Type != "card" {
		t.Fatalf("unexpected payments %#v", gotReq.Payments)
	}
	if !publisher.has(TopicOrderSubmitted) {
		t.Fatalf("expected order submitted event, got %v", publisher.topics())
	}
	if len(records.records) != 1 || records.records[0].Outcome != string(OutcomeSubmitted) {
		t.Fatalf("unexpected audit trail %#v", records.records)
	}
}

func TestSubmitSelectsUpdateForAuthenticatedPersistedOrder(t *testing.T) {
	updated := false
	orders := &stubOrderClient{
		updateFunc: func(_ context.Context, req orderapi.OrderRequest) (*orderapi.OrderResponse, error) {
			updated = true
			if req.ID != "o55" {
				t.Fatalf("expected update of o55, got %q", req.ID)
			}
			return &orderapi.OrderResponse{
				ID:       "o55",
				State:    "SUBMITTED",
				Payments: []orderapi.PaymentGroupPayload{authorizedGroup("pg1")},
			}, nil
		},
	}
	service, _, _, _ := newTestSubmissionService(t, orders)

	cmd := validCommand()
	cmd.Order.ID = "o55"
	cmd.Order.State = domain.OrderStateIncomplete
	result, err := service.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !updated {
		t.Fatal("expected UpdateOrder to be called")
	}
	if result.Operation != domain.OperationUpdateExisting {
		t.Fatalf("expected update operation, got %s", result.Operation)
	}
}

func TestSubmitGuestWithStoredOrderIDCreatesFresh(t *testing.T) {
	orders := &stubOrderClient{
		createFunc: func(_ context.Context, req orderapi.OrderRequest) (*orderapi.OrderResponse, error) {
			return &orderapi.OrderResponse{
				ID:       "o-new",
				State:    "SUBMITTED",
				Payments: []orderapi.PaymentGroupPayload{authorizedGroup("pg1")},
			}, nil
		},
	}
	service, _, _, _ := newTestSubmissionService(t, orders)

	cmd := validCommand()
	cmd.Authenticated = false
	cmd.GuestEmail = "ada@example.com"
	cmd.Order.ID = "o55"
	cmd.Order.State = domain.OrderStateIncomplete
	result, err := service.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Operation != domain.OperationCreate {
		t.Fatalf("guest resubmission must create, got %s", result.Operation)
	}
}

func TestSubmitAddsPaymentsToPendingOrder(t *testing.T) {
	var addReq orderapi.AddPaymentsRequest
	orders := &stubOrderClient{
		addFunc: func(_ context.Context, req orderapi.AddPaymentsRequest) (*orderapi.AddPaymentsResponse, error) {
			addReq = req
			return &orderapi.AddPaymentsResponse{
				OrderID:  req.OrderID,
				Payments: []orderapi.PaymentGroupPayload{authorizedGroup("pg2")},
			}, nil
		},
		getFunc: func(_ context.Context, orderID string) (*orderapi.OrderResponse, error) {
			return &orderapi.OrderResponse{ID: orderID, State: "SUBMITTED"}, nil
		},
	}
	service, _, publisher, _ := newTestSubmissionService(t, orders)

	cmd := validCommand()
	cmd.Order.ID = "o77"
	cmd.Order.State = domain.OrderStatePendingPayment
	result, err := service.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if addReq.OrderID != "o77" {
		t.Fatalf("expected addPayments on o77, got %q", addReq.OrderID)
	}
	if result.Operation != domain.OperationAddPayments {
		t.Fatalf("expected add_payments operation, got %s", result.Operation)
	}
	if result.Outcome != OutcomeSubmitted {
		t.Fatalf("refreshed state should resolve to submitted, got %s", result.Outcome)
	}
	if !publisher.has(TopicOrderSubmitted) {
		t.Fatalf("expected submitted event, got %v", publisher.topics())
	}
}

func TestSubmitAddPaymentsOverlaysFreshGroupsOnRefetch(t *testing.T) {
	orders := &stubOrderClient{
		addFunc: func(_ context.Context, req orderapi.AddPaymentsRequest) (*orderapi.AddPaymentsResponse, error) {
			return &orderapi.AddPaymentsResponse{
				OrderID: req.OrderID,
				Payments: []orderapi.PaymentGroupPayload{
					{PaymentGroupID: "pg2", Type: "card", PaymentState: "INITIAL", UIIntervention: "PAYER_AUTH_REQUIRED"},
				},
			}, nil
		},
		getFunc: func(_ context.Context, orderID string) (*orderapi.OrderResponse, error) {
			// The re-fetch still carries the stale view of pg2.
			return &orderapi.OrderResponse{
				ID:    orderID,
				State: "PENDING_PAYMENT",
				Payments: []orderapi.PaymentGroupPayload{
					authorizedGroup("pg1"),
					{PaymentGroupID: "pg2", Type: "card", PaymentState: "INITIAL"},
				},
			}, nil
		},
	}
	service, _, publisher, _ := newTestSubmissionService(t, orders)

	cmd := validCommand()
	cmd.Order.ID = "o78"
	cmd.Order.State = domain.OrderStatePendingPayment
	result, err := service.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Outcome != OutcomeCaptureRequired {
		t.Fatalf("the fresh group report must win over the stale re-fetch, got %s", result.Outcome)
	}
	if result.Intervention != domain.UIInterventionPayerAuth {
		t.Fatalf("unexpected intervention %s", result.Intervention)
	}
	if len(result.PaymentGroups) != 2 {
		t.Fatalf("expected both groups after the overlay, got %#v", result.PaymentGroups)
	}
	if !publisher.has(TopicPaymentAuthRequired) {
		t.Fatalf("expected auth required event, got %v", publisher.topics())
	}
}

func TestSubmitSplitShippingKeepsMethodOnGroups(t *testing.T) {
	var gotReq orderapi.OrderRequest
	orders := &stubOrderClient{
		createFunc: func(_ context.Context, req orderapi.OrderRequest) (*orderapi.OrderResponse, error) {
			gotReq = req
			return &orderapi.OrderResponse{
				ID:       "o40",
				State:    "SUBMITTED",
				Payments: []orderapi.PaymentGroupPayload{authorizedGroup("pg1")},
			}, nil
		},
	}
	service, _, _, _ := newTestSubmissionService(t, orders)

	cmd := validCommand()
	addr := *cmd.Order.ShippingAddress
	cmd.Order.ShippingAddress = nil
	cmd.Order.ShippingMethod = ""
	cmd.Order.ShippingGroups = []domain.ShippingGroup{
		{ID: "sg1", ShippingAddress: addr, ShippingMethod: "ground", ItemIDs: []string{"ci1"}},
		{ID: "sg2", ShippingAddress: addr, ShippingMethod: "express", ItemIDs: []string{"ci2"}},
	}
	if _, err := service.Submit(context.Background(), cmd); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if gotReq.ShippingMethod != "" {
		t.Fatalf("a split order must not carry a top-level shipping method, got %q", gotReq.ShippingMethod)
	}
	if len(gotReq.ShippingGroups) != 2 {
		t.Fatalf("expected both shipping groups on the wire, got %#v", gotReq.ShippingGroups)
	}
	if gotReq.ShippingGroups[1].ShippingMethod != "express" {
		t.Fatalf("group methods must survive, got %#v", gotReq.ShippingGroups[1])
	}
}

func TestSubmitFailedGroupWinsOverIntervention(t *testing.T) {
	orders := &stubOrderClient{
		createFunc: func(context.Context, orderapi.OrderRequest) (*orderapi.OrderResponse, error) {
			return &orderapi.OrderResponse{
				ID:    "o13",
				State: "INCOMPLETE",
				Payments: []orderapi.PaymentGroupPayload{
					{PaymentGroupID: "pg1", Type: "payPal", PaymentState: "INITIAL", UIIntervention: "REDIRECT", RedirectURL: "https://gateway.example/pay"},
					{PaymentGroupID: "pg2", Type: "card", PaymentState: "AUTHORIZE_FAILED", Message: "declined"},
				},
			}, nil
		},
	}
	service, _, publisher, continuations := newTestSubmissionService(t, orders)

	result, err := service.Submit(context.Background(), validCommand())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Outcome != OutcomeFailed {
		t.Fatalf("failed group must beat the redirect, got %s", result.Outcome)
	}
	if result.FailedGroup == nil || result.FailedGroup.ID != "pg2" {
		t.Fatalf("expected pg2 as failed group, got %#v", result.FailedGroup)
	}
	if result.OrderID != "o13" {
		t.Fatalf("the order survives a declined group, got order id %q", result.OrderID)
	}
	if result.Notification == nil || result.Notification.Recovery != RecoveryNone {
		t.Fatalf("unexpected notification %#v", result.Notification)
	}
	if len(continuations.tokens) != 0 {
		t.Fatalf("no continuation may be stored on failure, got %d", len(continuations.tokens))
	}
	if !publisher.has(TopicOrderSubmitFailed) {
		t.Fatalf("failure event must always fire, got %v", publisher.topics())
	}
}

func TestSubmitDeclinedExtraPaymentKeepsPendingOrder(t *testing.T) {
	orders := &stubOrderClient{
		addFunc: func(_ context.Context, req orderapi.AddPaymentsRequest) (*orderapi.AddPaymentsResponse, error) {
			return &orderapi.AddPaymentsResponse{
				OrderID: req.OrderID,
				Payments: []orderapi.PaymentGroupPayload{
					{PaymentGroupID: "pg9", Type: "card", PaymentState: "AUTHORIZE_FAILED", Message: "declined"},
				},
			}, nil
		},
		getFunc: func(_ context.Context, orderID string) (*orderapi.OrderResponse, error) {
			return &orderapi.OrderResponse{ID: orderID, State: "PENDING_PAYMENT"}, nil
		},
	}
	service, _, _, _ := newTestSubmissionService(t, orders)

	cmd := validCommand()
	cmd.Order.ID = "o77"
	cmd.Order.State = domain.OrderStatePendingPayment
	result, err := service.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", result.Outcome)
	}
	if result.OrderID != "o77" {
		t.Fatalf("a declined extra payment must not discard the pending order, got %q", result.OrderID)
	}
	if result.Notification == nil || result.Notification.Recovery != RecoveryNone {
		t.Fatalf("unexpected notification %#v", result.Notification)
	}
}

func TestSubmitFirstRedirectWinsAndStopsScan(t *testing.T) {
	orders := &stubOrderClient{
		createFunc: func(context.Context, orderapi.OrderRequest) (*orderapi.OrderResponse, error) {
			return &orderapi.OrderResponse{
				ID:    "o14",
				State: "INCOMPLETE",
				Payments: []orderapi.PaymentGroupPayload{
					{PaymentGroupID: "pg1", Type: "card", PaymentState: "INITIAL", UIIntervention: "SOP"},
					{PaymentGroupID: "pg2", Type: "payPal", PaymentState: "INITIAL", UIIntervention: "REDIRECT", RedirectURL: "https://gateway.example/first"},
					{PaymentGroupID: "pg3", Type: "regionalRedirect", PaymentState: "INITIAL", UIIntervention: "REDIRECT", RedirectURL: "https://gateway.example/second"},
				},
			}, nil
		},
	}
	service, _, publisher, continuations := newTestSubmissionService(t, orders)

	result, err := service.Submit(context.Background(), validCommand())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Outcome != OutcomeRedirect {
		t.Fatalf("expected redirect outcome, got %s", result.Outcome)
	}
	if result.RedirectURL != "https://gateway.example/first" {
		t.Fatalf("first redirect must win, got %q", result.RedirectURL)
	}
	if result.ContinuationID == "" {
		t.Fatal("redirect must store a continuation")
	}
	token, ok := continuations.tokens[result.ContinuationID]
	if !ok {
		t.Fatalf("continuation %q not stored", result.ContinuationID)
	}
	if token.OrderID != "o14" || token.PaymentGroupID != "pg2" {
		t.Fatalf("unexpected token %#v", token)
	}
	if !publisher.has(TopicPaymentRedirect) {
		t.Fatalf("expected redirect event, got %v", publisher.topics())
	}
}

func TestSubmitCaptureRequiredForSOP(t *testing.T) {
	orders := &stubOrderClient{
		createFunc: func(context.Context, orderapi.OrderRequest) (*orderapi.OrderResponse, error) {
			return &orderapi.OrderResponse{
				ID:    "o15",
				State: "INCOMPLETE",
				Payments: []orderapi.PaymentGroupPayload{
					{PaymentGroupID: "pg1", Type: "card", PaymentState: "INITIAL", UIIntervention: "PAYER_AUTH_REQUIRED"},
				},
			}, nil
		},
	}
	service, _, publisher, _ := newTestSubmissionService(t, orders)

	result, err := service.Submit(context.Background(), validCommand())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Outcome != OutcomeCaptureRequired {
		t.Fatalf("expected capture_required, got %s", result.Outcome)
	}
	if result.Intervention != domain.UIInterventionPayerAuth {
		t.Fatalf("unexpected intervention %s", result.Intervention)
	}
	if !publisher.has(TopicPaymentAuthRequired) {
		t.Fatalf("expected auth required event, got %v", publisher.topics())
	}
	for _, e := range publisher.events {
		if e.Topic != TopicPaymentAuthRequired {
			continue
		}
		event, ok := e.Event.(PaymentAuthRequiredEvent)
		if !ok {
			t.Fatalf("unexpected event payload %#v", e.Event)
		}
		if event.OrderID != "o15" || event.PaymentGroupID != "pg1" {
			t.Fatalf("unexpected event %#v", event)
		}
	}
}

func TestSubmitParkedGatewayOrderStaysInitial(t *testing.T) {
	var gotReq orderapi.OrderRequest
	orders := &stubOrderClient{
		createFunc: func(_ context.Context, req orderapi.OrderRequest) (*orderapi.OrderResponse, error) {
			gotReq = req
			return &orderapi.OrderResponse{
				ID:    "o21",
				State: "INCOMPLETE",
				Payments: []orderapi.PaymentGroupPayload{
					{PaymentGroupID: "pg1", Type: "payPal", PaymentState: "INITIAL"},
				},
			}, nil
		},
	}
	service, _, publisher, _ := newTestSubmissionService(t, orders)

	cmd := validCommand()
	cmd.Payments = []domain.PaymentDescriptor{
		{Type: domain.PaymentTypePayPal, PayPal: &domain.PayPalDetails{}},
	}
	result, err := service.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if gotReq.Op != orderapi.OpInitiate {
		t.Fatalf("a fresh gateway tender must create with op %q, got %q", orderapi.OpInitiate, gotReq.Op)
	}
	if result.Outcome != OutcomeInitial {
		t.Fatalf("a parked order is not submitted, got %s", result.Outcome)
	}
	if result.OrderID != "o21" {
		t.Fatalf("unexpected order id %q", result.OrderID)
	}
	if publisher.has(TopicOrderSubmitted) {
		t.Fatalf("no submitted event may fire for a parked order, got %v", publisher.topics())
	}
	if !publisher.has(TopicOrderCreatedInitial) {
		t.Fatalf("expected initial order event, got %v", publisher.topics())
	}
}

func TestSubmitApprovedGatewayTenderSkipsInitiate(t *testing.T) {
	var gotReq orderapi.OrderRequest
	orders := &stubOrderClient{
		createFunc: func(_ context.Context, req orderapi.OrderRequest) (*orderapi.OrderResponse, error) {
			gotReq = req
			return &orderapi.OrderResponse{
				ID:       "o22",
				State:    "SUBMITTED",
				Payments: []orderapi.PaymentGroupPayload{authorizedGroup("pg1")},
			}, nil
		},
	}
	service, _, _, _ := newTestSubmissionService(t, orders)

	cmd := validCommand()
	cmd.Payments = []domain.PaymentDescriptor{
		{Type: domain.PaymentTypePayPal, PayPal: &domain.PayPalDetails{PayerID: "payer-1", Token: "tok-1"}},
	}
	if _, err := service.Submit(context.Background(), cmd); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if gotReq.Op != "" {
		t.Fatalf("an approved gateway tender submits normally, got op %q", gotReq.Op)
	}
}

func TestSubmitScheduledTemplateOutcome(t *testing.T) {
	orders := &stubOrderClient{
		createFunc: func(context.Context, orderapi.OrderRequest) (*orderapi.OrderResponse, error) {
			return &orderapi.OrderResponse{
				ID:         "o30",
				State:      "TEMPLATE",
				ScheduleID: "sch-9",
				Payments:   []orderapi.PaymentGroupPayload{authorizedGroup("pg1")},
			}, nil
		},
	}
	service, _, publisher, _ := newTestSubmissionService(t, orders)

	cmd := validCommand()
	cmd.Order.Schedule = &domain.Schedule{
		StartDate: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		Frequency: "WEEKLY",
	}
	result, err := service.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Outcome != OutcomeScheduled {
		t.Fatalf("a template order is scheduled, not submitted, got %s", result.Outcome)
	}
	if result.ScheduleID != "sch-9" {
		t.Fatalf("unexpected schedule id %q", result.ScheduleID)
	}
	if publisher.has(TopicOrderSubmitted) {
		t.Fatalf("no submitted event may fire for a template, got %v", publisher.topics())
	}
	if !publisher.has(TopicOrderScheduled) {
		t.Fatalf("expected scheduled event, got %v", publisher.topics())
	}
}

func TestSubmitRejectsConcurrentAttempts(t *testing.T) {
	entered := make(chan struct{}, 1)
	proceed := make(chan struct{})
	orders := &stubOrderClient{
		createFunc: func(context.Context, orderapi.OrderRequest) (*orderapi.OrderResponse, error) {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-proceed
			return &orderapi.OrderResponse{
				ID:       "o1",
				State:    "SUBMITTED",
				Payments: []orderapi.PaymentGroupPayload{authorizedGroup("pg1")},
			}, nil
		},
	}
	service, _, _, _ := newTestSubmissionService(t, orders)

	done := make(chan error, 1)
	go func() {
		_, err := service.Submit(context.Background(), validCommand())
		done <- err
	}()
	<-entered

	if _, err := service.Submit(context.Background(), validCommand()); !errors.Is(err, ErrSubmissionInFlight) {
		t.Fatalf("expected ErrSubmissionInFlight while the first attempt holds the slot, got %v", err)
	}

	close(proceed)
	if err := <-done; err != nil {
		t.Fatalf("first submit: %v", err)
	}

	// The slot is free again once the attempt resolves.
	if _, err := service.Submit(context.Background(), validCommand()); err != nil {
		t.Fatalf("submit after release: %v", err)
	}
}

func TestSubmitValidationFailureSkipsBackend(t *testing.T) {
	orders := &stubOrderClient{} // any backend call fails the test
	service, records, publisher, _ := newTestSubmissionService(t, orders)

	cmd := validCommand()
	cmd.Cart.Items = nil
	result, err := service.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", result.Outcome)
	}
	if result.Notification == nil || result.Notification.Code != ValidationCodeEmptyCart {
		t.Fatalf("expected the first validation failure, got %#v", result.Notification)
	}
	if !publisher.has(TopicOrderSubmitFailed) {
		t.Fatalf("failure event must fire for validation failures too, got %v", publisher.topics())
	}
	if len(records.records) != 1 || records.records[0].Outcome != string(OutcomeFailed) {
		t.Fatalf("unexpected audit trail %#v", records.records)
	}
}

func TestSubmitAssemblyFailureReported(t *testing.T) {
	service, _, publisher, _ := newTestSubmissionService(t, &stubOrderClient{})

	cmd := validCommand()
	cmd.Payments = []domain.PaymentDescriptor{
		{Type: domain.PaymentTypeCash},
		{Type: domain.PaymentTypeCard, BillingAddress: cmd.Order.ShippingAddress, Card: &domain.CardDetails{SavedCardID: "c1"}},
	}
	result, err := service.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", result.Outcome)
	}
	if !publisher.has(TopicOrderSubmitFailed) {
		t.Fatalf("expected failure event, got %v", publisher.topics())
	}
}

func TestSubmitBackendRejectionClearsOrderIDForGatewayCodes(t *testing.T) {
	orders := &stubOrderClient{
		updateFunc: func(context.Context, orderapi.OrderRequest) (*orderapi.OrderResponse, error) {
			return nil, &orderapi.ServerError{Status: 400, Code: orderapi.CodePaymentDeclined, Message: "declined"}
		},
	}
	service, _, publisher, _ := newTestSubmissionService(t, orders)

	cmd := validCommand()
	cmd.Order.ID = "o66"
	cmd.Order.State = domain.OrderStateIncomplete
	result, err := service.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", result.Outcome)
	}
	if result.OrderID != "" {
		t.Fatalf("gateway rejection must clear the order id, got %q", result.OrderID)
	}
	if result.Notification == nil || result.Notification.Recovery != RecoveryClearOrderID {
		t.Fatalf("unexpected notification %#v", result.Notification)
	}
	if !publisher.has(TopicOrderSubmitFailed) {
		t.Fatalf("failure event must always fire, got %v", publisher.topics())
	}
}

func TestSubmitSessionExpiredPreservesOrderID(t *testing.T) {
	orders := &stubOrderClient{
		updateFunc: func(context.Context, orderapi.OrderRequest) (*orderapi.OrderResponse, error) {
			return nil, &orderapi.ServerError{Status: 401, Code: orderapi.CodeSessionExpired}
		},
	}
	service, _, _, _ := newTestSubmissionService(t, orders)

	cmd := validCommand()
	cmd.Order.ID = "o66"
	cmd.Order.State = domain.OrderStateIncomplete
	result, err := service.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.OrderID != "o66" {
		t.Fatalf("session expiry must not clear checkout state, got %q", result.OrderID)
	}
	if result.Notification == nil || result.Notification.Recovery != RecoverySessionExpired {
		t.Fatalf("unexpected notification %#v", result.Notification)
	}
}

func TestSubmitUnknownOrderStateErrors(t *testing.T) {
	orders := &stubOrderClient{
		createFunc: func(context.Context, orderapi.OrderRequest) (*orderapi.OrderResponse, error) {
			return &orderapi.OrderResponse{ID: "o1", State: "HALF_DONE"}, nil
		},
	}
	service, _, _, _ := newTestSubmissionService(t, orders)

	_, err := service.Submit(context.Background(), validCommand())
	var unknown *domain.ErrUnknownOrderState
	if !errors.As(err, &unknown) {
		t.Fatalf("expected unknown state error, got %v", err)
	}
}

func TestSubmitPendingApprovalOutcome(t *testing.T) {
	orders := &stubOrderClient{
		createFunc: func(context.Context, orderapi.OrderRequest) (*orderapi.OrderResponse, error) {
			return &orderapi.OrderResponse{
				ID:       "o88",
				State:    "PENDING_APPROVAL",
				Payments: []orderapi.PaymentGroupPayload{{PaymentGroupID: "pg1", Type: "invoice", PaymentState: "PAYMENT_DEFERRED"}},
			}, nil
		},
	}
	service, _, publisher, _ := newTestSubmissionService(t, orders)

	result, err := service.Submit(context.Background(), validCommand())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Outcome != OutcomePendingApproval {
		t.Fatalf("expected pending approval, got %s", result.Outcome)
	}
	if !publisher.has(TopicApprovalRequested) {
		t.Fatalf("expected approval event, got %v", publisher.topics())
	}
}

func TestSubmitRequiresShopperID(t *testing.T) {
	service, _, _, _ := newTestSubmissionService(t, &stubOrderClient{})
	cmd := validCommand()
	cmd.ShopperID = "  "
	if _, err := service.Submit(context.Background(), cmd); !errors.Is(err, ErrSubmissionInvalidInput) {
		t.Fatalf("expected ErrSubmissionInvalidInput, got %v", err)
	}
}
