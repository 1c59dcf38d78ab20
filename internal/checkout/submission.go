package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/clearcart/checkout-api/internal/domain"
	"github.com/clearcart/checkout-api/internal/orderapi"
	"github.com/clearcart/checkout-api/internal/repositories"
)

const defaultRedirectTTL = 30 * time.Minute

var (
	// ErrSubmissionInvalidInput indicates the caller supplied invalid input parameters.
	ErrSubmissionInvalidInput = errors.New("checkout: invalid input")
	// ErrSubmissionInFlight indicates the shopper already has a submission running.
	ErrSubmissionInFlight = errors.New("checkout: submission already in flight")
	// ErrSubmissionUnavailable indicates submission dependencies are currently unavailable.
	ErrSubmissionUnavailable = errors.New("checkout: unavailable")
)

// SubmissionServiceDeps wires the dependencies required by the submission service.
type SubmissionServiceDeps struct {
	Orders        OrderClient
	Continuations repositories.ContinuationRepository
	Records       repositories.SubmissionRecordRepository
	Publisher     Publisher
	Pipeline      *ValidationPipeline
	Classifier    *Classifier
	Assembler     *Assembler
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
	// RedirectTTL bounds how long a gateway redirect may take before its
	// continuation token expires.
	RedirectTTL time.Duration
}

type submissionService struct {
	orders        OrderClient
	continuations repositories.ContinuationRepository
	records       repositories.SubmissionRecordRepository
	publisher     Publisher
	pipeline      *ValidationPipeline
	classifier    *Classifier
	assembler     *Assembler
	now           func() time.Time
	newID         func() string
	logger        func(ctx context.Context, event string, fields map[string]any)
	redirectTTL   time.Duration

	// guard serialises submissions per shopper. The slot is held for the whole
	// attempt, backend round-trip included, so a second request while one is in
	// flight is rejected instead of queued.
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewSubmissionService constructs a SubmissionService validating required dependencies.
func NewSubmissionService(deps SubmissionServiceDeps) (SubmissionService, error) {
	if deps.Orders == nil {
		return nil, errors.New("submission service: order client is required")
	}
	if deps.Continuations == nil {
		return nil, errors.New("submission service: continuation repository is required")
	}
	if deps.Records == nil {
		return nil, errors.New("submission service: submission record repository is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("submission service: publisher is required")
	}

	pipeline := deps.Pipeline
	if pipeline == nil {
		pipeline = NewValidationPipeline()
	}
	classifier := deps.Classifier
	if classifier == nil {
		classifier = NewClassifier()
	}
	assembler := deps.Assembler
	if assembler == nil {
		assembler = NewAssembler()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.RedirectTTL
	if ttl <= 0 {
		ttl = defaultRedirectTTL
	}

	return &submissionService{
		orders:        deps.Orders,
		continuations: deps.Continuations,
		records:       deps.Records,
		publisher:     deps.Publisher,
		pipeline:      pipeline,
		classifier:    classifier,
		assembler:     assembler,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:       newID,
		logger:      logger,
		redirectTTL: ttl,
		inFlight:    make(map[string]struct{}),
	}, nil
}

// Submit runs one submission attempt end to end: validation, payment assembly,
// operation selection, the backend call, and response interpretation. The
// shopper's submission slot is held for the whole attempt.
func (s *submissionService) Submit(ctx context.Context, cmd SubmitOrderCommand) (SubmissionResult, error) {
	shopperID := strings.TrimSpace(cmd.ShopperID)
	if shopperID == "" {
		return SubmissionResult{}, ErrSubmissionInvalidInput
	}
	cmd.ShopperID = shopperID

	if !s.acquire(shopperID) {
		return SubmissionResult{}, ErrSubmissionInFlight
	}
	defer s.release(shopperID)

	return s.submitLocked(ctx, cmd)
}

func (s *submissionService) submitLocked(ctx context.Context, cmd SubmitOrderCommand) (SubmissionResult, error) {
	operation := s.selectOperation(cmd)

	if failures := s.pipeline.Run(ctx, cmd); len(failures) > 0 {
		first := failures[0]
		s.logger(ctx, "checkout.validation_failed", map[string]any{
			"shopperId": cmd.ShopperID,
			"validator": first.Validator,
			"code":      first.Code,
			"failures":  len(failures),
		})
		result := SubmissionResult{
			OrderID:   cmd.Order.ID,
			State:     cmd.Order.State,
			Outcome:   OutcomeFailed,
			Operation: operation,
			Notification: &Notification{
				Code:     first.Code,
				Message:  first.Message,
				ItemID:   first.ItemID,
				Recovery: RecoveryNone,
			},
		}
		s.recordAttempt(ctx, cmd.ShopperID, cmd.Order.ID, operation, result)
		s.publishFailure(ctx, cmd, operation, result.Notification)
		return result, nil
	}

	if !scheduleStartsInFuture(cmd.Order.Schedule, s.now()) {
		result := SubmissionResult{
			OrderID:   cmd.Order.ID,
			State:     cmd.Order.State,
			Outcome:   OutcomeFailed,
			Operation: operation,
			Notification: &Notification{
				Code:     ValidationCodeSchedule,
				Message:  "the schedule start date has already passed",
				Recovery: RecoveryNone,
			},
		}
		s.recordAttempt(ctx, cmd.ShopperID, cmd.Order.ID, operation, result)
		s.publishFailure(ctx, cmd, operation, result.Notification)
		return result, nil
	}

	assembled, err := s.assembler.Assemble(ctx, cmd.Payments)
	if err != nil {
		result := SubmissionResult{
			OrderID:   cmd.Order.ID,
			State:     cmd.Order.State,
			Outcome:   OutcomeFailed,
			Operation: operation,
			Notification: &Notification{
				Code:     ValidationCodePayments,
				Message:  err.Error(),
				Recovery: RecoveryNone,
			},
		}
		s.recordAttempt(ctx, cmd.ShopperID, cmd.Order.ID, operation, result)
		s.publishFailure(ctx, cmd, operation, result.Notification)
		return result, nil
	}

	payloads := PaymentPayloads(assembled)

	var (
		orderID  string
		state    string
		schedule string
		groups   []orderapi.PaymentGroupPayload
	)
	switch operation {
	case domain.OperationAddPayments:
		resp, callErr := s.orders.AddPayments(ctx, orderapi.AddPaymentsRequest{
			OrderID:   cmd.Order.ID,
			ProfileID: profileID(cmd),
			Payments:  payloads,
		})
		if callErr != nil {
			return s.handleBackendFailure(ctx, cmd, operation, callErr)
		}
		orderID = resp.OrderID
		groups = resp.Payments
		// addPayments reports only the groups it touched; the order itself must
		// be re-read to observe the state transition it triggered, with the
		// fresh group reports spliced over the re-fetched snapshot.
		state = string(cmd.Order.State)
		if refreshed, getErr := s.orders.GetOrder(ctx, orderID); getErr == nil {
			state = refreshed.State
			groups = spliceGroups(refreshed.Payments, resp.Payments)
		} else {
			s.logger(ctx, "checkout.order_refresh_failed", map[string]any{
				"orderId": orderID,
				"error":   getErr.Error(),
			})
		}
	default:
		req := s.buildOrderRequest(cmd, payloads)
		if cmd.Authenticated {
			s.checkApproval(ctx, cmd, req)
		}
		var resp *orderapi.OrderResponse
		var callErr error
		if operation == domain.OperationUpdateExisting {
			resp, callErr = s.orders.UpdateOrder(ctx, req)
		} else {
			resp, callErr = s.orders.CreateOrder(ctx, req)
		}
		if callErr != nil {
			return s.handleBackendFailure(ctx, cmd, operation, callErr)
		}
		orderID = resp.ID
		state = resp.State
		schedule = resp.ScheduleID
		groups = resp.Payments
	}

	result, err := s.interpretResponse(ctx, cmd, operation, orderID, state, schedule, groups)
	if err != nil {
		return SubmissionResult{}, err
	}
	s.recordAttempt(ctx, cmd.ShopperID, result.OrderID, operation, result)
	s.publishOutcome(ctx, cmd, result)
	return result, nil
}

// acquire claims the shopper's submission slot. It never blocks: a held slot
// means another attempt is mid-flight and this one must be rejected.
func (s *submissionService) acquire(shopperID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[shopperID]; busy {
		return false
	}
	s.inFlight[shopperID] = struct{}{}
	return true
}

func (s *submissionService) release(shopperID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, shopperID)
}

// selectOperation picks the persistence operation for this attempt. An order
// already pending payment only accepts additional payments; a persisted
// incomplete order owned by an authenticated shopper is updated in place;
// everything else creates a fresh order.
func (s *submissionService) selectOperation(cmd SubmitOrderCommand) domain.SubmissionOperation {
	if cmd.Operation != "" {
		return cmd.Operation
	}
	if cmd.Order.ID == "" {
		return domain.OperationCreate
	}
	if cmd.Order.State.IsPendingPayment() {
		return domain.OperationAddPayments
	}
	if cmd.Authenticated {
		return domain.OperationUpdateExisting
	}
	return domain.OperationCreate
}

func (s *submissionService) buildOrderRequest(cmd SubmitOrderCommand, payloads []orderapi.PaymentPayload) orderapi.OrderRequest {
	req := orderapi.OrderRequest{
		ID:                cmd.Order.ID,
		ProfileID:         profileID(cmd),
		ShoppingCart:      cartPayload(cmd.Cart),
		AppliedPromotions: cmd.Order.Promotions,
		Payments:          payloads,
	}
	// A split-shipping order carries its methods on the groups; the top-level
	// method must stay off the wire or the backend applies it twice.
	if !cmd.Order.UsesShippingGroups() {
		req.ShippingMethod = cmd.Order.ShippingMethod
	}
	if awaitingGatewayApproval(payloads) {
		req.Op = orderapi.OpInitiate
	}
	if cmd.Order.ShippingAddress != nil && !cmd.Order.ShippingAddress.IsZero() {
		req.ShippingAddress = addressPayload(*cmd.Order.ShippingAddress)
	}
	for _, group := range cmd.Order.ShippingGroups {
		payload := orderapi.ShippingGroupPayload{
			ID:             group.ID,
			ShippingMethod: group.ShippingMethod,
			ItemIDs:        group.ItemIDs,
		}
		if !group.ShippingAddress.IsZero() {
			payload.ShippingAddress = addressPayload(group.ShippingAddress)
		}
		req.ShippingGroups = append(req.ShippingGroups, payload)
	}
	if cmd.Order.BillingAddress != nil && !cmd.Order.BillingAddress.IsZero() {
		req.BillingAddress = addressPayload(*cmd.Order.BillingAddress)
	}
	if schedule := cmd.Order.Schedule; schedule != nil {
		req.Schedule = &orderapi.SchedulePayload{
			StartDate:    schedule.StartDate,
			EndDate:      schedule.EndDate,
			Frequency:    schedule.Frequency,
			DaysOfWeek:   schedule.DaysOfWeek,
			WeeksInMonth: schedule.WeeksInMonth,
		}
	}
	if !cmd.Authenticated && cmd.GuestEmail != "" {
		if req.DynamicProperties == nil {
			req.DynamicProperties = map[string]any{}
		}
		req.DynamicProperties["guestEmail"] = cmd.GuestEmail
	}
	if cmd.ShopperContext != "" {
		if req.DynamicProperties == nil {
			req.DynamicProperties = map[string]any{}
		}
		req.DynamicProperties["shopperContext"] = cmd.ShopperContext
	}
	return req
}

// checkApproval is advisory: a failed pre-check never blocks the submission,
// the backend enforces approval on its own.
func (s *submissionService) checkApproval(ctx context.Context, cmd SubmitOrderCommand, req orderapi.OrderRequest) {
	required, err := s.orders.CheckRequiresApproval(ctx, req)
	if err != nil {
		s.logger(ctx, "checkout.approval_check_failed", map[string]any{
			"shopperId": cmd.ShopperID,
			"error":     err.Error(),
		})
		return
	}
	if required {
		s.logger(ctx, "checkout.approval_required", map[string]any{
			"shopperId": cmd.ShopperID,
			"orderId":   cmd.Order.ID,
		})
	}
}

func (s *submissionService) handleBackendFailure(ctx context.Context, cmd SubmitOrderCommand, operation domain.SubmissionOperation, callErr error) (SubmissionResult, error) {
	if errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded) {
		return SubmissionResult{}, fmt.Errorf("%w: %v", ErrSubmissionUnavailable, callErr)
	}

	notification := s.classifier.Classify(callErr)
	s.logger(ctx, "checkout.submit_rejected", map[string]any{
		"shopperId": cmd.ShopperID,
		"orderId":   cmd.Order.ID,
		"operation": string(operation),
		"code":      notification.Code,
		"recovery":  string(notification.Recovery),
	})

	result := SubmissionResult{
		OrderID:      cmd.Order.ID,
		State:        cmd.Order.State,
		Outcome:      OutcomeFailed,
		Operation:    operation,
		Notification: notification,
	}
	if notification.Recovery == RecoveryClearOrderID {
		result.OrderID = ""
		result.State = ""
	}
	s.recordAttempt(ctx, cmd.ShopperID, cmd.Order.ID, operation, result)
	s.publishFailure(ctx, cmd, operation, notification)
	return result, nil
}

// interpretResponse applies the response scan order: terminal payment failures
// first, then interventions with REDIRECT winning over capture-page flows, then
// the order state decides the success shape.
func (s *submissionService) interpretResponse(ctx context.Context, cmd SubmitOrderCommand, operation domain.SubmissionOperation, orderID, rawState, scheduleID string, rawGroups []orderapi.PaymentGroupPayload) (SubmissionResult, error) {
	state, err := domain.ParseOrderState(rawState)
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("checkout: interpret response: %w", err)
	}
	groups, err := paymentGroups(rawGroups)
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("checkout: interpret response: %w", err)
	}

	result := SubmissionResult{
		OrderID:       orderID,
		State:         state,
		Operation:     operation,
		PaymentGroups: groups,
		ScheduleID:    scheduleID,
	}

	for i := range groups {
		if groups[i].State.Failed() {
			// The order itself survives a declined group; only a recovery that
			// names the order id may discard it, and a plain decline does not.
			result.Outcome = OutcomeFailed
			result.FailedGroup = &groups[i]
			result.Notification = s.classifier.ClassifyGroup(groups[i])
			return result, nil
		}
	}

	for i := range groups {
		switch groups[i].UIIntervention {
		case domain.UIInterventionRedirect:
			continuationID, err := s.storeContinuation(ctx, cmd, orderID, groups[i])
			if err != nil {
				return SubmissionResult{}, err
			}
			result.Outcome = OutcomeRedirect
			result.RedirectURL = groups[i].RedirectURL
			result.ContinuationID = continuationID
			result.Intervention = domain.UIInterventionRedirect
			return result, nil
		case domain.UIInterventionSOP, domain.UIInterventionPayerAuth:
			if result.Intervention == domain.UIInterventionNone {
				result.Intervention = groups[i].UIIntervention
			}
		}
	}
	if result.Intervention.RequiresCapturePage() {
		result.Outcome = OutcomeCaptureRequired
		return result, nil
	}

	switch {
	case state.IsPendingApproval():
		result.Outcome = OutcomePendingApproval
	case state.IsPendingPayment():
		result.Outcome = OutcomePendingPayment
	case state == domain.OrderStateQuoted:
		result.Outcome = OutcomeQuoted
	case state == domain.OrderStateIncomplete:
		result.Outcome = OutcomeInitial
	case state == domain.OrderStateTemplate:
		result.Outcome = OutcomeScheduled
	case state == domain.OrderStateFailed:
		result.Outcome = OutcomeFailed
		result.Notification = &Notification{
			Code:     "orderFailed",
			Message:  "the order could not be placed",
			Recovery: RecoveryNone,
		}
	default:
		result.Outcome = OutcomeSubmitted
	}
	return result, nil
}

func (s *submissionService) storeContinuation(ctx context.Context, cmd SubmitOrderCommand, orderID string, group domain.PaymentGroup) (string, error) {
	now := s.now()
	token := domain.ContinuationToken{
		ID:             s.newID(),
		ShopperID:      cmd.ShopperID,
		OrderID:        orderID,
		PaymentGroupID: group.ID,
		PaymentType:    group.Type,
		GuestEmail:     cmd.GuestEmail,
		ShopperContext: cmd.ShopperContext,
		RedirectedAt:   now,
		ExpiresAt:      now.Add(s.redirectTTL),
	}
	if cmd.Order.ShippingAddress != nil && !cmd.Order.ShippingAddress.IsZero() {
		addr := *cmd.Order.ShippingAddress
		token.ShippingAddress = &addr
	}
	if err := s.continuations.Save(ctx, token); err != nil {
		s.logger(ctx, "checkout.continuation_save_failed", map[string]any{
			"shopperId": cmd.ShopperID,
			"orderId":   orderID,
			"error":     err.Error(),
		})
		return "", fmt.Errorf("%w: store continuation: %v", ErrSubmissionUnavailable, err)
	}
	s.publish(ctx, TopicPaymentRedirect, PaymentRedirectEvent{
		OrderID:        orderID,
		ShopperID:      cmd.ShopperID,
		PaymentGroupID: group.ID,
		PaymentType:    group.Type,
		ContinuationID: token.ID,
		OccurredAt:     now,
	})
	return token.ID, nil
}

func (s *submissionService) recordAttempt(ctx context.Context, shopperID, orderID string, operation domain.SubmissionOperation, result SubmissionResult) {
	record := domain.SubmissionRecord{
		ID:        s.newID(),
		ShopperID: shopperID,
		OrderID:   orderID,
		Operation: operation,
		Outcome:   string(result.Outcome),
		CreatedAt: s.now(),
	}
	if result.Notification != nil {
		record.ErrorCode = result.Notification.Code
	}
	if err := s.records.Append(ctx, record); err != nil {
		s.logger(ctx, "checkout.record_append_failed", map[string]any{
			"shopperId": shopperID,
			"orderId":   orderID,
			"error":     err.Error(),
		})
	}
}

func (s *submissionService) publishOutcome(ctx context.Context, cmd SubmitOrderCommand, result SubmissionResult) {
	now := s.now()
	switch result.Outcome {
	case OutcomeSubmitted, OutcomeQuoted:
		s.publish(ctx, TopicOrderSubmitted, OrderSubmittedEvent{
			OrderID:    result.OrderID,
			ShopperID:  cmd.ShopperID,
			State:      result.State,
			Operation:  result.Operation,
			ScheduleID: result.ScheduleID,
			OccurredAt: now,
		})
	case OutcomePendingApproval:
		s.publish(ctx, TopicApprovalRequested, OrderSubmittedEvent{
			OrderID:    result.OrderID,
			ShopperID:  cmd.ShopperID,
			State:      result.State,
			Operation:  result.Operation,
			OccurredAt: now,
		})
	case OutcomeInitial:
		s.publish(ctx, TopicOrderCreatedInitial, OrderCreatedEvent{
			OrderID:    result.OrderID,
			ShopperID:  cmd.ShopperID,
			State:      result.State,
			OccurredAt: now,
		})
	case OutcomeScheduled:
		s.publish(ctx, TopicOrderScheduled, OrderCreatedEvent{
			OrderID:    result.OrderID,
			ShopperID:  cmd.ShopperID,
			State:      result.State,
			ScheduleID: result.ScheduleID,
			OccurredAt: now,
		})
	case OutcomeCaptureRequired:
		s.publish(ctx, TopicPaymentAuthRequired, PaymentAuthRequiredEvent{
			OrderID:        result.OrderID,
			ShopperID:      cmd.ShopperID,
			PaymentGroupID: interventionGroupID(result),
			OccurredAt:     now,
		})
	case OutcomeFailed:
		s.publishFailure(ctx, cmd, result.Operation, result.Notification)
	}
}

// publishFailure always fires for a rejected attempt, whatever the code.
func (s *submissionService) publishFailure(ctx context.Context, cmd SubmitOrderCommand, operation domain.SubmissionOperation, notification *Notification) {
	event := SubmitFailedEvent{
		OrderID:    cmd.Order.ID,
		ShopperID:  cmd.ShopperID,
		Operation:  operation,
		OccurredAt: s.now(),
	}
	if notification != nil {
		event.Code = notification.Code
		event.Recovery = notification.Recovery
	}
	s.publish(ctx, TopicOrderSubmitFailed, event)
}

func (s *submissionService) publish(ctx context.Context, topic string, event any) {
	if err := s.publisher.Publish(ctx, topic, event); err != nil {
		s.logger(ctx, "checkout.publish_failed", map[string]any{
			"topic": topic,
			"error": err.Error(),
		})
	}
}

// awaitingGatewayApproval reports whether a payment still needs its gateway
// round trip: a PayPal tender with no payer approval yet, or a regional
// redirect with no reference. Those orders are created with op INITIATE so the
// backend parks them until the shopper returns.
func awaitingGatewayApproval(payloads []orderapi.PaymentPayload) bool {
	for _, p := range payloads {
		switch p.Type {
		case string(domain.PaymentTypePayPal):
			if p.PayerID == "" && p.Token == "" {
				return true
			}
		case string(domain.PaymentTypeRegionalRedirect):
			if p.Reference == "" {
				return true
			}
		}
	}
	return false
}

// spliceGroups overlays the fresh group reports from addPayments onto the
// re-fetched order's groups, matching on paymentGroupId. addPayments is
// authoritative for the groups it touched; the re-fetch for everything else.
func spliceGroups(existing, updated []orderapi.PaymentGroupPayload) []orderapi.PaymentGroupPayload {
	merged := make([]orderapi.PaymentGroupPayload, len(existing))
	copy(merged, existing)
	for _, upd := range updated {
		found := false
		for i := range merged {
			if merged[i].PaymentGroupID == upd.PaymentGroupID {
				merged[i] = upd
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, upd)
		}
	}
	return merged
}

func interventionGroupID(result SubmissionResult) string {
	for _, group := range result.PaymentGroups {
		if group.UIIntervention == result.Intervention {
			return group.ID
		}
	}
	return ""
}

func paymentGroups(raw []orderapi.PaymentGroupPayload) ([]domain.PaymentGroup, error) {
	groups := make([]domain.PaymentGroup, 0, len(raw))
	for _, payload := range raw {
		paymentType, err := domain.ParsePaymentType(payload.Type)
		if err != nil {
			return nil, err
		}
		state, err := domain.ParsePaymentGroupState(payload.PaymentState)
		if err != nil {
			return nil, err
		}
		intervention, err := domain.ParseUIIntervention(payload.UIIntervention)
		if err != nil {
			return nil, err
		}
		groups = append(groups, domain.PaymentGroup{
			ID:               payload.PaymentGroupID,
			Type:             paymentType,
			State:            state,
			UIIntervention:   intervention,
			Amount:           payload.Amount,
			RedirectURL:      payload.RedirectURL,
			Message:          payload.Message,
			CustomProperties: payload.CustomProperties,
		})
	}
	return groups, nil
}

func cartPayload(cart domain.Cart) orderapi.ShoppingCartPayload {
	items := make([]orderapi.CartItemPayload, 0, len(cart.Items))
	for _, item := range cart.Items {
		items = append(items, orderapi.CartItemPayload{
			ID:            item.ID,
			ProductID:     item.ProductID,
			CatRefID:      item.SKU,
			Quantity:      item.Quantity,
			Price:         item.UnitPrice,
			Customization: item.Customization,
		})
	}
	return orderapi.ShoppingCartPayload{
		Items:    items,
		Coupons:  cart.Coupons,
		Currency: cart.Currency,
	}
}

func profileID(cmd SubmitOrderCommand) string {
	if cmd.Authenticated {
		return cmd.ShopperID
	}
	return ""
}
