package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/grubhaul-backend/internal/orders"
	"github.com/angelmondragon/grubhaul-backend/internal/repo"
	pkgAuth "github.com/angelmondragon/grubhaul-backend/pkg/auth"
	"github.com/angelmondragon/grubhaul-backend/pkg/db"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/grubhaul-backend/pkg/types"
)

const (
	defaultMaxRetries = 3
	reconcileBatch    = 100
	reconcileLookback = 24 * time.Hour
)

// ErrorCodeDuplicatePayment marks a succeeded charge for an order that
// another payment had already settled.
const ErrorCodeDuplicatePayment = "duplicate_payment"

// settledOrderIndex is the partial unique index allowing one settled payment
// per order.
const settledOrderIndex = "idx_payments_order_settled"

var settleableStatuses = []enums.PaymentStatus{
	enums.PaymentStatusPending,
	enums.PaymentStatusProcessing,
	enums.PaymentStatusFailed,
}

var settledStatuses = []enums.PaymentStatus{
	enums.PaymentStatusCompleted,
	enums.PaymentStatusPartiallyRefunded,
	enums.PaymentStatusRefunded,
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// OrderGateway is the order workflow as seen from payments. GetOrder is the
// verification path; ApplyPaymentResult is a side effect.
type OrderGateway interface {
	GetOrder(ctx context.Context, bearer string, orderID uuid.UUID) (*orders.OrderDTO, error)
	ApplyPaymentResult(ctx context.Context, orderID uuid.UUID, req orders.ApplyPaymentRequest) (*orders.OrderDTO, error)
}

// EventPublisher hands payment events to the notification component.
type EventPublisher interface {
	Publish(ctx context.Context, eventType enums.OutboxEventType, aggregateID uuid.UUID, payload any) error
}

type outcomeRecorder interface {
	PaymentOutcome(status string)
}

// Service is the payment workflow.
type Service interface {
	CreatePaymentIntent(ctx context.Context, input CreateIntentInput) (*IntentResult, error)
	ConfirmPayment(ctx context.Context, input ConfirmPaymentInput) (*PaymentDTO, error)
	VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error)
	HandleWebhookEvent(ctx context.Context, event *WebhookEvent) error
	RetryPayment(ctx context.Context, input RetryPaymentInput) (*IntentResult, error)
	RefundPayment(ctx context.Context, input RefundInput) (*PaymentDTO, error)
	PartialRefundPayment(ctx context.Context, input RefundInput) (*PaymentDTO, error)
	GetPayment(ctx context.Context, actor pkgAuth.Actor, paymentID uuid.UUID) (*PaymentDTO, error)
	ListPaymentsForOrder(ctx context.Context, actor pkgAuth.Actor, orderID uuid.UUID) ([]PaymentDTO, error)
	ReconcileSettlements(ctx context.Context, cutoff time.Time) (int, error)
}

type ServiceParams struct {
	Repo       Repository
	Tx         txRunner
	Provider   Provider
	Orders     OrderGateway
	Events     EventPublisher
	Metrics    outcomeRecorder
	Logger     *logger.Logger
	Currency   enums.Currency
	MaxRetries int
	Now        func() time.Time
}

type service struct {
	repo       Repository
	tx         txRunner
	provider   Provider
	orders     OrderGateway
	events     EventPublisher
	metrics    outcomeRecorder
	logg       *logger.Logger
	currency   enums.Currency
	maxRetries int
	now        func() time.Time
}

// NewService builds the payment workflow with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Provider == nil {
		return nil, fmt.Errorf("payment provider required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order gateway required")
	}
	if params.Events == nil {
		return nil, fmt.Errorf("event publisher required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	currency := enums.Currency(strings.ToLower(strings.TrimSpace(string(params.Currency))))
	if currency == "" {
		currency = enums.CurrencyUSD
	}
	if !currency.IsValid() {
		return nil, fmt.Errorf("unsupported currency %q", params.Currency)
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:       params.Repo,
		tx:         params.Tx,
		provider:   params.Provider,
		orders:     params.Orders,
		events:     params.Events,
		metrics:    params.Metrics,
		logg:       params.Logger,
		currency:   currency,
		maxRetries: maxRetries,
		now:        now,
	}, nil
}

func (s *service) CreatePaymentIntent(ctx context.Context, input CreateIntentInput) (*IntentResult, error) {
	actor := input.Actor
	if actor.Role != enums.RoleCustomer {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only customers can pay for orders").
			WithDetails(map[string]any{"required_role": enums.RoleCustomer})
	}

	order, err := s.orders.GetOrder(ctx, actor.Token, input.OrderID)
	if err != nil {
		return nil, upstreamError(err, "load order")
	}
	if order.CustomerID != actor.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order belongs to another customer")
	}
	if order.PaymentMethod == enums.PaymentMethodCash {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{"order_id": "cash orders are settled on delivery"})
	}
	if order.Status != enums.OrderStatusPending || order.PaymentStatus != enums.OrderPaymentStatusPending {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order is not awaiting payment").
			WithDetails(map[string]any{
				"current":  map[string]any{"status": order.Status, "payment_status": order.PaymentStatus},
				"required": map[string]any{"status": enums.OrderStatusPending, "payment_status": enums.OrderPaymentStatusPending},
			})
	}
	paid, err := s.repo.HasCompletedForOrder(ctx, order.ID, uuid.Nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check existing payments")
	}
	if paid {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order already paid").
			WithDetails(map[string]any{"current": enums.OrderPaymentStatusPaid, "required": enums.OrderPaymentStatusPending})
	}

	payment := &models.Payment{
		OrderID:           order.ID,
		OrderAmount:       order.TotalAmount,
		CustomerID:        order.CustomerID,
		RestaurantID:      order.RestaurantID,
		RestaurantOwnerID: order.RestaurantOwnerID,
		Amount:            order.TotalAmount,
		Currency:          s.currency,
		Status:            enums.PaymentStatusPending,
		Method:            order.PaymentMethod,
		Analytics: types.PaymentAnalytics{
			ClientIP:  input.ClientIP,
			UserAgent: input.UserAgent,
		},
	}
	if input.DeviceInfo != nil {
		payment.Analytics.DeviceInfo = *input.DeviceInfo
	}
	if err := s.repo.Create(ctx, payment); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment")
	}
	ctx = s.logg.WithPaymentID(s.logg.WithOrderID(ctx, order.ID.String()), payment.ID.String())

	key := input.IdempotencyKey
	if key == "" {
		key = payment.ID.String()
	}
	intent, err := s.provider.CreateIntent(ctx, IntentRequest{
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		IdempotencyKey: "intent:" + key,
		Metadata: map[string]string{
			"order_id":   order.ID.String(),
			"payment_id": payment.ID.String(),
		},
	})
	if err != nil {
		s.markProviderFailure(ctx, payment.ID, []enums.PaymentStatus{enums.PaymentStatusPending}, err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment intent")
	}

	ok, err := s.repo.UpdateIf(ctx, payment.ID, []enums.PaymentStatus{enums.PaymentStatusPending}, map[string]any{
		"status":             enums.PaymentStatusProcessing,
		"provider_intent_id": intent.ID,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store payment intent")
	}
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "payment changed while opening intent")
	}
	payment.Status = enums.PaymentStatusProcessing
	payment.ProviderIntentID = &intent.ID

	s.logg.Info(ctx, "payment intent created")
	return &IntentResult{
		Payment:          paymentFromModel(*payment),
		ClientSecret:     intent.ClientSecret,
		ProviderIntentID: intent.ID,
	}, nil
}

func (s *service) ConfirmPayment(ctx context.Context, input ConfirmPaymentInput) (*PaymentDTO, error) {
	payment, err := s.repo.FindByProviderIntentID(ctx, input.PaymentIntentID)
	if err != nil {
		return nil, repo.Classify(err, "payment not found", "load payment")
	}
	if !input.Actor.Is(enums.RoleAdmin, enums.RoleService) && payment.CustomerID != input.Actor.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "payment belongs to another customer")
	}
	if payment.OrderID != input.OrderID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{"order_id": "does not match the payment"})
	}
	if isSettled(payment.Status) {
		dto := paymentFromModel(*payment)
		return &dto, nil
	}

	intent, err := s.provider.GetIntent(ctx, input.PaymentIntentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read payment intent")
	}
	updated, err := s.applyProviderOutcome(ctx, payment, intent)
	if err != nil {
		return nil, err
	}
	dto := paymentFromModel(*updated)
	return &dto, nil
}

func (s *service) VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe signature missing")
	}
	event, err := s.provider.ParseWebhook(payload, signature)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "verify signature")
	}
	return event, nil
}

// HandleWebhookEvent applies intent outcomes. Other event types and intents
// we never issued are acknowledged without changes.
func (s *service) HandleWebhookEvent(ctx context.Context, event *WebhookEvent) error {
	if event == nil || event.Intent == nil {
		return nil
	}
	ctx = s.logg.WithField(ctx, "stripe_event_id", event.ID)
	payment, err := s.repo.FindByProviderIntentID(ctx, event.Intent.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logg.Warn(ctx, fmt.Sprintf("no payment for intent %s", event.Intent.ID))
		return nil
	}
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
	}
	_, err = s.applyProviderOutcome(ctx, payment, event.Intent)
	return err
}

// applyProviderOutcome moves a payment to the provider's terminal reading.
// Settled payments and intents still in flight are returned unchanged.
func (s *service) applyProviderOutcome(ctx context.Context, payment *models.Payment, intent *Intent) (*models.Payment, error) {
	if isSettled(payment.Status) || isDuplicate(payment) {
		return payment, nil
	}
	ctx = s.logg.WithPaymentID(s.logg.WithOrderID(ctx, payment.OrderID.String()), payment.ID.String())

	switch intent.Outcome {
	case OutcomeSucceeded:
		return s.settleSucceeded(ctx, payment, intent)
	case OutcomeFailed:
		code := intent.ErrorCode
		if code == "" {
			code = "payment_failed"
		}
		ok, err := s.repo.UpdateIf(ctx, payment.ID, []enums.PaymentStatus{enums.PaymentStatusPending, enums.PaymentStatusProcessing}, map[string]any{
			"status":        enums.PaymentStatusFailed,
			"error_code":    code,
			"error_message": intent.ErrorMessage,
		})
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payment")
		}
		fresh, err := s.repo.FindByID(ctx, payment.ID)
		if err != nil {
			return nil, repo.Classify(err, "payment not found", "reload payment")
		}
		if ok {
			s.logg.Info(ctx, "payment failed")
			s.recordOutcome(enums.PaymentStatusFailed)
			s.pushToOrder(ctx, fresh, orders.PaymentResultFailed)
			s.publish(ctx, enums.EventPaymentFailed, fresh)
		}
		return fresh, nil
	default:
		return payment, nil
	}
}

// settleSucceeded completes the payment while the row is locked. An order
// counts at most one settled payment; a second success is recorded as a
// duplicate and its charge returned.
func (s *service) settleSucceeded(ctx context.Context, payment *models.Payment, intent *Intent) (*models.Payment, error) {
	now := s.now().UTC()
	var changed, duplicate bool
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		locked, err := txRepo.FindByIDForUpdate(ctx, payment.ID)
		if err != nil {
			return repo.Classify(err, "payment not found", "lock payment")
		}
		if isSettled(locked.Status) || isDuplicate(locked) {
			return nil
		}
		paid, err := txRepo.HasCompletedForOrder(ctx, locked.OrderID, locked.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check existing payments")
		}
		if paid {
			duplicate = true
			return nil
		}

		analytics := locked.Analytics
		analytics.ProcessingLatencyMS = now.Sub(locked.CreatedAt).Milliseconds()
		updates := map[string]any{
			"status":        enums.PaymentStatusCompleted,
			"completed_at":  now,
			"analytics":     analytics,
			"error_code":    nil,
			"error_message": nil,
		}
		if intent.ChargeID != "" {
			updates["provider_charge_id"] = intent.ChargeID
		}
		changed, err = txRepo.UpdateIf(ctx, locked.ID, settleableStatuses, updates)
		return err
	})
	switch {
	case err != nil && db.IsUniqueViolation(err, settledOrderIndex):
		// A concurrent settlement for the same order committed first.
		duplicate, changed = true, false
	case err != nil && pkgerrors.As(err) != nil:
		return nil, err
	case err != nil:
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payment")
	}
	if duplicate {
		return s.recordDuplicate(ctx, payment.ID, intent)
	}

	fresh, err := s.repo.FindByID(ctx, payment.ID)
	if err != nil {
		return nil, repo.Classify(err, "payment not found", "reload payment")
	}
	if !changed {
		// Another confirmation or webhook got there first.
		return fresh, nil
	}

	s.logg.Info(ctx, "payment completed")
	s.recordOutcome(enums.PaymentStatusCompleted)
	s.pushToOrder(ctx, fresh, orders.PaymentResultPaid)
	s.publish(ctx, enums.EventPaymentSucceeded, fresh)
	return fresh, nil
}

// recordDuplicate marks a charge that arrived after the order was already
// paid. The row ends failed with a duplicate code so it never counts toward
// the order, and the full amount goes back to the customer.
func (s *service) recordDuplicate(ctx context.Context, paymentID uuid.UUID, intent *Intent) (*models.Payment, error) {
	payment, err := s.repo.FindByID(ctx, paymentID)
	if err != nil {
		return nil, repo.Classify(err, "payment not found", "reload payment")
	}
	if isSettled(payment.Status) || isDuplicate(payment) {
		return payment, nil
	}
	s.logg.Warn(ctx, "order already settled by another payment, refunding duplicate charge")

	updates := map[string]any{
		"status":        enums.PaymentStatusFailed,
		"error_code":    ErrorCodeDuplicatePayment,
		"error_message": "order already paid by another payment; charge refunded",
	}
	if intent.ChargeID != "" {
		updates["provider_charge_id"] = intent.ChargeID
	}
	refund, err := s.provider.Refund(ctx, intent.ID, payment.Amount, fmt.Sprintf("duplicate:%s:%s", payment.ID, intent.ID))
	if err != nil {
		s.logg.Error(ctx, "refund duplicate charge", err)
		updates["error_message"] = "order already paid by another payment; refund failed: " + err.Error()
	} else {
		updates["refund_id"] = refund.ID
		updates["refunded_amount"] = payment.Amount
	}

	if _, err := s.repo.UpdateIf(ctx, payment.ID, settleableStatuses, updates); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record duplicate payment")
	}
	if s.metrics != nil {
		s.metrics.PaymentOutcome(ErrorCodeDuplicatePayment)
	}
	fresh, err := s.repo.FindByID(ctx, payment.ID)
	if err != nil {
		return nil, repo.Classify(err, "payment not found", "reload payment")
	}
	return fresh, nil
}

func (s *service) RetryPayment(ctx context.Context, input RetryPaymentInput) (*IntentResult, error) {
	payment, err := s.repo.FindByID(ctx, input.PaymentID)
	if err != nil {
		return nil, repo.Classify(err, "payment not found", "load payment")
	}
	if !input.Actor.Is(enums.RoleAdmin) && payment.CustomerID != input.Actor.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "payment belongs to another customer")
	}
	if payment.Status != enums.PaymentStatusFailed {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "only failed payments can be retried").
			WithDetails(map[string]any{"current": payment.Status, "required": enums.PaymentStatusFailed})
	}
	if payment.RetryCount >= s.maxRetries {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "retry limit reached").
			WithDetails(map[string]any{"current": payment.RetryCount, "required": fmt.Sprintf("< %d", s.maxRetries)})
	}
	paid, err := s.repo.HasCompletedForOrder(ctx, payment.OrderID, payment.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check existing payments")
	}
	if paid {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order already paid").
			WithDetails(map[string]any{"current": enums.OrderPaymentStatusPaid, "required": enums.OrderPaymentStatusPending})
	}
	ctx = s.logg.WithPaymentID(ctx, payment.ID.String())

	attempt := payment.RetryCount + 1
	intent, err := s.provider.CreateIntent(ctx, IntentRequest{
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		IdempotencyKey: fmt.Sprintf("intent:%s:retry:%d", payment.ID, attempt),
		Metadata: map[string]string{
			"order_id":   payment.OrderID.String(),
			"payment_id": payment.ID.String(),
			"attempt":    fmt.Sprint(attempt),
		},
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment intent")
	}

	now := s.now().UTC()
	ok, err := s.repo.UpdateIf(ctx, payment.ID, []enums.PaymentStatus{enums.PaymentStatusFailed}, map[string]any{
		"status":             enums.PaymentStatusProcessing,
		"retry_count":        attempt,
		"last_retry_at":      now,
		"provider_intent_id": intent.ID,
		"error_code":         nil,
		"error_message":      nil,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store retry")
	}
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "payment changed during retry")
	}
	payment.Status = enums.PaymentStatusProcessing
	payment.RetryCount = attempt
	payment.LastRetryAt = &now
	payment.ProviderIntentID = &intent.ID
	payment.ErrorCode = nil
	payment.ErrorMessage = nil

	s.logg.Info(ctx, fmt.Sprintf("payment retry %d opened", attempt))
	return &IntentResult{
		Payment:          paymentFromModel(*payment),
		ClientSecret:     intent.ClientSecret,
		ProviderIntentID: intent.ID,
	}, nil
}

func (s *service) RefundPayment(ctx context.Context, input RefundInput) (*PaymentDTO, error) {
	input.Amount = nil
	return s.refund(ctx, input)
}

func (s *service) PartialRefundPayment(ctx context.Context, input RefundInput) (*PaymentDTO, error) {
	if input.Amount == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{"amount": "is required"})
	}
	return s.refund(ctx, input)
}

func (s *service) refund(ctx context.Context, input RefundInput) (*PaymentDTO, error) {
	current, err := s.repo.FindByID(ctx, input.PaymentID)
	if err != nil {
		return nil, repo.Classify(err, "payment not found", "load payment")
	}
	if !canRefund(input.Actor, current) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the restaurant owner or an admin can refund").
			WithDetails(map[string]any{"required_role": []enums.Role{enums.RoleRestaurantAdmin, enums.RoleAdmin}})
	}
	ctx = s.logg.WithPaymentID(ctx, current.ID.String())

	var updated *models.Payment
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		payment, err := txRepo.FindByIDForUpdate(ctx, input.PaymentID)
		if err != nil {
			return repo.Classify(err, "payment not found", "lock payment")
		}
		if !payment.Status.Refundable() {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payment is not refundable").
				WithDetails(map[string]any{
					"current":  payment.Status,
					"required": []enums.PaymentStatus{enums.PaymentStatusCompleted, enums.PaymentStatusPartiallyRefunded},
				})
		}
		if payment.ProviderIntentID == nil {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payment has no provider intent")
		}

		remaining := payment.RefundableAmount()
		amount := remaining
		if input.Amount != nil {
			amount = input.Amount.Round(2)
		}
		if !amount.IsPositive() {
			return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
				WithDetails(map[string]string{"amount": "must be greater than zero"})
		}
		if amount.GreaterThan(remaining) {
			return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
				WithDetails(map[string]string{"amount": fmt.Sprintf("exceeds refundable amount %s", remaining.StringFixed(2))})
		}

		refunded := payment.RefundedAmount.Add(amount)
		result, err := s.provider.Refund(ctx, *payment.ProviderIntentID, amount,
			fmt.Sprintf("refund:%s:%s", payment.ID, refunded.StringFixed(2)))
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "refund payment")
		}

		status := enums.PaymentStatusPartiallyRefunded
		if refunded.Equal(payment.Amount) {
			status = enums.PaymentStatusRefunded
		}
		ok, err := txRepo.UpdateIf(ctx, payment.ID, []enums.PaymentStatus{payment.Status}, map[string]any{
			"status":          status,
			"refunded_amount": refunded,
			"refund_id":       result.ID,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store refund")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeConflict, "payment changed during refund")
		}
		payment.Status = status
		payment.RefundedAmount = refunded
		payment.RefundID = &result.ID
		updated = payment
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logg.Info(ctx, fmt.Sprintf("payment %s", updated.Status))
	s.recordOutcome(updated.Status)
	if updated.Status == enums.PaymentStatusRefunded {
		s.pushToOrder(ctx, updated, orders.PaymentResultRefunded)
	}
	s.publish(ctx, enums.EventPaymentRefunded, updated)
	dto := paymentFromModel(*updated)
	return &dto, nil
}

func (s *service) GetPayment(ctx context.Context, actor pkgAuth.Actor, paymentID uuid.UUID) (*PaymentDTO, error) {
	payment, err := s.repo.FindByID(ctx, paymentID)
	if err != nil {
		return nil, repo.Classify(err, "payment not found", "load payment")
	}
	if !canRead(actor, payment) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "payment not accessible")
	}
	dto := paymentFromModel(*payment)
	return &dto, nil
}

func (s *service) ListPaymentsForOrder(ctx context.Context, actor pkgAuth.Actor, orderID uuid.UUID) ([]PaymentDTO, error) {
	rows, err := s.repo.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list payments")
	}
	out := make([]PaymentDTO, 0, len(rows))
	for i := range rows {
		if !canRead(actor, &rows[i]) {
			return nil, pkgerrors.New(pkgerrors.CodeForbidden, "payments not accessible")
		}
		out = append(out, paymentFromModel(rows[i]))
	}
	return out, nil
}

// ReconcileSettlements re-sends the paid result for completed payments whose
// order never recorded it. Orders are read through the order workflow with the
// service credential. It returns how many orders were pushed.
func (s *service) ReconcileSettlements(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.repo.ListCompletedBetween(ctx, cutoff.Add(-reconcileLookback), cutoff, reconcileBatch)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list completed payments")
	}
	var (
		errs   error
		pushed int
	)
	for _, payment := range rows {
		order, err := s.orders.GetOrder(ctx, "", payment.OrderID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("payment %s: load order: %w", payment.ID, err))
			continue
		}
		if order.PaymentStatus != enums.OrderPaymentStatusPending || order.Status == enums.OrderStatusCancelled {
			continue
		}
		paymentID := payment.ID
		if _, err := s.orders.ApplyPaymentResult(ctx, payment.OrderID, orders.ApplyPaymentRequest{
			Result:    orders.PaymentResultPaid,
			PaymentID: &paymentID,
		}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("payment %s: %w", payment.ID, err))
			continue
		}
		pushed++
	}
	return pushed, errs
}

func (s *service) markProviderFailure(ctx context.Context, id uuid.UUID, from []enums.PaymentStatus, cause error) {
	_, err := s.repo.UpdateIf(ctx, id, from, map[string]any{
		"status":        enums.PaymentStatusFailed,
		"error_code":    "provider_error",
		"error_message": cause.Error(),
	})
	if err != nil {
		s.logg.Error(ctx, "mark payment failed", err)
		return
	}
	s.recordOutcome(enums.PaymentStatusFailed)
}

func (s *service) pushToOrder(ctx context.Context, payment *models.Payment, result orders.PaymentResult) {
	paymentID := payment.ID
	_, err := s.orders.ApplyPaymentResult(ctx, payment.OrderID, orders.ApplyPaymentRequest{
		Result:    result,
		PaymentID: &paymentID,
	})
	if err != nil {
		s.logg.Error(ctx, fmt.Sprintf("push payment result %s to order", result), err)
	}
}

func (s *service) publish(ctx context.Context, eventType enums.OutboxEventType, payment *models.Payment) {
	event := payloads.PaymentEvent{
		PaymentID:         payment.ID,
		OrderID:           payment.OrderID,
		CustomerID:        payment.CustomerID,
		RestaurantOwnerID: payment.RestaurantOwnerID,
		Amount:            payment.Amount,
		RefundedAmount:    payment.RefundedAmount,
		Currency:          payment.Currency,
		Status:            payment.Status,
	}
	if payment.ErrorCode != nil {
		event.ErrorCode = *payment.ErrorCode
	}
	if payment.ErrorMessage != nil {
		event.ErrorMessage = *payment.ErrorMessage
	}
	if err := s.events.Publish(ctx, eventType, payment.ID, event); err != nil {
		s.logg.Error(ctx, fmt.Sprintf("publish %s", eventType), err)
	}
}

func (s *service) recordOutcome(status enums.PaymentStatus) {
	if s.metrics != nil {
		s.metrics.PaymentOutcome(string(status))
	}
}

// upstreamError keeps typed upstream errors (404, 403 and friends) and marks
// transport failures as dependency errors.
func upstreamError(err error, op string) error {
	if pkgerrors.As(err) != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, op)
}

func isDuplicate(payment *models.Payment) bool {
	return payment.ErrorCode != nil && *payment.ErrorCode == ErrorCodeDuplicatePayment
}

func isSettled(status enums.PaymentStatus) bool {
	for _, settled := range settledStatuses {
		if settled == status {
			return true
		}
	}
	return false
}

func canRefund(actor pkgAuth.Actor, payment *models.Payment) bool {
	switch actor.Role {
	case enums.RoleAdmin:
		return true
	case enums.RoleRestaurantAdmin:
		return payment.RestaurantOwnerID == actor.UserID
	}
	return false
}

func canRead(actor pkgAuth.Actor, payment *models.Payment) bool {
	switch actor.Role {
	case enums.RoleAdmin, enums.RoleService:
		return true
	case enums.RoleCustomer:
		return payment.CustomerID == actor.UserID
	case enums.RoleRestaurantAdmin:
		return payment.RestaurantOwnerID == actor.UserID
	}
	return false
}
