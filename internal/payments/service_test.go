package payments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/grubhaul-backend/internal/orders"
	pkgAuth "github.com/angelmondragon/grubhaul-backend/pkg/auth"
	"github.com/angelmondragon/grubhaul-backend/pkg/db"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/dbtest"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
)

type stubProvider struct {
	created   []IntentRequest
	refunds   []decimal.Decimal
	intents   map[string]*Intent
	createErr error
	refundErr error
	next      int
}

func newStubProvider() *stubProvider {
	return &stubProvider{intents: map[string]*Intent{}}
}

func (p *stubProvider) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created = append(p.created, req)
	p.next++
	intent := &Intent{
		ID:           fmt.Sprintf("pi_%d", p.next),
		ClientSecret: fmt.Sprintf("pi_%d_secret", p.next),
		Outcome:      OutcomePending,
	}
	p.intents[intent.ID] = intent
	return intent, nil
}

func (p *stubProvider) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	intent, ok := p.intents[intentID]
	if !ok {
		return nil, errors.New("no such intent")
	}
	return intent, nil
}

func (p *stubProvider) Refund(ctx context.Context, intentID string, amount decimal.Decimal, key string) (*RefundResult, error) {
	if p.refundErr != nil {
		return nil, p.refundErr
	}
	p.refunds = append(p.refunds, amount)
	return &RefundResult{ID: fmt.Sprintf("re_%d", len(p.refunds)), Status: "succeeded"}, nil
}

func (p *stubProvider) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	return nil, errors.New("not used")
}

func (p *stubProvider) settle(id string, outcome Outcome) {
	p.intents[id].Outcome = outcome
	if outcome == OutcomeSucceeded {
		p.intents[id].ChargeID = "ch_" + id
	}
	if outcome == OutcomeFailed {
		p.intents[id].ErrorCode = "card_declined"
		p.intents[id].ErrorMessage = "Your card was declined."
	}
}

type appliedResult struct {
	orderID uuid.UUID
	result  orders.PaymentResult
}

type stubOrders struct {
	order    *orders.OrderDTO
	byID     map[uuid.UUID]*orders.OrderDTO
	getErr   error
	applied  []appliedResult
	applyErr error
	bearers  []string
}

func (s *stubOrders) GetOrder(ctx context.Context, bearer string, orderID uuid.UUID) (*orders.OrderDTO, error) {
	s.bearers = append(s.bearers, bearer)
	if s.getErr != nil {
		return nil, s.getErr
	}
	if order, ok := s.byID[orderID]; ok {
		return order, nil
	}
	return s.order, nil
}

func (s *stubOrders) ApplyPaymentResult(ctx context.Context, orderID uuid.UUID, req orders.ApplyPaymentRequest) (*orders.OrderDTO, error) {
	s.applied = append(s.applied, appliedResult{orderID: orderID, result: req.Result})
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	return s.order, nil
}

type stubEvents struct {
	types []enums.OutboxEventType
	err   error
}

func (s *stubEvents) Publish(ctx context.Context, eventType enums.OutboxEventType, aggregateID uuid.UUID, payload any) error {
	s.types = append(s.types, eventType)
	return s.err
}

type stubOutcomes struct {
	statuses []string
}

func (s *stubOutcomes) PaymentOutcome(status string) {
	s.statuses = append(s.statuses, status)
}

type fixture struct {
	svc      Service
	conn     *gorm.DB
	provider *stubProvider
	orders   *stubOrders
	events   *stubEvents
	metrics  *stubOutcomes
	customer pkgAuth.Actor
	owner    pkgAuth.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := dbtest.Client(t)
	customer := pkgAuth.Actor{UserID: uuid.New(), Role: enums.RoleCustomer, Token: "customer-token"}
	owner := pkgAuth.Actor{UserID: uuid.New(), Role: enums.RoleRestaurantAdmin}
	order := &orders.OrderDTO{
		ID:                uuid.New(),
		CustomerID:        customer.UserID,
		RestaurantID:      uuid.New(),
		RestaurantOwnerID: owner.UserID,
		TotalAmount:       decimal.RequireFromString("22.97"),
		Status:            enums.OrderStatusPending,
		PaymentStatus:     enums.OrderPaymentStatusPending,
		PaymentMethod:     enums.PaymentMethodCard,
	}
	f := &fixture{
		conn:     client.DB(),
		provider: newStubProvider(),
		orders:   &stubOrders{order: order},
		events:   &stubEvents{},
		metrics:  &stubOutcomes{},
		customer: customer,
		owner:    owner,
	}
	svc, err := NewService(ServiceParams{
		Repo:       NewRepository(client.DB()),
		Tx:         client,
		Provider:   f.provider,
		Orders:     f.orders,
		Events:     f.events,
		Metrics:    f.metrics,
		Logger:     logger.New(logger.Options{ServiceName: "payments-test", Output: io.Discard}),
		MaxRetries: 2,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) openIntent(t *testing.T) *IntentResult {
	t.Helper()
	result, err := f.svc.CreatePaymentIntent(context.Background(), CreateIntentInput{
		Actor:               f.customer,
		IdempotencyKey:      "key-1",
		CreateIntentRequest: CreateIntentRequest{OrderID: f.orders.order.ID},
	})
	require.NoError(t, err)
	return result
}

func (f *fixture) confirm(t *testing.T, intentID string) *PaymentDTO {
	t.Helper()
	payment, err := f.svc.ConfirmPayment(context.Background(), ConfirmPaymentInput{
		Actor: f.customer,
		ConfirmPaymentRequest: ConfirmPaymentRequest{
			PaymentIntentID: intentID,
			OrderID:         f.orders.order.ID,
		},
	})
	require.NoError(t, err)
	return payment
}

func (f *fixture) completedPayment(t *testing.T) *PaymentDTO {
	t.Helper()
	result := f.openIntent(t)
	f.provider.settle(result.ProviderIntentID, OutcomeSucceeded)
	payment := f.confirm(t, result.ProviderIntentID)
	require.Equal(t, enums.PaymentStatusCompleted, payment.Status)
	return payment
}

func requireCode(t *testing.T, err error, code pkgerrors.Code) *pkgerrors.Error {
	t.Helper()
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed, "expected typed error, got %v", err)
	require.Equal(t, code, typed.Code())
	return typed
}

func TestCreatePaymentIntentOpensProcessingPayment(t *testing.T) {
	f := newFixture(t)

	result := f.openIntent(t)

	assert.Equal(t, "pi_1", result.ProviderIntentID)
	assert.Equal(t, "pi_1_secret", result.ClientSecret)
	assert.Equal(t, enums.PaymentStatusProcessing, result.Payment.Status)
	assert.True(t, decimal.RequireFromString("22.97").Equal(result.Payment.Amount))
	assert.Equal(t, enums.CurrencyUSD, result.Payment.Currency)
	assert.Equal(t, []string{"customer-token"}, f.orders.bearers)

	require.Len(t, f.provider.created, 1)
	req := f.provider.created[0]
	assert.Equal(t, "intent:key-1", req.IdempotencyKey)
	assert.Equal(t, f.orders.order.ID.String(), req.Metadata["order_id"])
	assert.Equal(t, result.Payment.ID.String(), req.Metadata["payment_id"])

	var stored models.Payment
	require.NoError(t, f.conn.First(&stored, "id = ?", result.Payment.ID).Error)
	require.NotNil(t, stored.ProviderIntentID)
	assert.Equal(t, "pi_1", *stored.ProviderIntentID)
}

func TestCreatePaymentIntentPreconditions(t *testing.T) {
	t.Run("non customer", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.CreatePaymentIntent(context.Background(), CreateIntentInput{
			Actor:               f.owner,
			CreateIntentRequest: CreateIntentRequest{OrderID: f.orders.order.ID},
		})
		requireCode(t, err, pkgerrors.CodeForbidden)
	})

	t.Run("someone else's order", func(t *testing.T) {
		f := newFixture(t)
		other := pkgAuth.Actor{UserID: uuid.New(), Role: enums.RoleCustomer}
		_, err := f.svc.CreatePaymentIntent(context.Background(), CreateIntentInput{
			Actor:               other,
			CreateIntentRequest: CreateIntentRequest{OrderID: f.orders.order.ID},
		})
		requireCode(t, err, pkgerrors.CodeForbidden)
	})

	t.Run("order already confirmed", func(t *testing.T) {
		f := newFixture(t)
		f.orders.order.Status = enums.OrderStatusConfirmed
		_, err := f.svc.CreatePaymentIntent(context.Background(), CreateIntentInput{
			Actor:               f.customer,
			CreateIntentRequest: CreateIntentRequest{OrderID: f.orders.order.ID},
		})
		requireCode(t, err, pkgerrors.CodeStateConflict)
		assert.Empty(t, f.provider.created)
	})

	t.Run("cash order", func(t *testing.T) {
		f := newFixture(t)
		f.orders.order.PaymentMethod = enums.PaymentMethodCash
		_, err := f.svc.CreatePaymentIntent(context.Background(), CreateIntentInput{
			Actor:               f.customer,
			CreateIntentRequest: CreateIntentRequest{OrderID: f.orders.order.ID},
		})
		requireCode(t, err, pkgerrors.CodeValidation)
	})

	t.Run("upstream not found passes through", func(t *testing.T) {
		f := newFixture(t)
		f.orders.getErr = pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		_, err := f.svc.CreatePaymentIntent(context.Background(), CreateIntentInput{
			Actor:               f.customer,
			CreateIntentRequest: CreateIntentRequest{OrderID: f.orders.order.ID},
		})
		requireCode(t, err, pkgerrors.CodeNotFound)
	})

	t.Run("transport failure is a dependency error", func(t *testing.T) {
		f := newFixture(t)
		f.orders.getErr = errors.New("connection refused")
		_, err := f.svc.CreatePaymentIntent(context.Background(), CreateIntentInput{
			Actor:               f.customer,
			CreateIntentRequest: CreateIntentRequest{OrderID: f.orders.order.ID},
		})
		requireCode(t, err, pkgerrors.CodeDependency)
	})
}

func TestCreatePaymentIntentProviderFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.provider.createErr = errors.New("stripe down")

	_, err := f.svc.CreatePaymentIntent(context.Background(), CreateIntentInput{
		Actor:               f.customer,
		CreateIntentRequest: CreateIntentRequest{OrderID: f.orders.order.ID},
	})
	requireCode(t, err, pkgerrors.CodeDependency)

	var stored models.Payment
	require.NoError(t, f.conn.First(&stored, "order_id = ?", f.orders.order.ID).Error)
	assert.Equal(t, enums.PaymentStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorCode)
	assert.Equal(t, "provider_error", *stored.ErrorCode)
}

func TestConfirmPaymentCompletesAndPropagates(t *testing.T) {
	f := newFixture(t)
	result := f.openIntent(t)
	f.provider.settle(result.ProviderIntentID, OutcomeSucceeded)

	payment := f.confirm(t, result.ProviderIntentID)

	assert.Equal(t, enums.PaymentStatusCompleted, payment.Status)
	assert.NotNil(t, payment.CompletedAt)
	assert.Equal(t, []appliedResult{{orderID: f.orders.order.ID, result: orders.PaymentResultPaid}}, f.orders.applied)
	assert.Equal(t, []enums.OutboxEventType{enums.EventPaymentSucceeded}, f.events.types)
	assert.Equal(t, []string{"completed"}, f.metrics.statuses)

	var stored models.Payment
	require.NoError(t, f.conn.First(&stored, "id = ?", payment.ID).Error)
	require.NotNil(t, stored.ProviderChargeID)
	assert.Equal(t, "ch_pi_1", *stored.ProviderChargeID)
}

func TestConfirmPaymentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	first := f.completedPayment(t)

	second := f.confirm(t, *first.ProviderIntentID)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, enums.PaymentStatusCompleted, second.Status)
	assert.Len(t, f.orders.applied, 1, "order must only be told once")
	assert.Len(t, f.events.types, 1)
}

func TestConfirmPaymentSideEffectFailuresAreSwallowed(t *testing.T) {
	f := newFixture(t)
	f.orders.applyErr = errors.New("orders down")
	f.events.err = errors.New("notifications down")

	payment := f.completedPayment(t)

	assert.Equal(t, enums.PaymentStatusCompleted, payment.Status)
}

func TestConfirmPaymentChecksOwnershipAndOrder(t *testing.T) {
	f := newFixture(t)
	result := f.openIntent(t)

	_, err := f.svc.ConfirmPayment(context.Background(), ConfirmPaymentInput{
		Actor: pkgAuth.Actor{UserID: uuid.New(), Role: enums.RoleCustomer},
		ConfirmPaymentRequest: ConfirmPaymentRequest{
			PaymentIntentID: result.ProviderIntentID,
			OrderID:         f.orders.order.ID,
		},
	})
	requireCode(t, err, pkgerrors.CodeForbidden)

	_, err = f.svc.ConfirmPayment(context.Background(), ConfirmPaymentInput{
		Actor: f.customer,
		ConfirmPaymentRequest: ConfirmPaymentRequest{
			PaymentIntentID: result.ProviderIntentID,
			OrderID:         uuid.New(),
		},
	})
	requireCode(t, err, pkgerrors.CodeValidation)

	_, err = f.svc.ConfirmPayment(context.Background(), ConfirmPaymentInput{
		Actor: f.customer,
		ConfirmPaymentRequest: ConfirmPaymentRequest{
			PaymentIntentID: "pi_unknown",
			OrderID:         f.orders.order.ID,
		},
	})
	requireCode(t, err, pkgerrors.CodeNotFound)
}

func TestConfirmPendingIntentLeavesPaymentProcessing(t *testing.T) {
	f := newFixture(t)
	result := f.openIntent(t)

	payment := f.confirm(t, result.ProviderIntentID)

	assert.Equal(t, enums.PaymentStatusProcessing, payment.Status)
	assert.Empty(t, f.orders.applied)
}

func TestWebhookFailureThenRetry(t *testing.T) {
	f := newFixture(t)
	result := f.openIntent(t)
	f.provider.settle(result.ProviderIntentID, OutcomeFailed)

	err := f.svc.HandleWebhookEvent(context.Background(), &WebhookEvent{
		ID:     "evt_1",
		Type:   "payment_intent.payment_failed",
		Intent: f.provider.intents[result.ProviderIntentID],
	})
	require.NoError(t, err)

	payment, err := f.svc.GetPayment(context.Background(), f.customer, result.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusFailed, payment.Status)
	require.NotNil(t, payment.ErrorCode)
	assert.Equal(t, "card_declined", *payment.ErrorCode)
	assert.Equal(t, []appliedResult{{orderID: f.orders.order.ID, result: orders.PaymentResultFailed}}, f.orders.applied)
	assert.Equal(t, []enums.OutboxEventType{enums.EventPaymentFailed}, f.events.types)

	retry, err := f.svc.RetryPayment(context.Background(), RetryPaymentInput{Actor: f.customer, PaymentID: payment.ID})
	require.NoError(t, err)
	assert.Equal(t, "pi_2", retry.ProviderIntentID)
	assert.Equal(t, payment.ID, retry.Payment.ID, "retries reuse the payment row")
	assert.Equal(t, enums.PaymentStatusProcessing, retry.Payment.Status)
	assert.Equal(t, 1, retry.Payment.RetryCount)
	assert.NotNil(t, retry.Payment.LastRetryAt)
	assert.Nil(t, retry.Payment.ErrorCode)

	f.provider.settle("pi_2", OutcomeSucceeded)
	err = f.svc.HandleWebhookEvent(context.Background(), &WebhookEvent{
		ID:     "evt_2",
		Type:   "payment_intent.succeeded",
		Intent: f.provider.intents["pi_2"],
	})
	require.NoError(t, err)
	payment, err = f.svc.GetPayment(context.Background(), f.customer, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusCompleted, payment.Status)
}

func TestWebhookForUnknownIntentIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	err := f.svc.HandleWebhookEvent(context.Background(), &WebhookEvent{
		ID:     "evt_9",
		Intent: &Intent{ID: "pi_elsewhere", Outcome: OutcomeSucceeded},
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleWebhookEvent(context.Background(), &WebhookEvent{ID: "evt_10", Type: "charge.updated"}))
}

func TestRetryPaymentLimits(t *testing.T) {
	f := newFixture(t)
	result := f.openIntent(t)

	_, err := f.svc.RetryPayment(context.Background(), RetryPaymentInput{Actor: f.customer, PaymentID: result.Payment.ID})
	typed := requireCode(t, err, pkgerrors.CodeStateConflict)
	details := typed.Details().(map[string]any)
	assert.Equal(t, enums.PaymentStatusProcessing, details["current"])

	intentID := result.ProviderIntentID
	for attempt := 1; attempt <= 2; attempt++ {
		f.provider.settle(intentID, OutcomeFailed)
		f.confirm(t, intentID)
		retry, err := f.svc.RetryPayment(context.Background(), RetryPaymentInput{Actor: f.customer, PaymentID: result.Payment.ID})
		require.NoError(t, err)
		assert.Equal(t, attempt, retry.Payment.RetryCount)
		intentID = retry.ProviderIntentID
	}

	f.provider.settle(intentID, OutcomeFailed)
	f.confirm(t, intentID)
	_, err = f.svc.RetryPayment(context.Background(), RetryPaymentInput{Actor: f.customer, PaymentID: result.Payment.ID})
	requireCode(t, err, pkgerrors.CodeStateConflict)
}

func TestRefundCap(t *testing.T) {
	f := newFixture(t)
	payment := f.completedPayment(t)
	ten := decimal.NewFromInt(10)
	thirteen := decimal.NewFromInt(13)

	partial, err := f.svc.PartialRefundPayment(context.Background(), RefundInput{Actor: f.owner, PaymentID: payment.ID, Amount: &ten})
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPartiallyRefunded, partial.Status)
	assert.True(t, ten.Equal(partial.RefundedAmount))

	_, err = f.svc.PartialRefundPayment(context.Background(), RefundInput{Actor: f.owner, PaymentID: payment.ID, Amount: &thirteen})
	typed := requireCode(t, err, pkgerrors.CodeValidation)
	assert.Contains(t, typed.Details().(map[string]string)["amount"], "12.97")
	assert.Len(t, f.provider.refunds, 1, "provider must not be called over the cap")

	full, err := f.svc.RefundPayment(context.Background(), RefundInput{Actor: f.owner, PaymentID: payment.ID})
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusRefunded, full.Status)
	assert.True(t, decimal.RequireFromString("22.97").Equal(full.RefundedAmount))
	assert.True(t, decimal.RequireFromString("12.97").Equal(f.provider.refunds[1]))

	// paid on confirm, refunded only on the full refund
	assert.Equal(t, []appliedResult{
		{orderID: f.orders.order.ID, result: orders.PaymentResultPaid},
		{orderID: f.orders.order.ID, result: orders.PaymentResultRefunded},
	}, f.orders.applied)

	_, err = f.svc.RefundPayment(context.Background(), RefundInput{Actor: f.owner, PaymentID: payment.ID})
	requireCode(t, err, pkgerrors.CodeStateConflict)
}

func TestRefundRights(t *testing.T) {
	f := newFixture(t)
	payment := f.completedPayment(t)

	_, err := f.svc.RefundPayment(context.Background(), RefundInput{Actor: f.customer, PaymentID: payment.ID})
	requireCode(t, err, pkgerrors.CodeForbidden)

	otherOwner := pkgAuth.Actor{UserID: uuid.New(), Role: enums.RoleRestaurantAdmin}
	_, err = f.svc.RefundPayment(context.Background(), RefundInput{Actor: otherOwner, PaymentID: payment.ID})
	requireCode(t, err, pkgerrors.CodeForbidden)

	admin := pkgAuth.Actor{UserID: uuid.New(), Role: enums.RoleAdmin}
	refunded, err := f.svc.RefundPayment(context.Background(), RefundInput{Actor: admin, PaymentID: payment.ID})
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusRefunded, refunded.Status)
}

func TestRefundRequiresCompletedPayment(t *testing.T) {
	f := newFixture(t)
	result := f.openIntent(t)

	_, err := f.svc.RefundPayment(context.Background(), RefundInput{Actor: f.owner, PaymentID: result.Payment.ID})
	requireCode(t, err, pkgerrors.CodeStateConflict)
	assert.Empty(t, f.provider.refunds)
}

func TestPaymentReadScope(t *testing.T) {
	f := newFixture(t)
	payment := f.completedPayment(t)

	for _, actor := range []pkgAuth.Actor{f.customer, f.owner, {UserID: uuid.New(), Role: enums.RoleAdmin}} {
		_, err := f.svc.GetPayment(context.Background(), actor, payment.ID)
		require.NoError(t, err, "role %s", actor.Role)
	}

	stranger := pkgAuth.Actor{UserID: uuid.New(), Role: enums.RoleCustomer}
	_, err := f.svc.GetPayment(context.Background(), stranger, payment.ID)
	requireCode(t, err, pkgerrors.CodeForbidden)

	list, err := f.svc.ListPaymentsForOrder(context.Background(), f.owner, f.orders.order.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = f.svc.ListPaymentsForOrder(context.Background(), stranger, f.orders.order.ID)
	requireCode(t, err, pkgerrors.CodeForbidden)
}

func TestReconcileSettlementsPushesUnsettledOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-2 * time.Hour)

	seedPayment := func(status enums.OrderPaymentStatus, completedAt time.Time) uuid.UUID {
		orderID := uuid.New()
		require.NoError(t, f.conn.Create(&models.Payment{
			OrderID:           orderID,
			CustomerID:        f.customer.UserID,
			RestaurantID:      uuid.New(),
			RestaurantOwnerID: f.owner.UserID,
			Amount:            decimal.NewFromInt(5),
			OrderAmount:       decimal.NewFromInt(5),
			Currency:          enums.CurrencyUSD,
			Status:            enums.PaymentStatusCompleted,
			Method:            enums.PaymentMethodCard,
			CompletedAt:       &completedAt,
		}).Error)
		if f.orders.byID == nil {
			f.orders.byID = map[uuid.UUID]*orders.OrderDTO{}
		}
		f.orders.byID[orderID] = &orders.OrderDTO{ID: orderID, Status: enums.OrderStatusPending, PaymentStatus: status}
		return orderID
	}

	stuck := seedPayment(enums.OrderPaymentStatusPending, old)
	seedPayment(enums.OrderPaymentStatusPaid, old)
	seedPayment(enums.OrderPaymentStatusPending, time.Now().UTC())
	seedPayment(enums.OrderPaymentStatusPending, time.Now().UTC().Add(-72*time.Hour))
	cancelled := seedPayment(enums.OrderPaymentStatusPending, old)
	f.orders.byID[cancelled].Status = enums.OrderStatusCancelled

	pushed, err := f.svc.ReconcileSettlements(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pushed)
	assert.Equal(t, []appliedResult{{orderID: stuck, result: orders.PaymentResultPaid}}, f.orders.applied)
	assert.Len(t, f.orders.bearers, 3, "only payments inside the lookback window are checked")
	for _, bearer := range f.orders.bearers {
		assert.Empty(t, bearer, "reads use the service credential")
	}

	f.orders.applyErr = errors.New("orders down")
	pushed, err = f.svc.ReconcileSettlements(ctx, time.Now().UTC().Add(-time.Hour))
	require.Error(t, err)
	assert.Zero(t, pushed)
	assert.Contains(t, err.Error(), "orders down")

	f.orders.getErr = errors.New("orders unreachable")
	pushed, err = f.svc.ReconcileSettlements(ctx, time.Now().UTC().Add(-time.Hour))
	require.Error(t, err)
	assert.Zero(t, pushed)
	assert.Contains(t, err.Error(), "load order")
}

func TestSecondSucceededIntentForPaidOrderIsRefundedAsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.openIntent(t)
	second, err := f.svc.CreatePaymentIntent(ctx, CreateIntentInput{
		Actor:               f.customer,
		IdempotencyKey:      "key-2",
		CreateIntentRequest: CreateIntentRequest{OrderID: f.orders.order.ID},
	})
	require.NoError(t, err)
	f.provider.settle(first.ProviderIntentID, OutcomeSucceeded)
	f.provider.settle(second.ProviderIntentID, OutcomeSucceeded)

	completed := f.confirm(t, first.ProviderIntentID)
	duplicate := f.confirm(t, second.ProviderIntentID)

	assert.Equal(t, enums.PaymentStatusCompleted, completed.Status)
	assert.Equal(t, enums.PaymentStatusFailed, duplicate.Status)

	var settled int64
	require.NoError(t, f.conn.Model(&models.Payment{}).
		Where("order_id = ? AND status IN ?", f.orders.order.ID, settledStatuses).
		Count(&settled).Error)
	assert.EqualValues(t, 1, settled)

	var stored models.Payment
	require.NoError(t, f.conn.First(&stored, "id = ?", duplicate.ID).Error)
	require.NotNil(t, stored.ErrorCode)
	assert.Equal(t, ErrorCodeDuplicatePayment, *stored.ErrorCode)
	assert.Nil(t, stored.CompletedAt)
	require.NotNil(t, stored.RefundID)
	assert.True(t, stored.RefundedAmount.Equal(decimal.RequireFromString("22.97")))
	require.Len(t, f.provider.refunds, 1)
	assert.True(t, decimal.RequireFromString("22.97").Equal(f.provider.refunds[0]))

	assert.Len(t, f.orders.applied, 1, "order must only be told once")
	assert.Equal(t, []enums.OutboxEventType{enums.EventPaymentSucceeded}, f.events.types)
	assert.Equal(t, []string{"completed", ErrorCodeDuplicatePayment}, f.metrics.statuses)

	again := f.confirm(t, second.ProviderIntentID)
	assert.Equal(t, enums.PaymentStatusFailed, again.Status)
	assert.Len(t, f.provider.refunds, 1, "duplicate is refunded once")

	_, err = f.svc.RetryPayment(ctx, RetryPaymentInput{Actor: f.customer, PaymentID: duplicate.ID})
	requireCode(t, err, pkgerrors.CodeStateConflict)
}

func TestSettledPaymentIndexRejectsSecondSettlement(t *testing.T) {
	conn := dbtest.Open(t)
	orderID := uuid.New()
	completedAt := time.Now().UTC()
	payment := func() *models.Payment {
		return &models.Payment{
			OrderID:           orderID,
			CustomerID:        uuid.New(),
			RestaurantID:      uuid.New(),
			RestaurantOwnerID: uuid.New(),
			Amount:            decimal.NewFromInt(5),
			OrderAmount:       decimal.NewFromInt(5),
			Currency:          enums.CurrencyUSD,
			Status:            enums.PaymentStatusCompleted,
			Method:            enums.PaymentMethodCard,
			CompletedAt:       &completedAt,
		}
	}
	require.NoError(t, conn.Create(payment()).Error)

	err := conn.Create(payment()).Error
	require.Error(t, err)
	assert.True(t, db.IsUniqueViolation(err, settledOrderIndex))

	open := payment()
	open.Status = enums.PaymentStatusProcessing
	open.CompletedAt = nil
	require.NoError(t, conn.Create(open).Error)
}

func TestNewServiceRejectsUnknownCurrency(t *testing.T) {
	client := dbtest.Client(t)
	_, err := NewService(ServiceParams{
		Repo:     NewRepository(client.DB()),
		Tx:       client,
		Provider: newStubProvider(),
		Orders:   &stubOrders{},
		Events:   &stubEvents{},
		Logger:   logger.New(logger.Options{Output: io.Discard}),
		Currency: "doubloons",
	})
	assert.EqualError(t, err, `unsupported currency "doubloons"`)
}
