package orders

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/grubhaul-backend/internal/catalog"
	pkgAuth "github.com/angelmondragon/grubhaul-backend/pkg/auth"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/dbtest"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox"
	"github.com/angelmondragon/grubhaul-backend/pkg/types"
)

type stubRestaurants struct {
	restaurant *catalog.RestaurantDTO
	err        error
}

func (s *stubRestaurants) GetRestaurant(ctx context.Context, id uuid.UUID) (*catalog.RestaurantDTO, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.restaurant, nil
}

type recordedTransition struct{ from, to string }

type stubRecorder struct {
	transitions []recordedTransition
}

func (s *stubRecorder) OrderTransition(from, to string) {
	s.transitions = append(s.transitions, recordedTransition{from: from, to: to})
}

type fixture struct {
	svc         Service
	conn        *gorm.DB
	restaurants *stubRestaurants
	metrics     *stubRecorder
	owner       pkgAuth.Actor
	customer    pkgAuth.Actor
	service     pkgAuth.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := dbtest.Client(t)
	logg := logger.New(logger.Options{ServiceName: "orders-test", Output: io.Discard})
	owner := pkgAuth.Actor{UserID: uuid.New(), Role: enums.RoleRestaurantAdmin}
	restaurants := &stubRestaurants{restaurant: &catalog.RestaurantDTO{
		ID:      uuid.New(),
		OwnerID: owner.UserID,
		Name:    "Noodle Bar",
		IsOpen:  true,
	}}
	metrics := &stubRecorder{}

	svc, err := NewService(ServiceParams{
		Repo:        NewRepository(client.DB()),
		Tx:          client,
		Outbox:      outbox.NewService(outbox.NewRepository(client.DB()), logg),
		Restaurants: restaurants,
		Metrics:     metrics,
		Logger:      logg,
	})
	require.NoError(t, err)

	return &fixture{
		svc:         svc,
		conn:        client.DB(),
		restaurants: restaurants,
		metrics:     metrics,
		owner:       owner,
		customer:    pkgAuth.Actor{UserID: uuid.New(), Role: enums.RoleCustomer, Name: "Ada Customer", Email: "ada@example.com"},
		service:     pkgAuth.Actor{Role: enums.RoleService},
	}
}

func (f *fixture) createOrder(t *testing.T, customer pkgAuth.Actor) *OrderDTO {
	t.Helper()
	order, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		Actor: customer,
		CreateOrderRequest: CreateOrderRequest{
			RestaurantID: f.restaurants.restaurant.ID,
			Items: []LineItemInput{
				{MenuItemID: uuid.New(), Name: "Ramen", UnitPrice: decimal.RequireFromString("12.99"), Quantity: 1},
				{MenuItemID: uuid.New(), Name: "Gyoza", UnitPrice: decimal.RequireFromString("4.99"), Quantity: 2},
			},
			DeliveryAddress: types.Address{Line1: "9 Elm St", City: "Springfield", PostalCode: "12345"},
		},
	})
	require.NoError(t, err)
	return order
}

func (f *fixture) setStatus(t *testing.T, orderID uuid.UUID, actor pkgAuth.Actor, status enums.OrderStatus) {
	t.Helper()
	_, err := f.svc.UpdateStatus(context.Background(), UpdateStatusInput{Actor: actor, OrderID: orderID, Status: status})
	require.NoError(t, err)
}

func (f *fixture) eventCount(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&count).Error)
	return count
}

func TestCreateOrderComputesTotalFromSnapshot(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, f.customer)

	assert.Equal(t, "22.97", order.TotalAmount.StringFixed(2))
	assert.Equal(t, enums.OrderStatusPending, order.Status)
	assert.Equal(t, enums.OrderPaymentStatusPending, order.PaymentStatus)
	assert.Equal(t, enums.PaymentMethodCard, order.PaymentMethod)
	assert.Equal(t, "Noodle Bar", order.RestaurantName)
	assert.Equal(t, f.owner.UserID, order.RestaurantOwnerID)
	assert.Len(t, order.Items, 2)

	stored, err := f.svc.GetOrder(context.Background(), f.customer, order.ID)
	require.NoError(t, err)
	assert.True(t, stored.TotalAmount.Equal(decimal.RequireFromString("22.97")))
	assert.EqualValues(t, 1, f.eventCount(t, enums.EventOrderCreated))

	history, err := f.svc.History(context.Background(), f.customer, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].From)
	assert.Equal(t, enums.OrderStatusPending, history[0].To)
}

func TestCreateOrderRequiresCustomer(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{Actor: f.owner})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))
}

func TestCreateOrderRejectsBadItems(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		Actor: f.customer,
		CreateOrderRequest: CreateOrderRequest{
			RestaurantID: f.restaurants.restaurant.ID,
			Items:        []LineItemInput{{MenuItemID: uuid.New(), Name: "Ramen", UnitPrice: decimal.RequireFromString("-1"), Quantity: 0}},
		},
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	fields, ok := pkgerrors.As(err).Details().(map[string]string)
	require.True(t, ok)
	assert.Contains(t, fields, "items[0].quantity")
	assert.Contains(t, fields, "items[0].unit_price")
}

func TestCreateOrderFailsWhenRestaurantUnavailable(t *testing.T) {
	f := newFixture(t)
	f.restaurants.err = pkgerrors.New(pkgerrors.CodeNotFound, "restaurant not found").
		WithDetails(map[string]any{"upstream_status": 404})

	_, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		Actor: f.customer,
		CreateOrderRequest: CreateOrderRequest{
			RestaurantID: uuid.New(),
			Items:        []LineItemInput{{MenuItemID: uuid.New(), Name: "Ramen", UnitPrice: decimal.RequireFromString("1"), Quantity: 1}},
		},
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeRestaurantUnavailable))
	details := pkgerrors.As(err).Details().(map[string]any)
	assert.Equal(t, 404, details["upstream_status"])
	assert.Equal(t, pkgerrors.CodeNotFound, details["upstream_code"])

	var count int64
	require.NoError(t, f.conn.Model(&models.Order{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreateOrderRejectsClosedRestaurant(t *testing.T) {
	f := newFixture(t)
	f.restaurants.restaurant.IsOpen = false
	_, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		Actor: f.customer,
		CreateOrderRequest: CreateOrderRequest{
			RestaurantID: f.restaurants.restaurant.ID,
			Items:        []LineItemInput{{MenuItemID: uuid.New(), Name: "Ramen", UnitPrice: decimal.RequireFromString("1"), Quantity: 1}},
		},
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeRestaurantUnavailable))
}

func TestUpdateStatusRejectsSkippedTransition(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, f.customer)

	_, err := f.svc.UpdateStatus(context.Background(), UpdateStatusInput{Actor: f.owner, OrderID: order.ID, Status: enums.OrderStatusPreparing})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidTransition))
	details := pkgerrors.As(err).Details().(TransitionDetails)
	assert.Equal(t, enums.OrderStatusPending, details.Current)
	assert.Equal(t, enums.OrderStatusPreparing, details.Attempted)
	assert.Equal(t, []enums.OrderStatus{enums.OrderStatusConfirmed, enums.OrderStatusCancelled}, details.Allowed)

	_, err = f.svc.UpdateStatus(context.Background(), UpdateStatusInput{Actor: f.owner, OrderID: order.ID, Status: enums.OrderStatusDelivered})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidTransition))
}

func TestUpdateStatusRequiresOwningRestaurant(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, f.customer)
	other := pkgAuth.Actor{UserID: uuid.New(), Role: enums.RoleRestaurantAdmin}

	_, err := f.svc.UpdateStatus(context.Background(), UpdateStatusInput{Actor: other, OrderID: order.ID, Status: enums.OrderStatusConfirmed})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))
	_, err = f.svc.UpdateStatus(context.Background(), UpdateStatusInput{Actor: f.customer, OrderID: order.ID, Status: enums.OrderStatusConfirmed})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))
}

func TestUpdateStatusCancelNeedsReason(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, f.customer)

	_, err := f.svc.UpdateStatus(context.Background(), UpdateStatusInput{Actor: f.owner, OrderID: order.ID, Status: enums.OrderStatusCancelled, Reason: "  "})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	cancelled, err := f.svc.UpdateStatus(context.Background(), UpdateStatusInput{Actor: f.owner, OrderID: order.ID, Status: enums.OrderStatusCancelled, Reason: "out of noodles"})
	require.NoError(t, err)
	require.NotNil(t, cancelled.CancellationReason)
	assert.Equal(t, "out of noodles", *cancelled.CancellationReason)
	assert.EqualValues(t, 1, f.eventCount(t, enums.EventOrderCancelled))
}

func TestUpdateStatusReportsTransitionBeforeMissingReason(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, f.customer)
	_, err := f.svc.ApplyPaymentResult(context.Background(), ApplyPaymentInput{Actor: f.service, OrderID: order.ID, ApplyPaymentRequest: ApplyPaymentRequest{Result: PaymentResultPaid}})
	require.NoError(t, err)
	f.setStatus(t, order.ID, f.owner, enums.OrderStatusPreparing)

	_, err = f.svc.UpdateStatus(context.Background(), UpdateStatusInput{Actor: f.owner, OrderID: order.ID, Status: enums.OrderStatusCancelled})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidTransition))
	details := pkgerrors.As(err).Details().(TransitionDetails)
	assert.Equal(t, enums.OrderStatusPreparing, details.Current)
	assert.Equal(t, enums.OrderStatusCancelled, details.Attempted)
	assert.Equal(t, []enums.OrderStatus{enums.OrderStatusReadyForPickup}, details.Allowed)
}

func TestPaidResultLeavesCancelledOrderUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t, f.customer)
	_, err := f.svc.CancelOrder(ctx, CancelOrderInput{Actor: f.customer, OrderID: order.ID})
	require.NoError(t, err)

	got, err := f.svc.ApplyPaymentResult(ctx, ApplyPaymentInput{Actor: f.service, OrderID: order.ID, ApplyPaymentRequest: ApplyPaymentRequest{Result: PaymentResultPaid}})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCancelled, got.Status)
	assert.Equal(t, enums.OrderPaymentStatusPending, got.PaymentStatus)

	var stored models.Order
	require.NoError(t, f.conn.First(&stored, "id = ?", order.ID).Error)
	assert.Equal(t, enums.OrderPaymentStatusPending, stored.PaymentStatus)
	assert.Zero(t, f.eventCount(t, enums.EventOrderStatusChanged))

	refunded, err := f.svc.ApplyPaymentResult(ctx, ApplyPaymentInput{Actor: f.service, OrderID: order.ID, ApplyPaymentRequest: ApplyPaymentRequest{Result: PaymentResultRefunded}})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderPaymentStatusRefunded, refunded.PaymentStatus)
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t, f.customer)

	confirmed, err := f.svc.ApplyPaymentResult(ctx, ApplyPaymentInput{Actor: f.service, OrderID: order.ID, ApplyPaymentRequest: ApplyPaymentRequest{Result: PaymentResultPaid}})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusConfirmed, confirmed.Status)
	assert.Equal(t, enums.OrderPaymentStatusPaid, confirmed.PaymentStatus)

	f.setStatus(t, order.ID, f.owner, enums.OrderStatusPreparing)
	f.setStatus(t, order.ID, f.owner, enums.OrderStatusReadyForPickup)
	f.setStatus(t, order.ID, f.service, enums.OrderStatusOutForDelivery)
	delivered, err := f.svc.UpdateStatus(ctx, UpdateStatusInput{Actor: f.service, OrderID: order.ID, Status: enums.OrderStatusDelivered})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusDelivered, delivered.Status)
	require.NotNil(t, delivered.DeliveredAt)

	history, err := f.svc.History(ctx, f.owner, order.ID)
	require.NoError(t, err)
	assert.Len(t, history, 6)
	assert.Len(t, f.metrics.transitions, 5)
	assert.EqualValues(t, 5, f.eventCount(t, enums.EventOrderStatusChanged))

	_, err = f.svc.UpdateStatus(ctx, UpdateStatusInput{Actor: f.owner, OrderID: order.ID, Status: enums.OrderStatusCancelled, Reason: "late"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidTransition))
	_, err = f.svc.CancelOrder(ctx, CancelOrderInput{Actor: f.customer, OrderID: order.ID})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}

func TestCancelOrderWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t, f.customer)
	_, err := f.svc.ApplyPaymentResult(ctx, ApplyPaymentInput{Actor: f.service, OrderID: order.ID, ApplyPaymentRequest: ApplyPaymentRequest{Result: PaymentResultPaid}})
	require.NoError(t, err)
	f.setStatus(t, order.ID, f.owner, enums.OrderStatusPreparing)

	_, err = f.svc.CancelOrder(ctx, CancelOrderInput{Actor: f.customer, OrderID: order.ID})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
	details := pkgerrors.As(err).Details().(map[string]any)
	assert.Equal(t, enums.OrderStatusPreparing, details["current"])

	stored, err := f.svc.GetOrder(ctx, f.customer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPreparing, stored.Status)
}

func TestCancelOrderDefaultsReasonByRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := f.createOrder(t, f.customer)
	cancelled, err := f.svc.CancelOrder(ctx, CancelOrderInput{Actor: f.customer, OrderID: first.ID})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, defaultCustomerCancelReason, *cancelled.CancellationReason)

	second := f.createOrder(t, f.customer)
	cancelled, err = f.svc.CancelOrder(ctx, CancelOrderInput{Actor: f.owner, OrderID: second.ID})
	require.NoError(t, err)
	assert.Equal(t, defaultRestaurantCancelReason, *cancelled.CancellationReason)

	third := f.createOrder(t, f.customer)
	stranger := pkgAuth.Actor{UserID: uuid.New(), Role: enums.RoleCustomer}
	_, err = f.svc.CancelOrder(ctx, CancelOrderInput{Actor: stranger, OrderID: third.ID})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))
}

func TestGetOrderScopedToOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t, f.customer)
	other := pkgAuth.Actor{UserID: uuid.New(), Role: enums.RoleCustomer}

	_, err := f.svc.GetOrder(ctx, other, order.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))

	_, err = f.svc.GetOrder(ctx, pkgAuth.Actor{UserID: uuid.New(), Role: enums.RoleRestaurantAdmin}, order.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))

	_, err = f.svc.GetOrder(ctx, f.owner, order.ID)
	assert.NoError(t, err)
	_, err = f.svc.GetOrder(ctx, pkgAuth.Actor{UserID: uuid.New(), Role: enums.RoleDeliveryPerson}, order.ID)
	assert.NoError(t, err)

	_, err = f.svc.GetOrder(ctx, f.customer, uuid.New())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestApplyPaymentResultIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t, f.customer)
	paid := ApplyPaymentInput{Actor: f.service, OrderID: order.ID, ApplyPaymentRequest: ApplyPaymentRequest{Result: PaymentResultPaid}}

	for i := 0; i < 2; i++ {
		got, err := f.svc.ApplyPaymentResult(ctx, paid)
		require.NoError(t, err)
		assert.Equal(t, enums.OrderStatusConfirmed, got.Status)
	}
	history, err := f.svc.History(ctx, f.customer, order.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	late, err := f.svc.ApplyPaymentResult(ctx, ApplyPaymentInput{Actor: f.service, OrderID: order.ID, ApplyPaymentRequest: ApplyPaymentRequest{Result: PaymentResultFailed}})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderPaymentStatusPaid, late.PaymentStatus)

	refunded, err := f.svc.ApplyPaymentResult(ctx, ApplyPaymentInput{Actor: f.service, OrderID: order.ID, ApplyPaymentRequest: ApplyPaymentRequest{Result: PaymentResultRefunded}})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderPaymentStatusRefunded, refunded.PaymentStatus)
	assert.Equal(t, enums.OrderStatusConfirmed, refunded.Status)
}

func TestApplyPaymentResultFailedKeepsOrderPending(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, f.customer)

	got, err := f.svc.ApplyPaymentResult(context.Background(), ApplyPaymentInput{Actor: f.service, OrderID: order.ID, ApplyPaymentRequest: ApplyPaymentRequest{Result: PaymentResultFailed}})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPending, got.Status)
	assert.Equal(t, enums.OrderPaymentStatusFailed, got.PaymentStatus)

	_, err = f.svc.ApplyPaymentResult(context.Background(), ApplyPaymentInput{Actor: f.customer, OrderID: order.ID, ApplyPaymentRequest: ApplyPaymentRequest{Result: PaymentResultPaid}})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))
}

func TestListOrdersScopesByRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	other := pkgAuth.Actor{UserID: uuid.New(), Role: enums.RoleCustomer}
	f.createOrder(t, f.customer)
	time.Sleep(2 * time.Millisecond)
	f.createOrder(t, f.customer)
	time.Sleep(2 * time.Millisecond)
	f.createOrder(t, other)

	mine, err := f.svc.ListOrders(ctx, ListOrdersInput{Actor: f.customer})
	require.NoError(t, err)
	assert.Len(t, mine.Items, 2)

	restaurant, err := f.svc.ListOrders(ctx, ListOrdersInput{Actor: f.owner, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, restaurant.Items, 2)
	assert.NotEmpty(t, restaurant.NextCursor)

	pending := enums.OrderStatusPending
	filtered, err := f.svc.ListOrders(ctx, ListOrdersInput{Actor: f.owner, Status: &pending})
	require.NoError(t, err)
	assert.Len(t, filtered.Items, 3)

	_, err = f.svc.ListOrders(ctx, ListOrdersInput{Actor: pkgAuth.Actor{UserID: uuid.New(), Role: enums.RoleDeliveryPerson}})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceParams{})
	assert.EqualError(t, err, "orders repository required")
}
