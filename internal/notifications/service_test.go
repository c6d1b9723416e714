package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	pkgAuth "github.com/angelmondragon/grubhaul-backend/pkg/auth"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/dbtest"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox/payloads"
)

type stubChannel struct {
	name enums.NotificationChannel
	err  error
	sent []uuid.UUID
}

func (s *stubChannel) Name() enums.NotificationChannel { return s.name }

func (s *stubChannel) Send(ctx context.Context, n *models.Notification) error {
	s.sent = append(s.sent, n.UserID)
	return s.err
}

type attempt struct{ channel, status string }

type stubAttempts struct {
	recorded []attempt
}

func (s *stubAttempts) NotificationAttempt(channel, status string) {
	s.recorded = append(s.recorded, attempt{channel: channel, status: status})
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "notifications-test", Output: io.Discard})
}

type dispatchFixture struct {
	dispatcher *Dispatcher
	conn       *gorm.DB
	inApp      *stubChannel
	email      *stubChannel
	sms        *stubChannel
	metrics    *stubAttempts
	now        time.Time
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	conn := dbtest.Open(t)
	f := &dispatchFixture{
		conn:    conn,
		inApp:   &stubChannel{name: enums.NotificationChannelInApp},
		email:   &stubChannel{name: enums.NotificationChannelEmail, err: errors.New("smtp relay down")},
		sms:     &stubChannel{name: enums.NotificationChannelSMS, err: ErrChannelDisabled},
		metrics: &stubAttempts{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	d, err := NewDispatcher(DispatcherParams{
		Repo:     NewRepository(conn),
		Channels: []Channel{f.inApp, f.email, f.sms},
		Metrics:  f.metrics,
		Logger:   testLogger(),
		Now:      func() time.Time { return f.now },
	})
	require.NoError(t, err)
	f.dispatcher = d
	return f
}

func paymentEnvelope(t *testing.T, eventID uuid.UUID, customer, owner uuid.UUID) outbox.PayloadEnvelope {
	t.Helper()
	return outbox.PayloadEnvelope{
		Version: 1,
		EventID: eventID.String(),
		Data: raw(t, payloads.PaymentEvent{
			PaymentID:         uuid.New(),
			OrderID:           uuid.New(),
			CustomerID:        customer,
			RestaurantOwnerID: owner,
			Amount:            decimal.RequireFromString("22.97"),
			Currency:          "usd",
			Status:            enums.PaymentStatusCompleted,
		}),
	}
}

func TestDispatchPersistsAndRecordsEveryChannel(t *testing.T) {
	f := newDispatchFixture(t)
	customer, owner := uuid.New(), uuid.New()

	created, err := f.dispatcher.Dispatch(context.Background(), enums.EventPaymentSucceeded, paymentEnvelope(t, uuid.New(), customer, owner))
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	var rows []models.Notification
	require.NoError(t, f.conn.Order("user_id").Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, f.now.Add(defaultRetention), row.ExpiresAt.UTC())
		require.Len(t, row.Channels, 3)
		assert.Equal(t, enums.ChannelAttemptSent, row.Channels[0].Status)
		assert.Equal(t, enums.ChannelAttemptFailed, row.Channels[1].Status)
		assert.Equal(t, "smtp relay down", row.Channels[1].Error)
		assert.Equal(t, enums.ChannelAttemptSkipped, row.Channels[2].Status)
	}
	assert.ElementsMatch(t, []uuid.UUID{customer, owner}, f.inApp.sent)
	assert.Len(t, f.metrics.recorded, 6)
	assert.Contains(t, f.metrics.recorded, attempt{channel: "email", status: "failed"})
}

func TestDispatchSkipsRedeliveredEvent(t *testing.T) {
	f := newDispatchFixture(t)
	envelope := paymentEnvelope(t, uuid.New(), uuid.New(), uuid.New())

	_, err := f.dispatcher.Dispatch(context.Background(), enums.EventPaymentSucceeded, envelope)
	require.NoError(t, err)
	created, err := f.dispatcher.Dispatch(context.Background(), enums.EventPaymentSucceeded, envelope)
	require.NoError(t, err)

	assert.Zero(t, created)
	var count int64
	require.NoError(t, f.conn.Model(&models.Notification{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
	assert.Len(t, f.inApp.sent, 2, "duplicates are not re-sent")
}

type flakyRepo struct {
	Repository
	calls  int
	failOn int
}

func (r *flakyRepo) CreateIfAbsent(ctx context.Context, n *models.Notification) (bool, error) {
	r.calls++
	if r.calls == r.failOn {
		return false, errors.New("connection reset")
	}
	return r.Repository.CreateIfAbsent(ctx, n)
}

func TestDispatchRedeliveryDeliversRowsStoredByFailedAttempt(t *testing.T) {
	f := newDispatchFixture(t)
	repo := &flakyRepo{Repository: NewRepository(f.conn), failOn: 2}
	f.dispatcher.repo = repo
	customer, owner := uuid.New(), uuid.New()
	envelope := paymentEnvelope(t, uuid.New(), customer, owner)

	_, err := f.dispatcher.Dispatch(context.Background(), enums.EventPaymentSucceeded, envelope)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsRetryable(err))
	assert.Empty(t, f.inApp.sent)

	created, err := f.dispatcher.Dispatch(context.Background(), enums.EventPaymentSucceeded, envelope)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.ElementsMatch(t, []uuid.UUID{customer, owner}, f.inApp.sent)

	var rows []models.Notification
	require.NoError(t, f.conn.Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Len(t, row.Channels, 3, "user %s", row.UserID)
	}

	_, err = f.dispatcher.Dispatch(context.Background(), enums.EventPaymentSucceeded, envelope)
	require.NoError(t, err)
	assert.Len(t, f.inApp.sent, 2, "delivered rows are not re-sent")
}

func TestDispatchRejectsMalformedPayload(t *testing.T) {
	f := newDispatchFixture(t)

	_, err := f.dispatcher.Dispatch(context.Background(), enums.EventOrderCreated, outbox.PayloadEnvelope{
		EventID: uuid.NewString(),
		Data:    json.RawMessage(`[1,2]`),
	})
	require.Error(t, err)
	assert.False(t, pkgerrors.IsRetryable(err))
}

type serviceFixture struct {
	svc  Service
	conn *gorm.DB
	repo Repository
	user pkgAuth.Actor
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	client := dbtest.Client(t)
	logg := testLogger()
	repo := NewRepository(client.DB())
	svc, err := NewService(ServiceParams{
		Repo:   repo,
		Tx:     client,
		Outbox: outbox.NewService(outbox.NewRepository(client.DB()), logg),
		Logger: logg,
	})
	require.NoError(t, err)
	return &serviceFixture{
		svc:  svc,
		conn: client.DB(),
		repo: repo,
		user: pkgAuth.Actor{UserID: uuid.New(), Role: enums.RoleCustomer},
	}
}

func (f *serviceFixture) seed(t *testing.T, userID uuid.UUID, at time.Time, read bool) models.Notification {
	t.Helper()
	row := models.Notification{
		UserID:    userID,
		Type:      enums.NotificationTypeOrderStatusUpdate,
		Title:     "Order update",
		Message:   "Your order is on its way.",
		ExpiresAt: at.Add(defaultRetention),
		CreatedAt: at,
	}
	if read {
		row.ReadAt = &at
	}
	_, err := f.repo.CreateIfAbsent(context.Background(), &row)
	require.NoError(t, err)
	return row
}

func TestListPagesNewestFirst(t *testing.T) {
	f := newServiceFixture(t)
	base := time.Now().UTC().Add(-time.Hour)
	oldest := f.seed(t, f.user.UserID, base, false)
	middle := f.seed(t, f.user.UserID, base.Add(time.Minute), true)
	newest := f.seed(t, f.user.UserID, base.Add(2*time.Minute), false)
	f.seed(t, uuid.New(), base, false)

	first, err := f.svc.List(context.Background(), ListInput{Actor: f.user, Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.Equal(t, newest.ID, first.Items[0].ID)
	assert.Equal(t, middle.ID, first.Items[1].ID)
	assert.True(t, first.Items[1].Read)
	require.NotEmpty(t, first.NextCursor)

	second, err := f.svc.List(context.Background(), ListInput{Actor: f.user, Limit: 2, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Equal(t, oldest.ID, second.Items[0].ID)
	assert.Empty(t, second.NextCursor)

	unread, err := f.svc.List(context.Background(), ListInput{Actor: f.user, UnreadOnly: true})
	require.NoError(t, err)
	assert.Len(t, unread.Items, 2)

	_, err = f.svc.List(context.Background(), ListInput{Actor: f.user, Cursor: "%%%"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestMarkReadScopedToOwner(t *testing.T) {
	f := newServiceFixture(t)
	row := f.seed(t, f.user.UserID, time.Now().UTC(), false)
	ctx := context.Background()

	err := f.svc.MarkRead(ctx, pkgAuth.Actor{UserID: uuid.New(), Role: enums.RoleCustomer}, row.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	require.NoError(t, f.svc.MarkRead(ctx, f.user, row.ID))
	require.NoError(t, f.svc.MarkRead(ctx, f.user, row.ID), "marking twice is fine")

	var stored models.Notification
	require.NoError(t, f.conn.First(&stored, "id = ?", row.ID).Error)
	assert.NotNil(t, stored.ReadAt)
}

func TestMarkAllReadAndDelete(t *testing.T) {
	f := newServiceFixture(t)
	now := time.Now().UTC()
	a := f.seed(t, f.user.UserID, now, false)
	f.seed(t, f.user.UserID, now.Add(time.Second), false)
	f.seed(t, f.user.UserID, now.Add(2*time.Second), true)
	ctx := context.Background()

	count, err := f.svc.MarkAllRead(ctx, f.user)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	require.NoError(t, f.svc.Delete(ctx, f.user, a.ID))
	err = f.svc.Delete(ctx, f.user, a.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	_, err = f.svc.MarkAllRead(ctx, pkgAuth.Actor{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized))
}

func TestDeleteExpiredIgnoresReadState(t *testing.T) {
	f := newServiceFixture(t)
	past := time.Now().UTC().Add(-40 * 24 * time.Hour)
	f.seed(t, f.user.UserID, past, false)
	f.seed(t, f.user.UserID, past.Add(time.Second), true)
	fresh := f.seed(t, f.user.UserID, time.Now().UTC(), false)

	deleted, err := f.repo.DeleteExpired(context.Background(), nil, time.Now().UTC())
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	var remaining []models.Notification
	require.NoError(t, f.conn.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, fresh.ID, remaining[0].ID)
}

func TestAcceptEventQueuesOutboxRow(t *testing.T) {
	f := newServiceFixture(t)
	service := pkgAuth.Actor{Role: enums.RoleService}
	paymentID := uuid.New()
	payload := raw(t, payloads.PaymentEvent{PaymentID: paymentID, CustomerID: uuid.New(), Amount: decimal.RequireFromString("5")})

	err := f.svc.AcceptEvent(context.Background(), service, EventRequest{
		Type:        enums.EventPaymentFailed,
		AggregateID: paymentID,
		Payload:     payload,
	})
	require.NoError(t, err)

	var rows []models.OutboxEvent
	require.NoError(t, f.conn.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, enums.EventPaymentFailed, rows[0].EventType)
	assert.Equal(t, enums.AggregatePayment, rows[0].AggregateType)
	envelope, err := outbox.DecodeEnvelope(rows[0].Payload)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(envelope.Data))
}

func TestAcceptEventValidation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	service := pkgAuth.Actor{Role: enums.RoleService}

	err := f.svc.AcceptEvent(ctx, f.user, EventRequest{Type: enums.EventPaymentFailed, AggregateID: uuid.New(), Payload: json.RawMessage(`{}`)})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))

	err = f.svc.AcceptEvent(ctx, service, EventRequest{Type: "menu_updated", AggregateID: uuid.New(), Payload: json.RawMessage(`{}`)})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	err = f.svc.AcceptEvent(ctx, service, EventRequest{Type: enums.EventPaymentFailed, Payload: json.RawMessage(`{}`)})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	err = f.svc.AcceptEvent(ctx, service, EventRequest{Type: enums.EventPaymentFailed, AggregateID: uuid.New(), Payload: json.RawMessage(`[`)})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	var count int64
	require.NoError(t, f.conn.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

type stubDispatcher struct {
	calls int
	err   error
}

func (s *stubDispatcher) Dispatch(ctx context.Context, eventType enums.OutboxEventType, envelope outbox.PayloadEnvelope) (int, error) {
	s.calls++
	return 1, s.err
}

type memoryGuard struct {
	seen    map[string]bool
	marks   int
	err     error
	markErr error
}

func (g *memoryGuard) IsProcessedKey(ctx context.Context, consumer, id string) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	return g.seen[consumer+":"+id], nil
}

func (g *memoryGuard) MarkKey(ctx context.Context, consumer, id string) error {
	if g.markErr != nil {
		return g.markErr
	}
	g.marks++
	g.seen[consumer+":"+id] = true
	return nil
}

func TestConsumerAckSemantics(t *testing.T) {
	d := &stubDispatcher{}
	guard := &memoryGuard{seen: map[string]bool{}}
	c := &Consumer{name: "payment-notifications", dispatcher: d, idempotency: guard, logg: testLogger()}
	ctx := context.Background()
	body, err := json.Marshal(paymentEnvelope(t, uuid.New(), uuid.New(), uuid.New()))
	require.NoError(t, err)

	assert.True(t, c.process(ctx, "m1", string(enums.EventPaymentSucceeded), body))
	assert.Equal(t, 1, d.calls)

	assert.True(t, c.process(ctx, "m1", string(enums.EventPaymentSucceeded), body), "duplicate is acked")
	assert.Equal(t, 1, d.calls)

	assert.True(t, c.process(ctx, "m2", "menu_updated", body))
	assert.True(t, c.process(ctx, "m3", string(enums.EventPaymentSucceeded), []byte("{")))
	assert.Equal(t, 1, d.calls)
}

func TestConsumerNacksTransientFailures(t *testing.T) {
	d := &stubDispatcher{err: pkgerrors.New(pkgerrors.CodeDependency, "db down")}
	guard := &memoryGuard{seen: map[string]bool{}}
	c := &Consumer{name: "order-notifications", dispatcher: d, idempotency: guard, logg: testLogger()}
	body, err := json.Marshal(paymentEnvelope(t, uuid.New(), uuid.New(), uuid.New()))
	require.NoError(t, err)

	assert.False(t, c.process(context.Background(), "m1", string(enums.EventPaymentSucceeded), body))
	assert.Zero(t, guard.marks, "failed fan-out must leave the event unmarked")
	assert.Empty(t, guard.seen)

	// Redelivery after the outage reaches the dispatcher again.
	d.err = nil
	assert.True(t, c.process(context.Background(), "m1", string(enums.EventPaymentSucceeded), body))
	assert.Equal(t, 2, d.calls)
	assert.Equal(t, 1, guard.marks)
	guard.seen = map[string]bool{}

	d.err = pkgerrors.New(pkgerrors.CodeValidation, "bad payload")
	assert.True(t, c.process(context.Background(), "m1", string(enums.EventPaymentSucceeded), body))

	guard.err = errors.New("redis down")
	assert.False(t, c.process(context.Background(), "m2", string(enums.EventPaymentSucceeded), body))
}

func TestConsumerAcksWhenMarkFails(t *testing.T) {
	d := &stubDispatcher{}
	guard := &memoryGuard{seen: map[string]bool{}, markErr: errors.New("redis timeout")}
	c := &Consumer{name: "payment-notifications", dispatcher: d, idempotency: guard, logg: testLogger()}
	body, err := json.Marshal(paymentEnvelope(t, uuid.New(), uuid.New(), uuid.New()))
	require.NoError(t, err)

	assert.True(t, c.process(context.Background(), "m1", string(enums.EventPaymentSucceeded), body))
	assert.Equal(t, 1, d.calls)
	assert.Empty(t, guard.seen)
}
