package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/grubhaul-backend/pkg/config"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
	"github.com/angelmondragon/grubhaul-backend/pkg/metrics"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox/registry"
)

func TestDrainBatchContinuesAfterFailure(t *testing.T) {
	repo := &fakeRepo{
		events: []models.OutboxEvent{
			{
				ID:            uuid.New(),
				EventType:     enums.EventOrderCreated,
				AggregateType: enums.AggregateOrder,
				AggregateID:   uuid.New(),
				Payload:       mustEnvelopePayload(t, "event-one"),
			},
			{
				ID:            uuid.New(),
				EventType:     enums.EventOrderCreated,
				AggregateType: enums.AggregateOrder,
				AggregateID:   uuid.New(),
				Payload:       mustEnvelopePayload(t, "event-two"),
			},
		},
	}
	pub := &fakePublisher{
		results: []publishResult{
			fakePublishResult{err: errors.New("transient")},
			fakePublishResult{},
		},
	}
	resolved := &registry.ResolvedEvent{
		Descriptor: registry.EventDescriptor{
			Topic:         "orders-topic",
			AggregateType: enums.AggregateOrder,
		},
		Envelope: outbox.PayloadEnvelope{
			EventID:    uuid.NewString(),
			OccurredAt: time.Now(),
		},
		Payload: &payloads.OrderCreatedEvent{},
	}
	eventRegistry := &fakeRegistry{resolved: resolved}
	dlqRepo := &fakeDLQRepo{}
	service := newTestService(t, repo, pub, eventRegistry, dlqRepo, nil)

	summary, err := service.drainBatch(context.Background())
	if err != nil {
		t.Fatalf("drain batch returned error: %v", err)
	}
	if summary.total() == 0 {
		t.Fatalf("expected batch to report handled rows")
	}
	if got := len(repo.failed); got != 1 {
		t.Fatalf("unexpected number of failed rows: %d", got)
	}
	if got := len(repo.published); got != 1 {
		t.Fatalf("unexpected number of published rows: %d", got)
	}
	if repo.failed[0] != repo.events[0].ID {
		t.Fatalf("failed row recorded wrong ID")
	}
	if repo.published[0] != repo.events[1].ID {
		t.Fatalf("published row recorded wrong ID")
	}
}

func TestPublishSetsAttributesAndOrderingKey(t *testing.T) {
	event := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventOrderStatusChanged,
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
		Payload:       mustEnvelopePayload(t, "attrs"),
		CreatedAt:     time.Now(),
	}
	pub := &fakePublisher{results: []publishResult{fakePublishResult{}}}
	service := newTestService(t, &fakeRepo{}, pub, &fakeRegistry{}, &fakeDLQRepo{}, nil)
	resolved := &registry.ResolvedEvent{
		Descriptor: registry.EventDescriptor{Topic: "orders-topic", AggregateType: enums.AggregateOrder},
		Envelope:   outbox.PayloadEnvelope{EventID: "evt-1", Version: 1},
	}

	if err := service.publish(context.Background(), event, resolved); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(pub.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(pub.messages))
	}
	attrs := pub.messages[0].Attributes
	if attrs["event_type"] != "order_status_changed" || attrs["event_id"] != "evt-1" || attrs["aggregate_id"] != event.AggregateID.String() {
		t.Fatalf("unexpected attributes %#v", attrs)
	}
	if attrs["category"] != "order" || attrs["version"] != "1" {
		t.Fatalf("unexpected category or version %#v", attrs)
	}
	if pub.messages[0].OrderingKey != event.AggregateID.String() {
		t.Fatalf("expected aggregate id ordering key, got %q", pub.messages[0].OrderingKey)
	}
	if !bytes.Equal(pub.messages[0].Data, event.Payload) {
		t.Fatalf("message data should be the stored envelope")
	}
}

func TestDrainBatchDeadLettersMissingTopic(t *testing.T) {
	event := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventDeliveryAssigned,
		AggregateType: enums.AggregateDelivery,
		AggregateID:   uuid.New(),
		Payload:       mustEnvelopePayload(t, "no-topic"),
	}
	repo := &fakeRepo{events: []models.OutboxEvent{event}}
	resolved := &registry.ResolvedEvent{
		Descriptor: registry.EventDescriptor{Topic: "deliveries-topic", AggregateType: enums.AggregateDelivery},
		Payload:    &payloads.DeliveryEvent{},
	}
	dlqRepo := &fakeDLQRepo{}
	service := newTestService(t, repo, nil, &fakeRegistry{resolved: resolved}, dlqRepo, nil)
	service.router = newTopicRouter(func(string) publisher { return nil })

	if _, err := service.drainBatch(context.Background()); err != nil {
		t.Fatalf("drain batch returned error: %v", err)
	}
	if len(dlqRepo.entries) != 1 || dlqRepo.entries[0].ErrorReason != enums.OutboxDLQReasonNoTopic {
		t.Fatalf("expected no_topic dlq entry, got %#v", dlqRepo.entries)
	}
	if len(repo.published) != 0 {
		t.Fatalf("nothing should be marked published")
	}
}

func TestDrainBatchWritesDLQOnNonRetryable(t *testing.T) {
	event := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventOrderCreated,
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
		Payload:       mustEnvelopePayload(t, "nonretryable"),
	}
	repo := &fakeRepo{events: []models.OutboxEvent{event}}
	registry := &fakeRegistry{err: registry.NewNonRetryableError(errors.New("invalid payload"))}
	dlqRepo := &fakeDLQRepo{}
	service := newTestService(t, repo, &fakePublisher{}, registry, dlqRepo, nil)

	summary, err := service.drainBatch(context.Background())
	if err != nil {
		t.Fatalf("drain batch returned error: %v", err)
	}
	if summary.total() == 0 {
		t.Fatalf("expected batch to report handled rows")
	}
	if got := len(dlqRepo.entries); got != 1 {
		t.Fatalf("expected dlq entry, got %d", got)
	}
	entry := dlqRepo.entries[0]
	if entry.EventID != event.ID {
		t.Fatalf("dlq event_id mismatch: %s", entry.EventID)
	}
	if entry.Payload == nil || !bytes.Equal(entry.Payload, event.Payload) {
		t.Fatalf("dlq payload mismatch")
	}
	if entry.ErrorReason != enums.OutboxDLQReasonNonRetryable {
		t.Fatalf("unexpected error reason: %s", entry.ErrorReason)
	}
}

func TestDrainBatchWritesDLQOnMaxAttempts(t *testing.T) {
	event := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventOrderCreated,
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
		Payload:       mustEnvelopePayload(t, "max-attempts"),
		AttemptCount:  1,
	}
	repo := &fakeRepo{events: []models.OutboxEvent{event}}
	pub := &fakePublisher{
		results: []publishResult{
			fakePublishResult{err: errors.New("transient")},
		},
	}
	resolved := &registry.ResolvedEvent{
		Descriptor: registry.EventDescriptor{
			Topic:         "orders-topic",
			AggregateType: enums.AggregateOrder,
		},
		Envelope: outbox.PayloadEnvelope{
			EventID:    event.ID.String(),
			OccurredAt: time.Now(),
		},
		Payload: &payloads.OrderCreatedEvent{},
	}
	registry := &fakeRegistry{resolved: resolved}
	dlqRepo := &fakeDLQRepo{}
	service := newTestService(t, repo, pub, registry, dlqRepo, &config.OutboxConfig{
		BatchSize:      1,
		PollIntervalMS: 100,
		MaxAttempts:    2,
	})

	summary, err := service.drainBatch(context.Background())
	if err != nil {
		t.Fatalf("drain batch returned error: %v", err)
	}
	if summary.total() == 0 {
		t.Fatalf("expected batch to report handled rows")
	}
	if got := len(dlqRepo.entries); got != 1 {
		t.Fatalf("expected dlq entry, got %d", got)
	}
	entry := dlqRepo.entries[0]
	if entry.EventID != event.ID {
		t.Fatalf("dlq event_id mismatch: %s", entry.EventID)
	}
	if entry.ErrorReason != enums.OutboxDLQReasonMaxAttempts {
		t.Fatalf("unexpected error reason: %s", entry.ErrorReason)
	}
}

func newTestService(t *testing.T, repo outboxRepository, pub publisher, registry registryResolver, dlq dlqRepository, outboxCfgOverride *config.OutboxConfig) *Service {
	outboxCfg := config.OutboxConfig{
		BatchSize:      2,
		PollIntervalMS: 100,
		MaxAttempts:    5,
	}
	if outboxCfgOverride != nil {
		outboxCfg = *outboxCfgOverride
	}
	cfg := &config.Config{
		Outbox: outboxCfg,
	}
	logg := logger.New(logger.Options{
		ServiceName: "outbox-publisher-test",
		Output:      io.Discard,
	})
	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            &fakeDB{},
		PubSub:        &fakePubSubClient{},
		Repository:    repo,
		Registry:      registry,
		OpenPublisher: func(_ string) publisher { return pub },
		DLQRepository: dlq,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func mustEnvelopePayload(tb testing.TB, eventID string) json.RawMessage {
	tb.Helper()
	env := outbox.PayloadEnvelope{
		Version:    1,
		EventID:    eventID,
		OccurredAt: time.Now(),
		Data:       json.RawMessage(`{}`),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		tb.Fatalf("marshal envelope: %v", err)
	}
	return payload
}

type fakeRepo struct {
	events    []models.OutboxEvent
	published []uuid.UUID
	failed    []uuid.UUID
}

func (f *fakeRepo) FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error) {
	return f.events, nil
}

func (f *fakeRepo) MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error {
	f.published = append(f.published, id)
	return nil
}

func (f *fakeRepo) MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeRepo) MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error {
	f.failed = append(f.failed, id)
	return nil
}

type fakeDB struct{}

func (f *fakeDB) Ping(context.Context) error {
	return nil
}

func (f *fakeDB) WithTx(_ context.Context, fn func(*gorm.DB) error) error {
	return fn(nil)
}

type fakePubSubClient struct{}

func (f *fakePubSubClient) Ping(context.Context) error {
	return nil
}

func (f *fakePubSubClient) Publisher(name string) *gcppubsub.Publisher {
	return nil
}

type fakePublisher struct {
	results  []publishResult
	messages []*gcppubsub.Message
	resumed  []string
	stopped  int
}

func (f *fakePublisher) ResumePublish(key string) {
	f.resumed = append(f.resumed, key)
}

func (f *fakePublisher) Stop() {
	f.stopped++
}

func (f *fakePublisher) Publish(_ context.Context, msg *gcppubsub.Message) publishResult {
	f.messages = append(f.messages, msg)
	if len(f.results) == 0 {
		return nil
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result
}

type fakePublishResult struct {
	err error
}

func (f fakePublishResult) Get(context.Context) (string, error) {
	return "", f.err
}

type fakeRegistry struct {
	resolved *registry.ResolvedEvent
	err      error
}

func (f *fakeRegistry) Resolve(event models.OutboxEvent) (*registry.ResolvedEvent, error) {
	if f.resolved == nil {
		return nil, f.err
	}
	resolved := *f.resolved
	resolved.Descriptor.AggregateType = event.AggregateType
	resolved.Envelope.EventID = event.ID.String()
	resolved.Envelope.OccurredAt = time.Now()
	return &resolved, f.err
}

type fakeDLQRepo struct {
	entries []models.OutboxDLQ
}

func (f *fakeDLQRepo) InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error {
	f.entries = append(f.entries, entry)
	return nil
}

type topicRegistry struct{}

func (topicRegistry) Resolve(event models.OutboxEvent) (*registry.ResolvedEvent, error) {
	return &registry.ResolvedEvent{
		Descriptor: registry.EventDescriptor{
			EventType:     event.EventType,
			AggregateType: event.AggregateType,
			Topic:         "gh-" + string(event.AggregateType) + "-events",
		},
		Envelope: outbox.PayloadEnvelope{Version: 1, EventID: event.ID.String(), OccurredAt: event.CreatedAt},
	}, nil
}

func outboxRow(t *testing.T, eventType enums.OutboxEventType, aggregateID uuid.UUID) models.OutboxEvent {
	t.Helper()
	return models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     eventType,
		AggregateType: eventType.Aggregate(),
		AggregateID:   aggregateID,
		Payload:       mustEnvelopePayload(t, string(eventType)),
		CreatedAt:     time.Now().Add(-time.Second),
	}
}

func TestDrainBatchRoutesCategoriesToCachedPublishers(t *testing.T) {
	repo := &fakeRepo{events: []models.OutboxEvent{
		outboxRow(t, enums.EventOrderCreated, uuid.New()),
		outboxRow(t, enums.EventPaymentSucceeded, uuid.New()),
		outboxRow(t, enums.EventDeliveryAssigned, uuid.New()),
		outboxRow(t, enums.EventOrderStatusChanged, uuid.New()),
	}}
	publishers := map[string]*fakePublisher{}
	opened := 0
	service := newTestService(t, repo, nil, topicRegistry{}, &fakeDLQRepo{}, &config.OutboxConfig{BatchSize: 10, MaxAttempts: 5})
	service.router = newTopicRouter(func(topic string) publisher {
		opened++
		pub := &fakePublisher{results: []publishResult{fakePublishResult{}, fakePublishResult{}}}
		publishers[topic] = pub
		return pub
	})
	reg := prometheus.NewRegistry()
	service.metrics = metrics.NewWorkflowMetrics(reg)

	summary, err := service.drainBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary[enums.AggregateOrder][outcomePublished])
	assert.Equal(t, 1, summary[enums.AggregatePayment][outcomePublished])
	assert.Equal(t, 1, summary[enums.AggregateDelivery][outcomePublished])
	assert.Equal(t, 2, summary.fields()["order_published"])

	assert.Equal(t, 3, opened, "one publisher per topic")
	require.Contains(t, publishers, "gh-order-events")
	assert.Len(t, publishers["gh-order-events"].messages, 2)
	assert.Len(t, publishers["gh-payment-events"].messages, 1)
	assert.Len(t, publishers["gh-delivery-events"].messages, 1)
	assert.Len(t, repo.published, 4)

	families, err := reg.Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, family := range families {
		if family.GetName() != "outbox_events_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "category" {
					counts[label.GetValue()] += metric.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, map[string]float64{"order": 2, "payment": 1, "delivery": 1}, counts)

	service.router.stop()
	for topic, pub := range publishers {
		assert.Equal(t, 1, pub.stopped, topic)
	}
	assert.Empty(t, service.router.publishers)
}

func TestDrainBatchDefersLaterEventsOfFailedAggregate(t *testing.T) {
	orderID := uuid.New()
	created := outboxRow(t, enums.EventOrderCreated, orderID)
	changed := outboxRow(t, enums.EventOrderStatusChanged, orderID)
	other := outboxRow(t, enums.EventOrderCreated, uuid.New())
	repo := &fakeRepo{events: []models.OutboxEvent{created, changed, other}}
	pub := &fakePublisher{results: []publishResult{
		fakePublishResult{err: errors.New("deadline exceeded")},
		fakePublishResult{},
	}}
	service := newTestService(t, repo, pub, topicRegistry{}, &fakeDLQRepo{}, &config.OutboxConfig{BatchSize: 10, MaxAttempts: 5})

	summary, err := service.drainBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{created.ID}, repo.failed)
	assert.Equal(t, []uuid.UUID{other.ID}, repo.published)
	assert.Equal(t, 1, summary[enums.AggregateOrder][outcomeDeferred])
	require.Len(t, pub.messages, 2, "the status change waits for the next batch")
	assert.Equal(t, []string{orderID.String()}, pub.resumed)
}

// queueRepo hands out unpublished rows in insert order, like the real query.
type queueRepo struct {
	fakeRepo
	fetches int
}

func (q *queueRepo) FetchUnpublishedForPublish(_ *gorm.DB, limit, _ int) ([]models.OutboxEvent, error) {
	q.fetches++
	done := map[uuid.UUID]bool{}
	for _, id := range q.published {
		done[id] = true
	}
	out := make([]models.OutboxEvent, 0, limit)
	for _, event := range q.events {
		if !done[event.ID] && len(out) < limit {
			out = append(out, event)
		}
	}
	return out, nil
}

func TestDrainPublishesBacklogAcrossBatches(t *testing.T) {
	repo := &queueRepo{fakeRepo: fakeRepo{events: []models.OutboxEvent{
		outboxRow(t, enums.EventOrderCreated, uuid.New()),
		outboxRow(t, enums.EventOrderCreated, uuid.New()),
		outboxRow(t, enums.EventOrderCreated, uuid.New()),
	}}}
	pub := &fakePublisher{results: []publishResult{fakePublishResult{}, fakePublishResult{}, fakePublishResult{}}}
	service := newTestService(t, repo, pub, topicRegistry{}, &fakeDLQRepo{}, &config.OutboxConfig{BatchSize: 2, MaxAttempts: 5})

	summary, err := service.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, repo.fetches, "a short batch ends the drain")
	assert.Equal(t, 3, summary.count(outcomePublished))
	assert.Len(t, repo.published, 3)
	assert.Equal(t, 1, pub.stopped)
}

func TestDrainLeavesFailuresToThePollingLoop(t *testing.T) {
	orderID := uuid.New()
	repo := &queueRepo{fakeRepo: fakeRepo{events: []models.OutboxEvent{
		outboxRow(t, enums.EventOrderCreated, orderID),
		outboxRow(t, enums.EventOrderStatusChanged, orderID),
	}}}
	pub := &fakePublisher{results: []publishResult{
		fakePublishResult{err: errors.New("unavailable")},
		fakePublishResult{err: errors.New("unavailable")},
	}}
	service := newTestService(t, repo, pub, topicRegistry{}, &fakeDLQRepo{}, &config.OutboxConfig{BatchSize: 1, MaxAttempts: 5})

	summary, err := service.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, repo.fetches)
	assert.Equal(t, 1, summary.count(outcomeRetry))
	assert.Empty(t, repo.published)
}
