package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/grubhaul-backend/pkg/config"
	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
	"github.com/angelmondragon/grubhaul-backend/pkg/metrics"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox/registry"
)

const (
	defaultBatchSize    = 50
	defaultPollInterval = 500 * time.Millisecond
	defaultMaxAttempts  = 10
	publishTimeout      = 15 * time.Second
	maxErrorBackoff     = 10 * time.Second
	jitterWindow        = 250 * time.Millisecond
)

var (
	jitterSource   = rand.New(rand.NewSource(time.Now().UnixNano()))
	errNoPublisher = errors.New("no publisher for topic")
)

// outcome is what happened to one outbox row in a batch. The values double
// as the result label on outbox_events_total.
type outcome string

const (
	outcomePublished    outcome = "published"
	outcomeRetry        outcome = "failed"
	outcomeDeadLettered outcome = "dead_lettered"
	// outcomeDeferred rows were left untouched because an earlier event of the
	// same aggregate failed in this batch.
	outcomeDeferred outcome = "deferred"
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type outboxRepository interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
	ResumePublish(orderingKey string)
	Stop()
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type ServiceParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	DB            dbClient
	PubSub        pubSubClient
	Repository    outboxRepository
	Registry      registryResolver
	DLQRepository dlqRepository
	Metrics       *metrics.WorkflowMetrics
	// OpenPublisher overrides how a topic publisher is created. Tests use it;
	// production opens ordered Pub/Sub publishers.
	OpenPublisher func(topic string) publisher
	Now           func() time.Time
}

// Service drains the transactional outbox into the order, payment and
// delivery topics.
type Service struct {
	logg         *logger.Logger
	db           dbClient
	repo         outboxRepository
	pubsub       pubSubClient
	registry     registryResolver
	dlq          dlqRepository
	router       *topicRouter
	metrics      *metrics.WorkflowMetrics
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
	now          func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Config == nil:
		return nil, errors.New("config is required")
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	case params.DB == nil:
		return nil, errors.New("database client is required")
	case params.PubSub == nil:
		return nil, errors.New("pubsub client is required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository is required")
	case params.Registry == nil:
		return nil, errors.New("event registry is required")
	case params.DLQRepository == nil:
		return nil, errors.New("dlq repository is required")
	}

	open := params.OpenPublisher
	if open == nil {
		open = orderedPublisher(params.PubSub)
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}

	cfg := params.Config.Outbox
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	poll := time.Duration(cfg.PollIntervalMS) * time.Millisecond
	if poll <= 0 {
		poll = defaultPollInterval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Service{
		logg:         params.Logger,
		db:           params.DB,
		repo:         params.Repository,
		pubsub:       params.PubSub,
		registry:     params.Registry,
		dlq:          params.DLQRepository,
		router:       newTopicRouter(open),
		metrics:      params.Metrics,
		batchSize:    batch,
		maxAttempts:  maxAttempts,
		pollInterval: poll,
		now:          now,
	}, nil
}

// Run polls until ctx is canceled. Full batches are drained back to back;
// batch errors back off exponentially up to maxErrorBackoff.
func (s *Service) Run(ctx context.Context) error {
	for name, ping := range map[string]func(context.Context) error{"database": s.db.Ping, "pubsub": s.pubsub.Ping} {
		if err := ping(ctx); err != nil {
			s.logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
			return fmt.Errorf("%s ping failed: %w", name, err)
		}
	}
	defer s.router.stop()

	wait := s.pollInterval
	for {
		if err := ctx.Err(); err != nil {
			s.logg.Info(ctx, "outbox publisher context canceled")
			return err
		}

		summary, err := s.drainBatch(ctx)
		if summary.total() > 0 {
			s.logg.Info(s.logg.WithFields(ctx, summary.fields()), "outbox batch drained")
		}
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox publisher batch error", err)
			wait = min(wait*2, maxErrorBackoff)
		case summary.total() >= s.batchSize:
			wait = s.pollInterval
			continue
		default:
			wait = s.pollInterval
		}

		if err := sleep(ctx, wait+jitter()); err != nil {
			return err
		}
	}
}

// Drain publishes batches until one comes back short or publishes nothing,
// then returns what it did. Used for one-shot runs after an incident.
func (s *Service) Drain(ctx context.Context) (batchSummary, error) {
	defer s.router.stop()
	all := batchSummary{}
	for {
		summary, err := s.drainBatch(ctx)
		all.merge(summary)
		if err != nil {
			return all, err
		}
		// Failed rows stay in the backlog; leave them to the polling loop's backoff.
		if summary.total() < s.batchSize || summary.count(outcomePublished) == 0 {
			return all, nil
		}
	}
}

// drainBatch publishes one locked batch inside a transaction. Once an event of
// an aggregate fails, later events of that aggregate wait for the next batch
// so consumers see an order's events in insert order.
func (s *Service) drainBatch(ctx context.Context) (batchSummary, error) {
	summary := batchSummary{}
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := s.repo.FetchUnpublishedForPublish(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return fmt.Errorf("fetch outbox batch: %w", err)
		}
		blocked := map[uuid.UUID]bool{}
		for _, event := range events {
			if blocked[event.AggregateID] {
				summary.add(event.AggregateType, outcomeDeferred)
				continue
			}
			result, err := s.handleEvent(ctx, tx, event)
			if err != nil {
				return err
			}
			if result == outcomeRetry {
				blocked[event.AggregateID] = true
			}
			summary.add(event.AggregateType, result)
		}
		return nil
	})
	return summary, err
}

func (s *Service) handleEvent(ctx context.Context, tx *gorm.DB, event models.OutboxEvent) (outcome, error) {
	category := string(event.AggregateType)
	resolved, err := s.registry.Resolve(event)
	if err != nil {
		return outcomeDeadLettered, s.deadLetter(ctx, tx, event, enums.OutboxDLQReasonNonRetryable, err, s.eventFields(event, nil))
	}
	fields := s.eventFields(event, resolved)

	pubErr := s.publish(ctx, event, resolved)
	if pubErr == nil {
		if err := s.repo.MarkPublishedTx(tx, event.ID); err != nil {
			return "", fmt.Errorf("mark published %s: %w", event.ID, err)
		}
		s.metrics.OutboxEvent(category, string(event.EventType), string(outcomePublished))
		if !event.CreatedAt.IsZero() {
			s.metrics.OutboxLag(category, s.now().Sub(event.CreatedAt))
		}
		s.logg.Info(s.logg.WithFields(ctx, fields), "outbox event published")
		return outcomePublished, nil
	}

	nextAttempt := event.AttemptCount + 1
	var nonRetry registry.NonRetryableError
	switch {
	case errors.Is(pubErr, errNoPublisher):
		return outcomeDeadLettered, s.deadLetter(ctx, tx, event, enums.OutboxDLQReasonNoTopic, pubErr, fields)
	case errors.As(pubErr, &nonRetry):
		return outcomeDeadLettered, s.deadLetter(ctx, tx, event, enums.OutboxDLQReasonNonRetryable, pubErr, fields)
	case nextAttempt >= s.maxAttempts:
		fields["attempt_count"] = nextAttempt
		terminalErr := fmt.Errorf("max publish attempts reached: %w", pubErr)
		return outcomeDeadLettered, s.deadLetter(ctx, tx, event, enums.OutboxDLQReasonMaxAttempts, terminalErr, fields)
	}

	fields["attempt_count"] = nextAttempt
	fields["error"] = pubErr.Error()
	s.logg.Warn(s.logg.WithFields(ctx, fields), "outbox publish failed, will retry")
	s.metrics.OutboxEvent(category, string(event.EventType), string(outcomeRetry))
	if err := s.repo.MarkFailedTx(tx, event.ID, pubErr); err != nil {
		return "", fmt.Errorf("mark failure %s: %w", event.ID, err)
	}
	return outcomeRetry, nil
}

// deadLetter copies the row into outbox_dlq and stops further attempts.
func (s *Service) deadLetter(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error, fields map[string]any) error {
	fields["error_reason"] = reason
	fields["error"] = cause.Error()
	s.logg.Warn(s.logg.WithFields(ctx, fields), "outbox event dead-lettered")
	s.metrics.OutboxEvent(string(event.AggregateType), string(event.EventType), string(outcomeDeadLettered))

	msg := cause.Error()
	entry := models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   reason,
		ErrorMessage:  &msg,
		AttemptCount:  event.AttemptCount,
		FailedAt:      s.now().UTC(),
	}
	if err := s.dlq.InsertTx(tx, entry); err != nil {
		return fmt.Errorf("insert dlq %s: %w", event.ID, err)
	}
	if err := s.repo.MarkTerminalTx(tx, event.ID, cause, s.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", event.ID, err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	topic := resolved.Descriptor.Topic
	pub, err := s.router.publisherFor(topic)
	if err != nil {
		return err
	}
	msg := buildMessage(event, resolved)

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	result := pub.Publish(publishCtx, msg)
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher returned nil for topic %s", topic))
	}
	if _, err := result.Get(publishCtx); err != nil {
		// An ordered publisher pauses the key after a failure.
		pub.ResumePublish(msg.OrderingKey)
		return err
	}
	return nil
}

// buildMessage carries the stored envelope as-is. Consumers route on the
// event_type attribute; the aggregate id keys ordering.
func buildMessage(event models.OutboxEvent, resolved *registry.ResolvedEvent) *gcppubsub.Message {
	return &gcppubsub.Message{
		Data:        event.Payload,
		OrderingKey: event.AggregateID.String(),
		Attributes: map[string]string{
			"event_id":       resolved.Envelope.EventID,
			"version":        strconv.Itoa(resolved.Envelope.Version),
			"event_type":     string(event.EventType),
			"category":       string(resolved.Descriptor.AggregateType),
			"aggregate_type": string(event.AggregateType),
			"aggregate_id":   event.AggregateID.String(),
			"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
		},
	}
}

func (s *Service) eventFields(event models.OutboxEvent, resolved *registry.ResolvedEvent) map[string]any {
	fields := map[string]any{
		"outbox_id":     event.ID.String(),
		"event_type":    event.EventType,
		"category":      event.AggregateType,
		"aggregate_id":  event.AggregateID.String(),
		"attempt_count": event.AttemptCount,
	}
	if resolved != nil {
		fields["topic"] = resolved.Descriptor.Topic
		if resolved.Envelope.EventID != "" {
			fields["event_id"] = resolved.Envelope.EventID
			fields["occurred_at"] = resolved.Envelope.OccurredAt.Format(time.RFC3339Nano)
		}
	}
	if event.LastError != nil {
		fields["last_error"] = *event.LastError
	}
	return fields
}

// batchSummary counts outcomes per workflow category for one batch.
type batchSummary map[enums.OutboxAggregateType]map[outcome]int

func (b batchSummary) add(category enums.OutboxAggregateType, o outcome) {
	if b[category] == nil {
		b[category] = map[outcome]int{}
	}
	b[category][o]++
}

func (b batchSummary) total() int {
	n := 0
	for _, byOutcome := range b {
		for _, count := range byOutcome {
			n += count
		}
	}
	return n
}

func (b batchSummary) count(o outcome) int {
	n := 0
	for _, byOutcome := range b {
		n += byOutcome[o]
	}
	return n
}

func (b batchSummary) merge(other batchSummary) {
	for category, byOutcome := range other {
		for o, count := range byOutcome {
			if b[category] == nil {
				b[category] = map[outcome]int{}
			}
			b[category][o] += count
		}
	}
}

// fields flattens the summary into log fields such as order_published=3.
func (b batchSummary) fields() map[string]any {
	out := make(map[string]any, len(b))
	for category, byOutcome := range b {
		for o, count := range byOutcome {
			out[fmt.Sprintf("%s_%s", category, o)] = count
		}
	}
	return out
}

// topicRouter keeps one publisher per topic for the life of the service. The
// publisher loop is single goroutine so no locking is needed.
type topicRouter struct {
	open       func(topic string) publisher
	publishers map[string]publisher
}

func newTopicRouter(open func(topic string) publisher) *topicRouter {
	return &topicRouter{open: open, publishers: map[string]publisher{}}
}

func (r *topicRouter) publisherFor(topic string) (publisher, error) {
	if topic == "" {
		return nil, registry.NewNonRetryableError(fmt.Errorf("%w: empty topic", errNoPublisher))
	}
	if pub, ok := r.publishers[topic]; ok {
		return pub, nil
	}
	pub := r.open(topic)
	if pub == nil {
		return nil, registry.NewNonRetryableError(fmt.Errorf("%w: %s", errNoPublisher, topic))
	}
	r.publishers[topic] = pub
	return pub, nil
}

// stop flushes and releases every publisher opened so far.
func (r *topicRouter) stop() {
	for topic, pub := range r.publishers {
		pub.Stop()
		delete(r.publishers, topic)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func jitter() time.Duration {
	return time.Duration(jitterSource.Int63n(int64(jitterWindow)))
}

func orderedPublisher(client pubSubClient) func(topic string) publisher {
	return func(topic string) publisher {
		p := client.Publisher(topic)
		if p == nil {
			return nil
		}
		p.EnableMessageOrdering = true
		return &gcpPublisher{Publisher: p}
	}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return p.Publisher.Publish(ctx, msg)
}
