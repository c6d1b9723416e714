package live

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	redislib "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
)

type nopSubscriber struct{}

func (nopSubscriber) Subscribe(ctx context.Context, channels ...string) (*redislib.PubSub, error) {
	return nil, nil
}

func TestRegistryDeliversToEveryConnectionOfUser(t *testing.T) {
	reg := NewRegistry(4)
	user := uuid.New()
	a := reg.Connect(user)
	b := reg.Connect(user)
	other := reg.Connect(uuid.New())

	n := reg.Deliver(Event{UserID: user, Title: "Order update"})

	assert.Equal(t, 2, n)
	assert.Equal(t, "Order update", (<-a.Events()).Title)
	assert.Equal(t, "Order update", (<-b.Events()).Title)
	assert.Empty(t, other.Events())
}

func TestRegistryDisconnect(t *testing.T) {
	reg := NewRegistry(1)
	user := uuid.New()
	conn := reg.Connect(user)
	require.Equal(t, 1, reg.Count(user))

	reg.Disconnect(conn)
	reg.Disconnect(conn)

	assert.Zero(t, reg.Count(user))
	_, open := <-conn.Events()
	assert.False(t, open)
	assert.Zero(t, reg.Deliver(Event{UserID: user}))
}

func TestRegistryDropsWhenBufferFull(t *testing.T) {
	reg := NewRegistry(1)
	user := uuid.New()
	reg.Connect(user)

	assert.Equal(t, 1, reg.Deliver(Event{UserID: user}))
	assert.Equal(t, 0, reg.Deliver(Event{UserID: user}))
}

func TestRegistryConcurrentUse(t *testing.T) {
	reg := NewRegistry(8)
	user := uuid.New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			conn := reg.Connect(user)
			reg.Disconnect(conn)
		}()
		go func() {
			defer wg.Done()
			reg.Deliver(Event{UserID: user})
		}()
	}
	wg.Wait()
	assert.Zero(t, reg.Count(user))
}

func TestRelayForward(t *testing.T) {
	reg := NewRegistry(2)
	user := uuid.New()
	conn := reg.Connect(user)
	relay, err := NewRelay(nopSubscriber{}, "notifications:live", reg, logger.New(logger.Options{Output: io.Discard}))
	require.NoError(t, err)

	payload, err := json.Marshal(Event{UserID: user, NotificationID: uuid.New(), Message: "on its way"})
	require.NoError(t, err)

	assert.Equal(t, 1, relay.forward(t.Context(), string(payload)))
	assert.Equal(t, "on its way", (<-conn.Events()).Message)
	assert.Zero(t, relay.forward(t.Context(), "not json"))
}

func TestNewRelayValidation(t *testing.T) {
	logg := logger.New(logger.Options{Output: io.Discard})
	_, err := NewRelay(nil, "c", NewRegistry(1), logg)
	assert.Error(t, err)
	_, err = NewRelay(nopSubscriber{}, "", NewRegistry(1), logg)
	assert.Error(t, err)
	_, err = NewRelay(nopSubscriber{}, "c", nil, logg)
	assert.Error(t, err)
}
