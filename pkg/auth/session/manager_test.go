package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	redislib "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/grubhaul-backend/pkg/config"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
)

type memoryStore struct {
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: map[string]string{}}
}

func (m *memoryStore) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.data[key] = fmt.Sprint(value)
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	v, ok := m.data[key]
	if !ok {
		return "", redislib.Nil
	}
	return v, nil
}

func (m *memoryStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memoryStore) AccessSessionKey(accessID string) string {
	return "session:" + accessID
}

func newTestManager(t *testing.T) (*Manager, *memoryStore) {
	t.Helper()
	store := newMemoryStore()
	mgr, err := NewManager(store, config.JWTConfig{ExpirationMinutes: 15, RefreshTokenTTLMinutes: 60})
	require.NoError(t, err)
	return mgr, store
}

func TestNewManagerRejectsShortRefreshTTL(t *testing.T) {
	_, err := NewManager(newMemoryStore(), config.JWTConfig{ExpirationMinutes: 60, RefreshTokenTTLMinutes: 30})
	require.Error(t, err)
}

func TestGenerateAndRotate(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	userID := uuid.New()

	token, err := mgr.Generate(ctx, "access-1", userID, enums.RoleCustomer)
	require.NoError(t, err)

	newID, rotated, err := mgr.Rotate(ctx, "access-1", token)
	require.NoError(t, err)
	assert.NotEqual(t, "access-1", newID)
	assert.Equal(t, userID, rotated.UserID)
	assert.Equal(t, enums.RoleCustomer, rotated.Role)
	assert.NotEqual(t, token, rotated.RefreshToken)

	_, ok := store.data["session:access-1"]
	assert.False(t, ok, "old session must be removed")

	has, err := mgr.HasSession(ctx, newID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestRotateRejectsWrongToken(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Generate(ctx, "access-1", uuid.New(), enums.RoleCustomer)
	require.NoError(t, err)

	_, _, err = mgr.Rotate(ctx, "access-1", "not-the-token")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, _, err = mgr.Rotate(ctx, "missing", "anything")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRevoke(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Generate(ctx, "access-1", uuid.New(), enums.RoleAdmin)
	require.NoError(t, err)
	require.NoError(t, mgr.Revoke(ctx, "access-1"))

	has, err := mgr.HasSession(ctx, "access-1")
	require.NoError(t, err)
	assert.False(t, has)
}
