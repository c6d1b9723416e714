package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/grubhaul-backend/pkg/config"
)

func fastConfig() config.PasswordConfig {
	return config.PasswordConfig{ArgonMemoryKB: 64, ArgonTime: 1, ArgonParallelism: 1, ArgonSaltLen: 16, ArgonKeyLen: 32}
}

func TestHashAndVerify(t *testing.T) {
	h := NewHasher(fastConfig())

	encoded, err := h.Hash("s3cret-pass")
	require.NoError(t, err)
	assert.Contains(t, encoded, "$argon2id$v=19$m=64,t=1,p=1$")

	ok, err := h.Verify("s3cret-pass", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("wrong", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, h.NeedsRehash(encoded))
}

func TestHashRejectsEmpty(t *testing.T) {
	_, err := NewHasher(fastConfig()).Hash("")
	require.Error(t, err)
}

func TestVerifyBadHash(t *testing.T) {
	h := NewHasher(fastConfig())
	for _, encoded := range []string{"", "plain", "$argon2i$v=19$m=64,t=1,p=1$c2FsdA$aGFzaA", "$argon2id$v=19$m=x$c2FsdA$aGFzaA"} {
		_, err := h.Verify("pw", encoded)
		assert.ErrorIs(t, err, ErrInvalidHash, encoded)
	}
}

func TestNeedsRehashOnParamChange(t *testing.T) {
	old := NewHasher(fastConfig())
	encoded, err := old.Hash("pw-123456")
	require.NoError(t, err)

	cfg := fastConfig()
	cfg.ArgonTime = 2
	assert.True(t, NewHasher(cfg).NeedsRehash(encoded))
}
