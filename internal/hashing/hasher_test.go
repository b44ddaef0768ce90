package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verify-service/internal/config"
)

func testHasher() *Hasher {
	return NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Pepper:        "test-pepper",
			PepperVersion: 2,
			MemoryKB:      8 * 1024,
			Iterations:    1,
			Parallelism:   1,
		},
	})
}

func TestHashCodeRoundTrip(t *testing.T) {
	h := testHasher()

	encoded, err := h.HashCode("482913")
	require.NoError(t, err)

	parts := strings.Split(encoded, "$")
	require.Len(t, parts, 4)
	assert.Equal(t, "argon2id", parts[0])
	assert.Equal(t, "2", parts[1])
	assert.NotContains(t, encoded, "482913")

	match, err := h.VerifyCode("482913", encoded)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = h.VerifyCode("482914", encoded)
	require.NoError(t, err)
	assert.False(t, match)
}

func TestHashCodeSaltsDiffer(t *testing.T) {
	h := testHasher()

	first, err := h.HashCode("000000")
	require.NoError(t, err)
	second, err := h.HashCode("000000")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestVerifyCodeOldPepper(t *testing.T) {
	old := NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Pepper:        "retired-pepper",
			PepperVersion: 1,
			MemoryKB:      8 * 1024,
			Iterations:    1,
			Parallelism:   1,
		},
	})
	encoded, err := old.HashCode("271828")
	require.NoError(t, err)

	rotated := testHasher()

	_, err = rotated.VerifyCode("271828", encoded)
	assert.ErrorIs(t, err, ErrUnknownPepper)

	rotated.AddOldPepper(1, "retired-pepper")
	match, err := rotated.VerifyCode("271828", encoded)
	require.NoError(t, err)
	assert.True(t, match)
}

func TestVerifyCodeMalformedHash(t *testing.T) {
	h := testHasher()

	_, err := h.VerifyCode("123456", "not-an-encoded-hash")
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = h.VerifyCode("123456", "bcrypt$2$c2FsdA$aGFzaA")
	assert.ErrorIs(t, err, ErrWrongAlgorithm)

	_, err = h.VerifyCode("123456", "argon2id$x$c2FsdA$aGFzaA")
	assert.ErrorIs(t, err, ErrInvalidHash)
}
