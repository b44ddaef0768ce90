package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verify-service/internal/config"
)

func testIssuer(secret string) *Issuer {
	return NewIssuer(&config.Config{
		Verification: config.VerificationConfig{
			TokenSecret: secret,
			TokenIssuer: "verify-service",
			TokenTTL:    15 * time.Minute,
		},
	})
}

func TestMintAndParse(t *testing.T) {
	issuer := testIssuer("test-secret")
	now := time.Now()

	signed, err := issuer.Mint("+14155552671", "d3b07384-d9a7-4f2a-8f5b-000000000001", now)
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	claims, err := issuer.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "+14155552671", claims.PhoneNumber)
	assert.Equal(t, "d3b07384-d9a7-4f2a-8f5b-000000000001", claims.VerificationID)
	assert.Equal(t, "verify-service", claims.Issuer)
	assert.Equal(t, "+14155552671", claims.Subject)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, now.Add(15*time.Minute), claims.ExpiresAt.Time, time.Second)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	signed, err := testIssuer("secret-a").Mint("+14155552671", "some-id", time.Now())
	require.NoError(t, err)

	_, err = testIssuer("secret-b").Parse(signed)
	assert.Error(t, err)
}

func TestParseRejectsExpired(t *testing.T) {
	issuer := testIssuer("test-secret")

	signed, err := issuer.Mint("+14155552671", "some-id", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	_, err = issuer.Parse(signed)
	assert.Error(t, err)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := testIssuer("test-secret").Parse("not.a.token")
	assert.Error(t, err)
}
