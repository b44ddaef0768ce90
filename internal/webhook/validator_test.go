package webhook

import (
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verify-service/internal/config"
)

const testSecret = "webhook-test-secret"

func testValidator() *Validator {
	return NewValidator(&config.Config{
		Webhook: config.WebhookConfig{
			SigningSecret:   testSecret,
			FreshnessWindow: 5 * time.Minute,
			EventMaxAge:     time.Hour,
		},
	})
}

func signedBody(t *testing.T, now time.Time, body string) (timestamp, signature string) {
	t.Helper()
	timestamp = strconv.FormatInt(now.Unix(), 10)
	signature = ComputeSignature([]byte(testSecret), timestamp, []byte(body))
	return timestamp, signature
}

func deliveredBody(now time.Time) string {
	return fmt.Sprintf(`{"data":{"id":"msg-123","event_type":"message.delivered","occurred_at":%q,"payload":{"status":"delivered"}}}`,
		now.Format(time.RFC3339))
}

func TestValidateAcceptsSignedEvent(t *testing.T) {
	v := testValidator()
	now := time.Now()

	body := deliveredBody(now)
	timestamp, signature := signedBody(t, now, body)

	envelope, verr := v.Validate(timestamp, signature, []byte(body), now)
	require.Nil(t, verr)
	require.NotNil(t, envelope)
	assert.Equal(t, "msg-123", envelope.Data.ID)
	assert.Equal(t, "message.delivered", envelope.Data.EventType)
}

func TestValidateMissingHeaders(t *testing.T) {
	v := testValidator()
	now := time.Now()
	body := deliveredBody(now)
	timestamp, signature := signedBody(t, now, body)

	_, verr := v.Validate("", signature, []byte(body), now)
	require.NotNil(t, verr)
	assert.Equal(t, ReasonMissingHeaders, verr.Reason)

	_, verr = v.Validate(timestamp, "", []byte(body), now)
	require.NotNil(t, verr)
	assert.Equal(t, ReasonMissingHeaders, verr.Reason)
}

func TestValidateStaleTimestamp(t *testing.T) {
	v := testValidator()
	now := time.Now()
	body := deliveredBody(now)

	// Signed correctly, but ten minutes in the past.
	stale := now.Add(-10 * time.Minute)
	timestamp, signature := signedBody(t, stale, body)
	_, verr := v.Validate(timestamp, signature, []byte(body), now)
	require.NotNil(t, verr)
	assert.Equal(t, ReasonStaleTimestamp, verr.Reason)

	// Future timestamps beyond the window are equally stale.
	future := now.Add(10 * time.Minute)
	timestamp, signature = signedBody(t, future, body)
	_, verr = v.Validate(timestamp, signature, []byte(body), now)
	require.NotNil(t, verr)
	assert.Equal(t, ReasonStaleTimestamp, verr.Reason)

	// Not unix seconds at all.
	_, verr = v.Validate("yesterday", signature, []byte(body), now)
	require.NotNil(t, verr)
	assert.Equal(t, ReasonStaleTimestamp, verr.Reason)
}

func TestValidateBadSignature(t *testing.T) {
	v := testValidator()
	now := time.Now()
	body := deliveredBody(now)
	timestamp, _ := signedBody(t, now, body)

	wrong := ComputeSignature([]byte("other-secret"), timestamp, []byte(body))
	_, verr := v.Validate(timestamp, wrong, []byte(body), now)
	require.NotNil(t, verr)
	assert.Equal(t, ReasonBadSignature, verr.Reason)
}

func TestValidateTamperedBody(t *testing.T) {
	v := testValidator()
	now := time.Now()
	body := deliveredBody(now)
	timestamp, signature := signedBody(t, now, body)

	tampered := []byte(body[:len(body)-2] + " }")
	_, verr := v.Validate(timestamp, signature, tampered, now)
	require.NotNil(t, verr)
	assert.Equal(t, ReasonBadSignature, verr.Reason)
}

func TestValidateMalformedPayload(t *testing.T) {
	v := testValidator()
	now := time.Now()

	cases := []struct {
		name string
		body string
	}{
		{name: "not json", body: "definitely not json"},
		{name: "missing id", body: fmt.Sprintf(`{"data":{"event_type":"message.sent","occurred_at":%q}}`, now.Format(time.RFC3339))},
		{name: "missing event type", body: fmt.Sprintf(`{"data":{"id":"msg-1","occurred_at":%q}}`, now.Format(time.RFC3339))},
		{name: "missing occurred_at", body: `{"data":{"id":"msg-1","event_type":"message.sent"}}`},
		{name: "occurred_at too old", body: fmt.Sprintf(`{"data":{"id":"msg-1","event_type":"message.sent","occurred_at":%q}}`, now.Add(-2*time.Hour).Format(time.RFC3339))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			timestamp, signature := signedBody(t, now, tc.body)
			_, verr := v.Validate(timestamp, signature, []byte(tc.body), now)
			require.NotNil(t, verr)
			assert.Equal(t, ReasonMalformedPayload, verr.Reason)
		})
	}
}

func TestValidateSignatureCheckedBeforePayload(t *testing.T) {
	v := testValidator()
	now := time.Now()

	// Malformed body with a bad signature must report the signature, so
	// unauthenticated callers learn nothing about payload handling.
	body := "definitely not json"
	timestamp := strconv.FormatInt(now.Unix(), 10)
	_, verr := v.Validate(timestamp, "deadbeef", []byte(body), now)
	require.NotNil(t, verr)
	assert.Equal(t, ReasonBadSignature, verr.Reason)
}
