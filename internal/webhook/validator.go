package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"verify-service/internal/config"
)

// Reason classifies why a callback was refused at the trust boundary.
type Reason string

const (
	ReasonMissingHeaders   Reason = "missing_headers"
	ReasonStaleTimestamp   Reason = "stale_timestamp"
	ReasonBadSignature     Reason = "bad_signature"
	ReasonMalformedPayload Reason = "malformed_payload"
)

// ValidationError carries the structured refusal reason alongside a
// human-readable detail for the audit trail.
type ValidationError struct {
	Reason Reason
	Detail string
}

func (e *ValidationError) Error() string {
	return string(e.Reason) + ": " + e.Detail
}

// Envelope is the provider callback body once it has passed validation.
type Envelope struct {
	Data EventData `json:"data"`
}

type EventData struct {
	ID         string       `json:"id"`         // provider message reference
	EventType  string       `json:"event_type"` // e.g. message.delivered
	OccurredAt time.Time    `json:"occurred_at"`
	Payload    EventPayload `json:"payload"`
}

// EventPayload is advisory detail from the provider. Any verification id
// in here is untrusted; the dispatch record is the source of truth.
type EventPayload struct {
	VerificationID string `json:"verification_id,omitempty"`
	To             string `json:"to,omitempty"`
	Status         string `json:"status,omitempty"`
}

// Validator authenticates provider callbacks before anything reads them.
// Signature scheme: HMAC-SHA256 over timestamp + "." + rawBody, hex
// encoded, with the timestamp carried in its own header.
type Validator struct {
	secret          []byte
	freshnessWindow time.Duration
	eventMaxAge     time.Duration
}

func NewValidator(cfg *config.Config) *Validator {
	return &Validator{
		secret:          []byte(cfg.Webhook.SigningSecret),
		freshnessWindow: cfg.Webhook.FreshnessWindow,
		eventMaxAge:     cfg.Webhook.EventMaxAge,
	}
}

// ComputeSignature derives the expected signature for a timestamped body.
// Exported so outbound test fixtures and provider simulators can sign.
func ComputeSignature(secret []byte, timestamp string, rawBody []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate runs the full boundary check: header presence, timestamp
// freshness, signature, then payload shape. The first failing check
// wins; the body is never parsed before the signature holds.
func (v *Validator) Validate(timestamp, signature string, rawBody []byte, now time.Time) (*Envelope, *ValidationError) {
	if timestamp == "" || signature == "" {
		return nil, &ValidationError{
			Reason: ReasonMissingHeaders,
			Detail: "signature or timestamp header absent",
		}
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, &ValidationError{
			Reason: ReasonStaleTimestamp,
			Detail: "timestamp header is not unix seconds",
		}
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.freshnessWindow {
		return nil, &ValidationError{
			Reason: ReasonStaleTimestamp,
			Detail: "timestamp outside freshness window",
		}
	}

	expected := ComputeSignature(v.secret, timestamp, rawBody)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, &ValidationError{
			Reason: ReasonBadSignature,
			Detail: "signature mismatch",
		}
	}

	var envelope Envelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return nil, &ValidationError{
			Reason: ReasonMalformedPayload,
			Detail: "body is not valid JSON",
		}
	}
	if envelope.Data.ID == "" {
		return nil, &ValidationError{
			Reason: ReasonMalformedPayload,
			Detail: "data.id is empty",
		}
	}
	if envelope.Data.EventType == "" {
		return nil, &ValidationError{
			Reason: ReasonMalformedPayload,
			Detail: "data.event_type is empty",
		}
	}
	if envelope.Data.OccurredAt.IsZero() {
		return nil, &ValidationError{
			Reason: ReasonMalformedPayload,
			Detail: "data.occurred_at is missing or unparseable",
		}
	}
	if now.Sub(envelope.Data.OccurredAt) > v.eventMaxAge {
		return nil, &ValidationError{
			Reason: ReasonMalformedPayload,
			Detail: "data.occurred_at is too old",
		}
	}

	return &envelope, nil
}
