package model

import (
	"fmt"
	"time"
)

// Channel is the delivery channel a verification code is sent over.
type Channel string

const (
	ChannelSMS       Channel = "sms"
	ChannelVoice     Channel = "voice"
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelFlashcall Channel = "flashcall"
)

// ParseChannel validates and normalizes a channel value.
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelSMS, ChannelVoice, ChannelWhatsApp, ChannelFlashcall:
		return Channel(s), nil
	}
	return "", fmt.Errorf("unsupported channel %q", s)
}

// SessionState is the lifecycle state of a verification session.
type SessionState string

const (
	StatePending   SessionState = "pending"
	StateVerified  SessionState = "verified"
	StateExpired   SessionState = "expired"
	StateFailed    SessionState = "failed"
	StateCancelled SessionState = "cancelled"
)

// IsTerminal reports whether the state is absorbing. Once a session
// reaches a terminal state no further transition is allowed.
func (s SessionState) IsTerminal() bool {
	return s != StatePending
}

// DeliveryStatus tracks the provider-reported delivery outcome. It is
// advisory only and never gates a state transition.
type DeliveryStatus string

const (
	DeliveryQueued      DeliveryStatus = "queued"
	DeliverySent        DeliveryStatus = "sent"
	DeliveryDelivered   DeliveryStatus = "delivered"
	DeliveryUndelivered DeliveryStatus = "undelivered"
	DeliveryUnknown     DeliveryStatus = "unknown"
)

// RiskLevel is computed at verify time from attempt count and channel.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// VerificationSession is one attempt to prove control of a phone number.
// PhoneNumber and CodeHash are immutable after creation; Attempts only
// grows; State transitions only out of pending.
type VerificationSession struct {
	VerificationID string         `json:"verification_id" db:"verification_id"` // UUID, opaque to clients
	PhoneNumber    string         `json:"phone_number" db:"phone_number"`       // E.164
	Channel        Channel        `json:"channel" db:"channel"`
	CodeHash       string         `json:"-" db:"code_hash"` // salted argon2id, never serialized
	State          SessionState   `json:"state" db:"state"`
	Attempts       int            `json:"attempts" db:"attempts"`
	MaxAttempts    int            `json:"max_attempts" db:"max_attempts"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at" db:"expires_at"`
	DeliveryStatus DeliveryStatus `json:"delivery_status" db:"delivery_status"`
	RiskLevel      RiskLevel      `json:"risk_level" db:"risk_level"`
	Version        int64          `json:"-" db:"version"` // store concurrency token
}

// Expired reports whether the session's TTL has lapsed at the given instant.
func (s *VerificationSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// RemainingAttempts is the number of verify attempts still available.
func (s *VerificationSession) RemainingAttempts() int {
	if r := s.MaxAttempts - s.Attempts; r > 0 {
		return r
	}
	return 0
}

// DispatchRecord correlates a provider message reference with the session
// whose code it carries. Webhook events are resolved through this record;
// a verification id embedded in a callback payload is never trusted on its own.
type DispatchRecord struct {
	ProviderRef    string    `json:"provider_ref" db:"provider_ref"`
	VerificationID string    `json:"verification_id" db:"verification_id"`
	Channel        Channel   `json:"channel" db:"channel"`
	DispatchedAt   time.Time `json:"dispatched_at" db:"dispatched_at"`
}

// HistoryRecord is a terminal session archived for audit and support
// lookups. The phone number is stored encrypted; PhoneHash is the
// lookup key.
type HistoryRecord struct {
	PhoneBucket    int       `json:"phone_bucket" db:"phone_bucket"`
	PhoneHash      string    `json:"phone_hash" db:"phone_hash"`
	VerificationID string    `json:"verification_id" db:"verification_id"`
	PhoneEncrypted []byte    `json:"-" db:"phone_encrypted"`
	Channel        string    `json:"channel" db:"channel"`
	FinalState     string    `json:"final_state" db:"final_state"`
	Attempts       int       `json:"attempts" db:"attempts"`
	DeliveryStatus string    `json:"delivery_status" db:"delivery_status"`
	RiskLevel      string    `json:"risk_level" db:"risk_level"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	CompletedAt    time.Time `json:"completed_at" db:"completed_at"`
}
