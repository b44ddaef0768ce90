package repository

import (
	"context"
	"errors"
	"time"

	"verify-service/internal/model"
)

var (
	// ErrNotFound is returned when no record exists for the given key.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned when a conditional update lost the
	// race: the stored version no longer matches the caller's snapshot.
	ErrVersionConflict = errors.New("version conflict")
)

// SessionStore persists verification sessions as keyed, TTL'd records.
//
// State-changing writes go through UpdateState, a compare-and-swap on the
// session's version field. Delivery status lives in a disjoint field and
// is written without touching the version, so provider callbacks never
// contend with verify-time state transitions.
type SessionStore interface {
	// CreateSession stores a new session and its TTL. The record outlives
	// ExpiresAt by the grace window so late reads can observe "expired".
	CreateSession(ctx context.Context, session *model.VerificationSession, grace time.Duration) error

	// GetSession loads a session by id. ErrNotFound when absent or reaped.
	GetSession(ctx context.Context, verificationID string) (*model.VerificationSession, error)

	// UpdateState conditionally writes state, attempts and risk level.
	// The write succeeds only if the stored version equals expectedVersion;
	// otherwise ErrVersionConflict. On success the stored version is
	// incremented and the session's Version field updated in place.
	UpdateState(ctx context.Context, session *model.VerificationSession, expectedVersion int64) error

	// SetDeliveryStatus writes only the delivery-status field.
	SetDeliveryStatus(ctx context.Context, verificationID string, status model.DeliveryStatus) error

	// PendingID resolves the pending-session index for a (phone, channel)
	// pair. ErrNotFound when no pending session is indexed.
	PendingID(ctx context.Context, phoneNumber string, channel model.Channel) (string, error)

	// SetPendingID points the pair index at a session id.
	SetPendingID(ctx context.Context, phoneNumber string, channel model.Channel, verificationID string, ttl time.Duration) error

	// ClearPendingID removes the pair index, but only if it still points
	// at the given session id.
	ClearPendingID(ctx context.Context, phoneNumber string, channel model.Channel, verificationID string) error

	// PutDispatchRecord correlates a provider message ref with a session.
	PutDispatchRecord(ctx context.Context, record *model.DispatchRecord, ttl time.Duration) error

	// LookupDispatchRecord resolves a provider ref. ErrNotFound when the
	// ref is unknown or the record has aged out.
	LookupDispatchRecord(ctx context.Context, providerRef string) (*model.DispatchRecord, error)
}

// AbuseGuard throttles initiation attempts per phone number and per
// source IP. Every attempt counts against the window, allowed or not.
type AbuseGuard interface {
	AllowInitiate(ctx context.Context, phoneNumber, sourceIP string) (bool, error)
}

// HistoryRepository archives terminal sessions for audit and support.
type HistoryRepository interface {
	Archive(ctx context.Context, record *model.HistoryRecord) error
	RecentByPhoneHash(ctx context.Context, phoneBucket int, phoneHash string, limit int) ([]*model.HistoryRecord, error)
}
