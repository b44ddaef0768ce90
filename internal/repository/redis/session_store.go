package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"verify-service/internal/client"
	"verify-service/internal/model"
	"verify-service/internal/repository"
	"verify-service/internal/util"
)

const (
	sessionPrefix  = "verification:"
	pendingPrefix  = "pending:"
	dispatchPrefix = "dispatch:"

	opTimeout = 5 * time.Second
)

// casUpdateScript conditionally writes the mutable state fields of a
// session hash. The write happens only when the stored version matches
// ARGV[1]; the version is then bumped in the same script so concurrent
// verifies serialize on it. Returns the new version, 0 on conflict, -1
// when the record is gone.
const casUpdateScript = `
    local key = KEYS[1]
    if redis.call('EXISTS', key) == 0 then
        return -1
    end
    local version = tonumber(redis.call('HGET', key, 'version'))
    if version ~= tonumber(ARGV[1]) then
        return 0
    end
    redis.call('HSET', key,
        'state', ARGV[2],
        'attempts', ARGV[3],
        'risk_level', ARGV[4],
        'version', version + 1)
    return version + 1
`

// deliveryStatusScript writes only the delivery_status field. It never
// reads or bumps the version, keeping callbacks off the CAS path.
const deliveryStatusScript = `
    local key = KEYS[1]
    if redis.call('EXISTS', key) == 0 then
        return 0
    end
    redis.call('HSET', key, 'delivery_status', ARGV[1])
    return 1
`

// clearPendingScript deletes the pair index only while it still points
// at the caller's session, so a superseding session is never unindexed
// by its predecessor's cleanup.
const clearPendingScript = `
    local key = KEYS[1]
    if redis.call('GET', key) == ARGV[1] then
        redis.call('DEL', key)
        return 1
    end
    return 0
`

// SessionStore keeps live verification sessions in Redis hashes.
type SessionStore struct {
	client *client.RedisClient
}

func NewSessionStore(client *client.RedisClient) *SessionStore {
	return &SessionStore{client: client}
}

func sessionKey(verificationID string) string {
	return sessionPrefix + verificationID
}

func pendingKey(phoneNumber string, channel model.Channel) string {
	return pendingPrefix + phoneNumber + ":" + string(channel)
}

func dispatchKey(providerRef string) string {
	return dispatchPrefix + providerRef
}

func (s *SessionStore) CreateSession(ctx context.Context, session *model.VerificationSession, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := sessionKey(session.VerificationID)
	ttl := time.Until(session.ExpiresAt) + grace
	if ttl <= 0 {
		return fmt.Errorf("session already past its expiry")
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"phone_number", session.PhoneNumber,
		"channel", string(session.Channel),
		"code_hash", session.CodeHash,
		"state", string(session.State),
		"attempts", session.Attempts,
		"max_attempts", session.MaxAttempts,
		"created_at", session.CreatedAt.UTC().Format(time.RFC3339Nano),
		"expires_at", session.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"delivery_status", string(session.DeliveryStatus),
		"risk_level", string(session.RiskLevel),
		"version", session.Version,
	)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to create session record",
			zap.String("verification_id", session.VerificationID),
			zap.Error(err))
		return fmt.Errorf("failed to create session record: %w", err)
	}

	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, verificationID string) (*model.VerificationSession, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, sessionKey(verificationID))
	if err != nil {
		return nil, fmt.Errorf("failed to load session record: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrNotFound
	}

	return parseSession(verificationID, fields)
}

func (s *SessionStore) UpdateState(ctx context.Context, session *model.VerificationSession, expectedVersion int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	result, err := s.client.Eval(ctx, casUpdateScript,
		[]string{sessionKey(session.VerificationID)},
		expectedVersion,
		string(session.State),
		session.Attempts,
		string(session.RiskLevel),
	)
	if err != nil {
		util.Error("Failed to update session state",
			zap.String("verification_id", session.VerificationID),
			zap.Error(err))
		return fmt.Errorf("failed to update session state: %w", err)
	}

	newVersion, ok := result.(int64)
	if !ok {
		return fmt.Errorf("unexpected result from state update script")
	}
	switch newVersion {
	case -1:
		return repository.ErrNotFound
	case 0:
		return repository.ErrVersionConflict
	}

	session.Version = newVersion
	return nil
}

func (s *SessionStore) SetDeliveryStatus(ctx context.Context, verificationID string, status model.DeliveryStatus) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	result, err := s.client.Eval(ctx, deliveryStatusScript,
		[]string{sessionKey(verificationID)}, string(status))
	if err != nil {
		return fmt.Errorf("failed to update delivery status: %w", err)
	}
	if updated, ok := result.(int64); !ok || updated == 0 {
		return repository.ErrNotFound
	}

	return nil
}

func (s *SessionStore) PendingID(ctx context.Context, phoneNumber string, channel model.Channel) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	id, found, err := s.client.GetOptional(ctx, pendingKey(phoneNumber, channel))
	if err != nil {
		return "", fmt.Errorf("failed to resolve pending index: %w", err)
	}
	if !found {
		return "", repository.ErrNotFound
	}
	return id, nil
}

func (s *SessionStore) SetPendingID(ctx context.Context, phoneNumber string, channel model.Channel, verificationID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, pendingKey(phoneNumber, channel), verificationID, ttl); err != nil {
		return fmt.Errorf("failed to write pending index: %w", err)
	}
	return nil
}

func (s *SessionStore) ClearPendingID(ctx context.Context, phoneNumber string, channel model.Channel, verificationID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.client.Eval(ctx, clearPendingScript,
		[]string{pendingKey(phoneNumber, channel)}, verificationID); err != nil {
		return fmt.Errorf("failed to clear pending index: %w", err)
	}
	return nil
}

func (s *SessionStore) PutDispatchRecord(ctx context.Context, record *model.DispatchRecord, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := dispatchKey(record.ProviderRef)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"verification_id", record.VerificationID,
		"channel", string(record.Channel),
		"dispatched_at", record.DispatchedAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write dispatch record: %w", err)
	}
	return nil
}

func (s *SessionStore) LookupDispatchRecord(ctx context.Context, providerRef string) (*model.DispatchRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, dispatchKey(providerRef))
	if err != nil {
		return nil, fmt.Errorf("failed to load dispatch record: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrNotFound
	}

	dispatchedAt, err := time.Parse(time.RFC3339Nano, fields["dispatched_at"])
	if err != nil {
		return nil, fmt.Errorf("corrupt dispatch record for ref %s: %w", providerRef, err)
	}

	return &model.DispatchRecord{
		ProviderRef:    providerRef,
		VerificationID: fields["verification_id"],
		Channel:        model.Channel(fields["channel"]),
		DispatchedAt:   dispatchedAt,
	}, nil
}

func parseSession(verificationID string, fields map[string]string) (*model.VerificationSession, error) {
	attempts, err := strconv.Atoi(fields["attempts"])
	if err != nil {
		return nil, fmt.Errorf("corrupt session record %s: %w", verificationID, err)
	}
	maxAttempts, err := strconv.Atoi(fields["max_attempts"])
	if err != nil {
		return nil, fmt.Errorf("corrupt session record %s: %w", verificationID, err)
	}
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt session record %s: %w", verificationID, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("corrupt session record %s: %w", verificationID, err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, fields["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("corrupt session record %s: %w", verificationID, err)
	}

	return &model.VerificationSession{
		VerificationID: verificationID,
		PhoneNumber:    fields["phone_number"],
		Channel:        model.Channel(fields["channel"]),
		CodeHash:       fields["code_hash"],
		State:          model.SessionState(fields["state"]),
		Attempts:       attempts,
		MaxAttempts:    maxAttempts,
		CreatedAt:      createdAt,
		ExpiresAt:      expiresAt,
		DeliveryStatus: model.DeliveryStatus(fields["delivery_status"]),
		RiskLevel:      model.RiskLevel(fields["risk_level"]),
		Version:        version,
	}, nil
}
