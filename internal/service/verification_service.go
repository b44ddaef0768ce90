package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"verify-service/internal/audit"
	"verify-service/internal/bucketing"
	"verify-service/internal/config"
	"verify-service/internal/dispatch"
	"verify-service/internal/encryption"
	"verify-service/internal/hashing"
	"verify-service/internal/model"
	"verify-service/internal/repository"
	"verify-service/internal/token"
	"verify-service/internal/util"
	"verify-service/internal/webhook"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrRateLimited      = errors.New("too many verification attempts")
	ErrNotFound         = errors.New("verification not found")
	ErrExpired          = errors.New("verification expired")
	ErrInvalidState     = errors.New("verification is not pending")
	ErrRejectedCode     = errors.New("code rejected")
	ErrStoreUnavailable = errors.New("session store unavailable")
	ErrHistoryDisabled  = errors.New("verification history not configured")
)

// RejectedCodeError wraps ErrRejectedCode with the attempts still
// available, so callers can surface the remaining budget.
type RejectedCodeError struct {
	Remaining int
}

func (e *RejectedCodeError) Error() string {
	return fmt.Sprintf("code rejected, %d attempts remaining", e.Remaining)
}

func (e *RejectedCodeError) Unwrap() error {
	return ErrRejectedCode
}

// casRetries bounds reload-and-retry cycles when concurrent verifies
// race on the same session's version.
const casRetries = 3

// VerificationService drives the session state machine: initiation,
// code verification, cancellation, status reads and delivery updates.
type VerificationService struct {
	store      repository.SessionStore
	guard      repository.AbuseGuard
	dispatcher dispatch.Dispatcher
	hasher     *hashing.Hasher
	issuer     *token.Issuer
	sink       audit.Sink
	history    repository.HistoryRepository
	encryptor  *encryption.Manager
	buckets    *bucketing.Manager

	codeLength  int
	maxAttempts int
	timeout     time.Duration
	grace       time.Duration

	now func() time.Time
}

func NewVerificationService(
	cfg *config.Config,
	store repository.SessionStore,
	guard repository.AbuseGuard,
	dispatcher dispatch.Dispatcher,
	hasher *hashing.Hasher,
	issuer *token.Issuer,
	sink audit.Sink,
	history repository.HistoryRepository,
	encryptor *encryption.Manager,
	buckets *bucketing.Manager,
) *VerificationService {
	return &VerificationService{
		store:       store,
		guard:       guard,
		dispatcher:  dispatcher,
		hasher:      hasher,
		issuer:      issuer,
		sink:        sink,
		history:     history,
		encryptor:   encryptor,
		buckets:     buckets,
		codeLength:  cfg.Verification.CodeLength,
		maxAttempts: cfg.Verification.MaxAttempts,
		timeout:     cfg.Verification.Timeout,
		grace:       cfg.Verification.GraceWindow,
		now:         time.Now,
	}
}

// InitiateResult is what a caller learns about a fresh session. The code
// itself travels only through the delivery channel.
type InitiateResult struct {
	VerificationID string
	State          model.SessionState
	Attempts       int
	MaxAttempts    int
	ExpiresAt      time.Time
}

// Initiate starts a verification for a (phone, channel) pair. Any prior
// pending session for the same pair is cancelled first; the new session
// is persisted only after the provider accepted the dispatch.
func (s *VerificationService) Initiate(ctx context.Context, rawPhone, rawChannel, sourceIP string) (*InitiateResult, error) {
	phoneNumber, err := util.NormalizeE164(rawPhone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	channel, err := model.ParseChannel(rawChannel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	allowed, err := s.guard.AllowInitiate(ctx, phoneNumber, sourceIP)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !allowed {
		event := audit.NewEvent(audit.KindRateLimited)
		event.PhoneHash = util.PhoneHash(phoneNumber)
		event.Channel = string(channel)
		event.SourceIP = sourceIP
		s.record(ctx, event)
		return nil, ErrRateLimited
	}

	if err := s.supersedePending(ctx, phoneNumber, channel); err != nil {
		return nil, err
	}

	code, err := generateCode(s.codeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}
	codeHash, err := s.hasher.HashCode(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	// Dispatch before persisting: a session must never exist for a code
	// that was not handed to the provider.
	providerRef, err := s.dispatcher.Send(ctx, phoneNumber, channel, code)
	if err != nil {
		return nil, err
	}

	now := s.now()
	session := &model.VerificationSession{
		VerificationID: uuid.NewString(),
		PhoneNumber:    phoneNumber,
		Channel:        channel,
		CodeHash:       codeHash,
		State:          model.StatePending,
		Attempts:       0,
		MaxAttempts:    s.maxAttempts,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.timeout),
		DeliveryStatus: model.DeliveryQueued,
		RiskLevel:      model.RiskLow,
		Version:        1,
	}

	if err := s.store.CreateSession(ctx, session, s.grace); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	indexTTL := s.timeout + s.grace
	if err := s.store.SetPendingID(ctx, phoneNumber, channel, session.VerificationID, indexTTL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	record := &model.DispatchRecord{
		ProviderRef:    providerRef,
		VerificationID: session.VerificationID,
		Channel:        channel,
		DispatchedAt:   now,
	}
	if err := s.store.PutDispatchRecord(ctx, record, indexTTL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	event := audit.NewEvent(audit.KindInitiated)
	event.VerificationID = session.VerificationID
	event.PhoneHash = util.PhoneHash(phoneNumber)
	event.Channel = string(channel)
	event.SourceIP = sourceIP
	s.record(ctx, event)

	return &InitiateResult{
		VerificationID: session.VerificationID,
		State:          session.State,
		Attempts:       session.Attempts,
		MaxAttempts:    session.MaxAttempts,
		ExpiresAt:      session.ExpiresAt,
	}, nil
}

// supersedePending cancels the pending session for the pair, if any.
func (s *VerificationService) supersedePending(ctx context.Context, phoneNumber string, channel model.Channel) error {
	priorID, err := s.store.PendingID(ctx, phoneNumber, channel)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := s.Cancel(ctx, priorID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	util.Info("Superseded prior pending verification",
		zap.String("verification_id", priorID))
	return nil
}

// VerifyResult carries the outcome of a successful code check.
type VerifyResult struct {
	VerificationID string
	PhoneNumber    string
	Token          string
}

// Verify checks a submitted code. The attempt is counted before the
// comparison and every outcome is persisted through the version CAS, so
// concurrent submissions serialize instead of sharing an attempt slot.
func (s *VerificationService) Verify(ctx context.Context, verificationID, code, claimedPhone string) (*VerifyResult, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		session, err := s.loadSession(ctx, verificationID)
		if err != nil {
			return nil, err
		}

		// A mismatched phone claim is indistinguishable from an unknown
		// id, so the endpoint cannot be used to probe pairings.
		if claimedPhone != "" {
			normalized, err := util.NormalizeE164(claimedPhone)
			if err != nil || normalized != session.PhoneNumber {
				return nil, ErrNotFound
			}
		}

		now := s.now()
		if session.State == model.StatePending && session.Expired(now) {
			if conflict := s.flipExpired(ctx, session); conflict {
				continue
			}
			return nil, ErrExpired
		}
		if session.State != model.StatePending {
			if session.State == model.StateExpired {
				return nil, ErrExpired
			}
			return nil, ErrInvalidState
		}

		newAttempts := session.Attempts + 1
		overBudget := newAttempts > session.MaxAttempts
		if overBudget {
			newAttempts = session.MaxAttempts
		}

		session.Attempts = newAttempts
		session.RiskLevel = riskFor(newAttempts, session.MaxAttempts, session.Channel)

		match := false
		if !overBudget {
			match, err = s.hasher.VerifyCode(code, session.CodeHash)
			if err != nil {
				return nil, fmt.Errorf("failed to verify code: %w", err)
			}
		}

		var kind audit.Kind
		switch {
		case match:
			session.State = model.StateVerified
			kind = audit.KindVerified
		case newAttempts >= session.MaxAttempts:
			session.State = model.StateFailed
			kind = audit.KindFailed
		default:
			kind = audit.KindRejected
		}

		if err := s.store.UpdateState(ctx, session, session.Version); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			if errors.Is(err, repository.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		event := audit.NewEvent(kind)
		event.VerificationID = session.VerificationID
		event.PhoneHash = util.PhoneHash(session.PhoneNumber)
		event.Channel = string(session.Channel)
		s.record(ctx, event)

		if session.State.IsTerminal() {
			s.clearPendingIndex(ctx, session)
			s.archive(ctx, session)
		}

		if match {
			signed, err := s.issuer.Mint(session.PhoneNumber, session.VerificationID, now)
			if err != nil {
				return nil, fmt.Errorf("failed to mint token: %w", err)
			}
			return &VerifyResult{
				VerificationID: session.VerificationID,
				PhoneNumber:    session.PhoneNumber,
				Token:          signed,
			}, nil
		}

		return nil, &RejectedCodeError{Remaining: session.RemainingAttempts()}
	}

	return nil, fmt.Errorf("%w: too many concurrent updates", ErrStoreUnavailable)
}

// flipExpired persists the lazy pending-to-expired transition. Reports
// whether the CAS lost and the caller should reload.
func (s *VerificationService) flipExpired(ctx context.Context, session *model.VerificationSession) bool {
	session.State = model.StateExpired
	err := s.store.UpdateState(ctx, session, session.Version)
	if errors.Is(err, repository.ErrVersionConflict) {
		return true
	}
	if err == nil {
		event := audit.NewEvent(audit.KindExpired)
		event.VerificationID = session.VerificationID
		event.PhoneHash = util.PhoneHash(session.PhoneNumber)
		event.Channel = string(session.Channel)
		s.record(ctx, event)

		s.clearPendingIndex(ctx, session)
		s.archive(ctx, session)
	}
	return false
}

// Status returns a read-only snapshot. A lapsed pending session is
// reported as expired without writing anything.
func (s *VerificationService) Status(ctx context.Context, verificationID string) (*model.VerificationSession, error) {
	session, err := s.loadSession(ctx, verificationID)
	if err != nil {
		return nil, err
	}

	if session.State == model.StatePending && session.Expired(s.now()) {
		session.State = model.StateExpired
	}
	return session, nil
}

// Cancel moves a pending session to cancelled. Terminal sessions are
// left untouched and the call still succeeds.
func (s *VerificationService) Cancel(ctx context.Context, verificationID string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		session, err := s.loadSession(ctx, verificationID)
		if err != nil {
			return err
		}

		if session.State.IsTerminal() {
			return nil
		}

		session.State = model.StateCancelled
		if err := s.store.UpdateState(ctx, session, session.Version); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		event := audit.NewEvent(audit.KindCancelled)
		event.VerificationID = session.VerificationID
		event.PhoneHash = util.PhoneHash(session.PhoneNumber)
		event.Channel = string(session.Channel)
		s.record(ctx, event)

		s.clearPendingIndex(ctx, session)
		s.archive(ctx, session)
		return nil
	}

	return fmt.Errorf("%w: too many concurrent updates", ErrStoreUnavailable)
}

// ApplyDeliveryEvent maps a validated provider callback onto a session's
// delivery status. The provider ref is resolved through the dispatch
// record; an embedded verification id is only ever cross-checked.
// Semantic discards (unknown ref, mismatched id, reaped session) return
// nil so the boundary can acknowledge the event.
func (s *VerificationService) ApplyDeliveryEvent(ctx context.Context, envelope *webhook.Envelope) error {
	record, err := s.store.LookupDispatchRecord(ctx, envelope.Data.ID)
	if errors.Is(err, repository.ErrNotFound) {
		util.Warn("Delivery event for unknown provider ref",
			zap.String("provider_ref", envelope.Data.ID),
			zap.String("event_type", envelope.Data.EventType))
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if embedded := envelope.Data.Payload.VerificationID; embedded != "" && embedded != record.VerificationID {
		event := audit.NewEvent(audit.KindWebhookRejected)
		event.VerificationID = record.VerificationID
		event.Reason = "verification_id_mismatch"
		event.Detail = "embedded verification id does not match dispatch record"
		s.record(ctx, event)
		return nil
	}

	status := deliveryStatusFor(envelope.Data.EventType)
	if err := s.store.SetDeliveryStatus(ctx, record.VerificationID, status); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Session already reaped; nothing left to annotate.
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	event := audit.NewEvent(audit.KindDeliveryUpdate)
	event.VerificationID = record.VerificationID
	event.Channel = string(record.Channel)
	event.Detail = string(status)
	s.record(ctx, event)

	return nil
}

// RecordWebhookRejection audits a callback that failed the trust
// boundary. Called by the handler; validation failures never reach the
// state machine itself.
func (s *VerificationService) RecordWebhookRejection(ctx context.Context, reason webhook.Reason, detail, sourceIP string) {
	event := audit.NewEvent(audit.KindWebhookRejected)
	event.Reason = string(reason)
	event.Detail = detail
	event.SourceIP = sourceIP
	s.record(ctx, event)
}

// History returns recent archived outcomes for a phone number.
func (s *VerificationService) History(ctx context.Context, rawPhone string, limit int) ([]*model.HistoryRecord, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}

	phoneNumber, err := util.NormalizeE164(rawPhone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	phoneHash := util.PhoneHash(phoneNumber)
	records, err := s.history.RecentByPhoneHash(ctx, s.buckets.PhoneBucket(phoneHash), phoneHash, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return records, nil
}

func (s *VerificationService) loadSession(ctx context.Context, verificationID string) (*model.VerificationSession, error) {
	if verificationID == "" {
		return nil, fmt.Errorf("%w: verification id is required", ErrInvalidInput)
	}

	session, err := s.store.GetSession(ctx, verificationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return session, nil
}

func (s *VerificationService) clearPendingIndex(ctx context.Context, session *model.VerificationSession) {
	if err := s.store.ClearPendingID(ctx, session.PhoneNumber, session.Channel, session.VerificationID); err != nil {
		util.Warn("Failed to clear pending index",
			zap.String("verification_id", session.VerificationID),
			zap.Error(err))
	}
}

// archive writes the terminal session to the durable history. Best
// effort: archive problems are logged, never surfaced to the caller.
func (s *VerificationService) archive(ctx context.Context, session *model.VerificationSession) {
	if s.history == nil {
		return
	}

	phoneHash := util.PhoneHash(session.PhoneNumber)

	var phoneEncrypted []byte
	if s.encryptor != nil {
		sealed, err := s.encryptor.EncryptField(ctx, session.PhoneNumber)
		if err != nil {
			util.Error("Failed to encrypt phone for history",
				zap.String("verification_id", session.VerificationID),
				zap.Error(err))
			return
		}
		phoneEncrypted, err = json.Marshal(sealed)
		if err != nil {
			util.Error("Failed to encode sealed phone",
				zap.String("verification_id", session.VerificationID),
				zap.Error(err))
			return
		}
	}

	record := &model.HistoryRecord{
		PhoneBucket:    s.buckets.PhoneBucket(phoneHash),
		PhoneHash:      phoneHash,
		VerificationID: session.VerificationID,
		PhoneEncrypted: phoneEncrypted,
		Channel:        string(session.Channel),
		FinalState:     string(session.State),
		Attempts:       session.Attempts,
		DeliveryStatus: string(session.DeliveryStatus),
		RiskLevel:      string(session.RiskLevel),
		CreatedAt:      session.CreatedAt,
		CompletedAt:    s.now(),
	}

	if err := s.history.Archive(ctx, record); err != nil {
		util.Error("Failed to archive terminal session",
			zap.String("verification_id", session.VerificationID),
			zap.Error(err))
	}
}

func (s *VerificationService) record(ctx context.Context, event audit.Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Record(ctx, event); err != nil {
		util.Warn("Failed to record audit event",
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
}

// riskFor classifies the verify attempt. Later attempts raise the risk,
// and channels that are easier to intercept start one step higher.
func riskFor(attempts, maxAttempts int, channel model.Channel) model.RiskLevel {
	level := model.RiskLow
	switch {
	case attempts >= maxAttempts:
		level = model.RiskHigh
	case attempts >= 2:
		level = model.RiskMedium
	}

	if channel == model.ChannelVoice || channel == model.ChannelFlashcall {
		switch level {
		case model.RiskLow:
			level = model.RiskMedium
		case model.RiskMedium:
			level = model.RiskHigh
		}
	}

	return level
}

// deliveryStatusFor maps provider event types onto delivery statuses.
// Unrecognized types degrade to unknown rather than being dropped.
func deliveryStatusFor(eventType string) model.DeliveryStatus {
	switch eventType {
	case "message.queued":
		return model.DeliveryQueued
	case "message.sent":
		return model.DeliverySent
	case "message.delivered":
		return model.DeliveryDelivered
	case "message.undelivered", "message.failed":
		return model.DeliveryUndelivered
	default:
		return model.DeliveryUnknown
	}
}

// generateCode draws a crypto-random numeric code of the given length.
// Each digit is sampled independently so the distribution is uniform.
func generateCode(length int) (string, error) {
	if length <= 0 {
		length = 6
	}

	digits := make([]byte, length)
	random := make([]byte, length)
	if _, err := rand.Read(random); err != nil {
		return "", err
	}

	for i, b := range random {
		// Rejection sampling keeps digits uniform.
		for b >= 250 {
			single := make([]byte, 1)
			if _, err := rand.Read(single); err != nil {
				return "", err
			}
			b = single[0]
		}
		digits[i] = '0' + b%10
	}

	return string(digits), nil
}
