package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verify-service/internal/audit"
	"verify-service/internal/bucketing"
	"verify-service/internal/config"
	"verify-service/internal/hashing"
	"verify-service/internal/model"
	"verify-service/internal/repository"
	"verify-service/internal/repository/memory"
	"verify-service/internal/token"
	"verify-service/internal/util"
	"verify-service/internal/webhook"
)

func testConfig() *config.Config {
	return &config.Config{
		Verification: config.VerificationConfig{
			CodeLength:  6,
			MaxAttempts: 3,
			Timeout:     5 * time.Minute,
			GraceWindow: time.Minute,
			TokenSecret: "test-token-secret",
			TokenIssuer: "verify-service",
			TokenTTL:    15 * time.Minute,
		},
		Hashing: config.HashingConfig{
			Pepper:        "test-pepper",
			PepperVersion: 1,
			MemoryKB:      8 * 1024,
			Iterations:    1,
			Parallelism:   1,
		},
		Bucketing: config.BucketingConfig{
			PhoneBuckets: 16,
			TimeBuckets:  8,
		},
	}
}

// fakeDispatcher records what would have been sent instead of sending it.
type fakeDispatcher struct {
	mu       sync.Mutex
	err      error
	sends    int
	lastCode string
	lastRef  string
}

func (d *fakeDispatcher) Send(_ context.Context, _ string, _ model.Channel, code string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.sends++
	d.lastCode = code
	d.lastRef = fmt.Sprintf("msg-%d", d.sends)
	return d.lastRef, nil
}

type stubGuard struct {
	allow bool
	err   error
}

func (g *stubGuard) AllowInitiate(context.Context, string, string) (bool, error) {
	return g.allow, g.err
}

// captureSink collects audit events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *captureSink) Record(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) kinds() []audit.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]audit.Kind, 0, len(s.events))
	for _, e := range s.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// memHistory is an in-memory archive keyed by phone hash.
type memHistory struct {
	mu      sync.Mutex
	records map[string][]*model.HistoryRecord
}

func newMemHistory() *memHistory {
	return &memHistory{records: make(map[string][]*model.HistoryRecord)}
}

func (h *memHistory) Archive(_ context.Context, record *model.HistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[record.PhoneHash] = append(h.records[record.PhoneHash], record)
	return nil
}

func (h *memHistory) RecentByPhoneHash(_ context.Context, _ int, phoneHash string, limit int) ([]*model.HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	records := h.records[phoneHash]
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

type testHarness struct {
	svc        *VerificationService
	store      *memory.SessionStore
	dispatcher *fakeDispatcher
	guard      *stubGuard
	sink       *captureSink
	history    *memHistory
	cfg        *config.Config
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	cfg := testConfig()
	h := &testHarness{
		store:      memory.NewSessionStore(),
		dispatcher: &fakeDispatcher{},
		guard:      &stubGuard{allow: true},
		sink:       &captureSink{},
		history:    newMemHistory(),
		cfg:        cfg,
	}
	h.svc = NewVerificationService(
		cfg,
		h.store,
		h.guard,
		h.dispatcher,
		hashing.NewHasher(cfg),
		token.NewIssuer(cfg),
		h.sink,
		h.history,
		nil,
		bucketing.NewManager(cfg),
	)
	return h
}

const testPhone = "+14155552671"

func (h *testHarness) initiate(t *testing.T) *InitiateResult {
	t.Helper()
	result, err := h.svc.Initiate(context.Background(), testPhone, "sms", "203.0.113.7")
	require.NoError(t, err)
	return result
}

func TestInitiateCreatesPendingSession(t *testing.T) {
	h := newTestHarness(t)

	result := h.initiate(t)
	assert.NotEmpty(t, result.VerificationID)
	assert.Equal(t, model.StatePending, result.State)
	assert.Equal(t, 0, result.Attempts)
	assert.Equal(t, 3, result.MaxAttempts)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), result.ExpiresAt, 2*time.Second)

	session, err := h.store.GetSession(context.Background(), result.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, testPhone, session.PhoneNumber)
	assert.Equal(t, model.DeliveryQueued, session.DeliveryStatus)
	assert.NotEmpty(t, session.CodeHash)
	assert.NotContains(t, session.CodeHash, h.dispatcher.lastCode)

	id, err := h.store.PendingID(context.Background(), testPhone, model.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, result.VerificationID, id)

	record, err := h.store.LookupDispatchRecord(context.Background(), h.dispatcher.lastRef)
	require.NoError(t, err)
	assert.Equal(t, result.VerificationID, record.VerificationID)

	assert.Contains(t, h.sink.kinds(), audit.KindInitiated)
}

func TestInitiateRejectsBadInput(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.svc.Initiate(ctx, "not-a-phone", "sms", "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.Initiate(ctx, testPhone, "carrier-pigeon", "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Zero(t, h.dispatcher.sends)
}

func TestInitiateRateLimited(t *testing.T) {
	h := newTestHarness(t)
	h.guard.allow = false

	_, err := h.svc.Initiate(context.Background(), testPhone, "sms", "203.0.113.7")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Zero(t, h.dispatcher.sends)
	assert.Contains(t, h.sink.kinds(), audit.KindRateLimited)
}

func TestInitiateDispatchFailureLeavesNothingBehind(t *testing.T) {
	h := newTestHarness(t)
	h.dispatcher.err = fmt.Errorf("provider down")

	_, err := h.svc.Initiate(context.Background(), testPhone, "sms", "")
	require.Error(t, err)

	_, err = h.store.PendingID(context.Background(), testPhone, model.ChannelSMS)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestInitiateSupersedesPriorPending(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	first := h.initiate(t)
	second := h.initiate(t)
	require.NotEqual(t, first.VerificationID, second.VerificationID)

	prior, err := h.store.GetSession(ctx, first.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, prior.State)

	id, err := h.store.PendingID(ctx, testPhone, model.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, second.VerificationID, id)
}

func TestInitiateDifferentChannelDoesNotSupersede(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	smsResult := h.initiate(t)
	voiceResult, err := h.svc.Initiate(ctx, testPhone, "voice", "")
	require.NoError(t, err)

	smsSession, err := h.store.GetSession(ctx, smsResult.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, smsSession.State)

	voiceSession, err := h.store.GetSession(ctx, voiceResult.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, voiceSession.State)
}

func TestVerifyCorrectCode(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result := h.initiate(t)
	verified, err := h.svc.Verify(ctx, result.VerificationID, h.dispatcher.lastCode, "")
	require.NoError(t, err)
	assert.Equal(t, result.VerificationID, verified.VerificationID)
	assert.Equal(t, testPhone, verified.PhoneNumber)
	require.NotEmpty(t, verified.Token)

	claims, err := token.NewIssuer(h.cfg).Parse(verified.Token)
	require.NoError(t, err)
	assert.Equal(t, testPhone, claims.PhoneNumber)
	assert.Equal(t, result.VerificationID, claims.VerificationID)

	session, err := h.store.GetSession(ctx, result.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, model.StateVerified, session.State)
	assert.Equal(t, 1, session.Attempts)

	// Terminal sessions leave the pending index.
	_, err = h.store.PendingID(ctx, testPhone, model.ChannelSMS)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestVerifyWrongCodeCountsAttempt(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result := h.initiate(t)
	_, err := h.svc.Verify(ctx, result.VerificationID, "000000", "")

	var rejected *RejectedCodeError
	require.ErrorAs(t, err, &rejected)
	assert.ErrorIs(t, err, ErrRejectedCode)
	assert.Equal(t, 2, rejected.Remaining)

	session, err := h.store.GetSession(ctx, result.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, session.State)
	assert.Equal(t, 1, session.Attempts)
}

func TestVerifyExhaustedAttemptsFailSession(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result := h.initiate(t)
	for i := 0; i < 2; i++ {
		_, err := h.svc.Verify(ctx, result.VerificationID, "000000", "")
		assert.ErrorIs(t, err, ErrRejectedCode)
	}

	var rejected *RejectedCodeError
	_, err := h.svc.Verify(ctx, result.VerificationID, "000000", "")
	require.ErrorAs(t, err, &rejected)
	assert.Zero(t, rejected.Remaining)

	session, err := h.store.GetSession(ctx, result.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, session.State)
	assert.Equal(t, 3, session.Attempts)
	assert.Equal(t, model.RiskHigh, session.RiskLevel)

	// The session is absorbed: even the right code no longer helps.
	_, err = h.svc.Verify(ctx, result.VerificationID, h.dispatcher.lastCode, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestVerifyCorrectCodeOnLastAttempt(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result := h.initiate(t)
	for i := 0; i < 2; i++ {
		_, err := h.svc.Verify(ctx, result.VerificationID, "000000", "")
		assert.ErrorIs(t, err, ErrRejectedCode)
	}

	verified, err := h.svc.Verify(ctx, result.VerificationID, h.dispatcher.lastCode, "")
	require.NoError(t, err)
	assert.NotEmpty(t, verified.Token)

	session, err := h.store.GetSession(ctx, result.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, model.StateVerified, session.State)
	assert.Equal(t, 3, session.Attempts)
}

func TestVerifyOverBudgetNeverComparesCode(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	// A session that already spent its budget but lost the race to be
	// flipped must fail even when the submitted code is right.
	hasher := hashing.NewHasher(h.cfg)
	codeHash, err := hasher.HashCode("123456")
	require.NoError(t, err)

	now := time.Now()
	session := &model.VerificationSession{
		VerificationID: "v-over-budget",
		PhoneNumber:    testPhone,
		Channel:        model.ChannelSMS,
		CodeHash:       codeHash,
		State:          model.StatePending,
		Attempts:       3,
		MaxAttempts:    3,
		CreatedAt:      now,
		ExpiresAt:      now.Add(5 * time.Minute),
		DeliveryStatus: model.DeliveryQueued,
		RiskLevel:      model.RiskHigh,
		Version:        1,
	}
	require.NoError(t, h.store.CreateSession(ctx, session, time.Minute))

	var rejected *RejectedCodeError
	_, err = h.svc.Verify(ctx, "v-over-budget", "123456", "")
	require.ErrorAs(t, err, &rejected)
	assert.Zero(t, rejected.Remaining)

	stored, err := h.store.GetSession(ctx, "v-over-budget")
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, stored.State)
	assert.Equal(t, 3, stored.Attempts)
}

func TestVerifyPhoneMismatchLooksUnknown(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result := h.initiate(t)

	_, err := h.svc.Verify(ctx, result.VerificationID, h.dispatcher.lastCode, "+14155550000")
	assert.ErrorIs(t, err, ErrNotFound)

	// No attempt was burned probing the pairing.
	session, err := h.store.GetSession(ctx, result.VerificationID)
	require.NoError(t, err)
	assert.Zero(t, session.Attempts)

	// The matching claim still verifies.
	verified, err := h.svc.Verify(ctx, result.VerificationID, h.dispatcher.lastCode, "+1 (415) 555-2671")
	require.NoError(t, err)
	assert.NotEmpty(t, verified.Token)
}

func TestVerifyUnknownSession(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.svc.Verify(context.Background(), "v-unknown", "123456", "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.Verify(context.Background(), "", "123456", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestVerifyExpiredSessionFlipsState(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result := h.initiate(t)

	h.svc.now = func() time.Time { return time.Now().Add(6 * time.Minute) }

	_, err := h.svc.Verify(ctx, result.VerificationID, h.dispatcher.lastCode, "")
	assert.ErrorIs(t, err, ErrExpired)

	// The flip is persisted, not just reported.
	session, err := h.store.GetSession(ctx, result.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, session.State)
	assert.Zero(t, session.Attempts)

	// And it stays expired on the next submission.
	_, err = h.svc.Verify(ctx, result.VerificationID, h.dispatcher.lastCode, "")
	assert.ErrorIs(t, err, ErrExpired)

	assert.Contains(t, h.sink.kinds(), audit.KindExpired)
}

func TestStatusReportsExpiredWithoutPersisting(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result := h.initiate(t)

	h.svc.now = func() time.Time { return time.Now().Add(6 * time.Minute) }

	snapshot, err := h.svc.Status(ctx, result.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, snapshot.State)

	// Status is read-only: the stored record still says pending.
	stored, err := h.store.GetSession(ctx, result.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, stored.State)
	assert.Equal(t, int64(1), stored.Version)
}

func TestCancelPendingSession(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result := h.initiate(t)
	require.NoError(t, h.svc.Cancel(ctx, result.VerificationID))

	session, err := h.store.GetSession(ctx, result.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, session.State)

	_, err = h.store.PendingID(ctx, testPhone, model.ChannelSMS)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	// Idempotent on terminal sessions.
	require.NoError(t, h.svc.Cancel(ctx, result.VerificationID))

	session, err = h.store.GetSession(ctx, result.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, session.State)
}

func TestCancelDoesNotDisturbVerified(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result := h.initiate(t)
	_, err := h.svc.Verify(ctx, result.VerificationID, h.dispatcher.lastCode, "")
	require.NoError(t, err)

	require.NoError(t, h.svc.Cancel(ctx, result.VerificationID))

	session, err := h.store.GetSession(ctx, result.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, model.StateVerified, session.State)
}

func TestCancelUnknownSession(t *testing.T) {
	h := newTestHarness(t)
	assert.ErrorIs(t, h.svc.Cancel(context.Background(), "v-unknown"), ErrNotFound)
}

func TestApplyDeliveryEventUpdatesStatus(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result := h.initiate(t)

	err := h.svc.ApplyDeliveryEvent(ctx, deliveryEnvelope(h.dispatcher.lastRef, "message.delivered", ""))
	require.NoError(t, err)

	session, err := h.store.GetSession(ctx, result.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, session.DeliveryStatus)
	assert.Contains(t, h.sink.kinds(), audit.KindDeliveryUpdate)
}

func TestApplyDeliveryEventUnknownRefDiscarded(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result := h.initiate(t)

	err := h.svc.ApplyDeliveryEvent(ctx, deliveryEnvelope("msg-from-nowhere", "message.delivered", ""))
	require.NoError(t, err)

	session, err := h.store.GetSession(ctx, result.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryQueued, session.DeliveryStatus)
}

func TestApplyDeliveryEventMismatchedEmbeddedID(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result := h.initiate(t)

	// The embedded id is untrusted; a mismatch means the event is dropped.
	err := h.svc.ApplyDeliveryEvent(ctx, deliveryEnvelope(h.dispatcher.lastRef, "message.delivered", "v-forged"))
	require.NoError(t, err)

	session, err := h.store.GetSession(ctx, result.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryQueued, session.DeliveryStatus)
	assert.Contains(t, h.sink.kinds(), audit.KindWebhookRejected)
}

func TestApplyDeliveryEventMatchingEmbeddedID(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result := h.initiate(t)

	err := h.svc.ApplyDeliveryEvent(ctx, deliveryEnvelope(h.dispatcher.lastRef, "message.sent", result.VerificationID))
	require.NoError(t, err)

	session, err := h.store.GetSession(ctx, result.VerificationID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, session.DeliveryStatus)
}

func TestApplyDeliveryEventNeverGatesState(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result := h.initiate(t)

	err := h.svc.ApplyDeliveryEvent(ctx, deliveryEnvelope(h.dispatcher.lastRef, "message.undelivered", ""))
	require.NoError(t, err)

	// An undelivered report does not block the code from being used.
	verified, err := h.svc.Verify(ctx, result.VerificationID, h.dispatcher.lastCode, "")
	require.NoError(t, err)
	assert.NotEmpty(t, verified.Token)
}

func TestHistoryArchivesTerminalSessions(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result := h.initiate(t)
	_, err := h.svc.Verify(ctx, result.VerificationID, h.dispatcher.lastCode, "")
	require.NoError(t, err)

	records, err := h.svc.History(ctx, testPhone, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, result.VerificationID, records[0].VerificationID)
	assert.Equal(t, string(model.StateVerified), records[0].FinalState)
	assert.Equal(t, 1, records[0].Attempts)
	assert.Equal(t, util.PhoneHash(testPhone), records[0].PhoneHash)
}

func TestHistoryDisabled(t *testing.T) {
	cfg := testConfig()
	svc := NewVerificationService(
		cfg,
		memory.NewSessionStore(),
		&stubGuard{allow: true},
		&fakeDispatcher{},
		hashing.NewHasher(cfg),
		token.NewIssuer(cfg),
		nil,
		nil,
		nil,
		bucketing.NewManager(cfg),
	)

	_, err := svc.History(context.Background(), testPhone, 0)
	assert.ErrorIs(t, err, ErrHistoryDisabled)
}

func deliveryEnvelope(providerRef, eventType, embeddedID string) *webhook.Envelope {
	return &webhook.Envelope{
		Data: webhook.EventData{
			ID:         providerRef,
			EventType:  eventType,
			OccurredAt: time.Now(),
			Payload: webhook.EventPayload{
				VerificationID: embeddedID,
			},
		},
	}
}

func TestRiskFor(t *testing.T) {
	tests := []struct {
		attempts int
		channel  model.Channel
		want     model.RiskLevel
	}{
		{attempts: 1, channel: model.ChannelSMS, want: model.RiskLow},
		{attempts: 2, channel: model.ChannelSMS, want: model.RiskMedium},
		{attempts: 3, channel: model.ChannelSMS, want: model.RiskHigh},
		{attempts: 1, channel: model.ChannelVoice, want: model.RiskMedium},
		{attempts: 2, channel: model.ChannelFlashcall, want: model.RiskHigh},
		{attempts: 3, channel: model.ChannelVoice, want: model.RiskHigh},
		{attempts: 1, channel: model.ChannelWhatsApp, want: model.RiskLow},
	}

	for _, tt := range tests {
		got := riskFor(tt.attempts, 3, tt.channel)
		assert.Equal(t, tt.want, got, "attempts=%d channel=%s", tt.attempts, tt.channel)
	}
}

func TestDeliveryStatusFor(t *testing.T) {
	assert.Equal(t, model.DeliveryQueued, deliveryStatusFor("message.queued"))
	assert.Equal(t, model.DeliverySent, deliveryStatusFor("message.sent"))
	assert.Equal(t, model.DeliveryDelivered, deliveryStatusFor("message.delivered"))
	assert.Equal(t, model.DeliveryUndelivered, deliveryStatusFor("message.undelivered"))
	assert.Equal(t, model.DeliveryUndelivered, deliveryStatusFor("message.failed"))
	assert.Equal(t, model.DeliveryUnknown, deliveryStatusFor("message.opened"))
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		code, err := generateCode(6)
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, r := range code {
			assert.GreaterOrEqual(t, r, '0')
			assert.LessOrEqual(t, r, '9')
		}
		seen[code] = true
	}
	// 32 draws from a million-value space colliding down to a handful
	// would mean the generator is broken.
	assert.Greater(t, len(seen), 16)
}
