package memory

import (
	"context"
	"sync"
	"time"

	"verify-service/internal/model"
	"verify-service/internal/repository"
)

// SessionStore is an in-memory mirror of the Redis store semantics,
// used for local development and tests. Expiry is checked lazily on
// access, the way Redis would have reaped the key.
type SessionStore struct {
	mu        sync.Mutex
	sessions  map[string]*sessionEntry
	pending   map[string]pendingEntry
	dispatch  map[string]dispatchEntry
	clockSkew time.Duration // tests can shift "now" without sleeping
}

type sessionEntry struct {
	session  model.VerificationSession
	removeAt time.Time
}

type pendingEntry struct {
	verificationID string
	removeAt       time.Time
}

type dispatchEntry struct {
	record   model.DispatchRecord
	removeAt time.Time
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*sessionEntry),
		pending:  make(map[string]pendingEntry),
		dispatch: make(map[string]dispatchEntry),
	}
}

// AdvanceClock shifts the store's notion of now forward. Test hook.
func (s *SessionStore) AdvanceClock(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clockSkew += d
}

func (s *SessionStore) now() time.Time {
	return time.Now().Add(s.clockSkew)
}

func pairKey(phoneNumber string, channel model.Channel) string {
	return phoneNumber + ":" + string(channel)
}

func (s *SessionStore) CreateSession(_ context.Context, session *model.VerificationSession, grace time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.VerificationID] = &sessionEntry{
		session:  *session,
		removeAt: session.ExpiresAt.Add(grace),
	}
	return nil
}

func (s *SessionStore) GetSession(_ context.Context, verificationID string) (*model.VerificationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[verificationID]
	if !ok || s.now().After(entry.removeAt) {
		delete(s.sessions, verificationID)
		return nil, repository.ErrNotFound
	}

	copied := entry.session
	return &copied, nil
}

func (s *SessionStore) UpdateState(_ context.Context, session *model.VerificationSession, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[session.VerificationID]
	if !ok || s.now().After(entry.removeAt) {
		delete(s.sessions, session.VerificationID)
		return repository.ErrNotFound
	}
	if entry.session.Version != expectedVersion {
		return repository.ErrVersionConflict
	}

	entry.session.State = session.State
	entry.session.Attempts = session.Attempts
	entry.session.RiskLevel = session.RiskLevel
	entry.session.Version = expectedVersion + 1
	session.Version = entry.session.Version
	return nil
}

func (s *SessionStore) SetDeliveryStatus(_ context.Context, verificationID string, status model.DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[verificationID]
	if !ok || s.now().After(entry.removeAt) {
		delete(s.sessions, verificationID)
		return repository.ErrNotFound
	}

	entry.session.DeliveryStatus = status
	return nil
}

func (s *SessionStore) PendingID(_ context.Context, phoneNumber string, channel model.Channel) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(phoneNumber, channel)
	entry, ok := s.pending[key]
	if !ok || s.now().After(entry.removeAt) {
		delete(s.pending, key)
		return "", repository.ErrNotFound
	}
	return entry.verificationID, nil
}

func (s *SessionStore) SetPendingID(_ context.Context, phoneNumber string, channel model.Channel, verificationID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[pairKey(phoneNumber, channel)] = pendingEntry{
		verificationID: verificationID,
		removeAt:       s.now().Add(ttl),
	}
	return nil
}

func (s *SessionStore) ClearPendingID(_ context.Context, phoneNumber string, channel model.Channel, verificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(phoneNumber, channel)
	if entry, ok := s.pending[key]; ok && entry.verificationID == verificationID {
		delete(s.pending, key)
	}
	return nil
}

func (s *SessionStore) PutDispatchRecord(_ context.Context, record *model.DispatchRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dispatch[record.ProviderRef] = dispatchEntry{
		record:   *record,
		removeAt: s.now().Add(ttl),
	}
	return nil
}

func (s *SessionStore) LookupDispatchRecord(_ context.Context, providerRef string) (*model.DispatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.dispatch[providerRef]
	if !ok || s.now().After(entry.removeAt) {
		delete(s.dispatch, providerRef)
		return nil, repository.ErrNotFound
	}

	copied := entry.record
	return &copied, nil
}
