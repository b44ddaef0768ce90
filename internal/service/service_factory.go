package service

import (
	"verify-service/internal/audit"
	"verify-service/internal/bucketing"
	"verify-service/internal/config"
	"verify-service/internal/dispatch"
	"verify-service/internal/encryption"
	"verify-service/internal/hashing"
	"verify-service/internal/repository"
	"verify-service/internal/token"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	config     *config.Config
	store      repository.SessionStore
	guard      repository.AbuseGuard
	dispatcher dispatch.Dispatcher
	hasher     *hashing.Hasher
	issuer     *token.Issuer
	sink       audit.Sink
	history    repository.HistoryRepository
	encryptor  *encryption.Manager
	buckets    *bucketing.Manager

	verificationService *VerificationService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
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
) *ServiceFactory {
	return &ServiceFactory{
		config:     cfg,
		store:      store,
		guard:      guard,
		dispatcher: dispatcher,
		hasher:     hasher,
		issuer:     issuer,
		sink:       sink,
		history:    history,
		encryptor:  encryptor,
		buckets:    buckets,
	}
}

// VerificationService returns the verification service instance (singleton)
func (f *ServiceFactory) VerificationService() *VerificationService {
	if f.verificationService == nil {
		f.verificationService = NewVerificationService(
			f.config,
			f.store,
			f.guard,
			f.dispatcher,
			f.hasher,
			f.issuer,
			f.sink,
			f.history,
			f.encryptor,
			f.buckets,
		)
	}
	return f.verificationService
}

// Cleanup cleans up all services
func (f *ServiceFactory) Cleanup() {
	if f.encryptor != nil {
		f.encryptor.ClearCache()
	}
}
