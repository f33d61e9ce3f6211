package service

import (
	"credguard/internal/bruteforce"
	"credguard/internal/csrf"
	"credguard/internal/hashing"
	"credguard/internal/strength"

	"go.uber.org/zap"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	store       CredentialStore
	hasher      *hashing.Hasher
	analyzer    *strength.Analyzer
	guard       *bruteforce.Guard
	csrf        *csrf.Manager
	comparisons ComparisonSink
	events      EventSink
	opts        Options
	logger      *zap.Logger

	authenticator *CredentialAuthenticator
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	store CredentialStore,
	hasher *hashing.Hasher,
	analyzer *strength.Analyzer,
	guard *bruteforce.Guard,
	csrfManager *csrf.Manager,
	comparisons ComparisonSink,
	events EventSink,
	opts Options,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		store:       store,
		hasher:      hasher,
		analyzer:    analyzer,
		guard:       guard,
		csrf:        csrfManager,
		comparisons: comparisons,
		events:      events,
		opts:        opts,
		logger:      logger,
	}
}

// Authenticator returns the authenticator instance (singleton)
func (f *ServiceFactory) Authenticator() *CredentialAuthenticator {
	if f.authenticator == nil {
		f.authenticator = NewCredentialAuthenticator(Dependencies{
			Store:       f.store,
			Hasher:      f.hasher,
			Analyzer:    f.analyzer,
			Guard:       f.guard,
			Csrf:        f.csrf,
			Comparisons: f.comparisons,
			Events:      f.events,
			Logger:      f.logger.Named("authenticator"),
		}, f.opts)
	}
	return f.authenticator
}

// Cleanup cleans up all services
func (f *ServiceFactory) Cleanup() {
	if f.authenticator != nil {
		f.authenticator.Close()
	}
}
