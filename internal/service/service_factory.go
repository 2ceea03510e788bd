package service

import (
	"time"

	"go.uber.org/zap"

	"identity-service/internal/hashing"
	"identity-service/internal/repository"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	users            repository.UserRepository
	store            repository.VerificationStore
	tokens           *token.Service
	hasher           *hashing.Hasher
	dispatcher       Enqueuer
	recorder         EventRecorder
	clock            util.Clock
	codeTTL          time.Duration
	activateOnVerify bool
	logger           *zap.Logger

	verificationService *VerificationService
	authService         *AuthService
	gate                *Gate
}

type FactoryDeps struct {
	Users            repository.UserRepository
	Store            repository.VerificationStore
	Tokens           *token.Service
	Hasher           *hashing.Hasher
	Dispatcher       Enqueuer
	Recorder         EventRecorder
	Clock            util.Clock
	CodeTTL          time.Duration
	ActivateOnVerify bool
	Logger           *zap.Logger
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(deps FactoryDeps) *ServiceFactory {
	if deps.Clock == nil {
		deps.Clock = util.SystemClock()
	}
	return &ServiceFactory{
		users:            deps.Users,
		store:            deps.Store,
		tokens:           deps.Tokens,
		hasher:           deps.Hasher,
		dispatcher:       deps.Dispatcher,
		recorder:         deps.Recorder,
		clock:            deps.Clock,
		codeTTL:          deps.CodeTTL,
		activateOnVerify: deps.ActivateOnVerify,
		logger:           deps.Logger,
	}
}

// VerificationService returns the verification service instance (singleton)
func (f *ServiceFactory) VerificationService() *VerificationService {
	if f.verificationService == nil {
		f.verificationService = NewVerificationService(
			f.store,
			f.hasher,
			f.dispatcher,
			f.recorder,
			f.clock,
			f.codeTTL,
			f.logger,
		)
	}
	return f.verificationService
}

// AuthService returns the auth service instance (singleton)
func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(
			f.users,
			f.VerificationService(),
			f.tokens,
			f.hasher,
			f.recorder,
			f.clock,
			f.activateOnVerify,
			f.logger,
		)
	}
	return f.authService
}

func (f *ServiceFactory) Gate() *Gate {
	if f.gate == nil {
		f.gate = NewGate(f.tokens)
	}
	return f.gate
}
