package memory

import (
	"context"
	"sync"

	"identity-service/internal/bucketing"
	"identity-service/internal/models"
	"identity-service/internal/repository"
)

// VerificationStore holds verification records in memory. Updates for one
// identity are serialised on a lock stripe; the map itself has its own lock
// so Get never waits on a slow update callback.
type VerificationStore struct {
	stripes *bucketing.LockStripes

	mu      sync.RWMutex
	records map[string]*models.VerificationRecord
}

func NewVerificationStore(stripes int) *VerificationStore {
	return &VerificationStore{
		stripes: bucketing.NewLockStripes(stripes),
		records: make(map[string]*models.VerificationRecord),
	}
}

func (s *VerificationStore) Get(_ context.Context, kind models.VerificationKind, identity string) (*models.VerificationRecord, error) {
	return s.load(repository.VerificationKey(kind, identity)), nil
}

func (s *VerificationStore) Update(_ context.Context, kind models.VerificationKind, identity string, fn repository.UpdateFunc) (*models.VerificationRecord, error) {
	key := repository.VerificationKey(kind, identity)

	unlock := s.stripes.Lock(key)
	defer unlock()

	rec := s.load(key)
	changed, err := fn(rec)
	if changed {
		rec.Version++
		s.mu.Lock()
		s.records[key] = rec.Clone()
		s.mu.Unlock()
	}
	return rec, err
}

func (s *VerificationStore) HealthCheck(_ context.Context) error {
	return nil
}

func (s *VerificationStore) load(key string) *models.VerificationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[key]; ok {
		return rec.Clone()
	}
	return &models.VerificationRecord{}
}
