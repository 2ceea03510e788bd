package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"identity-service/internal/repository"
	"identity-service/internal/util"
)

const defaultSweepBatch = 512

// RevocationStore is a process-local revocation list. Entries are keyed by
// token digest and kept in an expiry heap so a sweep only touches what has
// expired, a bounded batch per lock hold.
type RevocationStore struct {
	clock     util.Clock
	batchSize int

	mu      sync.RWMutex
	entries map[string]time.Time
	queue   expiryHeap
}

func NewRevocationStore(clock util.Clock, batchSize int) *RevocationStore {
	if batchSize <= 0 {
		batchSize = defaultSweepBatch
	}
	return &RevocationStore{
		clock:     clock,
		batchSize: batchSize,
		entries:   make(map[string]time.Time),
	}
}

func (s *RevocationStore) Revoke(_ context.Context, token string, expiresAt time.Time) (bool, error) {
	digest := repository.TokenDigest(token)

	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.entries[digest]; ok && s.clock.Now().Before(exp) {
		return false, nil
	}
	s.entries[digest] = expiresAt
	heap.Push(&s.queue, expiryItem{digest: digest, expiresAt: expiresAt})
	return true, nil
}

func (s *RevocationStore) IsRevoked(_ context.Context, token string) (bool, error) {
	digest := repository.TokenDigest(token)
	now := s.clock.Now()

	s.mu.RLock()
	exp, ok := s.entries[digest]
	s.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if now.Before(exp) {
		return true, nil
	}

	s.mu.Lock()
	if cur, ok := s.entries[digest]; ok && !now.Before(cur) {
		delete(s.entries, digest)
	}
	s.mu.Unlock()
	return false, nil
}

// Sweep drops expired entries, releasing the lock between batches.
func (s *RevocationStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	for {
		n, more := s.sweepBatch(now)
		removed += n
		if !more {
			return removed, nil
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
	}
}

func (s *RevocationStore) sweepBatch(now time.Time) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for i := 0; i < s.batchSize; i++ {
		if s.queue.Len() == 0 || now.Before(s.queue[0].expiresAt) {
			return removed, false
		}
		item := heap.Pop(&s.queue).(expiryItem)
		// a lazily deleted or re-revoked digest leaves a stale heap item
		if cur, ok := s.entries[item.digest]; ok && cur.Equal(item.expiresAt) {
			delete(s.entries, item.digest)
			removed++
		}
	}
	return removed, true
}

func (s *RevocationStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func (s *RevocationStore) HealthCheck(_ context.Context) error {
	return nil
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (s *RevocationStore) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.Sweep(ctx, s.clock.Now())
				if err != nil {
					return
				}
				if removed > 0 {
					util.Debug("Revocation sweep completed", util.Int("removed", removed))
				}
			}
		}
	}()
}

type expiryItem struct {
	digest    string
	expiresAt time.Time
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x any) {
	*h = append(*h, x.(expiryItem))
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
