package bucketing

import "sync"

// LockStripes serialises work per key with a fixed pool of mutexes. Two keys
// may share a stripe; one key never maps to two stripes.
type LockStripes struct {
	bm    *BucketingManager
	locks []sync.Mutex
}

func NewLockStripes(n int) *LockStripes {
	bm := NewBucketingManager(n)
	return &LockStripes{bm: bm, locks: make([]sync.Mutex, bm.Buckets())}
}

// Lock acquires the stripe for key and returns its unlock function.
func (s *LockStripes) Lock(key string) func() {
	m := &s.locks[s.bm.GetBucket(key)]
	m.Lock()
	return m.Unlock
}
