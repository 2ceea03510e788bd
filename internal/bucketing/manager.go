package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// BucketingManager maps keys onto a fixed number of buckets with murmur3.
// The same key always lands in the same bucket for a given bucket count.
type BucketingManager struct {
	buckets    int
	hasherPool sync.Pool
}

// BucketAssignment is the partitioning metadata attached to stored security events.
type BucketAssignment struct {
	EventBucket int    `json:"event_bucket"`
	DateBucket  string `json:"date_bucket"`
}

func NewBucketingManager(buckets int) *BucketingManager {
	if buckets <= 0 {
		buckets = 1
	}
	bm := &BucketingManager{buckets: buckets}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetBucket returns a consistent bucket for key (0 to buckets-1).
func (bm *BucketingManager) GetBucket(key string) int {
	return int(bm.getHash(key) % uint64(bm.buckets))
}

// GetDateBucket returns the UTC date partition for t.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) Assign(key string, t time.Time) BucketAssignment {
	return BucketAssignment{
		EventBucket: bm.GetBucket(key),
		DateBucket:  bm.GetDateBucket(t),
	}
}

func (bm *BucketingManager) Buckets() int {
	return bm.buckets
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
