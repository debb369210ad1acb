package bucketing

import (
	"hash"
	"sync"
	"time"

	"kyc-service/internal/config"

	"github.com/spaolacci/murmur3"
)

type BucketingManager struct {
	sessionBuckets int
	eventBuckets   int
	hasherPool     sync.Pool
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	bm := &BucketingManager{
		sessionBuckets: max(cfg.UserBuckets, 1),
		eventBuckets:   max(cfg.EventBuckets, 1),
	}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetSessionBucket returns the consistent bucket (0 to sessionBuckets-1) for a session handle.
func (bm *BucketingManager) GetSessionBucket(handle string) int {
	return bm.getBucket(handle, bm.sessionBuckets)
}

// GetEventBucket returns the partition bucket for audit events.
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// GetDateBucket returns the UTC date bucket for events
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) SessionBuckets() int {
	return bm.sessionBuckets
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
