package bucketing

import (
	"hash"
	"sync"

	"credguard/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager spreads partition keys over a fixed number of buckets
// with murmur3. The bucket for a key never changes while the bucket
// counts stay the same, so counts must not be changed on a live cluster.
type BucketingManager struct {
	credentialBuckets int
	attemptBuckets    int
	hasherPool        sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		credentialBuckets: atLeastOne(cfg.Bucketing.CredentialBuckets),
		attemptBuckets:    atLeastOne(cfg.Bucketing.AttemptBuckets),
	}

	// Pool hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() any {
			return murmur3.New64()
		},
	}

	return bm
}

// CredentialBucket places a credential id.
func (bm *BucketingManager) CredentialBucket(credentialID string) int {
	return bm.getBucket(credentialID, bm.credentialBuckets)
}

// IdentityBucket places a lookup row keyed by username or email.
func (bm *BucketingManager) IdentityBucket(value string) int {
	return bm.getBucket(value, bm.credentialBuckets)
}

// AttemptBucket places a brute-force source key.
func (bm *BucketingManager) AttemptBucket(sourceID string) int {
	return bm.getBucket(sourceID, bm.attemptBuckets)
}

func (bm *BucketingManager) CredentialBuckets() int {
	return bm.credentialBuckets
}

func (bm *BucketingManager) AttemptBuckets() int {
	return bm.attemptBuckets
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

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
