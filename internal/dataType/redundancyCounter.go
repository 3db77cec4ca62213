package dataType

import (
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

type redundancyBucket struct {
	mu     sync.RWMutex
	counts map[string]int64
}

func newRedundancyBucket() *redundancyBucket {
	return &redundancyBucket{
		counts: make(map[string]int64),
	}
}

// RedundancyCounter counts delivery attempts per (receiver, version) so the
// metrics layer can tell how many targets were transmitted to more than once.
type RedundancyCounter struct {
	buckets     []*redundancyBucket
	bucketCount uint64
}

func NewRedundancyCounter(bucketCount int) *RedundancyCounter {
	if bucketCount < 1 {
		bucketCount = 1
	}
	rc := &RedundancyCounter{
		buckets:     make([]*redundancyBucket, bucketCount),
		bucketCount: uint64(bucketCount),
	}
	for i := 0; i < bucketCount; i++ {
		rc.buckets[i] = newRedundancyBucket()
	}
	return rc
}

func redundancyKey(receiver int, version string) string {
	return strconv.Itoa(receiver) + "/" + version
}

// getBucket shards by hash; counts stay keyed by the full key.
func (rc *RedundancyCounter) getBucket(key string) *redundancyBucket {
	return rc.buckets[xxhash.Sum64String(key)%rc.bucketCount]
}

func (rc *RedundancyCounter) Add(receiver int, version string) {
	key := redundancyKey(receiver, version)
	bucket := rc.getBucket(key)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	bucket.counts[key]++
}

func (rc *RedundancyCounter) Query(receiver int, version string) int64 {
	key := redundancyKey(receiver, version)
	bucket := rc.getBucket(key)
	bucket.mu.RLock()
	defer bucket.mu.RUnlock()
	return bucket.counts[key]
}

// Redundant returns the number of (receiver, version) targets that saw more
// than one attempt.
func (rc *RedundancyCounter) Redundant() int {
	total := 0
	for _, bucket := range rc.buckets {
		bucket.mu.RLock()
		for _, c := range bucket.counts {
			if c > 1 {
				total++
			}
		}
		bucket.mu.RUnlock()
	}
	return total
}
