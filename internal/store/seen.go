// Package store tracks which catalog tracks a session has already seen, so
// duplicate requests can be refused cheaply.
package store

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// SeenStore records track IDs a session has queued or played. A Bloom filter
// answers the common "never seen" case without touching the exact set; the
// LRU bounds memory by evicting the oldest IDs once capacity is exceeded.
type SeenStore struct {
	mu       sync.RWMutex
	ids      map[string]struct{}
	bloom    *bloom.BloomFilter
	recency  *lru.Cache[string, struct{}]
	capacity int
	fpRate   float64
}

// NewSeenStore builds a store bounded at capacity track IDs with the given
// Bloom false positive rate.
func NewSeenStore(capacity int, fpRate float64) *SeenStore {
	if capacity <= 0 {
		capacity = 1
	}
	recency, _ := lru.New[string, struct{}](capacity)

	return &SeenStore{
		ids:      make(map[string]struct{}),
		bloom:    bloom.NewWithEstimates(uint(capacity), fpRate),
		recency:  recency,
		capacity: capacity,
		fpRate:   fpRate,
	}
}

// Has reports whether trackID was recorded. The Bloom filter short-circuits
// misses; hits are confirmed against the exact set so false positives never
// leak to callers.
func (s *SeenStore) Has(trackID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.bloom.TestString(trackID) {
		return false
	}
	_, ok := s.ids[trackID]
	return ok
}

// Add records trackID. Adding an already-recorded ID is a no-op.
func (s *SeenStore) Add(trackID string) {
	s.AddIfAbsent(trackID)
}

// AddIfAbsent records trackID and reports whether it was newly recorded.
// Check and insert happen under one lock, so of any number of concurrent
// callers exactly one claims the ID.
func (s *SeenStore) AddIfAbsent(trackID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[trackID]; ok {
		return false
	}

	s.ids[trackID] = struct{}{}
	s.bloom.AddString(trackID)
	s.recency.Add(trackID, struct{}{})

	if len(s.ids) > s.capacity {
		s.evictOldest()
	}
	return true
}

// Remove forgets trackID, letting it be requested again. The Bloom filter
// cannot unlearn an ID, but the exact set check keeps Has correct.
func (s *SeenStore) Remove(trackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[trackID]; !ok {
		return
	}
	delete(s.ids, trackID)
	s.recency.Remove(trackID)
}

// Load resets the store to exactly the given IDs, used when a session binds
// to an existing playlist. Empty IDs are skipped.
func (s *SeenStore) Load(trackIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()
	for _, id := range trackIDs {
		if id == "" {
			continue
		}
		s.ids[id] = struct{}{}
		s.bloom.AddString(id)
		s.recency.Add(id, struct{}{})
	}
	for len(s.ids) > s.capacity {
		s.evictOldest()
	}
}

// Size returns the number of recorded IDs.
func (s *SeenStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Clear forgets everything.
func (s *SeenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *SeenStore) reset() {
	s.ids = make(map[string]struct{})
	s.bloom = bloom.NewWithEstimates(uint(s.capacity), s.fpRate)
	s.recency.Purge()
}

func (s *SeenStore) evictOldest() {
	oldest, _, ok := s.recency.GetOldest()
	if !ok {
		return
	}
	delete(s.ids, oldest)
	s.recency.Remove(oldest)
}
