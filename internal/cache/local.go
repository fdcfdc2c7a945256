package cache

import (
	"strings"
	"sync"
	"time"
)

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// localStore is the process-local tier. It is bounded by maxEntries and never
// holds an entry longer than the TTL it was given.
type localStore struct {
	mu         sync.Mutex
	items      map[string]localEntry
	maxEntries int
	now        func() time.Time
}

func newLocalStore(maxEntries int, now func() time.Time) *localStore {
	return &localStore{
		items:      make(map[string]localEntry),
		maxEntries: maxEntries,
		now:        now,
	}
}

func (s *localStore) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.items, key)
		return nil, false
	}
	return e.value, true
}

func (s *localStore) set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cp := make([]byte, len(value))
	copy(cp, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[key]; !exists && len(s.items) >= s.maxEntries {
		s.evictLocked()
	}
	s.items[key] = localEntry{value: cp, expiresAt: s.now().Add(ttl)}
}

// evictLocked drops expired entries first, then arbitrary ones until there is room.
func (s *localStore) evictLocked() {
	now := s.now()
	for k, e := range s.items {
		if !now.Before(e.expiresAt) {
			delete(s.items, k)
		}
	}
	for k := range s.items {
		if len(s.items) < s.maxEntries {
			return
		}
		delete(s.items, k)
	}
}

func (s *localStore) delete(key string) {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

func (s *localStore) deletePrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			delete(s.items, k)
			n++
		}
	}
	return n
}

func (s *localStore) clear() {
	s.mu.Lock()
	s.items = make(map[string]localEntry)
	s.mu.Unlock()
}

func (s *localStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
