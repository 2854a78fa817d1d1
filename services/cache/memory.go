package cache

import (
	"container/list"
	"context"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/models"
)

// MemoryStore is an in-memory LRU store with per-entry TTL. A background
// janitor sweeps expired entries so the map does not accumulate dead keys
// between lookups.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	lruList    *list.List
	maxEntries int
	evictions  uint64

	logger   *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

type memoryEntry struct {
	entry   *models.CacheEntry
	element *list.Element
}

func NewMemoryStore(maxEntries int, cleanupInterval time.Duration, logger *zap.Logger) *MemoryStore {
	s := &MemoryStore{
		entries:    make(map[string]*memoryEntry),
		lruList:    list.New(),
		maxEntries: maxEntries,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.janitor(cleanupInterval)
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*models.CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if e.entry.Expired(time.Now()) {
		s.removeLocked(key)
		return nil, false, nil
	}

	s.lruList.MoveToFront(e.element)
	e.entry.HitCount++
	return e.entry, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, entry *models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[key]; ok {
		existing.entry = entry
		s.lruList.MoveToFront(existing.element)
		return nil
	}

	if s.lruList.Len() >= s.maxEntries {
		s.evictLRU()
	}

	e := &memoryEntry{entry: entry}
	e.element = s.lruList.PushFront(key)
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Invalidate(_ context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]string, 0)
	for key := range s.entries {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return 0, err
		}
		if ok {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		s.removeLocked(key)
	}
	return len(matched), nil
}

func (s *MemoryStore) Entries(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lruList.Len(), nil
}

// Evictions reports how many entries capacity pressure has pushed out.
func (s *MemoryStore) Evictions() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictions
}

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

// CleanupExpired removes every expired entry and returns how many it found.
func (s *MemoryStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	expired := make([]string, 0)
	for key, e := range s.entries {
		if e.entry.Expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		s.removeLocked(key)
	}
	return len(expired)
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.CleanupExpired(); n > 0 {
				s.logger.Debug("cache janitor removed expired entries", zap.Int("removed", n))
			}
		case <-s.stopCh:
			return
		}
	}
}

// removeLocked removes an entry. Caller holds the lock.
func (s *MemoryStore) removeLocked(key string) {
	if e, ok := s.entries[key]; ok {
		s.lruList.Remove(e.element)
		delete(s.entries, key)
	}
}

// evictLRU drops the least recently used entry. Caller holds the lock.
func (s *MemoryStore) evictLRU() {
	back := s.lruList.Back()
	if back == nil {
		return
	}
	key := back.Value.(string)
	s.lruList.Remove(back)
	delete(s.entries, key)
	s.evictions++
}
