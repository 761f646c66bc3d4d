package store

import (
	"container/list"
	"context"
	"sync"

	"gigamap/internal/tile"
)

type entry struct {
	key   tile.Key
	value []byte
}

// MemoryStore implements in-memory LRU store
type MemoryStore struct {
	mu      sync.Mutex
	maxSize int
	items   map[tile.Key]*list.Element
	lruList *list.List
}

// NewMemoryStore creates a new in-memory LRU store holding at most maxSize tiles
func NewMemoryStore(maxSize int) *MemoryStore {
	return &MemoryStore{
		maxSize: maxSize,
		items:   make(map[tile.Key]*list.Element),
		lruList: list.New(),
	}
}

func (s *MemoryStore) Name() string {
	return "memory"
}

func (s *MemoryStore) Has(_ context.Context, key tile.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.items[key]
	return ok
}

func (s *MemoryStore) Get(_ context.Context, key tile.Key) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return nil, false
	}

	s.lruList.MoveToFront(elem)
	return elem.Value.(*entry).value, true
}

func (s *MemoryStore) Set(_ context.Context, key tile.Key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		elem.Value.(*entry).value = value
		s.lruList.MoveToFront(elem)
		return
	}

	if s.lruList.Len() >= s.maxSize {
		oldest := s.lruList.Back()
		if oldest != nil {
			delete(s.items, oldest.Value.(*entry).key)
			s.lruList.Remove(oldest)
		}
	}

	elem := s.lruList.PushFront(&entry{key: key, value: value})
	s.items[key] = elem
}

func (s *MemoryStore) Invalidate(_ context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, elem := range s.items {
		if key.SourceID == sourceID {
			s.lruList.Remove(elem)
			delete(s.items, key)
		}
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[tile.Key]*list.Element)
	s.lruList = list.New()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
