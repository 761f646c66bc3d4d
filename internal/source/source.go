// Package source provides the raw tile byte providers the pipeline fetches from.
package source

import (
	"context"
	"sort"
	"sync"

	"gigamap/internal/tile"
)

// Fetcher returns the encoded bytes of one tile.
type Fetcher interface {
	Fetch(ctx context.Context, key tile.Key) ([]byte, error)
}

type FetcherFunc func(ctx context.Context, key tile.Key) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	return f(ctx, key)
}

// Registry maps source ids to fetchers.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Fetcher
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Fetcher)}
}

// Set registers f under id and reports whether an existing source was replaced.
func (r *Registry) Set(id string, f Fetcher) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.sources[id]
	r.sources[id] = f
	return replaced
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sources[id]
	delete(r.sources, id)
	return ok
}

func (r *Registry) Get(id string) (Fetcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.sources[id]
	return f, ok
}

// IDs returns the registered source ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}
