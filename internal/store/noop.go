package store

import (
	"context"

	"gigamap/internal/tile"
)

type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) Name() string {
	return "disabled"
}

func (s *NoopStore) Get(context.Context, tile.Key) ([]byte, bool) {
	return nil, false
}

func (s *NoopStore) Set(context.Context, tile.Key, []byte) {
}

func (s *NoopStore) Has(context.Context, tile.Key) bool {
	return false
}

func (s *NoopStore) Invalidate(context.Context, string) error {
	return nil
}

func (s *NoopStore) Clear(context.Context) error {
	return nil
}

func (s *NoopStore) Close() error {
	return nil
}
