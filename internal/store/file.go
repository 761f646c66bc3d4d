package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"gigamap/internal/tile"
)

// FileStore implements a zstd-compressed file store
// Structure: {dir}/{sourceID}/{z}/{x}_{y}.zst
type FileStore struct {
	mu     sync.RWMutex
	dir    string
	logger *zap.Logger
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FileStore{
		dir:    dir,
		logger: logger,
		enc:    enc,
		dec:    dec,
	}, nil
}

func (s *FileStore) Name() string {
	return "file"
}

func (s *FileStore) sourceDir(sourceID string) string {
	return filepath.Join(s.dir, url.PathEscape(sourceID))
}

// buildFilePath builds file path from tile key
func (s *FileStore) buildFilePath(key tile.Key) string {
	dir := filepath.Join(s.sourceDir(key.SourceID), fmt.Sprintf("%d", key.Zoom))
	return filepath.Join(dir, fmt.Sprintf("%d_%d.zst", key.X, key.Y))
}

func (s *FileStore) Has(_ context.Context, key tile.Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.buildFilePath(key))
	return err == nil
}

func (s *FileStore) Get(_ context.Context, key tile.Key) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	compressed, err := os.ReadFile(s.buildFilePath(key))
	if err != nil {
		return nil, false
	}

	data, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		s.logger.Warn("Corrupt store file", zap.Stringer("key", key), zap.Error(err))
		return nil, false
	}
	return data, true
}

func (s *FileStore) Set(_ context.Context, key tile.Key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := s.buildFilePath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		s.logger.Warn("Failed to create store directory", zap.String("path", filePath), zap.Error(err))
		return
	}

	// Write atomically
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, s.enc.EncodeAll(value, nil), 0644); err != nil {
		s.logger.Warn("Failed to write store file", zap.String("path", tmpPath), zap.Error(err))
		return
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		s.logger.Warn("Failed to rename store file", zap.String("path", filePath), zap.Error(err))
	}
}

func (s *FileStore) Invalidate(_ context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return os.RemoveAll(s.sourceDir(sourceID))
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return err
	}
	return os.MkdirAll(s.dir, 0755)
}

func (s *FileStore) Close() error {
	s.dec.Close()
	return s.enc.Close()
}
