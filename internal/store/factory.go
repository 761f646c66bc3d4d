package store

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	Type        string
	MemoryTiles int
	FileDir     string
	RedisAddr   string
	RedisTTL    time.Duration
}

// New creates a store instance based on the store type
func New(cfg Config, log *zap.Logger) (Store, error) {
	switch cfg.Type {
	case "memory":
		log.Info("Using memory tile store", zap.Int("max_tiles", cfg.MemoryTiles))
		return NewMemoryStore(cfg.MemoryTiles), nil
	case "file":
		log.Info("Using file tile store", zap.String("dir", cfg.FileDir))
		return NewFileStore(cfg.FileDir, log)
	case "redis":
		log.Info("Using redis tile store", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.RedisTTL))
		return NewRedisStore(cfg.RedisAddr, cfg.RedisTTL, log), nil
	case "disabled", "":
		log.Info("Tile store disabled")
		return NewNoopStore(), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s (supported: memory, file, redis, disabled)", cfg.Type)
	}
}
