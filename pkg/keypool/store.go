package keypool

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/lysis/internal/config"
)

// Store is the key-value surface credentials persist to
type Store interface {
	// Get returns "" when the key is absent
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// Reloader is implemented by stores that cache an external source
type Reloader interface {
	Reload() error
}

// KeysKey is the store key holding a role's comma-separated credentials
func KeysKey(role Role) string {
	return fmt.Sprintf("lysis_%s_api_key", role)
}

// IndexKey is the store key holding a role's rotation cursor
func IndexKey(role Role) string {
	return fmt.Sprintf("lysis_%s_key_index", role)
}

// NewStore opens the backend named in cfg
func NewStore(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "file", "":
		return NewFileStore(cfg.Path)
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
}

// MemoryStore keeps values in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key], nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Close() error { return nil }
