package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryAdapter keeps payloads in process memory with TTL support
type MemoryAdapter struct {
	data   sync.Map
	config Config
	cancel context.CancelFunc
}

// memoryItem represents an item stored in the cache
type memoryItem struct {
	value      []byte
	expiration time.Time
}

func (i memoryItem) expired(now time.Time) bool {
	return !i.expiration.IsZero() && now.After(i.expiration)
}

// NewMemoryAdapter creates a new in-memory adapter
func NewMemoryAdapter(config Config) *MemoryAdapter {
	ctx, cancel := context.WithCancel(context.Background())
	m := &MemoryAdapter{
		config: config,
		cancel: cancel,
	}

	if config.TTL > 0 {
		go m.cleanupExpired(ctx, config.TTL)
	}

	return m
}

// Get retrieves a payload
func (m *MemoryAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullKey := m.config.Prefix + key
	value, ok := m.data.Load(fullKey)
	if !ok {
		return nil, ErrCacheMiss{Key: key}
	}

	item := value.(memoryItem)
	if item.expired(time.Now()) {
		m.data.Delete(fullKey)
		return nil, ErrCacheMiss{Key: key}
	}

	return item.value, nil
}

// Set stores a payload
func (m *MemoryAdapter) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	item := memoryItem{value: append([]byte(nil), value...)}
	if m.config.TTL > 0 {
		item.expiration = time.Now().Add(m.config.TTL)
	}

	m.data.Store(m.config.Prefix+key, item)
	return nil
}

// Remove deletes a payload
func (m *MemoryAdapter) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.data.Delete(m.config.Prefix + key)
	return nil
}

// Clear removes all payloads under the adapter prefix
func (m *MemoryAdapter) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.data.Range(func(key, _ interface{}) bool {
		if strings.HasPrefix(key.(string), m.config.Prefix) {
			m.data.Delete(key)
		}
		return true
	})
	return nil
}

// Close stops the background cleanup goroutine
func (m *MemoryAdapter) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	return nil
}

// cleanupExpired periodically removes expired items
func (m *MemoryAdapter) cleanupExpired(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			m.data.Range(func(key, value interface{}) bool {
				if value.(memoryItem).expired(now) {
					m.data.Delete(key)
				}
				return true
			})
		}
	}
}
