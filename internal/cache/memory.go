package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// Memory is an in-process cache backend for single-server installations and
// tests. A janitor goroutine drops expired entries.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memoryEntry
	stop  chan struct{}
	once  sync.Once
}

func NewMemory(cleanupInterval time.Duration) *Memory {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	m := &Memory{
		items: make(map[string]memoryEntry),
		stop:  make(chan struct{}),
	}
	go m.janitor(cleanupInterval)
	return m
}

func (m *Memory) Put(ctx context.Context, callID, treePath string, payload []byte, ttl time.Duration) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	m.mu.Lock()
	m.items[Key(callID, treePath)] = memoryEntry{
		payload:   buf,
		expiresAt: time.Now().Add(ttl),
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(ctx context.Context, callID, treePath string) ([]byte, error) {
	m.mu.RLock()
	entry, ok := m.items[Key(callID, treePath)]
	m.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, ErrMiss
	}
	return entry.payload, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, entry := range m.items {
				if now.After(entry.expiresAt) {
					delete(m.items, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
