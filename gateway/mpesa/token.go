package mpesa

import (
	"context"
	"sync"
	"time"
)

// TokenCache keeps the OAuth access token between pushes. Get returns ""
// with a nil error on a miss.
type TokenCache interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, token string, ttl time.Duration) error
	Delete(ctx context.Context, name string) error
}

type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryTokenCache is a process-local TokenCache.
type MemoryTokenCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryTokenCache) Get(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[name]
	if !ok {
		return "", nil
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, name)
		return "", nil
	}
	return e.token, nil
}

func (m *MemoryTokenCache) Set(_ context.Context, name, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = memoryEntry{token: token, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryTokenCache) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, name)
	return nil
}
