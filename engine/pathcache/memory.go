package pathcache

import (
	"context"
	"sync"
	"time"

	"github.com/WessleyAI/warmpath/engine/domain"
)

// MemoryBackend keeps entries in a map. It is the backend of a
// single-process deployment and of tests.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[key]domain.CachedPath
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[key]domain.CachedPath)}
}

func (m *MemoryBackend) Get(_ context.Context, from, to string, now time.Time) (domain.CachedPath, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key{from, to}]
	if !ok || e.Expired(now) {
		return domain.CachedPath{}, ErrMiss
	}
	return e, nil
}

func (m *MemoryBackend) Put(_ context.Context, e domain.CachedPath) error {
	m.mu.Lock()
	m.entries[key{e.From, e.To}] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) DeleteTouching(_ context.Context, personID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		for _, id := range touched(e) {
			if id == personID {
				delete(m.entries, k)
				n++
				break
			}
		}
	}
	return n, nil
}

func (m *MemoryBackend) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}
