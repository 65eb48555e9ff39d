package credstore

import (
	"context"
	"sync"

	"github.com/aussiebroadwan/carelink/pkg/domain"
)

// MemoryStore keeps values in process memory. It does not survive restarts
// and is meant for tests and ephemeral sessions.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[Key]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[Key]string)}
}

func (m *MemoryStore) Get(_ context.Context, key Key) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(_ context.Context, key Key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *MemoryStore) SetCredentials(_ context.Context, creds domain.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	setOrDelete(m.values, KeyAccessToken, creds.AccessToken)
	setOrDelete(m.values, KeyRefreshToken, creds.RefreshToken)
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, KeyAccessToken)
	delete(m.values, KeyRefreshToken)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func setOrDelete(values map[Key]string, key Key, value string) {
	if value == "" {
		delete(values, key)
		return
	}
	values[key] = value
}
