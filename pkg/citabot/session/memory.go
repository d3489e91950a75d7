package session

import (
	"sync"
	"time"
)

// Backend is the storage behind the Store. Merge must apply the patch as a
// single atomic read-modify-write, creating the session when absent.
type Backend interface {
	Load(key string) (*Session, error)
	Merge(key string, patch Patch) (*Session, error)
	Delete(key string) error

	LoadProfile(key string) (*Profile, error)
	SaveProfile(profile *Profile) error

	// StaleKeys returns the keys of sessions inactive since before cutoff.
	StaleKeys(cutoff time.Time) ([]string, error)
}

// MemoryBackend is a process-local Backend. It serves as the degraded-mode
// fallback when the durable backend fails, and as the primary store in tests
// and in the local chat REPL.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	profiles map[string]*Profile
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: map[string]*Session{},
		profiles: map[string]*Profile{},
	}
}

func (m *MemoryBackend) Load(key string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, nil
	}
	return s.clone(), nil
}

func (m *MemoryBackend) Merge(key string, patch Patch) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		s = newSession(key)
		m.sessions[key] = s
	}
	patch.apply(s)
	return s.clone(), nil
}

func (m *MemoryBackend) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	return nil
}

func (m *MemoryBackend) LoadProfile(key string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[key]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryBackend) SaveProfile(profile *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *profile
	cp.UpdatedAt = time.Now()
	m.profiles[profile.Key] = &cp
	return nil
}

func (m *MemoryBackend) StaleKeys(cutoff time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k, s := range m.sessions {
		if s.LastActivity.Before(cutoff) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
