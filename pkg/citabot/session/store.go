package session

import (
	"log/slog"
	"sync"
	"time"
)

// Store is the façade the rest of the bot talks to. It enforces the
// inactivity TTL on reads, routes writes through the backend's atomic merge,
// and degrades to an in-memory backend when the durable one fails so the bot
// keeps answering instead of going silent.
type Store struct {
	backend  Backend
	fallback *MemoryBackend
	ttl      time.Duration
	logger   *slog.Logger

	degraded     bool
	degradedOnce sync.Once
	mu           sync.RWMutex
}

// NewStore wraps backend with TTL enforcement and fallback handling.
func NewStore(backend Backend, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		backend:  backend,
		fallback: NewMemoryBackend(),
		ttl:      ttl,
		logger:   logger.With("component", "session"),
	}
}

// TTL returns the configured inactivity window.
func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) active() Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.degraded {
		return s.fallback
	}
	return s.backend
}

// degrade switches the store to the in-memory fallback. Logged once; later
// failures would only repeat the same message.
func (s *Store) degrade(err error) {
	s.mu.Lock()
	s.degraded = true
	s.mu.Unlock()
	s.degradedOnce.Do(func() {
		s.logger.Error("session backend failed, continuing with in-memory store", "error", err)
	})
}

// Get returns the live session for key, or nil when none exists. A session
// past its TTL is removed and reported as absent.
func (s *Store) Get(key string) *Session {
	backend := s.active()
	sess, err := backend.Load(key)
	if err != nil {
		s.degrade(err)
		sess, _ = s.fallback.Load(key)
	}
	if sess == nil {
		return nil
	}
	if sess.Expired(time.Now(), s.ttl) {
		s.logger.Debug("session expired", "key", key, "last_activity", sess.LastActivity)
		s.Remove(key)
		return nil
	}
	return sess
}

// GetOrCreate returns the live session for key, creating an empty one when
// absent or expired.
func (s *Store) GetOrCreate(key string) *Session {
	if sess := s.Get(key); sess != nil {
		return sess
	}
	return s.MergeUpdate(key, Patch{})
}

// MergeUpdate applies patch atomically and returns the resulting session.
// An absent session is created first, so a patch never silently disappears.
func (s *Store) MergeUpdate(key string, patch Patch) *Session {
	backend := s.active()
	sess, err := backend.Merge(key, patch)
	if err != nil {
		s.degrade(err)
		sess, _ = s.fallback.Merge(key, patch)
	}
	return sess
}

// Remove deletes the session for key. The profile is kept.
func (s *Store) Remove(key string) {
	backend := s.active()
	if err := backend.Delete(key); err != nil {
		s.degrade(err)
		_ = s.fallback.Delete(key)
	}
}

// Profile returns the long-lived patient record for key, or nil.
func (s *Store) Profile(key string) *Profile {
	backend := s.active()
	p, err := backend.LoadProfile(key)
	if err != nil {
		s.degrade(err)
		p, _ = s.fallback.LoadProfile(key)
	}
	return p
}

// SaveProfile upserts the long-lived patient record.
func (s *Store) SaveProfile(profile *Profile) {
	backend := s.active()
	if err := backend.SaveProfile(profile); err != nil {
		s.degrade(err)
		_ = s.fallback.SaveProfile(profile)
	}
}

// PruneExpired removes every session inactive for longer than the TTL and
// returns how many were dropped. Meant to run from the cron scheduler.
func (s *Store) PruneExpired() int {
	backend := s.active()
	cutoff := time.Now().Add(-s.ttl)
	keys, err := backend.StaleKeys(cutoff)
	if err != nil {
		s.degrade(err)
		keys, _ = s.fallback.StaleKeys(cutoff)
	}
	for _, k := range keys {
		s.Remove(k)
	}
	if len(keys) > 0 {
		s.logger.Info("pruned expired sessions", "count", len(keys))
	}
	return len(keys)
}
