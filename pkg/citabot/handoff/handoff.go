// Package handoff tracks human-operator interventions. A conversation is
// either bot-attended or, while an active handoff exists for its key,
// operator-attended; the bot's orchestrator checks here before processing
// anything. Handoffs close only by explicit operator action, never by
// timeout, so a patient is not bounced back to the bot mid-conversation.
package handoff

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status values for a handoff record.
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// Handoff is one intervention record.
type Handoff struct {
	ID           string
	ClientKey    string
	Reason       string
	Operator     string
	OperatorName string
	Status       string
	CreatedAt    time.Time
	ClosedAt     time.Time
}

// Store persists handoff records.
type Store interface {
	ActiveFor(clientKey string) (*Handoff, error)
	Insert(h *Handoff) error
	Assign(id, operator, operatorName string) error
	Close(id string) error
	ListActive() ([]*Handoff, error)
}

// Notifier is told when a new handoff opens, so operators can be alerted on
// a side channel.
type Notifier interface {
	NotifyHandoff(h *Handoff)
}

// Manager owns handoff lifecycle. Creation is idempotent per client key: a
// request while one is already active returns the existing record.
type Manager struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewManager returns a Manager over store. notifier may be nil.
func NewManager(store Store, notifier Notifier, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		notifier: notifier,
		logger:   logger.With("component", "handoff"),
	}
}

// ActiveFor returns the active handoff for clientKey, or nil.
func (m *Manager) ActiveFor(clientKey string) (*Handoff, error) {
	return m.store.ActiveFor(clientKey)
}

// Request opens a handoff for clientKey, or returns the one already active.
// The returned bool reports whether a new record was created.
func (m *Manager) Request(clientKey, reason string) (*Handoff, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.ActiveFor(clientKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check active handoff: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	h := &Handoff{
		ID:        uuid.NewString(),
		ClientKey: clientKey,
		Reason:    reason,
		Status:    StatusActive,
		CreatedAt: time.Now(),
	}
	if err := m.store.Insert(h); err != nil {
		return nil, false, fmt.Errorf("failed to create handoff: %w", err)
	}
	m.logger.Info("handoff opened", "client", clientKey, "reason", reason, "id", h.ID)
	if m.notifier != nil {
		m.notifier.NotifyHandoff(h)
	}
	return h, true, nil
}

// Take assigns the active handoff for clientKey to an operator.
func (m *Manager) Take(clientKey, operator, operatorName string) (*Handoff, error) {
	h, err := m.store.ActiveFor(clientKey)
	if err != nil {
		return nil, fmt.Errorf("failed to look up handoff: %w", err)
	}
	if h == nil {
		return nil, fmt.Errorf("no active handoff for %s", clientKey)
	}
	if err := m.store.Assign(h.ID, operator, operatorName); err != nil {
		return nil, fmt.Errorf("failed to assign handoff: %w", err)
	}
	h.Operator = operator
	h.OperatorName = operatorName
	m.logger.Info("handoff taken", "client", clientKey, "operator", operatorName)
	return h, nil
}

// Close ends the active handoff for clientKey, returning the bot to the
// conversation. Closing when none is active is not an error; the outcome is
// the same state.
func (m *Manager) Close(clientKey string) (*Handoff, error) {
	h, err := m.store.ActiveFor(clientKey)
	if err != nil {
		return nil, fmt.Errorf("failed to look up handoff: %w", err)
	}
	if h == nil {
		return nil, nil
	}
	if err := m.store.Close(h.ID); err != nil {
		return nil, fmt.Errorf("failed to close handoff: %w", err)
	}
	h.Status = StatusClosed
	h.ClosedAt = time.Now()
	m.logger.Info("handoff closed", "client", clientKey, "id", h.ID)
	return h, nil
}

// ListActive returns every open handoff, oldest first.
func (m *Manager) ListActive() ([]*Handoff, error) {
	return m.store.ListActive()
}

// SQLiteStore persists handoffs in the shared CitaBot database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db and creates the handoffs table if missing.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS handoffs (
		id TEXT PRIMARY KEY,
		client_key TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		operator TEXT NOT NULL DEFAULT '',
		operator_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_handoffs_client ON handoffs(client_key, status);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create handoff table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) ActiveFor(clientKey string) (*Handoff, error) {
	h := &Handoff{}
	err := s.db.QueryRow(`
		SELECT id, client_key, reason, operator, operator_name, status, created_at
		FROM handoffs WHERE client_key = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`, clientKey, StatusActive).
		Scan(&h.ID, &h.ClientKey, &h.Reason, &h.Operator, &h.OperatorName, &h.Status, &h.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active handoff: %w", err)
	}
	return h, nil
}

func (s *SQLiteStore) Insert(h *Handoff) error {
	_, err := s.db.Exec(`
		INSERT INTO handoffs (id, client_key, reason, operator, operator_name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.ClientKey, h.Reason, h.Operator, h.OperatorName, h.Status, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert handoff: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Assign(id, operator, operatorName string) error {
	_, err := s.db.Exec(`UPDATE handoffs SET operator = ?, operator_name = ? WHERE id = ?`,
		operator, operatorName, id)
	if err != nil {
		return fmt.Errorf("failed to assign handoff: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close(id string) error {
	_, err := s.db.Exec(`UPDATE handoffs SET status = ?, closed_at = ? WHERE id = ?`,
		StatusClosed, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to close handoff: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListActive() ([]*Handoff, error) {
	rows, err := s.db.Query(`
		SELECT id, client_key, reason, operator, operator_name, status, created_at
		FROM handoffs WHERE status = ? ORDER BY created_at`, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list handoffs: %w", err)
	}
	defer rows.Close()
	var out []*Handoff
	for rows.Next() {
		h := &Handoff{}
		if err := rows.Scan(&h.ID, &h.ClientKey, &h.Reason, &h.Operator, &h.OperatorName, &h.Status, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan handoff: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// MemoryStore is an in-memory Store for tests and the local chat REPL.
type MemoryStore struct {
	mu       sync.Mutex
	handoffs map[string]*Handoff
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{handoffs: map[string]*Handoff{}}
}

func (s *MemoryStore) ActiveFor(clientKey string) (*Handoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handoffs {
		if h.ClientKey == clientKey && h.Status == StatusActive {
			cp := *h
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Insert(h *Handoff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.handoffs[h.ID] = &cp
	return nil
}

func (s *MemoryStore) Assign(id, operator, operatorName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handoffs[id]; ok {
		h.Operator = operator
		h.OperatorName = operatorName
	}
	return nil
}

func (s *MemoryStore) Close(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handoffs[id]; ok {
		h.Status = StatusClosed
		h.ClosedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) ListActive() ([]*Handoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Handoff
	for _, h := range s.handoffs {
		if h.Status == StatusActive {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
