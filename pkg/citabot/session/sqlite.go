package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// OpenDatabase opens (creating if needed) the CitaBot SQLite database at
// path. Foreign keys and WAL mode match the WhatsApp device store settings so
// a single file can be shared.
func OpenDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// SQLiteBackend stores session documents and patient profiles in SQLite.
// Each session is a single JSON document row; Merge runs the read-modify-write
// inside an immediate transaction so concurrent patches for the same key
// serialize instead of clobbering each other.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend wraps db and creates the session tables if missing.
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		key TEXT PRIMARY KEY,
		doc TEXT NOT NULL,
		last_activity TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity);

	CREATE TABLE IF NOT EXISTS profiles (
		key TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		patient_id TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create session tables: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(key string) (*Session, error) {
	var doc string
	err := b.db.QueryRow(`SELECT doc FROM sessions WHERE key = ?`, key).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", key, err)
	}
	var s Session
	if err := json.Unmarshal([]byte(doc), &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", key, err)
	}
	return &s, nil
}

func (b *SQLiteBackend) Merge(key string, patch Patch) (*Session, error) {
	tx, err := b.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin merge for %s: %w", key, err)
	}
	defer tx.Rollback()

	s := newSession(key)
	var doc string
	err = tx.QueryRow(`SELECT doc FROM sessions WHERE key = ?`, key).Scan(&doc)
	switch {
	case err == sql.ErrNoRows:
		// first write creates the session
	case err != nil:
		return nil, fmt.Errorf("failed to read session %s: %w", key, err)
	default:
		if err := json.Unmarshal([]byte(doc), s); err != nil {
			return nil, fmt.Errorf("failed to decode session %s: %w", key, err)
		}
	}

	patch.apply(s)

	out, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session %s: %w", key, err)
	}
	_, err = tx.Exec(`
		INSERT INTO sessions (key, doc, last_activity) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET doc = excluded.doc, last_activity = excluded.last_activity`,
		key, string(out), s.LastActivity)
	if err != nil {
		return nil, fmt.Errorf("failed to write session %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session %s: %w", key, err)
	}
	return s, nil
}

func (b *SQLiteBackend) Delete(key string) error {
	if _, err := b.db.Exec(`DELETE FROM sessions WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	return nil
}

func (b *SQLiteBackend) LoadProfile(key string) (*Profile, error) {
	p := &Profile{Key: key}
	err := b.db.QueryRow(`SELECT name, patient_id, updated_at FROM profiles WHERE key = ?`, key).
		Scan(&p.Name, &p.PatientID, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %s: %w", key, err)
	}
	return p, nil
}

func (b *SQLiteBackend) SaveProfile(profile *Profile) error {
	_, err := b.db.Exec(`
		INSERT INTO profiles (key, name, patient_id, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET name = excluded.name, patient_id = excluded.patient_id, updated_at = excluded.updated_at`,
		profile.Key, profile.Name, profile.PatientID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save profile %s: %w", profile.Key, err)
	}
	return nil
}

func (b *SQLiteBackend) StaleKeys(cutoff time.Time) ([]string, error) {
	rows, err := b.db.Query(`SELECT key FROM sessions WHERE last_activity < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan stale session key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
