// Package storage persists the client's cookies (which carry the refresh
// credential) and a few settings in an encrypted SQLite database.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// StoredCookie is a cookie as persisted. Value is encrypted at rest.
type StoredCookie struct {
	// Domain is empty for host-only cookies.
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Expires  time.Time `json:"expires"`
	Secure   bool      `json:"secure"`
	HttpOnly bool      `json:"httpOnly"`
}

// CookieStore defines the persistence the cookie jar needs.
type CookieStore interface {
	SaveCookies(host string, cookies []StoredCookie) error
	LoadCookies(host string) ([]StoredCookie, error)
	DeleteCookies(host string) error
}

// SQLiteStore implements CookieStore using SQLite with encrypted values.
type SQLiteStore struct {
	db            *sql.DB
	encryptionKey []byte
	mu            sync.RWMutex
}

// NewSQLiteStore opens (or creates) the database at dbPath. encryptionKey is
// used for cookie values and must be 16, 24 or 32 bytes.
func NewSQLiteStore(dbPath string, encryptionKey []byte) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		db:            db,
		encryptionKey: encryptionKey,
	}

	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	// The file exists once the schema is created.
	if dbPath != ":memory:" {
		if err := os.Chmod(dbPath, 0600); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("dbPath", dbPath).Msg("failed to restrict database permissions")
		}
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	cookiesQuery := `
	CREATE TABLE IF NOT EXISTS cookies (
		host TEXT PRIMARY KEY,
		encrypted_cookies TEXT NOT NULL,
		last_updated DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(cookiesQuery); err != nil {
		return fmt.Errorf("failed to create cookies table: %w", err)
	}

	settingsQuery := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(settingsQuery); err != nil {
		return fmt.Errorf("failed to create settings table: %w", err)
	}

	return nil
}

// SaveCookies replaces the cookies stored for host. An empty slice removes
// the row.
func (s *SQLiteStore) SaveCookies(host string, cookies []StoredCookie) error {
	if len(cookies) == 0 {
		return s.DeleteCookies(host)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("failed to marshal cookies: %w", err)
	}

	encrypted, err := Encrypt(data, s.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt cookies: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO cookies (host, encrypted_cookies, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT(host) DO UPDATE SET
			encrypted_cookies = excluded.encrypted_cookies,
			last_updated = excluded.last_updated
	`, host, encrypted, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save cookies: %w", err)
	}

	return nil
}

// LoadCookies returns the cookies stored for host, or nil if there are none.
func (s *SQLiteStore) LoadCookies(host string) ([]StoredCookie, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var encrypted string
	err := s.db.QueryRow("SELECT encrypted_cookies FROM cookies WHERE host = ?", host).Scan(&encrypted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query cookies: %w", err)
	}

	data, err := Decrypt(encrypted, s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt cookies: %w", err)
	}

	var cookies []StoredCookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cookies: %w", err)
	}
	return cookies, nil
}

// DeleteCookies removes every cookie stored for host.
func (s *SQLiteStore) DeleteCookies(host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM cookies WHERE host = ?", host); err != nil {
		return fmt.Errorf("failed to delete cookies: %w", err)
	}
	return nil
}

// GetInstallationID returns the stored installation id, or "" if none.
func (s *SQLiteStore) GetInstallationID() (string, error) {
	return s.getSetting("installation_id")
}

// SetInstallationID stores the installation id sent in X-Client-Id.
func (s *SQLiteStore) SetInstallationID(installationID string) error {
	return s.setSetting("installation_id", installationID)
}

// GetLastEventID returns the id of the last received stream event.
func (s *SQLiteStore) GetLastEventID() (string, error) {
	return s.getSetting("last_event_id")
}

// SetLastEventID stores the id of the last received stream event.
func (s *SQLiteStore) SetLastEventID(id string) error {
	return s.setSetting("last_event_id", id)
}

func (s *SQLiteStore) getSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) setSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
