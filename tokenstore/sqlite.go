// Package tokenstore persists refresh tokens across process restarts
// so an authorization-code or script authorizer doesn't force a user
// back through the browser flow every time the process starts.
package tokenstore

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Entry is one persisted refresh token, scoped by authorizer kind and
// client ID (an app can run more than one authorizer kind against the
// same client credentials).
type Entry struct {
	AuthorizerKind string
	ClientID       string
	RefreshToken   string
	Scopes         string
	UpdatedAt      time.Time
}

// Store provides durable storage for refresh tokens.
type Store struct {
	db    *sql.DB
	mutex sync.RWMutex
	log   *logrus.Logger
}

// Open creates or attaches to a sqlite database at dbPath and ensures
// the schema exists.
func Open(dbPath string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db, log: log}
	if err := store.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.db.Close()
}

func (s *Store) initTables() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	query := `
	CREATE TABLE IF NOT EXISTS refresh_tokens (
		authorizer_kind TEXT NOT NULL,
		client_id TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		scopes TEXT,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (authorizer_kind, client_id)
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Save upserts a refresh token keyed by (authorizerKind, clientID).
func (s *Store) Save(entry Entry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	query := `
	INSERT INTO refresh_tokens (authorizer_kind, client_id, refresh_token, scopes, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(authorizer_kind, client_id) DO UPDATE SET
		refresh_token = excluded.refresh_token,
		scopes = excluded.scopes,
		updated_at = excluded.updated_at
	`
	_, err := s.db.Exec(query, entry.AuthorizerKind, entry.ClientID, entry.RefreshToken, entry.Scopes, entry.UpdatedAt)
	if err != nil {
		s.log.WithError(err).Error("Failed to persist refresh token")
	}
	return err
}

// Load fetches the refresh token for (authorizerKind, clientID), if
// any. ok is false when no row exists yet.
func (s *Store) Load(authorizerKind, clientID string) (entry Entry, ok bool, err error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	row := s.db.QueryRow(
		`SELECT authorizer_kind, client_id, refresh_token, scopes, updated_at
		 FROM refresh_tokens WHERE authorizer_kind = ? AND client_id = ?`,
		authorizerKind, clientID,
	)

	if err := row.Scan(&entry.AuthorizerKind, &entry.ClientID, &entry.RefreshToken, &entry.Scopes, &entry.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Delete removes the persisted refresh token for (authorizerKind,
// clientID), if any.
func (s *Store) Delete(authorizerKind, clientID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, err := s.db.Exec(
		`DELETE FROM refresh_tokens WHERE authorizer_kind = ? AND client_id = ?`,
		authorizerKind, clientID,
	)
	return err
}
