// Package opstate is a small namespaced key-value store for state that
// must survive a restart of the daemon, such as the Home Assistant
// device identity. It is deliberately not a history store: each key
// holds exactly one current value.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the store at dbPath. The SQLite driver is
// chosen at build time: mattn/go-sqlite3 with cgo, modernc.org/sqlite
// without it.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open(driverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer is plenty for a device daemon and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);`)
	return err
}

// Get returns the stored value, or "" and a nil error when the key
// does not exist.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a value and refreshes its updated_at timestamp.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(namespace, key string) error {
	if _, err := s.db.Exec(
		`DELETE FROM state WHERE namespace = ? AND key = ?`,
		namespace, key,
	); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// GetOrCreate returns the stored value for namespace/key, calling
// create and persisting its result when none exists yet.
func (s *Store) GetOrCreate(namespace, key string, create func() (string, error)) (string, error) {
	v, err := s.Get(namespace, key)
	if err != nil {
		return "", err
	}
	if v != "" {
		return v, nil
	}

	v, err = create()
	if err != nil {
		return "", err
	}
	if err := s.Set(namespace, key, v); err != nil {
		return "", err
	}
	return v, nil
}

// List returns every key/value pair in namespace. The map is never nil.
func (s *Store) List(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM state WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		result[k] = v
	}
	return result, rows.Err()
}
