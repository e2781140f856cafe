package snapshot

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// migration is a numbered schema change, applied in order and tracked in
// schema_migrations so each runs exactly once.
type migration struct {
	Version int
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		SQL: `
CREATE TABLE IF NOT EXISTS snapshot_entries (
    owner       TEXT NOT NULL,
    key         TEXT NOT NULL,
    value       BLOB NOT NULL,
    updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (owner, key)
);`,
	},
}

// SQLiteBackend stores snapshot entries in a local SQLite database, for
// setups where several clients on one machine share a snapshot.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at path and applies
// pending migrations.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init migrations table: %w", err)
	}
	for _, m := range migrations {
		var applied int
		err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&applied)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if applied > 0 {
			continue
		}
		if _, err := db.Exec(m.SQL); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
			db.Close()
			return nil, fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}
	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Put(owner, key string, value []byte) error {
	_, err := s.db.Exec(`
INSERT INTO snapshot_entries (owner, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (owner, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		owner, key, value)
	return err
}

func (s *SQLiteBackend) Get(owner, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM snapshot_entries WHERE owner = ? AND key = ?`, owner, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *SQLiteBackend) Delete(owner, key string) error {
	_, err := s.db.Exec(`DELETE FROM snapshot_entries WHERE owner = ? AND key = ?`, owner, key)
	return err
}

func (s *SQLiteBackend) Clear(owner string) error {
	_, err := s.db.Exec(`DELETE FROM snapshot_entries WHERE owner = ?`, owner)
	return err
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
