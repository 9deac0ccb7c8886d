package lens

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStorage struct {
	db *sql.DB
}

// NewSqliteStorage opens, or creates, a single file sqlite Storage at path.
func NewSqliteStorage(path string) (Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create storage dir failed: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open storage db failed: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer, avoids SQLITE_BUSY between pooled connections

	for _, stmt := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`CREATE TABLE IF NOT EXISTS state (key TEXT PRIMARY KEY, blob BLOB NOT NULL) WITHOUT ROWID`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init storage db failed: %w", err)
		}
	}
	return &sqliteStorage{db: db}, nil
}

func (s *sqliteStorage) SaveState(key string, blob []byte) error {
	if blob == nil {
		blob = []byte{}
	}
	_, err := s.db.Exec(`INSERT INTO state (key, blob) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET blob = excluded.blob`, key, blob)
	return err
}

func (s *sqliteStorage) LoadState(key string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT blob FROM state WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	if blob == nil {
		blob = []byte{}
	}
	return blob, true, nil
}

func (s *sqliteStorage) DeleteState(key string) error {
	_, err := s.db.Exec(`DELETE FROM state WHERE key = ?`, key)
	return err
}

func (s *sqliteStorage) ListKeysPrefix(prefix string) ([]string, error) {
	// range scan on the primary key, LIKE would need escaping of the prefix
	query := `SELECT key FROM state ORDER BY key`
	args := []any{}
	if prefix != "" {
		query = `SELECT key FROM state WHERE key >= ? ORDER BY key`
		args = append(args, prefix)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		} else if !strings.HasPrefix(key, prefix) {
			break // past the prefix range
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *sqliteStorage) ListKeys() ([]string, error) {
	return s.ListKeysPrefix("")
}

func (s *sqliteStorage) Clear() error {
	_, err := s.db.Exec(`DELETE FROM state`)
	return err
}

func (s *sqliteStorage) Close() {
	if err := s.db.Close(); err != nil {
		log.Printf("%sStorage close failed: %v", ErrorLogPrefix, err)
	}
}
