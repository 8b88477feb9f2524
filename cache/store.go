package cache

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists encoded entries. Get reports a missing key with ok=false
// and a nil error.
type Store interface {
	Get(ctx context.Context, key Key) (data []byte, ok bool, err error)
	Put(ctx context.Context, key Key, data []byte) error
	Delete(ctx context.Context, key Key) error
	Close() error
}

// FileStore keeps one file per entry in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key Key) string {
	return filepath.Join(s.dir, key.String()+".cbor")
}

func (s *FileStore) Get(_ context.Context, key Key) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: read entry: %w", err)
	}
	return data, true, nil
}

// Put writes through a temporary file so readers never see a partial entry.
func (s *FileStore) Put(_ context.Context, key Key, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "entry-*")
	if err != nil {
		return fmt.Errorf("cache: create entry: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("cache: write entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache: write entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache: commit entry: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, key Key) error {
	err := os.Remove(s.path(key))
	if err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cache: delete entry: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// SQLiteStore keeps entries in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path. Use ":memory:" for a
// private in-memory store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open database: %w", err)
	}
	if path == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: set busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS modules (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		created INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM modules WHERE key = ?", key.String()).Scan(&data)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: query entry: %w", err)
	}
	return data, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key Key, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO modules (key, data, created) VALUES (?, ?, ?)",
		key.String(), data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("cache: store entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM modules WHERE key = ?", key.String()); err != nil {
		return fmt.Errorf("cache: delete entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
