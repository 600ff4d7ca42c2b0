package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ssd-technologies/blockfs/internal/protocol"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the metadata set in a SQLite database, one row per file
// and one row per block placement.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs schema
// migrations. Pass ":memory:" for an in-memory database (useful for tests).
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// An in-memory database lives per connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS files (
    id TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS blocks (
    file_id TEXT NOT NULL,
    block_index INTEGER NOT NULL,
    primary_addr TEXT NOT NULL,
    replicas TEXT NOT NULL,
    PRIMARY KEY (file_id, block_index),
    FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
);`
	_, err := s.db.Exec(schema)
	return err
}

// LoadFiles implements Persister. Files come back ordered by id.
func (s *SQLiteStore) LoadFiles() ([]protocol.FileRecord, error) {
	rows, err := s.db.Query(`
SELECT f.id, b.block_index, b.primary_addr, b.replicas
FROM files f LEFT JOIN blocks b ON b.file_id = f.id
ORDER BY f.id, b.block_index`)
	if err != nil {
		return nil, fmt.Errorf("load files: %w", err)
	}
	defer rows.Close()

	var files []protocol.FileRecord
	for rows.Next() {
		var (
			id       string
			index    sql.NullInt64
			primary  sql.NullString
			replicas sql.NullString
		)
		if err := rows.Scan(&id, &index, &primary, &replicas); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		if len(files) == 0 || files[len(files)-1].FileID != id {
			files = append(files, protocol.FileRecord{FileID: id, Blocks: []protocol.BlockPlacement{}})
		}
		if !index.Valid {
			continue // file without blocks
		}
		p := protocol.BlockPlacement{BlockID: int(index.Int64)}
		if p.Primary, err = protocol.ParseAddress(primary.String); err != nil {
			return nil, fmt.Errorf("file %s block %d: %w", id, p.BlockID, err)
		}
		if err := json.Unmarshal([]byte(replicas.String), &p.Replicas); err != nil {
			return nil, fmt.Errorf("file %s block %d replicas: %w", id, p.BlockID, err)
		}
		rec := &files[len(files)-1]
		rec.Blocks = append(rec.Blocks, p)
	}
	return files, rows.Err()
}

// SaveFiles implements Persister. The whole set is replaced in one transaction.
func (s *SQLiteStore) SaveFiles(files []protocol.FileRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM blocks`); err != nil {
		return fmt.Errorf("clear blocks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM files`); err != nil {
		return fmt.Errorf("clear files: %w", err)
	}
	for _, f := range files {
		if _, err := tx.Exec(`INSERT INTO files (id) VALUES (?)`, f.FileID); err != nil {
			return fmt.Errorf("insert file %s: %w", f.FileID, err)
		}
		for _, b := range f.Blocks {
			replicas, err := json.Marshal(b.Replicas)
			if err != nil {
				return fmt.Errorf("encode replicas: %w", err)
			}
			if _, err := tx.Exec(
				`INSERT INTO blocks (file_id, block_index, primary_addr, replicas) VALUES (?, ?, ?, ?)`,
				f.FileID, b.BlockID, b.Primary.String(), string(replicas),
			); err != nil {
				return fmt.Errorf("insert block %s/%d: %w", f.FileID, b.BlockID, err)
			}
		}
	}
	return tx.Commit()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
