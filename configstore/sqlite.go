package configstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists the server document as a single JSON blob in a
// SQLite table. Useful for hosts that already keep their settings in
// SQLite and want the MCP server list alongside them.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath. The schema
// is created automatically on first use.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mcp_servers (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		document   TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load returns the persisted server configs. An empty table is an
// empty collection, not an error.
func (s *SQLiteStore) Load() ([]ServerConfig, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM mcp_servers WHERE id = 1`).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load server document: %w", err)
	}

	var servers []ServerConfig
	if err := json.Unmarshal([]byte(doc), &servers); err != nil {
		return nil, fmt.Errorf("parse server document: %w", err)
	}
	return servers, nil
}

// Save upserts the whole document into the single row.
func (s *SQLiteStore) Save(servers []ServerConfig) error {
	doc, err := json.Marshal(servers)
	if err != nil {
		return fmt.Errorf("marshal server document: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO mcp_servers (id, document, updated_at)
		 VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET document = excluded.document, updated_at = excluded.updated_at`,
		string(doc), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save server document: %w", err)
	}
	return nil
}
