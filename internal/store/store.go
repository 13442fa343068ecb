// Package store provides the durable local mirror: messages,
// classifications, pending operations, and feedback, backed by SQLite.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql schema_fts.sql
var schemaFS embed.FS

// schemaVersion is the current schema version. Migrations are forward-only.
const schemaVersion = 1

// ErrStoreIO wraps backing-store failures so callers can distinguish them
// from domain errors.
var ErrStoreIO = errors.New("store I/O error")

// Store provides database operations for mailtriage.
//
// Writes are serialized by a process-wide writer lane (writeMu); reads run
// concurrently against the shared connection pool.
type Store struct {
	db            *sql.DB
	dbPath        string
	fts5Available bool

	writeMu sync.Mutex
}

const defaultSQLiteParams = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"

// isSQLiteError checks if err is a sqlite3.Error whose message contains
// substr. Type-asserts with errors.As rather than matching on err.Error().
func isSQLiteError(err error, substr string) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return strings.Contains(sqliteErr.Error(), substr)
	}
	var sqliteErrPtr *sqlite3.Error
	if errors.As(err, &sqliteErrPtr) && sqliteErrPtr != nil {
		return strings.Contains(sqliteErrPtr.Error(), substr)
	}
	return false
}

// storeErr wraps a backing-store failure with ErrStoreIO.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreIO, err)
}

// Open opens or creates the database at the given path.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := dbPath + defaultSQLiteParams
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// FTSAvailable reports whether the FTS5 projection is in use.
func (s *Store) FTSAvailable() bool {
	return s.fts5Available
}

// withTx executes fn within a transaction on the single writer lane.
// If fn returns an error the transaction is rolled back.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return storeErr("begin tx", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit tx", err)
	}
	return nil
}

// Transaction groups mutations into a single atomic unit. The callback
// receives the transaction handle and must use it for all writes.
func (s *Store) Transaction(fn func(tx *sql.Tx) error) error {
	return s.withTx(fn)
}

// InitSchema initializes the database schema and applies migrations.
func (s *Store) InitSchema() error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read schema.sql: %w", err)
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return storeErr("execute schema.sql", err)
	}

	// FTS5 may not be available in all builds; fall back to LIKE search.
	ftsSchema, err := schemaFS.ReadFile("schema_fts.sql")
	if err != nil {
		return fmt.Errorf("read schema_fts.sql: %w", err)
	}
	if _, err := s.db.Exec(string(ftsSchema)); err != nil {
		if isSQLiteError(err, "no such module: fts5") {
			s.fts5Available = false
		} else {
			return storeErr("init fts schema", err)
		}
	} else {
		s.fts5Available = true
	}

	return s.migrate()
}

// migrate applies forward-only migrations up to schemaVersion.
func (s *Store) migrate() error {
	var current int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return storeErr("insert schema version", err)
		}
		return nil
	}
	if err != nil {
		return storeErr("read schema version", err)
	}

	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", current, schemaVersion)
	}

	// Future versions add migration steps here, each bumping the stored
	// version inside its own transaction.
	for v := current; v < schemaVersion; v++ {
		switch v {
		default:
			return fmt.Errorf("no migration path from version %d", v)
		}
	}
	return nil
}

// Stats holds database statistics.
type Stats struct {
	MessageCount      int64
	ClassifiedCount   int64
	PendingOpsCount   int64
	FeedbackCount     int64
	AccountCount      int64
	DatabaseSizeBytes int64
}

// GetStats returns statistics about the database.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{}

	queries := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM messages", &stats.MessageCount},
		{"SELECT COUNT(*) FROM classifications", &stats.ClassifiedCount},
		{"SELECT COUNT(*) FROM pending_operations WHERE status = 'pending'", &stats.PendingOpsCount},
		{"SELECT COUNT(*) FROM feedback", &stats.FeedbackCount},
		{"SELECT COUNT(*) FROM accounts", &stats.AccountCount},
	}
	for _, q := range queries {
		if err := s.db.QueryRow(q.query).Scan(q.dest); err != nil {
			return nil, storeErr("get stats", err)
		}
	}

	if info, err := os.Stat(s.dbPath); err == nil {
		stats.DatabaseSizeBytes = info.Size()
	}
	return stats, nil
}
