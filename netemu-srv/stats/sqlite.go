package stats

import (
	"database/sql"
	"fmt"

	"github.com/codefionn/netemu/netemu-srv/logger"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteCollector implements Collector using SQLite as the backend
type SQLiteCollector struct {
	*sqlCollector
}

// NewSQLiteCollector creates a new SQLite-based statistics collector
func NewSQLiteCollector(dbPath string) (*SQLiteCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	// a single writer avoids SQLITE_BUSY under the buffered flusher
	db.SetMaxOpenConns(1)

	inner, err := newSQLCollector(db, sqliteDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("Initialized stats collector sqlite at %s", dbPath)
	return &SQLiteCollector{sqlCollector: inner}, nil
}
