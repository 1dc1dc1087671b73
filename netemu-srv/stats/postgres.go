package stats

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/codefionn/netemu/netemu-srv/logger"
	_ "github.com/lib/pq"
)

// PostgreSQLCollector implements Collector using PostgreSQL
type PostgreSQLCollector struct {
	*sqlCollector
}

// NewPostgreSQLCollector creates a new PostgreSQL-based stats collector
func NewPostgreSQLCollector(connectionString string) (*PostgreSQLCollector, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	inner, err := newSQLCollector(db, postgresDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("Initialized stats collector postgresql")
	return &PostgreSQLCollector{sqlCollector: inner}, nil
}
