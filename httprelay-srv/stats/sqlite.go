package stats

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/codefionn/httprelay/httprelay-srv/logger"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteCollector implements Collector using SQLite as the backend
type SQLiteCollector struct {
	sqlCollector
}

// NewSQLiteCollector creates a new SQLite-based statistics collector.
// dbPath may be ":memory:".
func NewSQLiteCollector(dbPath string) (*SQLiteCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists only on the connection that created it.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := initSchema(context.Background(), db, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("Initialized stats collector sqlite (%s)", dbPath)

	return &SQLiteCollector{sqlCollector{db: db}}, nil
}
