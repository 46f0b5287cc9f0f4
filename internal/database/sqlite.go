package database

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
	_ "modernc.org/sqlite"
)

// SQLiteManager handles all database operations
type SQLiteManager struct {
	db     *sql.DB
	logger Logger
}

// NewSQLiteManager opens the run history database named by database_file,
// relative to the data directory unless absolute
func NewSQLiteManager(cm *utils.ConfigManager, logger *utils.LogsManager) (*SQLiteManager, error) {
	// Make sure we have os specific path separator since we are adding this path to host's path
	dbFileName := cm.GetConfigWithDefault("database_file", "theodore.db")
	switch runtime.GOOS {
	case "windows":
		dbFileName = filepath.FromSlash(dbFileName)
	default:
		dbFileName = filepath.ToSlash(dbFileName)
	}

	path := dbFileName
	if !filepath.IsAbs(path) && path != ":memory:" {
		path = utils.GetAppPaths("").GetDataPath(dbFileName)
	}

	return OpenSQLiteManager(path, logger)
}

// OpenSQLiteManager opens the database at path and creates missing tables.
// ":memory:" gives a private in-memory database.
func OpenSQLiteManager(path string, logger Logger) (*SQLiteManager, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		logger.Error(fmt.Sprintf("Can not create database connection. (%s)", err.Error()), "database")
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	if path == ":memory:" {
		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		logger.Error(fmt.Sprintf("Failed to enable foreign keys: %s", err.Error()), "database")
		db.Close()
		return nil, err
	}

	sqlm := &SQLiteManager{db: db, logger: logger}
	if err := sqlm.InitSchedulesTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schedules tables: %w", err)
	}

	return sqlm, nil
}

// Close closes the database connection
func (sqlm *SQLiteManager) Close() error {
	if sqlm.db != nil {
		return sqlm.db.Close()
	}
	return nil
}

// PerformMaintenance runs SQLite housekeeping
func (sqlm *SQLiteManager) PerformMaintenance() {
	if _, err := sqlm.db.Exec("PRAGMA optimize;"); err != nil {
		sqlm.logger.Warn(fmt.Sprintf("Failed to optimize database: %v", err), "database")
	}
}
