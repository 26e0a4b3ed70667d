package gormstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverPostgres      = "postgres"
	DriverSQLite        = "sqlite"
	defaultSQLiteFile   = "storyledger.db"
	sqliteBusyPragma    = "_pragma=busy_timeout(5000)"
	sqliteMaxOpenConns  = 1
	sqliteMemoryDSN     = ":memory:"
	sqliteSchemePrefix  = "sqlite://"
	postgresScheme      = "postgres://"
	postgresSchemeAlias = "postgresql://"
)

// Database is an opened gorm handle with its resolved driver.
type Database struct {
	DB     *gorm.DB
	Driver string
	close  func() error
}

// Close releases the underlying connection pool.
func (database *Database) Close() error {
	if database == nil || database.close == nil {
		return nil
	}
	return database.close()
}

// Open resolves the DSN to PostgreSQL or SQLite and opens it. SQLite runs on a single connection.
func Open(ctx context.Context, dsn string) (*Database, error) {
	driver, sqlitePath, err := ResolveDriver(dsn)
	if err != nil {
		return nil, err
	}
	config := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var db *gorm.DB
	switch driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), config)
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(sqliteDSN(sqlitePath)), config)
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &Database{DB: db, Driver: driver, close: sqlDB.Close}, nil
}

// AutoMigrate creates the SQLite schema. PostgreSQL schemas come from the SQL migrations in pgstore.
func (database *Database) AutoMigrate() error {
	if database.Driver != DriverSQLite {
		return nil
	}
	if err := database.DB.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// ResolveDriver maps a DSN to a driver name and, for SQLite, a file path.
func ResolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, postgresScheme) || strings.HasPrefix(dsn, postgresSchemeAlias) {
		return DriverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, sqliteSchemePrefix) {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return DriverSQLite, sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return DriverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == sqliteMemoryDSN {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func sqliteDSN(path string) string {
	if path == sqliteMemoryDSN {
		return path
	}
	return path + "?" + sqliteBusyPragma
}
