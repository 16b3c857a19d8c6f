package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// sqliteDefaults are appended to the DSN unless the caller already set them.
var sqliteDefaults = [][2]string{
	{"_pragma", "busy_timeout(5000)"},
	{"_pragma", "foreign_keys(1)"},
}

// openSQLite opens a single-connection SQLite handle. Balance updates serialize through
// that connection, so callers must never use the outer handle inside a transaction.
func openSQLite(dsn string, opts Options) (*gorm.DB, error) {
	normalized := withSQLiteDefaults(normalizeSQLiteDSN(dsn))
	if errDir := ensureSQLiteDir(normalized); errDir != nil {
		return nil, errDir
	}

	conn, errOpen := gorm.Open(sqlite.Open(normalized), gormConfig(opts))
	if errOpen != nil {
		return nil, fmt.Errorf("db: open sqlite: %w", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		return nil, fmt.Errorf("db: sqlite handle: %w", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if errPragma := applySQLitePragmas(sqlDB, sqlitePathFromDSN(normalized) == ""); errPragma != nil {
		_ = sqlDB.Close()
		return nil, errPragma
	}
	if errPing := ping(sqlDB); errPing != nil {
		_ = sqlDB.Close()
		return nil, errPing
	}
	return conn, nil
}

// normalizeSQLiteDSN turns sqlite:// URLs into file: DSNs.
func normalizeSQLiteDSN(dsn string) string {
	lower := strings.ToLower(dsn)
	for _, prefix := range []string{"sqlite3://", "sqlite://"} {
		if strings.HasPrefix(lower, prefix) {
			return "file:" + dsn[len(prefix):]
		}
	}
	return dsn
}

func withSQLiteDefaults(dsn string) string {
	base, rawQuery, _ := strings.Cut(dsn, "?")
	query, errParse := url.ParseQuery(rawQuery)
	if errParse != nil {
		return dsn
	}
	existing := strings.Join(query["_pragma"], ",")
	for _, kv := range sqliteDefaults {
		name, _, _ := strings.Cut(kv[1], "(")
		if strings.Contains(existing, name) {
			continue
		}
		query.Add(kv[0], kv[1])
	}
	return base + "?" + query.Encode()
}

// sqlitePathFromDSN returns the on-disk path, or "" for in-memory databases.
func sqlitePathFromDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	path, rawQuery, _ := strings.Cut(trimmed, "?")
	if strings.Contains(rawQuery, "mode=memory") {
		return ""
	}
	path = strings.TrimPrefix(strings.TrimPrefix(path, "file:"), "//")
	if path == "" || path == ":memory:" || strings.Contains(path, "://") {
		return ""
	}
	return path
}

func ensureSQLiteDir(dsn string) error {
	path := sqlitePathFromDSN(dsn)
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if errMkdir := os.MkdirAll(dir, 0o755); errMkdir != nil {
		return fmt.Errorf("db: create sqlite dir: %w", errMkdir)
	}
	return nil
}

// applySQLitePragmas enables WAL for file databases. Memory databases keep their default journal.
func applySQLitePragmas(sqlDB *sql.DB, inMemory bool) error {
	pragmas := []string{"PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"}
	if !inMemory {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, pragma := range pragmas {
		if _, errExec := sqlDB.ExecContext(context.Background(), pragma); errExec != nil {
			return fmt.Errorf("db: %s: %w", pragma, errExec)
		}
	}
	return nil
}
