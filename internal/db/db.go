package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options tunes the connection pool and query logging. Zero values use defaults.
type Options struct {
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	SlowQuery       time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 25
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = 30 * time.Minute
	}
	if o.SlowQuery <= 0 {
		o.SlowQuery = time.Second
	}
	return o
}

// Open connects with default options. The dialect is inferred from the DSN.
func Open(dsn string) (*gorm.DB, error) {
	return OpenWithOptions(dsn, Options{})
}

// OpenWithOptions connects to PostgreSQL or SQLite depending on the DSN shape.
func OpenWithOptions(dsn string, opts Options) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("db: empty dsn")
	}
	dialect, errDetect := detectDialect(trimmed)
	if errDetect != nil {
		return nil, errDetect
	}
	opts = opts.withDefaults()
	if dialect == DialectPostgres {
		return openPostgres(trimmed, opts)
	}
	return openSQLite(trimmed, opts)
}

// detectDialect treats URLs and key=value strings as PostgreSQL and file-like DSNs as SQLite.
func detectDialect(dsn string) (string, error) {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres, nil
	case strings.Contains(lower, "host="), strings.Contains(lower, "dbname="), strings.Contains(lower, "sslmode="):
		return DialectPostgres, nil
	case strings.HasPrefix(lower, "file:"), strings.HasPrefix(lower, "sqlite://"), strings.HasPrefix(lower, "sqlite3://"):
		return DialectSQLite, nil
	case !strings.Contains(lower, "://"):
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("db: unsupported dsn scheme in %q", redactDSN(dsn))
	}
}

// gormConfig writes every timestamp in UTC so range queries compare the same way on both dialects.
func gormConfig(opts Options) *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(log.StandardLogger(), logger.Config{
			SlowThreshold:             opts.SlowQuery,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func ping(sqlDB *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if errPing := sqlDB.PingContext(ctx); errPing != nil {
		return fmt.Errorf("db: ping: %w", errPing)
	}
	return nil
}

// redactDSN hides everything after the scheme so passwords never reach logs.
func redactDSN(dsn string) string {
	if scheme, _, found := strings.Cut(dsn, "://"); found {
		return scheme + "://***"
	}
	return "***"
}
