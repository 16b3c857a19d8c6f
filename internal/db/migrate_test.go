package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMigrateSQLiteCreatesBillingTables(t *testing.T) {
	conn, errOpen := Open(fmt.Sprintf("file:migrate_%d?mode=memory&cache=shared", time.Now().UnixNano()))
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}

	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	for _, table := range []string{
		"users", "api_keys", "model_pricing", "upstream_providers", "usage_logs", "transactions",
		"packages", "user_packages", "daily_usage", "coupons", "coupon_redemptions", "orders", "settings",
	} {
		if !conn.Migrator().HasTable(table) {
			t.Fatalf("missing table %s", table)
		}
	}
	for _, column := range []string{"request_id", "cached_tokens", "package_amount", "balance_amount"} {
		if !conn.Migrator().HasColumn("usage_logs", column) {
			t.Fatalf("usage_logs missing column %s", column)
		}
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	conn, errOpen := Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	for i := 0; i < 2; i++ {
		if errMigrate := Migrate(conn); errMigrate != nil {
			t.Fatalf("migrate pass %d: %v", i, errMigrate)
		}
	}
}

func TestDetectDialectFromDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost:5432/gw": DialectPostgres,
		"host=localhost user=gw dbname=gw": DialectPostgres,
		"file:data/gateway.db":             DialectSQLite,
		"sqlite://data/gateway.db":         DialectSQLite,
		"gateway.db":                       DialectSQLite,
	}
	for dsn, want := range cases {
		got, errDetect := detectDialect(dsn)
		if errDetect != nil {
			t.Fatalf("detect %q: %v", dsn, errDetect)
		}
		if got != want {
			t.Fatalf("detect %q: expected %s, got %s", dsn, want, got)
		}
	}
	if _, errDetect := detectDialect("mysql://u@localhost/gw"); errDetect == nil {
		t.Fatalf("expected error for mysql dsn")
	}
}

func TestSQLitePathFromDSN(t *testing.T) {
	if got := sqlitePathFromDSN("file:data/gw.db?_busy_timeout=5000"); got != "data/gw.db" {
		t.Fatalf("unexpected path %q", got)
	}
	if got := sqlitePathFromDSN(":memory:"); got != "" {
		t.Fatalf("expected empty path for memory dsn, got %q", got)
	}
	if got := sqlitePathFromDSN("file:x?mode=memory&cache=shared"); got != "" {
		t.Fatalf("expected empty path for shared memory dsn, got %q", got)
	}
}

func TestWithSQLiteDefaultsKeepsCallerPragmas(t *testing.T) {
	got := withSQLiteDefaults("file:gw.db?_pragma=busy_timeout(100)")
	if strings.Count(got, "busy_timeout") != 1 {
		t.Fatalf("busy_timeout duplicated in %q", got)
	}
	if !strings.Contains(got, "foreign_keys%281%29") {
		t.Fatalf("foreign_keys pragma missing in %q", got)
	}
	if got := normalizeSQLiteDSN("sqlite://data/gw.db"); got != "file:data/gw.db" {
		t.Fatalf("unexpected normalized dsn %q", got)
	}
}

func TestOpenWithOptionsCreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	conn, errOpen := OpenWithOptions("file:"+filepath.Join(dir, "gw.db"), Options{SlowQuery: 50 * time.Millisecond})
	if errOpen != nil {
		t.Fatalf("open: %v", errOpen)
	}
	sqlDB, _ := conn.DB()
	defer func() { _ = sqlDB.Close() }()
	if stats := sqlDB.Stats(); stats.MaxOpenConnections != 1 {
		t.Fatalf("expected single sqlite connection, got %d", stats.MaxOpenConnections)
	}
	if _, errStat := os.Stat(dir); errStat != nil {
		t.Fatalf("parent dir not created: %v", errStat)
	}
}
