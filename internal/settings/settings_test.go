package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/router-for-me/MeteredGateway/internal/db"
)

func TestFloatParsesNumbersStringsAndWrappers(t *testing.T) {
	StoreDBConfig(time.Now(), map[string]json.RawMessage{
		"A": json.RawMessage(`12.5`),
		"B": json.RawMessage(`"3.25"`),
		"C": json.RawMessage(`{"value": 7}`),
		"D": json.RawMessage(`"nope"`),
	})
	t.Cleanup(func() { StoreDBConfig(time.Time{}, nil) })

	if got := Float("A", 0); got != 12.5 {
		t.Fatalf("A: expected 12.5, got %v", got)
	}
	if got := Float("B", 0); got != 3.25 {
		t.Fatalf("B: expected 3.25, got %v", got)
	}
	if got := Float("C", 0); got != 7 {
		t.Fatalf("C: expected 7, got %v", got)
	}
	if got := Float("D", 1.5); got != 1.5 {
		t.Fatalf("D: expected fallback 1.5, got %v", got)
	}
	if got := Float("missing", 2); got != 2 {
		t.Fatalf("missing: expected fallback 2, got %v", got)
	}
}

func TestGlobalDailyLimitClampsNegative(t *testing.T) {
	StoreDBConfig(time.Now(), map[string]json.RawMessage{GlobalDailyLimitKey: json.RawMessage(`-4`)})
	t.Cleanup(func() { StoreDBConfig(time.Time{}, nil) })

	if got := GlobalDailyLimit(); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestUpsertRefreshesSnapshot(t *testing.T) {
	conn, errOpen := db.Open(fmt.Sprintf("file:settings_%d?mode=memory&cache=shared", time.Now().UnixNano()))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	t.Cleanup(func() { StoreDBConfig(time.Time{}, nil) })

	ctx := context.Background()
	if errUpsert := Upsert(ctx, conn, map[string]json.RawMessage{
		GlobalDailyLimitKey:    json.RawMessage(`10`),
		RegistrationEnabledKey: json.RawMessage(`false`),
	}); errUpsert != nil {
		t.Fatalf("upsert: %v", errUpsert)
	}
	if got := GlobalDailyLimit(); got != 10 {
		t.Fatalf("expected global limit 10, got %v", got)
	}
	if Bool(RegistrationEnabledKey, true) {
		t.Fatalf("expected registration disabled")
	}

	if errUpsert := Upsert(ctx, conn, map[string]json.RawMessage{GlobalDailyLimitKey: json.RawMessage(`25`)}); errUpsert != nil {
		t.Fatalf("second upsert: %v", errUpsert)
	}
	if got := GlobalDailyLimit(); got != 25 {
		t.Fatalf("expected global limit 25, got %v", got)
	}

	if errUpsert := Upsert(ctx, conn, map[string]json.RawMessage{"BAD": json.RawMessage(`{`)}); errUpsert == nil {
		t.Fatalf("expected invalid json error")
	}
}

func TestNumericSettingsSurviveReload(t *testing.T) {
	conn, errOpen := db.Open(fmt.Sprintf("file:settings_num_%d?mode=memory&cache=shared", time.Now().UnixNano()))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	t.Cleanup(func() { StoreDBConfig(time.Time{}, nil) })

	ctx := context.Background()
	if errUpsert := Upsert(ctx, conn, map[string]json.RawMessage{
		GlobalDailyLimitKey:   json.RawMessage(`5`),
		DefaultBalanceKey:     json.RawMessage(`2.5`),
		UsageRetentionDaysKey: json.RawMessage(`30`),
	}); errUpsert != nil {
		t.Fatalf("upsert: %v", errUpsert)
	}

	var storage string
	if errRaw := conn.Raw("SELECT typeof(value) FROM settings WHERE key = ?", GlobalDailyLimitKey).Scan(&storage).Error; errRaw != nil {
		t.Fatalf("typeof: %v", errRaw)
	}
	if storage != "text" {
		t.Fatalf("expected value stored as text, got %s", storage)
	}

	StoreDBConfig(time.Time{}, nil)
	if errRefresh := RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		t.Fatalf("refresh: %v", errRefresh)
	}
	if got := GlobalDailyLimit(); got != 5 {
		t.Fatalf("expected global limit 5 after reload, got %v", got)
	}
	if got := Float(DefaultBalanceKey, 0); got != 2.5 {
		t.Fatalf("expected default balance 2.5 after reload, got %v", got)
	}
	if got := Int(UsageRetentionDaysKey, 0); got != 30 {
		t.Fatalf("expected retention 30 after reload, got %v", got)
	}
}
