package pricing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/router-for-me/MeteredGateway/internal/db"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func openPricingTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := db.Open(fmt.Sprintf("file:pricing_%d?mode=memory&cache=shared", time.Now().UnixNano()))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func TestBillableInputNeverNegative(t *testing.T) {
	cases := []struct {
		usage Usage
		want  int64
	}{
		{Usage{InputTokens: 1000, CachedTokens: 200}, 800},
		{Usage{InputTokens: 100, CachedTokens: 500}, 0},
		{Usage{InputTokens: 0, CachedTokens: 0}, 0},
		{Usage{InputTokens: 50, CachedTokens: -3}, 50},
	}
	for _, tc := range cases {
		if got := tc.usage.BillableInput(); got != tc.want {
			t.Fatalf("usage %+v: expected %d, got %d", tc.usage, tc.want, got)
		}
	}
}

func TestComputeCostAppliesMarkupAndCacheRead(t *testing.T) {
	row := &models.ModelPricing{
		InputPricePer1K:     0.01,
		OutputPricePer1K:    0.03,
		CacheReadPricePer1K: 0.001,
		MarkupMultiplier:    1.5,
	}
	usage := Usage{InputTokens: 2000, OutputTokens: 1000, CachedTokens: 500}

	// billable 1500 * 0.01/1k = 0.015, output 0.03, cached 500 * 0.001/1k = 0.0005 -> 0.0455 * 1.5
	want := decimal.RequireFromString("0.06825")
	if got := ComputeCost(usage, row); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestComputeCostCacheCreationFallsBackToCacheRead(t *testing.T) {
	row := &models.ModelPricing{
		CacheReadPricePer1K: 0.002,
		MarkupMultiplier:    1,
	}
	usage := Usage{CacheCreationTokens: 1000}
	if got := ComputeCost(usage, row); !got.Equal(decimal.RequireFromString("0.002")) {
		t.Fatalf("expected fallback to cache read price, got %s", got)
	}

	row.CacheCreationPricePer1K = 0.004
	if got := ComputeCost(usage, row); !got.Equal(decimal.RequireFromString("0.004")) {
		t.Fatalf("expected cache creation price, got %s", got)
	}
}

func TestComputeCostZeroMarkupTreatedAsOne(t *testing.T) {
	row := &models.ModelPricing{InputPricePer1K: 1}
	if got := ComputeCost(Usage{InputTokens: 1000}, row); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected 1, got %s", got)
	}
}

func TestGetPriceUsesVersionEffectiveAtRequestTime(t *testing.T) {
	conn := openPricingTestDB(t)
	table := NewTable(conn, "")
	ctx := context.Background()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(48 * time.Hour)
	if errAdd := table.AddVersion(ctx, &models.ModelPricing{ModelName: "gpt-4o", InputPricePer1K: 0.005, MarkupMultiplier: 1.2, EffectiveFrom: t0}); errAdd != nil {
		t.Fatalf("add v1: %v", errAdd)
	}
	if errAdd := table.AddVersion(ctx, &models.ModelPricing{ModelName: "gpt-4o", InputPricePer1K: 0.010, MarkupMultiplier: 1.2, EffectiveFrom: t1}); errAdd != nil {
		t.Fatalf("add v2: %v", errAdd)
	}

	before, errBefore := table.GetPrice(ctx, "gpt-4o", t0.Add(time.Hour))
	if errBefore != nil {
		t.Fatalf("get before: %v", errBefore)
	}
	if before.InputPricePer1K != 0.005 {
		t.Fatalf("expected first version, got %v", before.InputPricePer1K)
	}

	after, errAfter := table.GetPrice(ctx, "gpt-4o", t1.Add(time.Hour))
	if errAfter != nil {
		t.Fatalf("get after: %v", errAfter)
	}
	if after.InputPricePer1K != 0.010 {
		t.Fatalf("expected second version, got %v", after.InputPricePer1K)
	}

	if _, errEarly := table.GetPrice(ctx, "gpt-4o", t0.Add(-time.Hour)); !errors.Is(errEarly, ErrPricingNotFound) {
		t.Fatalf("expected ErrPricingNotFound before first version, got %v", errEarly)
	}

	current, errList := table.ListCurrent(ctx, t1.Add(time.Hour))
	if errList != nil {
		t.Fatalf("list current: %v", errList)
	}
	if len(current) != 1 || current[0].InputPricePer1K != 0.010 {
		t.Fatalf("unexpected current rows %+v", current)
	}
}

func TestResolveFallsBackToDefaultModel(t *testing.T) {
	conn := openPricingTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	strict := NewTable(conn, "")
	if _, errGet := strict.Resolve(ctx, "unknown-model", now); !errors.Is(errGet, ErrPricingNotFound) {
		t.Fatalf("expected ErrPricingNotFound, got %v", errGet)
	}

	table := NewTable(conn, "default")
	if errAdd := table.AddVersion(ctx, &models.ModelPricing{ModelName: "default", InputPricePer1K: 0.002, EffectiveFrom: now.Add(-time.Minute)}); errAdd != nil {
		t.Fatalf("add default: %v", errAdd)
	}
	row, errResolve := table.Resolve(ctx, "unknown-model", now)
	if errResolve != nil {
		t.Fatalf("resolve: %v", errResolve)
	}
	if row.ModelName != "default" {
		t.Fatalf("expected default row, got %s", row.ModelName)
	}
}

func TestAddVersionRejectsNegativePrices(t *testing.T) {
	conn := openPricingTestDB(t)
	table := NewTable(conn, "")
	if errAdd := table.AddVersion(context.Background(), &models.ModelPricing{ModelName: "m", InputPricePer1K: -1}); errAdd == nil {
		t.Fatalf("expected error for negative price")
	}
}

func TestApplyMarkupAddsVersionsAndKeepsHistory(t *testing.T) {
	conn := openPricingTestDB(t)
	table := NewTable(conn, "")
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)
	for _, row := range []models.ModelPricing{
		{ModelName: "gpt-4o", InputPricePer1K: 0.005, OutputPricePer1K: 0.015, MarkupMultiplier: 1.2, EffectiveFrom: t0},
		{ModelName: "claude-3", InputPricePer1K: 0.003, OutputPricePer1K: 0.015, MarkupMultiplier: 2, EffectiveFrom: t0},
		{ModelName: "mini", InputPricePer1K: 0.001, MarkupMultiplier: 2, EffectiveFrom: t0},
	} {
		row := row
		if errAdd := table.AddVersion(ctx, &row); errAdd != nil {
			t.Fatalf("add %s: %v", row.ModelName, errAdd)
		}
	}

	if _, errZero := table.ApplyMarkup(ctx, 0, t1); errZero == nil {
		t.Fatalf("expected error for zero markup")
	}

	updated, errApply := table.ApplyMarkup(ctx, 2, t1)
	if errApply != nil {
		t.Fatalf("apply markup: %v", errApply)
	}
	if updated != 1 {
		t.Fatalf("expected 1 model updated, got %d", updated)
	}

	before, errBefore := table.GetPrice(ctx, "gpt-4o", t1.Add(-time.Minute))
	if errBefore != nil {
		t.Fatalf("get before: %v", errBefore)
	}
	if before.MarkupMultiplier != 1.2 {
		t.Fatalf("expected earlier version untouched, got markup %v", before.MarkupMultiplier)
	}
	after, errAfter := table.GetPrice(ctx, "gpt-4o", t1)
	if errAfter != nil {
		t.Fatalf("get after: %v", errAfter)
	}
	if after.MarkupMultiplier != 2 || after.InputPricePer1K != 0.005 || after.OutputPricePer1K != 0.015 {
		t.Fatalf("unexpected new version %+v", after)
	}

	history, errHistory := table.History(ctx, "gpt-4o")
	if errHistory != nil {
		t.Fatalf("history: %v", errHistory)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(history))
	}
	unchanged, errUnchanged := table.History(ctx, "claude-3")
	if errUnchanged != nil {
		t.Fatalf("history: %v", errUnchanged)
	}
	if len(unchanged) != 1 {
		t.Fatalf("expected no new version for matching markup, got %d", len(unchanged))
	}
}
