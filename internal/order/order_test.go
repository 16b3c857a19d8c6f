package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/router-for-me/MeteredGateway/internal/billing"
	"github.com/router-for-me/MeteredGateway/internal/config"
	"github.com/router-for-me/MeteredGateway/internal/db"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/payment"
	internalsettings "github.com/router-for-me/MeteredGateway/internal/settings"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const testPaymentKey = "secret"

func openOrderTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := db.Open(fmt.Sprintf("file:order_%d?mode=memory&cache=shared", time.Now().UnixNano()))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	internalsettings.StoreDBConfig(time.Now(), map[string]json.RawMessage{})
	return conn
}

func newTestEngine(conn *gorm.DB, paymentsEnabled bool) *Engine {
	cfg := config.PaymentConfig{}
	if paymentsEnabled {
		cfg = config.PaymentConfig{
			Enabled:    true,
			PID:        "1001",
			Key:        testPaymentKey,
			GatewayURL: "https://pay.example.com/submit.php",
			NotifyURL:  "https://gw.example.com/api/payment/notify",
		}
	}
	svc := billing.NewService(conn, billing.NewClock(billing.DefaultTimezone, nil))
	return NewEngine(conn, svc, payment.NewClient(cfg), time.Hour)
}

func createUser(t *testing.T, conn *gorm.DB, name string) models.User {
	t.Helper()
	user := models.User{Username: name, Password: "x", Status: models.UserStatusActive, Role: models.UserRoleUser}
	if errCreate := conn.Create(&user).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}
	return user
}

func createPackage(t *testing.T, conn *gorm.DB, name string, price float64, days int) models.Package {
	t.Helper()
	pkg := models.Package{Name: name, Price: price, DailyLimit: 5, DurationDays: days, Stock: -1, Status: models.PackageStatusActive}
	if errCreate := conn.Create(&pkg).Error; errCreate != nil {
		t.Fatalf("create package: %v", errCreate)
	}
	return pkg
}

func createCoupon(t *testing.T, conn *gorm.DB, code string, couponType models.CouponType, value float64, maxUses int) models.Coupon {
	t.Helper()
	coupon := models.Coupon{Code: code, Type: couponType, Value: value, MaxUses: maxUses, Status: models.CouponStatusActive}
	if errCreate := conn.Create(&coupon).Error; errCreate != nil {
		t.Fatalf("create coupon: %v", errCreate)
	}
	return coupon
}

func signedNotify(orderNo, money string) url.Values {
	params := map[string]string{
		"pid":          "1001",
		"out_trade_no": orderNo,
		"trade_no":     "T-" + orderNo,
		"trade_status": payment.TradeSuccess,
		"money":        money,
	}
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	query.Set("sign", payment.Sign(params, testPaymentKey))
	query.Set("sign_type", "MD5")
	return query
}

func balanceOf(t *testing.T, conn *gorm.DB, userID uint64) decimal.Decimal {
	t.Helper()
	var user models.User
	if errFind := conn.First(&user, userID).Error; errFind != nil {
		t.Fatalf("load user: %v", errFind)
	}
	return decimal.NewFromFloat(user.Balance)
}

func TestDiscounted(t *testing.T) {
	base := decimal.RequireFromString("10")
	cases := []struct {
		coupon models.Coupon
		want   string
	}{
		{models.Coupon{Type: models.CouponTypeFixed, Value: 3}, "7"},
		{models.Coupon{Type: models.CouponTypeFixed, Value: 15}, "0"},
		{models.Coupon{Type: models.CouponTypePercent, Value: 15}, "8.5"},
		{models.Coupon{Type: models.CouponTypePercent, Value: 100}, "0"},
	}
	for _, tc := range cases {
		if got := Discounted(&tc.coupon, base); !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("%s %v: expected %s, got %s", tc.coupon.Type, tc.coupon.Value, tc.want, got)
		}
	}
}

func TestValidateCoupon(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	base := decimal.RequireFromString("10")
	cases := []struct {
		name   string
		coupon models.Coupon
		ok     bool
	}{
		{"valid", models.Coupon{Type: models.CouponTypeFixed, Value: 1, Status: models.CouponStatusActive}, true},
		{"inactive", models.Coupon{Type: models.CouponTypeFixed, Value: 1, Status: models.CouponStatusInactive}, false},
		{"not yet valid", models.Coupon{Type: models.CouponTypeFixed, Value: 1, Status: models.CouponStatusActive, ValidFrom: &future}, false},
		{"expired", models.Coupon{Type: models.CouponTypeFixed, Value: 1, Status: models.CouponStatusActive, ValidUntil: &past}, false},
		{"exhausted", models.Coupon{Type: models.CouponTypeFixed, Value: 1, Status: models.CouponStatusActive, MaxUses: 2, UsedCount: 2}, false},
		{"below minimum", models.Coupon{Type: models.CouponTypeFixed, Value: 1, Status: models.CouponStatusActive, MinAmount: 20}, false},
		{"bad percent", models.Coupon{Type: models.CouponTypePercent, Value: 120, Status: models.CouponStatusActive}, false},
	}
	for _, tc := range cases {
		errValidate := ValidateCoupon(&tc.coupon, base, now)
		if tc.ok && errValidate != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, errValidate)
		}
		if !tc.ok && !errors.Is(errValidate, ErrCouponInvalid) {
			t.Fatalf("%s: expected ErrCouponInvalid, got %v", tc.name, errValidate)
		}
	}
}

func TestApplyCouponQuotesWithoutConsuming(t *testing.T) {
	conn := openOrderTestDB(t)
	engine := newTestEngine(conn, true)
	createCoupon(t, conn, "SAVE20", models.CouponTypePercent, 20, 1)

	quote, errApply := engine.ApplyCoupon(context.Background(), " save20 ", decimal.RequireFromString("25"))
	if errApply != nil {
		t.Fatalf("apply: %v", errApply)
	}
	if !quote.Discounted.Equal(decimal.RequireFromString("20")) || !quote.Discount.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("unexpected quote %+v", quote)
	}
	var coupon models.Coupon
	if errFind := conn.Where("code = ?", "SAVE20").Take(&coupon).Error; errFind != nil {
		t.Fatalf("load coupon: %v", errFind)
	}
	if coupon.UsedCount != 0 {
		t.Fatalf("quote must not consume the coupon, used %d", coupon.UsedCount)
	}
	if _, errApply = engine.ApplyCoupon(context.Background(), "NOPE", decimal.RequireFromString("25")); !errors.Is(errApply, ErrCouponInvalid) {
		t.Fatalf("expected ErrCouponInvalid, got %v", errApply)
	}
}

func TestConcurrentCouponRedemptionsRespectMaxUses(t *testing.T) {
	conn := openOrderTestDB(t)
	engine := newTestEngine(conn, true)
	pkg := createPackage(t, conn, "Basic", 10, 30)
	createCoupon(t, conn, "LIMITED", models.CouponTypeFixed, 2, 3)

	users := make([]models.User, 10)
	for i := range users {
		users[i] = createUser(t, conn, fmt.Sprintf("buyer%d", i))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for _, user := range users {
		wg.Add(1)
		go func(userID uint64) {
			defer wg.Done()
			result, errPurchase := engine.Purchase(context.Background(), userID, pkg.ID, "limited")
			if errPurchase != nil {
				if !errors.Is(errPurchase, ErrCouponInvalid) {
					t.Errorf("unexpected error %v", errPurchase)
				}
				return
			}
			if result.Order.Amount != 8 || result.Redirect == nil {
				t.Errorf("unexpected result %+v", result.Order)
			}
			mu.Lock()
			accepted++
			mu.Unlock()
		}(user.ID)
	}
	wg.Wait()

	if accepted != 3 {
		t.Fatalf("expected 3 accepted redemptions, got %d", accepted)
	}
	var coupon models.Coupon
	if errFind := conn.Where("code = ?", "LIMITED").Take(&coupon).Error; errFind != nil {
		t.Fatalf("load coupon: %v", errFind)
	}
	var redemptions int64
	conn.Model(&models.CouponRedemption{}).Count(&redemptions)
	if coupon.UsedCount != 3 || redemptions != 3 {
		t.Fatalf("expected used_count 3 and 3 redemptions, got %d and %d", coupon.UsedCount, redemptions)
	}
}

func TestZeroAmountPurchaseCompletesImmediately(t *testing.T) {
	conn := openOrderTestDB(t)
	engine := newTestEngine(conn, false)
	user := createUser(t, conn, "alice")
	pkg := createPackage(t, conn, "Pro", 30, 30)
	createCoupon(t, conn, "FREE", models.CouponTypePercent, 100, 0)

	if _, errPurchase := engine.Purchase(context.Background(), user.ID, pkg.ID, ""); !errors.Is(errPurchase, payment.ErrDisabled) {
		t.Fatalf("expected ErrDisabled without coupon, got %v", errPurchase)
	}

	result, errPurchase := engine.Purchase(context.Background(), user.ID, pkg.ID, "FREE")
	if errPurchase != nil {
		t.Fatalf("purchase: %v", errPurchase)
	}
	if !result.Completed || result.Redirect != nil {
		t.Fatalf("expected completed order without redirect, got %+v", result)
	}
	if result.Order.Status != models.OrderStatusPaid || result.Order.PaymentMethod != "coupon" || result.Order.DiscountAmount != 30 {
		t.Fatalf("unexpected order %+v", result.Order)
	}

	active, errActive := engine.billing.ActivePackage(context.Background(), user.ID, time.Now())
	if errActive != nil || active == nil {
		t.Fatalf("expected active package, got %v %v", active, errActive)
	}
	if active.OrderID == nil || *active.OrderID != result.Order.ID {
		t.Fatalf("subscription not linked to order")
	}

	if _, errPurchase = engine.Purchase(context.Background(), user.ID, pkg.ID, "FREE"); !errors.Is(errPurchase, ErrPackageConflict) {
		t.Fatalf("expected ErrPackageConflict, got %v", errPurchase)
	}
}

func TestSwitchAppliesProrationAndRefundsExcess(t *testing.T) {
	conn := openOrderTestDB(t)
	engine := newTestEngine(conn, false)
	now := time.Now()
	engine.now = func() time.Time { return now }
	user := createUser(t, conn, "bob")
	pro := createPackage(t, conn, "Pro", 30, 30)
	basic := createPackage(t, conn, "Basic", 10, 30)

	if _, errSwitch := engine.Switch(context.Background(), user.ID, basic.ID, ""); !errors.Is(errSwitch, billing.ErrNoActivePackage) {
		t.Fatalf("expected ErrNoActivePackage, got %v", errSwitch)
	}

	var current *models.UserPackage
	errTx := conn.Transaction(func(tx *gorm.DB) error {
		var errActivate error
		current, errActivate = engine.billing.ActivateTx(tx, user.ID, &pro, nil, now)
		return errActivate
	})
	if errTx != nil {
		t.Fatalf("activate: %v", errTx)
	}

	if _, errSwitch := engine.Switch(context.Background(), user.ID, pro.ID, ""); !errors.Is(errSwitch, ErrPackageConflict) {
		t.Fatalf("expected ErrPackageConflict for same package, got %v", errSwitch)
	}

	result, errSwitch := engine.Switch(context.Background(), user.ID, basic.ID, "")
	if errSwitch != nil {
		t.Fatalf("switch: %v", errSwitch)
	}
	if !result.Completed || result.Order.PaymentMethod != "credit" || result.Order.CreditAmount != 10 {
		t.Fatalf("unexpected switch order %+v", result.Order)
	}
	if !result.BalanceCredit.Equal(decimal.RequireFromString("20")) {
		t.Fatalf("expected 20 refunded, got %s", result.BalanceCredit)
	}
	if got := balanceOf(t, conn, user.ID); !got.Equal(decimal.RequireFromString("20")) {
		t.Fatalf("expected balance 20, got %s", got)
	}

	var old models.UserPackage
	if errFind := conn.First(&old, current.ID).Error; errFind != nil {
		t.Fatalf("load old package: %v", errFind)
	}
	if old.Status != models.UserPackageStatusSwitched {
		t.Fatalf("expected switched, got %s", old.Status)
	}
	active, _ := engine.billing.ActivePackage(context.Background(), user.ID, now)
	if active == nil || active.PackageID != basic.ID {
		t.Fatalf("expected basic to be active, got %+v", active)
	}
}

func TestRechargeNotifyIsIdempotent(t *testing.T) {
	conn := openOrderTestDB(t)
	engine := newTestEngine(conn, true)
	user := createUser(t, conn, "carol")

	if _, errRecharge := engine.Recharge(context.Background(), user.ID, decimal.RequireFromString("0.5")); !errors.Is(errRecharge, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", errRecharge)
	}

	result, errRecharge := engine.Recharge(context.Background(), user.ID, decimal.RequireFromString("50"))
	if errRecharge != nil {
		t.Fatalf("recharge: %v", errRecharge)
	}
	if result.Redirect == nil || result.Redirect.Params["money"] != "50.00" {
		t.Fatalf("unexpected redirect %+v", result.Redirect)
	}

	query := signedNotify(result.Order.OrderNo, "50.00")
	for i := 0; i < 2; i++ {
		paid, errNotify := engine.HandleNotify(context.Background(), query)
		if errNotify != nil {
			t.Fatalf("notify %d: %v", i, errNotify)
		}
		if paid.Status != models.OrderStatusPaid || paid.TradeNo != "T-"+result.Order.OrderNo {
			t.Fatalf("unexpected order %+v", paid)
		}
	}
	if got := balanceOf(t, conn, user.ID); !got.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("expected balance 50 after replayed notify, got %s", got)
	}

	query.Set("money", "51.00")
	if _, errNotify := engine.HandleNotify(context.Background(), query); !errors.Is(errNotify, payment.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", errNotify)
	}
}

func TestMarkPaidRejectsMismatchAndExpired(t *testing.T) {
	conn := openOrderTestDB(t)
	engine := newTestEngine(conn, true)
	user := createUser(t, conn, "dave")

	first, _ := engine.Recharge(context.Background(), user.ID, decimal.RequireFromString("10"))
	if _, errNotify := engine.HandleNotify(context.Background(), signedNotify(first.Order.OrderNo, "1.00")); !errors.Is(errNotify, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", errNotify)
	}

	second, _ := engine.Recharge(context.Background(), user.ID, decimal.RequireFromString("10"))
	stale := time.Now().Add(-2 * time.Hour).UTC()
	if errUpdate := conn.Model(&models.Order{}).Where("id = ?", second.Order.ID).Update("created_at", stale).Error; errUpdate != nil {
		t.Fatalf("age order: %v", errUpdate)
	}
	if _, errNotify := engine.HandleNotify(context.Background(), signedNotify(second.Order.OrderNo, "10.00")); !errors.Is(errNotify, ErrOrderExpired) {
		t.Fatalf("expected ErrOrderExpired, got %v", errNotify)
	}

	expired, errExpire := engine.ExpireStale(context.Background(), time.Now())
	if errExpire != nil || expired != 1 {
		t.Fatalf("expected one stale order, got %d %v", expired, errExpire)
	}
	if _, errNotify := engine.HandleNotify(context.Background(), signedNotify(second.Order.OrderNo, "10.00")); !errors.Is(errNotify, ErrOrderNotPending) {
		t.Fatalf("expected ErrOrderNotPending, got %v", errNotify)
	}
	if errFail := engine.MarkFailed(context.Background(), "missing"); !errors.Is(errFail, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", errFail)
	}
	if got := balanceOf(t, conn, user.ID); !got.IsZero() {
		t.Fatalf("expected zero balance, got %s", got)
	}
}

func TestPaidPackageOrderRefundsWhenAlreadySubscribed(t *testing.T) {
	conn := openOrderTestDB(t)
	engine := newTestEngine(conn, true)
	user := createUser(t, conn, "erin")
	pkg := createPackage(t, conn, "Pro", 30, 30)

	first, errFirst := engine.Purchase(context.Background(), user.ID, pkg.ID, "")
	if errFirst != nil {
		t.Fatalf("first purchase: %v", errFirst)
	}
	second, errSecond := engine.Purchase(context.Background(), user.ID, pkg.ID, "")
	if errSecond != nil {
		t.Fatalf("second purchase: %v", errSecond)
	}

	if _, errNotify := engine.HandleNotify(context.Background(), signedNotify(first.Order.OrderNo, "30.00")); errNotify != nil {
		t.Fatalf("notify first: %v", errNotify)
	}
	paid, errNotify := engine.HandleNotify(context.Background(), signedNotify(second.Order.OrderNo, "30.00"))
	if errNotify != nil {
		t.Fatalf("notify second: %v", errNotify)
	}
	if paid.Status != models.OrderStatusPaid {
		t.Fatalf("expected second order paid, got %s", paid.Status)
	}
	if got := balanceOf(t, conn, user.ID); !got.Equal(decimal.RequireFromString("30")) {
		t.Fatalf("expected undeliverable order refunded to balance, got %s", got)
	}
	var subscriptions int64
	conn.Model(&models.UserPackage{}).Where("user_id = ?", user.ID).Count(&subscriptions)
	if subscriptions != 1 {
		t.Fatalf("expected one subscription, got %d", subscriptions)
	}

	stats, errStats := engine.Stats(context.Background())
	if errStats != nil {
		t.Fatalf("stats: %v", errStats)
	}
	if stats.Paid != 2 || stats.PaidAmount != 60 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	page, errList := engine.List(context.Background(), Filter{UserID: user.ID, Status: string(models.OrderStatusPaid)})
	if errList != nil || page.Total != 2 || page.Items[0].ID != second.Order.ID {
		t.Fatalf("unexpected list %+v %v", page, errList)
	}
}
