package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/MeteredGateway/internal/db"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/security"
	"gorm.io/gorm"
)

func openAccessTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := db.Open(fmt.Sprintf("file:access_%d?mode=memory&cache=shared", time.Now().UnixNano()))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

func seedKey(t *testing.T, conn *gorm.DB, username string, userStatus models.UserStatus) (models.APIKey, string) {
	t.Helper()
	user := models.User{Username: username, Password: "x", Status: userStatus, Role: models.UserRoleUser}
	if errCreate := conn.Create(&user).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}
	generated, errGen := security.GenerateAPIKey()
	if errGen != nil {
		t.Fatalf("generate key: %v", errGen)
	}
	key := models.APIKey{UserID: user.ID, Name: "default", KeyHash: generated.Hash, KeyPrefix: generated.Prefix, Status: models.APIKeyStatusActive}
	if errCreate := conn.Create(&key).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}
	return key, generated.Secret
}

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestAuthenticateExtractsTokenVariants(t *testing.T) {
	conn := openAccessTestDB(t)
	key, secret := seedKey(t, conn, "alice", models.UserStatusActive)
	provider := NewDBAPIKeyProvider(conn, nil)

	bearer := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	bearer.Header.Set("Authorization", "Bearer "+secret)
	xAPIKey := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	xAPIKey.Header.Set("X-API-Key", secret)
	query := httptest.NewRequest(http.MethodGet, "/v1/models?key="+secret, nil)

	for name, r := range map[string]*http.Request{"bearer": bearer, "x-api-key": xAPIKey, "query": query} {
		principal, errAuth := provider.Authenticate(context.Background(), r)
		if errAuth != nil {
			t.Fatalf("%s: authenticate: %v", name, errAuth)
		}
		if principal.APIKeyID != key.ID || principal.UserID != key.UserID || principal.Username != "alice" {
			t.Fatalf("%s: unexpected principal %+v", name, principal)
		}
	}
}

func TestAuthenticateRejections(t *testing.T) {
	conn := openAccessTestDB(t)
	provider := NewDBAPIKeyProvider(conn, nil)

	revoked, revokedSecret := seedKey(t, conn, "revoked", models.UserStatusActive)
	if errUpdate := conn.Model(&models.APIKey{}).Where("id = ?", revoked.ID).Update("status", models.APIKeyStatusRevoked).Error; errUpdate != nil {
		t.Fatalf("revoke key: %v", errUpdate)
	}
	_, bannedSecret := seedKey(t, conn, "banned", models.UserStatusBanned)

	cases := []struct {
		name   string
		secret string
		want   error
	}{
		{name: "missing", secret: "", want: ErrMissingAPIKey},
		{name: "unknown", secret: "sk-unknown", want: ErrInvalidAPIKey},
		{name: "revoked", secret: revokedSecret, want: ErrKeyRevoked},
		{name: "banned user", secret: bannedSecret, want: ErrUserInactive},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		if tc.secret != "" {
			r.Header.Set("Authorization", "Bearer "+tc.secret)
		}
		if _, errAuth := provider.Authenticate(context.Background(), r); !errors.Is(errAuth, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, errAuth)
		}
	}
}

func TestAuthenticateCachesSnapshotUntilInvalidated(t *testing.T) {
	conn := openAccessTestDB(t)
	mr, rdb := newMiniRedis(t)
	provider := NewDBAPIKeyProvider(conn, rdb)
	key, secret := seedKey(t, conn, "bob", models.UserStatusActive)

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer "+secret)
	if _, errAuth := provider.Authenticate(context.Background(), r); errAuth != nil {
		t.Fatalf("authenticate: %v", errAuth)
	}
	if !mr.Exists(cacheKeyPrefix + key.KeyHash) {
		t.Fatalf("expected cached snapshot")
	}

	if errUpdate := conn.Model(&models.APIKey{}).Where("id = ?", key.ID).Update("status", models.APIKeyStatusRevoked).Error; errUpdate != nil {
		t.Fatalf("revoke key: %v", errUpdate)
	}
	if _, errAuth := provider.Authenticate(context.Background(), r); errAuth != nil {
		t.Fatalf("expected cached snapshot to authenticate, got %v", errAuth)
	}

	provider.InvalidateUser(context.Background(), key.UserID)
	if _, errAuth := provider.Authenticate(context.Background(), r); !errors.Is(errAuth, ErrKeyRevoked) {
		t.Fatalf("expected revoked after invalidation, got %v", errAuth)
	}
}

func TestAuthenticateCachesMisses(t *testing.T) {
	conn := openAccessTestDB(t)
	mr, rdb := newMiniRedis(t)
	provider := NewDBAPIKeyProvider(conn, rdb)

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("X-API-Key", "sk-missing")
	if _, errAuth := provider.Authenticate(context.Background(), r); !errors.Is(errAuth, ErrInvalidAPIKey) {
		t.Fatalf("expected invalid key, got %v", errAuth)
	}
	hash := security.HashAPIKey("sk-missing")
	if !mr.Exists(cacheKeyPrefix + hash) {
		t.Fatalf("expected negative cache entry")
	}
	mr.FastForward(negativeCacheTTL + time.Second)
	if mr.Exists(cacheKeyPrefix + hash) {
		t.Fatalf("expected negative cache entry to expire")
	}
}

func TestAuthenticateThrottlesLastUsed(t *testing.T) {
	conn := openAccessTestDB(t)
	provider := NewDBAPIKeyProvider(conn, nil)
	key, secret := seedKey(t, conn, "carol", models.UserStatusActive)

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	provider.now = func() time.Time { return base }
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer "+secret)
	if _, errAuth := provider.Authenticate(context.Background(), r); errAuth != nil {
		t.Fatalf("authenticate: %v", errAuth)
	}

	provider.now = func() time.Time { return base.Add(10 * time.Second) }
	if _, errAuth := provider.Authenticate(context.Background(), r); errAuth != nil {
		t.Fatalf("authenticate: %v", errAuth)
	}

	var stored models.APIKey
	if errFind := conn.First(&stored, key.ID).Error; errFind != nil {
		t.Fatalf("load key: %v", errFind)
	}
	if stored.LastUsedAt == nil || !stored.LastUsedAt.UTC().Equal(base) {
		t.Fatalf("expected last_used_at %s, got %v", base, stored.LastUsedAt)
	}
}
