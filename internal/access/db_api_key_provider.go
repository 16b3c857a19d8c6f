package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/security"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	// ErrMissingAPIKey indicates the request carried no credential.
	ErrMissingAPIKey = errors.New("missing api key")
	// ErrInvalidAPIKey indicates the credential matches no key.
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrKeyRevoked indicates the key was revoked by its owner or an admin.
	ErrKeyRevoked = errors.New("api key revoked")
	// ErrUserInactive indicates the owning user is suspended or banned.
	ErrUserInactive = errors.New("user is not active")
	// ErrKeyQuotaExceeded indicates the key reached its cumulative cost cap.
	ErrKeyQuotaExceeded = errors.New("api key quota exceeded")
)

const (
	cacheKeyPrefix     = "gateway:apikey:"
	defaultCacheTTL    = 30 * time.Second
	negativeCacheTTL   = 5 * time.Second
	lastUsedResolution = time.Minute
)

// Principal is the authenticated caller of an inference request.
type Principal struct {
	APIKeyID   uint64              `json:"api_key_id"`
	KeyName    string              `json:"key_name"`
	KeyPrefix  string              `json:"key_prefix"`
	KeyStatus  models.APIKeyStatus `json:"key_status"`
	QuotaLimit *float64            `json:"quota_limit,omitempty"`
	TotalUsage float64             `json:"total_usage"`

	UserID     uint64            `json:"user_id"`
	Username   string            `json:"username"`
	UserStatus models.UserStatus `json:"user_status"`
	Role       models.UserRole   `json:"role"`
}

// QuotaExceeded reports whether the key reached its cost cap as of the snapshot.
func (p Principal) QuotaExceeded() bool {
	return p.QuotaLimit != nil && p.TotalUsage >= *p.QuotaLimit
}

// cacheEntry is stored in Redis. NotFound caches misses so unknown keys do not hit the database.
type cacheEntry struct {
	NotFound  bool       `json:"not_found"`
	Principal *Principal `json:"principal,omitempty"`
}

// DBAPIKeyProvider authenticates requests using API keys stored in the database, with an optional
// Redis snapshot cache in front of the lookup.
type DBAPIKeyProvider struct {
	db    *gorm.DB
	redis *redis.Client
	ttl   time.Duration

	header       string
	scheme       string
	allowXAPIKey bool

	now func() time.Time
}

// NewDBAPIKeyProvider constructs a provider. rdb may be nil to disable caching.
func NewDBAPIKeyProvider(db *gorm.DB, rdb *redis.Client) *DBAPIKeyProvider {
	return &DBAPIKeyProvider{
		db:           db,
		redis:        rdb,
		ttl:          defaultCacheTTL,
		header:       "Authorization",
		scheme:       "Bearer",
		allowXAPIKey: true,
		now:          time.Now,
	}
}

// Authenticate validates the request API key and returns its principal.
func (p *DBAPIKeyProvider) Authenticate(ctx context.Context, r *http.Request) (*Principal, error) {
	if p == nil || p.db == nil || r == nil {
		return nil, errors.New("db api key provider: not configured")
	}
	token := extractToken(r, p.header, p.scheme, p.allowXAPIKey)
	if token == "" {
		return nil, ErrMissingAPIKey
	}

	principal, errLookup := p.lookup(ctx, security.HashAPIKey(token))
	if errLookup != nil {
		return nil, errLookup
	}
	if principal.KeyStatus != models.APIKeyStatusActive {
		return nil, ErrKeyRevoked
	}
	if principal.UserStatus != models.UserStatusActive {
		return nil, ErrUserInactive
	}
	p.touch(ctx, principal.APIKeyID)
	return principal, nil
}

func (p *DBAPIKeyProvider) lookup(ctx context.Context, hash string) (*Principal, error) {
	if entry, ok := p.cached(ctx, hash); ok {
		if entry.NotFound || entry.Principal == nil {
			return nil, ErrInvalidAPIKey
		}
		return entry.Principal, nil
	}

	var apiKey models.APIKey
	errFind := p.db.WithContext(ctx).
		Preload("User").
		Where("key_hash = ?", hash).
		Take(&apiKey).Error
	switch {
	case errFind == nil:
	case errors.Is(errFind, gorm.ErrRecordNotFound):
		p.store(ctx, hash, cacheEntry{NotFound: true}, negativeCacheTTL)
		return nil, ErrInvalidAPIKey
	default:
		return nil, fmt.Errorf("db api key provider: query failed: %w", errFind)
	}
	if apiKey.User == nil {
		return nil, ErrInvalidAPIKey
	}

	principal := &Principal{
		APIKeyID:   apiKey.ID,
		KeyName:    apiKey.Name,
		KeyPrefix:  apiKey.KeyPrefix,
		KeyStatus:  apiKey.Status,
		QuotaLimit: apiKey.QuotaLimit,
		TotalUsage: apiKey.TotalUsage,
		UserID:     apiKey.UserID,
		Username:   apiKey.User.Username,
		UserStatus: apiKey.User.Status,
		Role:       apiKey.User.Role,
	}
	p.store(ctx, hash, cacheEntry{Principal: principal}, p.ttl)
	return principal, nil
}

func (p *DBAPIKeyProvider) cached(ctx context.Context, hash string) (cacheEntry, bool) {
	if p.redis == nil {
		return cacheEntry{}, false
	}
	raw, errGet := p.redis.Get(ctx, cacheKeyPrefix+hash).Bytes()
	if errGet != nil {
		if !errors.Is(errGet, redis.Nil) {
			log.WithError(errGet).Warn("access: auth cache read failed")
		}
		return cacheEntry{}, false
	}
	var entry cacheEntry
	if errUnmarshal := json.Unmarshal(raw, &entry); errUnmarshal != nil {
		return cacheEntry{}, false
	}
	return entry, true
}

func (p *DBAPIKeyProvider) store(ctx context.Context, hash string, entry cacheEntry, ttl time.Duration) {
	if p.redis == nil {
		return
	}
	payload, errMarshal := json.Marshal(entry)
	if errMarshal != nil {
		return
	}
	if errSet := p.redis.Set(ctx, cacheKeyPrefix+hash, payload, ttl).Err(); errSet != nil {
		log.WithError(errSet).Warn("access: auth cache write failed")
	}
}

// Invalidate drops the cached snapshot of one key hash.
func (p *DBAPIKeyProvider) Invalidate(ctx context.Context, hash string) {
	if p == nil || p.redis == nil || hash == "" {
		return
	}
	if errDel := p.redis.Del(ctx, cacheKeyPrefix+hash).Err(); errDel != nil {
		log.WithError(errDel).Warn("access: auth cache invalidate failed")
	}
}

// InvalidateUser drops the cached snapshots of every key a user owns.
func (p *DBAPIKeyProvider) InvalidateUser(ctx context.Context, userID uint64) {
	if p == nil || p.redis == nil {
		return
	}
	var hashes []string
	if errFind := p.db.WithContext(ctx).Model(&models.APIKey{}).Where("user_id = ?", userID).Pluck("key_hash", &hashes).Error; errFind != nil {
		log.WithError(errFind).Warn("access: load user keys for invalidation failed")
		return
	}
	for _, hash := range hashes {
		p.Invalidate(ctx, hash)
	}
}

// touch records last use at most once per minute per key.
func (p *DBAPIKeyProvider) touch(ctx context.Context, apiKeyID uint64) {
	now := p.now().UTC()
	if errUpdate := p.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ? AND (last_used_at IS NULL OR last_used_at < ?)", apiKeyID, now.Add(-lastUsedResolution)).
		Update("last_used_at", now).Error; errUpdate != nil {
		log.WithError(errUpdate).WithField("api_key_id", apiKeyID).Debug("access: update last_used_at failed")
	}
}

// extractToken extracts an API key token from headers or query parameters.
func extractToken(r *http.Request, header string, scheme string, allowXAPIKey bool) string {
	header = strings.TrimSpace(header)
	scheme = strings.TrimSpace(scheme)
	if header == "" {
		header = "Authorization"
	}
	val := strings.TrimSpace(r.Header.Get(header))
	if val != "" && scheme != "" {
		prefix := scheme + " "
		if len(val) > len(prefix) && strings.EqualFold(val[:len(prefix)], prefix) {
			return strings.TrimSpace(val[len(prefix):])
		}
	}
	if val != "" && scheme == "" {
		return val
	}
	if allowXAPIKey {
		if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
			return v
		}
	}
	if r.URL != nil {
		if v := strings.TrimSpace(r.URL.Query().Get("key")); v != "" {
			return v
		}
	}
	return ""
}
