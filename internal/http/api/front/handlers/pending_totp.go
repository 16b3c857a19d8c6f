package handlers

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	pendingSecretTTL       = 10 * time.Minute
	pendingSecretKeyPrefix = "gw:totp:pending:"
)

// pendingSecrets holds TOTP secrets between enrollment and confirmation. With Redis the
// enrollment can be confirmed on any instance; without it secrets live in process memory.
type pendingSecrets struct {
	rdb *redis.Client

	mu    sync.Mutex
	local map[uint64]pendingSecret
}

type pendingSecret struct {
	secret    string
	expiresAt time.Time
}

func newPendingSecrets(rdb *redis.Client) *pendingSecrets {
	return &pendingSecrets{rdb: rdb, local: make(map[uint64]pendingSecret)}
}

func pendingSecretKey(userID uint64) string {
	return pendingSecretKeyPrefix + strconv.FormatUint(userID, 10)
}

func (p *pendingSecrets) put(ctx context.Context, userID uint64, secret string) {
	if p.rdb != nil {
		errSet := p.rdb.Set(ctx, pendingSecretKey(userID), secret, pendingSecretTTL).Err()
		if errSet == nil {
			return
		}
		log.WithError(errSet).Warn("store pending totp secret in redis")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local[userID] = pendingSecret{secret: secret, expiresAt: time.Now().Add(pendingSecretTTL)}
}

// take returns the pending secret and forgets it only when consume is true.
func (p *pendingSecrets) take(ctx context.Context, userID uint64, consume bool) (string, bool) {
	if p.rdb != nil {
		key := pendingSecretKey(userID)
		var (
			secret string
			errGet error
		)
		if consume {
			secret, errGet = p.rdb.GetDel(ctx, key).Result()
		} else {
			secret, errGet = p.rdb.Get(ctx, key).Result()
		}
		if errGet == nil {
			return secret, true
		}
		if !errors.Is(errGet, redis.Nil) {
			log.WithError(errGet).Warn("load pending totp secret from redis")
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.local[userID]
	if !ok {
		return "", false
	}
	expired := time.Now().After(entry.expiresAt)
	if expired || consume {
		delete(p.local, userID)
	}
	if expired {
		return "", false
	}
	return entry.secret, true
}
