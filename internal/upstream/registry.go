package upstream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/router-for-me/MeteredGateway/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrNoAvailableUpstream is returned when no active upstream can serve a request.
var ErrNoAvailableUpstream = errors.New("no available upstream")

// ErrUpstreamNotFound is returned for unknown upstream ids.
var ErrUpstreamNotFound = errors.New("upstream not found")

// DefaultFailureThreshold is the number of consecutive failures that marks an upstream unhealthy.
const DefaultFailureThreshold = 3

// Registry keeps a copy-on-write snapshot of configured upstreams.
// Readers load the snapshot without locking; writes go to the database and then swap the snapshot.
type Registry struct {
	db               *gorm.DB
	failureThreshold int

	snapshot atomic.Value // []models.UpstreamProvider ordered by priority, id
	reloadMu sync.Mutex

	randMu sync.Mutex
	rnd    *rand.Rand
}

// NewRegistry constructs a Registry. Call Reload before serving traffic.
func NewRegistry(db *gorm.DB, failureThreshold int) *Registry {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	r := &Registry{
		db:               db,
		failureThreshold: failureThreshold,
		rnd:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	r.snapshot.Store([]models.UpstreamProvider{})
	return r
}

// FailureThreshold returns the consecutive failure count that flips an upstream to unhealthy.
func (r *Registry) FailureThreshold() int {
	return r.failureThreshold
}

// Reload replaces the snapshot with the current database rows.
func (r *Registry) Reload(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	var rows []models.UpstreamProvider
	if errFind := r.db.WithContext(ctx).Order("priority ASC").Order("id ASC").Find(&rows).Error; errFind != nil {
		return fmt.Errorf("upstream: load: %w", errFind)
	}
	r.snapshot.Store(rows)
	return nil
}

// Snapshot returns a copy of every configured upstream.
func (r *Registry) Snapshot() []models.UpstreamProvider {
	rows, _ := r.snapshot.Load().([]models.UpstreamProvider)
	out := make([]models.UpstreamProvider, len(rows))
	copy(out, rows)
	return out
}

// Get returns one upstream from the snapshot.
func (r *Registry) Get(id uint64) (models.UpstreamProvider, bool) {
	rows, _ := r.snapshot.Load().([]models.UpstreamProvider)
	for _, row := range rows {
		if row.ID == id {
			return row, true
		}
	}
	return models.UpstreamProvider{}, false
}

// Candidates returns active upstreams in attempt order: ascending priority, and a
// weighted-random permutation among equal priority.
func (r *Registry) Candidates() []models.UpstreamProvider {
	rows, _ := r.snapshot.Load().([]models.UpstreamProvider)
	active := make([]models.UpstreamProvider, 0, len(rows))
	for _, row := range rows {
		if row.Status == models.UpstreamStatusActive {
			active = append(active, row)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].Priority < active[j].Priority })

	out := make([]models.UpstreamProvider, 0, len(active))
	for start := 0; start < len(active); {
		end := start
		for end < len(active) && active[end].Priority == active[start].Priority {
			end++
		}
		out = append(out, r.weightedPermutation(active[start:end])...)
		start = end
	}
	return out
}

// weightedPermutation orders a priority tier by repeated weighted draws without replacement.
func (r *Registry) weightedPermutation(tier []models.UpstreamProvider) []models.UpstreamProvider {
	remaining := make([]models.UpstreamProvider, len(tier))
	copy(remaining, tier)
	out := make([]models.UpstreamProvider, 0, len(tier))

	r.randMu.Lock()
	defer r.randMu.Unlock()
	for len(remaining) > 0 {
		total := 0
		for _, row := range remaining {
			total += effectiveWeight(row)
		}
		pick := r.rnd.Intn(total)
		idx := 0
		for i, row := range remaining {
			pick -= effectiveWeight(row)
			if pick < 0 {
				idx = i
				break
			}
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}

func effectiveWeight(row models.UpstreamProvider) int {
	if row.Weight <= 0 {
		return 1
	}
	return row.Weight
}

// RecordFailure increments the failure count and marks the upstream unhealthy once the threshold is reached.
// Disabled upstreams keep their status.
func (r *Registry) RecordFailure(ctx context.Context, id uint64, reason string) error {
	now := time.Now().UTC()
	var flipped bool
	errTx := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.UpstreamProvider{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"failure_count": gorm.Expr("failure_count + 1"),
				"last_error":    truncate(reason, 500),
				"last_checked":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrUpstreamNotFound
		}
		flip := tx.Model(&models.UpstreamProvider{}).
			Where("id = ? AND status = ? AND failure_count >= ?", id, models.UpstreamStatusActive, r.failureThreshold).
			Update("status", models.UpstreamStatusUnhealthy)
		if flip.Error != nil {
			return flip.Error
		}
		flipped = flip.RowsAffected > 0
		return nil
	})
	if errTx != nil {
		return errTx
	}
	if flipped {
		log.WithFields(log.Fields{"upstream_id": id, "reason": reason}).Warn("upstream marked unhealthy")
	}
	return r.Reload(ctx)
}

// RecordSuccess resets the failure count and restores an unhealthy upstream to active.
// Disabled upstreams stay disabled.
func (r *Registry) RecordSuccess(ctx context.Context, id uint64) error {
	now := time.Now().UTC()
	var restored bool
	errTx := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.UpstreamProvider{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"failure_count": 0,
				"last_error":    "",
				"last_checked":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrUpstreamNotFound
		}
		restore := tx.Model(&models.UpstreamProvider{}).
			Where("id = ? AND status = ?", id, models.UpstreamStatusUnhealthy).
			Update("status", models.UpstreamStatusActive)
		if restore.Error != nil {
			return restore.Error
		}
		restored = restore.RowsAffected > 0
		return nil
	})
	if errTx != nil {
		return errTx
	}
	if restored {
		log.WithField("upstream_id", id).Info("upstream recovered")
	}
	return r.Reload(ctx)
}

// NoteRequestSuccess resets a non-zero failure streak after a successful proxied request.
func (r *Registry) NoteRequestSuccess(ctx context.Context, id uint64) {
	row, ok := r.Get(id)
	if !ok || row.FailureCount == 0 {
		return
	}
	if errRecord := r.RecordSuccess(ctx, id); errRecord != nil {
		log.WithError(errRecord).WithField("upstream_id", id).Warn("upstream: reset failure count failed")
	}
}

// SetStatus applies an admin status change. Activating an upstream clears its failure count.
func (r *Registry) SetStatus(ctx context.Context, id uint64, status models.UpstreamStatus) error {
	switch status {
	case models.UpstreamStatusActive, models.UpstreamStatusDisabled:
	default:
		return fmt.Errorf("upstream: status %q cannot be set manually", status)
	}
	updates := map[string]any{"status": status}
	if status == models.UpstreamStatusActive {
		updates["failure_count"] = 0
		updates["last_error"] = ""
	}
	res := r.db.WithContext(ctx).Model(&models.UpstreamProvider{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUpstreamNotFound
	}
	return r.Reload(ctx)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
