package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/router-for-me/MeteredGateway/internal/models"
	internalsettings "github.com/router-for-me/MeteredGateway/internal/settings"
	log "github.com/sirupsen/logrus"
)

const (
	pruneBatchSize  = 5000
	pruneBatchesMax = 200
)

// Prune deletes usage logs older than USAGE_RETENTION_DAYS in bounded batches.
// Nothing is deleted while the setting is 0. The signature matches billing.SweepFunc.
func (l *Ledger) Prune(ctx context.Context, now time.Time) (int64, error) {
	days := internalsettings.Int(internalsettings.UsageRetentionDaysKey, internalsettings.DefaultUsageRetentionDays)
	if days <= 0 {
		return 0, nil
	}
	cutoff := now.UTC().AddDate(0, 0, -days)

	var deleted int64
	for batch := 0; batch < pruneBatchesMax && ctx.Err() == nil; batch++ {
		oldest := l.db.WithContext(ctx).Model(&models.UsageLog{}).
			Select("id").
			Where("created_at < ?", cutoff).
			Order("created_at ASC").
			Limit(pruneBatchSize)
		res := l.db.WithContext(ctx).Where("id IN (?)", oldest).Delete(&models.UsageLog{})
		if res.Error != nil {
			return deleted, fmt.Errorf("usage: prune before %s: %w", cutoff.Format(time.RFC3339), res.Error)
		}
		deleted += res.RowsAffected
		if res.RowsAffected < pruneBatchSize {
			break
		}
	}
	if deleted > 0 {
		log.WithFields(log.Fields{"cutoff": cutoff.Format(time.RFC3339), "retention_days": days}).
			Infof("pruned %d usage logs", deleted)
	}
	return deleted, nil
}
