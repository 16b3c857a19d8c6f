package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/MeteredGateway/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RefreshDBConfigSnapshot reloads all settings from the database and updates the in-memory snapshot.
//
// This is required at process startup; otherwise reads return defaults until an admin
// updates settings via the API.
func RefreshDBConfigSnapshot(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	updatedAt, values, errLoad := loadSettings(db.WithContext(ctx))
	if errLoad != nil {
		return errLoad
	}
	StoreDBConfig(updatedAt, values)
	return nil
}

// loadSettings reads every row and returns the newest update time with the decoded values.
func loadSettings(q *gorm.DB) (time.Time, map[string]json.RawMessage, error) {
	var rows []models.Setting
	if errFind := q.Select("key", "value", "updated_at").Order("key ASC").Find(&rows).Error; errFind != nil {
		return time.Time{}, nil, fmt.Errorf("settings: load: %w", errFind)
	}

	values := make(map[string]json.RawMessage, len(rows))
	maxUpdatedAt := time.Time{}
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		if !json.Valid(row.Value) {
			return time.Time{}, nil, fmt.Errorf("settings: stored value for %s is not json", key)
		}
		values[key] = json.RawMessage(row.Value)
		if row.UpdatedAt.After(maxUpdatedAt) {
			maxUpdatedAt = row.UpdatedAt
		}
	}
	return maxUpdatedAt, values, nil
}

// Upsert writes settings and refreshes the snapshot. The write and the read-back share one
// transaction, so a value that cannot be loaded again is never committed.
func Upsert(ctx context.Context, db *gorm.DB, values map[string]json.RawMessage) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	now := time.Now().UTC()
	rows := make([]models.Setting, 0, len(values))
	for k, v := range values {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		if !json.Valid(v) {
			return errors.New("settings: invalid json for " + key)
		}
		rows = append(rows, models.Setting{Key: key, Value: datatypes.JSON(v), UpdatedAt: now})
	}

	var (
		updatedAt time.Time
		snapshot  map[string]json.RawMessage
	)
	errTx := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(rows) > 0 {
			if errUpsert := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&rows).Error; errUpsert != nil {
				return fmt.Errorf("settings: upsert: %w", errUpsert)
			}
		}
		var errLoad error
		updatedAt, snapshot, errLoad = loadSettings(tx)
		return errLoad
	})
	if errTx != nil {
		return errTx
	}
	StoreDBConfig(updatedAt, snapshot)
	return nil
}
