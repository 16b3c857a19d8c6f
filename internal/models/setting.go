package models

import (
	"time"

	"gorm.io/datatypes"
)

// Setting is one runtime-tunable value editable from the admin API, e.g. DEFAULT_BALANCE.
type Setting struct {
	Key       string         `gorm:"type:varchar(64);primaryKey"` // Upper-case setting name.
	Value     datatypes.JSON `gorm:"type:text;not null"`          // JSON text; SQLite keeps TEXT affinity verbatim.
	UpdatedAt time.Time      `gorm:"not null;autoUpdateTime"`     // Last write, drives the snapshot version.
}
