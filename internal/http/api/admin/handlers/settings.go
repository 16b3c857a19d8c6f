package handlers

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	internalsettings "github.com/router-for-me/MeteredGateway/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SettingsHandler reads and writes runtime settings stored in the database.
type SettingsHandler struct {
	db *gorm.DB
}

// NewSettingsHandler constructs a SettingsHandler.
func NewSettingsHandler(db *gorm.DB) *SettingsHandler {
	return &SettingsHandler{db: db}
}

// List returns the current settings snapshot sorted by key.
func (h *SettingsHandler) List(c *gin.Context) {
	all := internalsettings.DBConfigAll()
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	items := make([]gin.H, 0, len(keys))
	for _, k := range keys {
		items = append(items, gin.H{"key": k, "value": all[k]})
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "updated_at": internalsettings.DBConfigUpdatedAt()})
}

// Upsert writes the given keys and refreshes the in-process snapshot.
func (h *SettingsHandler) Upsert(c *gin.Context) {
	var body map[string]json.RawMessage
	if errBind := c.ShouldBindJSON(&body); errBind != nil || len(body) == 0 {
		badRequest(c, "invalid json")
		return
	}
	if errUpsert := internalsettings.Upsert(c.Request.Context(), h.db, body); errUpsert != nil {
		log.WithError(errUpsert).Warn("admin settings upsert failed")
		badRequest(c, errUpsert.Error())
		return
	}
	h.List(c)
}
