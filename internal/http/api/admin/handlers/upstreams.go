package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	internalhttp "github.com/router-for-me/MeteredGateway/internal/http"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/upstream"
	"github.com/router-for-me/MeteredGateway/internal/util"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UpstreamHandler manages upstream providers and manual health probes.
type UpstreamHandler struct {
	db       *gorm.DB
	registry *upstream.Registry
	monitor  *upstream.Monitor
}

// NewUpstreamHandler constructs an UpstreamHandler.
func NewUpstreamHandler(db *gorm.DB, registry *upstream.Registry, monitor *upstream.Monitor) *UpstreamHandler {
	return &UpstreamHandler{db: db, registry: registry, monitor: monitor}
}

// upstreamRequest captures create and update payloads. Nil fields are left unchanged on update.
type upstreamRequest struct {
	Name           *string            `json:"name"`
	Provider       *string            `json:"provider"`
	BaseURL        *string            `json:"base_url"`
	Credential     *string            `json:"credential"`
	Headers        *map[string]string `json:"headers"`
	Priority       *int               `json:"priority"`
	Weight         *int               `json:"weight"`
	MaxRetries     *int               `json:"max_retries"`
	TimeoutSeconds *int               `json:"timeout_seconds"`
	HealthPath     *string            `json:"health_path"`
}

// apply copies set fields onto row and validates the result.
func (b *upstreamRequest) apply(row *models.UpstreamProvider) error {
	if b.Name != nil {
		row.Name = strings.TrimSpace(*b.Name)
	}
	if b.Provider != nil {
		row.Provider = strings.TrimSpace(*b.Provider)
	}
	if b.BaseURL != nil {
		row.BaseURL = strings.TrimRight(strings.TrimSpace(*b.BaseURL), "/")
	}
	if b.Credential != nil {
		row.Credential = strings.TrimSpace(*b.Credential)
	}
	if b.Headers != nil {
		raw, errMarshal := json.Marshal(*b.Headers)
		if errMarshal != nil {
			return errors.New("invalid headers")
		}
		row.Headers = datatypes.JSON(raw)
	}
	if b.Priority != nil {
		row.Priority = *b.Priority
	}
	if b.Weight != nil {
		row.Weight = *b.Weight
	}
	if b.MaxRetries != nil {
		row.MaxRetries = *b.MaxRetries
	}
	if b.TimeoutSeconds != nil {
		row.TimeoutSeconds = *b.TimeoutSeconds
	}
	if b.HealthPath != nil {
		row.HealthPath = strings.TrimSpace(*b.HealthPath)
	}

	if row.Name == "" {
		return errors.New("name is required")
	}
	parsed, errParse := url.Parse(row.BaseURL)
	if errParse != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return errors.New("invalid base_url")
	}
	if row.Credential == "" {
		return errors.New("credential is required")
	}
	if row.Weight < 1 {
		return errors.New("weight must be at least 1")
	}
	if row.MaxRetries < 1 {
		return errors.New("max_retries must be at least 1")
	}
	if row.TimeoutSeconds < 1 {
		return errors.New("timeout_seconds must be at least 1")
	}
	return nil
}

// List returns every upstream with credentials masked.
func (h *UpstreamHandler) List(c *gin.Context) {
	var rows []models.UpstreamProvider
	if errFind := h.db.WithContext(c.Request.Context()).Order("priority ASC").Order("id ASC").Find(&rows).Error; errFind != nil {
		internalError(c, "list upstreams failed")
		return
	}
	items := make([]gin.H, 0, len(rows))
	for i := range rows {
		items = append(items, upstreamRow(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Create inserts a new upstream in active status.
func (h *UpstreamHandler) Create(c *gin.Context) {
	var body upstreamRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	row := models.UpstreamProvider{
		Status:         models.UpstreamStatusActive,
		Weight:         1,
		MaxRetries:     3,
		TimeoutSeconds: 120,
	}
	if errApply := body.apply(&row); errApply != nil {
		badRequest(c, errApply.Error())
		return
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&row).Error; errCreate != nil {
		internalError(c, "create upstream failed")
		return
	}
	h.reload(c)
	c.JSON(http.StatusCreated, upstreamRow(&row))
}

// Update changes an upstream's configuration. Status is managed separately.
func (h *UpstreamHandler) Update(c *gin.Context) {
	row, ok := h.load(c)
	if !ok {
		return
	}
	var body upstreamRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	if errApply := body.apply(row); errApply != nil {
		badRequest(c, errApply.Error())
		return
	}
	if errSave := h.db.WithContext(c.Request.Context()).Model(row).Select(
		"name", "provider", "base_url", "credential", "headers", "priority", "weight",
		"max_retries", "timeout_seconds", "health_path",
	).Updates(row).Error; errSave != nil {
		internalError(c, "update upstream failed")
		return
	}
	h.reload(c)
	c.JSON(http.StatusOK, upstreamRow(row))
}

// Delete removes an upstream. Usage history keeps its id.
func (h *UpstreamHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	result := h.db.WithContext(c.Request.Context()).Delete(&models.UpstreamProvider{}, id)
	if result.Error != nil {
		internalError(c, "delete upstream failed")
		return
	}
	if result.RowsAffected == 0 {
		notFound(c, "upstream not found")
		return
	}
	h.reload(c)
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// setStatusRequest captures a manual status change.
type setStatusRequest struct {
	Status string `json:"status"`
}

// SetStatus enables or disables an upstream. Enabling resets its failure count.
func (h *UpstreamHandler) SetStatus(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var body setStatusRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	status := models.UpstreamStatus(strings.TrimSpace(body.Status))
	if status != models.UpstreamStatusActive && status != models.UpstreamStatusDisabled {
		badRequest(c, "status must be active or disabled")
		return
	}
	if errSet := h.registry.SetStatus(c.Request.Context(), id, status); errSet != nil {
		internalhttp.WriteAPIError(c, errSet)
		return
	}
	row, found := h.registry.Get(id)
	if !found {
		notFound(c, "upstream not found")
		return
	}
	c.JSON(http.StatusOK, upstreamRow(&row))
}

// Check probes one upstream immediately.
func (h *UpstreamHandler) Check(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	result, errProbe := h.monitor.ProbeOne(c.Request.Context(), id)
	if errProbe != nil {
		internalhttp.WriteAPIError(c, errProbe)
		return
	}
	out := probeRow(result)
	if row, found := h.registry.Get(id); found {
		out["upstream"] = upstreamRow(&row)
	}
	c.JSON(http.StatusOK, out)
}

// CheckAll probes every enabled upstream immediately.
func (h *UpstreamHandler) CheckAll(c *gin.Context) {
	results := h.monitor.ProbeAll(c.Request.Context())
	items := make([]gin.H, 0, len(results))
	for _, result := range results {
		items = append(items, probeRow(result))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *UpstreamHandler) load(c *gin.Context) (*models.UpstreamProvider, bool) {
	id, ok := parseID(c)
	if !ok {
		return nil, false
	}
	var row models.UpstreamProvider
	if errFind := h.db.WithContext(c.Request.Context()).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			notFound(c, "upstream not found")
			return nil, false
		}
		internalError(c, "fetch upstream failed")
		return nil, false
	}
	return &row, true
}

func (h *UpstreamHandler) reload(c *gin.Context) {
	if errReload := h.registry.Reload(c.Request.Context()); errReload != nil {
		log.WithError(errReload).Warn("upstream registry reload failed")
	}
}

func upstreamRow(row *models.UpstreamProvider) gin.H {
	return gin.H{
		"id":              row.ID,
		"name":            row.Name,
		"provider":        row.Provider,
		"base_url":        row.BaseURL,
		"credential":      util.MaskSecret(row.Credential),
		"headers":         row.Headers,
		"priority":        row.Priority,
		"weight":          row.Weight,
		"status":          row.Status,
		"failure_count":   row.FailureCount,
		"max_retries":     row.MaxRetries,
		"timeout_seconds": row.TimeoutSeconds,
		"health_path":     row.HealthPath,
		"last_error":      row.LastError,
		"last_checked":    row.LastChecked,
		"updated_at":      row.UpdatedAt,
	}
}

func probeRow(result upstream.ProbeResult) gin.H {
	return gin.H{
		"upstream_id": result.UpstreamID,
		"healthy":     result.Healthy,
		"status_code": result.StatusCode,
		"latency_ms":  result.Latency.Milliseconds(),
		"error":       result.Err,
	}
}
