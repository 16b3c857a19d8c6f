package handlers

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image/png"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/security"
	"gorm.io/gorm"
)

// MFAHandler handles TOTP enrollment for front users.
type MFAHandler struct {
	db      *gorm.DB
	pending *pendingSecrets
}

// NewMFAHandler constructs an MFAHandler. rdb may be nil.
func NewMFAHandler(db *gorm.DB, rdb *redis.Client) *MFAHandler {
	return &MFAHandler{db: db, pending: newPendingSecrets(rdb)}
}

// Status reports whether TOTP is enabled for the user.
func (h *MFAHandler) Status(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	var user models.User
	if errFind := h.db.WithContext(c.Request.Context()).Select("id", "totp_secret").First(&user, userID).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed", "code": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"totp_enabled": strings.TrimSpace(user.TOTPSecret) != ""})
}

// PrepareTOTP generates a secret the user must confirm with a code.
func (h *MFAHandler) PrepareTOTP(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	var user models.User
	if errFind := h.db.WithContext(c.Request.Context()).Select("id", "username").First(&user, userID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found", "code": "not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed", "code": "internal_error"})
		return
	}

	secret, otpURL, errGenerate := security.GenerateTOTP(user.Username)
	if errGenerate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate totp secret failed", "code": "internal_error"})
		return
	}
	h.pending.put(c.Request.Context(), user.ID, secret)

	qrImage := ""
	if key, errKey := otp.NewKeyFromURL(otpURL); errKey == nil {
		if img, errImage := key.Image(220, 220); errImage == nil {
			var buf bytes.Buffer
			if errEncode := png.Encode(&buf, img); errEncode == nil {
				qrImage = "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"secret":      secret,
		"otpauth_url": otpURL,
		"qr_image":    qrImage,
	})
}

// totpCodeRequest carries a one-time code.
type totpCodeRequest struct {
	Code string `json:"code"`
}

// ConfirmTOTP stores the prepared secret once a valid code is supplied.
func (h *MFAHandler) ConfirmTOTP(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	var body totpCodeRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || strings.TrimSpace(body.Code) == "" {
		badRequest(c, "missing code")
		return
	}
	secret, found := h.pending.take(c.Request.Context(), userID, false)
	if !found {
		badRequest(c, "totp setup expired")
		return
	}
	if !security.ValidateTOTP(strings.TrimSpace(body.Code), secret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid code", "code": "unauthorized"})
		return
	}
	if errUpdate := h.db.WithContext(c.Request.Context()).Model(&models.User{}).
		Where("id = ?", userID).
		Update("totp_secret", secret).Error; errUpdate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed", "code": "internal_error"})
		return
	}
	h.pending.take(c.Request.Context(), userID, true)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// DisableTOTP clears the secret after verifying a current code.
func (h *MFAHandler) DisableTOTP(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	var body totpCodeRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || strings.TrimSpace(body.Code) == "" {
		badRequest(c, "missing code")
		return
	}
	var user models.User
	if errFind := h.db.WithContext(c.Request.Context()).Select("id", "totp_secret").First(&user, userID).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed", "code": "internal_error"})
		return
	}
	if strings.TrimSpace(user.TOTPSecret) == "" {
		badRequest(c, "totp is not enabled")
		return
	}
	if !security.ValidateTOTP(strings.TrimSpace(body.Code), user.TOTPSecret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid code", "code": "unauthorized"})
		return
	}
	if errUpdate := h.db.WithContext(c.Request.Context()).Model(&models.User{}).
		Where("id = ?", userID).
		Update("totp_secret", "").Error; errUpdate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed", "code": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
