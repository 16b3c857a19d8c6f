package handlers

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/security"
	"gorm.io/gorm"
)

// ProfileHandler handles user profile endpoints.
type ProfileHandler struct {
	db *gorm.DB
}

// NewProfileHandler constructs a ProfileHandler.
func NewProfileHandler(db *gorm.DB) *ProfileHandler {
	return &ProfileHandler{db: db}
}

// Get returns the current user's profile.
func (h *ProfileHandler) Get(c *gin.Context) {
	user, ok := h.loadUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, profileRow(user))
}

// updateProfileRequest defines the editable profile fields.
type updateProfileRequest struct {
	Email *string `json:"email"`
}

// Update changes the contact email. An empty email clears it.
func (h *ProfileHandler) Update(c *gin.Context) {
	user, ok := h.loadUser(c)
	if !ok {
		return
	}
	var body updateProfileRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || body.Email == nil {
		badRequest(c, "invalid json")
		return
	}
	email := strings.TrimSpace(*body.Email)
	if email != "" {
		parsed, errParse := mail.ParseAddress(email)
		if errParse != nil || parsed.Address != email {
			badRequest(c, "invalid email")
			return
		}
	}
	if errUpdate := h.db.WithContext(c.Request.Context()).Model(user).Update("email", email).Error; errUpdate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update profile failed", "code": "internal_error"})
		return
	}
	user.Email = email
	c.JSON(http.StatusOK, profileRow(user))
}

func (h *ProfileHandler) loadUser(c *gin.Context) (*models.User, bool) {
	userID, ok := requireUserID(c)
	if !ok {
		return nil, false
	}
	var user models.User
	if errFind := h.db.WithContext(c.Request.Context()).First(&user, userID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found", "code": "not_found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed", "code": "internal_error"})
		return nil, false
	}
	return &user, true
}

func profileRow(user *models.User) gin.H {
	return gin.H{
		"id":           user.ID,
		"username":     user.Username,
		"email":        user.Email,
		"balance":      user.Balance,
		"status":       user.Status,
		"role":         user.Role,
		"totp_enabled": strings.TrimSpace(user.TOTPSecret) != "",
		"created_at":   user.CreatedAt,
		"updated_at":   user.UpdatedAt,
	}
}

// changePasswordRequest defines the request body for password changes.
type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// ChangePassword verifies and updates the user's password.
func (h *ProfileHandler) ChangePassword(c *gin.Context) {
	var body changePasswordRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	oldPassword := strings.TrimSpace(body.OldPassword)
	newPassword := strings.TrimSpace(body.NewPassword)
	if oldPassword == "" {
		badRequest(c, "missing old password")
		return
	}
	if errValidate := security.ValidatePassword(newPassword); errValidate != nil {
		badRequest(c, errValidate.Error())
		return
	}

	user, ok := h.loadUser(c)
	if !ok {
		return
	}
	if !security.CheckPassword(user.Password, oldPassword) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "old password incorrect", "code": "unauthorized"})
		return
	}

	hash, errHash := security.HashPassword(newPassword)
	if errHash != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed", "code": "internal_error"})
		return
	}

	if errUpdate := h.db.WithContext(c.Request.Context()).Model(user).Updates(map[string]any{
		"password":   hash,
		"updated_at": time.Now().UTC(),
	}).Error; errUpdate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "change password failed", "code": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}
