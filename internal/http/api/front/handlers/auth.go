package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MeteredGateway/internal/billing"
	"github.com/router-for-me/MeteredGateway/internal/config"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/security"
	internalsettings "github.com/router-for-me/MeteredGateway/internal/settings"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AuthHandler handles user authentication endpoints.
type AuthHandler struct {
	db     *gorm.DB
	jwtCfg config.JWTConfig
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(db *gorm.DB, jwtCfg config.JWTConfig) *AuthHandler {
	return &AuthHandler{db: db, jwtCfg: jwtCfg}
}

// registerRequest defines the request body for user registration.
type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates a new user account and grants DEFAULT_BALANCE.
func (h *AuthHandler) Register(c *gin.Context) {
	if !internalsettings.Bool(internalsettings.RegistrationEnabledKey, internalsettings.DefaultRegistrationEnabled) {
		c.JSON(http.StatusForbidden, gin.H{"error": "registration is disabled", "code": "registration_disabled"})
		return
	}

	var body registerRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	username := strings.TrimSpace(body.Username)
	if username == "" {
		badRequest(c, "missing username")
		return
	}
	password := strings.TrimSpace(body.Password)
	if errValidate := security.ValidatePassword(password); errValidate != nil {
		badRequest(c, errValidate.Error())
		return
	}

	var exists int64
	if errCount := h.db.WithContext(c.Request.Context()).Model(&models.User{}).
		Where("username = ?", username).Count(&exists).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed", "code": "internal_error"})
		return
	}
	if exists > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "username already exists", "code": "conflict"})
		return
	}

	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed", "code": "internal_error"})
		return
	}

	user := models.User{
		Username: username,
		Email:    strings.TrimSpace(body.Email),
		Password: hash,
		Status:   models.UserStatusActive,
		Role:     models.UserRoleUser,
	}
	bonus := decimal.NewFromFloat(internalsettings.Float(internalsettings.DefaultBalanceKey, 0)).Round(6)
	errTx := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if errCreate := tx.Create(&user).Error; errCreate != nil {
			return errCreate
		}
		if !bonus.IsPositive() {
			return nil
		}
		_, errCredit := billing.CreditTx(tx, billing.Entry{
			UserID:      user.ID,
			Amount:      bonus,
			Type:        models.TransactionTypeAdjustment,
			Description: "registration bonus",
		})
		return errCredit
	})
	if errTx != nil {
		log.WithError(errTx).WithField("username", username).Error("register user failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create user failed", "code": "internal_error"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
		"balance":  bonus.InexactFloat64(),
	})
}

// loginRequest defines the request body for login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code"`
}

// Login authenticates a user and issues a JWT. Users with TOTP enabled must pass a code.
func (h *AuthHandler) Login(c *gin.Context) {
	var body loginRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	username := strings.TrimSpace(body.Username)
	password := strings.TrimSpace(body.Password)
	if username == "" || password == "" {
		badRequest(c, "missing username or password")
		return
	}

	var user models.User
	if errFind := h.db.WithContext(c.Request.Context()).Where("username = ?", username).First(&user).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials", "code": "unauthorized"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed", "code": "internal_error"})
		return
	}
	if !security.CheckPassword(user.Password, password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials", "code": "unauthorized"})
		return
	}
	if user.Status != models.UserStatusActive {
		c.JSON(http.StatusForbidden, gin.H{"error": "user is " + string(user.Status), "code": "forbidden"})
		return
	}

	if strings.TrimSpace(user.TOTPSecret) != "" {
		code := strings.TrimSpace(body.TOTPCode)
		if code == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "totp code required", "code": "totp_required"})
			return
		}
		if !security.ValidateTOTP(code, user.TOTPSecret) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid totp code", "code": "unauthorized"})
			return
		}
	}

	h.respondWithUserToken(c, user)
}

// respondWithUserToken issues a JWT for the user.
func (h *AuthHandler) respondWithUserToken(c *gin.Context, user models.User) {
	expiry := h.jwtCfg.Expiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	token, errToken := security.GenerateToken(h.jwtCfg.Secret, user.ID, user.Username, string(user.Role), expiry)
	if errToken != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate token failed", "code": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int64(expiry.Seconds()),
		"user": gin.H{
			"id":       user.ID,
			"username": user.Username,
			"email":    user.Email,
			"role":     user.Role,
		},
	})
}
