package models

import "time"

// UserStatus is the account state of a user.
type UserStatus string

// UserStatus constants.
const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
	UserStatusBanned    UserStatus = "banned"
)

// UserRole controls access to the admin API.
type UserRole string

// UserRole constants.
const (
	UserRoleUser       UserRole = "user"
	UserRoleAdmin      UserRole = "admin"
	UserRoleSuperAdmin UserRole = "super_admin"
)

// User is an account that owns API keys, a balance and packages.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username string `gorm:"type:varchar(100);not null;uniqueIndex"` // Unique login name.
	Email    string `gorm:"type:varchar(255);index"`                // Contact email.
	Password string `gorm:"type:text;not null"`                     // Bcrypt password hash.

	Balance float64 `gorm:"type:decimal(20,6);not null;default:0"` // Running balance, mutated only through transactions.

	Status UserStatus `gorm:"type:varchar(20);not null;default:'active'"` // Account status.
	Role   UserRole   `gorm:"type:varchar(20);not null;default:'user'"`   // Access role.

	TOTPSecret string `gorm:"type:text"` // Optional TOTP secret for login.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// IsAdmin reports whether the user may call admin endpoints.
func (u *User) IsAdmin() bool {
	return u.Role == UserRoleAdmin || u.Role == UserRoleSuperAdmin
}
