package security

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the shortest password accepted for dashboard accounts.
const MinPasswordLength = 6

// bcrypt rejects inputs longer than 72 bytes.
const maxPasswordBytes = 72

// ErrWeakPassword is returned for passwords outside the accepted length range.
var ErrWeakPassword = fmt.Errorf("password must be %d to %d characters", MinPasswordLength, maxPasswordBytes)

var passwordCost = 12

// ValidatePassword checks the length policy. Surrounding whitespace is not counted.
func ValidatePassword(password string) error {
	trimmed := strings.TrimSpace(password)
	if len(trimmed) < MinPasswordLength || len(password) > maxPasswordBytes {
		return ErrWeakPassword
	}
	return nil
}

// HashPassword validates and bcrypt-hashes a plaintext password.
func HashPassword(password string) (string, error) {
	if errValidate := ValidatePassword(password); errValidate != nil {
		return "", errValidate
	}
	hash, errHash := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	if errHash != nil {
		return "", errHash
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the bcrypt hash.
func CheckPassword(hash, password string) bool {
	return hash != "" && bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
