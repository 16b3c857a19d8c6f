package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// apiKeyPrefix is the prefix used for generated API keys.
const apiKeyPrefix = "sk-"

// apiKeyDisplayLen is how many leading characters are kept for display.
const apiKeyDisplayLen = 12

// GeneratedAPIKey carries a fresh secret and the values persisted for it.
type GeneratedAPIKey struct {
	Secret string // Full key, shown to the user once.
	Prefix string // Leading characters for display.
	Hash   string // Hex SHA-256 stored in the database.
}

// GenerateAPIKey creates a new random API key.
func GenerateAPIKey() (GeneratedAPIKey, error) {
	secret := make([]byte, 24)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return GeneratedAPIKey{}, fmt.Errorf("generate api key: %w", err)
	}
	token := apiKeyPrefix + hex.EncodeToString(secret)
	return GeneratedAPIKey{
		Secret: token,
		Prefix: token[:apiKeyDisplayLen],
		Hash:   HashAPIKey(token),
	}, nil
}

// HashAPIKey returns the hex SHA-256 digest used to look keys up.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// GenerateRandomString returns a hex-encoded random string of the given length.
func GenerateRandomString(length int) (string, error) {
	bytes := make([]byte, (length+1)/2)
	if _, err := io.ReadFull(rand.Reader, bytes); err != nil {
		return "", fmt.Errorf("generate random string: %w", err)
	}
	return hex.EncodeToString(bytes)[:length], nil
}
