package util

import (
	"net/url"
	"strings"
)

// sensitiveParams are query keys whose values never reach the logs.
var sensitiveParams = []string{"key", "token", "secret", "sign", "password"}

// MaskSecret keeps the first and last four characters of a credential.
// Short values are masked entirely.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}

// MaskSensitiveQuery masks credential-like query values such as api keys and payment signatures.
func MaskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	changed := false
	for i, part := range parts {
		keyPart, valuePart, found := strings.Cut(part, "=")
		if !found || valuePart == "" {
			continue
		}
		decodedKey, errKey := url.QueryUnescape(keyPart)
		if errKey != nil {
			decodedKey = keyPart
		}
		if !isSensitiveParam(decodedKey) {
			continue
		}
		decodedValue, errValue := url.QueryUnescape(valuePart)
		if errValue != nil {
			decodedValue = valuePart
		}
		parts[i] = keyPart + "=" + url.QueryEscape(MaskSecret(strings.TrimSpace(decodedValue)))
		changed = true
	}
	if !changed {
		return raw
	}
	return strings.Join(parts, "&")
}

func isSensitiveParam(key string) bool {
	key = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(key)), "[]")
	if key == "" || key == "sign_type" {
		return false
	}
	for _, marker := range sensitiveParams {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}
