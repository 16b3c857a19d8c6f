package security

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func TestGenerateAPIKeyHashesSecret(t *testing.T) {
	key, errGenerate := GenerateAPIKey()
	if errGenerate != nil {
		t.Fatalf("generate: %v", errGenerate)
	}
	if !strings.HasPrefix(key.Secret, "sk-") {
		t.Fatalf("expected sk- prefix, got %q", key.Secret)
	}
	if len(key.Secret) != len("sk-")+48 {
		t.Fatalf("unexpected key length %d", len(key.Secret))
	}
	if !strings.HasPrefix(key.Secret, key.Prefix) || len(key.Prefix) != 12 {
		t.Fatalf("unexpected display prefix %q", key.Prefix)
	}
	if key.Hash != HashAPIKey(key.Secret) {
		t.Fatalf("hash mismatch")
	}
	if key.Hash == key.Secret || len(key.Hash) != 64 {
		t.Fatalf("expected 64-char hex digest, got %q", key.Hash)
	}

	other, _ := GenerateAPIKey()
	if other.Secret == key.Secret {
		t.Fatalf("expected distinct keys")
	}
}

func TestTokenRoundTripCarriesRole(t *testing.T) {
	token, errSign := GenerateToken("secret", 42, "alice", "admin", time.Hour)
	if errSign != nil {
		t.Fatalf("sign: %v", errSign)
	}
	claims, errParse := ParseToken("secret", token)
	if errParse != nil {
		t.Fatalf("parse: %v", errParse)
	}
	if claims.UserID != 42 || claims.Role != "admin" || claims.Username != "alice" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, errParse = ParseToken("other", token); errParse != ErrInvalidToken {
		t.Fatalf("expected invalid token with wrong secret, got %v", errParse)
	}
}

func TestParseTokenReportsExpiry(t *testing.T) {
	token, errSign := GenerateToken("secret", 1, "bob", "user", -time.Minute)
	if errSign != nil {
		t.Fatalf("sign: %v", errSign)
	}
	if _, errParse := ParseToken("secret", token); errParse != ErrExpiredToken {
		t.Fatalf("expected expired token, got %v", errParse)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, errHash := HashPassword("hunter22")
	if errHash != nil {
		t.Fatalf("hash: %v", errHash)
	}
	if !CheckPassword(hash, "hunter22") {
		t.Fatalf("expected password match")
	}
	if CheckPassword(hash, "hunter23") {
		t.Fatalf("expected password mismatch")
	}
	if CheckPassword("", "hunter22") {
		t.Fatalf("expected empty hash to never match")
	}
	if _, errHash := HashPassword("  abc  "); !errors.Is(errHash, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", errHash)
	}
}

func TestValidateTOTP(t *testing.T) {
	secret, url, errGenerate := GenerateTOTP("alice")
	if errGenerate != nil {
		t.Fatalf("generate totp: %v", errGenerate)
	}
	if !strings.Contains(url, "MeteredGateway") {
		t.Fatalf("expected issuer in url %q", url)
	}
	code, errCode := totp.GenerateCode(secret, time.Now())
	if errCode != nil {
		t.Fatalf("generate code: %v", errCode)
	}
	if !ValidateTOTP(code, secret) {
		t.Fatalf("expected code to validate")
	}
	if ValidateTOTP("", secret) {
		t.Fatalf("expected empty code to fail")
	}
}
