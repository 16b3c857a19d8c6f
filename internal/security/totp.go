package security

import (
	"strings"

	"github.com/pquerna/otp/totp"
)

// totpIssuer is shown in authenticator apps.
const totpIssuer = "MeteredGateway"

// GenerateTOTP creates a new TOTP secret and its otpauth URL.
func GenerateTOTP(accountName string) (secret string, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: accountName,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// ValidateTOTP checks a one-time code against a secret.
func ValidateTOTP(code, secret string) bool {
	code = strings.TrimSpace(code)
	secret = strings.TrimSpace(secret)
	if code == "" || secret == "" {
		return false
	}
	return totp.Validate(code, secret)
}
