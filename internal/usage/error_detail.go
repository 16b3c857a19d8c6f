package usage

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gorm.io/datatypes"
)

// maxDetailBodyBytes bounds the upstream body kept in a ledger row.
const maxDetailBodyBytes = 4096

// errorMessagePaths are tried in order against OpenAI and Anthropic style error bodies.
var errorMessagePaths = []string{"error.message", "error", "message", "detail"}

// BuildErrorDetail captures an upstream failure as {status_code, message, response_body}.
// Successful statuses without a cause yield nil.
func BuildErrorDetail(statusCode int, responseBody []byte, cause error) datatypes.JSON {
	if cause == nil && statusCode < http.StatusBadRequest {
		return nil
	}
	if statusCode == 0 {
		statusCode = http.StatusBadGateway
	}
	body := clipBody(responseBody)

	message := ExtractErrorMessage(body)
	switch {
	case message != "":
	case cause != nil:
		message = cause.Error()
	default:
		message = http.StatusText(statusCode)
	}

	detail := []byte(`{}`)
	detail, _ = sjson.SetBytes(detail, "status_code", statusCode)
	detail, _ = sjson.SetBytes(detail, "message", message)
	if len(body) > 0 {
		if gjson.ValidBytes(body) {
			detail, _ = sjson.SetRawBytes(detail, "response_body", body)
		} else {
			detail, _ = sjson.SetBytes(detail, "response_body", string(body))
		}
	}
	return datatypes.JSON(detail)
}

// clipBody truncates to maxDetailBodyBytes without splitting a UTF-8 sequence.
func clipBody(body []byte) []byte {
	if len(body) <= maxDetailBodyBytes {
		return body
	}
	cut := maxDetailBodyBytes
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut]
}

// ExtractErrorMessage pulls a human message out of an error body. Non-JSON bodies are returned trimmed.
func ExtractErrorMessage(responseBody []byte) string {
	trimmed := strings.TrimSpace(string(responseBody))
	if trimmed == "" {
		return ""
	}
	if !gjson.Valid(trimmed) {
		return trimmed
	}
	for _, path := range errorMessagePaths {
		if value := gjson.Get(trimmed, path); value.Type == gjson.String {
			if msg := strings.TrimSpace(value.Str); msg != "" {
				return msg
			}
		}
	}
	return ""
}
