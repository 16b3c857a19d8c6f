package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/router-for-me/MeteredGateway/internal/access"
	"github.com/router-for-me/MeteredGateway/internal/billing"
	"github.com/router-for-me/MeteredGateway/internal/pricing"
	"github.com/router-for-me/MeteredGateway/internal/ratelimit"
	"github.com/router-for-me/MeteredGateway/internal/upstream"
)

// Stage is a step of the request state machine.
type Stage string

// Request stages in execution order.
const (
	StageAuthenticating    Stage = "authenticating"
	StageLimitChecking     Stage = "limit_checking"
	StageUpstreamSelecting Stage = "upstream_selecting"
	StageProxying          Stage = "proxying"
	StageAccounting        Stage = "accounting"
	StageRecorded          Stage = "recorded"
)

// ErrUpstream is the cause of an upstream failure that is not retried.
var ErrUpstream = errors.New("upstream error")

// ErrBadRequest is the cause of a malformed relay request.
var ErrBadRequest = errors.New("bad request")

// Error is a failed request: the stage it failed in, the HTTP status and machine code shown to the
// caller, and the underlying cause.
type Error struct {
	Stage   Stage
	Status  int
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError classifies err into the error taxonomy at stage.
func NewError(stage Stage, err error) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	out := &Error{Stage: stage, Cause: err, Message: messageOf(err)}
	out.Status, out.Code = Classify(err)
	return out
}

// Classify maps a cause to an HTTP status and machine code.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, access.ErrMissingAPIKey):
		return http.StatusUnauthorized, "missing_api_key"
	case errors.Is(err, access.ErrInvalidAPIKey):
		return http.StatusUnauthorized, "invalid_api_key"
	case errors.Is(err, access.ErrKeyRevoked):
		return http.StatusForbidden, "api_key_revoked"
	case errors.Is(err, access.ErrUserInactive):
		return http.StatusForbidden, "user_inactive"
	case errors.Is(err, access.ErrKeyQuotaExceeded):
		return http.StatusPaymentRequired, "key_quota_exceeded"
	case errors.Is(err, billing.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, billing.ErrDailyLimitExceeded):
		return http.StatusTooManyRequests, "daily_limit_exceeded"
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, pricing.ErrPricingNotFound):
		return http.StatusBadRequest, "pricing_not_found"
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, upstream.ErrNoAvailableUpstream):
		return http.StatusServiceUnavailable, "no_available_upstream"
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func messageOf(err error) string {
	if err == nil {
		return ""
	}
	switch status, _ := Classify(err); status {
	case http.StatusInternalServerError:
		return "internal error"
	case http.StatusServiceUnavailable:
		return "no upstream is available for this request"
	case http.StatusBadGateway:
		return "upstream request failed"
	}
	return err.Error()
}
