package relay

import (
	"fmt"
	"time"
)

// Error codes surfaced to API callers.
const (
	CodePoolExhausted = "account_pool_exhausted"
	CodeUpstream      = "upstream_error"
	CodeBadRequest    = "invalid_request_error"
	CodeAuthFailed    = "authentication_failed"
	CodeNoAccounts    = "no_accounts_configured"
)

// GatewayError is the terminal outcome of a relayed request, carrying the
// HTTP status and machine code the handlers translate into the caller's
// API dialect.
type GatewayError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func badRequest(format string, args ...any) *GatewayError {
	return &GatewayError{Status: 400, Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}
