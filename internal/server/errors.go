package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/agwproxy/antigravity-gateway/internal/relay"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeOpenAIError renders an error in the OpenAI envelope.
func writeOpenAIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"param":   nil,
			"code":    code,
		},
	})
}

// writeAnthropicError renders an error in the Anthropic envelope.
func writeAnthropicError(w http.ResponseWriter, status int, code, message string) {
	errType := "api_error"
	switch status {
	case http.StatusBadRequest:
		errType = "invalid_request_error"
	case http.StatusUnauthorized:
		errType = "authentication_error"
	case http.StatusTooManyRequests:
		errType = "rate_limit_error"
	}
	writeJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": fmt.Sprintf("%s: %s", code, message),
		},
	})
}

// relayError unpacks a relay failure into status, code, and message, and
// sets Retry-After when the relay supplied a hint.
func relayError(w http.ResponseWriter, err error) (status int, code, message string) {
	var ge *relay.GatewayError
	if errors.As(err, &ge) {
		if ge.RetryAfter > 0 {
			secs := int(ge.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
		}
		return ge.Status, ge.Code, ge.Message
	}
	return http.StatusInternalServerError, "internal_error", err.Error()
}
