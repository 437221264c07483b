package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/agwproxy/antigravity-gateway/internal/apikey"
	"github.com/agwproxy/antigravity-gateway/internal/store"
)

type contextKey string

const keyRecordKey contextKey = "apiKeyRecord"

const sessionCookie = "ag_session"

// keyFromContext returns the validated API key record, nil for requests
// that passed through without one.
func keyFromContext(ctx context.Context) *store.APIKey {
	rec, _ := ctx.Value(keyRecordKey).(*store.APIKey)
	return rec
}

// requireAPIKey authenticates OpenAI-style callers via the Authorization
// bearer header or Anthropic-style callers via x-api-key.
func (s *Server) requireAPIKey(anthropic bool) func(http.Handler) http.Handler {
	writeErr := writeOpenAIError
	if anthropic {
		writeErr = writeAnthropicError
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("x-api-key")
			if raw == "" {
				raw = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if raw == "" {
				writeErr(w, http.StatusUnauthorized, "missing_api_key", "provide an API key via Authorization: Bearer or x-api-key")
				return
			}

			rec, err := s.keys.Validate(raw)
			if err != nil {
				switch {
				case errors.Is(err, apikey.ErrRateLimited):
					writeErr(w, http.StatusTooManyRequests, "rate_limit_exceeded", "API key rate limit exceeded")
				case errors.Is(err, apikey.ErrInvalidKey):
					writeErr(w, http.StatusUnauthorized, "invalid_api_key", "API key is unknown or disabled")
				default:
					writeErr(w, http.StatusInternalServerError, "internal_error", "API key validation failed")
				}
				return
			}

			ctx := context.WithValue(r.Context(), keyRecordKey, rec)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireSession guards the dashboard API with the login session cookie.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookie)
		if err != nil || cookie.Value == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}
		sess, err := s.store.GetSession(cookie.Value)
		if err != nil || sess == nil || time.Now().After(sess.ExpiresAt) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "session expired"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
