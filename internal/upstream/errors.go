package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agwproxy/antigravity-gateway/internal/util"
)

// StatusError is a non-200 upstream response with enough context for the
// caller to decide between rotation, refresh, and giving up.
type StatusError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration // zero when the upstream gave no hint
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited reports whether the error is an upstream 429.
func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests
}

// IsAuthExpired reports whether the error is an upstream 401.
func IsAuthExpired(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

// IsForbidden reports whether the error is an upstream 403.
func IsForbidden(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusForbidden
}

// classifyStatus builds a StatusError from a non-200 response, pulling the
// human message out of the Google error envelope when present and the
// retry hint from either the Retry-After header or an embedded RetryInfo
// detail.
func classifyStatus(status int, header http.Header, body []byte) *StatusError {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = strconv.Quote(util.Truncate(string(body), 200))
	}

	se := &StatusError{StatusCode: status, Message: msg}

	if ra := header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			se.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	if se.RetryAfter == 0 {
		gjson.GetBytes(body, "error.details").ForEach(func(_, detail gjson.Result) bool {
			if !strings.HasSuffix(detail.Get("\\@type").String(), "RetryInfo") {
				return true
			}
			if d, err := time.ParseDuration(detail.Get("retryDelay").String()); err == nil && d > 0 {
				se.RetryAfter = d
			}
			return false
		})
	}
	return se
}
