package apikey

import "errors"

var (
	// ErrInvalidKey covers unknown, malformed, and disabled keys alike so
	// callers cannot probe which of the three applied.
	ErrInvalidKey = errors.New("invalid api key")
	// ErrRateLimited means the key exceeded its per-minute allowance.
	ErrRateLimited = errors.New("api key rate limit exceeded")
)
