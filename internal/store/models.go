package store

import "time"

// Account mirrors one upstream OAuth identity. ExpiryDate is epoch
// milliseconds, matching the upstream token payload.
type Account struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex"`
	AccessToken  string
	RefreshToken string
	ExpiryDate   int64
	ProjectID    string
	Status       string `gorm:"default:ready"`
	LastUsedAt   *time.Time
	RequestCount int
	ErrorCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// APIKey stores caller credentials. Only the SHA-256 digest of the key is
// persisted; the raw key is shown once at creation time.
type APIKey struct {
	ID                 uint   `gorm:"primaryKey"`
	KeyHash            string `gorm:"uniqueIndex"`
	Name               string
	Description        string
	IsActive           bool `gorm:"default:true"`
	RequestsCount      int
	TokensUsed         int64
	DailyLimit         int
	RateLimitPerMinute int `gorm:"default:60"`
	SmartContext       bool
	SmartContextLimit  int    `gorm:"default:10"`
	AllowedModels      string `gorm:"default:*"`
	CreatedAt          time.Time
	LastUsedAt         *time.Time
}

// RequestLog records one completed (or failed) gateway call.
type RequestLog struct {
	ID           uint  `gorm:"primaryKey"`
	APIKeyID     *uint `gorm:"index"`
	Model        string
	TokensInput  int
	TokensOutput int
	LatencyMs    int64
	Status       string
	ErrorMessage string
	CreatedAt    time.Time `gorm:"index"`
}

// Session is a dashboard login session.
type Session struct {
	ID        string `gorm:"primaryKey"`
	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"index"`
}

// TodayStats aggregates request_logs rows for the current day.
type TodayStats struct {
	TotalRequests int64   `json:"total_requests"`
	TotalTokens   int64   `json:"total_tokens"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	ErrorCount    int64   `json:"error_count"`
}

// HourlyBucket is one hour of aggregated request activity.
type HourlyBucket struct {
	Hour         string  `json:"hour"`
	Requests     int64   `json:"requests"`
	Tokens       int64   `json:"tokens"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	Errors       int64   `json:"errors"`
}
