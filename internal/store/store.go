// Package store is the persistence collaborator: a SQLite-backed record
// store that the in-memory pool treats as the source of truth on start and
// re-syncs from before token-expiry checks.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Store wraps the gorm handle with the operations the core depends on.
type Store struct {
	db *gorm.DB
}

// Open initializes the SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm handle and runs migrations. Used by tests with
// an in-memory database.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Account{}, &APIKey{}, &RequestLog{}, &Session{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// GetAccounts returns all persisted accounts.
func (s *Store) GetAccounts() ([]Account, error) {
	var accounts []Account
	if err := s.db.Order("id").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("get accounts: %w", err)
	}
	return accounts, nil
}

// GetAccount returns one account by id.
func (s *Store) GetAccount(id string) (*Account, error) {
	var acc Account
	if err := s.db.First(&acc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &acc, nil
}

// UpsertAccount inserts or updates credential fields for an account. An
// empty ProjectID on update keeps the previously stored value. A non-empty
// Status follows the record, and a ready write over a non-ready row clears
// the error counter, so a re-authenticated account does not resurrect its
// old error state on reload.
func (s *Store) UpsertAccount(acc Account) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"access_token":  acc.AccessToken,
			"refresh_token": acc.RefreshToken,
			"expiry_date":   acc.ExpiryDate,
			"project_id":    gorm.Expr("CASE WHEN ? = '' THEN project_id ELSE ? END", acc.ProjectID, acc.ProjectID),
			"status":        gorm.Expr("CASE WHEN ? = '' THEN status ELSE ? END", acc.Status, acc.Status),
			"error_count":   gorm.Expr("CASE WHEN ? = 'ready' AND status != 'ready' THEN 0 ELSE error_count END", acc.Status),
			"updated_at":    time.Now(),
		}),
	}).Create(&acc).Error
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// UpdateAccountStatus persists an account's rotation status.
func (s *Store) UpdateAccountStatus(id, status string) error {
	if err := s.db.Model(&Account{}).Where("id = ?", id).Update("status", status).Error; err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	return nil
}

// IncrementAccountUsage bumps the call counters for an account.
func (s *Store) IncrementAccountUsage(id string, isError bool) error {
	updates := map[string]any{
		"request_count": gorm.Expr("request_count + 1"),
		"last_used_at":  time.Now(),
	}
	if isError {
		updates["error_count"] = gorm.Expr("error_count + 1")
	}
	if err := s.db.Model(&Account{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("increment account usage: %w", err)
	}
	return nil
}

// DeleteAccount removes an account. Returns false when the id did not exist.
func (s *Store) DeleteAccount(id string) (bool, error) {
	res := s.db.Delete(&Account{}, "id = ?", id)
	if res.Error != nil {
		return false, fmt.Errorf("delete account: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// CreateAPIKey persists a new key record (hash, not the raw key).
func (s *Store) CreateAPIKey(key *APIKey) error {
	if err := s.db.Create(key).Error; err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash looks up an active key by its SHA-256 digest.
func (s *Store) GetAPIKeyByHash(hash string) (*APIKey, error) {
	var key APIKey
	err := s.db.First(&key, "key_hash = ? AND is_active = ?", hash, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

// ListAPIKeys returns all keys, newest first.
func (s *Store) ListAPIKeys() ([]APIKey, error) {
	var keys []APIKey
	if err := s.db.Order("created_at DESC").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// UpdateAPIKeyUsage bumps a key's request counter and token total.
func (s *Store) UpdateAPIKeyUsage(id uint, tokensUsed int64) error {
	err := s.db.Model(&APIKey{}).Where("id = ?", id).Updates(map[string]any{
		"requests_count": gorm.Expr("requests_count + 1"),
		"tokens_used":    gorm.Expr("tokens_used + ?", tokensUsed),
		"last_used_at":   time.Now(),
	}).Error
	if err != nil {
		return fmt.Errorf("update api key usage: %w", err)
	}
	return nil
}

// SetAPIKeyActive toggles a key's active flag. Returns false when no row
// matched.
func (s *Store) SetAPIKeyActive(id uint, active bool) (bool, error) {
	res := s.db.Model(&APIKey{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return false, fmt.Errorf("set api key active: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// UpdateAPIKey applies partial updates to a key record.
func (s *Store) UpdateAPIKey(id uint, updates map[string]any) (bool, error) {
	if len(updates) == 0 {
		return false, nil
	}
	res := s.db.Model(&APIKey{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("update api key: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DeleteAPIKey removes a key record.
func (s *Store) DeleteAPIKey(id uint) (bool, error) {
	res := s.db.Delete(&APIKey{}, id)
	if res.Error != nil {
		return false, fmt.Errorf("delete api key: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// LogRequest appends one request log row.
func (s *Store) LogRequest(log *RequestLog) error {
	if err := s.db.Create(log).Error; err != nil {
		return fmt.Errorf("log request: %w", err)
	}
	return nil
}

// RecentLogs returns the newest request logs up to limit.
func (s *Store) RecentLogs(limit int) ([]RequestLog, error) {
	var logs []RequestLog
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("recent logs: %w", err)
	}
	return logs, nil
}

// GetTodayStats aggregates today's request logs.
func (s *Store) GetTodayStats() (*TodayStats, error) {
	var stats TodayStats
	err := s.db.Model(&RequestLog{}).
		Select("COUNT(*) AS total_requests, COALESCE(SUM(tokens_input + tokens_output), 0) AS total_tokens, COALESCE(AVG(latency_ms), 0) AS avg_latency_ms, SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END) AS error_count").
		Where("created_at >= ?", startOfToday()).
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("today stats: %w", err)
	}
	return &stats, nil
}

// HourlyStats buckets the last 24 hours of request logs by hour, oldest
// first. Hours with no traffic produce no bucket.
func (s *Store) HourlyStats() ([]HourlyBucket, error) {
	var out []HourlyBucket
	err := s.db.Model(&RequestLog{}).
		Select("strftime('%Y-%m-%dT%H:00', created_at) AS hour, COUNT(*) AS requests, COALESCE(SUM(tokens_input + tokens_output), 0) AS tokens, COALESCE(AVG(latency_ms), 0) AS avg_latency_ms, SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END) AS errors").
		Where("created_at >= ?", time.Now().Add(-24*time.Hour)).
		Group("hour").
		Order("hour").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("hourly stats: %w", err)
	}
	return out, nil
}

func startOfToday() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

// CreateSession persists a dashboard session.
func (s *Store) CreateSession(id string, expiresAt time.Time) error {
	if err := s.db.Create(&Session{ID: id, ExpiresAt: expiresAt}).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns a session only when it has not expired.
func (s *Store) GetSession(id string) (*Session, error) {
	var sess Session
	err := s.db.First(&sess, "id = ? AND expires_at > ?", id, time.Now()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(id string) error {
	if err := s.db.Delete(&Session{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CleanExpiredSessions drops sessions past their expiry.
func (s *Store) CleanExpiredSessions() error {
	if err := s.db.Delete(&Session{}, "expires_at <= ?", time.Now()).Error; err != nil {
		return fmt.Errorf("clean sessions: %w", err)
	}
	return nil
}
