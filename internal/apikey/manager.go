// Package apikey issues and validates gateway credentials. Keys look like
// `sk-ag-<48 hex>`; only their SHA-256 digest is stored, so a lost key
// cannot be recovered, only replaced.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agwproxy/antigravity-gateway/internal/store"
)

const keyPrefix = "sk-ag-"

// Manager validates keys against the store and applies per-key rate
// limits with an in-memory sliding window.
type Manager struct {
	store *store.Store
	log   zerolog.Logger

	mu      sync.Mutex
	windows map[uint][]time.Time
}

func NewManager(st *store.Store, log zerolog.Logger) *Manager {
	return &Manager{store: st, log: log, windows: make(map[uint][]time.Time)}
}

// Hash returns the hex SHA-256 digest of a raw key.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Generate mints a new random key. The raw key is returned exactly once.
func Generate() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key material: %w", err)
	}
	return keyPrefix + hex.EncodeToString(buf), nil
}

// Create mints a key, persists its record, and returns the raw key with
// the stored row.
func (m *Manager) Create(name, description string, opts store.APIKey) (string, *store.APIKey, error) {
	raw, err := Generate()
	if err != nil {
		return "", nil, err
	}

	rec := &store.APIKey{
		KeyHash:            Hash(raw),
		Name:               name,
		Description:        description,
		IsActive:           true,
		DailyLimit:         opts.DailyLimit,
		RateLimitPerMinute: opts.RateLimitPerMinute,
		SmartContext:       opts.SmartContext,
		SmartContextLimit:  opts.SmartContextLimit,
		AllowedModels:      opts.AllowedModels,
	}
	if rec.RateLimitPerMinute == 0 {
		rec.RateLimitPerMinute = 60
	}
	if rec.AllowedModels == "" {
		rec.AllowedModels = "*"
	}
	if err := m.store.CreateAPIKey(rec); err != nil {
		return "", nil, fmt.Errorf("persist api key: %w", err)
	}

	m.log.Info().Str("name", name).Uint("id", rec.ID).Msg("api key created")
	return raw, rec, nil
}

// Validate resolves a presented key to its record. It rejects unknown,
// disabled, and rate-limited keys.
func (m *Manager) Validate(raw string) (*store.APIKey, error) {
	if !strings.HasPrefix(raw, keyPrefix) {
		return nil, ErrInvalidKey
	}
	rec, err := m.store.GetAPIKeyByHash(Hash(raw))
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	if rec == nil {
		return nil, ErrInvalidKey
	}
	if !m.allowRequest(rec.ID, rec.RateLimitPerMinute) {
		return nil, ErrRateLimited
	}
	return rec, nil
}

// ModelAllowed checks a key's model allowlist. "*" permits everything.
func ModelAllowed(rec *store.APIKey, model string) bool {
	if rec.AllowedModels == "" || rec.AllowedModels == "*" {
		return true
	}
	for _, allowed := range strings.Split(rec.AllowedModels, ",") {
		if strings.TrimSpace(allowed) == model {
			return true
		}
	}
	return false
}

// RecordUsage bumps a key's counters after a completed request.
func (m *Manager) RecordUsage(id uint, tokens int64) {
	if err := m.store.UpdateAPIKeyUsage(id, tokens); err != nil {
		m.log.Warn().Uint("key", id).Err(err).Msg("persist key usage failed")
	}
}

func (m *Manager) allowRequest(id uint, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-time.Minute)

	m.mu.Lock()
	defer m.mu.Unlock()

	window := m.windows[id]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= perMinute {
		m.windows[id] = kept
		return false
	}
	m.windows[id] = append(kept, now)
	return true
}
