// Package quota keeps the per-account, per-model remaining-quota ledger
// reported by the upstream. Entries are overwritten wholesale on each
// refresh and never expire on their own; freshness is advisory via
// LastFetchedAt.
package quota

import (
	"sort"
	"sync"
	"time"

	"github.com/agwproxy/antigravity-gateway/internal/catalog"
)

const (
	StatusAvailable = "available"
	StatusLimited   = "limited"
	StatusExhausted = "exhausted"
)

// Entry is one (account, model) snapshot.
type Entry struct {
	Quota         float64
	ResetTime     time.Time
	LastFetchedAt time.Time
}

// ModelInfo is the upstream payload per model from :fetchAvailableModels.
type ModelInfo struct {
	QuotaInfo *struct {
		RemainingFraction *float64 `json:"remainingFraction"`
		ResetTime         string   `json:"resetTime"`
	} `json:"quotaInfo"`
}

// ModelStatus is the externally visible quota state for one model.
type ModelStatus struct {
	ModelName string  `json:"modelName"`
	Quota     float64 `json:"quota"`
	ResetTime string  `json:"resetTime,omitempty"`
	Status    string  `json:"status"`
}

// AccountStatus aggregates one account's quota entries.
type AccountStatus struct {
	AccountID     string        `json:"accountId"`
	Email         string        `json:"email"`
	Models        []ModelStatus `json:"models"`
	LastFetchedAt string        `json:"lastFetchedAt,omitempty"`
}

// GroupStatus is the pool-wide aggregate for one model family.
type GroupStatus struct {
	Name         string   `json:"name"`
	DisplayName  string   `json:"displayName"`
	Models       []string `json:"models"`
	TotalQuota   float64  `json:"totalQuota"`
	AverageQuota float64  `json:"averageQuota"`
	Status       string   `json:"status"`
}

// Cache is the quota ledger. The notify callback (when set) is invoked
// after every mutation; it must not block and its failures are its own.
type Cache struct {
	mu        sync.RWMutex
	accounts  map[string]map[string]Entry
	catalog   *catalog.Catalog
	exhausted float64
	limited   float64
	notify    func()
}

func NewCache(cat *catalog.Catalog, exhaustedThreshold, limitedThreshold float64) *Cache {
	return &Cache{
		accounts:  make(map[string]map[string]Entry),
		catalog:   cat,
		exhausted: exhaustedThreshold,
		limited:   limitedThreshold,
	}
}

// SetNotify installs the dashboard-update callback.
func (c *Cache) SetNotify(fn func()) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// RecordModelQuotas overwrites the cached entry for every model present in
// an upstream refresh, then applies one-directional alias mirroring:
// the -high variant is copied onto its base preview id, and the flash
// model onto its public flash-preview id.
func (c *Cache) RecordModelQuotas(accountID string, models map[string]ModelInfo) {
	now := time.Now()

	c.mu.Lock()
	acct := c.accounts[accountID]
	if acct == nil {
		acct = make(map[string]Entry)
		c.accounts[accountID] = acct
	}

	for name, info := range models {
		if info.QuotaInfo == nil {
			continue
		}
		quota := 1.0
		if info.QuotaInfo.RemainingFraction != nil {
			quota = *info.QuotaInfo.RemainingFraction
		}
		entry := Entry{Quota: quota, LastFetchedAt: now}
		if info.QuotaInfo.ResetTime != "" {
			if t, err := time.Parse(time.RFC3339, info.QuotaInfo.ResetTime); err == nil {
				entry.ResetTime = t
			}
		}
		acct[name] = entry
	}

	if high, ok := acct["gemini-3-pro-high"]; ok {
		acct["gemini-3-pro-preview"] = high
	}
	if flash, ok := acct["gemini-3-flash"]; ok {
		acct["gemini-3-pro-flash-preview"] = flash
	}
	notify := c.notify
	c.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// StatusFor returns the quota state of one (account, model) pair. The
// second return is false when no entry is cached.
func (c *Cache) StatusFor(accountID, model string) (ModelStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.accounts[accountID][model]
	if !ok {
		return ModelStatus{}, false
	}
	return c.toStatus(model, entry), true
}

func (c *Cache) toStatus(model string, entry Entry) ModelStatus {
	status := StatusAvailable
	if entry.Quota <= c.exhausted {
		status = StatusExhausted
	}
	st := ModelStatus{ModelName: model, Quota: entry.Quota, Status: status}
	if !entry.ResetTime.IsZero() {
		st.ResetTime = entry.ResetTime.Format(time.RFC3339)
	}
	return st
}

// AccountStatuses returns all cached model states for a set of accounts.
func (c *Cache) AccountStatuses(accounts []struct{ ID, Email string }) []AccountStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]AccountStatus, 0, len(accounts))
	for _, acc := range accounts {
		st := AccountStatus{AccountID: acc.ID, Email: acc.Email}
		var lastFetched time.Time
		for model, entry := range c.accounts[acc.ID] {
			st.Models = append(st.Models, c.toStatus(model, entry))
			if entry.LastFetchedAt.After(lastFetched) {
				lastFetched = entry.LastFetchedAt
			}
		}
		sort.Slice(st.Models, func(i, j int) bool {
			return st.Models[i].ModelName < st.Models[j].ModelName
		})
		if !lastFetched.IsZero() {
			st.LastFetchedAt = lastFetched.Format(time.RFC3339)
		}
		out = append(out, st)
	}
	return out
}

// GroupedStatus averages quotas per configured group across every cached
// (account, model) pair in the pool.
func (c *Cache) GroupedStatus() []GroupStatus {
	groups := c.catalog.Groups()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]GroupStatus, 0, len(groups))
	for _, g := range groups {
		members := make(map[string]bool, len(g.Models))
		for _, m := range g.Models {
			members[m] = true
		}

		var total float64
		var count int
		for _, acct := range c.accounts {
			for model, entry := range acct {
				if members[model] {
					total += entry.Quota
					count++
				}
			}
		}

		avg := 0.0
		if count > 0 {
			avg = total / float64(count)
		}
		status := StatusAvailable
		switch {
		case avg <= c.exhausted:
			status = StatusExhausted
		case avg < c.limited:
			status = StatusLimited
		}

		out = append(out, GroupStatus{
			Name:         g.Name,
			DisplayName:  g.DisplayName,
			Models:       g.Models,
			TotalQuota:   total,
			AverageQuota: avg,
			Status:       status,
		})
	}
	return out
}

// Drop removes all entries for an account, used when the account is
// deleted from the pool.
func (c *Cache) Drop(accountID string) {
	c.mu.Lock()
	delete(c.accounts, accountID)
	notify := c.notify
	c.mu.Unlock()

	if notify != nil {
		notify()
	}
}
