package quota

import (
	"testing"

	"github.com/agwproxy/antigravity-gateway/internal/catalog"
)

func fraction(f float64) *float64 { return &f }

func modelInfo(remaining float64) ModelInfo {
	var info ModelInfo
	info.QuotaInfo = &struct {
		RemainingFraction *float64 `json:"remainingFraction"`
		ResetTime         string   `json:"resetTime"`
	}{RemainingFraction: fraction(remaining)}
	return info
}

func newTestCache() *Cache {
	return NewCache(catalog.Default(), 0.01, 0.3)
}

func TestRecordAndStatusThresholds(t *testing.T) {
	c := newTestCache()
	c.RecordModelQuotas("account-1", map[string]ModelInfo{
		"claude-sonnet-4-5":    modelInfo(0.8),
		"claude-opus-4-5":      modelInfo(0.005),
		"gemini-3-pro-preview": modelInfo(0.2),
	})

	tests := []struct {
		model      string
		wantQuota  float64
		wantStatus string
	}{
		{"claude-sonnet-4-5", 0.8, StatusAvailable},
		{"claude-opus-4-5", 0.005, StatusExhausted},
		{"gemini-3-pro-preview", 0.2, StatusAvailable},
	}
	for _, tt := range tests {
		st, ok := c.StatusFor("account-1", tt.model)
		if !ok {
			t.Fatalf("no entry for %s", tt.model)
		}
		if st.Quota != tt.wantQuota || st.Status != tt.wantStatus {
			t.Errorf("%s: %+v", tt.model, st)
		}
	}

	if _, ok := c.StatusFor("account-1", "never-seen"); ok {
		t.Error("unknown model should have no entry")
	}
}

func TestAliasMirroring(t *testing.T) {
	c := newTestCache()
	c.RecordModelQuotas("account-1", map[string]ModelInfo{
		"gemini-3-pro-high": modelInfo(0.4),
		"gemini-3-flash":    modelInfo(0.6),
	})

	preview, ok := c.StatusFor("account-1", "gemini-3-pro-preview")
	if !ok || preview.Quota != 0.4 {
		t.Errorf("preview mirror = %+v ok=%v", preview, ok)
	}
	flash, ok := c.StatusFor("account-1", "gemini-3-pro-flash-preview")
	if !ok || flash.Quota != 0.6 {
		t.Errorf("flash mirror = %+v ok=%v", flash, ok)
	}
}

func TestWholesaleOverwrite(t *testing.T) {
	c := newTestCache()
	c.RecordModelQuotas("a", map[string]ModelInfo{"claude-sonnet-4-5": modelInfo(0.9)})
	c.RecordModelQuotas("a", map[string]ModelInfo{"claude-sonnet-4-5": modelInfo(0.1)})

	st, _ := c.StatusFor("a", "claude-sonnet-4-5")
	if st.Quota != 0.1 {
		t.Errorf("quota = %v, want the newer snapshot", st.Quota)
	}
}

func TestMissingFractionDefaultsToFull(t *testing.T) {
	c := newTestCache()
	var info ModelInfo
	info.QuotaInfo = &struct {
		RemainingFraction *float64 `json:"remainingFraction"`
		ResetTime         string   `json:"resetTime"`
	}{}
	c.RecordModelQuotas("a", map[string]ModelInfo{"claude-sonnet-4-5": info})

	st, _ := c.StatusFor("a", "claude-sonnet-4-5")
	if st.Quota != 1.0 || st.Status != StatusAvailable {
		t.Errorf("status = %+v", st)
	}
}

func TestGroupedStatusAverages(t *testing.T) {
	c := newTestCache()
	c.RecordModelQuotas("a", map[string]ModelInfo{
		"claude-sonnet-4-5": modelInfo(0.4),
		"claude-opus-4-5":   modelInfo(0.2),
	})
	c.RecordModelQuotas("b", map[string]ModelInfo{
		"claude-sonnet-4-5": modelInfo(0.6),
	})

	var claude *GroupStatus
	for _, g := range c.GroupedStatus() {
		if g.Name == "claude" {
			gc := g
			claude = &gc
		}
	}
	if claude == nil {
		t.Fatal("claude group missing")
	}
	if claude.AverageQuota < 0.399 || claude.AverageQuota > 0.401 {
		t.Errorf("average = %v, want 0.4", claude.AverageQuota)
	}
	if claude.Status != StatusAvailable {
		t.Errorf("status = %q", claude.Status)
	}
}

func TestGroupedStatusLimited(t *testing.T) {
	c := newTestCache()
	c.RecordModelQuotas("a", map[string]ModelInfo{"claude-sonnet-4-5": modelInfo(0.1)})

	for _, g := range c.GroupedStatus() {
		if g.Name == "claude" && g.Status != StatusLimited {
			t.Errorf("status = %q, want limited", g.Status)
		}
	}
}

func TestNotifyFires(t *testing.T) {
	c := newTestCache()
	calls := 0
	c.SetNotify(func() { calls++ })

	c.RecordModelQuotas("a", map[string]ModelInfo{"claude-sonnet-4-5": modelInfo(0.5)})
	c.Drop("a")

	if calls != 2 {
		t.Errorf("notify calls = %d, want 2", calls)
	}
}

func TestDrop(t *testing.T) {
	c := newTestCache()
	c.RecordModelQuotas("a", map[string]ModelInfo{"claude-sonnet-4-5": modelInfo(0.5)})
	c.Drop("a")

	if _, ok := c.StatusFor("a", "claude-sonnet-4-5"); ok {
		t.Error("entries should be gone after Drop")
	}
}
