package apikey

import (
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agwproxy/antigravity-gateway/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(st, zerolog.Nop())
}

func TestGenerateFormat(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(key, "sk-ag-") {
		t.Errorf("key = %q", key)
	}
	if len(key) != len("sk-ag-")+48 {
		t.Errorf("key length = %d", len(key))
	}

	other, _ := Generate()
	if key == other {
		t.Error("keys must be unique")
	}
}

func TestCreateAndValidate(t *testing.T) {
	m := newTestManager(t)

	raw, rec, err := m.Create("ci", "integration tests", store.APIKey{})
	if err != nil {
		t.Fatal(err)
	}
	if rec.KeyHash == "" || strings.Contains(rec.KeyHash, raw) {
		t.Error("only the digest may be stored")
	}
	if rec.KeyHash != Hash(raw) {
		t.Error("stored hash does not match the raw key")
	}
	if rec.RateLimitPerMinute != 60 || rec.AllowedModels != "*" {
		t.Errorf("defaults = %+v", rec)
	}

	got, err := m.Validate(raw)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("validated id = %d", got.ID)
	}
}

func TestValidateRejectsUnknown(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Validate("sk-ag-deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"); err != ErrInvalidKey {
		t.Errorf("err = %v", err)
	}
	if _, err := m.Validate("not-a-key"); err != ErrInvalidKey {
		t.Errorf("err = %v", err)
	}
}

func TestValidateRejectsDisabled(t *testing.T) {
	m := newTestManager(t)
	raw, rec, err := m.Create("temp", "", store.APIKey{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.store.SetAPIKeyActive(rec.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Validate(raw); err != ErrInvalidKey {
		t.Errorf("err = %v", err)
	}
}

func TestRateLimitWindow(t *testing.T) {
	m := newTestManager(t)
	raw, _, err := m.Create("limited", "", store.APIKey{RateLimitPerMinute: 2})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := m.Validate(raw); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if _, err := m.Validate(raw); err != ErrRateLimited {
		t.Errorf("third request err = %v, want rate limited", err)
	}
}

func TestModelAllowed(t *testing.T) {
	tests := []struct {
		allowed string
		model   string
		want    bool
	}{
		{"*", "anything", true},
		{"", "anything", true},
		{"claude-sonnet-4-5", "claude-sonnet-4-5", true},
		{"claude-sonnet-4-5", "gemini-3-pro-preview", false},
		{"a, b ,c", "b", true},
		{"a,b", "ab", false},
	}
	for _, tt := range tests {
		rec := &store.APIKey{AllowedModels: tt.allowed}
		if got := ModelAllowed(rec, tt.model); got != tt.want {
			t.Errorf("ModelAllowed(%q, %q) = %v", tt.allowed, tt.model, got)
		}
	}
}

func TestHashStable(t *testing.T) {
	if Hash("abc") != Hash("abc") {
		t.Error("hash must be deterministic")
	}
	if len(Hash("abc")) != 64 {
		t.Errorf("hash length = %d", len(Hash("abc")))
	}
}
