package store

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	st, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestUpsertAccountPreservesProjectID(t *testing.T) {
	st := newTestStore(t)

	if err := st.UpsertAccount(Account{ID: "account-1", Email: "a@x.com", ProjectID: "proj-1", Status: "ready"}); err != nil {
		t.Fatal(err)
	}
	// A token refresh writes without a project id; the stored one stays.
	if err := st.UpsertAccount(Account{ID: "account-1", Email: "a@x.com", AccessToken: "tok2", Status: "ready"}); err != nil {
		t.Fatal(err)
	}

	acc, err := st.GetAccount("account-1")
	if err != nil {
		t.Fatal(err)
	}
	if acc.ProjectID != "proj-1" {
		t.Errorf("project id = %q, want preserved", acc.ProjectID)
	}
	if acc.AccessToken != "tok2" {
		t.Errorf("access token = %q, want updated", acc.AccessToken)
	}
}

func TestUpsertAccountResetsErrorState(t *testing.T) {
	st := newTestStore(t)

	st.UpsertAccount(Account{ID: "account-1", Email: "a@x.com", Status: "ready"})
	if err := st.UpdateAccountStatus("account-1", "error"); err != nil {
		t.Fatal(err)
	}
	if err := st.IncrementAccountUsage("account-1", true); err != nil {
		t.Fatal(err)
	}

	// Re-authenticating writes a ready record; the stored row follows it.
	if err := st.UpsertAccount(Account{ID: "account-1", Email: "a@x.com", AccessToken: "tok2", Status: "ready"}); err != nil {
		t.Fatal(err)
	}

	acc, err := st.GetAccount("account-1")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Status != "ready" {
		t.Errorf("status = %q, want ready", acc.Status)
	}
	if acc.ErrorCount != 0 {
		t.Errorf("error count = %d, want reset", acc.ErrorCount)
	}
}

func TestGetAccountMissing(t *testing.T) {
	st := newTestStore(t)
	acc, err := st.GetAccount("nope")
	if err != nil || acc != nil {
		t.Errorf("got %+v, %v", acc, err)
	}
}

func TestIncrementAccountUsage(t *testing.T) {
	st := newTestStore(t)
	st.UpsertAccount(Account{ID: "account-1", Email: "a@x.com"})

	if err := st.IncrementAccountUsage("account-1", false); err != nil {
		t.Fatal(err)
	}
	if err := st.IncrementAccountUsage("account-1", true); err != nil {
		t.Fatal(err)
	}

	acc, _ := st.GetAccount("account-1")
	if acc.RequestCount != 2 || acc.ErrorCount != 1 {
		t.Errorf("counts = %d/%d", acc.RequestCount, acc.ErrorCount)
	}
	if acc.LastUsedAt == nil {
		t.Error("last used must be stamped")
	}
}

func TestDeleteAccount(t *testing.T) {
	st := newTestStore(t)
	st.UpsertAccount(Account{ID: "account-1", Email: "a@x.com"})

	deleted, err := st.DeleteAccount("account-1")
	if err != nil || !deleted {
		t.Fatalf("deleted=%v err=%v", deleted, err)
	}
	deleted, err = st.DeleteAccount("account-1")
	if err != nil || deleted {
		t.Errorf("second delete = %v", deleted)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	st := newTestStore(t)

	key := &APIKey{KeyHash: "hash-1", Name: "test", IsActive: true, RateLimitPerMinute: 60, AllowedModels: "*"}
	if err := st.CreateAPIKey(key); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetAPIKeyByHash("hash-1")
	if err != nil || got == nil {
		t.Fatalf("lookup: %+v, %v", got, err)
	}

	if err := st.UpdateAPIKeyUsage(key.ID, 120); err != nil {
		t.Fatal(err)
	}
	got, _ = st.GetAPIKeyByHash("hash-1")
	if got.RequestsCount != 1 || got.TokensUsed != 120 {
		t.Errorf("usage = %d/%d", got.RequestsCount, got.TokensUsed)
	}

	found, err := st.SetAPIKeyActive(key.ID, false)
	if err != nil || !found {
		t.Fatal(err)
	}
	if got, _ := st.GetAPIKeyByHash("hash-1"); got != nil {
		t.Error("disabled key must not resolve by hash")
	}
}

func TestSessions(t *testing.T) {
	st := newTestStore(t)

	if err := st.CreateSession("sess-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	sess, err := st.GetSession("sess-1")
	if err != nil || sess == nil {
		t.Fatalf("get: %+v, %v", sess, err)
	}

	if err := st.CreateSession("sess-old", time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := st.CleanExpiredSessions(); err != nil {
		t.Fatal(err)
	}
	if old, _ := st.GetSession("sess-old"); old != nil {
		t.Error("expired session survived cleanup")
	}
	if kept, _ := st.GetSession("sess-1"); kept == nil {
		t.Error("live session removed by cleanup")
	}
}

func TestRequestLogsAndStats(t *testing.T) {
	st := newTestStore(t)

	for i := 0; i < 3; i++ {
		status := "success"
		if i == 2 {
			status = "error"
		}
		if err := st.LogRequest(&RequestLog{
			Model:        "claude-sonnet-4-5",
			TokensInput:  10,
			TokensOutput: 5,
			LatencyMs:    100,
			Status:       status,
		}); err != nil {
			t.Fatal(err)
		}
	}

	logs, err := st.RecentLogs(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Errorf("logs = %d", len(logs))
	}

	stats, err := st.GetTodayStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRequests != 3 || stats.ErrorCount != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.TotalTokens != 45 {
		t.Errorf("tokens = %d", stats.TotalTokens)
	}
}

func TestHourlyStats(t *testing.T) {
	st := newTestStore(t)

	for i := 0; i < 3; i++ {
		if err := st.LogRequest(&RequestLog{
			Model:        "gemini-3-pro-preview",
			TokensInput:  4,
			TokensOutput: 2,
			LatencyMs:    50,
			Status:       "success",
		}); err != nil {
			t.Fatal(err)
		}
	}

	hourly, err := st.HourlyStats()
	if err != nil {
		t.Fatal(err)
	}
	// All rows land in the current hour.
	if len(hourly) != 1 {
		t.Fatalf("buckets = %d", len(hourly))
	}
	b := hourly[0]
	if b.Requests != 3 || b.Tokens != 18 || b.Errors != 0 {
		t.Errorf("bucket = %+v", b)
	}
}
