package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agwproxy/antigravity-gateway/internal/catalog"
	"github.com/agwproxy/antigravity-gateway/internal/events"
	"github.com/agwproxy/antigravity-gateway/internal/metrics"
	"github.com/agwproxy/antigravity-gateway/internal/oauth"
	"github.com/agwproxy/antigravity-gateway/internal/pool"
	"github.com/agwproxy/antigravity-gateway/internal/quota"
	"github.com/agwproxy/antigravity-gateway/internal/store"
	"github.com/agwproxy/antigravity-gateway/internal/translate"
	"github.com/agwproxy/antigravity-gateway/internal/upstream"
)

const okGenerateBody = `{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"ok"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":2,"totalTokenCount":3}}}`

type fixture struct {
	relay *Relay
	pool  *pool.Pool
	store *store.Store
	quota *quota.Cache
}

// newFixture wires a relay against the given upstream test server. Each
// listed email gets an account with access token "tok-<email>" that never
// expires, so no OAuth traffic happens during tests.
func newFixture(t *testing.T, upstreamURL string, emails ...string) *fixture {
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

	log := zerolog.Nop()
	cat := catalog.Default()
	qc := quota.NewCache(cat, 0.01, 0.3)
	bus := events.NewBus(log)
	wh := events.NewWebhook("", log)
	oc := oauth.NewClient("client", "secret", "")

	p := pool.New(st, oc, qc, bus, wh, pool.Options{
		CooldownBase:  time.Second,
		FreshnessCap:  time.Hour,
		RefreshBuffer: time.Minute,
	}, log)
	for _, email := range emails {
		if _, err := p.Add(email, oauth.Token{
			AccessToken:  "tok-" + email,
			RefreshToken: "ref-" + email,
			ExpiryDate:   time.Now().Add(24 * time.Hour).UnixMilli(),
		}, "proj-test"); err != nil {
			t.Fatal(err)
		}
	}

	client := upstream.NewClient(log, upstreamURL+"/v1internal")
	rel := New(p, client, cat, qc, st, bus, wh, metrics.New(), Options{MaxRetryAccounts: 3}, log)
	return &fixture{relay: rel, pool: p, store: st, quota: qc}
}

func chatRequest() *translate.ChatRequest {
	return &translate.ChatRequest{
		Model: "claude-sonnet-4-5",
		Messages: []translate.ChatMessage{
			{Role: "user", Content: translate.MessageContent{Text: "hi"}},
		},
	}
}

func TestChatCompletionHappyPath(t *testing.T) {
	var gotProject string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var env translate.Envelope
		json.Unmarshal(body, &env)
		gotProject = env.Project
		w.Write([]byte(okGenerateBody))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, "a@x.com")
	resp, err := f.relay.ChatCompletion(context.Background(), chatRequest(), "")
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Choices[0].Message.Content != "ok" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if gotProject != "proj-test" {
		t.Errorf("project = %q", gotProject)
	}

	acc := f.pool.Get("account-1")
	if acc.RequestCount != 1 || acc.Status != pool.StatusReady {
		t.Errorf("account after success: %+v", acc)
	}
}

func TestRotationOnRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer tok-a@x.com" {
			http.Error(w, `{"error":{"message":"quota"}}`, http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(okGenerateBody))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, "a@x.com", "b@x.com")
	resp, err := f.relay.ChatCompletion(context.Background(), chatRequest(), "account-1")
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp == nil {
		t.Fatal("nil response")
	}

	a := f.pool.Get("account-1")
	if a.Status != pool.StatusCooldown {
		t.Errorf("rate limited account status = %q, want cooldown", a.Status)
	}
	b := f.pool.Get("account-2")
	if b.Status != pool.StatusReady || b.RequestCount != 1 {
		t.Errorf("serving account = %+v", b)
	}
}

func TestPoolExhaustedSingleAccount(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, `{"error":{"message":"quota"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, "only@x.com")
	_, err := f.relay.ChatCompletion(context.Background(), chatRequest(), "")

	ge, ok := err.(*GatewayError)
	if !ok {
		t.Fatalf("err = %v (%T)", err, err)
	}
	if ge.Status != http.StatusTooManyRequests || ge.Code != CodePoolExhausted {
		t.Errorf("gateway error = %+v", ge)
	}
	if ge.RetryAfter <= 0 {
		t.Error("Retry-After hint missing")
	}
	// The attempt budget is the pool size when smaller than the cap.
	if attempts != 1 {
		t.Errorf("upstream attempts = %d, want 1", attempts)
	}
}

func TestAuthExpiredAfterRefreshIsTerminal(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, `{"error":{"message":"invalid authentication"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, "bad@x.com", "good@x.com")
	_, err := f.relay.ChatCompletion(context.Background(), chatRequest(), "account-1")

	ge, ok := err.(*GatewayError)
	if !ok {
		t.Fatalf("err = %v (%T)", err, err)
	}
	if ge.Status != http.StatusUnauthorized || ge.Code != CodeAuthFailed {
		t.Errorf("gateway error = %+v", ge)
	}
	// One original attempt plus the single post-refresh replay; the second
	// account is never touched.
	if attempts != 2 {
		t.Errorf("upstream attempts = %d, want 2", attempts)
	}

	bad := f.pool.Get("account-1")
	if bad.Status != pool.StatusError {
		t.Errorf("401 account status = %q, want error", bad.Status)
	}
	good := f.pool.Get("account-2")
	if good.RequestCount != 0 {
		t.Errorf("second account was used: %+v", good)
	}
}

func TestNoAccountsConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(okGenerateBody))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	_, err := f.relay.ChatCompletion(context.Background(), chatRequest(), "")

	ge, ok := err.(*GatewayError)
	if !ok {
		t.Fatalf("err = %v (%T)", err, err)
	}
	if ge.Status != http.StatusServiceUnavailable || ge.Code != CodeNoAccounts {
		t.Errorf("gateway error = %+v", ge)
	}
	if !strings.Contains(ge.Message, "add one") {
		t.Errorf("message should tell the operator what to do: %q", ge.Message)
	}
}

func TestReportBroadcastsAnalytics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(okGenerateBody))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, "a@x.com")
	ch, cancel := f.relay.bus.Subscribe(8)
	defer cancel()

	before := time.Now()
	f.relay.Report(nil, "claude-sonnet-4-5", 10, 5, 200*time.Millisecond, "success", "")

	var ev events.RequestEvent
	var found bool
	for len(ch) > 0 {
		e := <-ch
		if e.Name == events.AnalyticsNewRequest {
			ev = e.Data.(events.RequestEvent)
			found = true
		}
	}
	if !found {
		t.Fatal("no analytics event published")
	}
	if ev.Model != "claude-sonnet-4-5" || ev.LatencyMs != 200 || ev.Status != "success" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Timestamp.Before(before) {
		t.Errorf("event timestamp %v predates the call", ev.Timestamp)
	}

	logs, err := f.store.RecentLogs(1)
	if err != nil || len(logs) != 1 {
		t.Fatalf("logs = %v, %v", logs, err)
	}
	if logs[0].TokensInput != 10 || logs[0].TokensOutput != 5 {
		t.Errorf("persisted log = %+v", logs[0])
	}
}

func TestTerminalUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"malformed content"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, "a@x.com", "b@x.com")
	_, err := f.relay.ChatCompletion(context.Background(), chatRequest(), "")

	ge, ok := err.(*GatewayError)
	if !ok {
		t.Fatalf("err = %v", err)
	}
	if ge.Code != CodeUpstream {
		t.Errorf("code = %q", ge.Code)
	}
	// A terminal error must not bench the account.
	if got := f.pool.Get("account-1"); got.Status == pool.StatusCooldown {
		t.Error("terminal error put account on cooldown")
	}
}

func TestProjectDiscoveryFallback(t *testing.T) {
	var generateProject string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ":loadCodeAssist") {
			w.Write([]byte(`{}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		var env translate.Envelope
		json.Unmarshal(body, &env)
		generateProject = env.Project
		w.Write([]byte(okGenerateBody))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, "a@x.com")
	// Clear the seeded project so discovery runs.
	f.pool.SetProjectID("account-1", "")

	if _, err := f.relay.ChatCompletion(context.Background(), chatRequest(), ""); err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if !strings.HasPrefix(generateProject, "antigravity-project-") {
		t.Errorf("project = %q, want generated fallback", generateProject)
	}
	if got := f.pool.Get("account-1"); got.ProjectID != generateProject {
		t.Errorf("discovered project not persisted: %q", got.ProjectID)
	}
}

func TestStreamingEmitsChunksAndFinal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"he\"}]}}]}}\n\n")
		io.WriteString(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"llo\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":2,\"candidatesTokenCount\":1,\"totalTokenCount\":3}}}\n\n")
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, "a@x.com")
	req := chatRequest()
	req.Stream = true

	var texts []string
	var finals int
	usage, err := f.relay.ChatCompletionStream(context.Background(), req, "", func(chunk *translate.ChatResponse) error {
		if chunk.Usage != nil {
			finals++
		}
		if delta := chunk.Choices[0].Delta; delta != nil && delta.Content != "" {
			texts = append(texts, delta.Content)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(texts, "") != "hello" {
		t.Errorf("streamed text = %q", strings.Join(texts, ""))
	}
	if finals != 1 {
		t.Errorf("final usage chunks = %d, want exactly 1", finals)
	}
	if usage.PromptTokens != 2 || usage.TotalTokens != 3 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestMessagesStreamEventOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hi\"}]},\"finishReason\":\"STOP\"}]}}\n\n")
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, "a@x.com")
	req := &translate.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 100,
		Stream:    true,
		Messages: []translate.AnthropicMessage{
			{Role: "user", Content: translate.AnthropicContent{Text: "hi"}},
		},
	}

	var names []string
	_, err := f.relay.MessagesStream(context.Background(), req, "", func(ev translate.StreamEvent) error {
		names = append(names, ev.Name)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"}
	if len(names) != len(want) {
		t.Fatalf("events = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestRefreshQuotaPopulatesCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ":fetchAvailableModels") {
			w.Write([]byte(`{"models":{"claude-sonnet-4-5":{"quotaInfo":{"remainingFraction":0.55}}}}`))
			return
		}
		w.Write([]byte(okGenerateBody))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, "a@x.com")
	if err := f.relay.RefreshQuota(context.Background(), "account-1"); err != nil {
		t.Fatal(err)
	}

	st, ok := f.quota.StatusFor("account-1", "claude-sonnet-4-5")
	if !ok || st.Quota != 0.55 {
		t.Errorf("quota = %+v ok=%v", st, ok)
	}
}

func TestUnknownForcedAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(okGenerateBody))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, "a@x.com")
	_, err := f.relay.ChatCompletion(context.Background(), chatRequest(), "account-99")
	ge, ok := err.(*GatewayError)
	if !ok || ge.Status != http.StatusBadRequest {
		t.Errorf("err = %v", err)
	}
}
