package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agwproxy/antigravity-gateway/internal/apikey"
	"github.com/agwproxy/antigravity-gateway/internal/catalog"
	"github.com/agwproxy/antigravity-gateway/internal/config"
	"github.com/agwproxy/antigravity-gateway/internal/events"
	"github.com/agwproxy/antigravity-gateway/internal/metrics"
	"github.com/agwproxy/antigravity-gateway/internal/oauth"
	"github.com/agwproxy/antigravity-gateway/internal/pool"
	"github.com/agwproxy/antigravity-gateway/internal/quota"
	"github.com/agwproxy/antigravity-gateway/internal/relay"
	"github.com/agwproxy/antigravity-gateway/internal/store"
	"github.com/agwproxy/antigravity-gateway/internal/upstream"
)

type testEnv struct {
	router http.Handler
	keys   *apikey.Manager
	store  *store.Store
	pool   *pool.Pool
}

// newTestEnv wires a full server against the given fake upstream. One
// account with a long-lived token is seeded so relayed calls work.
func newTestEnv(t *testing.T, upstreamURL string) *testEnv {
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
	p := pool.New(st, oc, qc, bus, wh, pool.Options{CooldownBase: time.Second}, log)
	if _, err := p.Add("a@x.com", oauth.Token{
		AccessToken: "tok-a",
		ExpiryDate:  time.Now().Add(24 * time.Hour).UnixMilli(),
	}, "proj-test"); err != nil {
		t.Fatal(err)
	}

	if upstreamURL == "" {
		upstreamURL = "http://127.0.0.1:0"
	}
	client := upstream.NewClient(log, upstreamURL+"/v1internal")
	rel := relay.New(p, client, cat, qc, st, bus, wh, metrics.New(), relay.Options{MaxRetryAccounts: 3}, log)

	keys := apikey.NewManager(st, log)
	cfg := &config.Config{
		DashboardUsername: "admin",
		DashboardPassword: "secret",
		SessionTTL:        time.Hour,
		SmartContextLimit: 10,
	}

	srv := New(Deps{
		Config:  cfg,
		Store:   st,
		Pool:    p,
		Relay:   rel,
		Keys:    keys,
		Catalog: cat,
		Quota:   qc,
		Bus:     bus,
		OAuth:   oc,
		Metrics: metrics.New(),
		Log:     log,
	})
	return &testEnv{router: srv.Router(), keys: keys, store: st, pool: p}
}

func (e *testEnv) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) newKey(t *testing.T, opts store.APIKey) string {
	t.Helper()
	raw, _, err := e.keys.Create("test", "", opts)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["accounts"].(float64) != 1 {
		t.Errorf("body = %v", body)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/v1/models", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key status = %d", rec.Code)
	}
	errObj := decodeBody(t, rec)["error"].(map[string]any)
	if errObj["code"] != "missing_api_key" {
		t.Errorf("error = %v", errObj)
	}

	rec = env.do(t, http.MethodGet, "/v1/models", "sk-ag-"+strings.Repeat("0", 48), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bogus key status = %d", rec.Code)
	}
}

func TestAnthropicErrorEnvelope(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodPost, "/v1/messages", "", map[string]any{})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["type"] != "error" {
		t.Fatalf("body = %v", body)
	}
	if body["error"].(map[string]any)["type"] != "authentication_error" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestAPIKeyRateLimit(t *testing.T) {
	env := newTestEnv(t, "")
	key := env.newKey(t, store.APIKey{RateLimitPerMinute: 1})

	if rec := env.do(t, http.MethodGet, "/v1/models", key, nil); rec.Code != http.StatusOK {
		t.Fatalf("first call status = %d", rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/v1/models", key, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second call status = %d", rec.Code)
	}
}

func TestListModels(t *testing.T) {
	env := newTestEnv(t, "")
	key := env.newKey(t, store.APIKey{})

	rec := env.do(t, http.MethodGet, "/v1/models", key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["object"] != "list" {
		t.Errorf("object = %v", body["object"])
	}
	data := body["data"].([]any)
	if len(data) != 4 {
		t.Fatalf("models = %d", len(data))
	}
	first := data[0].(map[string]any)
	if first["id"] != "gemini-3-pro-preview" || first["object"] != "model" {
		t.Errorf("first model = %v", first)
	}
}

func TestChatCompletionEndToEnd(t *testing.T) {
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"hello"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}}`))
	}))
	defer fake.Close()

	env := newTestEnv(t, fake.URL)
	key := env.newKey(t, store.APIKey{})

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", key, map[string]any{
		"model":    "claude-sonnet-4-5",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	choice := body["choices"].([]any)[0].(map[string]any)
	if choice["message"].(map[string]any)["content"] != "hello" {
		t.Errorf("choice = %v", choice)
	}
	if body["usage"].(map[string]any)["total_tokens"].(float64) != 5 {
		t.Errorf("usage = %v", body["usage"])
	}

	// Usage is recorded against the key and in the request log.
	logs, err := env.store.RecentLogs(10)
	if err != nil || len(logs) != 1 {
		t.Fatalf("logs = %v err = %v", logs, err)
	}
	if logs[0].Model != "claude-sonnet-4-5" || logs[0].TokensInput != 3 {
		t.Errorf("log = %+v", logs[0])
	}
}

func TestChatCompletionValidation(t *testing.T) {
	env := newTestEnv(t, "")
	key := env.newKey(t, store.APIKey{})

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", key, map[string]any{"model": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	errObj := decodeBody(t, rec)["error"].(map[string]any)
	if errObj["code"] != "invalid_request" {
		t.Errorf("error = %v", errObj)
	}
}

func TestModelRestriction(t *testing.T) {
	env := newTestEnv(t, "")
	key := env.newKey(t, store.APIKey{AllowedModels: "gemini-3-pro-preview"})

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", key, map[string]any{
		"model":    "claude-sonnet-4-5",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDashboardLoginFlow(t *testing.T) {
	env := newTestEnv(t, "")

	// The dashboard API is closed without a session.
	if rec := env.do(t, http.MethodGet, "/api/stats", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated stats status = %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "admin",
		"password": "secret",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	var session *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			session = c
		}
	}
	if session == nil || session.Value == "" {
		t.Fatal("no session cookie issued")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.AddCookie(session)
	out := httptest.NewRecorder()
	env.router.ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Fatalf("stats with session status = %d: %s", out.Code, out.Body.String())
	}

	// Logout invalidates the session server-side.
	req = httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.AddCookie(session)
	out = httptest.NewRecorder()
	env.router.ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Fatalf("logout status = %d", out.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.AddCookie(session)
	out = httptest.NewRecorder()
	env.router.ServeHTTP(out, req)
	if out.Code != http.StatusUnauthorized {
		t.Errorf("stats after logout status = %d", out.Code)
	}
}

func TestLoginDisabledWithoutPassword(t *testing.T) {
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
	p := pool.New(st, oauth.NewClient("c", "s", ""), qc, bus, events.NewWebhook("", log), pool.Options{}, log)
	srv := New(Deps{
		Config:  &config.Config{SessionTTL: time.Hour},
		Store:   st,
		Pool:    p,
		Keys:    apikey.NewManager(st, log),
		Catalog: cat,
		Quota:   qc,
		Bus:     bus,
		Metrics: metrics.New(),
		Log:     log,
	})

	body, _ := json.Marshal(map[string]string{"username": "admin", "password": ""})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestKeyManagementAPI(t *testing.T) {
	env := newTestEnv(t, "")

	login := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "admin", "password": "secret",
	})
	var session *http.Cookie
	for _, c := range login.Result().Cookies() {
		if c.Name == sessionCookie {
			session = c
		}
	}
	if session == nil {
		t.Fatal("login failed")
	}

	withSession := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			json.NewEncoder(&buf).Encode(body)
		}
		req := httptest.NewRequest(method, path, &buf)
		req.AddCookie(session)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec
	}

	rec := withSession(http.MethodPost, "/api/keys", map[string]any{"name": "ci"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create key status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody(t, rec)
	raw, _ := created["key"].(string)
	if !strings.HasPrefix(raw, "sk-ag-") {
		t.Fatalf("key = %q", raw)
	}

	// The raw key works against the API surface.
	if r2 := env.do(t, http.MethodGet, "/v1/models", raw, nil); r2.Code != http.StatusOK {
		t.Errorf("new key rejected: %d", r2.Code)
	}

	rec = withSession(http.MethodGet, "/api/keys", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list keys status = %d", rec.Code)
	}
}
