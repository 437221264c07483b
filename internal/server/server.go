// Package server exposes the gateway over HTTP: the OpenAI and Anthropic
// compatibility surfaces, the OAuth onboarding flow, and the dashboard
// API.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

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
)

// Server holds the handler dependencies and builds the router.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	pool    *pool.Pool
	relay   *relay.Relay
	keys    *apikey.Manager
	catalog *catalog.Catalog
	quota   *quota.Cache
	bus     *events.Bus
	oauth   *oauth.Client
	metrics *metrics.Metrics
	log     zerolog.Logger

	oauthStates *pendingStates
	baseCtx     context.Context
}

type Deps struct {
	Config  *config.Config
	Store   *store.Store
	Pool    *pool.Pool
	Relay   *relay.Relay
	Keys    *apikey.Manager
	Catalog *catalog.Catalog
	Quota   *quota.Cache
	Bus     *events.Bus
	OAuth   *oauth.Client
	Metrics *metrics.Metrics
	Log     zerolog.Logger

	// BaseCtx bounds background work spawned by handlers; it outlives the
	// individual request contexts.
	BaseCtx context.Context
}

func New(d Deps) *Server {
	baseCtx := d.BaseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Server{
		cfg:         d.Config,
		store:       d.Store,
		pool:        d.Pool,
		relay:       d.Relay,
		keys:        d.Keys,
		catalog:     d.Catalog,
		quota:       d.Quota,
		bus:         d.Bus,
		oauth:       d.OAuth,
		metrics:     d.Metrics,
		log:         d.Log,
		oauthStates: newPendingStates(),
		baseCtx:     baseCtx,
	}
}

// Router assembles all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	r.Get("/oauth/authorize", s.handleOAuthAuthorize)
	r.Get("/oauth/callback", s.handleOAuthCallback)

	// OpenAI-compatible surface.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey(false))
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Get("/v1/models", s.handleListModels)
	})

	// Anthropic-compatible surface, also mounted under /anthropic for
	// clients that set a base URL prefix.
	messages := func(r chi.Router) {
		r.Use(s.requireAPIKey(true))
		r.Post("/v1/messages", s.handleMessages)
	}
	r.Group(messages)
	r.Route("/anthropic", func(r chi.Router) {
		r.Group(messages)
	})

	// Dashboard API.
	r.Post("/api/auth/login", s.handleLogin)
	r.Post("/api/auth/logout", s.handleLogout)
	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Get("/api/accounts", s.handleListAccounts)
		r.Get("/api/accounts/export", s.handleExportAccounts)
		r.Delete("/api/accounts/{id}", s.handleDeleteAccount)
		r.Post("/api/accounts/{id}/reset", s.handleResetAccount)

		r.Get("/api/quota", s.handleQuotaStatus)
		r.Post("/api/quota/refresh", s.handleQuotaRefresh)

		r.Post("/api/keys", s.handleCreateKey)
		r.Get("/api/keys", s.handleListKeys)
		r.Patch("/api/keys/{id}", s.handleUpdateKey)
		r.Delete("/api/keys/{id}", s.handleDeleteKey)

		r.Get("/api/logs", s.handleRecentLogs)
		r.Get("/api/stats", s.handleStats)
		r.Get("/api/analytics", s.handleAnalytics)

		r.Get("/ws", s.handleWS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"accounts": s.pool.Size(),
	})
}

// requestLogger logs one line per request in zerolog fields.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// report records the accounting for a finished API call, including the
// caller key's usage counters.
func (s *Server) report(keyRec *store.APIKey, model string, promptTokens, completionTokens int, latency time.Duration, status, errMsg string) {
	var keyID *uint
	if keyRec != nil {
		id := keyRec.ID
		keyID = &id
		s.keys.RecordUsage(id, int64(promptTokens+completionTokens))
	}
	s.relay.Report(keyID, model, promptTokens, completionTokens, latency, status, errMsg)
}
