package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agwproxy/antigravity-gateway/internal/store"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if s.cfg.DashboardPassword == "" {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "dashboard login is disabled: no password configured"})
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(creds.Username), []byte(s.cfg.DashboardUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(creds.Password), []byte(s.cfg.DashboardPassword)) == 1
	if !userOK || !passOK {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}

	sessionID := uuid.NewString()
	expires := time.Now().Add(s.cfg.SessionTTL)
	if err := s.store.CreateSession(sessionID, expires); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "session creation failed"})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sessionID,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		s.store.DeleteSession(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type accountView struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Status        string `json:"status"`
	ProjectID     string `json:"projectId,omitempty"`
	RequestCount  int    `json:"requestCount"`
	ErrorCount    int    `json:"errorCount"`
	LastUsedAt    string `json:"lastUsedAt,omitempty"`
	CooldownUntil string `json:"cooldownUntil,omitempty"`
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.pool.Snapshot()
	out := make([]accountView, 0, len(accounts))
	for _, acc := range accounts {
		view := accountView{
			ID:           acc.ID,
			Email:        acc.Email,
			Status:       acc.Status,
			ProjectID:    acc.ProjectID,
			RequestCount: acc.RequestCount,
			ErrorCount:   acc.ErrorCount,
		}
		if !acc.LastUsedAt.IsZero() {
			view.LastUsedAt = acc.LastUsedAt.Format(time.RFC3339)
		}
		if !acc.CooldownUntil.IsZero() {
			view.CooldownUntil = acc.CooldownUntil.Format(time.RFC3339)
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := s.pool.Delete(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown account " + id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleResetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.pool.ResetErrors(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown account " + id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleExportAccounts dumps email and refresh token pairs, the format
// SeedFromJSON imports. Access tokens stay out of the export.
func (s *Server) handleExportAccounts(w http.ResponseWriter, r *http.Request) {
	type export struct {
		Email        string `json:"email"`
		RefreshToken string `json:"refresh_token"`
	}
	accounts := s.pool.Snapshot()
	out := make([]export, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, export{Email: acc.Email, RefreshToken: acc.RefreshToken})
	}
	w.Header().Set("Content-Disposition", "attachment; filename=accounts.json")
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	accounts := s.pool.Snapshot()
	refs := make([]struct{ ID, Email string }, 0, len(accounts))
	for _, acc := range accounts {
		refs = append(refs, struct{ ID, Email string }{acc.ID, acc.Email})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": s.quota.AccountStatuses(refs),
		"groups":   s.quota.GroupedStatus(),
	})
}

func (s *Server) handleQuotaRefresh(w http.ResponseWriter, r *http.Request) {
	s.relay.RefreshAllQuotas(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name               string `json:"name"`
		Description        string `json:"description"`
		DailyLimit         int    `json:"dailyLimit"`
		RateLimitPerMinute int    `json:"rateLimitPerMinute"`
		SmartContext       bool   `json:"smartContext"`
		SmartContextLimit  int    `json:"smartContextLimit"`
		AllowedModels      string `json:"allowedModels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	if req.SmartContext && req.SmartContextLimit == 0 {
		req.SmartContextLimit = s.cfg.SmartContextLimit
	}

	raw, rec, err := s.keys.Create(req.Name, req.Description, store.APIKey{
		DailyLimit:         req.DailyLimit,
		RateLimitPerMinute: req.RateLimitPerMinute,
		SmartContext:       req.SmartContext,
		SmartContextLimit:  req.SmartContextLimit,
		AllowedModels:      req.AllowedModels,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key": raw, // shown exactly once
		"id":  rec.ID,
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.ListAPIKeys()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid key id"})
		return
	}

	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	allowed := map[string]string{
		"name":               "name",
		"description":        "description",
		"isActive":           "is_active",
		"dailyLimit":         "daily_limit",
		"rateLimitPerMinute": "rate_limit_per_minute",
		"smartContext":       "smart_context",
		"smartContextLimit":  "smart_context_limit",
		"allowedModels":      "allowed_models",
	}
	updates := make(map[string]any)
	for field, value := range req {
		if column, ok := allowed[field]; ok {
			updates[column] = value
		}
	}
	if len(updates) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no updatable fields given"})
		return
	}

	found, err := s.store.UpdateAPIKey(uint(id), updates)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown key"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid key id"})
		return
	}
	found, err := s.store.DeleteAPIKey(uint(id))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown key"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	logs, err := s.store.RecentLogs(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTodayStats()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	ready := len(s.pool.ListReady())
	writeJSON(w, http.StatusOK, map[string]any{
		"today":         stats,
		"accountsTotal": s.pool.Size(),
		"accountsReady": ready,
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	hourly, err := s.store.HourlyStats()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hourly": hourly})
}
