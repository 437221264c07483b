package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"
)

// pendingStates tracks issued OAuth states so the callback can reject
// forged or replayed codes. States older than ten minutes are dropped.
type pendingStates struct {
	mu     sync.Mutex
	states map[string]time.Time
}

func newPendingStates() *pendingStates {
	return &pendingStates{states: make(map[string]time.Time)}
}

func (p *pendingStates) issue() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	state := hex.EncodeToString(buf)

	p.mu.Lock()
	now := time.Now()
	for s, t := range p.states {
		if now.Sub(t) > 10*time.Minute {
			delete(p.states, s)
		}
	}
	p.states[state] = now
	p.mu.Unlock()
	return state
}

func (p *pendingStates) consume(state string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	issued, ok := p.states[state]
	if !ok {
		return false
	}
	delete(p.states, state)
	return time.Since(issued) <= 10*time.Minute
}

// handleOAuthAuthorize starts the account onboarding flow by redirecting
// to Google's consent screen.
func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	state := s.oauthStates.issue()
	http.Redirect(w, r, s.oauth.AuthorizeURL(state), http.StatusFound)
}

// handleOAuthCallback completes onboarding: exchanges the code, registers
// the account, and kicks off project discovery plus a quota snapshot.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "authorization denied: " + errMsg})
		return
	}

	state := r.URL.Query().Get("state")
	if !s.oauthStates.consume(state) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown or expired oauth state"})
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing authorization code"})
		return
	}

	token, email, err := s.oauth.Exchange(r.Context(), code)
	if err != nil {
		s.log.Error().Err(err).Msg("oauth code exchange failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "token exchange failed"})
		return
	}

	acc, err := s.pool.Add(email, token, "")
	if err != nil {
		s.log.Error().Err(err).Msg("account registration failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "account registration failed"})
		return
	}

	go func() {
		if err := s.relay.RefreshQuota(s.baseCtx, acc.ID); err != nil {
			s.log.Warn().Str("account", acc.ID).Err(err).Msg("initial quota refresh failed")
		}
	}()

	writeJSON(w, http.StatusOK, map[string]string{
		"accountId": acc.ID,
		"email":     acc.Email,
		"status":    "registered",
	})
}
