package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agwproxy/antigravity-gateway/internal/apikey"
	"github.com/agwproxy/antigravity-gateway/internal/translate"
)

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req translate.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON: "+err.Error())
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request", "model and messages are required")
		return
	}

	keyRec := keyFromContext(r.Context())
	if keyRec != nil {
		if !apikey.ModelAllowed(keyRec, req.Model) {
			writeAnthropicError(w, http.StatusForbidden, "model_not_allowed", "this API key may not use model "+req.Model)
			return
		}
		if keyRec.SmartContext {
			req.Messages = translate.PruneAnthropicMessages(req.Messages, keyRec.SmartContextLimit)
		}
	}

	forced := r.Header.Get(forcedAccountHeader)
	start := time.Now()

	if req.Stream {
		s.streamMessages(w, r, &req, forced, start)
		return
	}

	resp, err := s.relay.Messages(r.Context(), &req, forced)
	if err != nil {
		status, code, msg := relayError(w, err)
		s.report(keyRec, req.Model, 0, 0, time.Since(start), "error", msg)
		writeAnthropicError(w, status, code, msg)
		return
	}

	s.report(keyRec, req.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start), "success", "")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) streamMessages(w http.ResponseWriter, r *http.Request, req *translate.MessagesRequest, forced string, start time.Time) {
	keyRec := keyFromContext(r.Context())

	sse, err := NewSSEWriter(w)
	if err != nil {
		writeAnthropicError(w, http.StatusInternalServerError, "streaming_unsupported", err.Error())
		return
	}

	wrote := false
	usage, err := s.relay.MessagesStream(r.Context(), req, forced, func(ev translate.StreamEvent) error {
		wrote = true
		return sse.WriteEvent(ev.Name, ev.Data)
	})
	if err != nil {
		status, code, msg := relayError(w, err)
		s.report(keyRec, req.Model, 0, 0, time.Since(start), "error", msg)
		if !wrote {
			w.Header().Set("Content-Type", "application/json")
			writeAnthropicError(w, status, code, msg)
			return
		}
		sse.WriteEvent("error", map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "api_error", "message": msg},
		})
		return
	}

	s.report(keyRec, req.Model, usage.InputTokens, usage.OutputTokens, time.Since(start), "success", "")
}
