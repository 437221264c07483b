package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agwproxy/antigravity-gateway/internal/apikey"
	"github.com/agwproxy/antigravity-gateway/internal/store"
	"github.com/agwproxy/antigravity-gateway/internal/translate"
)

// forcedAccountHeader pins a request to one account for its first attempt.
const forcedAccountHeader = "X-Account-ID"

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req translate.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON: "+err.Error())
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request", "model and messages are required")
		return
	}

	keyRec := keyFromContext(r.Context())
	if keyRec != nil {
		if !apikey.ModelAllowed(keyRec, req.Model) {
			writeOpenAIError(w, http.StatusForbidden, "model_not_allowed", "this API key may not use model "+req.Model)
			return
		}
		if keyRec.SmartContext {
			req.Messages = translate.PruneMessages(req.Messages, keyRec.SmartContextLimit)
		}
	}

	forced := r.Header.Get(forcedAccountHeader)
	start := time.Now()

	if req.Stream {
		s.streamChatCompletions(w, r, &req, forced, keyRec, start)
		return
	}

	resp, err := s.relay.ChatCompletion(r.Context(), &req, forced)
	if err != nil {
		status, code, msg := relayError(w, err)
		s.report(keyRec, req.Model, 0, 0, time.Since(start), "error", msg)
		writeOpenAIError(w, status, code, msg)
		return
	}

	prompt, completion := 0, 0
	if resp.Usage != nil {
		prompt, completion = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	s.report(keyRec, req.Model, prompt, completion, time.Since(start), "success", "")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) streamChatCompletions(w http.ResponseWriter, r *http.Request, req *translate.ChatRequest, forced string, keyRec *store.APIKey, start time.Time) {
	sse, err := NewSSEWriter(w)
	if err != nil {
		writeOpenAIError(w, http.StatusInternalServerError, "streaming_unsupported", err.Error())
		return
	}

	wrote := false
	usage, err := s.relay.ChatCompletionStream(r.Context(), req, forced, func(chunk *translate.ChatResponse) error {
		wrote = true
		return sse.WriteJSON(chunk)
	})
	if err != nil {
		status, code, msg := relayError(w, err)
		s.report(keyRec, req.Model, 0, 0, time.Since(start), "error", msg)
		if !wrote {
			// Nothing was flushed yet, so a plain error response is still
			// possible despite the event-stream headers.
			w.Header().Set("Content-Type", "application/json")
			writeOpenAIError(w, status, code, msg)
			return
		}
		// Mid-stream failure: the error travels as a data frame.
		sse.WriteJSON(map[string]any{"error": map[string]any{"message": msg, "code": code}})
		sse.WriteDone()
		return
	}

	sse.WriteDone()
	s.report(keyRec, req.Model, usage.PromptTokens, usage.CompletionTokens, time.Since(start), "success", "")
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := s.catalog.List()
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{
			"id":       m.ID,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": m.Owner,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}
