package translate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agwproxy/antigravity-gateway/internal/catalog"
)

// ChatRequest is an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model           string        `json:"model"`
	Messages        []ChatMessage `json:"messages"`
	Temperature     *float64      `json:"temperature,omitempty"`
	TopP            *float64      `json:"top_p,omitempty"`
	MaxTokens       *int          `json:"max_tokens,omitempty"`
	Stop            StopList      `json:"stop,omitempty"`
	Stream          bool          `json:"stream,omitempty"`
	ReasoningEffort string        `json:"reasoning_effort,omitempty"`
	Tools           []ChatTool    `json:"tools,omitempty"`
}

type ChatMessage struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Reasoning  string         `json:"reasoning_content,omitempty"`
}

// MessageContent accepts both the plain-string and the multimodal-array
// forms of an OpenAI message content field.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &m.Text)
	}
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, &m.Parts)
	}
	// null or object content is treated as empty
	return nil
}

func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.Parts != nil {
		return json.Marshal(m.Parts)
	}
	return json.Marshal(m.Text)
}

// Flatten joins all text content into one string.
func (m MessageContent) Flatten() string {
	if m.Parts == nil {
		return m.Text
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// StopList accepts either a single string or an array of strings.
type StopList []string

func (s *StopList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = StopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

type ChatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// BuildOpenAIRequest converts a chat completion request into the upstream
// envelope. The returned upstream model id reflects thinking-variant
// promotion and alias resolution.
func BuildOpenAIRequest(req *ChatRequest, cat *catalog.Catalog, projectID string) (*Envelope, string, error) {
	model, known := cat.Resolve(req.Model)

	var system *Content
	var contents []Content
	pendingToolNames := map[string]string{} // tool_call_id -> function name

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			text := msg.Content.Flatten()
			if system == nil {
				system = &Content{Parts: []Part{{Text: text}}}
			} else {
				system.Parts = append(system.Parts, Part{Text: "\n" + text})
			}
		case "assistant":
			content := Content{Role: "model"}
			if text := msg.Content.Flatten(); text != "" {
				content.Parts = append(content.Parts, Part{Text: text})
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
						return nil, "", fmt.Errorf("tool call %s: bad arguments: %w", tc.ID, err)
					}
				}
				pendingToolNames[tc.ID] = tc.Function.Name
				content.Parts = append(content.Parts, Part{
					FunctionCall: &FunctionCall{Name: tc.Function.Name, Args: args},
				})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}
		case "tool":
			name := pendingToolNames[msg.ToolCallID]
			if name == "" {
				name = msg.Name
			}
			contents = append(contents, Content{
				Role: "user",
				Parts: []Part{{
					FunctionResponse: &FunctionResponse{
						Name:     name,
						Response: map[string]any{"result": msg.Content.Flatten()},
					},
				}},
			})
		default: // user
			contents = append(contents, Content{Role: "user", Parts: userParts(msg.Content)})
		}
	}

	if len(contents) == 0 {
		return nil, "", fmt.Errorf("request has no user content")
	}

	gen := GenerationConfig{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	gen.MaxOutputTokens = model.MaxOutputTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		gen.MaxOutputTokens = *req.MaxTokens
	}

	upstreamModel := applyThinking(&gen, model, known, req.Model, req.ReasoningEffort, cat)

	request := Request{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig:  gen,
		SafetySettings:    DefaultSafetySettings(),
	}
	if decls := toolDeclarations(req.Tools); len(decls) > 0 {
		request.Tools = []Tool{{FunctionDeclarations: decls}}
	}

	return &Envelope{Model: upstreamModel, Project: projectID, Request: request}, upstreamModel, nil
}

func userParts(content MessageContent) []Part {
	if content.Parts == nil {
		return []Part{{Text: content.Text}}
	}
	var parts []Part
	for _, p := range content.Parts {
		switch p.Type {
		case "text":
			parts = append(parts, Part{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if mime, data, ok := splitDataURL(p.ImageURL.URL); ok {
				parts = append(parts, Part{InlineData: &InlineData{MimeType: mime, Data: data}})
			}
		}
	}
	if len(parts) == 0 {
		parts = []Part{{Text: ""}}
	}
	return parts
}

func splitDataURL(url string) (mime, data string, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return "", "", false
	}
	rest := url[len(prefix):]
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", "", false
	}
	return rest[:sep], rest[sep+len(";base64,"):], true
}

func toolDeclarations(tools []ChatTool) []FunctionDeclaration {
	var decls []FunctionDeclaration
	for _, t := range tools {
		if t.Type != "function" {
			continue
		}
		decls = append(decls, FunctionDeclaration{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return decls
}

// applyThinking sets the thinking config for the resolved model and
// returns the upstream model id. Level-style models read the level from
// the requested alias suffix or the reasoning effort; budget-style models
// are promoted to their thinking variant when effort is requested or the
// model only exists as its thinking variant upstream.
func applyThinking(gen *GenerationConfig, model catalog.Model, known bool, requested, effort string, cat *catalog.Catalog) string {
	if !known {
		return model.Upstream
	}

	switch model.Style {
	case catalog.ThinkingLevel:
		level := "high"
		if strings.HasSuffix(requested, "-low") || effort == "low" {
			level = "low"
		}
		gen.ThinkingConfig = &ThinkingConfig{IncludeThoughts: true, ThinkingLevel: level}
		return model.Upstream

	case catalog.ThinkingBudget:
		wantsThinking := model.ThinkingOnly ||
			strings.HasSuffix(model.Upstream, "-thinking") ||
			effort != ""
		if !wantsThinking {
			return model.Upstream
		}
		gen.ThinkingConfig = &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: cat.Budget(effort)}
		if model.ThinkingVariant != "" {
			return model.ThinkingVariant
		}
		return model.Upstream
	}
	return model.Upstream
}

// ChatResponse is an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

type ChatChoice struct {
	Index        int              `json:"index"`
	Message      *ResponseMessage `json:"message,omitempty"`
	Delta        *ResponseMessage `json:"delta,omitempty"`
	FinishReason *string          `json:"finish_reason"`
}

type ResponseMessage struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	Reasoning string     `json:"reasoning_content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CompletionDetail *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details,omitempty"`
}

func usageFromMetadata(meta *UsageMetadata) *ChatUsage {
	if meta == nil {
		return &ChatUsage{}
	}
	u := &ChatUsage{
		PromptTokens:     meta.PromptTokenCount,
		CompletionTokens: meta.CandidatesTokenCount + meta.ThoughtsTokenCount,
		TotalTokens:      meta.TotalTokenCount,
	}
	if meta.ThoughtsTokenCount > 0 {
		u.CompletionDetail = &struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		}{ReasoningTokens: meta.ThoughtsTokenCount}
	}
	return u
}

func mapFinishReason(reason string) *string {
	var out string
	switch reason {
	case "STOP", "":
		out = "stop"
	case "MAX_TOKENS":
		out = "length"
	case "SAFETY", "PROHIBITED_CONTENT", "RECITATION":
		out = "content_filter"
	default:
		out = "stop"
	}
	return &out
}

// OpenAIFromGemini converts a full generation response into a chat
// completion response. Thought parts land in reasoning_content, function
// calls become tool_calls.
func OpenAIFromGemini(resp *Response, model string) *ChatResponse {
	out := &ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Usage:   usageFromMetadata(resp.UsageMetadata),
	}

	msg := &ResponseMessage{Role: "assistant"}
	finish := "STOP"
	for _, cand := range resp.Candidates {
		if cand.FinishReason != "" {
			finish = cand.FinishReason
		}
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				msg.ToolCalls = append(msg.ToolCalls, makeToolCall(part.FunctionCall, len(msg.ToolCalls)))
			case part.Thought:
				msg.Reasoning += part.Text
			default:
				msg.Content += part.Text
			}
		}
	}

	reason := mapFinishReason(finish)
	if len(msg.ToolCalls) > 0 {
		calls := "tool_calls"
		reason = &calls
	}
	out.Choices = []ChatChoice{{Index: 0, Message: msg, FinishReason: reason}}
	return out
}

func makeToolCall(fc *FunctionCall, index int) ToolCall {
	args, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		args = []byte("{}")
	}
	tc := ToolCall{ID: fmt.Sprintf("call_%s_%d", uuid.NewString()[:8], index), Type: "function"}
	tc.Function.Name = fc.Name
	tc.Function.Arguments = string(args)
	return tc
}

// OpenAIStream converts upstream stream frames into chat completion
// chunks while tracking usage so a final usage chunk can always be
// synthesized, even when the upstream never sends usage metadata.
type OpenAIStream struct {
	ID        string
	Model     string
	created   int64
	usage     *ChatUsage
	toolIndex int
	finish    string
	sentRole  bool
}

func NewOpenAIStream(model string) *OpenAIStream {
	return &OpenAIStream{
		ID:      "chatcmpl-" + uuid.NewString(),
		Model:   model,
		created: time.Now().Unix(),
		usage:   &ChatUsage{},
	}
}

// Usage returns the latest usage snapshot seen on the stream.
func (s *OpenAIStream) Usage() ChatUsage { return *s.usage }

// Chunk converts one upstream frame into zero or more chat chunks.
func (s *OpenAIStream) Chunk(payload string) ([]*ChatResponse, error) {
	resp, err := ParseResponse([]byte(payload))
	if err != nil {
		return nil, err
	}
	if resp.UsageMetadata != nil {
		s.usage = usageFromMetadata(resp.UsageMetadata)
	}

	var chunks []*ChatResponse
	for _, cand := range resp.Candidates {
		if cand.FinishReason != "" {
			s.finish = cand.FinishReason
		}
		for _, part := range cand.Content.Parts {
			delta := &ResponseMessage{}
			switch {
			case part.FunctionCall != nil:
				tc := makeToolCall(part.FunctionCall, s.toolIndex)
				s.toolIndex++
				s.finish = "TOOL_CALLS"
				delta.ToolCalls = []ToolCall{tc}
			case part.Thought:
				delta.Reasoning = part.Text
			default:
				if part.Text == "" {
					continue
				}
				delta.Content = part.Text
			}
			// The role rides on the first emitted chunk, never on a
			// frame that was skipped.
			if !s.sentRole {
				delta.Role = "assistant"
				s.sentRole = true
			}
			chunks = append(chunks, &ChatResponse{
				ID:      s.ID,
				Object:  "chat.completion.chunk",
				Created: s.created,
				Model:   s.Model,
				Choices: []ChatChoice{{Index: 0, Delta: delta, FinishReason: nil}},
			})
		}
	}
	return chunks, nil
}

// Final produces the closing chunk carrying the finish reason and the
// accumulated usage.
func (s *OpenAIStream) Final() *ChatResponse {
	reason := mapFinishReason(s.finish)
	if s.finish == "TOOL_CALLS" {
		calls := "tool_calls"
		reason = &calls
	}
	return &ChatResponse{
		ID:      s.ID,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.Model,
		Choices: []ChatChoice{{Index: 0, Delta: &ResponseMessage{}, FinishReason: reason}},
		Usage:   s.usage,
	}
}
