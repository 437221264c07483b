package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/agwproxy/antigravity-gateway/internal/catalog"
)

// MessagesRequest is an Anthropic Messages API request.
type MessagesRequest struct {
	Model         string             `json:"model"`
	Messages      []AnthropicMessage `json:"messages"`
	System        AnthropicSystem    `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Thinking      *AnthropicThinking `json:"thinking,omitempty"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
}

type AnthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type AnthropicMessage struct {
	Role    string           `json:"role"`
	Content AnthropicContent `json:"content"`
}

// AnthropicSystem accepts both the plain-string and block-array forms of
// the system field.
type AnthropicSystem string

func (s *AnthropicSystem) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = AnthropicSystem(str)
		return nil
	}
	var blocks []AnthropicBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	*s = AnthropicSystem(sb.String())
	return nil
}

// AnthropicContent accepts both the plain-string and block-array forms of
// message content.
type AnthropicContent struct {
	Text   string
	Blocks []AnthropicBlock
}

func (c *AnthropicContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.Text)
	}
	return json.Unmarshal(data, &c.Blocks)
}

func (c AnthropicContent) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

type AnthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Source    *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
	} `json:"source,omitempty"`
}

// BuildAnthropicRequest converts a Messages request into the upstream
// envelope and returns the upstream model id alongside it.
func BuildAnthropicRequest(req *MessagesRequest, cat *catalog.Catalog, projectID string) (*Envelope, string, error) {
	model, known := cat.Resolve(req.Model)

	var contents []Content
	toolNames := map[string]string{} // tool_use id -> name

	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		if msg.Content.Blocks == nil {
			contents = append(contents, Content{Role: role, Parts: []Part{{Text: msg.Content.Text}}})
			continue
		}

		var parts []Part
		for _, block := range msg.Content.Blocks {
			switch block.Type {
			case "text":
				parts = append(parts, Part{Text: block.Text})
			case "thinking":
				parts = append(parts, Part{Text: block.Thinking, Thought: true, ThoughtSignature: block.Signature})
			case "image":
				if block.Source != nil && block.Source.Type == "base64" {
					parts = append(parts, Part{InlineData: &InlineData{MimeType: block.Source.MediaType, Data: block.Source.Data}})
				}
			case "tool_use":
				var args map[string]any
				if len(block.Input) > 0 {
					if err := json.Unmarshal(block.Input, &args); err != nil {
						return nil, "", fmt.Errorf("tool_use %s: bad input: %w", block.ID, err)
					}
				}
				toolNames[block.ID] = block.Name
				parts = append(parts, Part{FunctionCall: &FunctionCall{Name: block.Name, Args: args}})
			case "tool_result":
				parts = append(parts, Part{FunctionResponse: &FunctionResponse{
					Name:     toolNames[block.ToolUseID],
					Response: map[string]any{"result": flattenToolResult(block.Content)},
				}})
			}
		}
		if len(parts) > 0 {
			contents = append(contents, Content{Role: role, Parts: parts})
		}
	}

	if len(contents) == 0 {
		return nil, "", fmt.Errorf("request has no messages")
	}

	var system *Content
	if req.System != "" {
		system = &Content{Parts: []Part{{Text: string(req.System)}}}
	}

	gen := GenerationConfig{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSequences,
	}
	gen.MaxOutputTokens = model.MaxOutputTokens
	if req.MaxTokens > 0 {
		gen.MaxOutputTokens = req.MaxTokens
	}

	upstreamModel := applyAnthropicThinking(&gen, model, known, req.Thinking)

	request := Request{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig:  gen,
		SafetySettings:    DefaultSafetySettings(),
	}
	for _, t := range req.Tools {
		decl := FunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}
		if len(request.Tools) == 0 {
			request.Tools = []Tool{{}}
		}
		request.Tools[0].FunctionDeclarations = append(request.Tools[0].FunctionDeclarations, decl)
	}

	return &Envelope{Model: upstreamModel, Project: projectID, Request: request}, upstreamModel, nil
}

func flattenToolResult(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	if content[0] == '"' {
		var s string
		if json.Unmarshal(content, &s) == nil {
			return s
		}
	}
	var blocks []AnthropicBlock
	if json.Unmarshal(content, &blocks) == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return string(content)
}

func applyAnthropicThinking(gen *GenerationConfig, model catalog.Model, known bool, thinking *AnthropicThinking) string {
	if !known {
		return model.Upstream
	}

	switch model.Style {
	case catalog.ThinkingLevel:
		level := "high"
		if thinking == nil || thinking.Type != "enabled" {
			level = "low"
		}
		gen.ThinkingConfig = &ThinkingConfig{IncludeThoughts: true, ThinkingLevel: level}
		return model.Upstream

	case catalog.ThinkingBudget:
		enabled := thinking != nil && thinking.Type == "enabled"
		if !enabled && !model.ThinkingOnly && !strings.HasSuffix(model.Upstream, "-thinking") {
			return model.Upstream
		}
		budget := 16384
		if enabled && thinking.BudgetTokens > 0 {
			budget = thinking.BudgetTokens
		}
		gen.ThinkingConfig = &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: budget}
		if model.ThinkingVariant != "" {
			return model.ThinkingVariant
		}
		return model.Upstream
	}
	return model.Upstream
}

// MessagesResponse is an Anthropic Messages API response.
type MessagesResponse struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	Role         string           `json:"role"`
	Model        string           `json:"model"`
	Content      []AnthropicBlock `json:"content"`
	StopReason   string           `json:"stop_reason"`
	StopSequence *string          `json:"stop_sequence"`
	Usage        AnthropicUsage   `json:"usage"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func anthropicStopReason(finish string, toolUse bool) string {
	if toolUse {
		return "tool_use"
	}
	switch finish {
	case "MAX_TOKENS":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

// AnthropicFromGemini converts a full generation response into a Messages
// response with thinking, text, and tool_use blocks.
func AnthropicFromGemini(resp *Response, model string) *MessagesResponse {
	out := &MessagesResponse{
		ID:    "msg_" + uuid.NewString(),
		Type:  "message",
		Role:  "assistant",
		Model: model,
	}

	finish := "STOP"
	var thinking, text strings.Builder
	var thinkingSig string
	toolUse := false

	for _, cand := range resp.Candidates {
		if cand.FinishReason != "" {
			finish = cand.FinishReason
		}
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				input, err := json.Marshal(part.FunctionCall.Args)
				if err != nil || part.FunctionCall.Args == nil {
					input = []byte("{}")
				}
				out.Content = append(out.Content, AnthropicBlock{
					Type:  "tool_use",
					ID:    "toolu_" + uuid.NewString()[:12],
					Name:  part.FunctionCall.Name,
					Input: input,
				})
				toolUse = true
			case part.Thought:
				thinking.WriteString(part.Text)
				if part.ThoughtSignature != "" {
					thinkingSig = part.ThoughtSignature
				}
			default:
				text.WriteString(part.Text)
			}
		}
	}

	blocks := out.Content
	out.Content = nil
	if thinking.Len() > 0 {
		out.Content = append(out.Content, AnthropicBlock{Type: "thinking", Thinking: thinking.String(), Signature: thinkingSig})
	}
	if text.Len() > 0 {
		out.Content = append(out.Content, AnthropicBlock{Type: "text", Text: text.String()})
	}
	out.Content = append(out.Content, blocks...)

	out.StopReason = anthropicStopReason(finish, toolUse)
	if resp.UsageMetadata != nil {
		out.Usage = AnthropicUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount + resp.UsageMetadata.ThoughtsTokenCount,
		}
	}
	return out
}

// StreamEvent is one Anthropic SSE event with its event name.
type StreamEvent struct {
	Name string
	Data any
}

type blockKind int

const (
	blockNone blockKind = iota
	blockThinking
	blockText
	blockTool
)

// AnthropicStream converts upstream frames into the Anthropic event
// sequence, opening and closing content blocks as the part types change.
type AnthropicStream struct {
	ID    string
	Model string

	started    bool
	blockIndex int
	open       blockKind
	finish     string
	toolUse    bool
	usage      AnthropicUsage
}

func NewAnthropicStream(model string) *AnthropicStream {
	return &AnthropicStream{ID: "msg_" + uuid.NewString(), Model: model, open: blockNone, blockIndex: -1}
}

// Usage returns the latest usage snapshot seen on the stream.
func (s *AnthropicStream) Usage() AnthropicUsage { return s.usage }

// Chunk converts one upstream frame into the stream events it implies.
func (s *AnthropicStream) Chunk(payload string) ([]StreamEvent, error) {
	resp, err := ParseResponse([]byte(payload))
	if err != nil {
		return nil, err
	}

	var events []StreamEvent
	if !s.started {
		s.started = true
		events = append(events, StreamEvent{Name: "message_start", Data: map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            s.ID,
				"type":          "message",
				"role":          "assistant",
				"model":         s.Model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		}})
	}

	if resp.UsageMetadata != nil {
		s.usage = AnthropicUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount + resp.UsageMetadata.ThoughtsTokenCount,
		}
	}

	for _, cand := range resp.Candidates {
		if cand.FinishReason != "" {
			s.finish = cand.FinishReason
		}
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				events = append(events, s.closeBlock()...)
				s.toolUse = true
				s.blockIndex++
				s.open = blockTool
				input, merr := json.Marshal(part.FunctionCall.Args)
				if merr != nil || part.FunctionCall.Args == nil {
					input = []byte("{}")
				}
				events = append(events,
					StreamEvent{Name: "content_block_start", Data: map[string]any{
						"type":  "content_block_start",
						"index": s.blockIndex,
						"content_block": map[string]any{
							"type":  "tool_use",
							"id":    "toolu_" + uuid.NewString()[:12],
							"name":  part.FunctionCall.Name,
							"input": map[string]any{},
						},
					}},
					StreamEvent{Name: "content_block_delta", Data: map[string]any{
						"type":  "content_block_delta",
						"index": s.blockIndex,
						"delta": map[string]any{"type": "input_json_delta", "partial_json": string(input)},
					}},
				)
				events = append(events, s.closeBlock()...)

			case part.Thought:
				events = append(events, s.ensureBlock(blockThinking, map[string]any{"type": "thinking", "thinking": ""})...)
				events = append(events, StreamEvent{Name: "content_block_delta", Data: map[string]any{
					"type":  "content_block_delta",
					"index": s.blockIndex,
					"delta": map[string]any{"type": "thinking_delta", "thinking": part.Text},
				}})

			default:
				if part.Text == "" {
					continue
				}
				events = append(events, s.ensureBlock(blockText, map[string]any{"type": "text", "text": ""})...)
				events = append(events, StreamEvent{Name: "content_block_delta", Data: map[string]any{
					"type":  "content_block_delta",
					"index": s.blockIndex,
					"delta": map[string]any{"type": "text_delta", "text": part.Text},
				}})
			}
		}
	}
	return events, nil
}

func (s *AnthropicStream) ensureBlock(kind blockKind, blockStart map[string]any) []StreamEvent {
	if s.open == kind {
		return nil
	}
	events := s.closeBlock()
	s.blockIndex++
	s.open = kind
	events = append(events, StreamEvent{Name: "content_block_start", Data: map[string]any{
		"type":          "content_block_start",
		"index":         s.blockIndex,
		"content_block": blockStart,
	}})
	return events
}

func (s *AnthropicStream) closeBlock() []StreamEvent {
	if s.open == blockNone {
		return nil
	}
	idx := s.blockIndex
	s.open = blockNone
	return []StreamEvent{{Name: "content_block_stop", Data: map[string]any{
		"type":  "content_block_stop",
		"index": idx,
	}}}
}

// Final closes any open block and emits message_delta plus message_stop
// with the accumulated usage.
func (s *AnthropicStream) Final() []StreamEvent {
	events := s.closeBlock()
	events = append(events,
		StreamEvent{Name: "message_delta", Data: map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   anthropicStopReason(s.finish, s.toolUse),
				"stop_sequence": nil,
			},
			"usage": map[string]int{
				"input_tokens":  s.usage.InputTokens,
				"output_tokens": s.usage.OutputTokens,
			},
		}},
		StreamEvent{Name: "message_stop", Data: map[string]any{"type": "message_stop"}},
	)
	return events
}
