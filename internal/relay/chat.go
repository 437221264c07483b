package relay

import (
	"context"
	"fmt"

	"github.com/agwproxy/antigravity-gateway/internal/pool"
	"github.com/agwproxy/antigravity-gateway/internal/translate"
	"github.com/agwproxy/antigravity-gateway/internal/upstream"
)

// ChatCompletion relays a non-streaming OpenAI chat request. forcedID,
// when set, pins the first attempt to one account.
func (r *Relay) ChatCompletion(ctx context.Context, req *translate.ChatRequest, forcedID string) (*translate.ChatResponse, error) {
	var out *translate.ChatResponse

	err := r.withAccount(ctx, req.Model, forcedID, func(ctx context.Context, acc *pool.Account, token string) attemptResult {
		projectID := r.ensureProject(ctx, acc, token)
		envelope, _, err := translate.BuildOpenAIRequest(req, r.catalog, projectID)
		if err != nil {
			return attemptResult{outcome: attemptFatal, err: badRequest("%s", err.Error())}
		}

		body, err := r.client.Generate(ctx, token, envelope)
		if res := classify(err); res.outcome != attemptOK {
			return res
		}

		resp, err := translate.ParseResponse(body)
		if err != nil {
			return attemptResult{outcome: attemptFatal, err: fmt.Errorf("parse upstream response: %w", err)}
		}
		out = translate.OpenAIFromGemini(resp, req.Model)
		return attemptResult{outcome: attemptOK}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ChatCompletionStream relays a streaming OpenAI chat request, invoking
// emit for each chunk including the synthesized final usage chunk.
// Account rotation only happens before the first chunk is emitted; a
// failure mid-stream is terminal. The returned usage reflects the last
// usage frame the upstream sent.
func (r *Relay) ChatCompletionStream(ctx context.Context, req *translate.ChatRequest, forcedID string, emit func(*translate.ChatResponse) error) (translate.ChatUsage, error) {
	var usage translate.ChatUsage

	err := r.withAccount(ctx, req.Model, forcedID, func(ctx context.Context, acc *pool.Account, token string) attemptResult {
		projectID := r.ensureProject(ctx, acc, token)
		envelope, _, err := translate.BuildOpenAIRequest(req, r.catalog, projectID)
		if err != nil {
			return attemptResult{outcome: attemptFatal, err: badRequest("%s", err.Error())}
		}

		body, err := r.client.Stream(ctx, token, envelope)
		if res := classify(err); res.outcome != attemptOK {
			return res
		}
		defer body.Close()

		stream := translate.NewOpenAIStream(req.Model)
		err = upstream.ReadAll(body, func(payload string) error {
			chunks, cerr := stream.Chunk(payload)
			if cerr != nil {
				return cerr
			}
			for _, chunk := range chunks {
				if eerr := emit(chunk); eerr != nil {
					return eerr
				}
			}
			return nil
		})
		if err != nil {
			return attemptResult{outcome: attemptFatal, err: fmt.Errorf("upstream stream: %w", err)}
		}

		if err := emit(stream.Final()); err != nil {
			return attemptResult{outcome: attemptFatal, err: err}
		}
		usage = stream.Usage()
		return attemptResult{outcome: attemptOK}
	})
	return usage, err
}

// Messages relays a non-streaming Anthropic Messages request.
func (r *Relay) Messages(ctx context.Context, req *translate.MessagesRequest, forcedID string) (*translate.MessagesResponse, error) {
	var out *translate.MessagesResponse

	err := r.withAccount(ctx, req.Model, forcedID, func(ctx context.Context, acc *pool.Account, token string) attemptResult {
		projectID := r.ensureProject(ctx, acc, token)
		envelope, _, err := translate.BuildAnthropicRequest(req, r.catalog, projectID)
		if err != nil {
			return attemptResult{outcome: attemptFatal, err: badRequest("%s", err.Error())}
		}

		body, err := r.client.Generate(ctx, token, envelope)
		if res := classify(err); res.outcome != attemptOK {
			return res
		}

		resp, err := translate.ParseResponse(body)
		if err != nil {
			return attemptResult{outcome: attemptFatal, err: fmt.Errorf("parse upstream response: %w", err)}
		}
		out = translate.AnthropicFromGemini(resp, req.Model)
		return attemptResult{outcome: attemptOK}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MessagesStream relays a streaming Anthropic Messages request, invoking
// emit for every event in the Messages stream protocol.
func (r *Relay) MessagesStream(ctx context.Context, req *translate.MessagesRequest, forcedID string, emit func(translate.StreamEvent) error) (translate.AnthropicUsage, error) {
	var usage translate.AnthropicUsage

	err := r.withAccount(ctx, req.Model, forcedID, func(ctx context.Context, acc *pool.Account, token string) attemptResult {
		projectID := r.ensureProject(ctx, acc, token)
		envelope, _, err := translate.BuildAnthropicRequest(req, r.catalog, projectID)
		if err != nil {
			return attemptResult{outcome: attemptFatal, err: badRequest("%s", err.Error())}
		}

		body, err := r.client.Stream(ctx, token, envelope)
		if res := classify(err); res.outcome != attemptOK {
			return res
		}
		defer body.Close()

		stream := translate.NewAnthropicStream(req.Model)
		err = upstream.ReadAll(body, func(payload string) error {
			events, cerr := stream.Chunk(payload)
			if cerr != nil {
				return cerr
			}
			for _, ev := range events {
				if eerr := emit(ev); eerr != nil {
					return eerr
				}
			}
			return nil
		})
		if err != nil {
			return attemptResult{outcome: attemptFatal, err: fmt.Errorf("upstream stream: %w", err)}
		}

		for _, ev := range stream.Final() {
			if eerr := emit(ev); eerr != nil {
				return attemptResult{outcome: attemptFatal, err: eerr}
			}
		}
		usage = stream.Usage()
		return attemptResult{outcome: attemptOK}
	})
	return usage, err
}
