// Package upstream speaks the Cloud Code wire protocol: JSON POSTs to
// `<baseURL>:<method>` with Bearer auth and a fixed client identity,
// rotating across candidate base URLs when one misbehaves.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// UserAgent is the fixed upstream client identity.
const UserAgent = "antigravity/1.11.9"

// DefaultBaseURLs are the candidate endpoints, tried in order starting at
// the rotation index.
var DefaultBaseURLs = []string{
	"https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal",
	"https://cloudcode-pa.googleapis.com/v1internal",
}

const (
	generateTimeout = 120 * time.Second
	metadataTimeout = 20 * time.Second
	quotaTimeout    = 30 * time.Second
)

// Client performs single outbound calls with base-URL failover. The
// rotation index persists across calls but is not account-specific.
type Client struct {
	baseURLs []string

	mu       sync.Mutex
	rotation int

	generateHTTP *http.Client
	streamHTTP   *http.Client
	metaHTTP     *http.Client
	quotaHTTP    *http.Client
	log          zerolog.Logger
}

func NewClient(log zerolog.Logger, baseURLs ...string) *Client {
	if len(baseURLs) == 0 {
		baseURLs = DefaultBaseURLs
	}
	return &Client{
		baseURLs:     baseURLs,
		generateHTTP: &http.Client{Timeout: generateTimeout},
		streamHTTP:   &http.Client{}, // stream lifetime bounded by request ctx
		metaHTTP:     &http.Client{Timeout: metadataTimeout},
		quotaHTTP:    &http.Client{Timeout: quotaTimeout},
		log:          log,
	}
}

// Generate calls `:generateContent` and returns the raw response body.
func (c *Client) Generate(ctx context.Context, token string, payload any) ([]byte, error) {
	resp, err := c.sendWithFailover(ctx, c.generateHTTP, ":generateContent", "", token, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Stream calls `:streamGenerateContent?alt=sse` and returns the SSE body.
// The caller owns the returned reader and must close it.
func (c *Client) Stream(ctx context.Context, token string, payload any) (io.ReadCloser, error) {
	resp, err := c.sendWithFailover(ctx, c.streamHTTP, ":streamGenerateContent", "alt=sse", token, payload)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// LoadAssist asks the upstream which project the account belongs to.
// Returns empty when the upstream reports none.
func (c *Client) LoadAssist(ctx context.Context, token string) (string, error) {
	payload := map[string]any{
		"cloudaicompanionProject": nil,
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	}
	resp, err := c.sendWithFailover(ctx, c.metaHTTP, ":loadCodeAssist", "", token, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		CloudAICompanionProject string `json:"cloudaicompanionProject"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode loadCodeAssist response: %w", err)
	}
	return result.CloudAICompanionProject, nil
}

// FetchModels retrieves the per-model quota snapshot for one account. All
// base URLs are tried in listed order; the first success wins.
func (c *Client) FetchModels(ctx context.Context, token, projectID string) (map[string]json.RawMessage, error) {
	payload := map[string]any{"project": projectID}

	var lastErr error
	for _, baseURL := range c.baseURLs {
		resp, err := c.post(ctx, c.quotaHTTP, baseURL+":fetchAvailableModels", "", token, payload)
		if err != nil {
			lastErr = err
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = classifyStatus(resp.StatusCode, resp.Header, body)
			continue
		}

		var result struct {
			Models map[string]json.RawMessage `json:"models"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			lastErr = fmt.Errorf("decode fetchAvailableModels response: %w", err)
			continue
		}
		return result.Models, nil
	}
	return nil, fmt.Errorf("fetch models from all endpoints failed: %w", lastErr)
}

// sendWithFailover tries each base URL starting at the rotation index. A
// 429 or 401 is returned to the caller immediately (rotation and refresh
// are caller decisions); any other failure advances the rotation and moves
// on to the next URL.
func (c *Client) sendWithFailover(ctx context.Context, client *http.Client, method, query, token string, payload any) (*http.Response, error) {
	c.mu.Lock()
	start := c.rotation
	c.mu.Unlock()

	n := len(c.baseURLs)
	var lastErr error
	for i := 0; i < n; i++ {
		baseURL := c.baseURLs[(start+i)%n]

		resp, err := c.post(ctx, client, baseURL+method, query, token, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.log.Warn().Str("base_url", baseURL).Err(err).Msg("upstream request failed")
			lastErr = err
			c.advance(start, i, n)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		statusErr := classifyStatus(resp.StatusCode, resp.Header, body)

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusUnauthorized {
			return nil, statusErr
		}

		c.log.Warn().Str("base_url", baseURL).Int("status", resp.StatusCode).Msg("upstream endpoint rejected request, rotating")
		lastErr = statusErr
		c.advance(start, i, n)
	}

	return nil, fmt.Errorf("all api endpoints failed: %w", lastErr)
}

func (c *Client) advance(start, i, n int) {
	c.mu.Lock()
	c.rotation = (start + i + 1) % n
	c.mu.Unlock()
}

func (c *Client) post(ctx context.Context, client *http.Client, url, query, token string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if query != "" {
		url += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	return client.Do(req)
}
