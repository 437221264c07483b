// Package relay orchestrates one gateway request end to end: account
// selection, token acquisition, project discovery, the upstream call, and
// rotation when an account fails.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/agwproxy/antigravity-gateway/internal/catalog"
	"github.com/agwproxy/antigravity-gateway/internal/events"
	"github.com/agwproxy/antigravity-gateway/internal/metrics"
	"github.com/agwproxy/antigravity-gateway/internal/pool"
	"github.com/agwproxy/antigravity-gateway/internal/quota"
	"github.com/agwproxy/antigravity-gateway/internal/store"
	"github.com/agwproxy/antigravity-gateway/internal/upstream"
	"github.com/agwproxy/antigravity-gateway/internal/util"
)

const defaultRetryAfter = 60 * time.Second

// Options carries relay tunables.
type Options struct {
	MaxRetryAccounts int
}

// Relay wires the pool, the upstream client, and the bookkeeping
// collaborators together.
type Relay struct {
	pool     *pool.Pool
	client   *upstream.Client
	catalog  *catalog.Catalog
	quota    *quota.Cache
	store    *store.Store
	bus      *events.Bus
	webhook  *events.Webhook
	metrics  *metrics.Metrics
	log      zerolog.Logger
	maxRetry int
}

func New(p *pool.Pool, client *upstream.Client, cat *catalog.Catalog, qc *quota.Cache, st *store.Store, bus *events.Bus, wh *events.Webhook, m *metrics.Metrics, opts Options, log zerolog.Logger) *Relay {
	maxRetry := opts.MaxRetryAccounts
	if maxRetry <= 0 {
		maxRetry = 3
	}
	return &Relay{
		pool:     p,
		client:   client,
		catalog:  cat,
		quota:    qc,
		store:    st,
		bus:      bus,
		webhook:  wh,
		metrics:  m,
		log:      log,
		maxRetry: maxRetry,
	}
}

// attemptOutcome tags how one account attempt ended so the retry loop
// stays a plain state machine instead of error-type sniffing at every
// call site.
type attemptOutcome int

const (
	attemptOK attemptOutcome = iota
	attemptRotate
	attemptFatal
)

type attemptResult struct {
	outcome    attemptOutcome
	err        error
	retryAfter time.Duration
}

// withAccount runs fn against successive accounts until it succeeds, the
// attempt budget runs out, or a terminal error occurs. The budget is the
// smaller of the configured retry cap and the pool size. A forced account
// is only honored on the first attempt; rotation after its failure is
// unrestricted. A 401 triggers one uncounted same-account token refresh
// before the account is given up on.
func (r *Relay) withAccount(ctx context.Context, model, forcedID string, fn func(ctx context.Context, acc *pool.Account, token string) attemptResult) error {
	size := r.pool.Size()
	if size == 0 {
		return &GatewayError{
			Status:  http.StatusServiceUnavailable,
			Code:    CodeNoAccounts,
			Message: "no upstream accounts configured; add one via the /oauth/authorize flow",
		}
	}
	maxAttempts := r.maxRetry
	if size < maxAttempts {
		maxAttempts = size
	}

	tried := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		var acc *pool.Account
		if attempt == 0 && forcedID != "" {
			acc = r.pool.Get(forcedID)
			if acc == nil {
				return badRequest("unknown account %q", forcedID)
			}
		} else {
			acc = r.pool.SelectForModel(model, tried)
		}
		if acc == nil {
			break
		}
		tried[acc.ID] = true
		if attempt > 0 {
			r.metrics.RetriesTotal.Inc()
		}

		token, err := r.pool.AccessToken(ctx, acc.ID)
		if err != nil {
			r.log.Warn().Str("account", acc.ID).Err(err).Msg("token acquisition failed, rotating")
			lastErr = err
			continue
		}

		res := fn(ctx, acc, token)

		if res.outcome == attemptRotate && upstream.IsAuthExpired(res.err) {
			// The upstream rejected a token we believed valid; refresh
			// once and replay on the same account. A second 401 after the
			// refresh is a hard authentication failure, not a rotation.
			refreshed, rerr := r.pool.ForceRefresh(ctx, acc.ID)
			if rerr == nil {
				res = fn(ctx, acc, refreshed)
			}
			if res.outcome == attemptRotate && upstream.IsAuthExpired(res.err) {
				r.pool.MarkError(acc.ID, res.err)
				return &GatewayError{
					Status:  http.StatusUnauthorized,
					Code:    CodeAuthFailed,
					Message: fmt.Sprintf("account %s failed upstream authentication after token refresh", acc.ID),
				}
			}
		}

		switch res.outcome {
		case attemptOK:
			r.pool.MarkSuccess(acc.ID)
			return nil
		case attemptFatal:
			return res.err
		case attemptRotate:
			lastErr = res.err
			r.pool.MarkCooldown(acc.ID, res.retryAfter)
			r.log.Info().Str("account", acc.ID).Str("model", model).Err(res.err).Msg("rotating to next account")
		}
	}

	if lastErr != nil {
		var se *upstream.StatusError
		if errors.As(lastErr, &se) && !upstream.IsRateLimited(lastErr) && !upstream.IsForbidden(lastErr) {
			return &GatewayError{Status: se.StatusCode, Code: CodeUpstream, Message: se.Message}
		}
	}
	return r.poolExhausted()
}

func (r *Relay) poolExhausted() *GatewayError {
	r.metrics.PoolExhausted.Inc()

	retryAfter := defaultRetryAfter
	if end := r.pool.EarliestCooldownEnd(); !end.IsZero() {
		if d := time.Until(end); d > 0 {
			retryAfter = d
		}
	}
	return &GatewayError{
		Status:     http.StatusTooManyRequests,
		Code:       CodePoolExhausted,
		Message:    "all accounts are cooling down or errored, retry later",
		RetryAfter: retryAfter,
	}
}

// classify maps an upstream call error onto the retry state machine.
// Rate limits and quota denials rotate; auth expiry rotates through the
// refresh-once path; everything else is terminal.
func classify(err error) attemptResult {
	if err == nil {
		return attemptResult{outcome: attemptOK}
	}
	var se *upstream.StatusError
	if !errors.As(err, &se) {
		return attemptResult{outcome: attemptFatal, err: &GatewayError{
			Status:  http.StatusBadGateway,
			Code:    CodeUpstream,
			Message: err.Error(),
		}}
	}
	switch {
	case upstream.IsRateLimited(err), upstream.IsForbidden(err):
		return attemptResult{outcome: attemptRotate, err: err, retryAfter: se.RetryAfter}
	case upstream.IsAuthExpired(err):
		return attemptResult{outcome: attemptRotate, err: err}
	default:
		return attemptResult{outcome: attemptFatal, err: &GatewayError{
			Status:  se.StatusCode,
			Code:    CodeUpstream,
			Message: se.Message,
		}}
	}
}

// ensureProject resolves the upstream project for an account, asking the
// upstream on first use and fabricating a local id when the upstream has
// none to offer.
func (r *Relay) ensureProject(ctx context.Context, acc *pool.Account, token string) string {
	if acc.ProjectID != "" {
		return acc.ProjectID
	}

	projectID, err := r.client.LoadAssist(ctx, token)
	if err != nil || projectID == "" {
		projectID = fakeProjectID()
		r.log.Info().Str("account", acc.ID).Str("project", projectID).Msg("using generated project id")
	}
	acc.ProjectID = projectID
	r.pool.SetProjectID(acc.ID, projectID)
	return projectID
}

func fakeProjectID() string {
	buf := make([]byte, 6)
	rand.Read(buf)
	return "antigravity-project-" + hex.EncodeToString(buf)
}

// Report persists and broadcasts the accounting for one finished request.
func (r *Relay) Report(keyID *uint, model string, promptTokens, completionTokens int, latency time.Duration, status, errMsg string) {
	if err := r.store.LogRequest(&store.RequestLog{
		APIKeyID:     keyID,
		Model:        model,
		TokensInput:  promptTokens,
		TokensOutput: completionTokens,
		LatencyMs:    latency.Milliseconds(),
		Status:       status,
		ErrorMessage: util.Truncate(errMsg, util.DefaultTruncateLen),
	}); err != nil {
		r.log.Warn().Err(err).Msg("persist request log failed")
	}

	r.bus.EmitAnalyticsRequest(events.RequestEvent{
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		LatencyMs:        latency.Milliseconds(),
		Status:           status,
		Timestamp:        time.Now(),
	})
	r.metrics.ObserveRequest(model, status, latency.Seconds(), promptTokens, completionTokens)
	r.bus.EmitDashboardUpdate(nil)
}

// RefreshQuota pulls the quota snapshot for one account into the cache.
func (r *Relay) RefreshQuota(ctx context.Context, accountID string) error {
	acc := r.pool.Get(accountID)
	if acc == nil {
		return fmt.Errorf("unknown account %s", accountID)
	}

	token, err := r.pool.AccessToken(ctx, accountID)
	if err != nil {
		return fmt.Errorf("quota refresh for %s: %w", accountID, err)
	}
	projectID := r.ensureProject(ctx, acc, token)

	raw, err := r.client.FetchModels(ctx, token, projectID)
	if err != nil {
		return fmt.Errorf("quota refresh for %s: %w", accountID, err)
	}

	models := make(map[string]quota.ModelInfo, len(raw))
	for name, payload := range raw {
		var info quota.ModelInfo
		if err := json.Unmarshal(payload, &info); err != nil {
			continue
		}
		models[name] = info
	}
	r.quota.RecordModelQuotas(accountID, models)
	r.notifyExhausted(acc.Email, models)
	return nil
}

func (r *Relay) notifyExhausted(email string, models map[string]quota.ModelInfo) {
	if r.webhook == nil || !r.webhook.Enabled() {
		return
	}
	for name, info := range models {
		if info.QuotaInfo == nil || info.QuotaInfo.RemainingFraction == nil {
			continue
		}
		if *info.QuotaInfo.RemainingFraction <= 0.01 {
			r.webhook.NotifyQuotaExhausted(email, name)
		}
	}
}

// RefreshAllQuotas refreshes every account's quota snapshot, best effort.
func (r *Relay) RefreshAllQuotas(ctx context.Context) {
	for _, acc := range r.pool.Snapshot() {
		if acc.Status == pool.StatusError {
			continue
		}
		if err := r.RefreshQuota(ctx, acc.ID); err != nil {
			r.log.Warn().Str("account", acc.ID).Err(err).Msg("quota refresh failed")
		}
	}
}
