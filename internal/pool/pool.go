// Package pool manages the upstream OAuth accounts: selection scoring,
// cooldown backoff, token refresh, and the persisted lifecycle.
package pool

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agwproxy/antigravity-gateway/internal/events"
	"github.com/agwproxy/antigravity-gateway/internal/oauth"
	"github.com/agwproxy/antigravity-gateway/internal/quota"
	"github.com/agwproxy/antigravity-gateway/internal/store"
)

const (
	StatusReady    = "ready"
	StatusCooldown = "cooldown"
	StatusError    = "error"
)

const (
	neverUsedBonus  = 4000.0
	exhaustedMalus  = -5000.0
	maxBackoffShift = 6 // caps the cooldown multiplier at 64x
)

type statusChange struct {
	AccountID string `json:"accountId"`
	Email     string `json:"email"`
	Status    string `json:"status"`
}

// Account is the in-memory view of one pool member. Cooldown state lives
// only here; the store keeps the durable fields.
type Account struct {
	ID           string
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiryDate   int64 // epoch ms
	ProjectID    string

	Status            string
	CooldownUntil     time.Time
	ConsecutiveErrors int
	RequestCount      int
	ErrorCount        int
	LastUsedAt        time.Time
}

// Options carries the pool tunables.
type Options struct {
	CooldownBase  time.Duration
	FreshnessCap  time.Duration
	RefreshBuffer time.Duration
}

// Pool is safe for concurrent use. Account order is insertion order and
// breaks score ties.
type Pool struct {
	mu    sync.Mutex
	order []string
	byID  map[string]*Account

	store   *store.Store
	oauth   *oauth.Client
	quota   *quota.Cache
	bus     *events.Bus
	webhook *events.Webhook
	opts    Options
	log     zerolog.Logger

	refreshMu sync.Mutex
	refreshes map[string]*refreshCall
}

type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

func New(st *store.Store, oc *oauth.Client, qc *quota.Cache, bus *events.Bus, wh *events.Webhook, opts Options, log zerolog.Logger) *Pool {
	if opts.CooldownBase <= 0 {
		opts.CooldownBase = 60 * time.Second
	}
	if opts.FreshnessCap <= 0 {
		opts.FreshnessCap = time.Hour
	}
	if opts.RefreshBuffer <= 0 {
		opts.RefreshBuffer = 5 * time.Minute
	}
	return &Pool{
		byID:      make(map[string]*Account),
		store:     st,
		oauth:     oc,
		quota:     qc,
		bus:       bus,
		webhook:   wh,
		opts:      opts,
		log:       log,
		refreshes: make(map[string]*refreshCall),
	}
}

// Load populates the pool from the store. Persisted cooldown status is
// reset to ready; cooldowns do not survive restarts.
func (p *Pool) Load() error {
	accounts, err := p.store.GetAccounts()
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.order = p.order[:0]
	p.byID = make(map[string]*Account, len(accounts))
	for _, rec := range accounts {
		acc := fromRecord(rec)
		if acc.Status == StatusCooldown {
			acc.Status = StatusReady
		}
		p.order = append(p.order, acc.ID)
		p.byID[acc.ID] = acc
	}

	p.log.Info().Int("accounts", len(accounts)).Msg("account pool loaded")
	return nil
}

func fromRecord(rec store.Account) *Account {
	acc := &Account{
		ID:           rec.ID,
		Email:        rec.Email,
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		ExpiryDate:   rec.ExpiryDate,
		ProjectID:    rec.ProjectID,
		Status:       rec.Status,
		RequestCount: rec.RequestCount,
		ErrorCount:   rec.ErrorCount,
	}
	if rec.LastUsedAt != nil {
		acc.LastUsedAt = *rec.LastUsedAt
	}
	return acc
}

// Size returns the number of accounts in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Get returns a copy of one account, or nil when absent.
func (p *Pool) Get(id string) *Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, ok := p.byID[id]
	if !ok {
		return nil
	}
	cp := *acc
	return &cp
}

// ListReady returns copies of the usable accounts, expiring lapsed
// cooldowns on the way. Error accounts stay out until re-authorized or
// explicitly reset.
func (p *Pool) ListReady() []*Account {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var ready []*Account
	for _, id := range p.order {
		acc := p.byID[id]
		if acc.Status == StatusCooldown && now.After(acc.CooldownUntil) {
			acc.Status = StatusReady
			acc.CooldownUntil = time.Time{}
		}
		if acc.Status == StatusReady {
			cp := *acc
			ready = append(ready, &cp)
		}
	}
	return ready
}

// SelectForModel picks the best ready account for a model by score.
// Quota weighs heaviest, then recency as a freshness bonus, then load as
// a small penalty; exhausted quota puts an account far below any fresh
// one. Ties keep insertion order. The excluded set holds account ids
// already tried this request.
func (p *Pool) SelectForModel(model string, excluded map[string]bool) *Account {
	ready := p.ListReady()
	now := time.Now()

	var best *Account
	bestScore := math.Inf(-1)
	for _, acc := range ready {
		if excluded[acc.ID] {
			continue
		}
		score := p.score(acc, model, now)
		if score > bestScore {
			best = acc
			bestScore = score
		}
	}
	return best
}

func (p *Pool) score(acc *Account, model string, now time.Time) float64 {
	// No cached quota data contributes nothing; only a known fraction
	// earns the quota term.
	var score float64
	if st, ok := p.quota.StatusFor(acc.ID, model); ok {
		score = st.Quota * 1000
		if st.Status == quota.StatusExhausted {
			score = exhaustedMalus
		}
	}

	score -= float64(acc.RequestCount) * 0.1

	if acc.LastUsedAt.IsZero() {
		score += neverUsedBonus
	} else {
		idle := now.Sub(acc.LastUsedAt).Seconds()
		score += math.Min(idle, p.opts.FreshnessCap.Seconds())
	}
	return score
}

// MarkSuccess records a completed request: usage counters bump, the error
// streak resets, and a cooldown or error state flips back to ready.
func (p *Pool) MarkSuccess(id string) {
	now := time.Now()

	p.mu.Lock()
	acc, ok := p.byID[id]
	var email string
	var reverted bool
	if ok {
		acc.ConsecutiveErrors = 0
		acc.RequestCount++
		acc.LastUsedAt = now
		if acc.Status != StatusReady {
			acc.Status = StatusReady
			acc.CooldownUntil = time.Time{}
			reverted = true
		}
		email = acc.Email
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	if err := p.store.IncrementAccountUsage(id, false); err != nil {
		p.log.Warn().Str("account", id).Err(err).Msg("persist usage failed")
	}
	if err := p.store.UpdateAccountStatus(id, StatusReady); err != nil {
		p.log.Warn().Str("account", id).Err(err).Msg("persist status failed")
	}
	if reverted {
		p.bus.EmitAccountStatusChange(statusChange{AccountID: id, Email: email, Status: StatusReady})
	}
}

// MarkCooldown benches an account after a rate-limit style failure. The
// cooldown doubles with each consecutive error, capped at 64x the base,
// unless the upstream supplied its own retry hint.
func (p *Pool) MarkCooldown(id string, retryAfter time.Duration) {
	now := time.Now()

	p.mu.Lock()
	acc, ok := p.byID[id]
	var email string
	var until time.Time
	if ok {
		acc.ConsecutiveErrors++
		acc.ErrorCount++

		d := retryAfter
		if d <= 0 {
			shift := acc.ConsecutiveErrors - 1
			if shift > maxBackoffShift {
				shift = maxBackoffShift
			}
			d = p.opts.CooldownBase * (1 << shift)
		}
		acc.Status = StatusCooldown
		acc.CooldownUntil = now.Add(d)
		email = acc.Email
		until = acc.CooldownUntil
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	p.log.Info().Str("account", id).Time("until", until).Msg("account on cooldown")
	if err := p.store.UpdateAccountStatus(id, StatusCooldown); err != nil {
		p.log.Warn().Str("account", id).Err(err).Msg("persist status failed")
	}
	p.bus.EmitAccountStatusChange(statusChange{AccountID: id, Email: email, Status: StatusCooldown})
}

// MarkError takes an account out of rotation until it is re-authorized,
// used for failures that more requests will not fix.
func (p *Pool) MarkError(id string, cause error) {
	p.mu.Lock()
	acc, ok := p.byID[id]
	var email string
	if ok {
		acc.ErrorCount++
		acc.Status = StatusError
		email = acc.Email
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	p.log.Warn().Str("account", id).Err(cause).Msg("account marked errored")
	if err := p.store.UpdateAccountStatus(id, StatusError); err != nil {
		p.log.Warn().Str("account", id).Err(err).Msg("persist status failed")
	}
	p.bus.EmitAccountStatusChange(statusChange{AccountID: id, Email: email, Status: StatusError})
	if p.webhook != nil && cause != nil {
		p.webhook.NotifyAccountError(email, cause.Error())
	}
}

// EarliestCooldownEnd reports when the next benched account frees up.
// Zero time means nothing is on cooldown.
func (p *Pool) EarliestCooldownEnd() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	var earliest time.Time
	for _, id := range p.order {
		acc := p.byID[id]
		if acc.Status != StatusCooldown || acc.CooldownUntil.IsZero() {
			continue
		}
		if earliest.IsZero() || acc.CooldownUntil.Before(earliest) {
			earliest = acc.CooldownUntil
		}
	}
	return earliest
}

// Add registers or re-authorizes an account. Emails are unique: a known
// email updates its tokens in place and returns to ready with a cleared
// error streak. New accounts get the next sequential id; ids of deleted
// accounts are never reissued because numbering continues from the
// highest id ever present in the store.
func (p *Pool) Add(email string, token oauth.Token, projectID string) (*Account, error) {
	p.mu.Lock()

	var acc *Account
	for _, id := range p.order {
		if p.byID[id].Email == email {
			acc = p.byID[id]
			break
		}
	}

	if acc != nil {
		acc.AccessToken = token.AccessToken
		if token.RefreshToken != "" {
			acc.RefreshToken = token.RefreshToken
		}
		acc.ExpiryDate = token.ExpiryDate
		if projectID != "" {
			acc.ProjectID = projectID
		}
		acc.Status = StatusReady
		acc.CooldownUntil = time.Time{}
		acc.ConsecutiveErrors = 0
	} else {
		acc = &Account{
			ID:           p.nextIDLocked(),
			Email:        email,
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			ExpiryDate:   token.ExpiryDate,
			ProjectID:    projectID,
			Status:       StatusReady,
		}
		p.order = append(p.order, acc.ID)
		p.byID[acc.ID] = acc
	}
	cp := *acc
	p.mu.Unlock()

	if err := p.store.UpsertAccount(store.Account{
		ID:           cp.ID,
		Email:        cp.Email,
		AccessToken:  cp.AccessToken,
		RefreshToken: cp.RefreshToken,
		ExpiryDate:   cp.ExpiryDate,
		ProjectID:    cp.ProjectID,
		Status:       StatusReady,
	}); err != nil {
		return nil, fmt.Errorf("persist account %s: %w", cp.ID, err)
	}

	p.log.Info().Str("account", cp.ID).Str("email", cp.Email).Msg("account registered")
	p.bus.EmitAccountStatusChange(statusChange{AccountID: cp.ID, Email: cp.Email, Status: StatusReady})
	return &cp, nil
}

func (p *Pool) nextIDLocked() string {
	max := 0
	for _, id := range p.order {
		n, err := strconv.Atoi(strings.TrimPrefix(id, "account-"))
		if err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("account-%d", max+1)
}

// Delete removes an account from the pool, the store, and the quota
// ledger. Returns false when the id is unknown.
func (p *Pool) Delete(id string) (bool, error) {
	p.mu.Lock()
	_, ok := p.byID[id]
	if ok {
		delete(p.byID, id)
		for i, existing := range p.order {
			if existing == id {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()
	if !ok {
		return false, nil
	}

	if _, err := p.store.DeleteAccount(id); err != nil {
		return false, fmt.Errorf("delete account %s: %w", id, err)
	}
	p.quota.Drop(id)
	p.log.Info().Str("account", id).Msg("account deleted")
	return true, nil
}

// SetProjectID records a discovered (or fabricated) upstream project id.
func (p *Pool) SetProjectID(id, projectID string) {
	p.mu.Lock()
	acc, ok := p.byID[id]
	var rec store.Account
	if ok {
		acc.ProjectID = projectID
		rec = store.Account{
			ID:           acc.ID,
			Email:        acc.Email,
			AccessToken:  acc.AccessToken,
			RefreshToken: acc.RefreshToken,
			ExpiryDate:   acc.ExpiryDate,
			ProjectID:    projectID,
			Status:       acc.Status,
		}
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	if err := p.store.UpsertAccount(rec); err != nil {
		p.log.Warn().Str("account", id).Err(err).Msg("persist project id failed")
	}
}

// ResetErrors clears an account's error state back to ready.
func (p *Pool) ResetErrors(id string) bool {
	p.mu.Lock()
	acc, ok := p.byID[id]
	if ok {
		acc.Status = StatusReady
		acc.CooldownUntil = time.Time{}
		acc.ConsecutiveErrors = 0
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	if err := p.store.UpdateAccountStatus(id, StatusReady); err != nil {
		p.log.Warn().Str("account", id).Err(err).Msg("persist status failed")
	}
	return true
}

// Snapshot returns copies of every account in insertion order.
func (p *Pool) Snapshot() []*Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Account, 0, len(p.order))
	for _, id := range p.order {
		cp := *p.byID[id]
		out = append(out, &cp)
	}
	return out
}

// sorted ids, used by callers that need a stable account listing
func (p *Pool) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, len(p.order))
	copy(out, p.order)
	sort.Strings(out)
	return out
}

// AccessToken returns a token valid for at least the refresh buffer,
// refreshing through the OAuth endpoint when needed. Another process may
// have refreshed first, so the store copy is re-read before going to the
// network. Concurrent callers for the same account share one refresh.
func (p *Pool) AccessToken(ctx context.Context, id string) (string, error) {
	p.mu.Lock()
	acc, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return "", fmt.Errorf("unknown account %s", id)
	}
	token := acc.AccessToken
	expiry := acc.ExpiryDate
	p.mu.Unlock()

	if p.tokenFresh(expiry) {
		return token, nil
	}
	return p.refreshShared(ctx, id)
}

func (p *Pool) tokenFresh(expiryMS int64) bool {
	if expiryMS == 0 {
		return false
	}
	deadline := time.UnixMilli(expiryMS).Add(-p.opts.RefreshBuffer)
	return time.Now().Before(deadline)
}

func (p *Pool) refreshShared(ctx context.Context, id string) (string, error) {
	p.refreshMu.Lock()
	if call, ok := p.refreshes[id]; ok {
		p.refreshMu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	p.refreshes[id] = call
	p.refreshMu.Unlock()

	call.token, call.err = p.refresh(ctx, id)
	close(call.done)

	p.refreshMu.Lock()
	delete(p.refreshes, id)
	p.refreshMu.Unlock()

	return call.token, call.err
}

func (p *Pool) refresh(ctx context.Context, id string) (string, error) {
	// Re-read the store first: a parallel deployment sharing the database
	// may have refreshed already.
	if rec, err := p.store.GetAccount(id); err == nil && rec != nil {
		if p.tokenFresh(rec.ExpiryDate) {
			p.mu.Lock()
			if acc, ok := p.byID[id]; ok {
				acc.AccessToken = rec.AccessToken
				acc.ExpiryDate = rec.ExpiryDate
				if rec.RefreshToken != "" {
					acc.RefreshToken = rec.RefreshToken
				}
			}
			p.mu.Unlock()
			return rec.AccessToken, nil
		}
	}

	p.mu.Lock()
	acc, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return "", fmt.Errorf("unknown account %s", id)
	}
	refreshToken := acc.RefreshToken
	email := acc.Email
	p.mu.Unlock()

	if refreshToken == "" {
		err := fmt.Errorf("account %s has no refresh token", id)
		p.MarkError(id, err)
		return "", err
	}

	token, err := p.oauth.Refresh(ctx, refreshToken)
	if err != nil {
		p.MarkError(id, fmt.Errorf("token refresh failed: %w", err))
		return "", fmt.Errorf("refresh token for %s: %w", email, err)
	}

	p.mu.Lock()
	var rec store.Account
	if acc, ok := p.byID[id]; ok {
		acc.AccessToken = token.AccessToken
		acc.ExpiryDate = token.ExpiryDate
		if token.RefreshToken != "" {
			acc.RefreshToken = token.RefreshToken
		}
		rec = store.Account{
			ID:           acc.ID,
			Email:        acc.Email,
			AccessToken:  acc.AccessToken,
			RefreshToken: acc.RefreshToken,
			ExpiryDate:   acc.ExpiryDate,
			ProjectID:    acc.ProjectID,
			Status:       acc.Status,
		}
	}
	p.mu.Unlock()

	if err := p.store.UpsertAccount(rec); err != nil {
		p.log.Warn().Str("account", id).Err(err).Msg("persist refreshed token failed")
	}
	p.log.Debug().Str("account", id).Msg("access token refreshed")
	return token.AccessToken, nil
}

// ForceRefresh refreshes an account's token regardless of expiry, used
// after the upstream rejects a token it should still accept.
func (p *Pool) ForceRefresh(ctx context.Context, id string) (string, error) {
	p.mu.Lock()
	if acc, ok := p.byID[id]; ok {
		acc.ExpiryDate = 0
	}
	p.mu.Unlock()
	return p.refreshShared(ctx, id)
}
