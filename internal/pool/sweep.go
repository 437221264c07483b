package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agwproxy/antigravity-gateway/internal/oauth"
)

// SweepExpiring proactively refreshes tokens that expire within the
// window, so request paths rarely pay the refresh round trip.
func (p *Pool) SweepExpiring(ctx context.Context, window time.Duration) {
	deadline := time.Now().Add(window).UnixMilli()

	for _, acc := range p.Snapshot() {
		if acc.Status == StatusError {
			continue
		}
		if acc.ExpiryDate != 0 && acc.ExpiryDate > deadline {
			continue
		}
		if _, err := p.refreshShared(ctx, acc.ID); err != nil {
			p.log.Warn().Str("account", acc.ID).Err(err).Msg("sweep refresh failed")
		}
	}
}

// StartSweeper schedules the refresh sweep on a fixed interval. The
// returned stop function blocks until a running sweep finishes.
func (p *Pool) StartSweeper(ctx context.Context, interval, window time.Duration) func() {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := c.AddFunc(spec, func() { p.SweepExpiring(ctx, window) }); err != nil {
		p.log.Error().Err(err).Msg("schedule token sweep failed")
		return func() {}
	}
	c.Start()
	return func() { <-c.Stop().Done() }
}

type seedAccount struct {
	Email        string `json:"email"`
	RefreshToken string `json:"refresh_token"`
}

// SeedFromJSON imports refresh-token-only accounts from a JSON array.
// Emails already in the pool are left untouched; the first request on a
// seeded account performs the initial token exchange.
func (p *Pool) SeedFromJSON(raw string) error {
	if raw == "" {
		return nil
	}

	var seeds []seedAccount
	if err := json.Unmarshal([]byte(raw), &seeds); err != nil {
		return fmt.Errorf("parse seed accounts: %w", err)
	}

	existing := make(map[string]bool)
	for _, acc := range p.Snapshot() {
		existing[acc.Email] = true
	}

	for _, seed := range seeds {
		if seed.Email == "" || seed.RefreshToken == "" || existing[seed.Email] {
			continue
		}
		if _, err := p.Add(seed.Email, oauth.Token{RefreshToken: seed.RefreshToken}, ""); err != nil {
			return err
		}
	}
	return nil
}
