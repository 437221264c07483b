package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agwproxy/antigravity-gateway/internal/catalog"
	"github.com/agwproxy/antigravity-gateway/internal/config"
	"github.com/agwproxy/antigravity-gateway/internal/events"
	"github.com/agwproxy/antigravity-gateway/internal/oauth"
	"github.com/agwproxy/antigravity-gateway/internal/pool"
	"github.com/agwproxy/antigravity-gateway/internal/quota"
	"github.com/agwproxy/antigravity-gateway/internal/store"
	"github.com/agwproxy/antigravity-gateway/internal/translate"
	"github.com/agwproxy/antigravity-gateway/internal/upstream"
)

// probeCmd smoke-tests the upstream directly: one tiny generateContent
// call per catalog model using a pooled account, bypassing the HTTP
// surface. Useful when diagnosing whether a failure sits in the gateway
// or in the upstream itself.
func probeCmd() *cobra.Command {
	var (
		accountID string
		modelID   string
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send a test request per model directly to the upstream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return probe(cmd.Context(), accountID, modelID)
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id to probe with (default: best scored)")
	cmd.Flags().StringVar(&modelID, "model", "", "probe a single model instead of the whole catalog")
	return cmd
}

func probe(ctx context.Context, accountID, modelID string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := config.InitLogger(cfg.LogLevel, cfg.LogFile)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}

	cat := catalog.Default()
	if cfg.ModelCatalogPath != "" {
		if err := cat.LoadFile(cfg.ModelCatalogPath); err != nil {
			log.Warn().Err(err).Msg("model overrides not loaded")
		}
	}

	qc := quota.NewCache(cat, cfg.QuotaExhaustedThreshold, cfg.QuotaLimitedThreshold)
	bus := events.NewBus(log)
	wh := events.NewWebhook(cfg.WebhookURL, log)
	oc := oauth.NewClient(cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthRedirectURI)
	p := pool.New(st, oc, qc, bus, wh, pool.Options{
		CooldownBase:  cfg.CooldownBase,
		RefreshBuffer: cfg.RefreshBuffer,
	}, log)
	if err := p.Load(); err != nil {
		return err
	}
	if p.Size() == 0 {
		return fmt.Errorf("no accounts in the pool, run the OAuth flow first")
	}

	var acc *pool.Account
	if accountID != "" {
		if acc = p.Get(accountID); acc == nil {
			return fmt.Errorf("unknown account %q", accountID)
		}
	} else if acc = p.SelectForModel("", nil); acc == nil {
		return fmt.Errorf("no usable account in the pool")
	}
	fmt.Printf("probing with %s (%s)\n", acc.ID, acc.Email)

	token, err := p.AccessToken(ctx, acc.ID)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	client := upstream.NewClient(log)
	projectID := acc.ProjectID
	if projectID == "" {
		if projectID, err = client.LoadAssist(ctx, token); err != nil {
			log.Warn().Err(err).Msg("project discovery failed")
		}
	}

	models := cat.List()
	if modelID != "" {
		m, ok := cat.Resolve(modelID)
		if !ok {
			return fmt.Errorf("unknown model %q", modelID)
		}
		models = []catalog.Model{m}
	}

	failures := 0
	for _, m := range models {
		if err := probeModel(ctx, client, token, projectID, m); err != nil {
			failures++
			fmt.Printf("  FAIL %-40s %v\n", m.ID, err)
			continue
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d models failed", failures, len(models))
	}
	fmt.Printf("all %d models ok\n", len(models))
	return nil
}

func probeModel(ctx context.Context, client *upstream.Client, token, projectID string, m catalog.Model) error {
	env := &translate.Envelope{
		Model:   m.Upstream,
		Project: projectID,
		Request: translate.Request{
			Contents: []translate.Content{{
				Role:  "user",
				Parts: []translate.Part{{Text: "Reply with the single word: ok"}},
			}},
			GenerationConfig: translate.GenerationConfig{MaxOutputTokens: 64},
			SafetySettings:   translate.DefaultSafetySettings(),
		},
	}

	start := time.Now()
	body, err := client.Generate(ctx, token, env)
	if err != nil {
		return err
	}
	resp, err := translate.ParseResponse(body)
	if err != nil {
		return err
	}
	if len(resp.Candidates) == 0 {
		return fmt.Errorf("no candidates in response")
	}
	fmt.Printf("  ok   %-40s %s\n", m.ID, time.Since(start).Round(time.Millisecond))
	return nil
}
