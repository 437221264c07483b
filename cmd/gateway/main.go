// Command gateway runs the Antigravity API gateway: OpenAI and Anthropic
// compatible chat endpoints backed by a pool of upstream OAuth accounts.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agwproxy/antigravity-gateway/internal/apikey"
	"github.com/agwproxy/antigravity-gateway/internal/catalog"
	"github.com/agwproxy/antigravity-gateway/internal/config"
	"github.com/agwproxy/antigravity-gateway/internal/events"
	"github.com/agwproxy/antigravity-gateway/internal/metrics"
	"github.com/agwproxy/antigravity-gateway/internal/oauth"
	"github.com/agwproxy/antigravity-gateway/internal/pool"
	"github.com/agwproxy/antigravity-gateway/internal/quota"
	"github.com/agwproxy/antigravity-gateway/internal/relay"
	"github.com/agwproxy/antigravity-gateway/internal/server"
	"github.com/agwproxy/antigravity-gateway/internal/store"
	"github.com/agwproxy/antigravity-gateway/internal/upstream"
	"github.com/agwproxy/antigravity-gateway/internal/version"
)

func main() {
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Antigravity API gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), probeCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := config.InitLogger(cfg.LogLevel, cfg.LogFile)
	log.Info().Str("version", version.String()).Str("addr", cfg.Addr()).Msg("starting gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}

	cat := catalog.Default()
	if cfg.ModelCatalogPath != "" {
		if err := cat.LoadFile(cfg.ModelCatalogPath); err != nil {
			return err
		}
		if err := cat.Watch(ctx, cfg.ModelCatalogPath, log); err != nil {
			log.Warn().Err(err).Msg("catalog hot reload unavailable")
		}
	}

	bus := events.NewBus(log)
	webhook := events.NewWebhook(cfg.WebhookURL, log)
	oauthClient := oauth.NewClient(cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthRedirectURI)

	quotaCache := quota.NewCache(cat, cfg.QuotaExhaustedThreshold, cfg.QuotaLimitedThreshold)
	quotaCache.SetNotify(func() { bus.EmitDashboardUpdate(nil) })

	accounts := pool.New(st, oauthClient, quotaCache, bus, webhook, pool.Options{
		CooldownBase:  cfg.CooldownBase,
		FreshnessCap:  cfg.FreshnessCap,
		RefreshBuffer: cfg.RefreshBuffer,
	}, log)
	if err := accounts.Load(); err != nil {
		return err
	}
	if err := accounts.SeedFromJSON(cfg.SeedAccounts); err != nil {
		return err
	}

	client := upstream.NewClient(log)
	m := metrics.New()

	rel := relay.New(accounts, client, cat, quotaCache, st, bus, webhook, m, relay.Options{
		MaxRetryAccounts: cfg.MaxRetryAccounts,
	}, log)

	stopSweeper := accounts.StartSweeper(ctx, cfg.SweepInterval, cfg.SweepExpiryWindow)
	defer stopSweeper()

	go func() {
		rel.RefreshAllQuotas(ctx)
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rel.RefreshAllQuotas(ctx)
				st.CleanExpiredSessions()
				updateAccountGauges(m, accounts)
			case <-ctx.Done():
				return
			}
		}
	}()
	updateAccountGauges(m, accounts)

	srv := server.New(server.Deps{
		Config:  cfg,
		Store:   st,
		Pool:    accounts,
		Relay:   rel,
		Keys:    apikey.NewManager(st, log),
		Catalog: cat,
		Quota:   quotaCache,
		Bus:     bus,
		OAuth:   oauthClient,
		Metrics: m,
		Log:     log,
		BaseCtx: ctx,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func updateAccountGauges(m *metrics.Metrics, accounts *pool.Pool) {
	m.AccountsTotal.Set(float64(accounts.Size()))
	m.AccountsReady.Set(float64(len(accounts.ListReady())))
}
