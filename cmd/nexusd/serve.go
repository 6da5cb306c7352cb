package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Brian125bot/nexusaiv1/internal/agent"
	"github.com/Brian125bot/nexusaiv1/internal/auditor"
	"github.com/Brian125bot/nexusaiv1/internal/cascade"
	"github.com/Brian125bot/nexusaiv1/internal/config"
	"github.com/Brian125bot/nexusaiv1/internal/lifecycle"
	"github.com/Brian125bot/nexusaiv1/internal/lockmgr"
	"github.com/Brian125bot/nexusaiv1/internal/review"
	"github.com/Brian125bot/nexusaiv1/internal/server"
	"github.com/Brian125bot/nexusaiv1/internal/storage"
	"github.com/Brian125bot/nexusaiv1/internal/vcs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane HTTP server",
	Long: `Start the webhook receiver and orchestration API.

The server ingests VCS webhooks (push, pull_request, check_run), drives
session lifecycle transitions, runs cascade analysis on core-file
changes, and dispatches repair sessions through the agent provider.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
			os.Exit(1)
		}
		if dbPath != "" {
			cfg.DatabasePath = dbPath
		}
		if cfg.WebhookSecret == "" {
			fmt.Fprintf(os.Stderr, "Error: NEXUS_WEBHOOK_SECRET is required\n")
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := storage.NewStore(ctx, &storage.Config{Path: cfg.DatabasePath})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open registry store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		oracle, err := auditor.NewClient(&auditor.Config{
			ReviewTimeout:    cfg.ReviewTimeout,
			DecomposeTimeout: cfg.AnalysisTimeout,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create auditor client: %v\n", err)
			os.Exit(1)
		}

		agents := agent.NewHTTPProvider(cfg.AgentProviderURL, cfg.AgentProviderKey)
		vcsClient := vcs.NewClient(cfg.VCSProviderURL, cfg.VCSProviderToken)

		locks := lockmgr.New(store)
		sessions := lifecycle.New(store, locks, agents, cfg)
		cascades := cascade.New(store, locks, sessions, oracle, cfg)
		reviews := review.New(store, locks, sessions, oracle, vcsClient, cfg)

		srv := server.New(store, locks, sessions, cascades, reviews, cfg)
		httpServer := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Optional reconciliation sweep. The control plane stays
		// webhook-driven; this only catches sessions whose terminal
		// webhook never arrived.
		if cfg.SyncInterval > 0 {
			go func() {
				ticker := time.NewTicker(cfg.SyncInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if _, errs := sessions.SyncAll(ctx); len(errs) > 0 {
							for _, err := range errs {
								fmt.Fprintf(os.Stderr, "sync sweep: %v\n", err)
							}
						}
					}
				}
			}()
		}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s nexusd listening on %s (db: %s)\n", green("✓"), cfg.ListenAddr, cfg.DatabasePath)

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "Error: server failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("nexusd stopped")
	},
}
