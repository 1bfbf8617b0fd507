// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/handoff/internal/agents"
	"github.com/jeranaias/handoff/internal/cache"
	"github.com/jeranaias/handoff/internal/classifier"
	"github.com/jeranaias/handoff/internal/config"
	"github.com/jeranaias/handoff/internal/degrade"
	"github.com/jeranaias/handoff/internal/engine"
	"github.com/jeranaias/handoff/internal/escalation"
	"github.com/jeranaias/handoff/internal/governor"
	"github.com/jeranaias/handoff/internal/provider"
	"github.com/jeranaias/handoff/internal/server"
	"github.com/jeranaias/handoff/internal/store"
	"github.com/jeranaias/handoff/internal/tools"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "handoff.toml", "configuration file path")
	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	providers := make([]provider.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		providers = append(providers, provider.NewClient(pc))
	}
	if len(providers) == 0 {
		log.Printf("SERVE: no providers configured, knowledge answers disabled")
	}
	selector := provider.NewSelector(providers...)

	ledger := governor.NewLedger(st)
	ledger.Reconcile(context.Background(), providerNames(cfg))
	gov := governor.New(cfg, ledger, selector)

	invoker := tools.NewInvoker(cfg.ToolTimeout(), cfg.Tools.MaxRetries, cfg.ToolBackoffBase())
	if cfg.Tools.PricingURL != "" {
		invoker.Register(tools.NewPricingService(cfg.Tools.PricingURL))
	}
	if cfg.Tools.KnowledgeURL != "" {
		invoker.Register(tools.NewKnowledgeBase(cfg.Tools.KnowledgeURL))
	}
	if cfg.Tools.SchedulerURL != "" {
		invoker.Register(tools.NewSchedulerService(cfg.Tools.SchedulerURL))
	}

	notifier := escalation.NewHTTPNotifier(cfg.Tools.OperatorURL)
	defer notifier.Close()

	eng, err := engine.New(engine.Options{
		Store:         st,
		Classifier:    classifier.New(cfg, nil),
		Registry:      agents.NewRegistry(cfg, invoker, selector),
		Cache:         cache.New(cfg.CacheTTL(), cfg.Cache.SemanticThreshold, cfg.Cache.MinConfidence, cfg.Cache.MaxEntries),
		Degrader:      degrade.NewController(),
		Machine:       escalation.NewStateMachine(st, notifier),
		Governor:      gov,
		Selector:      selector,
		HistoryWindow: cfg.Classifier.HistoryWindow,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	// Hot reload: keyword sets and agent bindings take effect without a
	// restart. Missing config file just means no watcher.
	if watcher, err := config.NewWatcher(configPath, cfg); err == nil {
		watcher.Subscribe(eng.Reload)
		defer watcher.Close()
	} else if !os.IsNotExist(err) {
		log.Printf("SERVE: config watch disabled: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gov.Run(runCtx, cfg.FlushInterval())

	srv := server.New(cfg, eng, st)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("SERVE: received %s, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func providerNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		names = append(names, p.Name)
	}
	return names
}
