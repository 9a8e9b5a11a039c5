package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conclave-run/conclave/internal/config"
)

// runServe implements the serve command: load config, wire every
// component, serve the websocket control plane, and shut down gracefully
// on SIGINT/SIGTERM. Grounded on the teacher's runServe
// (cmd/nexus/handlers_serve.go): the same signal-handling, background
// error channel, and timed shutdown shape, built directly around
// gateway.Server.ServeHTTP since this repo's Gateway has no
// ManagedServer wrapper to delegate the http.Server lifecycle to.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	log := slog.Default()

	log.Info("starting conclave gateway", "version", version, "commit", commit, "config", configPath, "debug", debug)

	cfg, err := config.Load(config.LoadOptions{WorkspaceConfigPath: configPath})
	if err != nil {
		return fmt.Errorf("conclaved: load config: %w", err)
	}

	log.Info("configuration loaded",
		"gateway_bind", cfg.GatewayBind,
		"default_llm_provider", cfg.DefaultLLMProvider,
		"sandbox_enabled", cfg.SandboxEnabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("conclaved: wire components: %w", err)
	}

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("conclaved: start components: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", a.gateway)
	mux.Handle("/metrics", promhttp.Handler())
	httpServer := &http.Server{
		Addr:    cfg.GatewayBind,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	log.Info("conclave gateway started", "bind", cfg.GatewayBind)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	log.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("conclaved: http shutdown: %w", err)
	}
	if err := a.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("conclaved: component shutdown: %w", err)
	}

	log.Info("conclave gateway stopped gracefully")
	return nil
}
