package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Choapinus/ape/internal/config"
	"github.com/Choapinus/ape/internal/maintenance"
	"github.com/Choapinus/ape/internal/mcpserver"
	"github.com/Choapinus/ape/internal/metrics"
	"github.com/Choapinus/ape/internal/ratelimit"
	"github.com/Choapinus/ape/internal/registry"
	"github.com/Choapinus/ape/internal/resources"
	"github.com/Choapinus/ape/internal/signer"
)

// runServe wires together every package built around the Capability
// Registry into one running process: the persistence layer, the
// signer, the rate limiter, the registry (tools/prompts/resources/
// plugins), the MCP dispatcher over stdio and HTTP, the Prometheus
// endpoint, and the tool_errors retention sweep. Grounded on the
// teacher's handlers_serve.go (signal.NotifyContext shutdown,
// error-channel server goroutine, 30s shutdown timeout).
func runServe(cmd *cobra.Command, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !debug {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err == nil && lvl != level {
			logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
			slog.SetDefault(logger)
		}
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, cfg.SessionDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	sign, err := signer.New(cfg.MCPJWTKey, cfg.EnvelopeLifetime)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.DefaultConfig())

	reg := registry.New()
	resources.Register(reg.Resources(), store)

	if cfg.PromptsDir != "" {
		if err := reg.Prompts().LoadDir(cfg.PromptsDir); err != nil {
			logger.Warn("prompt directory load failed", "dir", cfg.PromptsDir, "error", err)
		}
		if cfg.PromptsWatch {
			if err := reg.Prompts().Watch(ctx, cfg.PromptsDir); err != nil {
				logger.Warn("prompt directory watch failed", "dir", cfg.PromptsDir, "error", err)
			}
		}
	}

	if cfg.PluginsDir != "" {
		manifests, err := registry.DiscoverPlugins([]string{cfg.PluginsDir})
		if err != nil {
			logger.Warn("plugin discovery failed", "dir", cfg.PluginsDir, "error", err)
		} else {
			logger.Info("discovered plugins", "count", len(manifests))
		}
	}

	m := metrics.NewMetrics()

	server := mcpserver.New(reg, sign, limiter, logger)
	server.SetMetrics(m)

	sweeper := maintenance.NewToolErrorSweeper(store, maintenance.DefaultRetention, maintenance.DefaultSchedule, logger)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	go func() {
		if err := server.ServeStdio(ctx, "stdio", os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("stdio transport stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.HTTPHandler())
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    addrForPort(cfg.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("aped listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	return httpServer.Shutdown(shutdownCtx)
}

func addrForPort(port int) string {
	if port <= 0 {
		port = 8080
	}
	return ":" + strconv.Itoa(port)
}
