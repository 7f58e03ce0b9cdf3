package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	tlsx "github.com/polisai/tokenswipe/internal/tls"
	"github.com/polisai/tokenswipe/pkg/config"
	"github.com/polisai/tokenswipe/pkg/logging"
	"github.com/polisai/tokenswipe/pkg/telemetry"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().StringP("log-level", "l", defaultLogLevel, "Log level override (debug, info, warn, error)")
	cmd.Flags().Bool("pretty", false, "Enable pretty console logging")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, envFile, err := configFlags(cmd)
	if err != nil {
		return err
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return fmt.Errorf("failed to get log-level flag: %w", err)
	}
	pretty, err := cmd.Flags().GetBool("pretty")
	if err != nil {
		return fmt.Errorf("failed to get pretty flag: %w", err)
	}

	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	bootstrap := logging.NewLogger(logging.Config{Level: logLevel, Pretty: pretty})
	loader, err := config.NewLoader(configPath, bootstrap)
	if err != nil {
		return err
	}
	defer func() {
		if err := loader.Close(); err != nil {
			bootstrap.Error("Failed to close config loader", "error", err)
		}
	}()

	cfg := loader.Current()
	logCfg := cfg.Logging
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	logCfg.Pretty = logCfg.Pretty || pretty
	logger := logging.NewLogger(logCfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("Failed to release resources", "error", err)
		}
	}()

	loader.OnReload(a.Reconfigure)
	if err := loader.Watch(); err != nil {
		logger.Warn("Configuration hot reload disabled", "error", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      a.server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	if cfg.Server.TLS.Enabled {
		reloader, err := tlsx.NewCertReloader(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
		if err != nil {
			return err
		}
		defer func() { _ = reloader.Close() }()
		if err := reloader.Watch(nil); err != nil {
			logger.Warn("Certificate hot reload disabled", "error", err)
		}
		server.TLSConfig, err = tlsx.BuildServer(cfg.Server.TLS, reloader)
		if err != nil {
			return err
		}
	}

	listener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to bind listener on %s: %w", cfg.Server.Address, err)
	}
	if server.TLSConfig != nil {
		listener = tls.NewListener(listener, server.TLSConfig)
	}

	logger.Info("Server listening",
		"addr", listener.Addr().String(),
		"tls", cfg.Server.TLS.Enabled,
		"version", version,
		"venues", a.aggregator.Venues(),
	)

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
		return err
	}
	return nil
}
