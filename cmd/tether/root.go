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

	"github.com/hyperengineering/tether/internal/api"
	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/pkg/tether"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "tether",
	Short:         "Tether - offline-first sync engine",
	Long:          "Runs the sync engine with its local control API. Subcommands inspect and repair the local queue without a running daemon.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(deadLettersCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	closeLog := setupLogger(cfg.Log, os.Stdout)
	defer closeLog()
	slog.Info("configuration loaded", "component", "main", "log_level", cfg.Log.Level)

	engine, err := tether.Open(cfg, tether.Deps{})
	if err != nil {
		return err
	}

	if err := engine.Start(ctx); err != nil {
		engine.Close()
		return err
	}

	handler := api.NewHandler(engine, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout.Std(),
		// No WriteTimeout: /sync/events streams stay open.
		ReadHeaderTimeout: cfg.Server.ReadTimeout.Std(),
	}

	go func() {
		slog.Info("server starting", "component", "main", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "component", "main", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated", "component", "main")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	// Stop HTTP server first so no new mutations arrive.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "component", "main", "error", err)
	}

	// Queued operations stay on disk; nothing needs draining here.
	start := time.Now()
	if err := engine.Close(); err != nil {
		slog.Error("engine close error", "component", "main", "error", err)
	}

	slog.Info("shutdown complete", "component", "main", "duration_ms", time.Since(start).Milliseconds())
	return nil
}
