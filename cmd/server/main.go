package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tphummel/panel_sync/internal/app"
	"github.com/tphummel/panel_sync/internal/config"
	"github.com/tphummel/panel_sync/internal/handlers"
	"github.com/tphummel/panel_sync/internal/metrics"
	"github.com/tphummel/panel_sync/internal/middleware"
	"github.com/tphummel/panel_sync/internal/tracing"
)

// version and commit are injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

// quiet reports requests that are not worth a log line.
func quiet(r *http.Request) bool {
	return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
}

func main() {
	cfg, err := config.LoadServer(os.Getenv)
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	tp, shutdownTracing, err := tracing.Setup(cfg.TracingEnabled, os.Stderr)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}

	a, err := app.New(cfg, logger, tp)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	metrics.Register(a.DB)

	h := &handlers.Handler{
		DB:      a.DB,
		Service: a.Service,
		Panel:   a.Panel,
		Version: version,
		Commit:  commit,
	}

	mux := http.NewServeMux()
	handlers.Routes(mux, h, cfg.Token)
	handler := middleware.RequestLogger(logger, quiet, mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// sync passes may run up to PANEL_SYNC_TIMEOUT
		WriteTimeout: cfg.Panel.SyncTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("listening", "port", cfg.Port, "version", version, "commit", commit, "panel_url", cfg.Panel.URL)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
	if err := a.Close(); err != nil {
		logger.Error("close error", "error", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}
	logger.Info("server stopped")
}
