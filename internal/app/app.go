// Package app wires the inventory store, panel client, bypass orchestrator
// and reconciliation service together for both binaries.
package app

import (
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/tphummel/panel_sync/internal/bypass"
	"github.com/tphummel/panel_sync/internal/config"
	"github.com/tphummel/panel_sync/internal/db"
	"github.com/tphummel/panel_sync/internal/events"
	"github.com/tphummel/panel_sync/internal/livecache"
	"github.com/tphummel/panel_sync/internal/metrics"
	"github.com/tphummel/panel_sync/internal/panel"
	"github.com/tphummel/panel_sync/internal/reconcile"
	"github.com/tphummel/panel_sync/internal/simulator"
	"github.com/tphummel/panel_sync/internal/transport"
)

// App holds the wired components.
type App struct {
	DB      *db.DB
	Cache   *livecache.Cache
	Panel   *panel.Client
	Service *reconcile.Service

	closers []func() error
}

// New opens storage and builds the service from cfg. tp may be nil.
func New(cfg *config.Config, logger *slog.Logger, tp trace.TracerProvider) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.DB = database
	a.closers = append(a.closers, database.Close)

	cache, err := livecache.Open(cfg.CachePath, cfg.LiveCacheTTL, cfg.PendingTTL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open live cache: %w", err)
	}
	a.Cache = cache
	a.closers = append(a.closers, cache.Close)

	var publisher events.Publisher = events.Discard{}
	if cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		publisher = nc
		a.closers = append(a.closers, func() error { nc.Close(); return nil })
	}

	resolver := newResolver(cfg.Panel)
	a.closers = append(a.closers, func() error { resolver.CloseIdleConnections(); return nil })
	client, err := newPanelClient(cfg.Panel, resolver, logger, tp)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Panel = client

	rec := reconcile.NewReconciler(database, cfg.Panel.FallbackNodeID)
	a.Service = reconcile.NewService(database, client, rec, reconcile.Options{
		SyncTimeout:    cfg.Panel.SyncTimeout,
		LiveTelemetry:  cfg.Panel.LiveTelemetry,
		Cache:          cache,
		Events:         publisher,
		Simulator:      simulator.New(),
		TracerProvider: tp,
		Logger:         logger,
	})
	return a, nil
}

// NewPanelClient builds a panel client with its bypass orchestrator.
func NewPanelClient(pc config.Panel, logger *slog.Logger, tp trace.TracerProvider) (*panel.Client, error) {
	return newPanelClient(pc, newResolver(pc), logger, tp)
}

func newResolver(pc config.Panel) *transport.Resolver {
	return &transport.Resolver{Timeout: pc.HTTPTimeout, InsecureSkipVerify: pc.InsecureSkipVerify}
}

func newPanelClient(pc config.Panel, resolver *transport.Resolver, logger *slog.Logger, tp trace.TracerProvider) (*panel.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if pc.InsecureSkipVerify {
		logger.Warn("TLS certificate verification is disabled for panel connections; this is unsafe")
	}
	direct, err := resolver.Client(transport.Direct)
	if err != nil {
		return nil, err
	}

	profiles := bypass.DefaultProfiles()
	if pc.ProfilesPath != "" {
		if profiles, err = bypass.LoadProfilesFile(pc.ProfilesPath); err != nil {
			return nil, err
		}
	}

	opts := []bypass.Option{
		bypass.WithObserver(func(a bypass.Attempt, outcome string) {
			metrics.ObserveBypass(a.Variant.Name, a.Profile.Name, outcome)
		}),
	}
	if tp != nil {
		opts = append(opts, bypass.WithTracerProvider(tp))
	}
	orch := bypass.New(bypass.Config{
		Variants:    bypass.DefaultVariants(pc.DirectIP, pc.ProxyURL),
		Profiles:    profiles,
		MaxAttempts: pc.BypassMaxAttempts,
		Delay:       pc.BypassDelay,
	}, resolver, logger, opts...)

	return panel.NewClient(panel.Settings{
		BaseURL:        pc.URL,
		ApplicationKey: pc.ApplicationKey,
		ClientKey:      pc.ClientKey,
		BypassEnabled:  pc.BypassEnabled,
	}, direct, orch, logger)
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
