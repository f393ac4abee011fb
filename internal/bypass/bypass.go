// Package bypass retries a panel request across alternate transports and
// client identities when the direct path is blocked.
package bypass

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tphummel/panel_sync/internal/panelerr"
	"github.com/tphummel/panel_sync/internal/transport"
)

// ClientFactory builds an HTTP client for a transport variant.
type ClientFactory interface {
	Client(v transport.Variant) (*http.Client, error)
}

// Attempt is one (variant, profile) combination.
type Attempt struct {
	Index   int
	Variant transport.Variant
	Profile Profile
}

// Method names the combination, e.g. "direct-ip/chrome-desktop".
func (a Attempt) Method() string {
	return a.Variant.Name + "/" + a.Profile.Name
}

// AttemptFunc performs the request once using client and the profile's
// identity headers.
type AttemptFunc func(ctx context.Context, client *http.Client, a Attempt) error

// Outcome describes a successful run.
type Outcome struct {
	Method   string
	Attempts int
}

// Observer is notified after every attempt. outcome is "success" or the
// error kind.
type Observer func(a Attempt, outcome string)

// Config holds the attempt pools and bounds.
type Config struct {
	Variants    []transport.Variant
	Profiles    []Profile
	MaxAttempts int
	Delay       time.Duration
}

// Orchestrator runs attempts strictly one after another.
type Orchestrator struct {
	cfg      Config
	clients  ClientFactory
	logger   *slog.Logger
	tracer   trace.Tracer
	observer Observer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver registers a per-attempt callback.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer(tracerName) }
}

const tracerName = "github.com/tphummel/panel_sync/internal/bypass"

// New creates an Orchestrator. A nil logger uses slog.Default().
func New(cfg Config, clients ClientFactory, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:     cfg,
		clients: clients,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Plan returns the attempts Run would make, in order: variants outer,
// profiles inner, truncated to the attempt ceiling.
func (o *Orchestrator) Plan() []Attempt {
	limit := len(o.cfg.Variants) * len(o.cfg.Profiles)
	if o.cfg.MaxAttempts > 0 && o.cfg.MaxAttempts < limit {
		limit = o.cfg.MaxAttempts
	}
	plan := make([]Attempt, 0, limit)
	for _, v := range o.cfg.Variants {
		for _, p := range o.cfg.Profiles {
			if len(plan) == limit {
				return plan
			}
			plan = append(plan, Attempt{Index: len(plan), Variant: v, Profile: p})
		}
	}
	return plan
}

// Run tries each planned attempt until one succeeds. Individual failures
// are never returned; on exhaustion the error is a *panelerr.ExhaustedError
// listing every distinct error kind seen. seen carries kinds observed before
// Run was called, such as the failed direct call that triggered it.
func (o *Orchestrator) Run(ctx context.Context, fn AttemptFunc, seen ...panelerr.Kind) (Outcome, error) {
	var (
		classes []panelerr.Kind
		dup     = map[panelerr.Kind]bool{}
		last    error
		made    int
	)
	for _, kind := range seen {
		if !dup[kind] {
			dup[kind] = true
			classes = append(classes, kind)
		}
	}

	plan := o.Plan()
	if len(plan) == 0 {
		return Outcome{}, &panelerr.ExhaustedError{Classes: classes, Last: errors.New("no bypass strategies configured")}
	}
	for i, a := range plan {
		if i > 0 {
			if err := wait(ctx, o.cfg.Delay); err != nil {
				last = err
				break
			}
		}

		made++
		err := o.attempt(ctx, a, fn)
		if err == nil {
			return Outcome{Method: a.Method(), Attempts: made}, nil
		}
		last = err
		if kind := panelerr.KindOf(err); !dup[kind] {
			dup[kind] = true
			classes = append(classes, kind)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return Outcome{Attempts: made}, &panelerr.ExhaustedError{Attempts: made, Classes: classes, Last: last}
}

func (o *Orchestrator) attempt(ctx context.Context, a Attempt, fn AttemptFunc) error {
	ctx, span := o.tracer.Start(ctx, "bypass.attempt", trace.WithAttributes(
		attribute.Int("bypass.index", a.Index),
		attribute.String("bypass.variant", a.Variant.Name),
		attribute.String("bypass.profile", a.Profile.Name),
	))
	defer span.End()

	start := time.Now()
	client, err := o.clients.Client(a.Variant)
	if err == nil {
		err = fn(ctx, client, a)
	}

	outcome := "success"
	if err != nil {
		outcome = string(panelerr.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(attribute.String("bypass.outcome", outcome))

	attrs := []slog.Attr{
		slog.Int("attempt", a.Index+1),
		slog.String("variant", a.Variant.Name),
		slog.String("profile", a.Profile.Name),
		slog.String("outcome", outcome),
		slog.Duration("duration", time.Since(start)),
	}
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	o.logger.LogAttrs(ctx, level, "bypass attempt", attrs...)

	if o.observer != nil {
		o.observer(a, outcome)
	}
	return err
}

// wait pauses for d without holding anything shared, returning early when
// ctx ends.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
