package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tphummel/panel_sync/internal/events"
	"github.com/tphummel/panel_sync/internal/metrics"
	"github.com/tphummel/panel_sync/internal/models"
	"github.com/tphummel/panel_sync/internal/panel"
	"github.com/tphummel/panel_sync/internal/panelerr"
	"github.com/tphummel/panel_sync/internal/simulator"
)

const tracerName = "github.com/tphummel/panel_sync/internal/reconcile"

// Panel is the subset of panel.Client the service calls.
type Panel interface {
	ListServers(ctx context.Context, opts panel.ListOptions) (*panel.ServerList, error)
	GetServer(ctx context.Context, id int64) (*models.ExternalServer, error)
	SetPower(ctx context.Context, id int64, signal string) error
	GetServerResources(ctx context.Context, identifier string) (*panel.Snapshot, error)
}

// LiveCache holds live readings and power transients between polls.
type LiveCache interface {
	PutLive(ctx context.Context, ls models.LiveStatus) error
	GetLive(ctx context.Context, identifier string) (*models.LiveStatus, error)
	MarkPending(ctx context.Context, identifier string, status models.Status) error
	Pending(ctx context.Context, identifier string) (models.Status, error)
	Forget(ctx context.Context, identifier string) error
}

// Options configures a Service. Zero values are usable.
type Options struct {
	// SyncTimeout bounds every pass. Zero means no bound beyond ctx.
	SyncTimeout time.Duration
	// LiveTelemetry enables reads from the panel's resources endpoint.
	LiveTelemetry  bool
	Cache          LiveCache
	Events         events.Publisher
	Simulator      *simulator.Simulator
	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
}

// Service runs reconciliation passes and the live read path.
type Service struct {
	store     Store
	panel     Panel
	rec       *Reconciler
	timeout   time.Duration
	live      bool
	cache     LiveCache
	events    events.Publisher
	sim       *simulator.Simulator
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
	newPassID func() string
}

// NewService creates a Service.
func NewService(store Store, p Panel, rec *Reconciler, opts Options) *Service {
	s := &Service{
		store:     store,
		panel:     p,
		rec:       rec,
		timeout:   opts.SyncTimeout,
		live:      opts.LiveTelemetry,
		cache:     opts.Cache,
		events:    opts.Events,
		sim:       opts.Simulator,
		logger:    opts.Logger,
		now:       time.Now,
		newPassID: uuid.NewString,
	}
	if s.events == nil {
		s.events = events.Discard{}
	}
	if s.sim == nil {
		s.sim = simulator.New()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	s.tracer = tp.Tracer(tracerName)
	return s
}

// Failure is one server that did not sync. Identifier is empty when the
// listing itself failed.
type Failure struct {
	Identifier string        `json:"identifier"`
	Kind       panelerr.Kind `json:"kind"`
	Reason     string        `json:"reason"`
}

// SyncResult is the outcome of SyncAll.
type SyncResult struct {
	PassID       string                 `json:"pass_id"`
	Synced       []*models.InventoryRow `json:"synced"`
	Failures     []Failure              `json:"failures"`
	Suggestions  []string               `json:"suggestions,omitempty"`
	FallbackUsed bool                   `json:"fallback_used"`
	Method       string                 `json:"method"`
	Attempts     int                    `json:"attempts"`
}

// PowerResult is the outcome of SendPower.
type PowerResult struct {
	Identifier string        `json:"identifier"`
	Signal     string        `json:"signal"`
	Accepted   bool          `json:"accepted"`
	Pending    models.Status `json:"pending"`
}

// PruneResult lists rows whose server no longer exists upstream.
type PruneResult struct {
	DryRun  bool     `json:"dry_run"`
	Removed []string `json:"removed"`
	Kept    int      `json:"kept"`
}

func (s *Service) pass(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, context.CancelFunc) {
	cancel := context.CancelFunc(func() {})
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, span, cancel
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(panelerr.KindOf(err)))
	}
	span.End()
}

func outcome(err error) string {
	if err != nil {
		return string(panelerr.KindOf(err))
	}
	return "ok"
}

// SyncAll lists every panel server and upserts each one. A failing record
// is reported and skipped. A failing listing yields no synced rows and a
// single failure entry; it is not returned as an error.
func (s *Service) SyncAll(ctx context.Context) (*SyncResult, error) {
	start := s.now()
	passID := s.newPassID()
	ctx, span, cancel := s.pass(ctx, "reconcile.sync_all", attribute.String("sync.pass_id", passID))
	defer cancel()

	res := &SyncResult{PassID: passID, Synced: []*models.InventoryRow{}, Failures: []Failure{}}
	var kinds []panelerr.Kind

	list, err := s.panel.ListServers(ctx, panel.ListOptions{})
	if err != nil {
		p := panelerr.Describe(err)
		res.Failures = append(res.Failures, Failure{Kind: p.Error, Reason: p.Message})
		res.Suggestions = p.Suggestions
		s.logger.ErrorContext(ctx, "panel listing failed", "pass_id", passID, "kind", string(p.Error), "error", err)
		metrics.ObserveSync("sync_all", string(p.Error), s.now().Sub(start))
		finish(span, err)
		s.completed(ctx, res, start)
		return res, nil
	}
	res.FallbackUsed = list.Via.FallbackUsed
	res.Method = list.Via.Method
	res.Attempts = list.Via.Attempts

	for _, ext := range list.Servers {
		row, err := s.rec.SyncServer(ctx, ext, SyncOptions{})
		if err != nil {
			kind := panelerr.KindOf(err)
			kinds = append(kinds, kind)
			res.Failures = append(res.Failures, Failure{Identifier: ext.Identifier, Kind: kind, Reason: err.Error()})
			s.logger.WarnContext(ctx, "server sync failed",
				"pass_id", passID,
				"identifier", ext.Identifier,
				"kind", string(kind),
				"error", err,
			)
			continue
		}
		res.Synced = append(res.Synced, row)
		s.publish(ctx, events.SubjectServerSynced, events.ServerSynced{
			PassID:     passID,
			Identifier: row.Identifier,
			Status:     string(row.Status),
			SyncedAt:   row.LastSyncAt,
		})
	}
	res.Suggestions = panelerr.Suggest(kinds...)

	span.SetAttributes(
		attribute.Int("sync.synced", len(res.Synced)),
		attribute.Int("sync.failed", len(res.Failures)),
		attribute.Bool("sync.fallback_used", res.FallbackUsed),
	)
	finish(span, nil)

	s.logger.InfoContext(ctx, "sync pass complete",
		"pass_id", passID,
		"synced", len(res.Synced),
		"failed", len(res.Failures),
		"fallback_used", res.FallbackUsed,
		"method", res.Method,
	)
	metrics.ObserveServers(len(res.Synced), len(res.Failures))
	metrics.ObserveSync("sync_all", "ok", s.now().Sub(start))
	s.completed(ctx, res, start)
	return res, nil
}

func (s *Service) completed(ctx context.Context, res *SyncResult, start time.Time) {
	s.publish(ctx, events.SubjectSyncCompleted, events.SyncCompleted{
		PassID:       res.PassID,
		Synced:       len(res.Synced),
		Failed:       len(res.Failures),
		FallbackUsed: res.FallbackUsed,
		Method:       res.Method,
		DurationSec:  s.now().Sub(start).Seconds(),
	})
}

// SyncOne refreshes a single server. A known row is fetched by its panel id;
// otherwise, or when that id now points elsewhere, the listing is scanned.
func (s *Service) SyncOne(ctx context.Context, identifier string) (row *models.InventoryRow, err error) {
	start := s.now()
	ctx, span, cancel := s.pass(ctx, "reconcile.sync_one", attribute.String("server.identifier", identifier))
	defer cancel()
	defer func() {
		finish(span, err)
		metrics.ObserveSync("sync_one", outcome(err), s.now().Sub(start))
	}()

	ext, err := s.external(ctx, identifier)
	if err != nil {
		return nil, err
	}
	row, err = s.rec.SyncServer(ctx, *ext, SyncOptions{})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.SubjectServerSynced, events.ServerSynced{
		Identifier: row.Identifier,
		Status:     string(row.Status),
		SyncedAt:   row.LastSyncAt,
	})
	return row, nil
}

// external resolves identifier to its current panel record.
func (s *Service) external(ctx context.Context, identifier string) (*models.ExternalServer, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, &panelerr.ValidationError{Field: "identifier", Reason: "cannot be empty"}
	}

	local, err := s.store.FindByIdentifier(ctx, identifier)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, &panelerr.StorageError{Op: "find", Payload: identifier, Err: err}
	}
	if local != nil && local.ExternalID > 0 {
		ext, err := s.panel.GetServer(ctx, local.ExternalID)
		switch {
		case err == nil && ext.Identifier == identifier:
			return ext, nil
		case err != nil && !errors.Is(err, panelerr.ErrNotFound):
			return nil, err
		}
	}

	list, err := s.panel.ListServers(ctx, panel.ListOptions{})
	if err != nil {
		return nil, err
	}
	for i := range list.Servers {
		if list.Servers[i].Identifier == identifier {
			return &list.Servers[i], nil
		}
	}
	return nil, fmt.Errorf("server %q: %w", identifier, panelerr.ErrNotFound)
}

// LiveStatus returns the current status and resources of a stored server.
// Live telemetry is used when enabled and reachable; anything else falls
// back to simulated resources. The result is never persisted.
func (s *Service) LiveStatus(ctx context.Context, identifier string) (ls *models.LiveStatus, err error) {
	ctx, span, cancel := s.pass(ctx, "reconcile.live_status", attribute.String("server.identifier", identifier))
	defer cancel()
	defer func() {
		if ls != nil {
			span.SetAttributes(attribute.String("live.source", ls.Source))
			metrics.ObserveLiveRead(ls.Source)
		}
		finish(span, err)
	}()

	row, err := s.find(ctx, identifier)
	if err != nil {
		return nil, err
	}

	var pending models.Status
	if s.cache != nil {
		if cached, err := s.cache.GetLive(ctx, identifier); err == nil {
			return cached, nil
		}
		p, perr := s.cache.Pending(ctx, identifier)
		if perr != nil {
			s.logger.WarnContext(ctx, "read pending status", "identifier", identifier, "error", perr)
		}
		pending = p
	}

	if s.live {
		snap, err := s.panel.GetServerResources(ctx, identifier)
		if err == nil {
			observed := snap.State
			res := snap.Resources
			res.MemoryLimitMB = row.MemoryLimit
			res.DiskLimitMB = row.DiskLimit
			ls := s.present(row, models.Resolve(row.Status, pending, &observed), res)
			if s.cache != nil {
				if err := s.cache.PutLive(ctx, *ls); err != nil {
					s.logger.WarnContext(ctx, "cache live status", "identifier", identifier, "error", err)
				}
			}
			return ls, nil
		}
		level := slog.LevelWarn
		if errors.Is(err, panel.ErrNoClientKey) {
			level = slog.LevelDebug
		}
		s.logger.Log(ctx, level, "live telemetry unavailable, simulating",
			"identifier", identifier,
			"kind", string(panelerr.KindOf(err)),
			"error", err,
		)
	}

	res := s.sim.Resources(simulator.InputFor(row), s.now())
	return s.present(row, models.Resolve(row.Status, pending, nil), res), nil
}

func (s *Service) present(row *models.InventoryRow, status models.Status, res models.Resources) *models.LiveStatus {
	return &models.LiveStatus{
		Identifier:     row.Identifier,
		Status:         status,
		Resources:      res,
		Source:         res.Source,
		AllocationIP:   simulator.PublicAddress(row.AllocationIP, row.Identifier),
		AllocationPort: row.AllocationPort,
	}
}

// SendPower forwards a power signal. Acceptance means the panel answered
// 2xx; the server is not polled to confirm the new state.
func (s *Service) SendPower(ctx context.Context, identifier, signal string) (pr *PowerResult, err error) {
	start := s.now()
	ctx, span, cancel := s.pass(ctx, "reconcile.power",
		attribute.String("server.identifier", identifier),
		attribute.String("power.signal", signal),
	)
	defer cancel()
	defer func() {
		finish(span, err)
		metrics.ObserveSync("power", outcome(err), s.now().Sub(start))
	}()

	if !models.PowerSignals[signal] {
		return nil, &panelerr.ValidationError{Field: "signal", Reason: strconv.Quote(signal) + " is not one of start, stop, restart, kill"}
	}

	id, err := s.externalID(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if err := s.panel.SetPower(ctx, id, signal); err != nil {
		return nil, err
	}

	pending := models.TransientFor(signal)
	if s.cache != nil {
		if err := s.cache.MarkPending(ctx, identifier, pending); err != nil {
			s.logger.WarnContext(ctx, "record pending status", "identifier", identifier, "error", err)
		}
	}
	s.logger.InfoContext(ctx, "power signal accepted", "identifier", identifier, "signal", signal)
	s.publish(ctx, events.SubjectServerPower, events.PowerSent{
		Identifier: identifier,
		Signal:     signal,
		Pending:    string(pending),
	})
	return &PowerResult{Identifier: identifier, Signal: signal, Accepted: true, Pending: pending}, nil
}

func (s *Service) externalID(ctx context.Context, identifier string) (int64, error) {
	local, err := s.store.FindByIdentifier(ctx, identifier)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, &panelerr.StorageError{Op: "find", Payload: identifier, Err: err}
	}
	if local != nil && local.ExternalID > 0 {
		return local.ExternalID, nil
	}
	ext, err := s.external(ctx, identifier)
	if err != nil {
		return 0, err
	}
	return ext.ID, nil
}

// Prune deletes local rows whose identifier the panel no longer lists. It
// runs only when asked; a failed listing deletes nothing.
func (s *Service) Prune(ctx context.Context, dryRun bool) (res *PruneResult, err error) {
	start := s.now()
	ctx, span, cancel := s.pass(ctx, "reconcile.prune", attribute.Bool("prune.dry_run", dryRun))
	defer cancel()
	defer func() {
		finish(span, err)
		metrics.ObserveSync("prune", outcome(err), s.now().Sub(start))
	}()

	list, err := s.panel.ListServers(ctx, panel.ListOptions{})
	if err != nil {
		return nil, err
	}
	upstream := make(map[string]bool, len(list.Servers))
	for _, ext := range list.Servers {
		upstream[ext.Identifier] = true
	}

	rows, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, &panelerr.StorageError{Op: "list", Err: err}
	}

	res = &PruneResult{DryRun: dryRun, Removed: []string{}}
	for _, row := range rows {
		if upstream[row.Identifier] {
			res.Kept++
			continue
		}
		if !dryRun {
			if err := s.remove(ctx, row.Identifier); err != nil {
				return res, err
			}
		}
		res.Removed = append(res.Removed, row.Identifier)
	}
	s.logger.InfoContext(ctx, "prune complete", "dry_run", dryRun, "removed", len(res.Removed), "kept", res.Kept)
	return res, nil
}

// Delete removes one row from the inventory.
func (s *Service) Delete(ctx context.Context, identifier string) error {
	return s.remove(ctx, identifier)
}

func (s *Service) remove(ctx context.Context, identifier string) error {
	if err := s.store.Delete(ctx, identifier); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("server %q: %w", identifier, panelerr.ErrNotFound)
		}
		return &panelerr.StorageError{Op: "delete", Payload: identifier, Err: err}
	}
	if s.cache != nil {
		if err := s.cache.Forget(ctx, identifier); err != nil {
			s.logger.WarnContext(ctx, "forget cached status", "identifier", identifier, "error", err)
		}
	}
	return nil
}

// Get returns one stored row.
func (s *Service) Get(ctx context.Context, identifier string) (*models.InventoryRow, error) {
	return s.find(ctx, identifier)
}

// List returns stored rows, optionally filtered by status.
func (s *Service) List(ctx context.Context, status string) ([]*models.InventoryRow, error) {
	if status != "" && !models.ValidStatuses[models.Status(status)] {
		return nil, &panelerr.ValidationError{Field: "status", Reason: strconv.Quote(status) + " is not a known status"}
	}
	rows, err := s.store.List(ctx, status)
	if err != nil {
		return nil, &panelerr.StorageError{Op: "list", Err: err}
	}
	if rows == nil {
		rows = []*models.InventoryRow{}
	}
	return rows, nil
}

func (s *Service) find(ctx context.Context, identifier string) (*models.InventoryRow, error) {
	row, err := s.store.FindByIdentifier(ctx, identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("server %q: %w", identifier, panelerr.ErrNotFound)
	}
	if err != nil {
		return nil, &panelerr.StorageError{Op: "find", Payload: identifier, Err: err}
	}
	return row, nil
}

func (s *Service) publish(ctx context.Context, subject string, v any) {
	if err := s.events.Publish(ctx, subject, v); err != nil {
		s.logger.WarnContext(ctx, "publish event", "subject", subject, "error", err)
	}
}
