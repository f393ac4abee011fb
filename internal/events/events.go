// Package events publishes reconciliation events to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectServerSynced  = "panel.server.synced"
	SubjectServerPower   = "panel.server.power"
	SubjectSyncCompleted = "panel.sync.completed"
)

// Publisher sends JSON events.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// NATS publishes events over a NATS connection.
type NATS struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// Connect dials url. An unreachable server is retried in the background
// and publishes are buffered until it connects.
func Connect(url string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("panel_sync"),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{nc: nc, logger: logger}, nil
}

// Publish encodes v as JSON and publishes it on subject.
func (p *NATS) Publish(ctx context.Context, subject string, v any) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.nc.Publish(subject, data)
}

// Close drains pending messages and closes the connection.
func (p *NATS) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.logger.Warn("nats drain failed", "error", err)
		}
		p.nc.Close()
	}
}

// Discard drops every event. It is used when no NATS URL is configured.
type Discard struct{}

func (Discard) Publish(context.Context, string, any) error { return nil }

// ServerSynced is published once per upserted server.
type ServerSynced struct {
	PassID     string    `json:"pass_id,omitempty"`
	Identifier string    `json:"identifier"`
	Status     string    `json:"status"`
	SyncedAt   time.Time `json:"synced_at"`
}

// PowerSent is published after the panel accepted a power signal.
type PowerSent struct {
	Identifier string `json:"identifier"`
	Signal     string `json:"signal"`
	Pending    string `json:"pending"`
}

// SyncCompleted summarizes a full sync pass.
type SyncCompleted struct {
	PassID       string  `json:"pass_id"`
	Synced       int     `json:"synced"`
	Failed       int     `json:"failed"`
	FallbackUsed bool    `json:"fallback_used"`
	Method       string  `json:"method"`
	DurationSec  float64 `json:"duration_seconds"`
}
