package panel

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/tphummel/panel_sync/internal/models"
)

type statsEnvelope struct {
	Object     string `json:"object"`
	Attributes struct {
		CurrentState string `json:"current_state"`
		IsSuspended  bool   `json:"is_suspended"`
		Resources    struct {
			MemoryBytes    int64   `json:"memory_bytes"`
			CPUAbsolute    float64 `json:"cpu_absolute"`
			DiskBytes      int64   `json:"disk_bytes"`
			NetworkRxBytes int64   `json:"network_rx_bytes"`
			NetworkTxBytes int64   `json:"network_tx_bytes"`
			Uptime         int64   `json:"uptime"`
		} `json:"resources"`
	} `json:"attributes"`
}

// Snapshot is a real-time reading from the client API.
type Snapshot struct {
	State     models.Status
	Suspended bool
	Resources models.Resources
}

// GetServerResources reads live telemetry for a server. It uses the
// client-scoped key and fails with ErrNoClientKey when none is configured.
func (c *Client) GetServerResources(ctx context.Context, identifier string) (*Snapshot, error) {
	var env statsEnvelope
	_, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/api/client/servers/" + url.PathEscape(identifier) + "/resources",
		scope:  scopeClient,
	}, &env)
	if err != nil {
		return nil, err
	}

	a := env.Attributes
	state := a.CurrentState
	return &Snapshot{
		State:     models.ParseStatus(&state),
		Suspended: a.IsSuspended,
		Resources: models.Resources{
			CPUPercent:  a.Resources.CPUAbsolute,
			MemoryBytes: a.Resources.MemoryBytes,
			DiskBytes:   a.Resources.DiskBytes,
			NetworkRx:   a.Resources.NetworkRxBytes,
			NetworkTx:   a.Resources.NetworkTxBytes,
			UptimeMs:    a.Resources.Uptime,
			Source:      models.SourceLive,
			SampledAt:   time.Now().UTC(),
		},
	}, nil
}
