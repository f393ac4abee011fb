// Package reconcile mirrors panel servers into the local inventory and
// serves the read path for live status and power control.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tphummel/panel_sync/internal/models"
	"github.com/tphummel/panel_sync/internal/panelerr"
)

// Store is the inventory storage the reconciler writes through. Lookups of
// a missing identifier return sql.ErrNoRows.
type Store interface {
	FindByIdentifier(ctx context.Context, identifier string) (*models.InventoryRow, error)
	Upsert(ctx context.Context, r *models.InventoryRow) error
	ListAll(ctx context.Context) ([]*models.InventoryRow, error)
	List(ctx context.Context, status string) ([]*models.InventoryRow, error)
	Delete(ctx context.Context, identifier string) error
}

// SyncOptions adjusts a single SyncServer call.
type SyncOptions struct {
	// UserID links the row to a local user. Nil leaves any existing link.
	UserID *string
}

// Reconciler maps panel records onto inventory rows.
type Reconciler struct {
	store          Store
	fallbackNodeID int64
	now            func() time.Time
}

// NewReconciler creates a Reconciler. fallbackNodeID is used when a record
// carries no node at all.
func NewReconciler(store Store, fallbackNodeID int64) *Reconciler {
	return &Reconciler{store: store, fallbackNodeID: fallbackNodeID, now: time.Now}
}

// SyncServer upserts ext and returns the stored row. Usage counters are
// zeroed since the listing never carries them; disk usage is left as it is.
func (r *Reconciler) SyncServer(ctx context.Context, ext models.ExternalServer, opts SyncOptions) (*models.InventoryRow, error) {
	identifier := strings.TrimSpace(ext.Identifier)
	if identifier == "" {
		return nil, &panelerr.ValidationError{Field: "identifier", Reason: "panel record has no identifier"}
	}

	existing, err := r.store.FindByIdentifier(ctx, identifier)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, &panelerr.StorageError{Op: "find", Payload: identifier, Err: err}
	}

	row := r.mapRecord(identifier, ext)
	row.UserID = opts.UserID

	now := r.now().UTC()
	row.LastSyncAt = now
	row.UpdatedAt = now
	if existing != nil {
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
		row.DiskUsage = existing.DiskUsage
	} else {
		row.ID = uuid.NewString()
		row.CreatedAt = now
	}

	if err := r.store.Upsert(ctx, row); err != nil {
		return nil, &panelerr.StorageError{Op: "upsert", Payload: row, Err: err}
	}

	stored, err := r.store.FindByIdentifier(ctx, identifier)
	if err != nil {
		return nil, &panelerr.StorageError{Op: "reload", Payload: row, Err: err}
	}
	return stored, nil
}

func (r *Reconciler) mapRecord(identifier string, ext models.ExternalServer) *models.InventoryRow {
	row := &models.InventoryRow{
		ExternalID:      ext.ID,
		Identifier:      identifier,
		UUID:            ext.UUID,
		Name:            ext.Name,
		Description:     ext.Description,
		Status:          models.ParseStatus(ext.Status),
		Suspended:       ext.Suspended,
		MemoryLimit:     ext.Limits.Memory,
		DiskLimit:       ext.Limits.Disk,
		CPULimit:        ext.Limits.CPU,
		DatabaseLimit:   ext.FeatureLimits.Databases,
		BackupLimit:     ext.FeatureLimits.Backups,
		AllocationLimit: ext.FeatureLimits.Allocations,
		NodeID:          r.nodeID(ext),
		NestID:          ext.Nest,
		EggID:           ext.Egg,
		DockerImage:     ext.Container.Image,
		StartupCommand:  ext.Container.StartupCommand,
		Environment:     map[string]string{},
		ExternalUserID:  ext.User,
	}
	for k, v := range ext.Container.Environment {
		row.Environment[k] = v
	}

	if rel := ext.Relationships; rel != nil && rel.Allocations != nil && len(rel.Allocations.Data) > 0 {
		a := rel.Allocations.Data[0].Attributes
		ip, port := a.IP, a.Port
		row.AllocationIP = &ip
		row.AllocationPort = &port
		if a.Alias != nil {
			alias := *a.Alias
			row.AllocationAlias = &alias
		}
	}
	return row
}

// nodeID prefers the embedded node relationship, then the record's own node
// attribute, then the configured fallback.
func (r *Reconciler) nodeID(ext models.ExternalServer) int64 {
	if rel := ext.Relationships; rel != nil && rel.Node != nil && rel.Node.Attributes.ID > 0 {
		return rel.Node.Attributes.ID
	}
	if ext.Node > 0 {
		return ext.Node
	}
	return r.fallbackNodeID
}
