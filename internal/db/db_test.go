package db_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/tphummel/panel_sync/internal/db"
	"github.com/tphummel/panel_sync/internal/models"
)

// newTestDB opens a fresh in-memory SQLite database for each test.
func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func ptr[T any](v T) *T { return &v }

// sampleRow returns a fully-populated InventoryRow for use in tests.
func sampleRow(id, identifier string) *models.InventoryRow {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.InventoryRow{
		ID:              id,
		ExternalID:      42,
		Identifier:      identifier,
		UUID:            identifier + "-0000-4000-8000-000000000000",
		Name:            "minecraft survival",
		Description:     "main world",
		Status:          models.StatusRunning,
		MemoryLimit:     4096,
		DiskLimit:       51200,
		CPULimit:        200,
		DatabaseLimit:   2,
		BackupLimit:     3,
		AllocationLimit: 1,
		NodeID:          7,
		AllocationIP:    ptr("10.0.0.5"),
		AllocationPort:  ptr(25565),
		AllocationAlias: ptr("mc.example.com"),
		NestID:          1,
		EggID:           3,
		DockerImage:     "ghcr.io/pterodactyl/yolks:java_17",
		StartupCommand:  "java -jar server.jar",
		Environment:     map[string]string{"SERVER_JARFILE": "server.jar"},
		ExternalUserID:  ptr(int64(9)),
		LastSyncAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestNew(t *testing.T) {
	// Verifies schema is created and the DB is usable.
	d := newTestDB(t)
	if err := d.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestUpsert_FindByIdentifier(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	r := sampleRow("row-1", "a1b2c3d4")

	if err := d.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := d.FindByIdentifier(ctx, "a1b2c3d4")
	if err != nil {
		t.Fatalf("FindByIdentifier: %v", err)
	}

	if got.ID != r.ID {
		t.Errorf("ID: got %q, want %q", got.ID, r.ID)
	}
	if got.Status != models.StatusRunning {
		t.Errorf("Status: got %q, want running", got.Status)
	}
	if got.MemoryLimit != 4096 || got.DiskLimit != 51200 || got.CPULimit != 200 {
		t.Errorf("limits: got %d/%d/%d, want 4096/51200/200", got.MemoryLimit, got.DiskLimit, got.CPULimit)
	}
	if got.AllocationIP == nil || *got.AllocationIP != "10.0.0.5" {
		t.Errorf("AllocationIP: got %v, want 10.0.0.5", got.AllocationIP)
	}
	if got.AllocationPort == nil || *got.AllocationPort != 25565 {
		t.Errorf("AllocationPort: got %v, want 25565", got.AllocationPort)
	}
	if got.AllocationAlias == nil || *got.AllocationAlias != "mc.example.com" {
		t.Errorf("AllocationAlias: got %v, want mc.example.com", got.AllocationAlias)
	}
	if got.ExternalUserID == nil || *got.ExternalUserID != 9 {
		t.Errorf("ExternalUserID: got %v, want 9", got.ExternalUserID)
	}
	if got.UserID != nil {
		t.Errorf("UserID: got %v, want nil", got.UserID)
	}
	if got.Environment["SERVER_JARFILE"] != "server.jar" {
		t.Errorf("Environment: got %v", got.Environment)
	}
	if !got.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("CreatedAt: got %v, want %v", got.CreatedAt, r.CreatedAt)
	}
}

func TestUpsert_NullAllocation(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	r := sampleRow("row-1", "noalloc")
	r.AllocationIP, r.AllocationPort, r.AllocationAlias = nil, nil, nil
	r.Environment = nil

	if err := d.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := d.FindByIdentifier(ctx, "noalloc")
	if err != nil {
		t.Fatalf("FindByIdentifier: %v", err)
	}
	if got.AllocationIP != nil || got.AllocationPort != nil || got.AllocationAlias != nil {
		t.Errorf("allocation: got %v/%v/%v, want all nil", got.AllocationIP, got.AllocationPort, got.AllocationAlias)
	}
	if got.Environment == nil || len(got.Environment) != 0 {
		t.Errorf("Environment: got %v, want empty map", got.Environment)
	}
}

func TestUpsert_UpdateKeepsIdentityAndDiskUsage(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	first := sampleRow("row-1", "srv")
	first.DiskUsage = 1 << 30
	first.UserID = ptr("user-1")
	if err := d.Upsert(ctx, first); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	second := sampleRow("row-2", "srv")
	second.Name = "renamed"
	second.Status = models.StatusOffline
	second.CreatedAt = first.CreatedAt.Add(time.Hour)
	second.UpdatedAt = first.UpdatedAt.Add(time.Hour)
	second.DiskUsage = 0
	second.UserID = nil
	if err := d.Upsert(ctx, second); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := d.FindByIdentifier(ctx, "srv")
	if err != nil {
		t.Fatalf("FindByIdentifier: %v", err)
	}
	if got.ID != "row-1" {
		t.Errorf("ID: got %q, want row-1", got.ID)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt: got %v, want %v", got.CreatedAt, first.CreatedAt)
	}
	if !got.UpdatedAt.Equal(second.UpdatedAt) {
		t.Errorf("UpdatedAt: got %v, want %v", got.UpdatedAt, second.UpdatedAt)
	}
	if got.Name != "renamed" || got.Status != models.StatusOffline {
		t.Errorf("mapped fields not overwritten: name %q status %q", got.Name, got.Status)
	}
	if got.DiskUsage != 1<<30 {
		t.Errorf("DiskUsage: got %d, want %d", got.DiskUsage, 1<<30)
	}
	if got.UserID == nil || *got.UserID != "user-1" {
		t.Errorf("UserID: got %v, want user-1", got.UserID)
	}
}

func TestUpsert_ExplicitUserIDReplaces(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	r := sampleRow("row-1", "srv")
	r.UserID = ptr("user-1")
	if err := d.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	r.UserID = ptr("user-2")
	if err := d.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := d.FindByIdentifier(ctx, "srv")
	if err != nil {
		t.Fatalf("FindByIdentifier: %v", err)
	}
	if got.UserID == nil || *got.UserID != "user-2" {
		t.Errorf("UserID: got %v, want user-2", got.UserID)
	}
}

func TestFindByIdentifier_NotFound(t *testing.T) {
	d := newTestDB(t)
	_, err := d.FindByIdentifier(context.Background(), "nope")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestList_Empty(t *testing.T) {
	d := newTestDB(t)
	rows, err := d.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected 0 rows, got %d", len(rows))
	}
}

func TestList_OrderAndStatusFilter(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	for i, tc := range []struct {
		identifier string
		status     models.Status
	}{
		{"ccc", models.StatusRunning},
		{"aaa", models.StatusOffline},
		{"bbb", models.StatusRunning},
	} {
		r := sampleRow(string(rune('x'+i)), tc.identifier)
		r.Status = tc.status
		if err := d.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert %s: %v", tc.identifier, err)
		}
	}

	all, err := d.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 3 || all[0].Identifier != "aaa" || all[2].Identifier != "ccc" {
		t.Fatalf("ListAll order: got %d rows", len(all))
	}

	running, err := d.List(ctx, "running")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(running) != 2 {
		t.Errorf("running: got %d rows, want 2", len(running))
	}
	for _, r := range running {
		if r.Status != models.StatusRunning {
			t.Errorf("filter leaked status %q", r.Status)
		}
	}
}

func TestDelete(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	if err := d.Upsert(ctx, sampleRow("row-1", "srv")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := d.Delete(ctx, "srv"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := d.FindByIdentifier(ctx, "srv"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("after Delete: expected sql.ErrNoRows, got %v", err)
	}
}

func TestDelete_NotFound(t *testing.T) {
	d := newTestDB(t)
	if err := d.Delete(context.Background(), "nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestCountByStatus(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	statuses := []models.Status{models.StatusRunning, models.StatusRunning, models.StatusOffline}
	for i, s := range statuses {
		r := sampleRow(string(rune('a'+i)), string(rune('a'+i))+"-srv")
		r.Status = s
		if err := d.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	counts, err := d.CountByStatus()
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts["running"] != 2 || counts["offline"] != 1 {
		t.Errorf("counts: got %v, want running=2 offline=1", counts)
	}
}

func TestNew_NotADatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.db")
	if err := os.WriteFile(path, []byte("this is not an sqlite file, just some text padding it out past the header size......"), 0o600); err != nil {
		t.Fatal(err)
	}

	openFDs := func() int {
		entries, err := os.ReadDir("/proc/self/fd")
		if err != nil {
			return -1
		}
		return len(entries)
	}
	before := openFDs()

	for i := 0; i < 20; i++ {
		d, err := db.New(path)
		if err == nil {
			d.Close()
			t.Fatal("expected error opening a non-database file")
		}
		if d != nil {
			t.Fatal("got a non-nil DB alongside an error")
		}
	}

	if runtime.GOOS != "linux" || before < 0 {
		return
	}
	if after := openFDs(); after > before+2 {
		t.Errorf("open file descriptors: got %d after failed opens, want about %d", after, before)
	}
}
