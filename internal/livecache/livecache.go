// Package livecache keeps short-lived, read-path state per server: the last
// live telemetry reading and the transient status recorded after a power
// signal. Nothing here is ever written to the inventory store.
package livecache

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/tphummel/panel_sync/internal/models"
)

var ErrNotFound = errors.New("not found")

// Cache is a TTL cache backed by Badger.
type Cache struct {
	db         *badger.DB
	liveTTL    time.Duration
	pendingTTL time.Duration
}

// Open opens a cache at path. An empty path keeps everything in memory.
func Open(path string, liveTTL, pendingTTL time.Duration) (*Cache, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path)).WithValueLogFileSize(1 << 20)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db, liveTTL: liveTTL, pendingTTL: pendingTTL}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func liveKey(identifier string) []byte {
	return []byte("live:" + identifier)
}

func pendingKey(identifier string) []byte {
	return []byte("pending:" + identifier)
}

// PutLive caches a live reading. Simulated readings are refused so they can
// never be served back as live.
func (c *Cache) PutLive(ctx context.Context, ls models.LiveStatus) error {
	if ls.Source != models.SourceLive {
		return errors.New("livecache: only live readings are cached")
	}
	data, err := json.Marshal(ls)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(badger.NewEntry(liveKey(ls.Identifier), data).WithTTL(c.liveTTL)); err != nil {
			return err
		}
		// a real reading supersedes any transient
		return txn.Delete(pendingKey(ls.Identifier))
	})
}

// GetLive returns the cached live reading or ErrNotFound.
func (c *Cache) GetLive(ctx context.Context, identifier string) (*models.LiveStatus, error) {
	var out models.LiveStatus
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(liveKey(identifier))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkPending records a transient status after a power signal and drops the
// cached live reading so the next read polls again.
func (c *Cache) MarkPending(ctx context.Context, identifier string, status models.Status) error {
	return c.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(badger.NewEntry(pendingKey(identifier), []byte(status)).WithTTL(c.pendingTTL)); err != nil {
			return err
		}
		return txn.Delete(liveKey(identifier))
	})
}

// Pending returns the recorded transient, or "" when there is none.
func (c *Cache) Pending(ctx context.Context, identifier string) (models.Status, error) {
	var status models.Status
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pendingKey(identifier))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(v []byte) error {
			status = models.Status(v)
			return nil
		})
	})
	return status, err
}

// Forget drops everything cached for identifier.
func (c *Cache) Forget(ctx context.Context, identifier string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(liveKey(identifier)); err != nil {
			return err
		}
		return txn.Delete(pendingKey(identifier))
	})
}
