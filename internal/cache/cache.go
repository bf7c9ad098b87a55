// Package cache implements the two-tier local cache (spec §4.6): an
// in-memory tier backed by bigcache, re-hydrated from an on-disk bbolt
// bucket when an entry has been evicted from memory but hasn't expired.
//
// Grounded on the teacher's store/cache.go (bigcache/fastcache selection)
// generalized with a bbolt-backed disk tier (adopted from cuemby-warren's
// go.mod, which carries go.etcd.io/bbolt) since the teacher's cache never
// persisted to disk.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	// MaxMemoryEntries is the nominal size of the in-memory tier. Open does
	// not pass it to bigcache (it uses bigcache.DefaultConfig), so the tier
	// is not bounded by entry count and has no LRU eviction.
	MaxMemoryEntries = 100_000

	diskBucket = "cache"
)

// entry is what both tiers store, JSON-encoded.
type entry struct {
	Value     json.RawMessage `json:"value"`
	CreatedAt int64           `json:"created_at"`
	TTL       int64           `json:"ttl_seconds"` // -1 = no expiry
}

func (e *entry) expired(now time.Time) bool {
	if e.TTL < 0 {
		return false
	}
	deadline := time.UnixMilli(e.CreatedAt).Add(time.Duration(e.TTL) * time.Second)
	return now.After(deadline)
}

// Cache is the C6 local cache: set/get/remove/ttl/exists/increment/expire/
// ratelimit/lock/unlock, all lazily expiring on read.
type Cache struct {
	mem *bigcache.BigCache
	db  *bolt.DB

	lockMu sync.Mutex
	locks  map[string]struct{}

	logger *zap.Logger
}

// Open creates a Cache backed by an in-memory bigcache instance and a bbolt
// file at dbPath. Pass dbPath == "" for a pure in-memory cache (used in
// tests).
func Open(ctx context.Context, dbPath string) (*Cache, error) {
	mem, err := bigcache.New(ctx, bigcache.DefaultConfig(0))
	if err != nil {
		return nil, fmt.Errorf("cache: bigcache init: %w", err)
	}

	c := &Cache{
		mem:    mem,
		locks:  make(map[string]struct{}),
		logger: zap.L().Named("cache"),
	}

	if dbPath != "" {
		db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("cache: bbolt open: %w", err)
		}
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists([]byte(diskBucket))
			return err
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("cache: bbolt bucket: %w", err)
		}
		c.db = db
	}

	return c, nil
}

// Close releases the underlying stores.
func (c *Cache) Close() error {
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) diskGet(key string) ([]byte, bool) {
	if c.db == nil {
		return nil, false
	}
	var out []byte
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(diskBucket)).Get([]byte(key))
		if b != nil {
			out = append([]byte(nil), b...)
		}
		return nil
	})
	return out, out != nil
}

func (c *Cache) diskPut(key string, raw []byte) {
	if c.db == nil {
		return
	}
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(diskBucket)).Put([]byte(key), raw)
	}); err != nil {
		c.logger.Error("disk tier write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) diskDelete(key string) {
	if c.db == nil {
		return
	}
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(diskBucket)).Delete([]byte(key))
	}); err != nil {
		c.logger.Error("disk tier delete failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) load(key string) (*entry, bool) {
	raw, err := c.mem.Get(key)
	hitMem := err == nil
	if !hitMem {
		var ok bool
		raw, ok = c.diskGet(key)
		if !ok {
			return nil, false
		}
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false
	}

	if e.expired(time.Now()) {
		_ = c.mem.Delete(key)
		c.diskDelete(key)
		return nil, false
	}

	if !hitMem {
		// re-hydrate the memory tier, as spec requires.
		_ = c.mem.Set(key, raw)
	}
	return &e, true
}

func (c *Cache) store(key string, e *entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := c.mem.Set(key, raw); err != nil {
		return err
	}
	c.diskPut(key, raw)
	return nil
}

// Set writes key=value with the given ttlSeconds (-1 for no expiry).
func (c *Cache) Set(key string, value []byte, ttlSeconds int64) error {
	return c.store(key, &entry{Value: value, CreatedAt: time.Now().UnixMilli(), TTL: ttlSeconds})
}

// Get returns the stored value, or ok=false if absent/expired.
func (c *Cache) Get(key string) ([]byte, bool) {
	e, ok := c.load(key)
	if !ok {
		return nil, false
	}
	return []byte(e.Value), true
}

// Remove deletes key from both tiers.
func (c *Cache) Remove(key string) {
	_ = c.mem.Delete(key)
	c.diskDelete(key)
}

// Exists reports presence, honoring lazy expiry.
func (c *Cache) Exists(key string) bool {
	_, ok := c.load(key)
	return ok
}

// TTL returns remaining seconds, -1 for no expiry, -2 if absent.
func (c *Cache) TTL(key string) int64 {
	e, ok := c.load(key)
	if !ok {
		return -2
	}
	if e.TTL < 0 {
		return -1
	}
	deadline := time.UnixMilli(e.CreatedAt).Add(time.Duration(e.TTL) * time.Second)
	remain := int64(time.Until(deadline).Seconds())
	if remain < 0 {
		remain = 0
	}
	return remain
}

// Expire updates key's ttl without touching its value, if present.
func (c *Cache) Expire(key string, ttlSeconds int64) error {
	e, ok := c.load(key)
	if !ok {
		return errors.New("cache: key not found")
	}
	e.TTL = ttlSeconds
	return c.store(key, e)
}

// Increment atomically adds 1 to the integer stored at key (creating it at
// 1 with no expiry if absent) and returns the new value.
func (c *Cache) Increment(key string) (int64, error) {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	e, ok := c.load(key)
	var n int64
	ttl := int64(-1)
	if ok {
		v, err := strconv.ParseInt(string(e.Value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cache: increment non-numeric value: %w", err)
		}
		n = v
		ttl = e.TTL
	}
	n++
	if err := c.store(key, &entry{Value: []byte(strconv.FormatInt(n, 10)), CreatedAt: time.Now().UnixMilli(), TTL: ttl}); err != nil {
		return 0, err
	}
	return n, nil
}

// Ratelimit increments the counter for key; on the first increment in a
// window it sets ttl=window. exceeded is true once the counter passes
// limit.
func (c *Cache) Ratelimit(key string, limit int64, window time.Duration) (exceeded bool, err error) {
	_, existed := c.load(key)
	n, err := c.Increment(key)
	if err != nil {
		return false, err
	}
	if !existed {
		if err := c.Expire(key, int64(window.Seconds())); err != nil {
			return false, err
		}
	}
	return n > limit, nil
}

// Lock is a best-effort single-writer mutex, useful only to suppress
// duplicate periodic jobs racing across goroutines/processes sharing this
// Cache instance; it is not a correctness primitive.
func (c *Cache) Lock(key string) bool {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	if _, held := c.locks[key]; held {
		return false
	}
	c.locks[key] = struct{}{}
	return true
}

// Unlock releases a best-effort lock acquired via Lock.
func (c *Cache) Unlock(key string) {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	delete(c.locks, key)
}
