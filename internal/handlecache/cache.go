// Package handlecache remembers the handles discovered on bonded peers, so
// a later connection to the same peer can enable the profile without
// running service discovery again.
//
// Entries are keyed by peer address and profile name, and carry the
// fingerprint of the schema they were discovered against. A lookup whose
// fingerprint no longer matches misses. The in-memory set is bounded and
// evicts the least recently used entry; Save persists it as CBOR.
package handlecache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chaz8081/gattprofile/internal/gattc"
	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru"
)

// fileVersion is bumped when the on-disk layout changes.
const fileVersion = 1

// Key identifies one cached handle set.
type Key struct {
	Address string
	Profile string
}

// Entry is one cached handle set.
type Entry struct {
	Address     string        `cbor:"1,keyasint" json:"address"`
	Profile     string        `cbor:"2,keyasint" json:"profile"`
	Fingerprint [32]byte      `cbor:"3,keyasint" json:"-"`
	Handles     gattc.Handles `cbor:"4,keyasint" json:"handles"`
	Stored      time.Time     `cbor:"5,keyasint" json:"stored"`
}

func (e Entry) key() Key { return Key{Address: e.Address, Profile: e.Profile} }

type cacheFile struct {
	Version int     `cbor:"1,keyasint"`
	Entries []Entry `cbor:"2,keyasint"`
}

var encMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Cache is safe for concurrent use.
type Cache struct {
	path string

	mu    sync.Mutex
	lru   *lru.Cache
	dirty bool

	now func() time.Time
}

// New creates an empty cache holding at most size entries, persisted at
// path. An empty path keeps the cache in memory only.
func New(path string, size int) (*Cache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("handlecache: size must be positive, got %d", size)
	}
	l, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("handlecache: %w", err)
	}
	return &Cache{path: path, lru: l, now: time.Now}, nil
}

// Open creates a cache and loads path if it exists.
func Open(path string, size int) (*Cache, error) {
	c, err := New(path, size)
	if err != nil {
		return nil, err
	}
	if err := c.Load(); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the backing file, or "" for an in-memory cache.
func (c *Cache) Path() string { return c.path }

// Load replaces the cache content with the backing file. A missing file
// leaves the cache empty.
func (c *Cache) Load() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("handlecache: read %s: %w", c.path, err)
	}
	var f cacheFile
	if err := cbor.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("handlecache: decode %s: %w", c.path, err)
	}
	if f.Version != fileVersion {
		return fmt.Errorf("handlecache: %s has version %d, want %d", c.path, f.Version, fileVersion)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	// file order is oldest first, so re-adding keeps recency
	for _, e := range f.Entries {
		c.lru.Add(e.key(), e)
	}
	c.dirty = false
	slog.Debug("[CACHE] loaded", "path", c.path, "entries", c.lru.Len())
	return nil
}

// Save writes the cache to its backing file if it changed since the last
// Load or Save.
func (c *Cache) Save() error {
	if c.path == "" {
		return nil
	}
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	f := cacheFile{Version: fileVersion, Entries: c.entriesLocked()}
	c.dirty = false
	c.mu.Unlock()

	if err := c.write(f); err != nil {
		// keep the changes for the next Save
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return err
	}
	slog.Debug("[CACHE] saved", "path", c.path, "entries", len(f.Entries))
	return nil
}

func (c *Cache) write(f cacheFile) error {
	data, err := encMode.Marshal(f)
	if err != nil {
		return fmt.Errorf("handlecache: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("handlecache: create dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("handlecache: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("handlecache: replace %s: %w", c.path, err)
	}
	return nil
}

// Store records the handles discovered on address for profile.
func (c *Cache) Store(address string, p gattc.Profile, h gattc.Handles) {
	e := Entry{
		Address:     address,
		Profile:     p.Name(),
		Fingerprint: p.Schema().Fingerprint(),
		Handles:     h.Clone(),
		Stored:      c.now().UTC(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(e.key(), e)
	c.dirty = true
}

// Lookup returns the handles cached for address and profile. Entries
// recorded against another version of the schema are dropped.
func (c *Cache) Lookup(address string, p gattc.Profile) (gattc.Handles, bool) {
	k := Key{Address: address, Profile: p.Name()}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(k)
	if !ok {
		return gattc.Handles{}, false
	}
	e := v.(Entry)
	schema := p.Schema()
	if e.Fingerprint != schema.Fingerprint() || e.Handles.Fits(schema) != nil {
		slog.Info("[CACHE] stale entry dropped", "address", address, "profile", k.Profile)
		c.lru.Remove(k)
		c.dirty = true
		return gattc.Handles{}, false
	}
	return e.Handles.Clone(), true
}

// Forget removes one entry and reports whether it was present.
func (c *Cache) Forget(address, profile string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lru.Remove(Key{Address: address, Profile: profile}) {
		return false
	}
	c.dirty = true
	return true
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Len() > 0 {
		c.dirty = true
	}
	c.lru.Purge()
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Entries returns every entry, least recently used first.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entriesLocked()
}

func (c *Cache) entriesLocked() []Entry {
	keys := c.lru.Keys()
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if v, ok := c.lru.Peek(k); ok {
			out = append(out, v.(Entry))
		}
	}
	return out
}
