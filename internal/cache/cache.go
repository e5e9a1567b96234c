package cache

import (
	"bytes"
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/singleflight"

	"github.com/gruxhq/grux/internal/config"
	"github.com/gruxhq/grux/internal/metrics"
)

// ErrEntryTooLarge is returned when a file exceeds the per-entry size
// ceiling. Such files are never cached; callers serve them from disk.
var ErrEntryTooLarge = errors.New("cache: entry exceeds size ceiling")

// minCompressSize is the smallest body worth precompressing.
const minCompressSize = 1024

// compressibleTypes lists content types that get precomputed gzip and
// brotli variants on first insertion.
var compressibleTypes = map[string]bool{
	"text/html":              true,
	"text/css":               true,
	"text/plain":             true,
	"text/javascript":        true,
	"application/javascript": true,
	"application/json":       true,
	"application/xml":        true,
	"text/xml":               true,
	"image/svg+xml":          true,
}

// Validator captures the filesystem state an entry was filled from. An
// entry is served only while the file still matches.
type Validator struct {
	ModTime time.Time
	Size    int64
}

// Matches reports whether the validator still describes the given file info.
func (v Validator) Matches(info os.FileInfo) bool {
	return v.ModTime.Equal(info.ModTime()) && v.Size == info.Size()
}

// Entry is one cached file with its precompressed variants.
type Entry struct {
	Key         string
	Path        string // filesystem path the entry was filled from
	Body        []byte
	Gzip        []byte
	Brotli      []byte
	ContentType string
	Validator   Validator
	CreatedAt   time.Time

	lastValidated int64 // unix nanos, atomic
}

// Size returns the resident byte cost of the entry, all variants included.
func (e *Entry) Size() int64 {
	return int64(len(e.Body) + len(e.Gzip) + len(e.Brotli))
}

// Negotiate picks the response body and Content-Encoding for the client's
// Accept-Encoding header. Variants are precomputed at fill time; this never
// compresses on the hot path.
func (e *Entry) Negotiate(acceptEncoding string) ([]byte, string) {
	if acceptEncoding == "" {
		return e.Body, ""
	}

	prefs := parseAcceptEncoding(acceptEncoding)
	clientPrefs := make(map[string]float64, len(prefs))
	hasWildcard := false
	wildcardQ := 0.0
	for _, p := range prefs {
		if p.encoding == "*" {
			hasWildcard = true
			wildcardQ = p.quality
		} else {
			clientPrefs[p.encoding] = p.quality
		}
	}

	bestEncoding := ""
	bestQ := -1.0
	for _, encoding := range []string{"br", "gzip"} {
		var variant []byte
		switch encoding {
		case "br":
			variant = e.Brotli
		case "gzip":
			variant = e.Gzip
		}
		if variant == nil {
			continue
		}
		q, explicit := clientPrefs[encoding]
		if !explicit {
			if !hasWildcard {
				continue
			}
			q = wildcardQ
		}
		if q <= 0 {
			continue
		}
		if q > bestQ {
			bestQ = q
			bestEncoding = encoding
		}
	}

	switch bestEncoding {
	case "br":
		return e.Brotli, "br"
	case "gzip":
		return e.Gzip, "gzip"
	default:
		return e.Body, ""
	}
}

// Cache is the in-memory content store. Capacity is accounted in bytes;
// inserting past the ceiling evicts least-recently-used entries first, so
// resident bytes never exceed the ceiling, even across concurrent inserts.
type Cache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *Entry]
	resident int64

	capacity     int64
	maxEntry     int64
	revalidate   time.Duration
	maxLifetime  time.Duration
	cleanupEvery time.Duration

	fills singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	stop chan struct{}
	once sync.Once
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries       int   `json:"entries"`
	ResidentBytes int64 `json:"resident_bytes"`
	CapacityBytes int64 `json:"capacity_bytes"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
}

// New creates a content cache from config. The background cleanup sweep
// starts immediately; call Close to stop it.
func New(cfg config.CacheConfig) *Cache {
	c := &Cache{
		capacity:     cfg.CapacityBytes,
		maxEntry:     cfg.MaxEntryBytes,
		revalidate:   cfg.RevalidateInterval,
		maxLifetime:  cfg.MaxItemLifetime,
		cleanupEvery: cfg.CleanupInterval,
		stop:         make(chan struct{}),
	}
	if c.capacity <= 0 {
		c.capacity = 256 << 20
	}
	if c.maxEntry <= 0 || c.maxEntry > c.capacity {
		c.maxEntry = c.capacity / 64
	}
	if c.revalidate <= 0 {
		c.revalidate = 2 * time.Second
	}

	// The LRU bounds entry count; byte capacity is enforced separately in
	// insert. Worst case every entry is tiny, so size the count bound for
	// 512-byte entries.
	countBound := int(c.capacity / 512)
	if countBound < 1024 {
		countBound = 1024
	}
	lru, _ := simplelru.NewLRU[string, *Entry](countBound, c.onEvict)
	c.lru = lru

	if c.cleanupEvery > 0 {
		go c.cleanupLoop()
	}
	return c
}

// onEvict runs under c.mu (all LRU mutation holds it). It only releases
// bytes; capacity evictions are counted at the RemoveOldest call site so
// replacements and invalidations do not inflate the eviction stats.
func (c *Cache) onEvict(key string, entry *Entry) {
	c.resident -= entry.Size()
	metrics.CacheResidentBytes.Set(float64(c.resident))
}

// Key builds the cache key for a host and normalized path.
func Key(host, path string) string {
	return host + "\x00" + path
}

// Lookup returns the entry for (host, path) if present and still fresh.
// Freshness is checked against the filesystem at most once per revalidation
// interval. A stale or expired entry is dropped and reported as a miss.
func (c *Cache) Lookup(host, path string) (*Entry, bool) {
	key := Key(host, path)

	c.mu.Lock()
	entry, ok := c.lru.Get(key)
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		metrics.CacheMisses.Inc()
		return nil, false
	}

	if c.maxLifetime > 0 && time.Since(entry.CreatedAt) > c.maxLifetime {
		c.remove(key)
		c.misses.Add(1)
		metrics.CacheMisses.Inc()
		return nil, false
	}

	last := atomic.LoadInt64(&entry.lastValidated)
	if time.Since(time.Unix(0, last)) > c.revalidate {
		info, err := os.Stat(entry.Path)
		if err != nil || !entry.Validator.Matches(info) {
			c.remove(key)
			c.misses.Add(1)
			metrics.CacheMisses.Inc()
			return nil, false
		}
		atomic.StoreInt64(&entry.lastValidated, time.Now().UnixNano())
	}

	c.hits.Add(1)
	metrics.CacheHits.Inc()
	return entry, true
}

// Fill loads the file at fsPath into the cache under (host, path) and
// returns the entry. Concurrent fills for the same key share one filesystem
// read and one compression pass; only the winning caller does the work.
// Files over the per-entry ceiling return ErrEntryTooLarge and are never
// cached.
func (c *Cache) Fill(host, path, fsPath string) (*Entry, error) {
	key := Key(host, path)

	v, err, _ := c.fills.Do(key, func() (any, error) {
		return c.fill(key, fsPath)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (c *Cache) fill(key, fsPath string) (*Entry, error) {
	info, err := os.Stat(fsPath)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, os.ErrNotExist
	}
	if info.Size() > c.maxEntry {
		return nil, ErrEntryTooLarge
	}

	body, err := os.ReadFile(fsPath)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		Key:         key,
		Path:        fsPath,
		Body:        body,
		ContentType: detectContentType(fsPath, body),
		Validator:   Validator{ModTime: info.ModTime(), Size: info.Size()},
		CreatedAt:   time.Now(),
	}
	atomic.StoreInt64(&entry.lastValidated, time.Now().UnixNano())

	if compressibleTypes[entry.ContentType] && len(body) >= minCompressSize {
		entry.Gzip = gzipBytes(body)
		entry.Brotli = brotliBytes(body)
	}

	c.insert(key, entry)
	return entry, nil
}

// insert adds the entry, evicting LRU victims until it fits. The whole
// sequence holds the lock so resident bytes stay under the ceiling at every
// point, including between concurrent inserts.
func (c *Cache) insert(key string, entry *Entry) {
	size := entry.Size()
	if size > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replacing an existing entry releases its bytes first.
	c.lru.Remove(key)

	for c.resident+size > c.capacity {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		c.evictions.Add(1)
		metrics.CacheEvictions.Inc()
	}

	c.lru.Add(key, entry)
	c.resident += size
	metrics.CacheResidentBytes.Set(float64(c.resident))
}

func (c *Cache) remove(key string) {
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
}

// Invalidate drops the entry for (host, path) if present.
func (c *Cache) Invalidate(host, path string) {
	c.remove(Key(host, path))
}

// InvalidateHost drops every entry for a host.
func (c *Cache) InvalidateHost(host string) {
	prefix := host + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.lru.Remove(key)
		}
	}
}

// Purge drops all entries. Used on configuration replacement.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.lru.Purge()
	c.resident = 0
	metrics.CacheResidentBytes.Set(0)
	c.mu.Unlock()
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := c.lru.Len()
	resident := c.resident
	c.mu.Unlock()

	return Stats{
		Entries:       entries,
		ResidentBytes: resident,
		CapacityBytes: c.capacity,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
	}
}

// cleanupLoop periodically sweeps out entries whose backing file changed or
// whose lifetime expired, so idle stale content does not pin memory.
func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	keys := c.lru.Keys()
	entries := make([]*Entry, 0, len(keys))
	for _, key := range keys {
		if entry, ok := c.lru.Peek(key); ok {
			entries = append(entries, entry)
		}
	}
	c.mu.Unlock()

	now := time.Now()
	for _, entry := range entries {
		if c.maxLifetime > 0 && now.Sub(entry.CreatedAt) > c.maxLifetime {
			c.remove(entry.Key)
			continue
		}
		info, err := os.Stat(entry.Path)
		if err != nil || !entry.Validator.Matches(info) {
			c.remove(entry.Key)
		}
	}
}

// Close stops the background sweep.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// detectContentType resolves the content type from the file extension,
// falling back to content sniffing.
func detectContentType(fsPath string, body []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(fsPath)); ct != "" {
		// Strip parameters so the compressible lookup matches.
		if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
			return mediaType
		}
		return ct
	}
	return http.DetectContentType(body)
}

func gzipBytes(body []byte) []byte {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil
	}
	if _, err := gw.Write(body); err != nil {
		gw.Close()
		return nil
	}
	if err := gw.Close(); err != nil {
		return nil
	}
	return buf.Bytes()
}

func brotliBytes(body []byte) []byte {
	var buf bytes.Buffer
	bw := brotli.NewWriterLevel(&buf, brotli.BestCompression)
	if _, err := bw.Write(body); err != nil {
		bw.Close()
		return nil
	}
	if err := bw.Close(); err != nil {
		return nil
	}
	return buf.Bytes()
}
