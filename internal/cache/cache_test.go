package cache

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/gruxhq/grux/internal/config"
)

func writeFile(t *testing.T, dir, name string, body []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestCache(capacity, maxEntry int64) *Cache {
	return New(config.CacheConfig{
		CapacityBytes:      capacity,
		MaxEntryBytes:      maxEntry,
		RevalidateInterval: time.Hour,
	})
}

func TestFillAndLookup(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "index.html", []byte("<html>hello</html>"))

	c := newTestCache(1<<20, 1<<19)
	defer c.Close()

	entry, err := c.Fill("example.com", "/index.html", path)
	if err != nil {
		t.Fatal(err)
	}
	if entry.ContentType != "text/html" {
		t.Errorf("expected text/html, got %s", entry.ContentType)
	}

	got, ok := c.Lookup("example.com", "/index.html")
	if !ok {
		t.Fatal("expected cache hit after fill")
	}
	if !bytes.Equal(got.Body, []byte("<html>hello</html>")) {
		t.Error("body mismatch")
	}
}

func TestLookupMissForUnknownKey(t *testing.T) {
	c := newTestCache(1<<20, 1<<19)
	defer c.Close()

	if _, ok := c.Lookup("example.com", "/nope"); ok {
		t.Fatal("expected miss")
	}
}

func TestEntryTooLargeNeverCached(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "big.bin", make([]byte, 2048))

	c := newTestCache(1<<20, 1024)
	defer c.Close()

	if _, err := c.Fill("example.com", "/big.bin", path); err != ErrEntryTooLarge {
		t.Fatalf("expected ErrEntryTooLarge, got %v", err)
	}
	if stats := c.Stats(); stats.Entries != 0 {
		t.Fatalf("oversize file must not be cached, got %d entries", stats.Entries)
	}
}

func TestCapacityCeilingUnderConcurrentInserts(t *testing.T) {
	dir := t.TempDir()
	const capacity = 8 * 1024
	const fileSize = 1024

	c := newTestCache(capacity, 4*1024)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		path := writeFile(t, dir, fmt.Sprintf("f%d.bin", i), make([]byte, fileSize))
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			if _, err := c.Fill("example.com", fmt.Sprintf("/f%d.bin", i), path); err != nil {
				t.Errorf("fill failed: %v", err)
			}
			if resident := c.Stats().ResidentBytes; resident > capacity {
				t.Errorf("resident bytes %d exceed capacity %d", resident, capacity)
			}
		}(i, path)
	}
	wg.Wait()

	if resident := c.Stats().ResidentBytes; resident > capacity {
		t.Fatalf("resident bytes %d exceed capacity %d after inserts", resident, capacity)
	}
}

func TestLRUEvictionOrder(t *testing.T) {
	dir := t.TempDir()
	// Capacity fits two 2 KiB entries but not three.
	c := newTestCache(5*1024, 4*1024)
	defer c.Close()

	body := make([]byte, 2048)
	pathA := writeFile(t, dir, "a.bin", body)
	pathB := writeFile(t, dir, "b.bin", body)
	pathC := writeFile(t, dir, "c.bin", body)

	if _, err := c.Fill("example.com", "/a.bin", pathA); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Fill("example.com", "/b.bin", pathB); err != nil {
		t.Fatal(err)
	}

	// Touch a so b becomes the LRU victim.
	if _, ok := c.Lookup("example.com", "/a.bin"); !ok {
		t.Fatal("expected hit for a")
	}

	if _, err := c.Fill("example.com", "/c.bin", pathC); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Lookup("example.com", "/b.bin"); ok {
		t.Error("least-recently-used entry b should have been evicted")
	}
	if _, ok := c.Lookup("example.com", "/a.bin"); !ok {
		t.Error("recently used entry a should survive")
	}
	if _, ok := c.Lookup("example.com", "/c.bin"); !ok {
		t.Error("newly inserted entry c should be present")
	}
}

func TestStaleValidatorDropsEntry(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "page.html", []byte(strings.Repeat("a", 100)))

	c := New(config.CacheConfig{
		CapacityBytes:      1 << 20,
		MaxEntryBytes:      1 << 19,
		RevalidateInterval: time.Nanosecond,
	})
	defer c.Close()

	if _, err := c.Fill("example.com", "/page.html", path); err != nil {
		t.Fatal(err)
	}

	// Change size and mtime; the next lookup revalidates and must miss.
	writeFile(t, dir, "page.html", []byte("changed"))
	time.Sleep(10 * time.Millisecond)

	if _, ok := c.Lookup("example.com", "/page.html"); ok {
		t.Fatal("stale entry served after backing file changed")
	}
}

func TestRevalidationIsRateLimited(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "page.html", []byte(strings.Repeat("a", 100)))

	c := newTestCache(1<<20, 1<<19) // one hour revalidation interval
	defer c.Close()

	if _, err := c.Fill("example.com", "/page.html", path); err != nil {
		t.Fatal(err)
	}

	// Within the interval the filesystem is not consulted, so the old
	// content is still served.
	writeFile(t, dir, "page.html", []byte("changed"))

	got, ok := c.Lookup("example.com", "/page.html")
	if !ok {
		t.Fatal("expected hit within revalidation interval")
	}
	if string(got.Body) == "changed" {
		t.Error("entry should not have been refilled within the interval")
	}
}

func TestSingleFlightFill(t *testing.T) {
	dir := t.TempDir()
	// Large compressible body so the fill takes long enough for callers to pile up.
	body := []byte("<html>" + strings.Repeat("the quick brown fox ", 50000) + "</html>")
	path := writeFile(t, dir, "big.html", body)

	c := newTestCache(16<<20, 8<<20)
	defer c.Close()

	const callers = 16
	entries := make([]*Entry, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			entry, err := c.Fill("example.com", "/big.html", path)
			if err != nil {
				t.Errorf("fill failed: %v", err)
				return
			}
			entries[i] = entry
		}(i)
	}
	close(start)
	wg.Wait()

	distinct := make(map[*Entry]struct{})
	for _, entry := range entries {
		if entry != nil {
			distinct[entry] = struct{}{}
		}
	}
	if len(distinct) > 2 {
		t.Fatalf("expected concurrent fills to coalesce, got %d distinct fills", len(distinct))
	}
	if stats := c.Stats(); stats.Entries != 1 {
		t.Fatalf("expected 1 entry, got %d", stats.Entries)
	}
}

func TestPrecompressedVariants(t *testing.T) {
	dir := t.TempDir()
	body := []byte("<html>" + strings.Repeat("compress me ", 1000) + "</html>")
	path := writeFile(t, dir, "index.html", body)

	c := newTestCache(1<<20, 1<<19)
	defer c.Close()

	entry, err := c.Fill("example.com", "/index.html", path)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Gzip == nil || entry.Brotli == nil {
		t.Fatal("expected precomputed gzip and brotli variants")
	}

	selected, encoding := entry.Negotiate("gzip")
	if encoding != "gzip" {
		t.Fatalf("expected gzip encoding, got %q", encoding)
	}

	gr, err := gzip.NewReader(bytes.NewReader(selected))
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := io.ReadAll(gr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, body) {
		t.Error("gzip variant does not round-trip to original body")
	}
}

func TestSmallBodiesNotCompressed(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tiny.html", []byte("<p>hi</p>"))

	c := newTestCache(1<<20, 1<<19)
	defer c.Close()

	entry, err := c.Fill("example.com", "/tiny.html", path)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Gzip != nil || entry.Brotli != nil {
		t.Error("bodies below the threshold should not be compressed")
	}
}

func TestNegotiate(t *testing.T) {
	entry := &Entry{
		Body:   []byte("raw"),
		Gzip:   []byte("gz"),
		Brotli: []byte("br"),
	}

	cases := []struct {
		accept   string
		encoding string
	}{
		{"", ""},
		{"gzip", "gzip"},
		{"br", "br"},
		{"gzip, br", "br"}, // server prefers brotli on equal quality
		{"gzip;q=1.0, br;q=0.5", "gzip"},
		{"gzip;q=0", ""},
		{"identity", ""},
		{"*", "br"},
		{"zstd", ""},
	}

	for _, tc := range cases {
		_, encoding := entry.Negotiate(tc.accept)
		if encoding != tc.encoding {
			t.Errorf("Accept-Encoding %q: expected %q, got %q", tc.accept, tc.encoding, encoding)
		}
	}
}

func TestNegotiateWithoutVariants(t *testing.T) {
	entry := &Entry{Body: []byte("raw")}

	body, encoding := entry.Negotiate("gzip, br")
	if encoding != "" {
		t.Fatalf("expected identity for uncompressed entry, got %q", encoding)
	}
	if !bytes.Equal(body, []byte("raw")) {
		t.Error("expected raw body")
	}
}

func TestInvalidate(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.html", []byte("<html>a</html>"))

	c := newTestCache(1<<20, 1<<19)
	defer c.Close()

	if _, err := c.Fill("example.com", "/a.html", path); err != nil {
		t.Fatal(err)
	}
	c.Invalidate("example.com", "/a.html")

	if _, ok := c.Lookup("example.com", "/a.html"); ok {
		t.Fatal("expected miss after invalidation")
	}
}

func TestInvalidateHost(t *testing.T) {
	dir := t.TempDir()
	pathA := writeFile(t, dir, "a.html", []byte("<html>a</html>"))
	pathB := writeFile(t, dir, "b.html", []byte("<html>b</html>"))

	c := newTestCache(1<<20, 1<<19)
	defer c.Close()

	if _, err := c.Fill("one.example.com", "/a.html", pathA); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Fill("two.example.com", "/b.html", pathB); err != nil {
		t.Fatal(err)
	}

	c.InvalidateHost("one.example.com")

	if _, ok := c.Lookup("one.example.com", "/a.html"); ok {
		t.Error("expected miss for invalidated host")
	}
	if _, ok := c.Lookup("two.example.com", "/b.html"); !ok {
		t.Error("other host should be untouched")
	}
}

func TestMaxLifetimeExpiry(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.html", []byte("<html>a</html>"))

	c := New(config.CacheConfig{
		CapacityBytes:      1 << 20,
		MaxEntryBytes:      1 << 19,
		RevalidateInterval: time.Hour,
		MaxItemLifetime:    10 * time.Millisecond,
	})
	defer c.Close()

	if _, err := c.Fill("example.com", "/a.html", path); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Lookup("example.com", "/a.html"); ok {
		t.Fatal("entry past its max lifetime should not be served")
	}
}

func TestFillMissingFile(t *testing.T) {
	c := newTestCache(1<<20, 1<<19)
	defer c.Close()

	if _, err := c.Fill("example.com", "/gone", "/nonexistent/gone"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestReplacementDoesNotCountAsEviction(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "page.txt", []byte("first version"))

	c := newTestCache(1<<20, 1<<19)
	defer c.Close()

	if _, err := c.Fill("example.com", "/page.txt", path); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "page.txt", []byte("second version, a bit longer"))
	if _, err := c.Fill("example.com", "/page.txt", path); err != nil {
		t.Fatal(err)
	}

	stats := c.Stats()
	if stats.Evictions != 0 {
		t.Errorf("refreshing a key counted %d evictions, want 0", stats.Evictions)
	}
	if stats.Entries != 1 {
		t.Errorf("entries = %d, want 1", stats.Entries)
	}
	if want := int64(len("second version, a bit longer")); stats.ResidentBytes != want {
		t.Errorf("resident = %d, want %d", stats.ResidentBytes, want)
	}
}

func TestInvalidateDoesNotCountAsEviction(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "page.txt", []byte("content"))

	c := newTestCache(1<<20, 1<<19)
	defer c.Close()

	if _, err := c.Fill("example.com", "/page.txt", path); err != nil {
		t.Fatal(err)
	}
	c.Invalidate("example.com", "/page.txt")

	if got := c.Stats().Evictions; got != 0 {
		t.Errorf("invalidation counted %d evictions, want 0", got)
	}
}

func TestCapacityEvictionIsCounted(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", bytes.Repeat([]byte("a"), 600))
	b := writeFile(t, dir, "b.txt", bytes.Repeat([]byte("b"), 600))

	c := newTestCache(1000, 800)
	defer c.Close()

	if _, err := c.Fill("example.com", "/a.txt", a); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Fill("example.com", "/b.txt", b); err != nil {
		t.Fatal(err)
	}

	stats := c.Stats()
	if stats.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", stats.Evictions)
	}
	if stats.Entries != 1 {
		t.Errorf("entries = %d, want 1", stats.Entries)
	}
}
