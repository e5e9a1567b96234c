package static

import (
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gruxhq/grux/internal/cache"
	serveerrors "github.com/gruxhq/grux/internal/errors"
	"github.com/gruxhq/grux/internal/logging"
	"github.com/gruxhq/grux/internal/metrics"
)

// Handler serves files from a site's document root through the content
// cache. Oversize files and failed fills fall back to a direct disk read.
type Handler struct {
	root       string
	indexFiles []string
	cache      *cache.Cache
	host       string // canonical cache key host for the site
}

// New creates a static handler for one site. A nil cache disables caching
// and serves everything from disk.
func New(host, root string, indexFiles []string, contentCache *cache.Cache) *Handler {
	if len(indexFiles) == 0 {
		indexFiles = []string{"index.html"}
	}
	return &Handler{
		root:       root,
		indexFiles: indexFiles,
		cache:      contentCache,
		host:       host,
	}
}

// ServeHTTP serves a single file request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		serveerrors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}

	fsPath, ok := h.resolve(r.URL.Path)
	if !ok {
		metrics.RequestsTotal.WithLabelValues("not_found").Inc()
		serveerrors.ErrNotFound.WriteJSON(w)
		return
	}

	if h.cache != nil {
		if entry, hit := h.cache.Lookup(h.host, fsPath); hit {
			h.writeEntry(w, r, entry)
			metrics.RequestsTotal.WithLabelValues("cache").Inc()
			return
		}

		entry, err := h.cache.Fill(h.host, fsPath, fsPath)
		if err == nil {
			h.writeEntry(w, r, entry)
			metrics.RequestsTotal.WithLabelValues("cache").Inc()
			return
		}
		if errors.Is(err, os.ErrNotExist) {
			metrics.RequestsTotal.WithLabelValues("not_found").Inc()
			serveerrors.ErrNotFound.WriteJSON(w)
			return
		}
		if !errors.Is(err, cache.ErrEntryTooLarge) {
			logging.Warn("cache fill failed, serving from disk",
				zap.String("path", fsPath), zap.Error(err))
		}
	}

	h.serveFromDisk(w, r, fsPath)
}

// resolve maps a URL path to a file under the document root, applying
// index file resolution and rejecting traversal outside the root.
func (h *Handler) resolve(urlPath string) (string, bool) {
	cleaned := path.Clean("/" + urlPath)
	fsPath := filepath.Join(h.root, filepath.FromSlash(cleaned))

	// Join cleans again, but a root containing symlinked ".." style input
	// must never escape the document root.
	rootPrefix := filepath.Clean(h.root) + string(filepath.Separator)
	if fsPath != filepath.Clean(h.root) && !strings.HasPrefix(fsPath, rootPrefix) {
		return "", false
	}

	info, err := os.Stat(fsPath)
	if err != nil {
		// Missing files surface as 404 from the fill or disk path.
		return fsPath, true
	}

	if info.IsDir() {
		for _, index := range h.indexFiles {
			candidate := filepath.Join(fsPath, index)
			if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
				return candidate, true
			}
		}
		return "", false
	}

	return fsPath, true
}

// writeEntry writes a cached entry, negotiating the encoding variant.
func (h *Handler) writeEntry(w http.ResponseWriter, r *http.Request, entry *cache.Entry) {
	body, encoding := entry.Negotiate(r.Header.Get("Accept-Encoding"))

	header := w.Header()
	header.Set("Content-Type", entry.ContentType)
	header.Set("Last-Modified", entry.Validator.ModTime.UTC().Format(http.TimeFormat))
	if entry.Gzip != nil || entry.Brotli != nil {
		header.Add("Vary", "Accept-Encoding")
	}
	if encoding != "" {
		header.Set("Content-Encoding", encoding)
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))

	if checkNotModified(r, entry.Validator.ModTime) {
		header.Del("Content-Length")
		header.Del("Content-Encoding")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// serveFromDisk streams the file directly, bypassing the cache. Used for
// oversize files and as the fallback when a fill fails.
func (h *Handler) serveFromDisk(w http.ResponseWriter, r *http.Request, fsPath string) {
	f, err := os.Open(fsPath)
	if err != nil {
		if os.IsNotExist(err) {
			metrics.RequestsTotal.WithLabelValues("not_found").Inc()
			serveerrors.ErrNotFound.WriteJSON(w)
			return
		}
		metrics.RequestsTotal.WithLabelValues("error").Inc()
		serveerrors.ErrInternalServer.WriteJSON(w)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		metrics.RequestsTotal.WithLabelValues("not_found").Inc()
		serveerrors.ErrNotFound.WriteJSON(w)
		return
	}

	metrics.RequestsTotal.WithLabelValues("disk").Inc()
	http.ServeContent(w, r, filepath.Base(fsPath), info.ModTime(), f)
}

func checkNotModified(r *http.Request, modTime time.Time) bool {
	ims := r.Header.Get("If-Modified-Since")
	if ims == "" {
		return false
	}
	t, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	// Header precision is one second.
	return !modTime.Truncate(time.Second).After(t)
}
