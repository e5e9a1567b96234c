package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/gruxhq/grux/internal/config"
	serveerrors "github.com/gruxhq/grux/internal/errors"
	"github.com/gruxhq/grux/internal/logging"
	"github.com/gruxhq/grux/internal/metrics"
)

// maxConfigBody bounds PUT /api/config request bodies.
const maxConfigBody = 1 << 20

// StatusFunc supplies the runtime snapshot served by GET /api/status.
type StatusFunc func() any

// Handler serves the admin configuration API. Every endpoint requires the
// bearer token; a successful config write is validated, persisted, and
// pushed through the watcher so the serving core swaps atomically.
type Handler struct {
	tokens     *TokenStore
	watcher    *config.Watcher
	loader     *config.Loader
	configPath string
	status     StatusFunc
}

// NewHandler creates the admin API handler.
func NewHandler(tokens *TokenStore, watcher *config.Watcher, configPath string, status StatusFunc) *Handler {
	return &Handler{
		tokens:     tokens,
		watcher:    watcher,
		loader:     config.NewLoader(),
		configPath: configPath,
		status:     status,
	}
}

// RegisterRoutes registers the admin API routes on the given mux.
//   - GET  /api/config      current configuration (YAML)
//   - PUT  /api/config      replace configuration
//   - POST /api/token/reset rotate the admin token
//   - GET  /api/status      runtime snapshot
//   - GET  /metrics         Prometheus metrics
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/api/config", h.auth(http.HandlerFunc(h.handleConfig)))
	mux.Handle("/api/token/reset", h.auth(http.HandlerFunc(h.handleTokenReset)))
	mux.Handle("/api/status", h.auth(http.HandlerFunc(h.handleStatus)))
	mux.Handle("/metrics", h.auth(metrics.Handler()))
}

// auth validates the Authorization: Bearer token against the stored hash.
func (h *Handler) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) || !h.tokens.Verify(strings.TrimSpace(header[len(prefix):])) {
			serveerrors.ErrUnauthorized.WriteJSON(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getConfig(w)
	case http.MethodPut:
		h.putConfig(w, r)
	default:
		serveerrors.ErrMethodNotAllowed.WriteJSON(w)
	}
}

func (h *Handler) getConfig(w http.ResponseWriter) {
	data, err := config.Marshal(h.watcher.GetConfig())
	if err != nil {
		serveerrors.ErrInternalServer.WriteJSON(w)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}

// putConfig validates, persists, and publishes a replacement config. A
// config that fails validation changes nothing.
func (h *Handler) putConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
	if err != nil {
		serveerrors.ErrBadRequest.WithDetails("failed to read request body").WriteJSON(w)
		return
	}

	cfg, err := h.loader.Parse(body)
	if err != nil {
		serveerrors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
		return
	}

	if err := h.persist(body); err != nil {
		logging.Error("failed to persist config", zap.Error(err))
		serveerrors.ErrInternalServer.WithDetails("failed to persist configuration").WriteJSON(w)
		return
	}

	h.watcher.Notify(cfg)
	logging.Info("configuration replaced via admin api")

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// persist writes the config file atomically via rename so a crash mid-write
// never leaves a corrupt config on disk.
func (h *Handler) persist(body []byte) error {
	dir := filepath.Dir(h.configPath)
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), h.configPath)
}

func (h *Handler) handleTokenReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		serveerrors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}

	token, err := h.tokens.Reset()
	if err != nil {
		logging.Error("failed to reset admin token", zap.Error(err))
		serveerrors.ErrInternalServer.WriteJSON(w)
		return
	}

	logging.Info("admin token rotated")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"token":   token,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		serveerrors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}

	var snapshot any
	if h.status != nil {
		snapshot = h.status()
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
