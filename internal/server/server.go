package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/gruxhq/grux/internal/admin"
	"github.com/gruxhq/grux/internal/cache"
	"github.com/gruxhq/grux/internal/certstore"
	"github.com/gruxhq/grux/internal/config"
	"github.com/gruxhq/grux/internal/health"
	"github.com/gruxhq/grux/internal/logging"
	"github.com/gruxhq/grux/internal/metrics"
	"github.com/gruxhq/grux/internal/proxy"
	"github.com/gruxhq/grux/internal/router"
)

// Server wires the serving pipeline together: listeners feeding the router,
// the content cache behind static sites, the proxy engine behind routed
// paths, and the control surfaces (config watcher, admin API, certificate
// renewal).
type Server struct {
	configPath string
	watcher    *config.Watcher

	cache       *cache.Cache
	proxy       *proxy.Proxy
	checker     *health.Checker
	upstreams   *UpstreamManager
	router      *router.Router
	certs       *certstore.Store
	tokens      *admin.TokenStore
	listeners   []*Listener
	tlsConfig   *tls.Config
	idleTimeout time.Duration

	mu            sync.Mutex // serializes apply
	renewCancel   context.CancelFunc
	accessLoggers map[string]*zap.Logger
	loggerMu      sync.Mutex
}

// New builds a server from the config file at configPath. Construction
// fails on any condition that must abort startup: unreadable or invalid
// config, broken certificate files, unusable admin state.
func New(configPath string) (*Server, error) {
	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		return nil, err
	}
	cfg := watcher.GetConfig()

	s := &Server{
		configPath:    configPath,
		watcher:       watcher,
		idleTimeout:   cfg.Server.IdleTimeout,
		accessLoggers: make(map[string]*zap.Logger),
	}

	s.checker = health.NewChecker(health.Config{
		OnChange: func(url string, status health.Status) {
			s.upstreams.HandleHealthChange(url, status)
		},
	})
	s.upstreams = NewUpstreamManager(s.checker)
	s.upstreams.Apply(cfg.Upstreams)

	if cfg.Cache.IsEnabled() {
		s.cache = cache.New(cfg.Cache)
	}

	transportCfg := proxy.DefaultTransportConfig
	if cfg.Server.UpstreamConnectTimeout > 0 {
		transportCfg.ConnectTimeout = cfg.Server.UpstreamConnectTimeout
	}
	if cfg.Server.UpstreamResponseTimeout > 0 {
		transportCfg.ResponseHeaderTimeout = cfg.Server.UpstreamResponseTimeout
	}
	s.proxy = proxy.New(proxy.Config{
		TransportPool:  proxy.NewTransportPool(transportCfg),
		DefaultTimeout: cfg.Server.UpstreamResponseTimeout,
	})

	table, err := s.buildTable(cfg)
	if err != nil {
		return nil, err
	}
	s.router = router.New(table)

	if err := s.initCertStore(cfg); err != nil {
		return nil, err
	}

	if err := s.initAdmin(cfg); err != nil {
		return nil, err
	}

	if err := s.initListeners(cfg); err != nil {
		return nil, err
	}

	watcher.OnChange(s.apply)
	return s, nil
}

// initCertStore sets up the certificate store: static site certificates,
// the self-signed fallback, and optional ACME issuance.
func (s *Server) initCertStore(cfg *config.Config) error {
	hostnames := tlsHostnames(cfg)
	fallback, err := certstore.NewSelfSigned(hostnames)
	if err != nil {
		return fmt.Errorf("generate fallback certificate: %w", err)
	}
	s.certs = certstore.New(fallback)

	certs, err := certstore.LoadSiteCertificates(cfg.Sites)
	if err != nil {
		return err
	}
	s.certs.Replace(certs)

	if cfg.ACME.Enabled {
		cacheDir := cfg.ACME.CacheDir
		if cacheDir == "" {
			cacheDir = filepath.Join(cfg.Admin.StateDir, "acme")
		}
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(cacheDir),
			HostPolicy: autocert.HostWhitelist(hostnames...),
			Email:      cfg.ACME.Email,
		}
		if cfg.ACME.DirectoryURL != "" {
			manager.Client = &acme.Client{DirectoryURL: cfg.ACME.DirectoryURL}
		}
		s.certs.SetACME(manager)
	}

	tlsCfg := s.certs.TLSConfig()

	// Count handshakes we cannot serve a certificate for.
	inner := tlsCfg.GetCertificate
	tlsCfg.GetCertificate = func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := inner(hello)
		if err != nil {
			metrics.TLSHandshakeFailures.Inc()
		}
		return cert, err
	}
	s.tlsConfig = tlsCfg
	return nil
}

// initAdmin prepares the admin token, generating and printing it on first
// run. The plaintext is shown exactly once.
func (s *Server) initAdmin(cfg *config.Config) error {
	s.tokens = admin.NewTokenStore(cfg.Admin.StateDir)
	token, created, err := s.tokens.Ensure()
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("admin token (shown once, store it securely): %s\n", token)
		logging.Info("admin token generated on first run")
	}
	return nil
}

// initListeners creates a listener per binding. Admin bindings serve the
// admin API instead of site traffic.
func (s *Server) initListeners(cfg *config.Config) error {
	adminHandler := admin.NewHandler(s.tokens, s.watcher, s.configPath, s.statusSnapshot)

	for _, binding := range cfg.Bindings {
		var handler http.Handler
		if binding.Admin {
			mux := http.NewServeMux()
			adminHandler.RegisterRoutes(mux)
			handler = mux
		} else {
			handler = s.router
		}
		s.listeners = append(s.listeners, NewListener(binding, handler, s.tlsConfig, s.idleTimeout))
	}
	return nil
}

// Run starts the listeners and blocks until ctx is canceled, then shuts
// everything down gracefully.
func (s *Server) Run(ctx context.Context) error {
	for i, l := range s.listeners {
		if err := l.Start(ctx); err != nil {
			// A port that cannot be bound aborts startup; stop whatever
			// already came up.
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for _, started := range s.listeners[:i] {
				started.Stop(stopCtx)
			}
			cancel()
			return err
		}
		logging.Info("listener started",
			zap.String("id", l.ID()),
			zap.String("address", l.Addr()))
	}

	if err := s.watcher.Start(); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	s.startRenewer(s.watcher.GetConfig())

	logging.Info("server running")
	<-ctx.Done()

	logging.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.watcher.Stop()
	s.checker.Stop()
	if s.renewCancel != nil {
		s.renewCancel()
	}

	var wg sync.WaitGroup
	for _, l := range s.listeners {
		wg.Add(1)
		go func(l *Listener) {
			defer wg.Done()
			if err := l.Stop(shutdownCtx); err != nil {
				logging.Warn("listener shutdown", zap.String("id", l.ID()), zap.Error(err))
			}
		}(l)
	}
	wg.Wait()

	if s.cache != nil {
		s.cache.Close()
	}
	s.syncAccessLoggers()
	return nil
}

// apply reacts to a validated replacement config: upstream groups are
// reconciled (removed targets drain), the routing table and certificate map
// are swapped atomically, and cached content is invalidated.
func (s *Server) apply(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upstreams.Apply(cfg.Upstreams)

	table, err := s.buildTable(cfg)
	if err != nil {
		logging.Error("config apply failed, keeping previous routes", zap.Error(err))
		return
	}
	s.router.Swap(table)

	// Only after the new table is live: requests still resolving through
	// the old one must not hit a draining group.
	s.upstreams.Prune(cfg.Upstreams)

	certs, err := certstore.LoadSiteCertificates(cfg.Sites)
	if err != nil {
		logging.Error("certificate reload failed, keeping previous certificates", zap.Error(err))
	} else {
		s.certs.Replace(certs)
	}

	if s.cache != nil {
		s.cache.Purge()
	}

	s.startRenewer(cfg)
	logging.Info("configuration applied")
}

// startRenewer (re)starts the certificate renewal loop for the current set
// of static certificate files.
func (s *Server) startRenewer(cfg *config.Config) {
	if s.renewCancel != nil {
		s.renewCancel()
		s.renewCancel = nil
	}

	var sources []certstore.FileSource
	for _, site := range cfg.Sites {
		if site.TLS.CertFile == "" || site.TLS.KeyFile == "" {
			continue
		}
		for _, hostname := range site.Hostnames {
			if hostname == "*" {
				continue
			}
			sources = append(sources, certstore.FileSource{
				Hostname: hostname,
				CertFile: site.TLS.CertFile,
				KeyFile:  site.TLS.KeyFile,
			})
		}
	}
	if len(sources) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.renewCancel = cancel
	go certstore.NewRenewer(s.certs, sources, time.Hour, 30*24*time.Hour).Run(ctx)
}

// statusSnapshot feeds the admin status endpoint.
func (s *Server) statusSnapshot() any {
	out := map[string]any{
		"upstreams":    s.upstreams.Snapshot(),
		"certificates": s.certs.Status(),
	}
	if s.cache != nil {
		out["cache"] = s.cache.Stats()
	}
	return out
}

// contentCache returns the cache, nil when disabled.
func (s *Server) contentCache() *cache.Cache {
	return s.cache
}

// trackAccessLogger remembers per-site access loggers so buffers are
// flushed on shutdown. A reload replacing a site's logger flushes the old
// one.
func (s *Server) trackAccessLogger(siteID string, logger *zap.Logger) {
	s.loggerMu.Lock()
	defer s.loggerMu.Unlock()
	if old, ok := s.accessLoggers[siteID]; ok {
		old.Sync()
	}
	s.accessLoggers[siteID] = logger
}

func (s *Server) syncAccessLoggers() {
	s.loggerMu.Lock()
	defer s.loggerMu.Unlock()
	for _, logger := range s.accessLoggers {
		logger.Sync()
	}
}

// tlsHostnames collects every hostname that can appear in an SNI, used for
// the self-signed fallback SANs and the ACME host policy.
func tlsHostnames(cfg *config.Config) []string {
	var hostnames []string
	for _, site := range cfg.Sites {
		for _, hostname := range site.Hostnames {
			if hostname != "*" {
				hostnames = append(hostnames, hostname)
			}
		}
	}
	return hostnames
}
