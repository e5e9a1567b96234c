package config

import "time"

// Config is the root configuration for the serving engine.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Bindings  []BindingConfig  `yaml:"bindings"`
	Sites     []SiteConfig     `yaml:"sites"`
	Upstreams []UpstreamConfig `yaml:"upstreams"`
	Cache     CacheConfig      `yaml:"cache"`
	ACME      ACMEConfig       `yaml:"acme"`
	Admin     AdminConfig      `yaml:"admin"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds the request-lifecycle timeouts. Each has a fixed sane
// default; no lower-level socket tunables are exposed.
type ServerConfig struct {
	IdleTimeout             time.Duration `yaml:"idle_timeout"`
	UpstreamConnectTimeout  time.Duration `yaml:"upstream_connect_timeout"`
	UpstreamResponseTimeout time.Duration `yaml:"upstream_response_timeout"`
}

// BindingConfig is a listening socket: address, TLS, and whether it serves
// the admin surface instead of site traffic.
type BindingConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	TLS     bool   `yaml:"tls"`
	Admin   bool   `yaml:"admin"`
	HTTP3   bool   `yaml:"http3"`
}

// SiteConfig groups hostnames with a document root and the routes served
// under them. A default site catches requests whose host matches no site.
type SiteConfig struct {
	ID         string          `yaml:"id"`
	Hostnames  []string        `yaml:"hostnames"`
	Default    bool            `yaml:"default"`
	Enabled    *bool           `yaml:"enabled"`
	Root       string          `yaml:"root"`
	IndexFiles []string        `yaml:"index_files"`
	TLS        SiteTLSConfig   `yaml:"tls"`
	Routes     []RouteConfig   `yaml:"routes"`
	AccessLog  AccessLogConfig `yaml:"access_log"`
}

// IsEnabled treats a missing enabled flag as true.
func (s *SiteConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// SiteTLSConfig points at static certificate material for a site's
// hostnames. When empty and ACME is enabled, certificates are issued
// automatically; when both are absent a TLS binding falls back to the
// self-signed default certificate.
type SiteTLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AccessLogConfig enables per-site access logging.
type AccessLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RouteConfig maps a path prefix within a site to a backend. Exactly one of
// Upstream (named HTTP group) or FastCGI must be set; paths matching no
// route are served from the site's document root.
type RouteConfig struct {
	PathPrefix  string            `yaml:"path_prefix"`
	Upstream    string            `yaml:"upstream"`
	FastCGI     *FastCGIConfig    `yaml:"fastcgi"`
	Rewrites    []RewriteConfig   `yaml:"rewrites"`
	HostRewrite HostRewriteConfig `yaml:"host_rewrite"`
}

// RewriteConfig is an ordered from→to substring replacement applied to the
// upstream URL before forwarding.
type RewriteConfig struct {
	From            string `yaml:"from"`
	To              string `yaml:"to"`
	CaseInsensitive bool   `yaml:"case_insensitive"`
}

// HostRewriteConfig controls the Host header sent upstream. When enabled
// without a forced value, the target's own host is used.
type HostRewriteConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
}

// FastCGIConfig describes a PHP-FPM style FastCGI backend.
type FastCGIConfig struct {
	Address      string            `yaml:"address"` // tcp host:port or unix socket path
	Network      string            `yaml:"network"` // tcp|unix, guessed from address when empty
	DocumentRoot string            `yaml:"document_root"`
	ScriptName   string            `yaml:"script_name"` // single-entry-point mode when set
	Index        string            `yaml:"index"`
	PoolSize     int               `yaml:"pool_size"`
	ConnTimeout  time.Duration     `yaml:"conn_timeout"`
	Params       map[string]string `yaml:"params"`
}

// UpstreamConfig is a named group of HTTP targets with a balancing policy
// and a health check.
type UpstreamConfig struct {
	Name        string            `yaml:"name"`
	Policy      string            `yaml:"policy"` // round_robin (default) | least_conn
	Targets     []TargetConfig    `yaml:"targets"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
}

// TargetConfig is a single upstream address. Scheme https enables TLS to
// the target; the listener has already offloaded client TLS.
type TargetConfig struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

// HealthCheckConfig tunes the background probe loop. A target becomes
// unhealthy after UnhealthyAfter consecutive failures and healthy again
// after HealthyAfter consecutive passes.
type HealthCheckConfig struct {
	Path           string        `yaml:"path"` // empty = TCP connect probe
	Interval       time.Duration `yaml:"interval"`
	Timeout        time.Duration `yaml:"timeout"`
	UnhealthyAfter int           `yaml:"unhealthy_after"`
	HealthyAfter   int           `yaml:"healthy_after"`
}

// CacheConfig bounds the in-memory content cache.
type CacheConfig struct {
	Enabled            *bool         `yaml:"enabled"`
	CapacityBytes      int64         `yaml:"capacity_bytes"`
	MaxEntryBytes      int64         `yaml:"max_entry_bytes"`
	RevalidateInterval time.Duration `yaml:"revalidate_interval"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	MaxItemLifetime    time.Duration `yaml:"max_item_lifetime"`
}

// IsEnabled treats a missing enabled flag as true.
func (c *CacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ACMEConfig enables automatic certificate issuance for site hostnames.
type ACMEConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Email        string `yaml:"email"`
	CacheDir     string `yaml:"cache_dir"`
	DirectoryURL string `yaml:"directory_url"`
}

// AdminConfig locates persistent admin state (token hash, saved config).
type AdminConfig struct {
	StateDir string `yaml:"state_dir"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a config populated with defaults. The loader
// overlays the YAML document on top of this.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			IdleTimeout:             60 * time.Second,
			UpstreamConnectTimeout:  5 * time.Second,
			UpstreamResponseTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			CapacityBytes:      256 << 20, // 256 MiB
			MaxEntryBytes:      4 << 20,   // 4 MiB
			RevalidateInterval: 2 * time.Second,
			CleanupInterval:    30 * time.Second,
			MaxItemLifetime:    time.Hour,
		},
		Admin: AdminConfig{
			StateDir: "/var/lib/grux",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
