package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors. Loading an invalid config is a
// startup-fatal condition; a reload that fails validation is rejected and
// the previous config stays live.
func (l *Loader) validate(cfg *Config) error {
	if len(cfg.Bindings) == 0 {
		return fmt.Errorf("at least one binding is required")
	}

	bindingIDs := make(map[string]bool)
	addresses := make(map[string]bool)
	for i, b := range cfg.Bindings {
		if b.ID == "" {
			return fmt.Errorf("binding %d: id is required", i)
		}
		if bindingIDs[b.ID] {
			return fmt.Errorf("duplicate binding id: %s", b.ID)
		}
		bindingIDs[b.ID] = true

		host, port, err := net.SplitHostPort(b.Address)
		if err != nil {
			return fmt.Errorf("binding %s: invalid address %q: %w", b.ID, b.Address, err)
		}
		if host != "" {
			if ip := net.ParseIP(host); ip == nil {
				return fmt.Errorf("binding %s: invalid listen IP %q", b.ID, host)
			}
		}
		if port == "0" || port == "" {
			return fmt.Errorf("binding %s: port is required", b.ID)
		}
		if addresses[b.Address] {
			return fmt.Errorf("binding %s: address %s already in use by another binding", b.ID, b.Address)
		}
		addresses[b.Address] = true

		if b.HTTP3 && !b.TLS {
			return fmt.Errorf("binding %s: http3 requires tls", b.ID)
		}
	}

	upstreams := make(map[string]bool)
	for i, u := range cfg.Upstreams {
		if u.Name == "" {
			return fmt.Errorf("upstream %d: name is required", i)
		}
		if upstreams[u.Name] {
			return fmt.Errorf("duplicate upstream name: %s", u.Name)
		}
		upstreams[u.Name] = true

		switch u.Policy {
		case "", "round_robin", "least_conn":
		default:
			return fmt.Errorf("upstream %s: unknown policy %q", u.Name, u.Policy)
		}

		if len(u.Targets) == 0 {
			return fmt.Errorf("upstream %s: at least one target is required", u.Name)
		}
		for _, t := range u.Targets {
			parsed, err := url.Parse(t.URL)
			if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
				return fmt.Errorf("upstream %s: target %q must be an http:// or https:// URL", u.Name, t.URL)
			}
			if t.Weight < 0 {
				return fmt.Errorf("upstream %s: target %s: negative weight", u.Name, t.URL)
			}
		}

		if u.HealthCheck.Path != "" && !strings.HasPrefix(u.HealthCheck.Path, "/") {
			return fmt.Errorf("upstream %s: health check path must start with /", u.Name)
		}
	}

	defaultSites := 0
	siteIDs := make(map[string]bool)
	for i, s := range cfg.Sites {
		if s.ID == "" {
			return fmt.Errorf("site %d: id is required", i)
		}
		if siteIDs[s.ID] {
			return fmt.Errorf("duplicate site id: %s", s.ID)
		}
		siteIDs[s.ID] = true

		if s.Default {
			defaultSites++
		}
		if len(s.Hostnames) == 0 && !s.Default {
			return fmt.Errorf("site %s: at least one hostname is required", s.ID)
		}
		for _, h := range s.Hostnames {
			h = strings.TrimSpace(h)
			if h == "" {
				return fmt.Errorf("site %s: empty hostname", s.ID)
			}
			if h != "*" && len(h) < 3 {
				return fmt.Errorf("site %s: hostname %q too short", s.ID, h)
			}
		}

		if s.Root == "" && len(s.Routes) == 0 {
			return fmt.Errorf("site %s: needs a document root or at least one route", s.ID)
		}

		for j, r := range s.Routes {
			if !strings.HasPrefix(r.PathPrefix, "/") {
				return fmt.Errorf("site %s route %d: path_prefix must start with /", s.ID, j)
			}
			if r.Upstream == "" && r.FastCGI == nil {
				return fmt.Errorf("site %s route %d: upstream or fastcgi is required", s.ID, j)
			}
			if r.Upstream != "" && r.FastCGI != nil {
				return fmt.Errorf("site %s route %d: upstream and fastcgi are mutually exclusive", s.ID, j)
			}
			if r.Upstream != "" && !upstreams[r.Upstream] {
				return fmt.Errorf("site %s route %d: unknown upstream %q", s.ID, j, r.Upstream)
			}
			if r.FastCGI != nil {
				if r.FastCGI.Address == "" {
					return fmt.Errorf("site %s route %d: fastcgi address is required", s.ID, j)
				}
				if r.FastCGI.DocumentRoot == "" {
					return fmt.Errorf("site %s route %d: fastcgi document_root is required", s.ID, j)
				}
			}
		}

		if (s.TLS.CertFile == "") != (s.TLS.KeyFile == "") {
			return fmt.Errorf("site %s: cert_file and key_file must be set together", s.ID)
		}
	}
	if defaultSites > 1 {
		return fmt.Errorf("only one default site is allowed")
	}

	if cfg.Cache.CapacityBytes <= 0 {
		return fmt.Errorf("cache capacity_bytes must be positive")
	}
	if cfg.Cache.MaxEntryBytes <= 0 {
		return fmt.Errorf("cache max_entry_bytes must be positive")
	}
	if cfg.Cache.RevalidateInterval <= 0 {
		return fmt.Errorf("cache revalidate_interval must be positive")
	}

	if cfg.ACME.Enabled && cfg.ACME.Email == "" {
		return fmt.Errorf("acme: email is required when enabled")
	}

	return nil
}

// Marshal serializes a config back to YAML, used by the admin API when
// persisting a replacement config.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
