package proxy

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// TransportConfig configures the HTTP transport used for one upstream group.
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	ConnectTimeout        time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration

	DisableKeepAlives bool
	ForceHTTP2        bool
}

// DefaultTransportConfig provides default transport settings.
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	MaxConnsPerHost:       0, // unlimited
	IdleConnTimeout:       90 * time.Second,
	ConnectTimeout:        5 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 30 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceHTTP2:            true,
}

// NewTransport creates an HTTP transport with the given configuration.
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}
}

// TransportPool hands out one shared transport per upstream group so idle
// connection pools are bounded per group, not per route.
type TransportPool struct {
	mu         sync.RWMutex
	transports map[string]http.RoundTripper
	base       TransportConfig
}

// NewTransportPool creates a pool with the given base configuration.
func NewTransportPool(base TransportConfig) *TransportPool {
	return &TransportPool{
		transports: make(map[string]http.RoundTripper),
		base:       base,
	}
}

// Get returns the transport for an upstream group, creating it on first use.
func (p *TransportPool) Get(upstream string) http.RoundTripper {
	p.mu.RLock()
	t, ok := p.transports[upstream]
	p.mu.RUnlock()
	if ok {
		return t
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.transports[upstream]; ok {
		return t
	}
	t = NewTransport(p.base)
	p.transports[upstream] = t
	return t
}

// CloseIdle closes idle connections on every pooled transport. Called when
// an upstream group is removed on config reload.
func (p *TransportPool) CloseIdle() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.transports {
		if transport, ok := t.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}
}

// Remove drops the transport for an upstream group and closes its idle
// connections.
func (p *TransportPool) Remove(upstream string) {
	p.mu.Lock()
	t, ok := p.transports[upstream]
	delete(p.transports, upstream)
	p.mu.Unlock()

	if ok {
		if transport, ok := t.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}
}
