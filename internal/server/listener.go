package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/gruxhq/grux/internal/config"
	"github.com/gruxhq/grux/internal/metrics"
)

// Listener is one listening socket. Plaintext bindings speak HTTP/1.1 and
// cleartext HTTP/2; TLS bindings negotiate the protocol via ALPN, with an
// optional HTTP/3 endpoint on the same port over UDP.
type Listener struct {
	id      string
	address string

	server      *http.Server
	http3Server *http3.Server
	tcpListener net.Listener
	udpConn     net.PacketConn
	tlsConfig   *tls.Config
}

// NewListener creates a listener for one binding. tlsConfig is required for
// TLS bindings and ignored otherwise.
func NewListener(binding config.BindingConfig, handler http.Handler, tlsConfig *tls.Config, idleTimeout time.Duration) *Listener {
	if idleTimeout == 0 {
		idleTimeout = 60 * time.Second
	}

	l := &Listener{
		id:      binding.ID,
		address: binding.Address,
	}

	if binding.TLS {
		l.tlsConfig = tlsConfig
	} else {
		// Cleartext HTTP/2 for clients that start with prior knowledge or
		// upgrade; plain HTTP/1.1 is unaffected.
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	l.server = &http.Server{
		Addr:              binding.Address,
		Handler:           handler,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		TLSConfig:         l.tlsConfig,
		ConnState: func(conn net.Conn, state http.ConnState) {
			if state == http.StateNew {
				metrics.ConnectionsAccepted.WithLabelValues(binding.ID).Inc()
			}
		},
	}

	if binding.HTTP3 && l.tlsConfig != nil {
		l.http3Server = &http3.Server{
			Handler:   handler,
			TLSConfig: http3.ConfigureTLSConfig(l.tlsConfig),
		}
	}

	return l
}

// ID returns the binding id.
func (l *Listener) ID() string { return l.id }

// Addr returns the configured address.
func (l *Listener) Addr() string { return l.address }

// Start binds the socket and begins serving. A port that cannot be bound is
// a startup-fatal error and is returned synchronously.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.address)
	if err != nil {
		return fmt.Errorf("listener %s: bind %s: %w", l.id, l.address, err)
	}
	l.tcpListener = ln

	if l.tlsConfig != nil {
		l.tcpListener = tls.NewListener(ln, l.tlsConfig)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := l.server.Serve(l.tcpListener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if l.http3Server != nil {
		udpConn, err := net.ListenPacket("udp", l.address)
		if err != nil {
			l.server.Shutdown(ctx)
			return fmt.Errorf("listener %s: bind udp %s: %w", l.id, l.address, err)
		}
		l.udpConn = udpConn

		go func() {
			if err := l.http3Server.Serve(udpConn); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts the listener down, letting in-flight requests
// finish within the context's deadline.
func (l *Listener) Stop(ctx context.Context) error {
	if l.http3Server != nil {
		l.http3Server.Close()
	}
	if l.udpConn != nil {
		l.udpConn.Close()
	}
	return l.server.Shutdown(ctx)
}
