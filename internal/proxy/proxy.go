package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	serveerrors "github.com/gruxhq/grux/internal/errors"
	"github.com/gruxhq/grux/internal/loadbalancer"
	"github.com/gruxhq/grux/internal/logging"
	"github.com/gruxhq/grux/internal/metrics"
)

// Rewrite is a substring replacement applied to the request path before
// forwarding.
type Rewrite struct {
	From            string
	To              string
	CaseInsensitive bool
}

// Route is the proxying half of a routing decision: which upstream group
// handles the request and how the outbound request is shaped.
type Route struct {
	Upstream     string
	Balancer     loadbalancer.Balancer
	Rewrites     []Rewrite
	HostRewrite  string // forced Host header value
	PreserveHost bool   // keep the client's Host instead of the target's
}

// Proxy forwards requests to upstream targets with failover.
type Proxy struct {
	pool           *TransportPool
	defaultTimeout time.Duration
}

// Config holds proxy configuration.
type Config struct {
	TransportPool  *TransportPool
	DefaultTimeout time.Duration
}

// New creates a new proxy.
func New(cfg Config) *Proxy {
	pool := cfg.TransportPool
	if pool == nil {
		pool = NewTransportPool(DefaultTransportConfig)
	}
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Proxy{
		pool:           pool,
		defaultTimeout: timeout,
	}
}

// TransportPool returns the proxy's transport pool.
func (p *Proxy) TransportPool() *TransportPool {
	return p.pool
}

// Handler returns an http.Handler that proxies requests for one route.
//
// Failure of the first attempt is retried once against a different healthy
// target, but only while nothing has been sent to the client; an error after
// the first response byte terminates the exchange instead. Requests with a
// body are not replayed.
func (p *Proxy) Handler(route *Route) http.Handler {
	transport := p.pool.Get(route.Upstream)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.defaultTimeout)
			defer cancel()
		}

		retriable := r.Body == nil || r.Body == http.NoBody
		var firstTarget string

		for attempt := 0; attempt < 2; attempt++ {
			var target *loadbalancer.Target
			if attempt == 0 {
				target = route.Balancer.Next()
			} else {
				// The retry must land on a different target than the one
				// that just failed.
				target = route.Balancer.NextExcluding(firstTarget)
			}
			if target == nil {
				break
			}

			resp, err := p.forward(ctx, r, route, transport, target)
			if err == nil {
				p.writeResponse(w, resp)
				metrics.RequestsTotal.WithLabelValues("proxy").Inc()
				return
			}

			// Client gone: nothing left to answer, and the target keeps
			// its health state.
			if r.Context().Err() != nil {
				return
			}

			if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
				metrics.RequestsTotal.WithLabelValues("error").Inc()
				serveerrors.ErrGatewayTimeout.WriteJSON(w)
				return
			}

			// Connect-class failure. The health checker decides on removal
			// with its own thresholds; a failed dial just triggers failover.
			logging.Warn("upstream attempt failed",
				zap.String("upstream", route.Upstream),
				zap.String("target", target.URL),
				zap.Error(err))

			if !retriable {
				break
			}
			firstTarget = target.URL
			metrics.UpstreamRetries.Inc()
		}

		metrics.RequestsTotal.WithLabelValues("error").Inc()
		serveerrors.ErrBadGateway.WriteJSON(w)
	})
}

// forward performs one attempt against one target.
func (p *Proxy) forward(ctx context.Context, r *http.Request, route *Route, transport http.RoundTripper, target *loadbalancer.Target) (*http.Response, error) {
	targetURL := target.ParsedURL
	if targetURL == nil {
		var err error
		targetURL, err = url.Parse(target.URL)
		if err != nil {
			return nil, err
		}
	}

	target.IncrActive()
	defer target.DecrActive()

	proxyReq := createProxyRequest(ctx, r, targetURL, route)
	return transport.RoundTrip(proxyReq)
}

// writeResponse copies the upstream response to the client.
func (p *Proxy) writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are out; the exchange cannot be retried or repaired.
		logging.Debug("response body copy aborted", zap.Error(err))
	}
}

// createProxyRequest builds the outbound request: rewritten path, forwarded
// headers, hop-by-hop headers stripped.
func createProxyRequest(ctx context.Context, r *http.Request, target *url.URL, route *Route) *http.Request {
	outURL := *target
	outURL.Path = singleJoiningSlash(target.Path, rewritePath(r.URL.Path, route.Rewrites))
	outURL.RawQuery = r.URL.RawQuery

	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           &outURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	proxyReq.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		proxyReq.Header[k] = vv
	}

	switch {
	case route.HostRewrite != "":
		proxyReq.Host = route.HostRewrite
	case route.PreserveHost:
		proxyReq.Host = r.Host
	}

	if clientIP := extractClientIP(r); clientIP != "" {
		if prior := proxyReq.Header.Get("X-Forwarded-For"); prior != "" {
			proxyReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			proxyReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}

	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)

	removeHopHeaders(proxyReq.Header)

	return proxyReq
}

// rewritePath applies the route's substring rewrites in order.
func rewritePath(path string, rewrites []Rewrite) string {
	for _, rw := range rewrites {
		if rw.From == "" {
			continue
		}
		if rw.CaseInsensitive {
			path = replaceAllFold(path, rw.From, rw.To)
		} else {
			path = strings.ReplaceAll(path, rw.From, rw.To)
		}
	}
	return path
}

// replaceAllFold is strings.ReplaceAll with ASCII case-insensitive matching.
func replaceAllFold(s, from, to string) string {
	if from == "" {
		return s
	}
	var b strings.Builder
	lower := strings.ToLower(s)
	lowerFrom := strings.ToLower(from)
	for {
		idx := strings.Index(lower, lowerFrom)
		if idx < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:idx])
		b.WriteString(to)
		s = s[idx+len(from):]
		lower = lower[idx+len(lowerFrom):]
	}
}

// extractClientIP returns the remote address without the port.
func extractClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// copyHeaders copies headers from source to destination.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

// hopHeaders are connection-scoped and must not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with a single slash.
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
