package proxy

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gruxhq/grux/internal/loadbalancer"
)

func newTargets(urls ...string) []*loadbalancer.Target {
	targets := make([]*loadbalancer.Target, len(urls))
	for i, u := range urls {
		targets[i] = &loadbalancer.Target{URL: u, Weight: 1, Healthy: true}
		targets[i].InitParsedURL()
	}
	return targets
}

func TestProxyForwardsRequest(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("backend response"))
	}))
	defer backend.Close()

	p := New(Config{})
	handler := p.Handler(&Route{
		Upstream: "app",
		Balancer: loadbalancer.NewRoundRobin(newTargets(backend.URL)),
	})

	req := httptest.NewRequest(http.MethodGet, "/page", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "backend response" {
		t.Errorf("unexpected body: %q", rec.Body.String())
	}
	if rec.Header().Get("X-Backend") != "yes" {
		t.Error("backend header not forwarded")
	}
}

func TestProxySetsForwardedHeaders(t *testing.T) {
	var got http.Header
	var gotHost string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotHost = r.Host
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := New(Config{})
	handler := p.Handler(&Route{
		Upstream: "app",
		Balancer: loadbalancer.NewRoundRobin(newTargets(backend.URL)),
	})

	req := httptest.NewRequest(http.MethodGet, "/page", nil)
	req.Host = "www.example.com"
	req.RemoteAddr = "198.51.100.7:41234"
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Proxy-Authorization", "secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if xff := got.Get("X-Forwarded-For"); xff != "198.51.100.7" {
		t.Errorf("X-Forwarded-For = %q", xff)
	}
	if proto := got.Get("X-Forwarded-Proto"); proto != "http" {
		t.Errorf("X-Forwarded-Proto = %q", proto)
	}
	if xfh := got.Get("X-Forwarded-Host"); xfh != "www.example.com" {
		t.Errorf("X-Forwarded-Host = %q", xfh)
	}
	if got.Get("Proxy-Authorization") != "" {
		t.Error("hop-by-hop header leaked to backend")
	}
	if gotHost == "www.example.com" {
		t.Error("Host should default to the target host")
	}
}

func TestProxyAppendsToExistingXFF(t *testing.T) {
	var xff string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		xff = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := New(Config{})
	handler := p.Handler(&Route{
		Upstream: "app",
		Balancer: loadbalancer.NewRoundRobin(newTargets(backend.URL)),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:41234"
	req.Header.Set("X-Forwarded-For", "203.0.113.1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if xff != "203.0.113.1, 198.51.100.7" {
		t.Errorf("X-Forwarded-For = %q", xff)
	}
}

func TestProxyHostRewrite(t *testing.T) {
	var gotHost string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := New(Config{})
	handler := p.Handler(&Route{
		Upstream:    "app",
		Balancer:    loadbalancer.NewRoundRobin(newTargets(backend.URL)),
		HostRewrite: "internal.example.com",
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if gotHost != "internal.example.com" {
		t.Errorf("Host = %q", gotHost)
	}
}

func TestProxyFailoverToSecondTarget(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("alive"))
	}))
	defer backend.Close()

	// A listener that is closed immediately gives a dead address.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadURL := "http://" + dead.Addr().String()
	dead.Close()

	p := New(Config{})
	handler := p.Handler(&Route{
		Upstream: "app",
		Balancer: loadbalancer.NewRoundRobin(newTargets(deadURL, backend.URL)),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected failover to healthy target, got %d", rec.Code)
	}
	if rec.Body.String() != "alive" {
		t.Errorf("unexpected body: %q", rec.Body.String())
	}
}

func TestProxyLeastConnFailover(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("alive"))
	}))
	defer backend.Close()

	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadURL := "http://" + dead.Addr().String()
	dead.Close()

	// With both targets idle, ties resolve by configuration order, so the
	// first attempt lands on the dead target every time.
	p := New(Config{})
	handler := p.Handler(&Route{
		Upstream: "app",
		Balancer: loadbalancer.NewLeastConnections(newTargets(deadURL, backend.URL)),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected failover to healthy target, got %d", rec.Code)
	}
	if rec.Body.String() != "alive" {
		t.Errorf("unexpected body: %q", rec.Body.String())
	}
}

func TestProxyNoRetryAfterResponseStarted(t *testing.T) {
	dropperHits := 0
	dropper := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dropperHits++
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("server connection not hijackable")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		// Headers plus a partial body, then the connection drops.
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 1000\r\n\r\npartial chunk"))
		conn.Close()
	}))
	defer dropper.Close()

	secondHits := 0
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHits++
		w.WriteHeader(http.StatusOK)
	}))
	defer second.Close()

	p := New(Config{})
	handler := p.Handler(&Route{
		Upstream: "app",
		Balancer: loadbalancer.NewRoundRobin(newTargets(dropper.URL, second.URL)),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("headers were sent before the drop, got %d", rec.Code)
	}
	if rec.Body.String() != "partial chunk" {
		t.Errorf("expected the truncated body as written, got %q", rec.Body.String())
	}
	if dropperHits != 1 {
		t.Errorf("dropping backend saw %d requests, want 1", dropperHits)
	}
	if secondHits != 0 {
		t.Errorf("a started response must not be retried, second backend saw %d requests", secondHits)
	}
}

func TestProxyNoHealthyTargets(t *testing.T) {
	targets := newTargets("http://a:1")
	balancer := loadbalancer.NewRoundRobin(targets)
	balancer.MarkUnhealthy("http://a:1")

	p := New(Config{})
	handler := p.Handler(&Route{Upstream: "app", Balancer: balancer})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestProxyUpstreamTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := New(Config{DefaultTimeout: 50 * time.Millisecond})
	handler := p.Handler(&Route{
		Upstream: "app",
		Balancer: loadbalancer.NewRoundRobin(newTargets(backend.URL)),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
}

func TestProxyNoRetryWithBody(t *testing.T) {
	hits := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadURL := "http://" + dead.Addr().String()
	dead.Close()

	p := New(Config{})
	handler := p.Handler(&Route{
		Upstream: "app",
		Balancer: loadbalancer.NewRoundRobin(newTargets(deadURL, backend.URL)),
	})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("payload"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for non-replayable request, got %d", rec.Code)
	}
	if hits != 0 {
		t.Errorf("request with body must not be replayed, backend saw %d requests", hits)
	}
}

func TestRewritePath(t *testing.T) {
	cases := []struct {
		path     string
		rewrites []Rewrite
		want     string
	}{
		{"/old/page", []Rewrite{{From: "/old", To: "/new"}}, "/new/page"},
		{"/a/b", nil, "/a/b"},
		{"/API/users", []Rewrite{{From: "/api", To: "/v2", CaseInsensitive: true}}, "/v2/users"},
		{"/API/users", []Rewrite{{From: "/api", To: "/v2"}}, "/API/users"},
		{"/x/x", []Rewrite{{From: "/x", To: "/y"}}, "/y/y"},
		{"/first", []Rewrite{{From: "/first", To: "/second"}, {From: "/second", To: "/third"}}, "/third"},
	}

	for _, tc := range cases {
		if got := rewritePath(tc.path, tc.rewrites); got != tc.want {
			t.Errorf("rewritePath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestRewriteAppliedToOutboundPath(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := New(Config{})
	handler := p.Handler(&Route{
		Upstream: "app",
		Balancer: loadbalancer.NewRoundRobin(newTargets(backend.URL)),
		Rewrites: []Rewrite{{From: "/blog", To: "/wp"}},
	})

	req := httptest.NewRequest(http.MethodGet, "/blog/post?id=1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if gotPath != "/wp/post" {
		t.Errorf("backend path = %q", gotPath)
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	cases := []struct{ a, b, want string }{
		{"", "/x", "/x"},
		{"/base", "/x", "/base/x"},
		{"/base/", "/x", "/base/x"},
		{"/base", "x", "/base/x"},
	}
	for _, tc := range cases {
		if got := singleJoiningSlash(tc.a, tc.b); got != tc.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestTransportPoolSharesPerUpstream(t *testing.T) {
	pool := NewTransportPool(DefaultTransportConfig)

	a1 := pool.Get("app")
	a2 := pool.Get("app")
	b := pool.Get("other")

	if a1 != a2 {
		t.Error("same upstream should share one transport")
	}
	if a1 == b {
		t.Error("different upstreams should get distinct transports")
	}

	pool.Remove("app")
	if pool.Get("app") == a1 {
		t.Error("removed transport should be rebuilt on next use")
	}
}
