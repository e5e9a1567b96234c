package router

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func namedHandler(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(name))
	})
}

func serve(r *Router, host, path string) string {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Host = host
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec.Body.String()
}

func TestExactHostMatch(t *testing.T) {
	r := New(NewTable([]SiteBinding{
		{
			Site:      &Site{ID: "one", Fallback: namedHandler("one")},
			Hostnames: []string{"one.example.com"},
		},
		{
			Site:      &Site{ID: "two", Fallback: namedHandler("two")},
			Hostnames: []string{"two.example.com"},
		},
	}))

	if got := serve(r, "one.example.com", "/"); got != "one" {
		t.Errorf("got %q", got)
	}
	if got := serve(r, "two.example.com", "/"); got != "two" {
		t.Errorf("got %q", got)
	}
}

func TestHostMatchIgnoresPortAndCase(t *testing.T) {
	r := New(NewTable([]SiteBinding{
		{
			Site:      &Site{ID: "one", Fallback: namedHandler("one")},
			Hostnames: []string{"example.com"},
		},
	}))

	if got := serve(r, "EXAMPLE.com:8443", "/"); got != "one" {
		t.Errorf("got %q", got)
	}
}

func TestWildcardHostMatch(t *testing.T) {
	r := New(NewTable([]SiteBinding{
		{
			Site:      &Site{ID: "apex", Fallback: namedHandler("apex")},
			Hostnames: []string{"example.com"},
		},
		{
			Site:      &Site{ID: "wild", Fallback: namedHandler("wild")},
			Hostnames: []string{"*.example.com"},
		},
	}))

	if got := serve(r, "example.com", "/"); got != "apex" {
		t.Errorf("exact should beat wildcard, got %q", got)
	}
	if got := serve(r, "sub.example.com", "/"); got != "wild" {
		t.Errorf("got %q", got)
	}
}

func TestDefaultSite(t *testing.T) {
	r := New(NewTable([]SiteBinding{
		{
			Site:      &Site{ID: "named", Fallback: namedHandler("named")},
			Hostnames: []string{"example.com"},
		},
		{
			Site:      &Site{ID: "fallback", Fallback: namedHandler("fallback")},
			Hostnames: []string{"*"},
		},
	}))

	if got := serve(r, "unknown.test", "/"); got != "fallback" {
		t.Errorf("got %q", got)
	}
}

func TestNoMatchWithoutDefault(t *testing.T) {
	r := New(NewTable([]SiteBinding{
		{
			Site:      &Site{ID: "named", Fallback: namedHandler("named")},
			Hostnames: []string{"example.com"},
		},
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "unknown.test"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestLongestPrefixWins(t *testing.T) {
	r := New(NewTable([]SiteBinding{
		{
			Site: &Site{
				ID: "site",
				Routes: []*Route{
					{PathPrefix: "/api", Handler: namedHandler("api")},
					{PathPrefix: "/api/v2", Handler: namedHandler("apiv2")},
				},
				Fallback: namedHandler("static"),
			},
			Hostnames: []string{"example.com"},
		},
	}))

	if got := serve(r, "example.com", "/api/users"); got != "api" {
		t.Errorf("got %q", got)
	}
	if got := serve(r, "example.com", "/api/v2/users"); got != "apiv2" {
		t.Errorf("longest prefix should win, got %q", got)
	}
	if got := serve(r, "example.com", "/index.html"); got != "static" {
		t.Errorf("got %q", got)
	}
}

func TestSwapIsAtomic(t *testing.T) {
	makeTable := func(name string) *Table {
		return NewTable([]SiteBinding{
			{
				Site:      &Site{ID: name, Fallback: namedHandler(name)},
				Hostnames: []string{"example.com"},
			},
		})
	}

	r := New(makeTable("gen0"))

	stop := make(chan struct{})
	swapperDone := make(chan struct{})

	// The swapper publishes new generations while readers route continuously.
	go func() {
		defer close(swapperDone)
		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			default:
				r.Swap(makeTable(fmt.Sprintf("gen%d", i)))
			}
		}
	}()

	var readers sync.WaitGroup
	for i := 0; i < 8; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for j := 0; j < 2000; j++ {
				body := serve(r, "example.com", "/")
				if len(body) < 4 || body[:3] != "gen" {
					t.Errorf("inconsistent route result: %q", body)
					return
				}
			}
		}()
	}

	readers.Wait()
	close(stop)
	<-swapperDone
}

func TestStripPort(t *testing.T) {
	cases := []struct{ in, want string }{
		{"example.com", "example.com"},
		{"example.com:443", "example.com"},
		{"[::1]:443", "::1"},
		{"[2001:db8::1]", "2001:db8::1"},
	}
	for _, tc := range cases {
		if got := stripPort(tc.in); got != tc.want {
			t.Errorf("stripPort(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
