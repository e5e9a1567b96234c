package router

import (
	"net/http"
	"sort"
	"strings"
	"sync/atomic"

	serveerrors "github.com/gruxhq/grux/internal/errors"
)

// Route pairs a path prefix with the handler that serves it.
type Route struct {
	PathPrefix string
	Handler    http.Handler
}

// Site is one virtual host: its routes plus the fallthrough handler for
// everything no route claims (the static file handler).
type Site struct {
	ID       string
	Routes   []*Route // sorted longest prefix first by NewTable
	Fallback http.Handler
}

// match returns the handler for a path inside this site.
func (s *Site) match(path string) http.Handler {
	for _, route := range s.Routes {
		if strings.HasPrefix(path, route.PathPrefix) {
			return route.Handler
		}
	}
	return s.Fallback
}

// Table is an immutable routing snapshot. Host lookup is exact match first,
// then wildcard, then the default site. A request in flight always sees one
// consistent table.
type Table struct {
	exact       map[string]*Site
	wildcard    map[string]*Site // "*.example.com" keyed by ".example.com"
	defaultSite *Site
}

// SiteBinding attaches a site to the hostnames it serves.
type SiteBinding struct {
	Site      *Site
	Hostnames []string
	Default   bool
}

// NewTable builds a routing table snapshot. Route slices are sorted so the
// longest matching prefix wins.
func NewTable(bindings []SiteBinding) *Table {
	t := &Table{
		exact:    make(map[string]*Site),
		wildcard: make(map[string]*Site),
	}

	for _, b := range bindings {
		sort.SliceStable(b.Site.Routes, func(i, j int) bool {
			return len(b.Site.Routes[i].PathPrefix) > len(b.Site.Routes[j].PathPrefix)
		})

		if b.Default {
			t.defaultSite = b.Site
		}
		for _, hostname := range b.Hostnames {
			hostname = strings.ToLower(hostname)
			switch {
			case hostname == "*":
				t.defaultSite = b.Site
			case strings.HasPrefix(hostname, "*."):
				t.wildcard[hostname[1:]] = b.Site
			default:
				t.exact[hostname] = b.Site
			}
		}
	}
	return t
}

// Lookup resolves a host to its site, or nil when no site matches.
func (t *Table) Lookup(host string) *Site {
	host = strings.ToLower(stripPort(host))

	if site, ok := t.exact[host]; ok {
		return site
	}
	if idx := strings.IndexByte(host, '.'); idx >= 0 {
		if site, ok := t.wildcard[host[idx:]]; ok {
			return site
		}
	}
	return t.defaultSite
}

// Router dispatches requests through the current table. Tables are replaced
// wholesale on config change; in-flight requests keep the snapshot they
// started with.
type Router struct {
	table atomic.Pointer[Table]
}

// New creates a router serving the given table.
func New(table *Table) *Router {
	r := &Router{}
	r.table.Store(table)
	return r
}

// Swap atomically publishes a new routing table.
func (r *Router) Swap(table *Table) {
	r.table.Store(table)
}

// Table returns the current snapshot.
func (r *Router) Table() *Table {
	return r.table.Load()
}

// ServeHTTP routes the request to the matching site and handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	site := r.table.Load().Lookup(req.Host)
	if site == nil {
		serveerrors.ErrNotFound.WriteJSON(w)
		return
	}
	site.match(req.URL.Path).ServeHTTP(w, req)
}

// stripPort removes a :port suffix from a host, IPv6-safe.
func stripPort(host string) string {
	if !strings.Contains(host, ":") {
		return host
	}
	if strings.HasPrefix(host, "[") {
		if idx := strings.LastIndex(host, "]"); idx >= 0 {
			return host[1:idx]
		}
	}
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		return host[:idx]
	}
	return host
}
