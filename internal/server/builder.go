package server

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/gruxhq/grux/internal/config"
	serveerrors "github.com/gruxhq/grux/internal/errors"
	"github.com/gruxhq/grux/internal/logging"
	"github.com/gruxhq/grux/internal/proxy"
	"github.com/gruxhq/grux/internal/router"
	"github.com/gruxhq/grux/internal/static"
)

// buildTable translates the config's sites into an immutable routing table.
// Handlers are constructed up front; the returned table is ready to swap in.
func (s *Server) buildTable(cfg *config.Config) (*router.Table, error) {
	bindings := make([]router.SiteBinding, 0, len(cfg.Sites))

	for _, site := range cfg.Sites {
		if !site.IsEnabled() {
			continue
		}

		var logger *zap.Logger
		if site.AccessLog.Enabled && site.AccessLog.Path != "" {
			var err error
			logger, err = logging.NewAccess(site.AccessLog.Path)
			if err != nil {
				return nil, fmt.Errorf("site %s: access log: %w", site.ID, err)
			}
			s.trackAccessLogger(site.ID, logger)
		}

		wrap := func(h http.Handler) http.Handler {
			if logger != nil {
				return accessLog(logger, h)
			}
			return h
		}

		routes := make([]*router.Route, 0, len(site.Routes))
		for i, rc := range site.Routes {
			handler, err := s.buildRouteHandler(rc)
			if err != nil {
				return nil, fmt.Errorf("site %s route %d: %w", site.ID, i, err)
			}
			routes = append(routes, &router.Route{
				PathPrefix: rc.PathPrefix,
				Handler:    wrap(handler),
			})
		}

		var fallback http.Handler
		if site.Root != "" {
			fallback = static.New(site.ID, site.Root, site.IndexFiles, s.contentCache())
		} else {
			fallback = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				serveerrors.ErrNotFound.WriteJSON(w)
			})
		}

		bindings = append(bindings, router.SiteBinding{
			Site: &router.Site{
				ID:       site.ID,
				Routes:   routes,
				Fallback: wrap(fallback),
			},
			Hostnames: site.Hostnames,
			Default:   site.Default,
		})
	}

	return router.NewTable(bindings), nil
}

// buildRouteHandler constructs the proxy or FastCGI handler for one route.
func (s *Server) buildRouteHandler(rc config.RouteConfig) (http.Handler, error) {
	if rc.FastCGI != nil {
		return proxy.NewFastCGI(*rc.FastCGI)
	}

	balancer := s.upstreams.Balancer(rc.Upstream)
	if balancer == nil {
		return nil, fmt.Errorf("unknown upstream %q", rc.Upstream)
	}

	rewrites := make([]proxy.Rewrite, 0, len(rc.Rewrites))
	for _, rw := range rc.Rewrites {
		rewrites = append(rewrites, proxy.Rewrite{
			From:            rw.From,
			To:              rw.To,
			CaseInsensitive: rw.CaseInsensitive,
		})
	}

	return s.proxy.Handler(&proxy.Route{
		Upstream:     rc.Upstream,
		Balancer:     balancer,
		Rewrites:     rewrites,
		HostRewrite:  rc.HostRewrite.Host,
		PreserveHost: !rc.HostRewrite.Enabled && rc.HostRewrite.Host == "",
	}), nil
}
