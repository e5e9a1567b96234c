package proxy

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yookoala/gofast"

	"github.com/gruxhq/grux/internal/config"
	"github.com/gruxhq/grux/internal/metrics"
)

// FastCGIHandler proxies HTTP requests to a FastCGI backend such as PHP-FPM.
type FastCGIHandler struct {
	address      string
	network      string
	documentRoot string
	handler      http.Handler
}

// NewFastCGI creates a FastCGI handler from config.
func NewFastCGI(cfg config.FastCGIConfig) (*FastCGIHandler, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("fastcgi: address is required")
	}
	if cfg.DocumentRoot == "" {
		return nil, fmt.Errorf("fastcgi: document_root is required")
	}

	network := cfg.Network
	if network == "" {
		network = detectNetwork(cfg.Address)
	}

	connTimeout := cfg.ConnTimeout
	if connTimeout == 0 {
		connTimeout = 5 * time.Second
	}
	poolSize := cfg.PoolSize
	if poolSize == 0 {
		poolSize = 8
	}

	connFactory := gofast.SimpleConnFactory(network, cfg.Address)
	pool := gofast.NewClientPool(
		gofast.SimpleClientFactory(connFactory),
		uint(poolSize),
		connTimeout,
	)

	// Single-entry-point apps route everything through one script;
	// otherwise map URLs onto PHP files under the document root.
	var endpointMW gofast.Middleware
	if cfg.ScriptName != "" {
		endpointMW = gofast.NewFileEndpoint(cfg.DocumentRoot + cfg.ScriptName)
	} else {
		endpointMW = gofast.NewPHPFS(cfg.DocumentRoot)
	}

	sess := gofast.Chain(
		endpointMW,
		gofast.BasicParamsMap,
		gofast.MapHeader,
		extraParamsMiddleware(cfg.DocumentRoot, cfg.Params),
	)(gofast.BasicSession)

	return &FastCGIHandler{
		address:      cfg.Address,
		network:      network,
		documentRoot: cfg.DocumentRoot,
		handler:      gofast.NewHandler(sess, pool.CreateClient),
	}, nil
}

// ServeHTTP proxies the request to the FastCGI backend.
func (h *FastCGIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.RequestsTotal.WithLabelValues("fastcgi").Inc()
	h.handler.ServeHTTP(w, r)
}

// detectNetwork guesses the network type from the address string.
func detectNetwork(addr string) string {
	if strings.HasPrefix(addr, "/") || strings.HasSuffix(addr, ".sock") {
		return "unix"
	}
	return "tcp"
}

// extraParamsMiddleware injects DOCUMENT_ROOT, REDIRECT_STATUS and any
// user-defined CGI params into every session.
func extraParamsMiddleware(docRoot string, params map[string]string) gofast.Middleware {
	return func(inner gofast.SessionHandler) gofast.SessionHandler {
		return func(client gofast.Client, req *gofast.Request) (*gofast.ResponsePipe, error) {
			if req.Params == nil {
				req.Params = make(map[string]string)
			}
			req.Params["DOCUMENT_ROOT"] = docRoot
			req.Params["REDIRECT_STATUS"] = "200"
			req.Params["GATEWAY_INTERFACE"] = "CGI/1.1"
			for k, v := range params {
				req.Params[k] = v
			}
			return inner(client, req)
		}
	}
}
