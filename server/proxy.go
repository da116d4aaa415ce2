package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"sessiond/session"
)

// APIProxy forwards dashboard data-plane requests to the backend with
// the active session's bearer token attached, so the token never leaves
// the gateway.
type APIProxy struct {
	proxy   *httputil.ReverseProxy
	manager *session.Manager
	logger  *slog.Logger
}

// NewAPIProxy builds the reverse proxy towards the backend base URL.
func NewAPIProxy(baseURL string, manager *session.Manager, logger *slog.Logger) (*APIProxy, error) {
	target, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	p := &APIProxy{manager: manager, logger: logger}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = transport

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = target.Host

		if _, _, cred := p.manager.Snapshot(); cred != nil {
			req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
		}

		if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			prior := req.Header.Get("X-Forwarded-For")
			if prior != "" {
				clientIP = prior + ", " + clientIP
			}
			req.Header.Set("X-Forwarded-For", clientIP)
		}
		req.Header.Set("X-Forwarded-Host", req.Host)
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.logger.Error("api proxy error",
			"target", target.String(),
			"error", err,
			"path", r.URL.Path,
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	p.proxy = proxy
	return p, nil
}

// ServeHTTP implements http.Handler.
func (p *APIProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.logger.Debug("proxying api request", "path", r.URL.Path, "method", r.Method)
	p.proxy.ServeHTTP(w, r)
}
