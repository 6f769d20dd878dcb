package proxy

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/workplane/platform/internal/service"
	"github.com/workplane/platform/pkg/config"
	appErrors "github.com/workplane/platform/pkg/errors"
	"github.com/workplane/platform/pkg/response"
)

// RouteRule maps a path prefix to a named backend service.
type RouteRule struct {
	Service string
	Prefix  string
	Target  string
}

type route struct {
	service string
	prefix  string
	proxy   *httputil.ReverseProxy
}

// Router dispatches inbound requests to backend services by path prefix.
// The rule table is fixed at startup; first match wins.
type Router struct {
	routes  []route
	logger  *zap.Logger
	metrics *service.MetricsService
}

// Rules builds the gateway's route table from configuration, one rule per
// domain service.
func Rules(apiPrefix string, services config.ServicesConfig) []RouteRule {
	return []RouteRule{
		{Service: "auth", Prefix: apiPrefix + "/auth", Target: services.Auth},
		{Service: "user", Prefix: apiPrefix + "/users", Target: services.User},
		{Service: "project", Prefix: apiPrefix + "/projects", Target: services.Project},
		{Service: "project", Prefix: apiPrefix + "/portfolios", Target: services.Project},
		{Service: "timesheet", Prefix: apiPrefix + "/timesheets", Target: services.Timesheet},
		{Service: "allocation", Prefix: apiPrefix + "/allocations", Target: services.Allocation},
		{Service: "allocation", Prefix: apiPrefix + "/rate-cards", Target: services.Allocation},
		{Service: "contract", Prefix: apiPrefix + "/clients", Target: services.Contract},
		{Service: "contract", Prefix: apiPrefix + "/contracts", Target: services.Contract},
		{Service: "contract", Prefix: apiPrefix + "/frames", Target: services.Contract},
		{Service: "financial", Prefix: apiPrefix + "/financial", Target: services.Financial},
		{Service: "notification", Prefix: apiPrefix + "/notifications", Target: services.Notification},
		{Service: "export", Prefix: apiPrefix + "/exports", Target: services.Export},
		{Service: "audit", Prefix: apiPrefix + "/audit", Target: services.Audit},
	}
}

// NewRouter compiles the rule table into per-target reverse proxies.
func NewRouter(rules []RouteRule, proxyCfg config.ProxyConfig, logger *zap.Logger, metrics *service.MetricsService) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Router{logger: logger, metrics: metrics}
	for _, rule := range rules {
		target, err := url.Parse(rule.Target)
		if err != nil {
			return nil, err
		}
		r.routes = append(r.routes, route{
			service: rule.Service,
			prefix:  rule.Prefix,
			proxy:   r.newProxy(rule.Service, target, proxyCfg.Timeout),
		})
	}
	return r, nil
}

// Handler matches the request path against the rule table and forwards it.
// Unmatched paths receive a 404 envelope.
func (r *Router) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, rt := range r.routes {
			if matchPrefix(c.Request.URL.Path, rt.prefix) {
				r.metrics.ObserveProxy(rt.service, "forwarded")
				rt.proxy.ServeHTTP(c.Writer, c.Request)
				return
			}
		}
		response.Error(c, appErrors.ErrRouteNotFound)
	}
}

// newProxy builds the forwarding proxy for one backend. The backend's host
// replaces the inbound Host; everything else, Authorization included, passes
// through untouched. A backend that cannot be reached within the bounded
// timeout yields a uniform 502 — raw connection errors never reach clients.
func (r *Router) newProxy(serviceName string, target *url.URL, timeout time.Duration) *httputil.ReverseProxy {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	proxy := httputil.NewSingleHostReverseProxy(target)

	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = target.Host
	}

	proxy.Transport = &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: timeout,
		}).DialContext,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     true,
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		r.logger.Error("backend unreachable",
			zap.String("service", serviceName),
			zap.String("path", req.URL.Path),
			zap.Error(err))
		r.metrics.ObserveProxy(serviceName, "unavailable")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(response.Envelope{
			Success: false,
			Message: appErrors.ErrBackendUnavailable.Message,
			Error:   appErrors.ErrBackendUnavailable,
		})
	}

	return proxy
}

// matchPrefix matches on path segment boundaries so /users does not capture
// /users-archive.
func matchPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
