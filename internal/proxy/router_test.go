package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workplane/platform/pkg/config"
	"github.com/workplane/platform/pkg/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// recorder adds CloseNotify so gin's ResponseWriter does not panic when
// httputil.ReverseProxy probes for http.CloseNotifier during tests.
type recorder struct {
	*httptest.ResponseRecorder
}

func (recorder) CloseNotify() <-chan bool { return make(chan bool) }

func newRecorder() *recorder { return &recorder{httptest.NewRecorder()} }

type captured struct {
	Method string
	Path   string
	Query  string
	Host   string
	Auth   string
	Body   string
}

// newBackend records what it receives and answers with a fixed status.
func newBackend(t *testing.T, status int, sink *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		*sink = captured{
			Method: req.Method,
			Path:   req.URL.Path,
			Query:  req.URL.RawQuery,
			Host:   req.Host,
			Auth:   req.Header.Get("Authorization"),
			Body:   string(body),
		}
		w.Header().Set("X-Backend", "true")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newGateway(t *testing.T, rules []RouteRule, timeout time.Duration) *gin.Engine {
	t.Helper()
	router, err := NewRouter(rules, config.ProxyConfig{Timeout: timeout}, nil, nil)
	require.NoError(t, err)

	r := gin.New()
	r.NoRoute(router.Handler())
	return r
}

func TestProxyForwardsRequest(t *testing.T) {
	var got captured
	backend := newBackend(t, http.StatusCreated, &got)
	r := newGateway(t, []RouteRule{{Service: "user", Prefix: "/api/users", Target: backend.URL}}, time.Second)

	w := newRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/users/42?include=roles", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("Authorization", "Bearer token-123")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Backend"))
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/api/users/42", got.Path)
	assert.Equal(t, "include=roles", got.Query)
	assert.Equal(t, "Bearer token-123", got.Auth)
	assert.Equal(t, `{"name":"x"}`, got.Body)
	// the backend sees its own host, not the gateway's
	assert.Equal(t, strings.TrimPrefix(backend.URL, "http://"), got.Host)
}

func TestProxyRelaysBackendErrors(t *testing.T) {
	var got captured
	backend := newBackend(t, http.StatusConflict, &got)
	r := newGateway(t, []RouteRule{{Service: "project", Prefix: "/api/projects", Target: backend.URL}}, time.Second)

	w := newRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/projects", nil))

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestProxyFirstMatchWins(t *testing.T) {
	var first, second captured
	one := newBackend(t, http.StatusOK, &first)
	two := newBackend(t, http.StatusOK, &second)
	r := newGateway(t, []RouteRule{
		{Service: "contract", Prefix: "/api/contracts", Target: one.URL},
		{Service: "catchall", Prefix: "/api", Target: two.URL},
	}, time.Second)

	w := newRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/contracts/9", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/api/contracts/9", first.Path)
	assert.Empty(t, second.Path)
}

func TestProxyUnmatchedRouteReturnsEnvelope(t *testing.T) {
	var got captured
	backend := newBackend(t, http.StatusOK, &got)
	r := newGateway(t, []RouteRule{{Service: "user", Prefix: "/api/users", Target: backend.URL}}, time.Second)

	w := newRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))

	require.Equal(t, http.StatusNotFound, w.Code)
	var env response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "ROUTE_NOT_FOUND", env.Error.Code)
	assert.Empty(t, got.Path)
}

func TestProxyUnreachableBackendYields502Envelope(t *testing.T) {
	// a closed port: nothing listens there
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	dead.Close()

	r := newGateway(t, []RouteRule{{Service: "financial", Prefix: "/api/financial", Target: dead.URL}}, 500*time.Millisecond)

	w := newRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/financial/reports", nil))

	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var env response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "BACKEND_UNAVAILABLE", env.Error.Code)

	// raw dial errors must never leak into the body
	assert.NotContains(t, w.Body.String(), "connection refused")
	assert.NotContains(t, w.Body.String(), "dial tcp")
}

func TestProxySlowBackendYields502(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	t.Cleanup(slow.Close)

	r := newGateway(t, []RouteRule{{Service: "export", Prefix: "/api/exports", Target: slow.URL}}, 50*time.Millisecond)

	w := newRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/exports/1", nil))

	require.Equal(t, http.StatusBadGateway, w.Code)
	var env response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "BACKEND_UNAVAILABLE", env.Error.Code)
}

func TestMatchPrefixSegmentBoundaries(t *testing.T) {
	cases := []struct {
		path   string
		prefix string
		want   bool
	}{
		{"/api/users", "/api/users", true},
		{"/api/users/42", "/api/users", true},
		{"/api/users-archive", "/api/users", false},
		{"/api/user", "/api/users", false},
		{"/api/users42", "/api/users", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchPrefix(tc.path, tc.prefix), "%s vs %s", tc.path, tc.prefix)
	}
}

func TestRulesCoverEveryService(t *testing.T) {
	services := config.ServicesConfig{
		Auth:         "http://localhost:3001",
		User:         "http://localhost:3002",
		Project:      "http://localhost:3003",
		Timesheet:    "http://localhost:3004",
		Allocation:   "http://localhost:3005",
		Contract:     "http://localhost:3006",
		Financial:    "http://localhost:3007",
		Notification: "http://localhost:3008",
		Export:       "http://localhost:3009",
		Audit:        "http://localhost:3010",
	}

	rules := Rules("/api", services)
	require.Len(t, rules, 14)

	prefixes := make(map[string]string, len(rules))
	for _, rule := range rules {
		prefixes[rule.Prefix] = rule.Target
	}
	assert.Equal(t, services.Auth, prefixes["/api/auth"])
	assert.Equal(t, services.Project, prefixes["/api/portfolios"])
	assert.Equal(t, services.Allocation, prefixes["/api/rate-cards"])
	assert.Equal(t, services.Contract, prefixes["/api/frames"])
	assert.Equal(t, services.Audit, prefixes["/api/audit"])
}
