package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysqlgate/mysqlgate/internal/config"
	"github.com/mysqlgate/mysqlgate/internal/destination"
	"github.com/mysqlgate/mysqlgate/internal/endpoint"
	"github.com/mysqlgate/mysqlgate/internal/guidelines"
	"github.com/mysqlgate/mysqlgate/internal/metrics"
	"github.com/mysqlgate/mysqlgate/internal/pool"
)

const apiGuidelines = `{
  "version": "1.0", "name": "api",
  "destinations": [{"name": "any", "match": "TRUE"}],
  "routes": [{"name": "all", "match": "TRUE",
    "destinations": [{"classes": ["any"], "strategy": "round-robin", "priority": 0}]}]
}`

func newTestServer(t *testing.T, apiKey string) (*Server, *destination.Quarantine) {
	t.Helper()

	engine, err := guidelines.New(apiGuidelines)
	require.NoError(t, err)
	engine.SetDefaultDocument(apiGuidelines)

	quarantine := destination.NewQuarantine(nil)

	manager := destination.NewStaticManager(destination.StrategyRoundRobin,
		&destination.RoutingContext{Name: "ro"})
	manager.Add(endpoint.TCP("db1", 3306))

	deps := Deps{
		Engine:     engine,
		Quarantine: quarantine,
		Pool:       pool.New(4, time.Minute, nil),
		Managers:   map[string]destination.Manager{"ro": manager},
		Metrics:    metrics.New(),
		UpdateGuidelines: func(document string) (guidelines.RouteChanges, error) {
			if document == "" {
				return engine.RestoreDefault()
			}
			newEngine, err := guidelines.New(document)
			if err != nil {
				return guidelines.RouteChanges{}, err
			}
			return engine.Update(newEngine, true), nil
		},
	}

	return NewServer(deps, config.APIConfig{Port: 0, Bind: "127.0.0.1", APIKey: apiKey}, nil), quarantine
}

func doRequest(t *testing.T, s *Server, method, path, apiKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := newTestServer(t, "secret")

	rec := doRequest(t, s, http.MethodGet, "/api/v1/pool", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/pool", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/pool", "secret", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// health and metrics stay open
	rec = doRequest(t, s, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPoolEndpoint(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s, http.MethodGet, "/api/v1/pool", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, float64(0), out["pooled_connections"])
	assert.Equal(t, float64(4), out["max_pooled"])
}

func TestRoutesEndpoint(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s, http.MethodGet, "/api/v1/routes", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "ro", out[0]["name"])
	assert.Equal(t, []any{"db1:3306"}, out[0]["destination_candidates"])
}

func TestQuarantineEndpoint(t *testing.T) {
	s, quarantine := newTestServer(t, "")
	quarantine.Update(endpoint.TCP("db1", 3306), false)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/quarantine", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "db1:3306")
}

func TestGuidelinesRoundTrip(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec := doRequest(t, s, http.MethodGet, "/api/v1/guidelines", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name": "api"`)

	update := `{
	  "version": "1.0", "name": "updated",
	  "destinations": [{"name": "any", "match": "TRUE"}],
	  "routes": [{"name": "all", "match": "FALSE",
	    "destinations": [{"classes": ["any"], "strategy": "round-robin", "priority": 0}]}]
	}`
	rec = doRequest(t, s, http.MethodPut, "/api/v1/guidelines", "", update)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "updated", out["guideline_name"])
	assert.Equal(t, []any{"all"}, out["affected_routes"])
}

func TestGuidelinesRejectsBadDocument(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec := doRequest(t, s, http.MethodPut, "/api/v1/guidelines", "", `{"version":"1.0"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "errors")
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSchemaEndpoint(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s, http.MethodGet, "/api/v1/guidelines/schema", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "RESOLVE_V4")
}
