package httpserver

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func healthOK(_ context.Context) error { return nil }

func healthErr(msg string) func(context.Context) error {
	return func(_ context.Context) error { return errors.New(msg) }
}

func TestHealthProbes(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		checks     []HealthCheck
		wantStatus int
		wantBody   []string
	}{
		{
			name: "ready when all checks pass",
			path: "/health/ready",
			checks: []HealthCheck{
				{Name: "postgres", Check: healthOK},
				{Name: "redis", Check: healthOK},
			},
			wantStatus: http.StatusOK,
			wantBody:   []string{`"status":"ready"`},
		},
		{
			name: "postgres down",
			path: "/health/ready",
			checks: []HealthCheck{
				{Name: "postgres", Check: healthErr("database unreachable")},
				{Name: "redis", Check: healthOK},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   []string{`"status":"unhealthy"`, `"failed_check":"postgres"`, `"error":"database unreachable"`},
		},
		{
			name: "redis down reports first failing check",
			path: "/health/ready",
			checks: []HealthCheck{
				{Name: "postgres", Check: healthOK},
				{Name: "redis", Check: healthErr("connection refused")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   []string{`"failed_check":"redis"`, `"error":"connection refused"`},
		},
		{
			name:       "startup with no checks",
			path:       "/health/startup",
			wantStatus: http.StatusOK,
			wantBody:   []string{`"status":"ready"`},
		},
		{
			name:       "liveness ignores dependencies",
			path:       "/health/live",
			checks:     []HealthCheck{{Name: "postgres", Check: healthErr("down")}},
			wantStatus: http.StatusOK,
			wantBody:   []string{`"status":"ok"`, `"uptime"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, Deps{HealthChecks: tt.checks})

			rec := serve(srv, http.MethodGet, tt.path)

			assert.Equal(t, tt.wantStatus, rec.Code)
			for _, want := range tt.wantBody {
				assert.Contains(t, rec.Body.String(), want)
			}
		})
	}
}

func TestClassifierHealth(t *testing.T) {
	tests := []struct {
		name       string
		probe      classifierProbe
		wantStatus int
		wantBody   string
	}{
		{"healthy", &mockClassifierProbe{healthy: true}, http.StatusOK, `{"status":"healthy"}`},
		{"unhealthy", &mockClassifierProbe{healthy: false}, http.StatusServiceUnavailable, `{"status":"unhealthy"}`},
		{"not configured", nil, http.StatusServiceUnavailable, `{"status":"unhealthy"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, Deps{Classifier: tt.probe})

			rec := serve(srv, http.MethodGet, "/health/classifier")

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestHandleVersion(t *testing.T) {
	srv := newTestServer(t, Deps{})

	rec := serve(srv, http.MethodGet, "/version")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"service":"urbanpulse"`)
	assert.Contains(t, body, `"version"`)
	assert.Contains(t, body, `"commit"`)
	assert.Contains(t, body, `"build_time"`)
	assert.Contains(t, body, `"go_version"`)
}

func TestMetricsAndWebsocketRoutes(t *testing.T) {
	srv := newTestServer(t, Deps{MetricsHandler: okHandler, WebsocketHandler: okHandler})

	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/metrics").Code)
	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/connection/websocket").Code)
}

func TestUnknownRouteReturnsStructuredError(t *testing.T) {
	srv := newTestServer(t, Deps{})

	rec := serve(srv, http.MethodGet, "/nope")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"not_found"`)
}
