package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fyrsmithlabs/autofix/internal/telemetry"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	m := NewHTTPMetricsWithProvider(tel.MeterProvider, nil)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/issues/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Param("id"))
	})
	e.POST("/webhook/sentry", func(c echo.Context) error {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid signature"})
	})

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/api/issues/1"},
		{http.MethodGet, "/api/issues/2"},
		{http.MethodPost, "/webhook/sentry"},
	} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(r.method, r.path, nil))
	}

	ctx := context.Background()

	requests, ok := tel.Metric(ctx, "autofix.http.requests_total")
	require.True(t, ok)
	sum, ok := requests.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	byEndpoint := map[string]int64{}
	for _, dp := range sum.DataPoints {
		endpoint, _ := dp.Attributes.Value(attribute.Key("endpoint"))
		byEndpoint[endpoint.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{"/api/issues/:id": 2, "/webhook/sentry": 1}, byEndpoint)

	duration, ok := tel.Metric(ctx, "autofix.http.request_duration_seconds")
	require.True(t, ok)
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var recorded uint64
	for _, dp := range hist.DataPoints {
		recorded += dp.Count
	}
	assert.Equal(t, uint64(3), recorded)

	_, ok = tel.Metric(ctx, "autofix.http.response_size_bytes")
	assert.True(t, ok)

	active, ok := tel.Metric(ctx, "autofix.http.active_requests")
	require.True(t, ok)
	gauge, ok := active.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var inflight int64
	for _, dp := range gauge.DataPoints {
		inflight += dp.Value
	}
	assert.Zero(t, inflight)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "unmatched", normalizePath(""))
	assert.Equal(t, "/health", normalizePath("/health"))
	assert.Equal(t, "/api/issues/:id/logs", normalizePath("/api/issues/:id/logs"))
}
