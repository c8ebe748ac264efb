package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/record"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveDualWrite(record.KindPatient, apperr.StoreExternal, "failure")
	m.ObserveDualWrite(record.KindPatient, apperr.StoreExternal, "failure")
	m.ObserveConflict(record.KindOrder)
	m.ObserveIdempotency("replay")
	m.EventDropped()
	m.SinkFailed("s3_audit")
	m.ObserveWriteThrough(record.KindPatient, "")
	m.ObserveEMRCall("update", apperr.KindExternalUnavailable, 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dualWrite.WithLabelValues("patient", "emr", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts.WithLabelValues("order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.idempotency.WithLabelValues("replay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.writeThrough.WithLabelValues("patient", "ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.emrLatency))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveConflict(record.KindOrder)
	m.ObserveEMRCall("create", "", time.Second)
	m.EventDropped()

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	require.NoError(t, m.Middleware()(func(echo.Context) error { return nil })(c))
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/patients/:id", func(c echo.Context) error {
		return apperr.NotFound("patient", c.Param("id"))
	})
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/patients/P-2025-000001", nil))

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body),
		`recordsync_http_request_duration_seconds_count{method="GET",route="/api/v1/patients/:id",status="404"} 1`),
		"exposition should carry the labelled route")
	assert.Contains(t, string(body), "go_goroutines")
}
