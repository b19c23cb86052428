package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledTelemetryIsNoOp(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: false})
	require.NoError(t, err)

	// Instrument registration still works against the no-op meter.
	require.NoError(t, tel.Int64ObservableGauge("noop_gauge", "ignored", func() int64 { return 1 }))
	require.NoError(t, shutdown(context.Background()))
}

func TestScrapeExposesRegisteredInstruments(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "toriidb-test"})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	require.NoError(t, tel.Int64ObservableGauge("toriidb_log_seq", "last durable log sequence", func() int64 { return 42 }))
	require.NoError(t, tel.Int64ObservableCounter("toriidb_requests", "dispatched client operations", func() int64 { return 7 }))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "toriidb_log_seq")
	require.Contains(t, body, "toriidb_requests")
}
