package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Operations(t *testing.T) {
	m := NewMetrics("volsettle")

	m.ObserveOperation("futures_mint", ResultOK, time.Millisecond)
	m.ObserveOperation("futures_mint", ResultOK, time.Millisecond)
	m.ObserveOperation("futures_mint", ResultRejected, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("futures_mint", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("futures_mint", ResultRejected)))
}

func TestMetrics_Amounts(t *testing.T) {
	m := NewMetrics("volsettle")

	m.AddVolume("vix", 1_000)
	m.AddVolume("vix", 500)
	m.AddFee("vix", 0)
	m.AddFee("vix", 30)
	m.AddPayout("variance/1", 900)

	assert.Equal(t, 1_500.0, testutil.ToFloat64(m.volume.WithLabelValues("vix")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.fees.WithLabelValues("vix")))
	assert.Equal(t, 900.0, testutil.ToFloat64(m.payouts.WithLabelValues("variance/1")))
}

func TestMetrics_Gauges(t *testing.T) {
	m := NewMetrics("volsettle")

	m.SetVolatility(0.29, 41)
	m.SetOpenPositions("main", 3)
	m.PersistFailure("store")

	assert.Equal(t, 0.29, testutil.ToFloat64(m.volatility))
	assert.Equal(t, 41.0, testutil.ToFloat64(m.observations))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.openPositions.WithLabelValues("main")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.persistFailures.WithLabelValues("store")))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("volsettle")
	m.ObserveOperation("perp_open", ResultOK, 2*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `volsettle_operations_total{op="perp_open",result="ok"} 1`)
	assert.Contains(t, body, "volsettle_operation_seconds_bucket")
	assert.Contains(t, body, "go_goroutines")
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics("volsettle")
	b := NewMetrics("volsettle")
	a.AddVolume("x", 1)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.volume.WithLabelValues("x")))
}
