package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitor_AggregatesWorst(t *testing.T) {
	m := NewHealthMonitor(time.Minute)
	m.Register("store", func(context.Context) ComponentHealth { return ComponentHealth{Status: StatusHealthy} })
	m.Register("oracle", func(context.Context) ComponentHealth { return ComponentHealth{Status: StatusDegraded} })

	h := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Len(t, h.Components, 2)

	c, ok := m.ComponentStatus("oracle")
	require.True(t, ok)
	assert.Equal(t, "oracle", c.Name)
	assert.False(t, c.LastChecked.IsZero())
}

func TestHealthMonitor_ServeHTTP(t *testing.T) {
	m := NewHealthMonitor(time.Minute)
	m.Register("bus", PingCheck(func(context.Context) error { return errors.New("no brokers") }))

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var h SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Equal(t, "no brokers", h.Components["bus"].Message)
}

func TestHealthMonitor_RunStopsOnCancel(t *testing.T) {
	m := NewHealthMonitor(5 * time.Millisecond)
	m.Register("x", PingCheck(func(context.Context) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	_, ok := m.ComponentStatus("x")
	assert.True(t, ok)
}

func TestFreshnessCheck(t *testing.T) {
	var last time.Time
	check := FreshnessCheck(func() time.Time { return last }, time.Minute)

	assert.Equal(t, StatusUnhealthy, check(context.Background()).Status)

	last = time.Now()
	assert.Equal(t, StatusHealthy, check(context.Background()).Status)

	last = time.Now().Add(-90 * time.Second)
	assert.Equal(t, StatusDegraded, check(context.Background()).Status)

	last = time.Now().Add(-3 * time.Minute)
	assert.Equal(t, StatusUnhealthy, check(context.Background()).Status)
}
