package ops

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinsyu/messaging"
	"github.com/kinsyu/messaging/rabbitmq"
)

type stateFunc func() rabbitmq.State

func (f stateFunc) State() rabbitmq.State { return f() }

func TestHealthz(t *testing.T) {
	tests := []struct {
		name   string
		state  rabbitmq.State
		status int
		body   string
	}{
		{"Connected", rabbitmq.StateConnected, http.StatusOK, `{"broker":"connected"}`},
		{"Connecting", rabbitmq.StateConnecting, http.StatusServiceUnavailable, `{"broker":"connecting"}`},
		{"Unconnected", rabbitmq.StateUnconnected, http.StatusServiceUnavailable, `{"broker":"unconnected"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(stateFunc(func() rabbitmq.State { return tt.state }), prometheus.NewRegistry())

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.body, rec.Body.String())
		})
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := messaging.NewMetrics(reg)
	require.NoError(t, m.Register())
	m.RecordDelivery("pumpfun-trades", messaging.OutcomeAcked)

	router := NewRouter(stateFunc(func() rabbitmq.State { return rabbitmq.StateConnected }), reg)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `messaging_deliveries_total{outcome="acked",queue="pumpfun-trades"} 1`)
}

func TestUnknownRoute(t *testing.T) {
	router := NewRouter(stateFunc(func() rabbitmq.State { return rabbitmq.StateConnected }), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
