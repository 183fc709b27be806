package messaging

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	m.RecordPublished("pumpfun-trades")
	m.RecordPublished("pumpfun-trades")
	m.RecordPublishRejected("uniswap-v2-swaps")
	m.RecordDelivery("pumpfun-trades", OutcomeAcked)
	m.RecordDelivery("pumpfun-trades", OutcomeDeadLettered)
	m.ObserveHandler("pumpfun-trades", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.published.WithLabelValues("pumpfun-trades")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishRejected.WithLabelValues("uniswap-v2-swaps")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("pumpfun-trades", "acked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("pumpfun-trades", "dead_lettered")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.handlerSeconds))
}

func TestMetricsAlreadyRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, NewMetrics(reg).Register())

	// A second set with identical descriptors is tolerated.
	assert.NoError(t, NewMetrics(reg).Register())
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NoError(t, m.Register())
	assert.NotPanics(t, func() {
		m.RecordPublished("q")
		m.RecordPublishRejected("q")
		m.RecordDelivery("q", OutcomeRequeued)
		m.ObserveHandler("q", time.Second)
	})
}
