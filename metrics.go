package messaging

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome is what happened to one delivery.
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeAutoAcked    Outcome = "auto_acked"
	OutcomeFailed       Outcome = "failed"
)

// Metrics holds the Prometheus collectors for publish and delivery
// outcomes. All methods are safe on a nil receiver.
type Metrics struct {
	mu sync.Mutex

	published       *prometheus.CounterVec
	publishRejected *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	handlerSeconds  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer means the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:      registerer,
		published:       newCounterVec("published_total", "Messages handed to the broker", []string{"queue"}),
		publishRejected: newCounterVec("publish_rejected_total", "Messages refused before publishing because they failed validation", []string{"queue"}),
		deliveries:      newCounterVec("deliveries_total", "Deliveries by final outcome", []string{"queue", "outcome"}),
		handlerSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "messaging",
				Name:      "handler_duration_seconds",
				Help:      "Time spent in consumer handlers",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.published,
		m.publishRejected,
		m.deliveries,
		m.handlerSeconds,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) RecordPublished(queue string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(queue).Inc()
}

func (m *Metrics) RecordPublishRejected(queue string) {
	if m == nil {
		return
	}
	m.publishRejected.WithLabelValues(queue).Inc()
}

func (m *Metrics) RecordDelivery(queue string, outcome Outcome) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(queue, string(outcome)).Inc()
}

func (m *Metrics) ObserveHandler(queue string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerSeconds.WithLabelValues(queue).Observe(d.Seconds())
}
