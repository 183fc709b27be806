// Package ops serves the operational HTTP endpoints of a consumer process.
package ops

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kinsyu/messaging"
	"github.com/kinsyu/messaging/rabbitmq"
)

// StateReporter is implemented by *rabbitmq.Guard.
type StateReporter interface {
	State() rabbitmq.State
}

type health struct {
	Broker string `json:"broker"`
}

// NewRouter serves /healthz from the broker state and /metrics from
// gatherer. A nil gatherer serves the default registry.
func NewRouter(broker StateReporter, gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := broker.State()
		status := http.StatusOK
		if state != rabbitmq.StateConnected {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health{Broker: state.String()})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := messaging.JsonMarshaler{}.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
