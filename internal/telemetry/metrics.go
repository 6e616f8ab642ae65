package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "cards_enqueued_total", Help: "Total enqueued generation jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "cards_rate_limit_rejects_total", Help: "Generation requests rejected by rate limiter"})
	RenderSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "cards_rendered_total", Help: "Card render jobs completed successfully"})
	RenderFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "cards_failed_total", Help: "Card render jobs that failed and will retry"})
	DeadLetter       = prometheus.NewCounter(prometheus.CounterOpts{Name: "cards_dead_letter_total", Help: "Jobs moved to DLQ"})
	UpdatesPublished = prometheus.NewCounter(prometheus.CounterOpts{Name: "cards_updates_published_total", Help: "job_update events published to the realtime channel"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cards_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cards_inflight", Help: "Jobs currently leased"})
	SocketClients    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cards_socket_clients", Help: "Connected WebSocket clients"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			RenderSuccess,
			RenderFailures,
			DeadLetter,
			UpdatesPublished,
			QueueDepthGauge,
			InFlightGauge,
			SocketClients,
		)
	})
	return promhttp.Handler()
}
