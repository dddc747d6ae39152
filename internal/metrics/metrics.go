// Package metrics provides Prometheus metrics for the agent supervisor.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentshell"

// Recorder records supervisor lifecycle metrics into its own registry.
type Recorder struct {
	registry *prometheus.Registry

	starts        prometheus.Counter
	spawnFailures prometheus.Counter
	exits         *prometheus.CounterVec
	running       prometheus.Gauge
	events        *prometheus.CounterVec
	subscribers   prometheus.Gauge
	lagged        prometheus.Counter
}

// NewRecorder creates a Recorder. The registry also carries the Go runtime
// and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,

		starts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Total workers spawned",
		}),

		spawnFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "spawn_failures_total",
			Help:      "Total failed worker spawns",
		}),

		exits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "exits_total",
			Help:      "Total worker exits by exit code",
		}, []string{"code"}),

		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "running",
			Help:      "Whether a worker is currently active",
		}),

		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total events published by kind",
		}, []string{"kind"}),

		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Current event subscribers",
		}),

		lagged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "lagged_total",
			Help:      "Total subscribers dropped for falling behind",
		}),
	}
}

func (r *Recorder) WorkerStarted() {
	r.starts.Inc()
	r.running.Set(1)
}

func (r *Recorder) SpawnFailed() {
	r.spawnFailures.Inc()
}

func (r *Recorder) WorkerExited(code int) {
	r.exits.WithLabelValues(strconv.Itoa(code)).Inc()
	r.running.Set(0)
}

func (r *Recorder) EventPublished(kind string) {
	r.events.WithLabelValues(kind).Inc()
}

func (r *Recorder) SubscribersChanged(n int) {
	r.subscribers.Set(float64(n))
}

func (r *Recorder) SubscriberLagged() {
	r.lagged.Inc()
}

// Handler returns the HTTP handler serving the Recorder's metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
