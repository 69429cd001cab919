// Package metrics exposes brickforge's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "brickforge"

// Metrics holds every collector, registered on one registry. It satisfies
// regen.Recorder.
type Metrics struct {
	reg *prometheus.Registry

	BuildsTotal      *prometheus.CounterVec
	BuildDuration    *prometheus.HistogramVec
	Generation       prometheus.Gauge
	ExportsTotal     *prometheus.CounterVec
	ExportBytes      *prometheus.CounterVec
	ScriptsTotal     *prometheus.CounterVec
	WebsocketClients prometheus.Gauge
	EventsDropped    prometheus.Counter
}

// New registers the collectors on reg, or on a fresh registry carrying the
// Go and process collectors when reg is nil.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		BuildsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_total",
				Help:      "Brick builds by outcome",
			},
			[]string{"outcome"},
		),
		BuildDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "Wall time of brick builds",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"outcome"},
		),
		Generation: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation",
			Help:      "Generation of the cached model",
		}),
		ExportsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exports_total",
				Help:      "Exports by format, compression and outcome",
			},
			[]string{"format", "compression", "outcome"},
		),
		ExportBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "export_bytes_total",
				Help:      "Bytes written by successful exports",
			},
			[]string{"format"},
		),
		ScriptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scripts_total",
				Help:      "Preset script evaluations by outcome",
			},
			[]string{"outcome"},
		),
		WebsocketClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected event stream clients",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events not delivered to slow websocket clients",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) BuildFinished(outcome string, d time.Duration) {
	m.BuildsTotal.WithLabelValues(outcome).Inc()
	m.BuildDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) GenerationChanged(gen uint64) {
	m.Generation.Set(float64(gen))
}

// ExportFinished counts one export. n is ignored on failure.
func (m *Metrics) ExportFinished(format, compression string, n int64, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ExportsTotal.WithLabelValues(format, compression, outcome).Inc()
	if err == nil {
		m.ExportBytes.WithLabelValues(format).Add(float64(n))
	}
}

func (m *Metrics) ScriptEvaluated(outcome string) {
	m.ScriptsTotal.WithLabelValues(outcome).Inc()
}
