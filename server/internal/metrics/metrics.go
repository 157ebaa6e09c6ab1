package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "qrankd"

// Metrics is the set of collectors updated by the refresh path and the API.
type Metrics struct {
	refreshes       *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	downloadedBytes prometheus.Counter
	entries         prometheus.Gauge
	generation      prometheus.Gauge
	lastPublish     prometheus.Gauge
	lookups         prometheus.Counter
	lookupIDs       *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		refreshes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refreshes_total",
				Help:      "Refresh attempts by outcome",
			},
			[]string{"outcome"}, // new_mapping, no_change, busy, failed
		),
		refreshDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "refresh_duration_seconds",
				Help:      "Duration of refresh attempts by outcome",
				Buckets: []float64{
					0.01, // lock wait / 304
					0.1,
					1,
					10,
					60,   // typical full download
					300,
					1800, // fetch timeout
				},
			},
			[]string{"outcome"},
		),
		downloadedBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes of artifact written to disk",
		}),
		entries: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "published_entries",
			Help:      "Number of entities in the published mapping",
		}),
		generation: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "published_generation",
			Help:      "Generation of the published mapping",
		}),
		lastPublish: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_publish_timestamp_seconds",
			Help:      "Unix time of the last publish",
		}),
		lookups: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_requests_total",
			Help:      "Lookup requests served",
		}),
		lookupIDs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lookup_ids_total",
				Help:      "Identifiers looked up by result",
			},
			[]string{"result"}, // hit, miss
		),
	}
}

// ObserveRefresh records one refresh attempt.
func (m *Metrics) ObserveRefresh(outcome string, took time.Duration, written int64) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
	m.refreshDuration.WithLabelValues(outcome).Observe(took.Seconds())
	if written > 0 {
		m.downloadedBytes.Add(float64(written))
	}
}

// SetPublished records the mapping that was just published.
func (m *Metrics) SetPublished(entries int, generation uint64, at time.Time) {
	if m == nil {
		return
	}
	m.entries.Set(float64(entries))
	m.generation.Set(float64(generation))
	m.lastPublish.Set(float64(at.Unix()))
}

// ObserveLookup records one lookup request.
func (m *Metrics) ObserveLookup(requested, found int) {
	if m == nil {
		return
	}
	m.lookups.Inc()
	m.lookupIDs.WithLabelValues("hit").Add(float64(found))
	m.lookupIDs.WithLabelValues("miss").Add(float64(requested - found))
}

// Handler serves the Prometheus exposition for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
