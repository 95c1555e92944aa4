package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/grant-datastore/internal/model"
)

// Metrics exposes datastore health and promotion outcomes to Prometheus.
type Metrics struct {
	gatherer prometheus.Gatherer

	promotions        *prometheus.CounterVec
	promotionDuration prometheus.Histogram
	droppedFiles      prometheus.Counter
	snapshotGrants    *prometheus.GaugeVec
	entities          *prometheus.GaugeVec
	runs              prometheus.Gauge
	ineligibleRate    prometheus.Gauge
	snapshotAge       prometheus.Gauge
	alertsSent        prometheus.Counter
}

// NewMetrics registers the datastore metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		promotions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "datastore_promotions_total",
			Help: "Promotion attempts by outcome",
		}, []string{"outcome"}),
		promotionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "datastore_promotion_duration_seconds",
			Help:    "Time taken to select and rotate a snapshot",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		droppedFiles: f.NewCounter(prometheus.CounterOpts{
			Name: "datastore_promotion_dropped_files_total",
			Help: "Failed source files left out of a snapshot for lack of a fallback",
		}),
		snapshotGrants: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datastore_snapshot_grants",
			Help: "Grant count of each readable snapshot slot",
		}, []string{"series"}),
		entities: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datastore_entities",
			Help: "Funder and recipient entity rows",
		}, []string{"kind"}),
		runs: f.NewGauge(prometheus.GaugeOpts{
			Name: "datastore_ingest_runs",
			Help: "Ingest runs held in the datastore",
		}),
		ineligibleRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "datastore_latest_run_ineligible_ratio",
			Help: "Share of the latest run's source files that are ineligible",
		}),
		snapshotAge: f.NewGauge(prometheus.GaugeOpts{
			Name: "datastore_current_snapshot_age_hours",
			Help: "Age of the CURRENT snapshot",
		}),
		alertsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "datastore_alerts_sent_total",
			Help: "Alerts delivered to the webhook",
		}),
	}
}

// PromotionFinished records one promotion attempt.
func (m *Metrics) PromotionFinished(outcome string, grants int64, dropped int, elapsed time.Duration) {
	m.promotions.WithLabelValues(outcome).Inc()
	m.promotionDuration.Observe(elapsed.Seconds())
	m.droppedFiles.Add(float64(dropped))
	if outcome == "promoted" {
		m.snapshotGrants.WithLabelValues(string(model.SeriesCurrent)).Set(float64(grants))
	}
}

// Observe copies a health snapshot into the gauges.
func (m *Metrics) Observe(snap *MetricsSnapshot) {
	m.runs.Set(float64(snap.Runs))
	m.ineligibleRate.Set(snap.IneligibleRate)
	m.snapshotGrants.WithLabelValues(string(model.SeriesCurrent)).Set(float64(snap.CurrentGrants))
	m.snapshotGrants.WithLabelValues(string(model.SeriesPrevious)).Set(float64(snap.PreviousGrants))
	m.snapshotAge.Set(snap.CurrentAgeHours)
	m.entities.WithLabelValues(string(model.EntityFunder)).Set(float64(snap.Funders))
	m.entities.WithLabelValues(string(model.EntityRecipient)).Set(float64(snap.Recipients))
}

// AlertsSent counts delivered alerts.
func (m *Metrics) AlertsSent(n int) {
	m.alertsSent.Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
