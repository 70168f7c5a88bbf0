package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every instrument the engine exports about itself.
type Metrics struct {
	// Evaluation.
	EvalDuration prometheus.Histogram
	EvalErrors   *prometheus.CounterVec // by rule
	ActiveAlerts *prometheus.GaugeVec   // by state

	// Ingest.
	SamplesIngested prometheus.Counter

	// Grouping and routing.
	ActiveGroups     prometheus.Gauge
	RoutingFallbacks prometheus.Counter

	// Delivery.
	NotificationsSent   *prometheus.CounterVec // by receiver
	NotificationsFailed *prometheus.CounterVec // by receiver; attempts exhausted
}

// New constructs and registers all instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EvalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertflow_evaluation_duration_seconds",
			Help:    "Duration of one full rule evaluation tick.",
			Buckets: prometheus.DefBuckets,
		}),
		EvalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertflow_evaluation_errors_total",
			Help: "Rule evaluation errors, by rule name.",
		}, []string{"rule"}),
		ActiveAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "alertflow_alerts",
			Help: "Current alert instances, by state.",
		}, []string{"state"}),
		SamplesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertflow_samples_ingested_total",
			Help: "Samples recorded into the store.",
		}),
		ActiveGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertflow_notification_groups",
			Help: "Notification groups currently tracked.",
		}),
		RoutingFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertflow_routing_fallbacks_total",
			Help: "Alerts that matched no route and fell back to the root receiver.",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertflow_notifications_sent_total",
			Help: "Successfully delivered notifications, by receiver.",
		}, []string{"receiver"}),
		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertflow_notifications_failed_total",
			Help: "Notifications dropped after exhausting delivery attempts, by receiver.",
		}, []string{"receiver"}),
	}

	reg.MustRegister(
		m.EvalDuration, m.EvalErrors, m.ActiveAlerts,
		m.SamplesIngested,
		m.ActiveGroups, m.RoutingFallbacks,
		m.NotificationsSent, m.NotificationsFailed,
	)
	return m
}
