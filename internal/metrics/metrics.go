// Package metrics exposes pwrec's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeReconnected labels a reconnection attempt that confirmed the process alive.
	OutcomeReconnected = "reconnected"
	// OutcomeFailed labels reconnection exhaustion.
	OutcomeFailed = "failed"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pwrec",
			Name:      "connection_events_total",
			Help:      "Connection events appended to session logs, partitioned by type.",
		},
		[]string{"type"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pwrec",
			Name:      "alerts_created_total",
			Help:      "Connection alerts raised, partitioned by type and severity.",
		},
		[]string{"type", "severity"},
	)

	activeAlerts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pwrec",
			Name:      "alerts_active",
			Help:      "Alerts currently in the active set (acknowledged or not).",
		},
	)

	reconnectOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pwrec",
			Name:      "reconnect_outcomes_total",
			Help:      "Reconnection sequences by final outcome.",
		},
		[]string{"outcome"},
	)

	qualityScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pwrec",
			Name:      "session_quality_score",
			Help:      "Session quality score after each metrics update.",
			Buckets:   []float64{20, 40, 50, 60, 75, 90, 100},
		},
	)

	monitorStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pwrec",
			Name:      "monitors",
			Help:      "Running process monitors by connection state.",
		},
		[]string{"state"},
	)
)

// Register attaches pwrec collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsTotal,
		alertsTotal,
		activeAlerts,
		reconnectOutcomes,
		qualityScore,
		monitorStates,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveEvent counts an appended connection event and the quality score it produced.
func ObserveEvent(eventType string, score int) {
	eventsTotal.WithLabelValues(eventType).Inc()
	qualityScore.Observe(float64(score))
}

// ObserveAlert counts a newly raised alert.
func ObserveAlert(alertType, severity string) {
	alertsTotal.WithLabelValues(alertType, severity).Inc()
}

// SetActiveAlerts records the size of the active alert set.
func SetActiveAlerts(n int) {
	activeAlerts.Set(float64(n))
}

// ObserveReconnect records how a reconnection sequence ended.
func ObserveReconnect(outcome string) {
	if outcome != OutcomeReconnected {
		outcome = OutcomeFailed
	}
	reconnectOutcomes.WithLabelValues(outcome).Inc()
}

// MonitorTransition moves one monitor between state gauges. An empty from only adds,
// an empty to only removes.
func MonitorTransition(from, to string) {
	if from != "" {
		monitorStates.WithLabelValues(from).Dec()
	}
	if to != "" {
		monitorStates.WithLabelValues(to).Inc()
	}
}
