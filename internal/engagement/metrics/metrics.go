// Package metrics exposes the engagement engine's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters the scan, fraud, and redemption paths bump.
type Metrics struct {
	ScansTotal       *prometheus.CounterVec
	FraudAlertsTotal *prometheus.CounterVec
	RedemptionsTotal *prometheus.CounterVec
}

// New builds the collectors and registers them with reg. A nil registerer
// leaves them unregistered, which is handy in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventflow",
			Name:      "scans_total",
			Help:      "Processed scan submissions by outcome tier",
		}, []string{"tier"}),
		FraudAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventflow",
			Name:      "fraud_alerts_total",
			Help:      "Persisted fraud alerts by severity",
		}, []string{"severity"}),
		RedemptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventflow",
			Name:      "redemptions_total",
			Help:      "Reward redemption attempts by outcome",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.ScansTotal, m.FraudAlertsTotal, m.RedemptionsTotal)
	}
	return m
}

// ObserveScan records a processed scan. Tier is "common", "rare", or
// "none" for scans that awarded nothing.
func (m *Metrics) ObserveScan(tier string) {
	if m == nil {
		return
	}
	m.ScansTotal.WithLabelValues(tier).Inc()
}

// ObserveAlert records a persisted fraud alert.
func (m *Metrics) ObserveAlert(severity string) {
	if m == nil {
		return
	}
	m.FraudAlertsTotal.WithLabelValues(severity).Inc()
}

// ObserveRedemption records a redemption attempt outcome such as
// "approved" or "declined".
func (m *Metrics) ObserveRedemption(outcome string) {
	if m == nil {
		return
	}
	m.RedemptionsTotal.WithLabelValues(outcome).Inc()
}
