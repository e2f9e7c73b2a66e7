package flash

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the flash-progress instrumentation registered against a
// caller-supplied registry (spec.md §11 domain stack: the core exposes
// flash progress, not the out-of-scope OBD-II live-data dashboard).
type Metrics struct {
	BytesTransferred prometheus.Gauge
	PhaseGauge       *prometheus.GaugeVec
	SecurityFailures prometheus.Counter
	BackupBytes      prometheus.Gauge
}

// NewMetrics constructs and registers the flash metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesTransferred: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "n54flash",
			Name:      "bytes_transferred",
			Help:      "Bytes transmitted by TransferData in the current flash session.",
		}),
		PhaseGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "n54flash",
			Name:      "phase",
			Help:      "1 for the FlashSession's current phase, 0 otherwise.",
		}, []string{"phase"}),
		SecurityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "n54flash",
			Name:      "security_failures_total",
			Help:      "Count of failed security access unlocks across all sessions.",
		}),
		BackupBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "n54flash",
			Name:      "backup_bytes",
			Help:      "Size in bytes of the most recently written backup.",
		}),
	}
	reg.MustRegister(m.BytesTransferred, m.PhaseGauge, m.SecurityFailures, m.BackupBytes)
	return m
}

// SetPhase zeroes every other phase's gauge and sets p to 1, so exactly one
// phase label reads 1 at a time.
func (m *Metrics) SetPhase(p Phase) {
	for _, candidate := range []Phase{PhaseIdle, PhaseConnected, PhaseUnlocked, PhaseProgramming, PhaseVerifying, PhaseFinalized, PhaseAborted} {
		value := 0.0
		if candidate == p {
			value = 1.0
		}
		m.PhaseGauge.WithLabelValues(candidate.String()).Set(value)
	}
}
