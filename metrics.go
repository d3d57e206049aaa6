package strongroom

import (
	"github.com/prometheus/client_golang/prometheus"
)

// vaultMetrics holds the vault's operation counters. Instances are created
// per vault so tests and multi-vault processes do not share state.
type vaultMetrics struct {
	containersSealed   prometheus.Counter
	containersOpened   prometheus.Counter
	containersShredded prometheus.Counter
	unlockFailures     prometheus.Counter
	rotationsCompleted prometheus.Counter
	rotationsFailed    prometheus.Counter
	filesRewrapped     prometheus.Counter
}

// newVaultMetrics creates and registers the vault counters. A nil registerer
// yields working but unregistered counters.
func newVaultMetrics(reg prometheus.Registerer) *vaultMetrics {
	m := &vaultMetrics{
		containersSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strongroom_containers_sealed_total",
			Help: "Total number of containers encrypted into the vault",
		}),
		containersOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strongroom_containers_opened_total",
			Help: "Total number of container decryption streams opened",
		}),
		containersShredded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strongroom_containers_shredded_total",
			Help: "Total number of containers securely deleted",
		}),
		unlockFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strongroom_unlock_failures_total",
			Help: "Total number of unlock attempts rejected as wrong password",
		}),
		rotationsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strongroom_rotations_completed_total",
			Help: "Total number of password rotations completed",
		}),
		rotationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strongroom_rotations_failed_total",
			Help: "Total number of password rotation attempts that failed",
		}),
		filesRewrapped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strongroom_files_rewrapped_total",
			Help: "Total number of container file keys re-wrapped during rotations",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.containersSealed,
			m.containersOpened,
			m.containersShredded,
			m.unlockFailures,
			m.rotationsCompleted,
			m.rotationsFailed,
			m.filesRewrapped,
		)
	}
	return m
}
