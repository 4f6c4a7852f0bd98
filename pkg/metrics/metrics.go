package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// ProjectUsage reports current aggregate usage per project and quota
	// dimension. CPU is in cores, memory and storage in bytes.
	ProjectUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kubeflow_mini_project_usage",
			Help: "Current resource usage of a project per quota dimension.",
		},
		[]string{"project", "dimension"},
	)
	// QuotaRejections counts reservations rejected by project quota,
	// labeled with the first violated dimension.
	QuotaRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubeflow_mini_quota_rejections_total",
			Help: "Total number of reservations rejected by project quota.",
		},
		[]string{"project", "dimension"},
	)
	// LeaseExpirations counts notebook leases expired per namespace.
	LeaseExpirations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubeflow_mini_lease_expirations_total",
			Help: "Total number of notebook lease expirations.",
		},
		[]string{"namespace"},
	)
	// JobPhaseTransitions counts observed MLJob phase changes.
	JobPhaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubeflow_mini_job_phase_transitions_total",
			Help: "Total number of MLJob phase transitions, labeled by target phase.",
		},
		[]string{"phase"},
	)

	registerOnce sync.Once
)

// RegisterMetrics registers all collectors on the controller-runtime
// registry so they are served alongside the standard workqueue and
// client metrics. Safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		metrics.Registry.MustRegister(ProjectUsage)
		metrics.Registry.MustRegister(QuotaRejections)
		metrics.Registry.MustRegister(LeaseExpirations)
		metrics.Registry.MustRegister(JobPhaseTransitions)
	})
}
