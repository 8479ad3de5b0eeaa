package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_allocations_total",
			Help: "Total allocation dispatch attempts",
		},
		[]string{"result"}, // success|failed
	)

	AllocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_allocation_duration_seconds",
			Help:    "Duration of allocation dispatch from submission to terminal state",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_probes_total",
			Help: "Feasibility probes issued to resource managers",
		},
		[]string{"outcome"}, // ok|rejected|unreachable
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_notifications_total",
			Help: "Allocation events published to the notification channels",
		},
		[]string{"event"}, // created|updated
	)
)

func init() {
	prometheus.MustRegister(AllocationsTotal)
	prometheus.MustRegister(AllocationDuration)
	prometheus.MustRegister(ProbesTotal)
	prometheus.MustRegister(NotificationsTotal)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
