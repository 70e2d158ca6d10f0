package coordinator

import "github.com/prometheus/client_golang/prometheus"

var (
	stateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ngenic_coordinator_state",
			Help: "Coordinator state (1 for the current state, 0 otherwise)",
		},
		[]string{"state"},
	)
	failuresGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ngenic_coordinator_consecutive_failures",
			Help: "Consecutive failed refresh cycles",
		},
	)
	nextIntervalGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ngenic_coordinator_next_interval_seconds",
			Help: "Delay until the next scheduled refresh",
		},
	)
	lastSuccessGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ngenic_coordinator_last_success_timestamp_seconds",
			Help: "Last successful refresh (epoch seconds)",
		},
	)
	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ngenic_coordinator_refresh_total",
			Help: "Completed refresh cycles by kind and result",
		},
		[]string{"kind", "result"},
	)
	refreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ngenic_coordinator_refresh_duration_seconds",
			Help:    "Duration of refresh cycles",
			Buckets: prometheus.DefBuckets,
		},
	)
	changesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ngenic_coordinator_changes_total",
			Help: "Topology changes published to listeners",
		},
		[]string{"change"},
	)
	writesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ngenic_coordinator_writes_total",
			Help: "Setting changes sent to the api by operation and result",
		},
		[]string{"op", "result"},
	)
)

// MetricsCollectors exposes the coordinator collectors.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		stateGauge,
		failuresGauge,
		nextIntervalGauge,
		lastSuccessGauge,
		refreshTotal,
		refreshDuration,
		changesTotal,
		writesTotal,
	}
}

func observeState(s State) {
	for state, name := range stateNames {
		value := 0.0
		if state == s {
			value = 1
		}
		stateGauge.WithLabelValues(name).Set(value)
	}
}
