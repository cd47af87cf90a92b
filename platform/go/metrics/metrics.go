package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection pool metrics
	PooledConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenancy_pooled_connections",
			Help: "Current number of tenant connection handles in the registry",
		},
	)

	ConnectionSwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenancy_connection_switches_total",
			Help: "Connection switches by target and result",
		},
		[]string{"target", "result"}, // target: tenant, central
	)

	PoolEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenancy_pool_evictions_total",
			Help: "Registry evictions by reason",
		},
		[]string{"reason"}, // reason: aged, stale, purge, explicit
	)

	// Directory metrics
	DirectoryLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenancy_directory_lookups_total",
			Help: "Tenant directory lookups by source",
		},
		[]string{"source"}, // source: cache, authority, fallback, not_found
	)

	BreakerOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenancy_directory_breaker_open",
			Help: "1 when the identity authority circuit breaker is open",
		},
	)

	// Provisioning metrics
	ProvisioningTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenancy_provisioning_total",
			Help: "Tenant database provisioning attempts by result",
		},
		[]string{"result"}, // result: created, exists, failed, dropped
	)

	ProvisioningDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tenancy_provisioning_duration_seconds",
			Help:    "Duration of tenant database provisioning",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// Outbox metrics
	OutboxDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenancy_outbox_dispatched_total",
			Help: "Outbox records handled by the dispatcher",
		},
		[]string{"result"}, // result: dispatched, retry, failed
	)
)
