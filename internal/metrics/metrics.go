package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeviceCalls counts RouterOS operations by operation and outcome kind
	DeviceCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router_secrets",
		Name:      "device_calls_total",
		Help:      "RouterOS API operations by operation and result kind.",
	}, []string{"op", "kind"})

	// DeviceCallDuration observes wall time of RouterOS operations
	DeviceCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "router_secrets",
		Name:      "device_call_duration_seconds",
		Help:      "Duration of RouterOS API operations including connect and close.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
	}, []string{"op"})

	// ExpirationTicks counts enforcement ticks by outcome (completed, skipped, failed)
	ExpirationTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router_secrets",
		Name:      "expiration_ticks_total",
		Help:      "Expiration enforcement ticks by outcome.",
	}, []string{"outcome"})

	// ExpirationAccounts counts per-account enforcement outcomes
	ExpirationAccounts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router_secrets",
		Name:      "expiration_accounts_total",
		Help:      "Overdue accounts processed by outcome (expired, failed, error).",
	}, []string{"outcome"})

	// ReconcileMutations counts local mutations committed by import and resync
	ReconcileMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router_secrets",
		Name:      "reconcile_mutations_total",
		Help:      "Local account mutations committed by reconciliation.",
	}, []string{"flow", "kind"})
)
