// Package metrics registers the Prometheus collectors of the payment engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "satsend"

var (
	collaboratorOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "indexer",
		Name:      "operations_total",
		Help:      "Count of indexer collaborator operations.",
	}, []string{"operation", "network", "status"})
	collaboratorOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "indexer",
		Name:      "operation_duration_seconds",
		Help:      "Duration of indexer collaborator operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "network", "status"})

	preparesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payments",
		Name:      "prepares_total",
		Help:      "Count of transaction preparations by outcome.",
	}, []string{"network", "status"})
	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payments",
		Name:      "sends_total",
		Help:      "Count of confirm-and-send attempts by outcome.",
	}, []string{"network", "status"})
	feesPaidSatoshis = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payments",
		Name:      "fees_paid_satoshis_total",
		Help:      "Total fees of broadcast transactions in satoshis.",
	}, []string{"network"})
	selectedInputs = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "coinselect",
		Name:      "selected_inputs",
		Help:      "Number of inputs chosen per selection.",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
	}, []string{"network"})
	feeRate = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "payments",
		Name:      "fee_rate_sat_per_vbyte",
		Help:      "Fee rate of prepared transactions.",
		Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
	}, []string{"network"})
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveCollaborator records an indexer call.
func ObserveCollaborator(operation, network string, err error, started time.Time) {
	if network == "" {
		network = "unknown"
	}
	s := status(err)

	collaboratorOpsTotal.WithLabelValues(operation, network, s).Inc()
	collaboratorOpDuration.WithLabelValues(operation, network, s).Observe(time.Since(started).Seconds())
}

// ObservePrepare records a preparation outcome. Inputs and rate are only
// recorded on success.
func ObservePrepare(network string, inputs int, rate float64, err error) {
	preparesTotal.WithLabelValues(network, status(err)).Inc()
	if err == nil {
		selectedInputs.WithLabelValues(network).Observe(float64(inputs))
		feeRate.WithLabelValues(network).Observe(rate)
	}
}

// ObserveSend records a confirm-and-send outcome and the fee it paid.
func ObserveSend(network string, fee int64, err error) {
	sendsTotal.WithLabelValues(network, status(err)).Inc()
	if err == nil {
		feesPaidSatoshis.WithLabelValues(network).Add(float64(fee))
	}
}
