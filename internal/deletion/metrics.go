// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package deletion

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/worldtree/internal/world"
)

// Result labels of entitiesTotal.
const (
	resultDeleted = "deleted"
	resultFailed  = "failed"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worldtree_delete_operations_total",
			Help: "Total number of delete operations reaching a terminal status",
		},
		[]string{"status"},
	)

	entitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worldtree_delete_entities_total",
			Help: "Total number of entities processed by delete operations by result",
		},
		[]string{"result"},
	)

	operationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "worldtree_delete_operation_duration_seconds",
		Help:    "Wall time from start to terminal status of delete operations",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worldtree_delete_operations_in_flight",
		Help: "Number of delete operations currently executing",
	})
)

// Collectors returns the deletion metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{operationsTotal, entitiesTotal, operationDuration, inFlight}
}

func recordTerminal(op *world.DeleteOperation) {
	operationsTotal.WithLabelValues(op.Status.String()).Inc()
	if op.StartedAt != nil && op.CompletedAt != nil {
		operationDuration.Observe(op.CompletedAt.Sub(*op.StartedAt).Seconds())
	}
}

func recordEntity(result string) {
	entitiesTotal.WithLabelValues(result).Inc()
}

