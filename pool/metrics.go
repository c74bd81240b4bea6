/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package pool

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type poolMetrics struct {
	NodesTotal         prometheus.Gauge
	ConfigSwaps        prometheus.Counter
	NodeFailures       prometheus.Counter
	ResurrectionPasses prometheus.Counter
	NodesResurrected   prometheus.Counter
}

var (
	metrics     *poolMetrics
	metricsLock sync.Mutex
)

func getPoolMetrics() *poolMetrics {
	metricsLock.Lock()
	defer metricsLock.Unlock()

	if metrics != nil {
		return metrics
	}

	metrics = &poolMetrics{
		NodesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "stellar_cache",
			Name:      "pool_nodes",
			Help:      "Number of nodes in the current routing state.",
		}),
		ConfigSwaps: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "stellar_cache",
			Name:      "pool_config_swaps_total",
			Help:      "Number of cluster config snapshots applied.",
		}),
		NodeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "stellar_cache",
			Name:      "pool_node_failures_total",
			Help:      "Number of node failure events received.",
		}),
		ResurrectionPasses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "stellar_cache",
			Name:      "pool_resurrection_passes_total",
			Help:      "Number of probe passes over dead nodes.",
		}),
		NodesResurrected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "stellar_cache",
			Name:      "pool_nodes_resurrected_total",
			Help:      "Number of nodes returned to service by a probe.",
		}),
	}

	return metrics
}
