package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WorkersJoinedTotal tracks workers accepted into a job's pool.
var WorkersJoinedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "piscale_workers_joined_total",
		Help: "Total workers joined",
	},
	[]string{"method"},
)

// ChunksDispatchedTotal tracks chunks handed to workers.
var ChunksDispatchedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "piscale_chunks_dispatched_total",
		Help: "Total chunks dispatched",
	},
	[]string{"method"},
)

// ResultsReceivedTotal tracks partial results accepted into the accumulator.
var ResultsReceivedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "piscale_results_received_total",
		Help: "Total partial results accepted",
	},
	[]string{"method"},
)

// ProtocolViolationsTotal tracks worker events rejected by the job protocol.
var ProtocolViolationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "piscale_protocol_violations_total",
		Help: "Total protocol violations",
	},
	[]string{"method"},
)

// WorkerFailuresTotal tracks workers that stopped before reporting.
var WorkerFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "piscale_worker_failures_total",
		Help: "Total worker failures",
	},
	[]string{"method"},
)

// JobsFinalizedTotal tracks jobs that produced an estimate.
var JobsFinalizedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "piscale_jobs_finalized_total",
		Help: "Total jobs finalized",
	},
	[]string{"method"},
)

// PendingChunks tracks dispatched chunks whose result has not arrived.
var PendingChunks = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "piscale_pending_chunks",
		Help: "Chunks dispatched and not yet reported",
	},
	[]string{"method"},
)

// Estimate tracks the last derived estimate.
var Estimate = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "piscale_estimate",
		Help: "Last derived estimate",
	},
	[]string{"method"},
)

// JobDuration tracks time from the first join to finalization.
var JobDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "piscale_job_duration_seconds",
		Help:    "Time from job start to finalization",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	},
	[]string{"method"},
)
