package merger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDocsMerged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shardmerge",
		Name:      "merger_documents_total",
		Help:      "Total number of documents returned by the merger.",
	})
	metricBatchesRequested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardmerge",
		Name:      "merger_batches_requested_total",
		Help:      "Total number of follow-up batches requested from remotes, by outcome.",
	}, []string{"outcome"})
	metricRemoteRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shardmerge",
		Name:      "merger_remote_retries_total",
		Help:      "Total number of transient remote failures retried.",
	})
	metricRemoteErrorsSwallowed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shardmerge",
		Name:      "merger_remote_errors_swallowed_total",
		Help:      "Total number of terminal remote errors swallowed because partial results are allowed.",
	})
	metricKillCursors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shardmerge",
		Name:      "merger_kill_cursors_total",
		Help:      "Total number of kill-cursors commands dispatched to remotes.",
	})
)
