package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WithdrawalAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardpool_withdrawal_attempts_total",
			Help: "Total number of withdrawal attempts by terminal status",
		},
		[]string{"status"},
	)

	WithdrawalRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rewardpool_withdrawal_retries_total",
			Help: "Total number of withdrawal submission retries",
		},
	)

	WithdrawalAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardpool_withdrawal_amount_total",
			Help: "Total units paid out, split by recipient (farmer vs platform)",
		},
		[]string{"recipient"},
	)

	SubmissionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rewardpool_submission_duration_seconds",
			Help:    "Duration of instruction submission including confirmation wait",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~51s
		},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rewardpool_withdrawal_batch_size",
			Help:    "Number of task ids per withdrawal batch",
			Buckets: prometheus.LinearBuckets(1, 5, 10), // 1 to 46
		},
	)
)
