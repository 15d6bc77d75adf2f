package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricJobsDone = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "harvest",
		Name:      "jobs_done_total",
		Help:      "Number of jobs that completed successfully.",
	})
	metricJobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "harvest",
		Name:      "jobs_failed_total",
		Help:      "Number of jobs that failed.",
	})
	metricItemsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "harvest",
		Name:      "items_fetched_total",
		Help:      "Number of items fetched by all jobs.",
	})
)
