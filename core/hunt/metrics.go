package hunt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tipper_hunt_searches_total",
		Help: "Batched IOC searches by source and outcome.",
	}, []string{"source", "outcome"})

	sourceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tipper_hunt_source_duration_seconds",
		Help:    "Time until all searches of a source resolved.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"source"})

	hitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tipper_hunt_hits_total",
		Help: "Distinct indicators with at least one hit, by source.",
	}, []string{"source"})
)
