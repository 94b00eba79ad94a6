package rules

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncPlatformTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tipper_rules_sync_platform_total",
		Help: "Platform sync outcomes (fetched, cache_fallback, empty)",
	}, []string{"platform", "outcome"})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tipper_rules_sync_duration_seconds",
		Help:    "Duration of a platform sync",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform"})

	rulesPublished = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tipper_rules_published",
		Help: "Number of rules published to the rules index by the last sync",
	})
)
