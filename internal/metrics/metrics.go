package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StoryResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_registry_resolutions_total",
			Help: "Story registry resolutions by outcome (cached, found, created, raced, conflict).",
		},
		[]string{"outcome"},
	)

	LedgerRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "choice_ledger_records_total",
			Help: "Choice ledger record attempts by outcome (applied, duplicate, rejected).",
		},
		[]string{"outcome"},
	)

	GeneratorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scene_generator_requests_total",
			Help: "Scene generator calls by backend and status.",
		},
		[]string{"backend", "status"},
	)

	GeneratorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scene_generator_request_duration_seconds",
			Help:    "Scene generator call latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	ChoiceAnalyses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "choice_analyzer_requests_total",
			Help: "Custom choice analyses by backend and status.",
		},
		[]string{"backend", "status"},
	)

	ChoiceAnalysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "choice_analyzer_request_duration_seconds",
			Help:    "Custom choice analysis latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	SessionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "story_sessions_completed_total",
		Help: "Sessions moved to the completed state.",
	})
)
