package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "examiner_sessions_active",
		Help: "Currently connected examiner sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "examiner_sessions_total",
		Help: "Total examiner sessions opened",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "examiner_stage_duration_seconds",
		Help:    "Per-stage latency of remote calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0},
	}, []string{"stage"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "examiner_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	Turns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "examiner_turns_total",
		Help: "Conversation turns appended by role",
	}, []string{"role"})

	RecordingAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "examiner_recording_attempts_total",
		Help: "Recording attempts by outcome (finalized, empty, aborted)",
	}, []string{"outcome"})

	RecognizerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "examiner_recognizer_restarts_total",
		Help: "Automatic restarts of host speech recognition",
	})

	PlaybackFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "examiner_playback_fallbacks_total",
		Help: "Examiner replies spoken with the host's local synthesizer",
	})

	EngineFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "examiner_engine_fallbacks_total",
		Help: "Requests for an unconfigured engine served by the default engine",
	}, []string{"stage"})

	ScoringRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "examiner_scoring_requests_total",
		Help: "Scoring requests sent",
	})
)

var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "examiner_events_published_total",
	Help: "Session events handed to the event publisher by topic and status",
}, []string{"topic", "status"})
