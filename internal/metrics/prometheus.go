package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagecut_runs_total",
		Help: "Total number of analysis runs, by status",
	}, []string{"status"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stagecut_run_duration_seconds",
		Help:    "Duration of analysis run phases",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"phase"})

	CandidateFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stagecut_candidate_frames_total",
		Help: "Total number of candidate frames compared",
	})

	KeyframesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stagecut_keyframes_total",
		Help: "Total number of keyframes selected",
	})

	SkippedFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stagecut_skipped_frames_total",
		Help: "Total number of candidate frames that failed to decode",
	})

	StageQualityTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagecut_stages_total",
		Help: "Total number of stages stored, by quality",
	}, []string{"quality"})

	OracleFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stagecut_oracle_fallbacks_total",
		Help: "Runs that used the whole-video default stage",
	})

	ArtifactFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stagecut_artifact_failures_total",
		Help: "Keyframe images that could not be written",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stagecut_active_workers",
		Help: "Number of queue workers currently running an analysis",
	})

	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagecut_retry_total",
		Help: "Total number of queue message retries",
	}, []string{"attempt"})
)
