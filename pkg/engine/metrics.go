package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActivitiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopd_engine_activities_total",
			Help: "Activities finished by name and outcome",
		},
		[]string{"activity", "result"},
	)

	metricActivityTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopd_engine_activity_timeouts_total",
			Help: "Activities forcibly aborted after exhausting their tick budget",
		},
	)

	metricStaleResults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopd_engine_stale_results_total",
			Help: "Step results dropped because their activity generation had passed",
		},
	)

	metricCalibrationPoints = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopd_engine_calibration_points_total",
			Help: "Calibration points captured across all sweeps",
		},
	)
)
