package link

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopd_link_frames_total",
			Help: "Frames received from the controller by kind",
		},
		[]string{"kind"},
	)

	metricCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopd_link_commands_total",
			Help: "Commands dispatched to the controller by outcome",
		},
		[]string{"result"},
	)

	metricRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopd_link_retries_total",
			Help: "Command rewrites after an unanswered or refused attempt",
		},
	)

	metricDesyncDiscards = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopd_link_desync_discards_total",
			Help: "Replies discarded by the resync rule because bytes were still queued behind them",
		},
	)

	metricDroppedReplies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopd_link_dropped_replies_total",
			Help: "Replies that arrived with no command waiting for them",
		},
	)

	metricDroppedBroadcasts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopd_link_dropped_broadcasts_total",
			Help: "Broadcasts dropped because a subscriber channel was full",
		},
	)

	metricLinkErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopd_link_errors_total",
			Help: "Serial read or write failures",
		},
	)
)
