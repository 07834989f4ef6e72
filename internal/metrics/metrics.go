package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters exposed on /metrics. Redemption outcomes are labelled with the
// result variant so rejected and idempotent calls are visible separately.
var (
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_sessions_created_total",
		Help: "Attendance sessions opened by teachers.",
	})

	Redemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_redemptions_total",
		Help: "Token redemption calls by outcome.",
	}, []string{"outcome"})

	Overrides = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_overrides_total",
		Help: "Manual overrides by resulting status.",
	}, []string{"status"})

	ShareDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_share_dispatches_total",
		Help: "Share payload dispatches by result.",
	}, []string{"result"})
)
