package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_login_attempts_total",
		Help: "Login attempts by method and result.",
	}, []string{"method", "result"})

	callbackRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_callback_runs_total",
		Help: "Callback reconciliation runs by outcome.",
	}, []string{"outcome"})

	guardDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_guard_decisions_total",
		Help: "Route guard decisions.",
	}, []string{"decision"})
)
