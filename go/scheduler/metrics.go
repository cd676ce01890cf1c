package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var testsStartedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "test_probe_tests_started_total",
	Help: "Total number of tests accepted into the queue.",
})

var testsTerminalCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "test_probe_tests_terminal_total",
	Help: "Total number of tests reaching a terminal state.",
}, []string{"state"})

var activeExecutionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "test_probe_active_executions",
	Help: "Number of tests with a live execution.",
})

var queuedTestsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "test_probe_queued_tests",
	Help: "Number of accepted tests awaiting an execution slot.",
})
