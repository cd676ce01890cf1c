package streams

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var producedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "test_probe_produced_records_total",
	Help: "Records produced by producer streams, by topic and outcome.",
}, []string{"topic", "outcome"})

var consumedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "test_probe_consumed_records_total",
	Help: "Records consumed and kept by consumer streams, by topic.",
}, []string{"topic"})

var filteredCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "test_probe_filtered_records_total",
	Help: "Consumed records dropped by event filters, by topic.",
}, []string{"topic"})

var decodeErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "test_probe_decode_errors_total",
	Help: "Consumed records skipped because their key or value failed to decode.",
}, []string{"topic"})

var offsetCommitCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "test_probe_offset_commits_total",
	Help: "Offset commit batches issued by consumer streams, by topic.",
}, []string{"topic"})
