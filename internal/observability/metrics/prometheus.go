// Package metrics provides Prometheus metrics for the quantity calculator.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-rxcalc/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	CalculationsTotal     *prometheus.CounterVec
	SigParseFailures      prometheus.Counter
	CalculationDuration   prometheus.Histogram
	PackageWaste          prometheus.Histogram
	UpstreamRequests      *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	WorkerTasks           *prometheus.CounterVec
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
	ConsumerLag           *prometheus.GaugeVec
	ConsumerRecords       *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		CalculationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calculations_total",
			Help: "Total calculations by outcome",
		}, []string{"outcome"}),
		SigParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sig_parse_failures_total",
			Help: "SIG texts that yielded no dosage instruction",
		}),
		CalculationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "calculation_duration_seconds",
			Help:    "End-to-end calculation duration including upstream lookups",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		PackageWaste: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "package_waste_units",
			Help:    "Units dispensed beyond the quantity needed",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Upstream vocabulary and catalog lookups by service and outcome",
		}, []string{"service", "outcome"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		WorkerTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_tasks_total",
			Help: "Worker pool tasks by outcome",
		}, []string{"outcome"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kafka_consumer_group_lag",
			Help: "Consumer group lag per topic partition",
		}, []string{"topic", "partition"}),
		ConsumerRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kafka_consumer_records",
			Help: "Records handled by this consumer since start, by outcome",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.CalculationsTotal,
		m.SigParseFailures,
		m.CalculationDuration,
		m.PackageWaste,
		m.UpstreamRequests,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.WorkerTasks,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.ConsumerLag,
		m.ConsumerRecords,
	)

	return m
}

// ObserveBreaker records a breaker transition; matches circuitbreaker.Config.OnStateChange
func (m *Metrics) ObserveBreaker(name string, _, to circuitbreaker.State) {
	var v float64
	switch to {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// SetConsumerLag replaces the lag gauges with a fresh snapshot so that
// partitions no longer assigned to the group drop out.
func (m *Metrics) SetConsumerLag(lag map[string]map[int32]int64) {
	m.ConsumerLag.Reset()
	for topic, partitions := range lag {
		for partition, n := range partitions {
			m.ConsumerLag.WithLabelValues(topic, strconv.Itoa(int(partition))).Set(float64(n))
		}
	}
}

// ObserveConsumer records the consumer's running totals
func (m *Metrics) ObserveConsumer(read, failed int64) {
	m.ConsumerRecords.WithLabelValues("read").Set(float64(read))
	m.ConsumerRecords.WithLabelValues("error").Set(float64(failed))
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns an HTTP handler serving the given gatherer
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
