package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-rxcalc/pkg/circuitbreaker"
)

func TestNewRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CalculationsTotal.WithLabelValues("success").Inc()
	m.CalculationsTotal.WithLabelValues("success").Inc()
	if got := testutil.ToFloat64(m.CalculationsTotal.WithLabelValues("success")); got != 2 {
		t.Errorf("calculations_total{success} = %v, want 2", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}

func TestObserveBreaker(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveBreaker("rxnorm", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("rxnorm")); got != 1 {
		t.Errorf("open state = %v, want 1", got)
	}
	m.ObserveBreaker("rxnorm", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("rxnorm")); got != 2 {
		t.Errorf("half-open state = %v, want 2", got)
	}
	m.ObserveBreaker("rxnorm", circuitbreaker.StateHalfOpen, circuitbreaker.StateClosed)
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("rxnorm")); got != 0 {
		t.Errorf("closed state = %v, want 0", got)
	}
}

func TestSetConsumerLagReplacesSnapshot(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetConsumerLag(map[string]map[int32]int64{
		"calculation.requests": {0: 4, 1: 0},
	})
	if got := testutil.ToFloat64(m.ConsumerLag.WithLabelValues("calculation.requests", "0")); got != 4 {
		t.Errorf("partition 0 lag = %v, want 4", got)
	}
	if got := testutil.CollectAndCount(m.ConsumerLag); got != 2 {
		t.Errorf("lag series = %d, want 2", got)
	}

	m.SetConsumerLag(map[string]map[int32]int64{
		"calculation.requests": {1: 7},
	})
	if got := testutil.CollectAndCount(m.ConsumerLag); got != 1 {
		t.Errorf("lag series after refresh = %d, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConsumerLag.WithLabelValues("calculation.requests", "1")); got != 7 {
		t.Errorf("partition 1 lag = %v, want 7", got)
	}
}

func TestObserveConsumer(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveConsumer(12, 3)
	if got := testutil.ToFloat64(m.ConsumerRecords.WithLabelValues("read")); got != 12 {
		t.Errorf("read = %v, want 12", got)
	}
	if got := testutil.ToFloat64(m.ConsumerRecords.WithLabelValues("error")); got != 3 {
		t.Errorf("error = %v, want 3", got)
	}
}
