package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcalc/internal/api/handlers"
	"github.com/drfirst/go-rxcalc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcalc/internal/observability/metrics"
)

// lagFunc reports per-partition lag for the worker's consumer group
type lagFunc func(ctx context.Context) (map[string]map[int32]int64, error)

// workerStats is the /stats payload
type workerStats struct {
	Consumer redpanda.ConsumerStats `json:"consumer"`
	Producer redpanda.ProducerStats `json:"producer"`
}

// newStatusRouter serves the worker's operational endpoints
func newStatusRouter(health *handlers.HealthHandler, stats func() workerStats) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats())
	})
	return r
}

// refreshConsumerMetrics copies consumer totals and group lag into m. A lag
// lookup failure keeps the previous lag snapshot.
func refreshConsumerMetrics(ctx context.Context, m *metrics.Metrics, lag lagFunc, stats func() redpanda.ConsumerStats, logger *zap.Logger) {
	s := stats()
	m.ObserveConsumer(s.MessagesRead, s.ErrorCount)

	snapshot, err := lag(ctx)
	if err != nil {
		logger.Warn("consumer lag lookup failed", zap.Error(err))
		return
	}
	m.SetConsumerLag(snapshot)
}
