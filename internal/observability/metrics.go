package observability

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	registerOnce sync.Once

	collectiveCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "collective",
			Name:      "calls_total",
			Help:      "Collective calls by backend, operation and result.",
		},
		[]string{"backend", "op", "result"},
	)
	collectiveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleetd",
			Subsystem: "collective",
			Name:      "duration_seconds",
			Help:      "Collective call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)
	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Fabric session init and finalize outcomes.",
		},
		[]string{"backend", "event", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(collectiveCalls, collectiveDuration, sessionEvents)
	})
}

func resultLabel(code string) string {
	if code == "" {
		return "ok"
	}
	return code
}

// RecordCollective counts one collective call. code is the error taxonomy
// name of its outcome, empty on success.
func RecordCollective(backend, op, code string, duration time.Duration) {
	RegisterMetrics()
	collectiveCalls.WithLabelValues(backend, op, resultLabel(code)).Inc()
	collectiveDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// RecordSessionEvent counts an init or finalize outcome.
func RecordSessionEvent(backend, event, code string) {
	RegisterMetrics()
	sessionEvents.WithLabelValues(backend, event, resultLabel(code)).Inc()
}

// Serve exposes /metrics on addr until ctx ends.
func Serve(ctx context.Context, addr string) error {
	RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	log.Info().Str("addr", addr).Msg("observability.Serve metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
