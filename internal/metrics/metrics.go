package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Job outcome labels.
const (
	OutcomeProcessed         = "processed"
	OutcomeUndecodable       = "undecodable"
	OutcomeUnresolvedDevice  = "unresolved_device"
	OutcomeUnresolvedDecoder = "unresolved_decoder"
	OutcomeAmbiguousDecoder  = "ambiguous_decoder"
	OutcomeMalformed         = "malformed"
)

// Pipeline holds the ingestion pipeline health signals.
type Pipeline struct {
	JobsAccepted   *prometheus.CounterVec
	JobOutcomes    *prometheus.CounterVec
	DeadLetters    prometheus.Counter
	DecodeDuration prometheus.Histogram
}

// NewPipeline registers and returns the pipeline metric set.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	m := &Pipeline{
		JobsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "water_metering",
			Name:      "jobs_accepted_total",
			Help:      "Telemetry submissions accepted and enqueued.",
		}, []string{"technology"}),
		JobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "water_metering",
			Name:      "job_outcomes_total",
			Help:      "Processed ingestion jobs by outcome.",
		}, []string{"outcome"}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "water_metering",
			Name:      "dead_letters_total",
			Help:      "Readings routed to the dead letter queue.",
		}),
		DecodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "water_metering",
			Name:      "decode_duration_seconds",
			Help:      "Wall clock time spent in the decoder sandbox.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25},
		}),
	}

	reg.MustRegister(m.JobsAccepted, m.JobOutcomes, m.DeadLetters, m.DecodeDuration)
	return m
}

// Serve exposes the registry on /metrics with an fx-managed HTTP listener.
func Serve(lc fx.Lifecycle, logger *zap.Logger, reg *prometheus.Registry, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics listener failed", zap.Error(err))
				}
			}()
			logger.Info("metrics endpoint started", zap.Int("port", port))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}
