package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/13uraksahin/read-water-worker/internal/config"
	"github.com/13uraksahin/read-water-worker/internal/db"
	"github.com/13uraksahin/read-water-worker/internal/decoder"
	"github.com/13uraksahin/read-water-worker/internal/detect"
	"github.com/13uraksahin/read-water-worker/internal/link"
	"github.com/13uraksahin/read-water-worker/internal/metrics"
	"github.com/13uraksahin/read-water-worker/internal/mq"
	"github.com/13uraksahin/read-water-worker/internal/pipeline"
	"github.com/13uraksahin/read-water-worker/internal/repository"
	"github.com/13uraksahin/read-water-worker/internal/store"
)

// IngestPublisher and NotifyPublisher wrap mq.Publisher so fx can tell the
// two exchanges apart.
type IngestPublisher struct{ *mq.Publisher }
type NotifyPublisher struct{ *mq.Publisher }

func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	p *pipeline.Pipeline,
) (*mq.Consumer, error) {
	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.IngestQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.IngestExchange,
		RoutingKey:       cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: p.ProcessMessage,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting worker consumer",
				zap.String("queue", cfg.RabbitMQ.IngestQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return consumer, nil
}

// startDetection ties the periodic detection sweep to the application
// lifecycle.
func startDetection(lc fx.Lifecycle, sweeper *detect.Sweeper, cfg *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			go sweeper.Run(ctx, cfg.Detection.SweepInterval)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			return nil
		},
	})
}

// startSelfTest sweeps untested decoder scenarios once on boot, off the
// consumer path.
func startSelfTest(lc fx.Lifecycle, registry *decoder.Registry, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := registry.SelfTestPending(context.Background()); err != nil {
					logger.Warn("decoder self-test sweep failed", zap.Error(err))
				}
			}()
			return nil
		},
	})
}

func startMetrics(lc fx.Lifecycle, logger *zap.Logger, reg *prometheus.Registry, cfg *config.Config) {
	metrics.Serve(lc, logger, reg, cfg.MetricsPort)
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *pgxpool.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideStore creates the readings store
func ProvideStore(pool *pgxpool.Pool) *store.Store {
	return store.NewStore(pool)
}

// ProvideMetricsRegistry creates the process-wide prometheus registry
func ProvideMetricsRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// ProvidePipelineMetrics registers the pipeline instrumentation
func ProvidePipelineMetrics(reg *prometheus.Registry) *metrics.Pipeline {
	return metrics.NewPipeline(reg)
}

// ProvideSandbox creates the decoder execution sandbox
func ProvideSandbox(cfg *config.Config) *decoder.Sandbox {
	return decoder.NewSandbox(cfg.Decoder.Timeout, cfg.Decoder.MaxCallStack)
}

// ProvideDecoderRegistry creates the scenario registry
func ProvideDecoderRegistry(repo *repository.Repository, sandbox *decoder.Sandbox, logger *zap.Logger) *decoder.Registry {
	return decoder.NewRegistry(repo, sandbox, logger)
}

// ProvideLinkManager creates the device-meter link manager
func ProvideLinkManager(repo *repository.Repository, logger *zap.Logger) *link.Manager {
	return link.NewManager(repo, logger)
}

// ProvideIngestPublisher creates the publisher for the ingest exchange
func ProvideIngestPublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (IngestPublisher, error) {
	pub, err := mq.NewPublisher(conn, cfg.RabbitMQ.IngestExchange, logger)
	return IngestPublisher{pub}, err
}

// ProvideNotifyPublisher creates the publisher for the worker events exchange
func ProvideNotifyPublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (NotifyPublisher, error) {
	pub, err := mq.NewPublisher(conn, cfg.RabbitMQ.NotifyExchange, logger)
	return NotifyPublisher{pub}, err
}

// ProvideEventNotifier creates the reading event sink
func ProvideEventNotifier(pub NotifyPublisher, cfg *config.Config) *pipeline.EventNotifier {
	return pipeline.NewEventNotifier(pub.Publisher, cfg.RabbitMQ.NotifyRoutingKey)
}

// ProvideDeadLetterSink creates the sink for readings the store rejected
func ProvideDeadLetterSink(pub NotifyPublisher, cfg *config.Config, m *metrics.Pipeline, logger *zap.Logger) *pipeline.DeadLetterSink {
	return pipeline.NewDeadLetterSink(pub.Publisher, cfg.RabbitMQ.DeadRoutingKey, m.DeadLetters, logger)
}

// ProvideBatchWriter creates the batched reading writer and ties its run
// loop to the application lifecycle
func ProvideBatchWriter(lc fx.Lifecycle, s *store.Store, sink *pipeline.DeadLetterSink, cfg *config.Config, logger *zap.Logger) *store.BatchWriter {
	writer := store.NewBatchWriter(
		s,
		sink,
		cfg.Pipeline.FlushSize,
		cfg.Pipeline.FlushInterval,
		cfg.Pipeline.AppendMaxRetries,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			writer.Start(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			return nil
		},
	})
	return writer
}

// ProvidePipeline wires the ingestion pipeline
func ProvidePipeline(
	repo *repository.Repository,
	links *link.Manager,
	sandbox *decoder.Sandbox,
	writer *store.BatchWriter,
	ingest IngestPublisher,
	notifier *pipeline.EventNotifier,
	m *metrics.Pipeline,
	cfg *config.Config,
	logger *zap.Logger,
) *pipeline.Pipeline {
	return pipeline.New(repo, links, sandbox, writer, ingest.Publisher, notifier, m, cfg, logger)
}

// ProvideSweeper creates the detection sweeper over the readings store
func ProvideSweeper(s *store.Store, pub NotifyPublisher, cfg *config.Config, logger *zap.Logger) *detect.Sweeper {
	return detect.NewSweeper(
		s,
		pub.Publisher,
		cfg.Detection.HighConsumptionMultiplier,
		cfg.Detection.TrailingHours,
		cfg.Detection.OfflineWindowHours,
		logger,
	)
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL, cfg.Database.MaxConns)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}
