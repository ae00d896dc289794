package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iris-familiar/bay-area-food-map-sub000/config"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/aggregation"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/corrections"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/events"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/kafka"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/lookup"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/matching"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/merging"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/pipeline"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/processor"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/quality"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/startup"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/telemetry"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/tracing"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/transaction"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/view"
)

// app holds the components shared by every command
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	out    io.Writer

	aggregator *aggregation.Aggregator
	resolver   *merging.Resolver
	processor  *processor.Processor
	applier    *corrections.Applier
	quality    *quality.Engine
	metrics    *telemetry.Metrics

	emitter  *events.Emitter
	startup  *startup.Startup
	shutdown func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, out io.Writer) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		out:     out,
		metrics: telemetry.NewMetrics(),
		startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
	}

	shutdown, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: cfg.AppName,
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	a.shutdown = shutdown

	a.aggregator = aggregation.NewAggregator(logger, aggregation.Config{
		MentionCap:       cfg.AggMentionCap,
		SentimentWeight:  cfg.AggSentimentWeight,
		DiscountExponent: cfg.AggDiscountExponent,
		TimeseriesMonths: cfg.AggTimeseriesMonths,
		MinDishLength:    aggregation.DefaultConfig().MinDishLength,
	})
	a.resolver = merging.NewResolver(logger, a.aggregator)
	a.applier = corrections.NewApplier(logger, a.aggregator)

	rules, err := quality.LoadRules(cfg.QualityRulesPath)
	if err != nil {
		return nil, err
	}
	a.quality = quality.NewEngine(logger, a.aggregator, rules)

	policy := matching.DefaultPolicy()
	policy.NativeThreshold = cfg.MatchNativeThreshold
	policy.LatinThreshold = cfg.MatchLatinThreshold
	if len(cfg.MatchRegionCities) > 0 {
		policy.RegionCities = cfg.MatchRegionCities
	}
	matcher := matching.NewEngine(logger, matching.EngineConfig{
		Policy:       policy,
		FuzzyEnabled: cfg.MatchFuzzyEnabled,
	})

	enricher, err := a.newEnricher(policy)
	if err != nil {
		return nil, err
	}
	a.processor = processor.NewProcessor(logger, matcher, a.aggregator, a.resolver, enricher)

	if cfg.KafkaEnabled {
		producer := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaTopic,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: cfg.KafkaBatchTimeout,
			RequiredAcks: cfg.KafkaRequiredAcks,
		}, logger)
		a.emitter = events.NewEmitter(producer, logger)
		a.startup.AddDependency(startup.NewKafkaDependency(cfg.KafkaBrokers, producer))
	}

	return a, nil
}

// newEnricher returns nil when no lookup source is configured
func (a *app) newEnricher(policy matching.Policy) (*lookup.Enricher, error) {
	if a.cfg.LookupFixturePath == "" {
		return nil, nil
	}
	client, err := lookup.NewFileClient(a.cfg.LookupFixturePath)
	if err != nil {
		return nil, err
	}

	caches := lookup.Tiered{lookup.NewMemoryCache(a.cfg.LookupCacheTTL)}
	if a.cfg.LookupRedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: a.cfg.LookupRedisAddr,
			DB:   a.cfg.LookupRedisDB,
		})
		caches = append(caches, lookup.NewRedisCache(a.logger, rdb, a.cfg.LookupCacheTTL))
		a.startup.AddDependency(startup.NewRedisDependency(rdb))
	}

	return lookup.NewEnricher(a.logger, client, caches, lookup.Config{
		Timeout: a.cfg.LookupTimeout,
		Retries: a.cfg.LookupRetries,
		Delay:   a.cfg.LookupDelay,
		Policy:  policy,
	}), nil
}

// start brings up optional external dependencies before a mutating run
func (a *app) start(ctx context.Context) error {
	return a.startup.Start(ctx)
}

func (a *app) close(ctx context.Context) {
	if err := a.startup.Stop(ctx); err != nil {
		a.logger.Warn("Failed to stop dependencies", zap.Error(err))
	}
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("Failed to shut down tracing", zap.Error(err))
	}
}

func (a *app) transactions(target string) *transaction.Manager {
	snapshotDir := a.cfg.SnapshotDir
	auditPath := a.cfg.AuditLogPath
	if target != a.cfg.StorePath {
		// snapshots of an explicit store live beside it
		snapshotDir = filepath.Join(filepath.Dir(target), "backups", "transactions")
		auditPath = filepath.Join(snapshotDir, "audit.jsonl")
	}
	return transaction.NewManager(a.logger, target, transaction.Config{
		SnapshotDir:  snapshotDir,
		AuditLogPath: auditPath,
		RetainCount:  a.cfg.SnapshotRetainCount,
		RetainWindow: a.cfg.SnapshotRetainWindow,
	})
}

// runner builds the pipeline for a run reading source and writing target
func (a *app) runner(source, target string) *pipeline.Runner {
	opts := []pipeline.Option{
		pipeline.WithSource(source),
		pipeline.WithMetrics(a.metrics, a.cfg.MetricsTextfilePath),
		pipeline.WithCheckpoint(a.cfg.CheckpointPath),
	}
	if a.cfg.IndexPath != "" {
		opts = append(opts, pipeline.WithViewWriter(view.NewFileWriter(a.logger, a.indexPath(target))))
	}
	if a.emitter != nil {
		opts = append(opts, pipeline.WithEmitter(a.emitter))
	}
	return pipeline.NewRunner(a.logger, a.transactions(target), opts...)
}

// indexPath places the derived view beside an explicit store
func (a *app) indexPath(target string) string {
	if target == a.cfg.StorePath {
		return a.cfg.IndexPath
	}
	return filepath.Join(filepath.Dir(target), filepath.Base(a.cfg.IndexPath))
}
