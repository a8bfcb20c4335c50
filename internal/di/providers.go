package di

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"marketpulse/internal/approval"
	"marketpulse/internal/breaking"
	"marketpulse/internal/domain"
	"marketpulse/internal/domain/models"
	domrepo "marketpulse/internal/domain/repository"
	"marketpulse/internal/handler/api"
	"marketpulse/internal/ledger"
	"marketpulse/internal/pipeline"
	internalrepo "marketpulse/internal/repository"
	"marketpulse/internal/risk"
	"marketpulse/internal/service/marketdata"
	"marketpulse/internal/usecase"
	pkgch "marketpulse/pkg/clickhouse"
	"marketpulse/pkg/config"
	xhttp "marketpulse/pkg/http"
	pkgkafka "marketpulse/pkg/kafka"
	applogger "marketpulse/pkg/logger"
	"marketpulse/pkg/metrics"
	"marketpulse/pkg/queue"
	"marketpulse/pkg/server"
)

// ProvideLogger builds the root logger from config.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	return applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
}

// ProvideMetrics creates the Prometheus metrics facade.
func ProvideMetrics() domrepo.Metrics {
	return metrics.New()
}

// ProvideSourceTracker creates the per-source reliability counters shared by
// the validator, the breaking router and the executor.
func ProvideSourceTracker() *internalrepo.SourceTracker {
	return internalrepo.NewSourceTracker()
}

// ProvideRedisClient connects to redis, or returns nil for the memory
// backend where nothing needs it.
func ProvideRedisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg.Fabric.Backend == "memory" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// fabricPartitions lists every ordering key the redis backend polls.
func fabricPartitions() []string {
	parts := make([]string, 0, len(models.Categories())+1)
	for _, c := range models.Categories() {
		parts = append(parts, string(c))
	}
	return append(parts, queue.DefaultPartition)
}

// ProvideFabric builds the configured queue backend. All three honor the
// same retry policy and the error taxonomy: malformed input never retries.
func ProvideFabric(cfg *config.Config, l *applogger.Logger, rc *redis.Client) (queue.Fabric, error) {
	policy := queue.RetryPolicy{
		MaxAttempts: cfg.Fabric.RetryMax,
		Backoff:     cfg.Fabric.RetryBackoff,
	}
	switch cfg.Fabric.Backend {
	case "kafka":
		producer, err := pkgkafka.NewProducer(
			pkgkafka.WithBrokers(cfg.Fabric.Kafka.Brokers),
			pkgkafka.WithCompression(cfg.Fabric.Kafka.Compression),
			pkgkafka.WithRequiredAcks(cfg.Fabric.Kafka.RequiredAcks),
			pkgkafka.WithBatchSize(cfg.Fabric.Kafka.BatchSize),
			pkgkafka.WithBatchTimeout(cfg.Fabric.Kafka.BatchTimeout),
			pkgkafka.WithTimeouts(cfg.Fabric.Kafka.WriteTimeout, cfg.Fabric.Kafka.ReadTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		return queue.NewKafka(cfg.Fabric.Kafka.Brokers, producer,
			queue.WithKafkaRetryPolicy(policy),
			queue.WithKafkaRetryableClassifier(domain.IsRetryable),
		), nil
	case "redis":
		return queue.NewRedis(l, rc, fabricPartitions(),
			queue.WithRedisKeyPrefix(cfg.Fabric.Redis.KeyPrefix),
			queue.WithRedisRetryPolicy(policy),
			queue.WithRedisRetryableClassifier(domain.IsRetryable),
		), nil
	default:
		return queue.NewMemory(
			queue.WithRetryPolicy(policy),
			queue.WithRetryableClassifier(domain.IsRetryable),
		), nil
	}
}

// Stores groups the dedup index and summary cache, which share a backend.
type Stores struct {
	Dedup   domrepo.DedupIndex
	Summary domrepo.SummaryCache
}

// ProvideStores picks redis-backed stores when a client exists, in-process
// otherwise.
func ProvideStores(rc *redis.Client) *Stores {
	if rc == nil {
		m := internalrepo.NewMemoryStore()
		return &Stores{Dedup: m, Summary: m}
	}
	r := internalrepo.NewRedisStore(rc)
	return &Stores{Dedup: r, Summary: r}
}

// ProvideClickHouse connects and bootstraps the schema, or returns nil when
// persistence is disabled.
func ProvideClickHouse(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithAddr(cfg.ClickHouse.Host, cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.InitSchema(ctx, internalrepo.Schema); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

// ProvideExecutionLog stores executions in ClickHouse when enabled, memory
// otherwise.
func ProvideExecutionLog(ch *pkgch.Client, l *applogger.Logger) domrepo.ExecutionLog {
	if ch == nil {
		return internalrepo.NewMemoryExecutionLog()
	}
	return internalrepo.NewCHExecutionLog(ch, l)
}

// ProvideCapabilities wires the external scoring service, or the built-in
// heuristics when none is configured, behind the shared rate limit.
func ProvideCapabilities(cfg *config.Config) pipeline.Capabilities {
	var inner pipeline.Capabilities = pipeline.LocalCapabilities{}
	if cfg.Pipeline.CapabilityURL != "" {
		inner = pipeline.NewHTTPCapabilities(cfg.Pipeline.CapabilityURL, cfg.Pipeline.CapabilityTimeout)
	}
	return pipeline.Limit(inner,
		cfg.Pipeline.CapabilityRate,
		cfg.Pipeline.CapabilityBurst,
		cfg.Pipeline.CapabilityTimeout,
	)
}

// ProvideProfiles maps the configured risk profiles by category.
func ProvideProfiles(cfg *config.Config) map[models.Category]models.RiskProfile {
	out := make(map[models.Category]models.RiskProfile, len(cfg.Risk.Profiles))
	for _, p := range cfg.Risk.Profiles {
		c := models.Category(p.Category)
		out[c] = models.RiskProfile{
			Category:            c,
			VolatilityFactor:    p.VolatilityFactor,
			MaxPositionFraction: p.MaxPositionFraction,
		}
	}
	return out
}

// ProvideLimits maps the configured engine limits.
func ProvideLimits(cfg *config.Config) risk.Limits {
	limits := risk.DefaultLimits()
	limits.DailyLossLimit = cfg.Risk.DailyLossLimit
	limits.WeeklyLossLimit = cfg.Risk.WeeklyLossLimit
	limits.ApprovalThreshold = cfg.Risk.HumanApprovalThreshold
	limits.CorrelationPenalty = cfg.Risk.CorrelationPenalty
	limits.MiscUncertainty = cfg.Risk.MiscUncertainty
	return limits
}

// ProvideEngine builds the risk engine.
func ProvideEngine(limits risk.Limits, profiles map[models.Category]models.RiskProfile) *risk.Engine {
	return risk.NewEngine(limits, profiles)
}

// ProvideLedger builds the paper trading ledger.
func ProvideLedger(profiles map[models.Category]models.RiskProfile, limits risk.Limits,
	log domrepo.ExecutionLog, m domrepo.Metrics, l *applogger.Logger) *ledger.Ledger {
	return ledger.New(profiles, limits, log, m, l)
}

// ProvideExecutor builds the decision executor and its approval manager.
// The two point at each other, so they are provided together.
func ProvideExecutor(cfg *config.Config, engine *risk.Engine, lg *ledger.Ledger,
	fabric queue.Fabric, sources *internalrepo.SourceTracker,
	m domrepo.Metrics, l *applogger.Logger) (*usecase.Executor, *approval.Manager) {
	exec := usecase.NewExecutor(engine, lg, fabric, sources, m, l)
	approvals := approval.NewManager(cfg.Risk.ApprovalTimeout, exec.Resolve, m, l)
	exec.SetApprovals(approvals)
	return exec, approvals
}

// ProvideValidator builds the schema validation consumer.
func ProvideValidator(fabric queue.Fabric, sources *internalrepo.SourceTracker,
	m domrepo.Metrics, l *applogger.Logger) *usecase.Validator {
	return usecase.NewValidator(fabric, sources, m, l)
}

// ProvidePipelines builds the researcher and per-category analysts.
func ProvidePipelines(cfg *config.Config, fabric queue.Fabric, stores *Stores,
	caps pipeline.Capabilities, profiles map[models.Category]models.RiskProfile,
	m domrepo.Metrics, l *applogger.Logger) (*pipeline.Manager, error) {
	return pipeline.NewManager(pipeline.ManagerConfig{
		Researcher: pipeline.ResearcherConfig{
			BatchWindow: cfg.Pipeline.BatchWindow,
			BatchMax:    cfg.Pipeline.BatchMax,
			DedupTTL:    cfg.Pipeline.DedupTTL,
			SummaryTTL:  cfg.Pipeline.SummaryTTL,
		},
		Workers:  cfg.Pipeline.Workers,
		MaxSize:  cfg.Pipeline.MaxProposedSize,
		Profiles: profiles,
	}, fabric, stores.Dedup, stores.Summary, caps, m, l)
}

// ProvideBreaking builds the fast-path router and monitor.
func ProvideBreaking(cfg *config.Config, fabric queue.Fabric, stores *Stores,
	sources *internalrepo.SourceTracker, m domrepo.Metrics, l *applogger.Logger) (*breaking.Router, *breaking.Monitor) {
	router := breaking.NewRouter(fabric, cfg.Breaking.UrgencyThreshold, sources, m, l)
	monitor := breaking.NewMonitor(fabric, stores.Summary, cfg.Breaking.ScanInterval, m, l)
	return router, monitor
}

// ProvideMarkFeed builds the quote stream pump, or nil when market data is
// disabled.
func ProvideMarkFeed(cfg *config.Config, lg *ledger.Ledger, m domrepo.Metrics,
	l *applogger.Logger) *ledger.MarkFeed {
	if !cfg.MarketData.Enabled {
		return nil
	}
	stream := marketdata.New(cfg.MarketData.WebSocketURL, cfg.MarketData.APIKey,
		cfg.MarketData.PingInterval, l)
	return ledger.NewMarkFeed(stream, lg, m, l)
}

// ProvideHTTPServer builds the ops server with all route handlers attached.
func ProvideHTTPServer(cfg *config.Config, l *applogger.Logger, lg *ledger.Ledger,
	log domrepo.ExecutionLog, approvals *approval.Manager, sources *internalrepo.SourceTracker,
	fabric queue.Fabric) *xhttp.Server {
	routes := api.NewRoutes(
		api.NewOpsHandler(l, lg, log, approvals, sources),
		api.NewIngestHandler(l, fabric),
	)
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	return xhttp.NewServer(routes, l,
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithMetricsPath(metricsPath),
	)
}

// ProvideApp assembles the process.
func ProvideApp(o server.Options) *server.App {
	return server.New(o)
}
