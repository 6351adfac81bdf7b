package di

import (
	"context"
	"fmt"
	"time"

	"SignalDesk/internal/domain/models"
	drepo "SignalDesk/internal/domain/repository"
	"SignalDesk/internal/handler/api"
	mid "SignalDesk/internal/middleware"
	internalrepo "SignalDesk/internal/repository"
	"SignalDesk/internal/service/feed"
	"SignalDesk/internal/service/finnhub"
	"SignalDesk/internal/service/pricecache"
	"SignalDesk/internal/usecase"
	"SignalDesk/pkg/cache"
	pkgch "SignalDesk/pkg/clickhouse"
	"SignalDesk/pkg/config"
	xhttp "SignalDesk/pkg/http"
	pkgkafka "SignalDesk/pkg/kafka"
	applogger "SignalDesk/pkg/logger"
	"SignalDesk/pkg/metrics"
	"SignalDesk/pkg/server"

	"github.com/segmentio/kafka-go"
)

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		Debug:  cfg.Log.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(applogger.String("env", cfg.Environment)), nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() drepo.Metrics {
	return metrics.New()
}

// ProvideClickHouseClient creates a ClickHouse client when the signal store
// lives there. It returns nil otherwise.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if cfg.Store.Type != "clickhouse" {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(cfg.ClickHouse.MaxOpenConns, cfg.ClickHouse.MaxIdleConns),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.InitSchema(ctx, internalrepo.SignalSchema); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

// ProvideKafkaProducer creates a Kafka producer, or nil without brokers.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.KafkaEnabled() {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Producer.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.Producer.RequiredAcks),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.BatchTimeout),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideKafkaConsumer creates the tick replay consumer when tick ingestion is
// enabled. It returns nil otherwise.
func ProvideKafkaConsumer(cfg *config.Config, l *applogger.Logger, m drepo.Metrics) (*pkgkafka.Consumer, error) {
	if !cfg.Feed.Ticks.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.Retry),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.HookFuncs{
		Err: func(_ context.Context, topic string, km kafka.Message, _ []byte, err error) {
			m.RecordError("consumer_handle")
			l.Warn("tick message failed",
				applogger.String("topic", topic),
				applogger.Int("partition", km.Partition),
				applogger.Int64("offset", km.Offset),
				applogger.Error(err))
		},
	})
	return consumer, nil
}

// ProvideCacheService returns the shared lock and snapshot store: Redis when
// enabled so every replica sees the same locks, memory otherwise.
func ProvideCacheService(cfg *config.Config) (cache.Service, error) {
	if !cfg.Redis.Enabled {
		return cache.NewMemoryCache(cache.WithMemoryCleanup(time.Minute)), nil
	}
	rc, err := cache.NewRedisCache(
		cache.WithRedisAddr(cfg.Redis.Host, cfg.Redis.Port),
		cache.WithRedisAuth(cfg.Redis.Password, cfg.Redis.DB),
		cache.WithRedisPool(cfg.Redis.PoolSize, cfg.Redis.MinIdleConns, cfg.Redis.PoolTimeout),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	return rc, nil
}

// ProvideSignalStore selects the signal store and applies the optional seed file.
func ProvideSignalStore(cfg *config.Config, ch *pkgch.Client, l *applogger.Logger) (drepo.SignalStore, error) {
	type seeder interface {
		drepo.SignalStore
		Seed(ctx context.Context, signals ...models.Signal) error
	}

	var store seeder
	switch cfg.Store.Type {
	case "clickhouse":
		if ch == nil {
			return nil, fmt.Errorf("signal store: clickhouse client not configured")
		}
		store = internalrepo.NewClickHouseSignalStore(ch, l)
	default:
		store = internalrepo.NewMemorySignalStore()
	}

	if cfg.Store.SeedFile != "" {
		signals, err := internalrepo.LoadSeedFile(cfg.Store.SeedFile)
		if err != nil {
			return nil, fmt.Errorf("signal store seed: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Automation.StoreTimeout)
		defer cancel()
		if err := store.Seed(ctx, signals...); err != nil {
			return nil, fmt.Errorf("signal store seed: %w", err)
		}
		l.Info("signal store seeded", applogger.Int("signals", len(signals)), applogger.String("store", cfg.Store.Type))
	}
	return store, nil
}

// ProvideEventPublisher publishes close events to Kafka when brokers are set.
func ProvideEventPublisher(cfg *config.Config, producer *pkgkafka.Producer) drepo.EventPublisher {
	if producer == nil {
		return internalrepo.NoopEventPublisher{}
	}
	return internalrepo.NewKafkaEventPublisher(producer, cfg.Kafka.EventsTopic)
}

// ProvidePriceCache creates the price cache. The live fetcher is attached by
// ProvideFeedManager.
func ProvidePriceCache(cfg *config.Config, m drepo.Metrics, l *applogger.Logger) *pricecache.Cache {
	return pricecache.New(nil,
		pricecache.WithFetchTimeout(cfg.Automation.PriceTimeout),
		pricecache.WithMetrics(m),
		pricecache.WithLogger(l),
	)
}

// ProvidePushAdapter creates the WebSocket stream, or nil when push is off.
func ProvidePushAdapter(cfg *config.Config, l *applogger.Logger) drepo.PushAdapter {
	if !cfg.Feed.Push.Enabled {
		return nil
	}
	return finnhub.NewStream(finnhub.StreamConfig{
		URL:          cfg.Feed.Push.WebSocketURL,
		APIKey:       cfg.Feed.Push.APIKey,
		PingInterval: cfg.Feed.Push.PingInterval,
		Backoff:      cfg.Feed.Push.Backoff,
	}, l)
}

// ProvidePollAdapter creates the REST quote adapter.
func ProvidePollAdapter(cfg *config.Config, l *applogger.Logger) drepo.PollAdapter {
	return finnhub.NewQuoter(finnhub.QuoterConfig{
		BaseURL:       cfg.Feed.Poll.BaseURL,
		APIKey:        cfg.Feed.Poll.APIKey,
		Timeout:       cfg.Feed.Poll.Timeout,
		RatePerMinute: cfg.Feed.Poll.RatePerMinute,
		Burst:         cfg.Feed.Poll.Burst,
		Retry:         cfg.Feed.Poll.Retry,
	}, l)
}

// ProvideFeedManager creates the subscription manager and attaches it to the
// price cache as its live fetcher.
func ProvideFeedManager(
	cfg *config.Config,
	push drepo.PushAdapter,
	poll drepo.PollAdapter,
	prices *pricecache.Cache,
	m drepo.Metrics,
	l *applogger.Logger,
) *feed.Manager {
	mgr := feed.NewManager(push, poll, prices, feed.Config{PrimaryWait: cfg.Feed.Push.PrimaryWait}, l, m)
	prices.SetFetcher(mgr)
	return mgr
}

// ProvideTickFilter validates and throttles push and replayed ticks before they
// reach the manager.
func ProvideTickFilter(cfg *config.Config, mgr *feed.Manager, m drepo.Metrics) *mid.TickFilter {
	filter := mid.NewTickFilter(mgr, m, mid.WithMaxRPS(cfg.Feed.Ticks.MaxRPS))
	mgr.SetIngress(filter.Handler())
	return filter
}

// ProvideKafkaTicksHandler creates the handler for the ticks topic.
func ProvideKafkaTicksHandler(cfg *config.Config, filter *mid.TickFilter, m drepo.Metrics) *usecase.KafkaTicksHandler {
	return usecase.NewKafkaTicksHandler(cfg.Kafka.TicksTopic, filter, m)
}

// ProvideSubscriptionSync keeps automation subscriptions equal to open signals
// plus the watchlist.
func ProvideSubscriptionSync(cfg *config.Config, mgr *feed.Manager, l *applogger.Logger) *usecase.SubscriptionSync {
	return usecase.NewSubscriptionSync(mgr, cfg.Automation.Watchlist, l)
}

// ProvideSignalCloser creates the close path shared by automation, API and CLI.
func ProvideSignalCloser(
	cfg *config.Config,
	store drepo.SignalStore,
	pub drepo.EventPublisher,
	locks cache.Service,
	m drepo.Metrics,
	l *applogger.Logger,
) *usecase.SignalCloser {
	return usecase.NewSignalCloser(store, pub, locks, m, l,
		usecase.WithLockTTL(cfg.Automation.CloseLockTTL),
		usecase.WithStoreTimeout(cfg.Automation.StoreTimeout),
	)
}

// ProvideAutomation creates the automation loop.
func ProvideAutomation(
	cfg *config.Config,
	store drepo.SignalStore,
	prices *pricecache.Cache,
	mgr *feed.Manager,
	subs *usecase.SubscriptionSync,
	closer *usecase.SignalCloser,
	snap cache.Service,
	m drepo.Metrics,
	l *applogger.Logger,
) *usecase.Automation {
	return usecase.NewAutomation(usecase.AutomationConfig{
		Interval:     cfg.Automation.Interval,
		StaleAfter:   cfg.Automation.StaleAfter,
		PriceTimeout: cfg.Automation.PriceTimeout,
		StoreTimeout: cfg.Automation.StoreTimeout,
		Workers:      cfg.Automation.Workers,
	}, store, prices, mgr, subs, closer, snap, m, l)
}

// ProvideHTTPHandler creates the control API.
func ProvideHTTPHandler(
	cfg *config.Config,
	l *applogger.Logger,
	automation *usecase.Automation,
	closer *usecase.SignalCloser,
	prices *pricecache.Cache,
	mgr *feed.Manager,
) xhttp.Handler {
	return api.NewAutomationEchoHandler(l, automation, closer, prices, mgr,
		api.WithRunRateLimit(cfg.Server.RunRateLimit.Capacity, cfg.Server.RunRateLimit.RefillPerSec),
	)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	store drepo.SignalStore,
	pub drepo.EventPublisher,
	svc cache.Service,
	mgr *feed.Manager,
	automation *usecase.Automation,
	closer *usecase.SignalCloser,
	handler xhttp.Handler,
	ch *pkgch.Client,
	producer *pkgkafka.Producer,
	consumer *pkgkafka.Consumer,
	kh *usecase.KafkaTicksHandler,
) *server.App {
	return server.New(cfg, server.Deps{
		Logger:       l,
		Store:        store,
		Publisher:    pub,
		Cache:        svc,
		Feed:         mgr,
		Automation:   automation,
		Closer:       closer,
		Handler:      handler,
		ClickHouse:   ch,
		Producer:     producer,
		Consumer:     consumer,
		TicksHandler: kh,
	})
}
