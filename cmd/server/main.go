package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/centrifugal/centrifuge"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/wssAchilles/urbanpulse/internal/adapter/classifier"
	"github.com/wssAchilles/urbanpulse/internal/adapter/httpserver"
	"github.com/wssAchilles/urbanpulse/internal/adapter/kafka"
	"github.com/wssAchilles/urbanpulse/internal/adapter/metrics"
	"github.com/wssAchilles/urbanpulse/internal/adapter/postgres"
	"github.com/wssAchilles/urbanpulse/internal/adapter/redis"
	"github.com/wssAchilles/urbanpulse/internal/adapter/websocket"
	"github.com/wssAchilles/urbanpulse/internal/app"
	"github.com/wssAchilles/urbanpulse/internal/broadcast"
	"github.com/wssAchilles/urbanpulse/internal/domain"
	"github.com/wssAchilles/urbanpulse/internal/platform/config"
	"github.com/wssAchilles/urbanpulse/internal/platform/logging"
	"github.com/wssAchilles/urbanpulse/internal/platform/version"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type appMetrics struct {
	pipeline   *metrics.PipelineMetrics
	classifier *metrics.ClassifierMetrics
	broadcast  *metrics.BroadcastMetrics
	consumer   *metrics.ConsumerMetrics
	db         *metrics.DBMetrics
	redis      *metrics.RedisMetrics
	websocket  *metrics.WebSocketMetrics
	http       *metrics.HTTPMetrics
}

func setupMetrics() (*appMetrics, *prometheus.Registry) {
	reg := metrics.NewRegistry()
	return &appMetrics{
		pipeline:   metrics.NewPipelineMetrics(reg),
		classifier: metrics.NewClassifierMetrics(reg),
		broadcast:  metrics.NewBroadcastMetrics(reg),
		consumer:   metrics.NewConsumerMetrics(reg),
		db:         metrics.NewDBMetrics(reg),
		redis:      metrics.NewRedisMetrics(reg),
		websocket:  metrics.NewWebSocketMetrics(reg),
		http:       metrics.NewHTTPMetrics(reg),
	}, reg
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config, m *metrics.DBMetrics) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, postgres.NewMetricsTracer(m))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(cfg *config.Config, m *metrics.RedisMetrics) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL, redis.NewMetricsHook(m))
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupNode(cfg *config.Config, rdb *goredis.Client, m *metrics.WebSocketMetrics) *centrifuge.Node {
	node, err := websocket.NewNode(cfg.BroadcastChannel, m, cfg.LogLevel)
	if err != nil {
		slog.Error("Failed to create websocket node", "error", err)
		os.Exit(1)
	}

	if err := websocket.SetupRedis(node, rdb.Options()); err != nil {
		slog.Error("Failed to set up websocket broker", "error", err)
		os.Exit(1)
	}

	if err := node.Run(); err != nil {
		slog.Error("Failed to start websocket node", "error", err)
		os.Exit(1)
	}
	return node
}

func setupDispatcher(cfg *config.Config, node *centrifuge.Node, clock clockwork.Clock, m *appMetrics) *broadcast.Dispatcher {
	overflow, err := broadcast.ParseOverflow(cfg.BroadcastOverflow)
	if err != nil {
		slog.Error("Invalid broadcast overflow policy", "error", err)
		os.Exit(1)
	}

	publisher := websocket.NewPublisher(node, cfg.BroadcastChannel, m.websocket)
	return broadcast.NewDispatcher(publisher, broadcast.Config{
		QueueSize: cfg.BroadcastQueueSize,
		Overflow:  overflow,
	}, clock, m.broadcast)
}

func setupClassifier(cfg *config.Config, m *metrics.ClassifierMetrics) *classifier.Client {
	return classifier.New(classifier.Config{
		BaseURL:          cfg.ClassifierURL,
		Timeout:          cfg.ClassifierTimeout,
		MaxAttempts:      cfg.ClassifierMaxAttempts,
		InitialBackoff:   cfg.ClassifierInitialBackoff,
		MaxBackoff:       cfg.ClassifierMaxBackoff,
		BreakerThreshold: uint(cfg.ClassifierBreakerThreshold),
		BreakerDelay:     cfg.ClassifierBreakerDelay,
		RateLimit:        cfg.ClassifierRateLimit,
	}, nil, m)
}

// quarantineStore returns nil interfaces under the drop policy so the
// consumer and the HTTP surface both see "no quarantine".
func quarantineStore(cfg *config.Config, rdb *goredis.Client) (domain.DeadLetterSink, domain.DeadLetterLister) {
	if cfg.DeadLetterPolicy == config.DeadLetterDrop {
		return nil, nil
	}
	store := redis.NewQuarantineStore(rdb, redis.DefaultQuarantineStream, cfg.QuarantineMaxLen)
	return store, store
}

func setupConsumer(cfg *config.Config, pipeline *app.Pipeline, sink domain.DeadLetterSink, clock clockwork.Clock, m *metrics.ConsumerMetrics) *kafka.Consumer {
	consumerCfg := kafka.ConsumerConfig{
		Brokers:     cfg.Brokers(),
		Topic:       cfg.KafkaTopic,
		GroupID:     cfg.KafkaGroupID,
		PollTimeout: cfg.KafkaPollTimeout,
		Workers:     cfg.WorkerCount,
		QueueSize:   cfg.WorkerQueueSize,
	}

	reader, err := kafka.NewReader(consumerCfg)
	if err != nil {
		slog.Error("Failed to create Kafka reader", "error", err)
		os.Exit(1)
	}

	return kafka.NewConsumer(reader, consumerCfg, pipeline.Handle, sink, m, clock)
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting",
		"env", cfg.AppEnv,
		"port", cfg.Port,
		"version", version.Version,
		"topic", cfg.KafkaTopic,
		"dead_letter_policy", cfg.DeadLetterPolicy,
	)

	m, reg := setupMetrics()

	pool := setupDB(cfg, m.db)
	defer pool.Close()

	rdb := setupRedis(cfg, m.redis)
	defer func() { _ = rdb.Close() }()

	node := setupNode(cfg, rdb, m.websocket)
	dispatcher := setupDispatcher(cfg, node, clock, m)

	classifierClient := setupClassifier(cfg, m.classifier)
	monitor := app.NewHealthMonitor(classifierClient, cfg.ClassifierProbeInterval, clock, m.classifier.ServiceUp)

	pipeline := app.NewPipeline(classifierClient, postgres.NewReadingRepo(pool), dispatcher, clock, m.pipeline)

	sink, lister := quarantineStore(cfg, rdb)
	consumer := setupConsumer(cfg, pipeline, sink, clock, m.consumer)

	srv := httpserver.NewServer(cfg, httpserver.Deps{
		Readings:         postgres.NewReadingRepo(pool),
		Quarantine:       lister,
		Classifier:       classifierClient,
		WebsocketHandler: websocket.NewHandler(node, websocket.NewCheckOrigin(cfg.AppURL, cfg.Origins(), !cfg.IsProduction())),
		MetricsHandler:   metrics.Handler(reg),
		HTTPMetrics:      m.http,
		HealthChecks: []httpserver.HealthCheck{
			{Name: "postgres", Check: postgres.Ping(pool)},
			{Name: "redis", Check: redis.Ping(rdb)},
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		// A consumer that leaves on its own takes the process with it.
		defer stop()
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Service stopped with error", "error", err)
	}

	// Workers have returned by now; flush what they enqueued before the
	// node goes away.
	if err := consumer.Close(); err != nil {
		slog.Error("Failed to close Kafka reader", "error", err)
	}
	dispatcher.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := node.Shutdown(shutdownCtx); err != nil {
		slog.Error("Websocket node shutdown error", "error", err)
	}

	slog.Info("Server stopped")
}
