package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"orderhooks/internal/broker"
	"orderhooks/internal/config"
	"orderhooks/internal/config_handler"
	"orderhooks/internal/constants"
	"orderhooks/internal/idempotency"
	"orderhooks/internal/logger"
	"orderhooks/internal/order"
	"orderhooks/internal/webhook"
	"orderhooks/pkg/bootstrap"
	"orderhooks/pkg/health"
	"orderhooks/pkg/logging"
	"orderhooks/pkg/metrics"
	"orderhooks/pkg/middleware"
	"orderhooks/pkg/models"
	"orderhooks/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	db             *sql.DB
	redis          *redis.Client
	mongoClient    *mongo.Client
	mongoDB        *mongo.Database
	registry       *webhook.CachedRegistry
	engine         *webhook.Engine
	orderGuard     *idempotency.Guard
	publishGuard   *idempotency.Guard
	orders         *order.Service
	configConsumer broker.Consumer
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing, serviceName,
		tracing.AttrBroker.String(a.Config.Broker.Type),
		tracing.AttrEventStore.String(a.Config.Webhook.EventStore),
		tracing.AttrLedgerBackend.String(a.Config.Idempotency.Backend),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.InitBroker(serviceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initServices(); err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := a.initConfigConsumer(); err != nil {
		return fmt.Errorf("failed to initialize config consumer: %w", err)
	}

	metrics.RegisterOrderMetrics()
	metrics.RegisterWebhookMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterDatabaseMetrics()
	metrics.RegisterCircuitBreakerMetrics()

	a.initHTTPServer()
	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db

	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	a.redis = rdb

	if a.Config.Webhook.EventStore == constants.EventStoreMongoDB {
		client, mongoDB, err := a.dbConnector.InitMongoDB(ctx)
		if err != nil {
			return err
		}
		a.mongoClient = client
		a.mongoDB = mongoDB
	}
	return nil
}

func (a *App) initServices() error {
	if a.db == nil {
		return fmt.Errorf("database.postgres is required by the order service")
	}

	ledger, err := idempotency.NewLedger(a.Config.Idempotency, a.db, redisClient(a.redis))
	if err != nil {
		return err
	}
	a.orderGuard = idempotency.NewGuard(ledger, a.Config.Idempotency.Consumer, a.Logger)
	a.publishGuard = idempotency.NewGuard(ledger, constants.ConsumerWebhookPublisher, a.Logger)

	events, err := webhook.NewEventStore(a.Config.Webhook.EventStore, a.db, a.mongoDB)
	if err != nil {
		return err
	}

	a.registry = webhook.NewCachedRegistry(
		webhook.NewPostgresSubscriptionStore(a.db),
		a.Config.Webhook.RegistryCacheTTL,
		a.Logger,
	)

	engine, err := webhook.NewEngine(
		events,
		a.registry,
		webhook.NewPostgresDeliveryStore(a.db),
		webhook.NewSender(a.Config.Webhook),
		a.Emitter,
		webhook.NewEngineConfig(a.Config.Webhook, a.Config.Topics.WebhookDLQ),
		a.Logger,
	)
	if err != nil {
		return err
	}
	a.engine = engine

	a.orders = order.NewService(
		order.NewRepository(a.db, serviceName),
		a.Emitter,
		engine,
		a.Config.Topics.OrderCreated,
		a.Logger,
	)
	return nil
}

// initConfigConsumer builds a consumer for subscription change notifications.
// On Kafka it joins a group of its own so every instance sees every change.
func (a *App) initConfigConsumer() error {
	if a.Config.Topics.ConfigUpdate == "" {
		return nil
	}

	brokerCfg := a.Config.Broker
	if brokerCfg.Type == constants.BrokerKafka {
		brokerCfg.Kafka.GroupID = fmt.Sprintf("%s-config-%s", brokerCfg.Kafka.GroupID, uuid.NewString()[:8])
	}

	consumer, err := broker.NewConsumer(brokerCfg, a.Logger)
	if err != nil {
		return err
	}
	consumer.SetServiceName(serviceName)
	a.configConsumer = consumer
	return nil
}

func (a *App) initHTTPServer() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(a.Logger))

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	if a.redis != nil {
		healthRegistry.Register(health.NewRedisChecker(a.redis))
	}
	if a.mongoClient != nil {
		healthRegistry.Register(health.NewMongoDBChecker(a.mongoClient))
	}
	healthRegistry.RegisterOptional(health.CheckerFunc{
		CheckName: "webhook_queue",
		Fn: func(ctx context.Context) error {
			if n := a.engine.QueueLen(); n > constants.WebhookQueueDegradedAt {
				return fmt.Errorf("%d attempts waiting", n)
			}
			return nil
		},
	})

	router.GET("/health", healthRegistry.Handler())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler: router,
	}
}

func (a *App) Run(ctx context.Context) error {
	recovered, err := a.engine.RecoverPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover pending deliveries: %w", err)
	}
	a.Logger.InfowCtx(ctx, "Recovered pending deliveries", "count", recovered)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.engine.Run(gCtx)
	})

	topics := a.Config.Topics
	g.Go(func() error {
		return a.Consumer.Consume(gCtx, topics.OrderRequest, a.orderGuard.Wrap(a.orders.HandleOrderRequest))
	})

	g.Go(func() error {
		return a.Consumer.Consume(gCtx, topics.WebhookPublish, a.publishGuard.Wrap(webhook.NewPublishHandler(a.engine)))
	})

	if a.configConsumer != nil {
		handler := config_handler.NewHandler(models.EventTypeSubscriptionUpdated, a.registry, a.Logger)
		g.Go(func() error {
			configCtx := logging.WithServiceName(gCtx, serviceName)
			a.Logger.InfowCtx(configCtx, "Starting config update event consumer", "topic", topics.ConfigUpdate)
			return a.configConsumer.Consume(gCtx, topics.ConfigUpdate, handler.HandleConfigUpdateEvent)
		})
	}

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.configConsumer != nil {
			if err := a.configConsumer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("config consumer close error: %w", err))
			}
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis, a.db, a.mongoClient)...)
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}

// redisClient keeps a missing client a nil interface, which NewLedger checks for.
func redisClient(rdb *redis.Client) redis.UniversalClient {
	if rdb == nil {
		return nil
	}
	return rdb
}
