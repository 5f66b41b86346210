package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.mongodb.org/mongo-driver/mongo"

	"orderhooks/internal/config"
	"orderhooks/internal/constants"
	"orderhooks/internal/idempotency"
	"orderhooks/internal/logger"
	"orderhooks/internal/management"
	"orderhooks/internal/order"
	"orderhooks/internal/webhook"
	"orderhooks/pkg/bootstrap"
	"orderhooks/pkg/health"
	"orderhooks/pkg/metrics"
	"orderhooks/pkg/middleware"
	"orderhooks/pkg/ratelimit"
	"orderhooks/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	db             *sql.DB
	redis          *redis.Client
	mongoClient    *mongo.Client
	mongoDB        *mongo.Database
	server         *http.Server
	router         *gin.Engine
	tracerProvider *tracing.TracerProvider
	stopRateLimit  context.CancelFunc
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
	)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := a.InitProducer(serviceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initRouter(); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	if db == nil {
		return fmt.Errorf("database.postgres is required by the management service")
	}
	a.db = db

	if a.Config.Idempotency.Backend == constants.IdempotencyBackendRedis {
		rdb, err := a.dbConnector.InitRedis(ctx)
		if err != nil {
			return err
		}
		a.redis = rdb
	}

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

func (a *App) initRouter() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(serviceName))
	}

	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.LoggerMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())

	if a.Config.Management.RateLimit.Enabled {
		rateLimitConfig := ratelimit.FromConfig(a.Config.Management.RateLimit)
		limiterCtx, cancel := context.WithCancel(context.Background())
		a.stopRateLimit = cancel
		router.Use(ratelimit.RateLimitMiddleware(limiterCtx, rateLimitConfig))
		a.Logger.Infow("Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	events, err := webhook.NewEventStore(a.Config.Webhook.EventStore, a.db, a.mongoDB)
	if err != nil {
		return err
	}

	ledger, err := idempotency.NewLedger(a.Config.Idempotency, a.db, redisClient(a.redis))
	if err != nil {
		return err
	}

	orders := order.NewService(order.NewRepository(a.db, serviceName), a.Emitter, nil, a.Config.Topics.OrderCreated, a.Logger)

	svc, err := management.NewService(
		webhook.NewPostgresSubscriptionStore(a.db),
		events,
		webhook.NewPostgresDeliveryStore(a.db),
		a.Logger,
		management.WithAudit(management.NewAuditRepository(a.db)),
		management.WithConfigEvents(management.NewConfigEventProducer(a.Emitter, a.Config.Topics.ConfigUpdate)),
		management.WithOrders(orders),
		management.WithOrderRequests(a.Producer, a.Config.Topics.OrderRequest),
		management.WithLedger(ledger, a.Config.Idempotency.Consumer),
	)
	if err != nil {
		return err
	}

	management.NewHandler(svc, a.Logger).RegisterRoutes(router)

	metrics.RegisterManagementMetrics()
	metrics.RegisterDatabaseMetrics()
	metrics.RegisterCircuitBreakerMetrics()

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	if a.redis != nil {
		healthRegistry.Register(health.NewRedisChecker(a.redis))
	}
	if a.mongoClient != nil {
		healthRegistry.Register(health.NewMongoDBChecker(a.mongoClient))
	}

	router.GET("/health", healthRegistry.Handler())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	a.router = router
	return nil
}

func (a *App) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		a.Logger.InfowCtx(ctx, "Server listening", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown(ctx)
	case err := <-errChan:
		_ = a.Shutdown(ctx)
		return err
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()

		if a.server != nil {
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
			}
		}

		if a.stopRateLimit != nil {
			a.stopRateLimit()
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(shutdownCtx, a.redis, a.db, a.mongoClient)...)
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}

func redisClient(rdb *redis.Client) redis.UniversalClient {
	if rdb == nil {
		return nil
	}
	return rdb
}
