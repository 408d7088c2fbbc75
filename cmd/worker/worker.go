package main

import (
	"context"
	"fmt"

	"github.com/septivank/router-secrets-worker/internal/api"
	"github.com/septivank/router-secrets-worker/internal/config"
	"github.com/septivank/router-secrets-worker/internal/db"
	"github.com/septivank/router-secrets-worker/internal/events"
	"github.com/septivank/router-secrets-worker/internal/mq"
	"github.com/septivank/router-secrets-worker/internal/natsbus"
	"github.com/septivank/router-secrets-worker/internal/repository"
	"github.com/septivank/router-secrets-worker/internal/routeros"
	"github.com/septivank/router-secrets-worker/internal/scheduler"
	"github.com/septivank/router-secrets-worker/internal/service"
	"github.com/septivank/router-secrets-worker/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// coreModule provides everything a single enforcement tick needs
var coreModule = fx.Options(
	fx.Provide(
		config.Load,
		newLogger,
		ProvideDBPool,
		ProvideStore,
		ProvideDeviceClient,
		ProvideMQConnection,
		ProvideEventPublisher,
		ProvideScheduler,
	),
)

// serveModule adds the long-running surfaces on top of coreModule
var serveModule = fx.Options(
	fx.Provide(
		ProvideValidator,
		ProvideSyncService,
		ProvideAccountService,
		ProvideCommandHandler,
		ProvideAPIServer,
	),
	fx.Invoke(
		startScheduler,
		startAPIServer,
		startCommandConsumer,
	),
)

// ProvideDBPool creates the connection pool and applies migrations on start
// when enabled
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL, cfg.Database.AutoMigrate)
}

// ProvideStore exposes the Postgres repository as the service store
func ProvideStore(pool *db.Pool) repository.Store {
	return repository.NewRepository(pool)
}

// ProvideDeviceClient creates the RouterOS client shared by every component
func ProvideDeviceClient(cfg *config.Config, logger *zap.Logger) *routeros.Client {
	return routeros.NewClient(cfg.RouterOS.ConnectTimeout, cfg.RouterOS.OperationTimeout, logger.Named("routeros"))
}

// ProvideValidator creates the input validator
func ProvideValidator(cfg *config.Config) (*validator.Validator, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return validator.NewValidator(cfg.Accounts.DefaultDays, loc), nil
}

// ProvideMQConnection dials RabbitMQ when a URL is configured; otherwise it
// provides nil
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if cfg.RabbitMQ.URL == "" {
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvideEventPublisher selects the event bus named by EVENT_BUS
func ProvideEventPublisher(lc fx.Lifecycle, cfg *config.Config, conn *mq.Connection, logger *zap.Logger) (events.Publisher, error) {
	switch cfg.EventBus {
	case config.EventBusRabbitMQ:
		if conn == nil {
			return nil, fmt.Errorf("EVENT_BUS=%s requires RABBITMQ_URL", config.EventBusRabbitMQ)
		}
		p, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return p.Close()
			},
		})
		logger.Info("publishing account events to rabbitmq", zap.String("exchange", cfg.RabbitMQ.EventsExchange))
		return p, nil

	case config.EventBusNATS:
		return natsbus.NewPublisher(lc, cfg.NATS.URL, cfg.NATS.SubjectPrefix, cfg.ServiceName, logger)

	default:
		logger.Info("account events disabled")
		return events.Nop{}, nil
	}
}

// ProvideScheduler creates the expiration scheduler; it is started by serve only
func ProvideScheduler(
	store repository.Store,
	client *routeros.Client,
	publisher events.Publisher,
	cfg *config.Config,
	logger *zap.Logger,
) *scheduler.ExpirationScheduler {
	return scheduler.New(store, client, publisher, scheduler.Config{
		Interval:          cfg.Expiration.Interval,
		RunOnStart:        cfg.Expiration.RunOnStart,
		RouterConcurrency: cfg.Expiration.RouterConcurrency,
	}, logger)
}

// ProvideSyncService creates the import/resync service
func ProvideSyncService(store repository.Store, client *routeros.Client, publisher events.Publisher, logger *zap.Logger) *service.SyncService {
	return service.NewSyncService(store, client, publisher, logger)
}

// ProvideAccountService creates the account service
func ProvideAccountService(
	store repository.Store,
	client *routeros.Client,
	publisher events.Publisher,
	v *validator.Validator,
	logger *zap.Logger,
) *service.AccountService {
	return service.NewAccountService(store, client, publisher, v, logger)
}

// ProvideCommandHandler creates the router command dispatcher
func ProvideCommandHandler(
	sync *service.SyncService,
	accounts *service.AccountService,
	sched *scheduler.ExpirationScheduler,
	logger *zap.Logger,
) *service.CommandHandler {
	return service.NewCommandHandler(sync, accounts, sched, logger.Named("commands"))
}

// ProvideAPIServer creates the operational HTTP server
func ProvideAPIServer(
	cfg *config.Config,
	sync *service.SyncService,
	accounts *service.AccountService,
	v *validator.Validator,
	logger *zap.Logger,
) *api.Server {
	return api.NewServer(api.Config{
		Addr:              cfg.HTTPAddr(),
		DefaultRouterPort: cfg.RouterOS.DefaultPort,
		RequestTimeout:    cfg.HTTP.RequestTimeout,
	}, sync, accounts, v, logger)
}

func startScheduler(lc fx.Lifecycle, sched *scheduler.ExpirationScheduler) {
	lc.Append(fx.Hook{
		OnStart: sched.Start,
		OnStop:  sched.Stop,
	})
}

func startAPIServer(lc fx.Lifecycle, srv *api.Server) {
	lc.Append(fx.Hook{
		OnStart: srv.Start,
		OnStop:  srv.Shutdown,
	})
}

func startCommandConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	handler *service.CommandHandler,
	logger *zap.Logger,
) error {
	if conn == nil || !cfg.ConsumeCommands() {
		logger.Info("router command consumer disabled")
		return nil
	}

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.CommandQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.CommandExchange,
		RoutingKey:    cfg.RabbitMQ.CommandRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger.Named("consumer"),
		Handler:       handler.Handle,
	})
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting router command consumer",
				zap.String("queue", cfg.RabbitMQ.CommandQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: consumer.Stop,
	})
	return nil
}
