package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/franzego/teleconsult/internal/channels"
	"github.com/franzego/teleconsult/internal/config"
	"github.com/franzego/teleconsult/internal/eventbus"
	"github.com/franzego/teleconsult/internal/handlers"
	"github.com/franzego/teleconsult/internal/hub"
	"github.com/franzego/teleconsult/internal/logger"
	"github.com/franzego/teleconsult/internal/middleware"
	"github.com/franzego/teleconsult/internal/models"
	"github.com/franzego/teleconsult/internal/notify"
	"github.com/franzego/teleconsult/internal/queue"
	"github.com/franzego/teleconsult/internal/services"
	"github.com/franzego/teleconsult/internal/store"
	redispkg "github.com/franzego/teleconsult/pkg/redis"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const version = "1.0.0"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		panic("failed to build logger: " + err.Error())
	}
	defer log.Sync()

	if cfg.Auth.JWTSecret == "" {
		log.Fatal("auth.jwt_secret is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var health []handlers.Dependency

	var st store.Store
	if cfg.Postgres.DSN == "" {
		log.Warn("no postgres dsn, using in-memory store")
		st = store.NewMemory()
	} else {
		pool, err := store.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			log.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer pool.Close()
		pg := store.NewPostgres(pool)
		if cfg.Postgres.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				log.Fatal("failed to migrate schema", zap.Error(err))
			}
		}
		st = pg
		health = append(health, handlers.Dependency{Name: "postgres", Critical: true, Check: pool.Ping})
	}

	rdb, err := redispkg.InitRedis(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()
	health = append(health, handlers.Dependency{Name: "redis", Critical: true, Check: func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}})

	var bus eventbus.Bus
	switch cfg.EventBus.Driver {
	case "memory":
		bus = eventbus.NewMemoryBus()
	default:
		bus = eventbus.NewRedisBus(rdb, cfg.EventBus.ChannelPrefix, log)
	}

	instanceID := uuid.New().String()
	var (
		push        notify.PushSink
		broadcaster notify.Broadcaster
		rabbit      *queue.RabbitMqClient
	)
	if cfg.RabbitMQ.URL != "" {
		rabbit, err = queue.NewRabbitMqService(cfg.RabbitMQ, log)
		if err != nil {
			log.Fatal("failed to connect to rabbitmq", zap.Error(err))
		}
		defer rabbit.CloseConnection()
		if err := rabbit.SetUpExchangeAndQueue(); err != nil {
			log.Fatal("failed to declare rabbitmq topology", zap.Error(err))
		}
		instanceID = rabbit.InstanceID
		push = channels.NewPushSink(rabbit, rdb)
		broadcaster = rabbit
		health = append(health, handlers.Dependency{Name: "rabbitmq", Critical: true, Check: func(context.Context) error {
			if !rabbit.IsConnected() {
				return errors.New("connection closed")
			}
			return nil
		}})
	}

	var senders []notify.Sender
	if cfg.AWS.EmailEnabled || cfg.AWS.SMSEnabled {
		contacts := services.NewUserServiceClient(cfg.Services.UserServiceURL, cfg.Services.MockMode, log)
		sesClient, snsClient, err := channels.NewAWSClients(ctx, cfg.AWS.Region)
		if err != nil {
			log.Fatal("failed to configure aws", zap.Error(err))
		}
		if cfg.AWS.EmailEnabled {
			senders = append(senders, channels.NewEmailSender(sesClient, cfg.AWS.FromEmail, contacts))
		}
		if cfg.AWS.SMSEnabled {
			senders = append(senders, channels.NewSMSSender(snsClient, contacts))
		}
	}

	provider := services.NewMeetingProviderClient(cfg.Meeting.ProviderURL, cfg.Meeting.APIKey, cfg.Meeting.Timeout, cfg.Meeting.MockMode, log)
	health = append(health, handlers.Dependency{Name: "meeting_provider", Check: func(context.Context) error {
		if !provider.Ping() {
			return errors.New("circuit open")
		}
		return nil
	}})

	counter := notify.NewRedisCounter(rdb)
	claimer := notify.NewRedisClaimer(rdb, instanceID, cfg.Notifications.FireClaimTTL)

	sessions := hub.New(hub.Deps{
		Store:    st,
		Bus:      bus,
		Clock:    clock.New(),
		Provider: provider,
		NotifyOptions: func(models.Identity) notify.Options {
			return notify.Options{
				AppointmentLead: cfg.Notifications.AppointmentLead,
				MedicationLead:  cfg.Notifications.MedicationLead,
				RetryBackoff:    cfg.Notifications.RetryBackoff,
				MaxAttempts:     cfg.Notifications.MaxAttempts,
				CatchUpWindow:   cfg.Notifications.CatchUpWindow,
				Counter:         counter,
				Claimer:         claimer,
				Push:            push,
				Senders:         senders,
				Broadcaster:     broadcaster,
			}
		},
		Logger: log,
	})

	if rabbit != nil {
		if err := rabbit.ConsumeBroadcasts(ctx, sessions.HandleSync); err != nil {
			log.Fatal("failed to consume sync broadcasts", zap.Error(err))
		}
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.CorrelationID(), middleware.RequestLogger(log))

	r.GET("/health", handlers.NewHealthHandler(version, health...).HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1", middleware.AuthMiddleware(cfg.Auth.JWTSecret))
	handlers.New(sessions, rdb, log).Register(api)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.Timeout,
	}
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr), zap.String("instance_id", instanceID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	// ends open event streams so Shutdown is not held by them
	sessions.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
