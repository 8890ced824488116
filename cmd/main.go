package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/api"
	"github.com/fathima-sithara/realtime-service/internal/auth"
	"github.com/fathima-sithara/realtime-service/internal/config"
	"github.com/fathima-sithara/realtime-service/internal/dispatch"
	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/fathima-sithara/realtime-service/internal/kafka"
	"github.com/fathima-sithara/realtime-service/internal/metrics"
	"github.com/fathima-sithara/realtime-service/internal/pipeline"
	chatredis "github.com/fathima-sithara/realtime-service/internal/redis"
	"github.com/fathima-sithara/realtime-service/internal/repository"
	"github.com/fathima-sithara/realtime-service/internal/router"
	"github.com/fathima-sithara/realtime-service/internal/service"
	"github.com/fathima-sithara/realtime-service/internal/utils"
	"github.com/fathima-sithara/realtime-service/internal/ws"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(os.Getenv("CHAT_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	logger, err := utils.NewLogger(cfg.App.IsDevelopment(), cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		sugar.Fatalf("store init: %v", err)
	}
	defer closeStore()

	jv, err := auth.NewJWTValidator(cfg.JWT.Algorithm, cfg.JWT.HSSecret, cfg.JWT.PublicKeyPath)
	if err != nil {
		sugar.Fatalf("jwt validator init: %v", err)
	}
	gate := auth.NewGatekeeper(jv, logger)

	h := hub.New(logger)
	convs := service.NewConversationService(store, logger)
	msgs := service.NewMessageService(store, convs, logger)

	var (
		routerOpts []router.Option
		presence   *chatredis.PresenceStore
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := utils.Retry(ctx, logger, "redis", 30*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}); err != nil {
			sugar.Fatalf("redis connect: %v", err)
		}

		presence = chatredis.NewPresenceStore(rdb, cfg.Redis.Prefix, 2*cfg.PongWait)
		relay := chatredis.NewRelay(rdb, cfg.Redis.Channel, logger)
		h.SetRelay(relay)
		go relay.Run(ctx, h)
		routerOpts = append(routerOpts, router.WithPresence(presence), router.WithOnline(presence))
		sugar.Infof("redis presence and relay enabled on %s for instance %s", cfg.Redis.Addr, h.InstanceID())
	}

	if cfg.Kafka.Enabled {
		prod := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications, cfg.Kafka.TopicMessageSent,
			kafka.BreakerConfig{
				MaxFailures: cfg.Kafka.BreakerFailures,
				Timeout:     time.Duration(cfg.Kafka.BreakerTimeoutSeconds) * time.Second,
			}, logger)
		defer func() { _ = prod.Close() }()
		routerOpts = append(routerOpts, router.WithNotifier(prod), router.WithEvents(prod))
		sugar.Infof("kafka producer enabled for %v", cfg.Kafka.Brokers)
	}

	rt := router.New(convs, msgs, h, logger, routerOpts...)

	governor := pipeline.NewGovernor(pipeline.Limits{
		PerMinute:    cfg.RateLimit.PerMinute,
		PerHour:      cfg.RateLimit.PerHour,
		MinuteWindow: cfg.MinuteWindow,
		HourWindow:   cfg.HourWindow,
	}, logger)
	go governor.Run(ctx)

	audit := pipeline.NewAuditor(logger)
	pipe := pipeline.New(governor, pipeline.NewValidator(), pipeline.NewFilter(), audit).OnReject(audit.Reject)

	pool := dispatch.NewPool(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, logger)
	pool.Start(ctx)

	wsrv := ws.NewServer(h, pipe, rt, convs, pool, audit, ws.Options{
		PingInterval:   cfg.PingInterval,
		PongWait:       cfg.PongWait,
		WriteDeadline:  cfg.WriteDeadline,
		MaxMessageSize: cfg.WS.MaxMessageSizeBytes,
		SendBuffer:     cfg.WS.SendBufferSize,
	}, logger)

	limiter := api.NewUpgradeLimiter(cfg.WS.ConnectPerMinute, logger)
	go limiter.Run(ctx)

	deps := api.Deps{
		Gate:      gate,
		WS:        wsrv,
		Convs:     convs,
		Msgs:      msgs,
		Router:    rt,
		Limiter:   limiter,
		Hub:       h,
		Throttle:  governor,
		AccessLog: cfg.App.IsDevelopment(),
	}
	if presence != nil {
		wsrv.SetPresence(presence)
		deps.Presence = presence
	}
	app := api.NewServer(deps)

	errs := make(chan error, 1)
	go func() {
		addr := ":" + cfg.App.PortString()
		sugar.Infof("starting realtime service on %s", addr)
		errs <- app.Listen(addr)
	}()

	select {
	case err := <-errs:
		sugar.Errorf("server error: %v", err)
	case <-ctx.Done():
		sugar.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		sugar.Warnf("fiber shutdown: %v", err)
	}
	pool.Stop()
	sugar.Info("realtime service stopped")
}

// openStore returns the configured document store and its close function.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.Store, func(), error) {
	if strings.EqualFold(cfg.Store.Driver, "memory") {
		logger.Warn("using in-memory store; data is lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}

	var client *mongo.Client
	timeout := time.Duration(cfg.Mongo.ConnectTimeoutSeconds) * time.Second
	err := utils.Retry(ctx, logger, "mongodb", time.Minute, func(ctx context.Context) error {
		c, err := repository.Connect(ctx, cfg.Mongo.URI, timeout)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongodb: %w", err)
	}

	disconnect := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(ctx)
	}

	ms := repository.NewMongoStore(client.Database(cfg.Mongo.DB))
	if err := ms.EnsureIndexes(ctx); err != nil {
		disconnect()
		return nil, nil, fmt.Errorf("ensure indexes: %w", err)
	}
	logger.Info("mongodb connected", zap.String("db", cfg.Mongo.DB))
	return ms, disconnect, nil
}
