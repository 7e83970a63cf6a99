package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"RTProject/global"
	"RTProject/logger"
	"RTProject/service/bus"
	"RTProject/service/call"
	"RTProject/service/chat"
	"RTProject/service/directory"
	"RTProject/service/msgstore"
	"RTProject/service/presence"
	"RTProject/service/storage"
	mongo2 "RTProject/service/storage/mongo"
	"RTProject/service/storage/pg"
	redis2 "RTProject/service/storage/redis"
	"RTProject/service/userstate"

	"github.com/gin-gonic/gin"
)

// noopWriter 未配置 Postgres 时状态不落库（只记一条启动警告）。
type noopWriter struct{}

func (noopWriter) WriteStatus(context.Context, string, string, *time.Time) error { return nil }

func main() {
	cfg, err := global.Load()
	if err != nil {
		logger.Errorf("load config: %v", err)
		return
	}
	cfg.ConfigIds()
	logger.Infof("starting realtime gateway instance=%s addr=%s", cfg.InstanceID, cfg.ListenAddr)

	rdb, err := redis2.InitRedis(context.Background(), redis2.Config{
		Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB,
	})
	if err != nil {
		logger.Errorf("init redis: %v", err)
		return
	}
	defer func() { _ = redis2.CloseRedis() }()

	if err := mongo2.InitMongo(mongo2.Config{URI: cfg.MongoURI, Database: cfg.MongoDB}); err != nil {
		logger.Errorf("init mongo: %v", err)
		return
	}
	defer func() { _ = mongo2.CloseMongo(context.Background()) }()

	var writer presence.StatusWriter = noopWriter{}
	if cfg.PostgresURL != "" {
		if err := pg.InitPg(cfg.PostgresURL); err != nil {
			logger.Errorf("init postgres: %v", err)
			return
		}
		defer pg.ClosePg()
		writer = userstate.NewWriter()
	} else {
		logger.Warn("RT_POSTGRES_URL not set, durable presence persistence disabled")
	}

	store := storage.NewPresenceStore(storage.PresenceConfig{
		TTL:           cfg.PresenceTTL,
		UseClusterTag: cfg.RedisClusterTags,
	}, rdb)
	tracker := call.NewTracker(call.NewRegistry(), nil)
	persister := presence.NewStatusPersister(writer, presence.PersistConfig{MinInterval: cfg.PersistMinEvery})
	eventBus := bus.NewBus(cfg.InstanceID, rdb)

	srv := chat.NewServer(chat.ServerConf{
		InstanceID:     cfg.InstanceID,
		JWT:            cfg.JWTOptions(),
		HeartbeatEvery: cfg.HeartbeatEvery,
	}, store, tracker, directory.NewMongoDirectory(), msgstore.NewMongoStore(), persister, eventBus)
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus.Start(ctx, srv.DeliverRemote)
	defer eventBus.Stop()

	relay := bus.NewRelay(bus.RelayConfig{Servers: cfg.NatsServerList(), Name: cfg.InstanceID})
	if err := relay.Start(srv.DeliverRemote); err != nil {
		// 消息变更中继挂了不影响在线状态与通话，降级继续跑
		logger.Warnf("nats relay unavailable: %v", err)
	} else {
		defer func() { _ = relay.Close() }()
	}

	go srv.RunStatusTicker(ctx)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", srv.HandleWS)
	r.GET("/healthz", func(c *gin.Context) {
		if err := redis2.Healthy(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
