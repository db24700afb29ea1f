package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"convocore/global"
	"convocore/logger"
	"convocore/middleware"
	midsec "convocore/middleware/security"
	"convocore/module/call"
	"convocore/module/events"
	"convocore/module/identity"
	"convocore/module/ledger"
	"convocore/service/gateway"
	"convocore/service/kafka"
	"convocore/service/mgo"
	"convocore/service/natsx"
	"convocore/service/pg"
	"convocore/service/storage"
	"convocore/service/storage/redis"
	"convocore/tools/ids"
	"convocore/tools/safe"
)

func main() {
	if err := run(); err != nil {
		logger.Errorf("fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	if err := global.Load(); err != nil {
		return err
	}
	cfg := global.Config
	ids.SetNodeID(cfg.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pg.InitPg(ctx, pg.Config{URL: cfg.PostgresURL}); err != nil {
		return err
	}
	defer pg.ClosePg()
	if err := mgo.InitMongo(ctx, mgo.Config{URI: cfg.MongoURI, Database: cfg.MongoDB}); err != nil {
		return err
	}
	defer func() { _ = mgo.CloseMongo(context.Background()) }()
	if err := redis.InitRedis(redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}); err != nil {
		return err
	}
	defer func() { _ = redis.CloseRedis() }()

	nc, err := natsx.NewClient(natsx.Config{Servers: cfg.NatsServers, Name: "convocore"}, func(derr error) {
		logger.Warn("nats disconnected", zap.Error(derr))
	})
	if err != nil {
		return err
	}
	defer func() { _ = nc.Close() }()

	if err := kafka.InitKafkaClient(cfg.KafkaBrokers); err != nil {
		return err
	}
	defer func() { _ = kafka.CloseKafka() }()
	if err := kafka.InitSyncProducerFromClient(); err != nil {
		return err
	}

	// Stores and schemas.
	idStore := identity.NewPgStore(pg.GetPool())
	if err := idStore.EnsureSchema(ctx); err != nil {
		return err
	}
	callStore := call.NewPgStore(pg.GetPool())
	if err := callStore.EnsureSchema(ctx); err != nil {
		return err
	}
	msgStore := ledger.NewMongoStore(mgo.GetDB())
	if err := msgStore.EnsureIndexes(ctx); err != nil {
		return err
	}

	// Services.
	bus := events.NewBus(nc, cfg.KafkaTopic)
	resolver := identity.NewResolver(idStore, identity.NewCodeGenerator(), bus)
	stamper := ledger.NewRedisStamper(redis.GetRedis(), &ledger.MongoSegmentSource{DB: mgo.GetDB()})
	led := ledger.New(msgStore, stamper, idStore, bus)
	machine := call.NewMachine(callStore, idStore, bus)

	authOpts := midsec.DefaultOptions([]byte(cfg.JWTSecret))
	middleware.ConfigureAuth(authOpts)

	presence := storage.NewPresence(redis.GetRedis())
	gw := gateway.NewServer(fmt.Sprintf("gw-%d", cfg.NodeID), authOpts, presence, idStore)
	defer gw.Close()
	gw.BindTopic(cfg.KafkaTopic)
	safe.Go("kafka-consumer", func() {
		if cerr := kafka.StartConsumerGroup(ctx, cfg.KafkaBrokers, cfg.KafkaGroupID, []string{cfg.KafkaTopic}); cerr != nil {
			logger.Error("event consumer stopped", zap.Error(cerr))
		}
	})

	// HTTP surface.
	r := gin.New()
	r.Use(gin.Recovery())
	identity.NewHandler(resolver, idStore).Register(r)
	ledger.NewHandler(led).Register(r)
	call.NewHandler(machine).Register(r)
	gw.Register(r)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	safe.Go("http", func() {
		if serr := srv.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			logger.Errorf("http server: %v", serr)
		}
	})
	logger.Infof("convocore up on %s", cfg.HTTPAddr)

	<-ctx.Done()
	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
