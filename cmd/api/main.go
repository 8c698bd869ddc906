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
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"relay-chat/internal/auth"
	"relay-chat/internal/config"
	"relay-chat/internal/presence"
	"relay-chat/internal/store/postgres"
	"relay-chat/internal/ws"
	"relay-chat/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.Environment)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.Database.URL, log)
	if err != nil {
		log.Fatal("connect database", zap.Error(err))
	}
	defer pool.Close()

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatal("connect redis", zap.Error(err))
	}
	cancel()

	chatStore := postgres.NewChatStore(pool)
	messageStore := postgres.NewMessageStore(pool)
	userStore := postgres.NewUserStore(pool)

	registry := presence.NewRegistry(userStore)
	lastSeen := presence.NewLastSeenStore(redisClient, 0)

	connLog := ws.NewConnLogger(log)
	broadcaster := ws.NewBroadcaster(registry, connLog)
	dispatcher := ws.NewDispatcher(chatStore, messageStore, userStore, registry, broadcaster, connLog)
	hub := ws.NewHub(registry, lastSeen, dispatcher, connLog)

	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret)
	gatekeeper := ws.NewGatekeeper(verifier, hub, cfg.Auth.VerifyTimeout, connLog)

	if cfg.Server.Environment == logger.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ws", gatekeeper.Handle)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
}
