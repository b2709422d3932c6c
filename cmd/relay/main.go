package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"zychat-core/internal/config"
	"zychat-core/internal/relay"
	"zychat-core/internal/signal"
	"zychat-core/pkg/logger"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Server.JWTSecret == "" {
		log.Fatalf("JWT_SECRET is required")
	}

	zlog := logger.New(cfg.Server.Environment)
	defer func() { _ = zlog.Logger.Sync() }()

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	channel := signal.NewRedisChannel(redisClient, zlog)
	verifier := relay.NewTokenVerifier(cfg.Server.JWTSecret)
	handler := relay.NewHandler(verifier, channel, zlog)

	if cfg.Server.Environment == logger.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	handler.Register(r)

	zlog.Infof("Starting signaling relay on port %s", cfg.Server.Port)
	if err := r.Run(fmt.Sprintf(":%s", cfg.Server.Port)); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
