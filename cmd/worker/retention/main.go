package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"kobopay/config"
	"kobopay/internal/chat"
	"kobopay/internal/database"
	"kobopay/internal/retention"
	"kobopay/pkg/cache"
	"kobopay/pkg/logger"

	"github.com/lightningnetwork/lnd/clock"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	if err := logger.Init(logger.GetEnv()); err != nil {
		panic(err)
	}
	defer logger.Sync() // Flush logs before exit

	cfg, err := config.LoadAPI()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	db, err := database.NewDB(database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DB:              cfg.Database.DB,
		SslMode:         cfg.Database.SslMode,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := cache.Init(cache.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}); err != nil {
		logger.Fatal("Failed to initialize cache", zap.Error(err))
	}
	defer cache.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.NewDefaultClock()

	nonceRepo := database.NewNonceRepository(db)
	conflictRepo := database.NewConflictRepository(db)
	conversationRepo := database.NewConversationRepository(db)
	memory := chat.NewMemory(conversationRepo, clk, cfg.Chat.MaxMessages,
		time.Duration(cfg.Chat.CacheTTLSeconds)*time.Second)

	scheduler := retention.NewScheduler(nonceRepo, memory, conflictRepo, clk, retention.Config{
		MessageRetention:  time.Duration(cfg.Chat.PruneAfterDays) * 24 * time.Hour,
		ConflictRetention: time.Duration(cfg.Retention.ResolvedConflictDays) * 24 * time.Hour,
		RunHour:           2,
	})

	logger.Info("Retention worker starting")
	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("Retention worker exited with error", zap.Error(err))
	}
	logger.Info("Retention worker stopped")
}
