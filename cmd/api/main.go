package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"kobopay/config"
	"kobopay/internal/api"
	"kobopay/internal/chat"
	"kobopay/internal/database"
	"kobopay/internal/insights"
	"kobopay/internal/llm"
	"kobopay/internal/payment"
	messages "kobopay/internal/queue"
	offsync "kobopay/internal/sync"
	"kobopay/pkg/cache"
	"kobopay/pkg/logger"
	streams "kobopay/pkg/queue"

	"github.com/lightningnetwork/lnd/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
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

	if err := db.RunMigrations(); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

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

	queue := streams.NewStreamQueue(cache.Client)
	if err := queue.DeclareStream(ctx, messages.SyncEventsStream, messages.SyncEventsGroup); err != nil {
		logger.Fatal("Failed to declare sync events stream", zap.Error(err))
	}

	clk := clock.NewDefaultClock()

	// Repositories
	accountRepo := database.NewAccountRepository(db)
	offlineRepo := database.NewOfflineTxRepository(db)
	chainRepo := database.NewChainStateRepository(db)
	nonceRepo := database.NewNonceRepository(db)
	conflictRepo := database.NewConflictRepository(db)
	ledgerRepo := database.NewLedgerRepository(db)
	conversationRepo := database.NewConversationRepository(db)
	adminRepo := database.NewAdminRepository(db)
	auditRepo := database.NewAuditRepository(db)
	statsRepo := database.NewStatsRepository(db)

	// Domain services
	payments := payment.NewService(db, accountRepo, ledgerRepo)

	syncSvc := offsync.NewService(db, accountRepo, offlineRepo, chainRepo,
		nonceRepo, conflictRepo, payments, queue, clk, offsync.Config{
			MaxAge:          time.Duration(cfg.Offline.MaxAgeDays) * 24 * time.Hour,
			FutureTolerance: time.Duration(cfg.Offline.FutureToleranceMinutes) * time.Minute,
			BatchMax:        cfg.Offline.BatchMax,
			MaxAmountKobo:   cfg.Offline.MaxAmountKobo,
			NonceRetention:  time.Duration(cfg.Nonce.RetentionDays) * 24 * time.Hour,
		})

	provider, err := llm.NewProvider(cfg.LLM.Provider, cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, nil)
	if err != nil {
		logger.Fatal("Failed to create LLM provider", zap.Error(err))
	}

	memory := chat.NewMemory(conversationRepo, clk, cfg.Chat.MaxMessages,
		time.Duration(cfg.Chat.CacheTTLSeconds)*time.Second)
	tools := chat.NewTools(accountRepo, ledgerRepo, offlineRepo, payments, syncSvc, clk)
	chatSvc := chat.NewService(memory, chat.DefaultRegistry(tools), provider)

	insightsSvc := insights.NewService(
		insights.NewCache(time.Duration(cfg.Insights.CacheDefaultTTLSeconds)*time.Second),
		insights.NewRateLimiter(cfg.Insights.RateLimitPerMinute, cfg.Insights.RateLimitPerHour, clk),
		provider, adminRepo, auditRepo, statsRepo, clk,
	)

	server := api.NewServer(api.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		AdminIPWhitelist: cfg.Insights.IPWhitelist,
	}, syncSvc, chatSvc, insightsSvc, auditRepo, clk)

	httpServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.Port,
		Handler: server.Router(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("API server starting", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Stats snapshot refresh: once at startup, then every RefreshInterval.
	// Each refresh advances the stats epoch and invalidates cached answers.
	g.Go(func() error {
		if _, err := insightsSvc.RefreshStats(ctx); err != nil {
			logger.Error("Initial stats refresh failed", zap.Error(err))
		}
		ticker := time.NewTicker(insights.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := insightsSvc.RefreshStats(ctx); err != nil {
					logger.Error("Stats refresh failed", zap.Error(err))
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
	logger.Info("Server stopped")
}
