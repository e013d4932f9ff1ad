package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/config"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/db"
	apihttp "github.com/chatterlinx/clientsvia-backend-sub002/internal/http"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/llm"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/repository"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	zapCfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zapCfg.Level = lvl
	}
	logger, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	var (
		store        repository.ScenarioStore
		learningRepo repository.LearningRepository
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		defer pool.Close()
		if err := db.Ping(ctx, pool); err != nil {
			logger.Warn("db ping failed", zap.Error(err))
		}
		store = repository.NewPgScenarioStore(pool)
		learningRepo = repository.NewPgLearningRepository(pool)
	} else {
		logger.Info("using yaml scenario store", zap.String("path", cfg.ScenarioFixturePath))
		store = repository.NewYAMLScenarioStore(cfg.ScenarioFixturePath)
	}

	var (
		versions    service.PoolVersionSource
		sharedQuota service.Tier3Limiter
		redisClient *redis.Client

		decisions   = service.NewMemoryDecisionCache(cfg.DecisionCacheSize)
		revocations = service.NewMemoryTokenRevocationStore()
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed, using in-process caches", zap.Error(err))
		} else {
			versions = service.NewRedisPoolVersionSource(redisClient)
			decisions = service.NewRedisDecisionCache(redisClient)
			sharedQuota = service.NewRedisTier3Quota(redisClient, time.Minute, cfg.Tier3QuotaPerMin)
			revocations = service.NewRedisTokenRevocationStore(redisClient)
		}
		cancel()
	}

	var (
		completion llm.CompletionClient
		embedder   llm.Embedder
		rewriter   llm.LLMClient
	)
	if cfg.LLMAPIKey != "" {
		client := llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMEmbeddingModel, logger)
		completion, rewriter = client, client
		if cfg.LLMEmbeddingModel != "" {
			embedder = client
		}
	} else {
		logger.Warn("llm api key not configured, tier3 disabled")
	}

	learning := service.NewAsyncLearningSink(learningRepo, cfg.LearningBuffer, logger)
	learningDone := make(chan struct{})
	go func() {
		defer close(learningDone)
		learning.Run(ctx)
	}()

	tier3Limiter := service.AllTier3Limiters(
		service.NewTenantRateLimiter(cfg.Tier3RatePerSec, cfg.Tier3Burst),
		sharedQuota,
	)
	loader := service.NewScenarioPoolLoader(store, versions, logger, service.PoolLoaderConfig{
		TTL:              cfg.PoolCacheTTL,
		SafeResponseText: cfg.SafeResponseText,
	})
	router := service.NewRouter(
		loader,
		service.NewTier1Matcher(cfg.Tier1Threshold, logger),
		service.NewTier2Matcher(cfg.Tier2Threshold, embedder, cfg.LLMPromptCostPer1K, logger),
		service.NewTier3Matcher(completion, tier3Limiter, learning, service.Tier3Config{
			MaxCandidates:       cfg.Tier3MaxCandidates,
			Timeout:             cfg.Tier3Timeout,
			PromptCostPer1K:     cfg.LLMPromptCostPer1K,
			CompletionCostPer1K: cfg.LLMCompletionCostPer1K,
		}, logger),
		service.NewResponseEngine(rewriter, service.ResponseEngineConfig{QuickPrefixInfoFAQ: cfg.QuickPrefixFAQ}, logger),
		decisions,
		service.RouterConfig{DecisionTTL: cfg.DecisionCacheTTL, TurnBudget: cfg.TurnBudget},
		logger,
	)

	adminTokens := service.NewAdminTokenService(cfg.AdminJWTSecret, time.Hour).WithRevocations(revocations)
	if !adminTokens.Enabled() {
		logger.Warn("admin jwt secret not configured, invalidate hook disabled")
	}

	routeHandler := apihttp.NewRoutingHandler(logger, router, cfg.SafeResponseText)
	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           apihttp.NewRouter(logger, routeHandler, apihttp.NewAdminHandler(logger, adminTokens)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting server", zap.String("port", cfg.HTTPPort))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
	<-learningDone
	logger.Info("server stopped")
}
