package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/config"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/db"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/llm"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/repository"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/service"
)

var (
	fixturePath string
	quiet       bool
)

var rootCmd = &cobra.Command{
	Use:   "route_cli",
	Short: "Operator tool for the scenario routing engine",
	Long: `route_cli routes utterances against a tenant's scenario pool, inspects
the effective pool (including excluded scenarios) and mints admin tokens
for the invalidate hook.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&fixturePath, "fixture", "", "YAML scenario store (overrides SCENARIO_FIXTURE_PATH)")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "disable engine logging")
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// engine agrupa lo que necesitan los subcomandos; close libera conexiones.
type engine struct {
	cfg      *config.Config
	logger   *zap.Logger
	loader   *service.ScenarioPoolLoader
	router   *service.Router
	learning *service.AsyncLearningSink
	close    func()
}

func loadConfig() (*config.Config, error) {
	if fixturePath != "" {
		if err := os.Setenv("SCENARIO_FIXTURE_PATH", fixturePath); err != nil {
			return nil, err
		}
		// Con --fixture explicito no se toca Postgres.
		if err := os.Setenv("DATABASE_URL", ""); err != nil {
			return nil, err
		}
	}
	return config.LoadConfig()
}

func newEngine(ctx context.Context) (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := zap.NewNop()
	if !quiet {
		logger = zap.NewExample()
	}

	var (
		store repository.ScenarioStore
		pool  *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		store = repository.NewPgScenarioStore(pool)
	} else {
		store = repository.NewYAMLScenarioStore(cfg.ScenarioFixturePath)
	}

	var completion llm.CompletionClient
	if cfg.LLMAPIKey != "" {
		completion = llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, "", logger)
	}

	// Sin repo los learning records solo se loguean.
	learning := service.NewAsyncLearningSink(nil, cfg.LearningBuffer, logger)
	loader := service.NewScenarioPoolLoader(store, nil, logger, service.PoolLoaderConfig{
		TTL:              cfg.PoolCacheTTL,
		SafeResponseText: cfg.SafeResponseText,
	})
	router := service.NewRouter(
		loader,
		service.NewTier1Matcher(cfg.Tier1Threshold, logger),
		service.NewTier2Matcher(cfg.Tier2Threshold, nil, 0, logger),
		service.NewTier3Matcher(completion, nil, learning, service.Tier3Config{
			MaxCandidates:       cfg.Tier3MaxCandidates,
			Timeout:             cfg.Tier3Timeout,
			PromptCostPer1K:     cfg.LLMPromptCostPer1K,
			CompletionCostPer1K: cfg.LLMCompletionCostPer1K,
		}, logger),
		service.NewResponseEngine(completion, service.ResponseEngineConfig{QuickPrefixInfoFAQ: cfg.QuickPrefixFAQ}, logger),
		nil,
		service.RouterConfig{TurnBudget: cfg.TurnBudget},
		logger,
	)

	return &engine{
		cfg:      cfg,
		logger:   logger,
		loader:   loader,
		router:   router,
		learning: learning,
		close: func() {
			if pool != nil {
				pool.Close()
			}
			_ = logger.Sync()
		},
	}, nil
}
