package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort            string `env:"HTTP_PORT" envDefault:"8080"`
	DatabaseURL         string `env:"DATABASE_URL"`
	ScenarioFixturePath string `env:"SCENARIO_FIXTURE_PATH"`
	LogLevel            string `env:"LOG_LEVEL" envDefault:"info"`

	LLMAPIKey              string  `env:"LLM_API_KEY"`
	LLMBaseURL             string  `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMModel               string  `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMEmbeddingModel      string  `env:"LLM_EMBEDDING_MODEL"`
	LLMPromptCostPer1K     float64 `env:"LLM_PROMPT_COST_PER_1K" envDefault:"0.00015"`
	LLMCompletionCostPer1K float64 `env:"LLM_COMPLETION_COST_PER_1K" envDefault:"0.0006"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	PoolCacheTTL       time.Duration `env:"POOL_CACHE_TTL" envDefault:"5m"`
	DecisionCacheTTL   time.Duration `env:"DECISION_CACHE_TTL" envDefault:"60s"`
	DecisionCacheSize  int           `env:"DECISION_CACHE_MAX_ENTRIES" envDefault:"10000"`
	Tier1Threshold     float64       `env:"TIER1_THRESHOLD" envDefault:"0.75"`
	Tier2Threshold     float64       `env:"TIER2_THRESHOLD" envDefault:"0.60"`
	Tier3MaxCandidates int           `env:"TIER3_MAX_CANDIDATES" envDefault:"12"`
	Tier3Timeout       time.Duration `env:"TIER3_TIMEOUT" envDefault:"2500ms"`
	Tier3RatePerSec    float64       `env:"TIER3_RATE_PER_SEC" envDefault:"5"`
	Tier3Burst         int           `env:"TIER3_BURST" envDefault:"10"`
	Tier3QuotaPerMin   int           `env:"TIER3_TENANT_QUOTA_PER_MIN" envDefault:"0"`
	TurnBudget         time.Duration `env:"TURN_BUDGET" envDefault:"4s"`
	SafeResponseText   string        `env:"SAFE_RESPONSE_TEXT" envDefault:"I'm sorry, I didn't quite catch that. Could you say it another way?"`
	LearningBuffer     int           `env:"LEARNING_BUFFER" envDefault:"256"`
	QuickPrefixFAQ     bool          `env:"RESPONSE_QUICK_PREFIX_INFO_FAQ" envDefault:"false"`

	AdminJWTSecret string `env:"ADMIN_JWT_SECRET"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" && cfg.ScenarioFixturePath == "" {
		return nil, errors.New("config: DATABASE_URL or SCENARIO_FIXTURE_PATH is required")
	}
	return &cfg, nil
}
