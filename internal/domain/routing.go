package domain

import "time"

type Tier int

const (
	TierNone    Tier = 0
	TierLexical Tier = 1
	TierScored  Tier = 2
	TierModel   Tier = 3
)

// Turn es un turno previo de la conversacion.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// TurnContext lo arma la maquina de estados conversacional que consume el router.
type TurnContext struct {
	Channel     Channel              `json:"channel"`
	RecentTurns []Turn               `json:"recent_turns,omitempty"`
	Slots       map[string]string    `json:"slots,omitempty"`
	RecentFires map[string]time.Time `json:"recent_fires,omitempty"` // scenario key -> ultimo disparo
}

// MatchResult es lo que devuelve un tier cuando acepta un escenario.
type MatchResult struct {
	Scenario   *Scenario
	Tier       Tier
	Confidence float64
	Cost       float64
	// Degraded marca un resultado de Tier-3 que no provino del modelo.
	Degraded bool
	Reason   string
}

// ResponseDecision es el resultado del motor de respuestas.
type ResponseDecision struct {
	Text           string        `json:"text"`
	StrategyUsed   ReplyStrategy `json:"strategy_used"`
	FollowUpMode   FollowUpMode  `json:"follow_up_mode"`
	FollowUpPrompt string        `json:"follow_up_prompt,omitempty"`
}

// RoutingDecision es la respuesta completa de route(); tambien es lo que se cachea.
type RoutingDecision struct {
	TenantID       string        `json:"tenant_id"`
	ScenarioID     string        `json:"scenario_id"`
	ScenarioKey    string        `json:"scenario_key"`
	ScenarioName   string        `json:"scenario_name,omitempty"`
	Tier           Tier          `json:"tier"`
	Confidence     float64       `json:"confidence"`
	Cost           float64       `json:"cost"`
	Text           string        `json:"text"`
	StrategyUsed   ReplyStrategy `json:"strategy_used"`
	FollowUpMode   FollowUpMode  `json:"follow_up_mode"`
	FollowUpPrompt string        `json:"follow_up_prompt,omitempty"`
	PoolVersion    uint64        `json:"pool_version"`
	Stale          bool          `json:"stale"`
	Cached         bool          `json:"cached"`
	Degraded       bool          `json:"degraded"`
}

// LearningRecord se emite en cada invocacion de Tier-3 para analisis offline.
type LearningRecord struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Utterance     string    `json:"utterance"`
	UtteranceHash string    `json:"utterance_hash"`
	ScenarioID    string    `json:"scenario_id"`
	TemplateID    string    `json:"template_id"`
	Confidence    float64   `json:"confidence"`
	Cost          float64   `json:"cost"`
	LatencyMs     int64     `json:"latency_ms"`
	Outcome       string    `json:"outcome"`
	NeedsReview   bool      `json:"needs_review"`
	CreatedAt     time.Time `json:"created_at"`
}
