package domain

import (
	"regexp"

	pgvector "github.com/pgvector/pgvector-go"
)

type ScenarioStatus string

const (
	ScenarioStatusDraft    ScenarioStatus = "draft"
	ScenarioStatusLive     ScenarioStatus = "live"
	ScenarioStatusArchived ScenarioStatus = "archived"
)

type ScenarioType string

const (
	ScenarioTypeInfoFAQ    ScenarioType = "INFO_FAQ"
	ScenarioTypeActionFlow ScenarioType = "ACTION_FLOW"
	ScenarioTypeSystemAck  ScenarioType = "SYSTEM_ACK"
	ScenarioTypeSmallTalk  ScenarioType = "SMALL_TALK"
)

type ReplyStrategy string

const (
	ReplyStrategyAuto          ReplyStrategy = "AUTO"
	ReplyStrategyFullOnly      ReplyStrategy = "FULL_ONLY"
	ReplyStrategyQuickOnly     ReplyStrategy = "QUICK_ONLY"
	ReplyStrategyQuickThenFull ReplyStrategy = "QUICK_THEN_FULL"
	ReplyStrategyModelWrap     ReplyStrategy = "MODEL_WRAP"
	ReplyStrategyModelContext  ReplyStrategy = "MODEL_CONTEXT"
)

type FollowUpMode string

const (
	FollowUpNone        FollowUpMode = "NONE"
	FollowUpAskQuestion FollowUpMode = "ASK_FOLLOWUP_QUESTION"
	FollowUpAskIfBook   FollowUpMode = "ASK_IF_BOOK"
	FollowUpTransfer    FollowUpMode = "TRANSFER"
)

type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelSMS   Channel = "sms"
	ChannelChat  Channel = "chat"
	ChannelAny   Channel = "any"
)

// DefaultReplyWeight es el peso que reciben las variantes sin peso explicito.
const DefaultReplyWeight = 3

// MaxReplyWeight acota los pesos para que la suma de un pool no desborde int.
const MaxReplyWeight = 1_000_000

// NoMatchScenarioID identifica el escenario sintetico "ningun escenario aplica".
const NoMatchScenarioID = "__no_scenario_fits__"

// ReplyVariant es la forma canonica de una respuesta dentro de un pool.
type ReplyVariant struct {
	Text   string `json:"text" yaml:"text"`
	Weight int    `json:"weight" yaml:"weight"`
}

// Scenario es la unidad de matching ya normalizada, lista para el pool.
type Scenario struct {
	ScenarioID    string         `json:"scenario_id"`
	Name          string         `json:"name"`
	TemplateID    string         `json:"template_id"`
	CategoryID    string         `json:"category_id"`
	CategoryName  string         `json:"category_name"`
	Status        ScenarioStatus `json:"status"`
	IsActive      bool           `json:"is_active"`
	Priority      int            `json:"priority"`
	MinConfidence *float64       `json:"min_confidence,omitempty"`
	ContextWeight float64        `json:"context_weight"`

	Triggers         []string `json:"triggers"`
	RegexTriggers    []string `json:"regex_triggers,omitempty"`
	NegativeTriggers []string `json:"negative_triggers,omitempty"`

	ScenarioType    ScenarioType   `json:"scenario_type"`
	ReplyStrategy   ReplyStrategy  `json:"reply_strategy"`
	QuickReplies    []ReplyVariant `json:"quick_replies,omitempty"`
	FullReplies     []ReplyVariant `json:"full_replies,omitempty"`
	FollowUpPrompts []ReplyVariant `json:"follow_up_prompts,omitempty"`
	FollowUpMode    FollowUpMode   `json:"follow_up_mode"`
	Channel         Channel        `json:"channel"`
	CooldownSeconds int            `json:"cooldown_seconds,omitempty"`

	// Ordinal es el orden de declaracion template/categoria/escenario dentro del pool.
	Ordinal int `json:"ordinal"`

	Embedding *pgvector.Vector `json:"-"`

	// Compilados en el build del pool; nunca se modifican despues.
	CompiledRegex    []*regexp.Regexp `json:"-"`
	CompiledNegRegex []*regexp.Regexp `json:"-"`
	NormTriggers     []string         `json:"-"`
	NormNegatives    []string         `json:"-"`
}

// IsSentinel indica si el escenario es el "no match" sintetico.
func (s *Scenario) IsSentinel() bool {
	return s != nil && s.ScenarioID == NoMatchScenarioID
}

// AllowsChannel indica si el escenario puede usarse en el canal dado.
func (s *Scenario) AllowsChannel(ch Channel) bool {
	if s.Channel == "" || s.Channel == ChannelAny || ch == "" || ch == ChannelAny {
		return true
	}
	return s.Channel == ch
}

// Key identifica al escenario dentro del tenant (scenarioId es unico solo por template).
func (s *Scenario) Key() string {
	return s.TemplateID + "/" + s.ScenarioID
}
