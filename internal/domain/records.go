package domain

import "time"

// Los records reflejan los documentos tal como estan guardados en el store.
// Pueden venir con campos legacy o faltantes; el loader los normaliza a Scenario.

type TemplateRef struct {
	TemplateID string `json:"templateId" yaml:"templateId"`
	Priority   int    `json:"priority" yaml:"priority"`
	Enabled    *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

type CompanyRecord struct {
	TenantID           string        `json:"tenantId" yaml:"tenantId"`
	Name               string        `json:"name,omitempty" yaml:"name,omitempty"`
	TemplateReferences []TemplateRef `json:"templateReferences,omitempty" yaml:"templateReferences,omitempty"`
	LegacyTemplateIDs  []string      `json:"templateIds,omitempty" yaml:"templateIds,omitempty"` // legacy
	LegacyTemplateID   string        `json:"templateId,omitempty" yaml:"templateId,omitempty"`   // legacy
	FallbackScenarioID string        `json:"fallbackScenarioId,omitempty" yaml:"fallbackScenarioId,omitempty"`
	UpdatedAt          time.Time     `json:"updatedAt" yaml:"updatedAt"`
}

type TemplateRecord struct {
	TemplateID  string              `json:"templateId" yaml:"templateId"`
	Name        string              `json:"name" yaml:"name"`
	Version     int                 `json:"version" yaml:"version"`
	FillerWords []string            `json:"fillerWords,omitempty" yaml:"fillerWords,omitempty"`
	SynonymMap  map[string][]string `json:"synonymMap,omitempty" yaml:"synonymMap,omitempty"`
	Categories  []CategoryRecord    `json:"categories" yaml:"categories"`
	UpdatedAt   time.Time           `json:"updatedAt" yaml:"updatedAt"`
}

type CategoryRecord struct {
	CategoryID            string              `json:"categoryId" yaml:"categoryId"`
	Name                  string              `json:"name" yaml:"name"`
	AdditionalFillerWords []string            `json:"additionalFillerWords,omitempty" yaml:"additionalFillerWords,omitempty"`
	SynonymMap            map[string][]string `json:"synonymMap,omitempty" yaml:"synonymMap,omitempty"`
	Scenarios             []ScenarioRecord    `json:"scenarios" yaml:"scenarios"`
}

// ScenarioRecord acepta los campos de respuesta como `any`: lista de strings (legacy)
// o lista de objetos {text, weight}.
type ScenarioRecord struct {
	ScenarioID       string   `json:"scenarioId" yaml:"scenarioId"`
	LegacyID         string   `json:"id,omitempty" yaml:"id,omitempty"`
	Name             string   `json:"name" yaml:"name"`
	Status           string   `json:"status,omitempty" yaml:"status,omitempty"`
	IsActive         *bool    `json:"isActive,omitempty" yaml:"isActive,omitempty"`
	Priority         int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	MinConfidence    *float64 `json:"minConfidence,omitempty" yaml:"minConfidence,omitempty"`
	ContextWeight    *float64 `json:"contextWeight,omitempty" yaml:"contextWeight,omitempty"`
	Triggers         []string `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	RegexTriggers    []string `json:"regexTriggers,omitempty" yaml:"regexTriggers,omitempty"`
	NegativeTriggers []string `json:"negativeTriggers,omitempty" yaml:"negativeTriggers,omitempty"`
	ScenarioType     string   `json:"scenarioType,omitempty" yaml:"scenarioType,omitempty"`
	ReplyStrategy    string   `json:"replyStrategy,omitempty" yaml:"replyStrategy,omitempty"`
	QuickReplies     any      `json:"quickReplies,omitempty" yaml:"quickReplies,omitempty"`
	FullReplies      any      `json:"fullReplies,omitempty" yaml:"fullReplies,omitempty"`
	LegacyReplies    any      `json:"replies,omitempty" yaml:"replies,omitempty"`
	FollowUpPrompts  any      `json:"followUpPrompts,omitempty" yaml:"followUpPrompts,omitempty"`
	FollowUpMode     string   `json:"followUpMode,omitempty" yaml:"followUpMode,omitempty"`
	Channel          string   `json:"channel,omitempty" yaml:"channel,omitempty"`
	CooldownSeconds  int      `json:"cooldownSeconds,omitempty" yaml:"cooldownSeconds,omitempty"`
}

// ScenarioOverride habilita o deshabilita un escenario para un tenant.
type ScenarioOverride struct {
	TenantID   string    `json:"tenantId" yaml:"tenantId"`
	TemplateID string    `json:"templateId" yaml:"templateId"`
	ScenarioID string    `json:"scenarioId" yaml:"scenarioId"`
	IsEnabled  bool      `json:"isEnabled" yaml:"isEnabled"`
	UpdatedBy  string    `json:"updatedBy,omitempty" yaml:"updatedBy,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// OverrideKey arma la clave (templateId, scenarioId) del override.
func OverrideKey(templateID, scenarioID string) string {
	return templateID + "/" + scenarioID
}
