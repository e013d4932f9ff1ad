package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/llm"
)

const defaultRewriteTimeout = 1500 * time.Millisecond

// ResponseEngineConfig agrupa opciones del motor de respuestas.
type ResponseEngineConfig struct {
	// QuickPrefixInfoFAQ antepone una quick reply a la full reply de un INFO_FAQ en voz.
	QuickPrefixInfoFAQ bool
	RewriteTimeout     time.Duration
}

// ResponseEngine elige el texto literal de la respuesta segun tipo, estrategia y canal.
type ResponseEngine struct {
	client   llm.LLMClient
	cfg      ResponseEngineConfig
	logger   *zap.Logger
	randIntN func(n int) int
}

func NewResponseEngine(client llm.LLMClient, cfg ResponseEngineConfig, logger *zap.Logger) *ResponseEngine {
	if cfg.RewriteTimeout <= 0 {
		cfg.RewriteTimeout = defaultRewriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseEngine{
		client:   client,
		cfg:      cfg,
		logger:   logger,
		randIntN: rand.IntN,
	}
}

// BuildResponse resuelve el texto y el followUpMode. El followUp no se ejecuta aca:
// lo decide la maquina de estados que llama al router.
func (e *ResponseEngine) BuildResponse(ctx context.Context, sc *domain.Scenario, channel domain.Channel, tc domain.TurnContext) domain.ResponseDecision {
	if sc == nil {
		return domain.ResponseDecision{StrategyUsed: domain.ReplyStrategyAuto, FollowUpMode: domain.FollowUpNone}
	}

	strategy := e.effectiveStrategy(sc)

	var out domain.ResponseDecision
	switch strategy {
	case domain.ReplyStrategyModelWrap, domain.ReplyStrategyModelContext:
		out = e.resolve(sc, channel, domain.ReplyStrategyAuto)
		if rewritten, ok := e.rewrite(ctx, sc, out.Text, tc); ok {
			out.Text = rewritten
			out.StrategyUsed = strategy
		}
	default:
		out = e.resolve(sc, channel, strategy)
	}

	out.FollowUpMode = sc.FollowUpMode
	if out.FollowUpMode == "" {
		out.FollowUpMode = domain.FollowUpNone
	}
	if out.FollowUpMode != domain.FollowUpNone {
		out.FollowUpPrompt = e.pick(sc.FollowUpPrompts)
	}
	return out
}

// effectiveStrategy: un INFO_FAQ solo admite AUTO, FULL_ONLY o QUICK_THEN_FULL; cualquier
// otra estrategia es un error de configuracion y se degrada a la respuesta completa.
func (e *ResponseEngine) effectiveStrategy(sc *domain.Scenario) domain.ReplyStrategy {
	strategy := sc.ReplyStrategy
	if sc.ScenarioType != domain.ScenarioTypeInfoFAQ || len(sc.FullReplies) == 0 {
		return strategy
	}
	switch strategy {
	case domain.ReplyStrategyQuickOnly, domain.ReplyStrategyModelWrap, domain.ReplyStrategyModelContext:
		e.logger.Warn("INFO_FAQ scenario misconfigured, using full reply",
			zap.String("scenario_id", sc.ScenarioID),
			zap.String("template_id", sc.TemplateID),
			zap.String("reply_strategy", string(strategy)),
			zap.String("stage", "response"),
		)
		return domain.ReplyStrategyFullOnly
	}
	return strategy
}

// resolve aplica la matriz de decision. StrategyUsed es siempre el pool efectivamente usado.
func (e *ResponseEngine) resolve(sc *domain.Scenario, channel domain.Channel, strategy domain.ReplyStrategy) domain.ResponseDecision {
	hasQuick, hasFull := len(sc.QuickReplies) > 0, len(sc.FullReplies) > 0

	switch strategy {
	case domain.ReplyStrategyFullOnly:
		return e.fullElseQuick(sc)
	case domain.ReplyStrategyQuickOnly:
		return e.quickElseFull(sc)
	case domain.ReplyStrategyQuickThenFull:
		return e.quickThenFull(sc)
	}

	// AUTO
	if channel != domain.ChannelVoice {
		return e.fullElseQuick(sc)
	}
	switch sc.ScenarioType {
	case domain.ScenarioTypeInfoFAQ:
		if e.cfg.QuickPrefixInfoFAQ && hasQuick && hasFull {
			return e.quickThenFull(sc)
		}
		return e.fullElseQuick(sc)
	case domain.ScenarioTypeActionFlow:
		return e.quickThenFull(sc)
	case domain.ScenarioTypeSystemAck, domain.ScenarioTypeSmallTalk:
		return e.quickElseFull(sc)
	default:
		return e.fullElseQuick(sc)
	}
}

func (e *ResponseEngine) fullElseQuick(sc *domain.Scenario) domain.ResponseDecision {
	if len(sc.FullReplies) > 0 {
		return domain.ResponseDecision{Text: e.pick(sc.FullReplies), StrategyUsed: domain.ReplyStrategyFullOnly}
	}
	return domain.ResponseDecision{Text: e.pick(sc.QuickReplies), StrategyUsed: domain.ReplyStrategyQuickOnly}
}

func (e *ResponseEngine) quickElseFull(sc *domain.Scenario) domain.ResponseDecision {
	if len(sc.QuickReplies) > 0 {
		return domain.ResponseDecision{Text: e.pick(sc.QuickReplies), StrategyUsed: domain.ReplyStrategyQuickOnly}
	}
	return domain.ResponseDecision{Text: e.pick(sc.FullReplies), StrategyUsed: domain.ReplyStrategyFullOnly}
}

func (e *ResponseEngine) quickThenFull(sc *domain.Scenario) domain.ResponseDecision {
	if len(sc.QuickReplies) == 0 || len(sc.FullReplies) == 0 {
		return e.fullElseQuick(sc)
	}
	text := strings.TrimSpace(e.pick(sc.QuickReplies)) + " " + strings.TrimSpace(e.pick(sc.FullReplies))
	return domain.ResponseDecision{Text: text, StrategyUsed: domain.ReplyStrategyQuickThenFull}
}

// pick es seleccion aleatoria ponderada: P(v) = weight / suma de pesos.
func (e *ResponseEngine) pick(pool []domain.ReplyVariant) string {
	switch len(pool) {
	case 0:
		return ""
	case 1:
		return pool[0].Text
	}
	total := 0
	for _, v := range pool {
		total += variantWeight(v)
	}
	if total <= 0 {
		return pool[0].Text
	}
	r := e.randIntN(total)
	for _, v := range pool {
		r -= variantWeight(v)
		if r < 0 {
			return v.Text
		}
	}
	return pool[len(pool)-1].Text
}

func variantWeight(v domain.ReplyVariant) int {
	switch {
	case v.Weight <= 0:
		return domain.DefaultReplyWeight
	case v.Weight > domain.MaxReplyWeight:
		return domain.MaxReplyWeight
	}
	return v.Weight
}

// rewrite pide al modelo reformular el texto base. Ante cualquier falla se usa el base.
func (e *ResponseEngine) rewrite(ctx context.Context, sc *domain.Scenario, base string, tc domain.TurnContext) (string, bool) {
	if e.client == nil || strings.TrimSpace(base) == "" {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RewriteTimeout)
	defer cancel()

	out, err := e.client.Generate(ctx, buildRewritePrompt(sc, base, tc))
	out = strings.TrimSpace(out)
	if err != nil || out == "" {
		e.logger.Warn("reply rewrite failed, using base reply",
			zap.String("scenario_id", sc.ScenarioID),
			zap.String("stage", "response_rewrite"),
			zap.String("strategy", string(sc.ReplyStrategy)),
			zap.Error(err),
		)
		return "", false
	}
	return strings.Trim(out, "\""), true
}

func buildRewritePrompt(sc *domain.Scenario, base string, tc domain.TurnContext) string {
	var b strings.Builder
	b.WriteString("Rephrase the reply below for a phone caller. Keep every fact, time, price and name exactly as written. ")
	b.WriteString("Answer with the reply text only, one or two short sentences.\n")
	fmt.Fprintf(&b, "Reply: %q\n", base)

	if sc.ReplyStrategy != domain.ReplyStrategyModelContext {
		return b.String()
	}
	if ctxText := contextText(tc); ctxText != "" {
		fmt.Fprintf(&b, "The caller said earlier: %q\n", ctxText)
	}
	if len(tc.Slots) > 0 {
		keys := make([]string, 0, len(tc.Slots))
		for k := range tc.Slots {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Known details:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, tc.Slots[k])
		}
	}
	return b.String()
}
