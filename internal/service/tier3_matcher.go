package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/llm"
)

const (
	defaultTier3Candidates = 12
	defaultTier3Timeout    = 2500 * time.Millisecond
	tier3ReviewBelow       = 0.6
	tier3NoneID            = "NONE"
	tier3MaxExamples       = 3
)

// Resultados posibles de una invocacion de Tier-3.
const (
	Tier3OutcomeModel         = "model"
	Tier3OutcomeNoMatch       = "no_match"
	Tier3OutcomeNoCandidates  = "no_candidates"
	Tier3OutcomeTimeout       = "timeout"
	Tier3OutcomeCancelled     = "cancelled"
	Tier3OutcomeProviderError = "provider_error"
	Tier3OutcomeUnknownID     = "unknown_id"
	Tier3OutcomeRateLimited   = "rate_limited"
	Tier3OutcomeDisabled      = "disabled"
)

const tier3SystemPrompt = `You route a caller's words for a service business to exactly one scenario from a fixed list.
Answer with a single JSON object and nothing else:
{"scenario_id": "<an id from the list, or NONE if nothing fits>", "confidence": <number 0..1>, "reason": "<few words>"}
Never invent ids.`

// Tier3Config agrupa los parametros de Tier-3.
type Tier3Config struct {
	MaxCandidates       int
	Timeout             time.Duration
	PromptCostPer1K     float64
	CompletionCostPer1K float64
}

// Tier3Matcher clasifica con un LLM. Match siempre devuelve un escenario.
type Tier3Matcher struct {
	client  llm.CompletionClient
	limiter Tier3Limiter
	sink    LearningSink
	cfg     Tier3Config
	logger  *zap.Logger
	now     func() time.Time
}

func NewTier3Matcher(client llm.CompletionClient, limiter Tier3Limiter, sink LearningSink, cfg Tier3Config, logger *zap.Logger) *Tier3Matcher {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = defaultTier3Candidates
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTier3Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = discardLearningSink{}
	}
	return &Tier3Matcher{
		client:  client,
		limiter: limiter,
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

type tier3Reply struct {
	ScenarioID string  `json:"scenario_id"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Tier3Request es la entrada de Tier-3: ranking de Tier-2 y escenarios bloqueados por negativos.
type Tier3Request struct {
	Utterance string
	Context   domain.TurnContext
	Ranked    []ScoredCandidate
	Blocked   map[int]struct{}
	Deadline  time.Time
}

// Match nunca devuelve un escenario nil: si el modelo no responde se usa el mejor
// candidato de Tier-2 o el escenario de fallback del pool.
func (m *Tier3Matcher) Match(ctx context.Context, pool *ScenarioPool, req Tier3Request) domain.MatchResult {
	start := m.now()
	candidates := m.candidates(pool, req, start)

	res, outcome := m.classify(ctx, pool, req, candidates)
	if res.Scenario == nil {
		fb := m.fallback(pool, req.Ranked)
		fb.Cost = res.Cost
		res = fb
	}
	res.Tier = domain.TierModel
	res.Reason = outcome
	switch outcome {
	case Tier3OutcomeModel, Tier3OutcomeNoMatch, Tier3OutcomeNoCandidates:
	default:
		res.Degraded = true
	}
	tier3OutcomesTotal.WithLabelValues(outcome).Inc()

	latency := m.now().Sub(start)
	if res.Degraded {
		m.logger.Warn("tier3 degraded to fallback",
			zap.String("tenant_id", pool.TenantID),
			zap.String("utterance_hash", shortHash(req.Utterance)),
			zap.String("tier", "3"),
			zap.String("outcome", outcome),
			zap.String("scenario_id", res.Scenario.ScenarioID),
			zap.Duration("latency", latency),
		)
	}

	m.sink.Emit(domain.LearningRecord{
		ID:            uuid.NewString(),
		TenantID:      pool.TenantID,
		Utterance:     req.Utterance,
		UtteranceHash: UtteranceHash(req.Utterance),
		ScenarioID:    res.Scenario.ScenarioID,
		TemplateID:    res.Scenario.TemplateID,
		Confidence:    res.Confidence,
		Cost:          res.Cost,
		LatencyMs:     latency.Milliseconds(),
		Outcome:       outcome,
		NeedsReview:   outcome != Tier3OutcomeModel || res.Confidence < tier3ReviewBelow,
		CreatedAt:     start.UTC(),
	})
	return res
}

func (m *Tier3Matcher) classify(ctx context.Context, pool *ScenarioPool, req Tier3Request, candidates []*domain.Scenario) (domain.MatchResult, string) {
	if len(candidates) == 0 {
		return domain.MatchResult{Scenario: pool.Fallback}, Tier3OutcomeNoCandidates
	}
	if m.client == nil {
		return domain.MatchResult{}, Tier3OutcomeDisabled
	}
	if err := ctx.Err(); err != nil {
		return domain.MatchResult{}, ctxOutcome(err)
	}
	if m.limiter != nil && !m.limiter.Allow(pool.TenantID) {
		return domain.MatchResult{}, Tier3OutcomeRateLimited
	}

	deadline := m.now().Add(m.cfg.Timeout)
	if !req.Deadline.IsZero() && req.Deadline.Before(deadline) {
		deadline = req.Deadline
	}
	if !deadline.After(m.now()) {
		return domain.MatchResult{}, Tier3OutcomeTimeout
	}
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	completion, err := m.client.Complete(callCtx, tier3SystemPrompt, buildTier3Prompt(req, candidates))
	cost := float64(completion.Usage.PromptTokens)/1000*m.cfg.PromptCostPer1K +
		float64(completion.Usage.CompletionTokens)/1000*m.cfg.CompletionCostPer1K
	if err != nil {
		if ctxErr := callCtx.Err(); ctxErr != nil {
			// Si el turno se cancelo, el resultado tardio se descarta.
			return domain.MatchResult{Cost: cost}, ctxOutcome(ctxErr)
		}
		m.logger.Warn("tier3 provider error",
			zap.String("tenant_id", pool.TenantID),
			zap.String("utterance_hash", shortHash(req.Utterance)),
			zap.String("tier", "3"),
			zap.Error(err),
		)
		return domain.MatchResult{Cost: cost}, Tier3OutcomeProviderError
	}

	reply, err := parseTier3Reply(completion.Text)
	if err != nil {
		m.logger.Warn("tier3 reply unparseable",
			zap.String("tenant_id", pool.TenantID),
			zap.String("utterance_hash", shortHash(req.Utterance)),
			zap.String("tier", "3"),
			zap.Error(err),
		)
		return domain.MatchResult{Cost: cost}, Tier3OutcomeProviderError
	}

	confidence := clamp01(reply.Confidence)
	id := strings.TrimSpace(reply.ScenarioID)
	if id == "" || strings.EqualFold(id, tier3NoneID) || id == domain.NoMatchScenarioID {
		return domain.MatchResult{Scenario: pool.Fallback, Confidence: confidence, Cost: cost}, Tier3OutcomeNoMatch
	}
	for _, c := range candidates {
		if c.Key() == id || c.ScenarioID == id {
			return domain.MatchResult{Scenario: c, Confidence: confidence, Cost: cost}, Tier3OutcomeModel
		}
	}
	m.logger.Warn("tier3 picked an id outside the candidate list",
		zap.String("tenant_id", pool.TenantID),
		zap.String("utterance_hash", shortHash(req.Utterance)),
		zap.String("tier", "3"),
		zap.String("picked", id),
	)
	return domain.MatchResult{Cost: cost}, Tier3OutcomeUnknownID
}

// fallback: mejor candidato de Tier-2 aunque este bajo el umbral, o el escenario de fallback.
func (m *Tier3Matcher) fallback(pool *ScenarioPool, ranked []ScoredCandidate) domain.MatchResult {
	if len(ranked) > 0 {
		return domain.MatchResult{Scenario: ranked[0].Scenario, Confidence: ranked[0].Score}
	}
	fb := pool.Fallback
	if fb == nil {
		fb = NoMatchScenario("")
	}
	return domain.MatchResult{Scenario: fb}
}

// candidates arma el top-N: ranking de Tier-2 primero, completado por prioridad.
func (m *Tier3Matcher) candidates(pool *ScenarioPool, req Tier3Request, now time.Time) []*domain.Scenario {
	limit := m.cfg.MaxCandidates
	out := make([]*domain.Scenario, 0, limit)
	used := make(map[int]struct{}, limit)

	for _, c := range req.Ranked {
		if len(out) >= limit {
			return out
		}
		if _, blocked := req.Blocked[c.Index]; blocked {
			continue
		}
		out = append(out, c.Scenario)
		used[c.Index] = struct{}{}
	}

	rest := make([]int, 0, pool.Size())
	for i, sc := range pool.Scenarios {
		if _, ok := used[i]; ok {
			continue
		}
		if _, blocked := req.Blocked[i]; blocked {
			continue
		}
		if !inScope(sc, req.Context, now) {
			continue
		}
		rest = append(rest, i)
	}
	sort.SliceStable(rest, func(a, b int) bool {
		sa, sb := pool.Scenarios[rest[a]], pool.Scenarios[rest[b]]
		if sa.Priority != sb.Priority {
			return sa.Priority > sb.Priority
		}
		return sa.Ordinal < sb.Ordinal
	})
	for _, i := range rest {
		if len(out) >= limit {
			break
		}
		out = append(out, pool.Scenarios[i])
	}
	return out
}

func buildTier3Prompt(req Tier3Request, candidates []*domain.Scenario) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Caller said: %q\n", strings.TrimSpace(req.Utterance))
	if ctxText := contextText(req.Context); ctxText != "" {
		fmt.Fprintf(&b, "Earlier in the call: %q\n", ctxText)
	}
	if req.Context.Channel != "" {
		fmt.Fprintf(&b, "Channel: %s\n", req.Context.Channel)
	}
	b.WriteString("Scenarios:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id: %s | name: %s", c.Key(), c.Name)
		if c.CategoryName != "" {
			fmt.Fprintf(&b, " | category: %s", c.CategoryName)
		}
		if n := min(len(c.Triggers), tier3MaxExamples); n > 0 {
			fmt.Fprintf(&b, " | examples: %s", strings.Join(c.Triggers[:n], "; "))
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "If none of them fits, use %s.\n", tier3NoneID)
	return b.String()
}

func parseTier3Reply(raw string) (tier3Reply, error) {
	cleaned := cleanLLMJSONResponse(raw)
	obj := extractFirstJSONObject(cleaned)
	if obj == "" {
		return tier3Reply{}, errors.New("no json object in reply")
	}
	var r tier3Reply
	if err := json.Unmarshal([]byte(obj), &r); err != nil {
		return tier3Reply{}, fmt.Errorf("unmarshal tier3 reply: %w", err)
	}
	return r, nil
}

func ctxOutcome(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return Tier3OutcomeTimeout
	}
	return Tier3OutcomeCancelled
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
