package service

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/llm"
)

const (
	defaultTier2Threshold = 0.60

	// Peso del contexto conversacional sobre lo que el utterance no cubre.
	tier2ContextBlend = 0.35
	// Peso de la similitud de embeddings cuando el escenario tiene uno.
	tier2SemanticBlend = 0.5
	// Turnos recientes del caller que se usan como contexto.
	tier2ContextTurns = 3
)

// Tier2Outcome incluye el ranking completo para que Tier-3 elija candidatos.
type Tier2Outcome struct {
	Match  *domain.MatchResult
	Ranked []ScoredCandidate
	Cost   float64
}

// Tier2Matcher puntua con BM25 sobre triggers, contexto reciente y, si hay, embeddings.
type Tier2Matcher struct {
	threshold      float64
	embedder       llm.Embedder
	embedCostPer1K float64
	logger         *zap.Logger
	now            func() time.Time
}

func NewTier2Matcher(threshold float64, embedder llm.Embedder, embedCostPer1K float64, logger *zap.Logger) *Tier2Matcher {
	if threshold <= 0 {
		threshold = defaultTier2Threshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tier2Matcher{
		threshold:      threshold,
		embedder:       embedder,
		embedCostPer1K: embedCostPer1K,
		logger:         logger,
		now:            time.Now,
	}
}

// Threshold: minConfidence del escenario si esta definido, si no el default de Tier-2.
func (m *Tier2Matcher) Threshold(sc *domain.Scenario) float64 {
	if sc.MinConfidence != nil {
		return *sc.MinConfidence
	}
	return m.threshold
}

// Match puntua los escenarios en scope. eliminated (opcional) son indices ya bloqueados en Tier-1.
func (m *Tier2Matcher) Match(ctx context.Context, pool *ScenarioPool, utterance string, tc domain.TurnContext, eliminated map[int]struct{}) Tier2Outcome {
	var out Tier2Outcome
	if pool.Size() == 0 || strings.TrimSpace(utterance) == "" {
		return out
	}

	u := newPreparedUtterance(pool, utterance)
	ctxText := contextText(tc)
	var cu *preparedUtterance
	if ctxText != "" {
		cu = newPreparedUtterance(pool, ctxText)
	}
	rawLower := strings.ToLower(utterance)
	now := m.now()

	queryVec, cost := m.embedQuery(ctx, pool, utterance)
	out.Cost = cost

	for i, sc := range pool.Scenarios {
		if _, skip := eliminated[i]; skip {
			continue
		}
		if !inScope(sc, tc, now) {
			continue
		}
		norm, prepared := u.forScenario(i)

		var (
			score   float64
			blocked bool
		)
		err := recoverScore(func() {
			if negativeMatches(sc, norm, prepared, rawLower) {
				blocked = true
				return
			}
			score = pool.index.relevance(i, queryTerms(prepared))
			if cu != nil && sc.ContextWeight > 0 {
				_, ctxPrepared := cu.forScenario(i)
				ctxScore := pool.index.relevance(i, queryTerms(ctxPrepared))
				score += tier2ContextBlend * sc.ContextWeight * ctxScore * (1 - score)
			}
			if queryVec != nil && sc.Embedding != nil {
				sim := math.Max(0, cosineSimilarity(queryVec, sc.Embedding.Slice()))
				score = (1-tier2SemanticBlend)*score + tier2SemanticBlend*sim
			}
			score = math.Min(math.Max(score, 0), 1)
		})
		if err != nil {
			tierErrorsTotal.WithLabelValues("2").Inc()
			m.logger.Warn("tier2 scenario scoring failed",
				zap.String("tenant_id", pool.TenantID),
				zap.String("utterance_hash", shortHash(utterance)),
				zap.String("tier", "2"),
				zap.String("scenario_id", sc.ScenarioID),
				zap.Error(err),
			)
			continue
		}
		if blocked || score <= 0 {
			continue
		}
		out.Ranked = append(out.Ranked, ScoredCandidate{Index: i, Scenario: sc, Score: score})
	}

	sort.SliceStable(out.Ranked, func(a, b int) bool { return better(out.Ranked[a], out.Ranked[b]) })
	if len(out.Ranked) > 0 {
		top := out.Ranked[0]
		if top.Score >= m.Threshold(top.Scenario) {
			out.Match = &domain.MatchResult{
				Scenario:   top.Scenario,
				Tier:       domain.TierScored,
				Confidence: top.Score,
				Cost:       out.Cost,
			}
		}
	}
	return out
}

// embedQuery solo llama al proveedor si algun escenario del pool tiene embedding.
func (m *Tier2Matcher) embedQuery(ctx context.Context, pool *ScenarioPool, utterance string) ([]float32, float64) {
	if m.embedder == nil {
		return nil, 0
	}
	hasEmbeddings := false
	for _, sc := range pool.Scenarios {
		if sc.Embedding != nil {
			hasEmbeddings = true
			break
		}
	}
	if !hasEmbeddings {
		return nil, 0
	}

	vec, usage, err := m.embedder.CreateEmbedding(ctx, utterance)
	if err != nil {
		m.logger.Warn("tier2 embedding failed, using lexical score only",
			zap.String("tenant_id", pool.TenantID),
			zap.String("utterance_hash", shortHash(utterance)),
			zap.String("tier", "2"),
			zap.Error(err),
		)
		return nil, 0
	}
	return vec, float64(usage.PromptTokens) / 1000 * m.embedCostPer1K
}

// contextText junta los ultimos turnos del caller.
func contextText(tc domain.TurnContext) string {
	var parts []string
	for i := len(tc.RecentTurns) - 1; i >= 0 && len(parts) < tier2ContextTurns; i-- {
		t := tc.RecentTurns[i]
		switch strings.ToLower(t.Role) {
		case "", "user", "caller", "customer":
			if s := strings.TrimSpace(t.Text); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, " ")
}
