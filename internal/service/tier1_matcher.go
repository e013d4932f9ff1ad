package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
)

const (
	defaultTier1Threshold = 0.75

	// Un match por regex pesa mas que uno por trigger plano.
	tier1RegexWeight   = 1.0
	tier1KeywordWeight = 0.9
	// Cobertura de tokens sin frase contigua: nunca llega a un match exacto.
	tier1FuzzyCeiling = 0.85
	// Tokens cortos no se comparan por distancia de edicion.
	fuzzyMinTokenLen = 5
)

// ScoredCandidate es un escenario con su score dentro de un tier.
type ScoredCandidate struct {
	Index    int
	Scenario *domain.Scenario
	Score    float64
}

// Tier1Outcome incluye los escenarios bloqueados por negative triggers para que el
// router se los pase a Tier-2.
type Tier1Outcome struct {
	Match   *domain.MatchResult
	Best    *ScoredCandidate
	Blocked map[int]struct{}
}

// Tier1Matcher hace matching lexico: sinonimos, fillers, triggers, regex y negativos.
type Tier1Matcher struct {
	threshold float64
	logger    *zap.Logger
	now       func() time.Time
}

func NewTier1Matcher(threshold float64, logger *zap.Logger) *Tier1Matcher {
	if threshold <= 0 {
		threshold = defaultTier1Threshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tier1Matcher{threshold: threshold, logger: logger, now: time.Now}
}

// Threshold devuelve el umbral efectivo de Tier-1 para un escenario.
func (m *Tier1Matcher) Threshold(sc *domain.Scenario) float64 {
	if sc.MinConfidence != nil && *sc.MinConfidence > m.threshold {
		return *sc.MinConfidence
	}
	return m.threshold
}

func (m *Tier1Matcher) Match(ctx context.Context, pool *ScenarioPool, utterance string, tc domain.TurnContext) Tier1Outcome {
	out := Tier1Outcome{Blocked: make(map[int]struct{})}
	if pool.Size() == 0 || strings.TrimSpace(utterance) == "" {
		return out
	}

	u := newPreparedUtterance(pool, utterance)
	rawLower := strings.ToLower(utterance)
	now := m.now()

	var best *ScoredCandidate
	for i, sc := range pool.Scenarios {
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
			score = lexicalScore(sc, norm, prepared, rawLower)
		})
		if err != nil {
			tierErrorsTotal.WithLabelValues("1").Inc()
			m.logger.Warn("tier1 scenario scoring failed",
				zap.String("tenant_id", pool.TenantID),
				zap.String("utterance_hash", shortHash(utterance)),
				zap.String("tier", "1"),
				zap.String("scenario_id", sc.ScenarioID),
				zap.Error(err),
			)
			continue
		}
		if blocked {
			out.Blocked[i] = struct{}{}
			continue
		}
		if score <= 0 {
			continue
		}
		cand := ScoredCandidate{Index: i, Scenario: sc, Score: score}
		if best == nil || better(cand, *best) {
			c := cand
			best = &c
		}
	}

	out.Best = best
	if best != nil && best.Score >= m.Threshold(best.Scenario) {
		out.Match = &domain.MatchResult{
			Scenario:   best.Scenario,
			Tier:       domain.TierLexical,
			Confidence: best.Score,
		}
	}
	return out
}

// better aplica el orden: score desc, priority desc, orden de declaracion asc.
func better(a, b ScoredCandidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Scenario.Priority != b.Scenario.Priority {
		return a.Scenario.Priority > b.Scenario.Priority
	}
	return a.Scenario.Ordinal < b.Scenario.Ordinal
}

// inScope filtra por canal y cooldown.
func inScope(sc *domain.Scenario, tc domain.TurnContext, now time.Time) bool {
	if !sc.AllowsChannel(tc.Channel) {
		return false
	}
	if sc.CooldownSeconds > 0 && len(tc.RecentFires) > 0 {
		last, ok := tc.RecentFires[sc.Key()]
		if !ok {
			last, ok = tc.RecentFires[sc.ScenarioID]
		}
		if ok && now.Sub(last) < time.Duration(sc.CooldownSeconds)*time.Second {
			return false
		}
	}
	return true
}

func recoverScore(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while scoring: %v", r)
		}
	}()
	fn()
	return nil
}

func negativeMatches(sc *domain.Scenario, norm, prepared, rawLower string) bool {
	for _, n := range sc.NormNegatives {
		if containsPhrase(prepared, n) || containsPhrase(norm, n) {
			return true
		}
	}
	for _, re := range sc.CompiledNegRegex {
		if re.MatchString(norm) || re.MatchString(rawLower) {
			return true
		}
	}
	return false
}

func lexicalScore(sc *domain.Scenario, norm, prepared, rawLower string) float64 {
	plain := 0.0
	tokens := strings.Fields(prepared)
	for _, t := range sc.NormTriggers {
		if containsPhrase(prepared, t) {
			plain = 1
			break
		}
		if s := tokenCoverage(strings.Fields(t), tokens) * tier1FuzzyCeiling; s > plain {
			plain = s
		}
	}

	regex := 0.0
	for _, re := range sc.CompiledRegex {
		if re.MatchString(norm) || re.MatchString(rawLower) {
			regex = 1
			break
		}
	}

	score := plain * tier1KeywordWeight
	if r := regex * tier1RegexWeight; r > score {
		score = r
	}
	return score
}

// containsPhrase busca la frase respetando limites de palabra.
func containsPhrase(text, phrase string) bool {
	if phrase == "" || text == "" {
		return false
	}
	return strings.Contains(" "+text+" ", " "+phrase+" ")
}

// tokenCoverage es la fraccion de tokens del trigger presentes (exactos o casi) en el utterance.
func tokenCoverage(trigger, utterance []string) float64 {
	if len(trigger) == 0 || len(utterance) == 0 {
		return 0
	}
	hits := 0
	for _, t := range trigger {
		for _, u := range utterance {
			if t == u || fuzzyEqual(t, u) {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(trigger))
}

func fuzzyEqual(a, b string) bool {
	if len(a) < fuzzyMinTokenLen || len(b) < fuzzyMinTokenLen {
		return false
	}
	if d := len(a) - len(b); d > 1 || d < -1 {
		return false
	}
	return levenshtein(a, b) <= 1
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
