package service

import (
	"context"
	"errors"
	"math"
	"testing"

	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/llm"
)

const partialHoursUtterance = "are you guys open on saturday"

func TestTier2MatchesPartialOverlap(t *testing.T) {
	pool := testPool(t, hoursTemplate())

	// Tier-1 no alcanza el umbral con esta frase.
	if out := NewTier1Matcher(0, zap.NewNop()).Match(context.Background(), pool, partialHoursUtterance, domain.TurnContext{}); out.Match != nil {
		t.Fatalf("precondition: tier1 should not match, got %v", out.Match.Confidence)
	}

	out := NewTier2Matcher(0, nil, 0, zap.NewNop()).Match(context.Background(), pool, partialHoursUtterance, domain.TurnContext{}, nil)
	if out.Match == nil {
		t.Fatalf("expected tier2 match, ranked=%+v", out.Ranked)
	}
	if out.Match.Scenario.ScenarioID != "business-hours" || out.Match.Tier != domain.TierScored {
		t.Fatalf("unexpected match %+v", out.Match)
	}
	if out.Match.Confidence < defaultTier2Threshold || out.Match.Confidence >= 1 {
		t.Fatalf("confidence out of range: %v", out.Match.Confidence)
	}
	if len(out.Ranked) != 1 {
		t.Fatalf("expected only business-hours ranked, got %d", len(out.Ranked))
	}
}

func TestTier2NegativeTriggerPrecedence(t *testing.T) {
	pool := testPool(t, hoursTemplate())
	out := NewTier2Matcher(0, nil, 0, zap.NewNop()).Match(context.Background(), pool, "are you guys open on the holiday", domain.TurnContext{}, nil)
	if out.Match != nil {
		t.Fatalf("negative trigger must block tier2, got %s", out.Match.Scenario.ScenarioID)
	}
	for _, c := range out.Ranked {
		if c.Scenario.ScenarioID == "business-hours" {
			t.Fatalf("blocked scenario must not be ranked")
		}
	}
}

func TestTier2SkipsEliminated(t *testing.T) {
	pool := testPool(t, hoursTemplate())
	eliminated := map[int]struct{}{scenarioIndex(t, pool, "business-hours"): {}}
	out := NewTier2Matcher(0, nil, 0, zap.NewNop()).Match(context.Background(), pool, partialHoursUtterance, domain.TurnContext{}, eliminated)
	if out.Match != nil || len(out.Ranked) != 0 {
		t.Fatalf("eliminated scenario must not be scored: %+v", out.Ranked)
	}
}

func TestTier2ContextBoost(t *testing.T) {
	pool := testPool(t, hoursTemplate())
	m := NewTier2Matcher(0, nil, 0, zap.NewNop())

	without := m.Match(context.Background(), pool, "and saturday", domain.TurnContext{}, nil)
	if len(without.Ranked) != 0 {
		t.Fatalf("expected no candidates without context, got %+v", without.Ranked)
	}

	tc := domain.TurnContext{RecentTurns: []domain.Turn{
		{Role: "assistant", Text: "How can I help?"},
		{Role: "user", Text: "when are you open"},
	}}
	with := m.Match(context.Background(), pool, "and saturday", tc, nil)
	if len(with.Ranked) != 1 || with.Ranked[0].Scenario.ScenarioID != "business-hours" {
		t.Fatalf("expected context to surface business-hours, got %+v", with.Ranked)
	}
	if math.Abs(with.Ranked[0].Score-tier2ContextBlend) > 1e-9 {
		t.Fatalf("score = %v, want %v", with.Ranked[0].Score, tier2ContextBlend)
	}
	if with.Match != nil {
		t.Fatalf("context alone must not clear the threshold")
	}
}

func TestTier2PerScenarioThreshold(t *testing.T) {
	tpl := hoursTemplate()
	tpl.Categories[0].Scenarios[0].MinConfidence = ptrFloat(0.9)
	pool := testPool(t, tpl)

	out := NewTier2Matcher(0, nil, 0, zap.NewNop()).Match(context.Background(), pool, partialHoursUtterance, domain.TurnContext{}, nil)
	if out.Match != nil {
		t.Fatalf("minConfidence 0.9 must reject %v", out.Match.Confidence)
	}
	if len(out.Ranked) == 0 {
		t.Fatalf("candidate must still be ranked for tier3")
	}
}

func TestTier2EmbeddingBlend(t *testing.T) {
	in := poolInputFor(hoursTemplate())
	in.Embeddings = map[string]pgvector.Vector{
		"hvac-core/business-hours": pgvector.NewVector([]float32{1, 0, 0}),
	}
	pool := buildPool(in, zap.NewNop())

	lexical := NewTier2Matcher(0, nil, 0, zap.NewNop()).Match(context.Background(), pool, partialHoursUtterance, domain.TurnContext{}, nil)

	embedder := &llm.MockClient{Embedding: []float32{1, 0, 0}}
	blended := NewTier2Matcher(0, embedder, 0.02, zap.NewNop()).Match(context.Background(), pool, partialHoursUtterance, domain.TurnContext{}, nil)
	if embedder.EmbedCalls != 1 {
		t.Fatalf("expected one embedding call, got %d", embedder.EmbedCalls)
	}
	want := (1-tier2SemanticBlend)*lexical.Ranked[0].Score + tier2SemanticBlend
	if blended.Match == nil || math.Abs(blended.Match.Confidence-want) > 1e-9 {
		t.Fatalf("blended confidence = %+v, want %v", blended.Match, want)
	}
	if blended.Cost <= 0 || blended.Match.Cost != blended.Cost {
		t.Fatalf("embedding cost not accounted: %v", blended.Cost)
	}

	failing := &llm.MockClient{EmbedErr: errors.New("provider down")}
	degraded := NewTier2Matcher(0, failing, 0.02, zap.NewNop()).Match(context.Background(), pool, partialHoursUtterance, domain.TurnContext{}, nil)
	if degraded.Match == nil || degraded.Match.Confidence != lexical.Match.Confidence {
		t.Fatalf("embedding failure must fall back to lexical score")
	}
}

func TestTier2NoEmbeddingCallWithoutVectors(t *testing.T) {
	embedder := &llm.MockClient{Embedding: []float32{1}}
	NewTier2Matcher(0, embedder, 0, zap.NewNop()).Match(context.Background(), testPool(t, hoursTemplate()), partialHoursUtterance, domain.TurnContext{}, nil)
	if embedder.EmbedCalls != 0 {
		t.Fatalf("embedder must not be called when no scenario has a vector")
	}
}
