package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/llm"
)

func variants(texts ...string) []domain.ReplyVariant {
	out := make([]domain.ReplyVariant, 0, len(texts))
	for _, t := range texts {
		out = append(out, domain.ReplyVariant{Text: t, Weight: domain.DefaultReplyWeight})
	}
	return out
}

func TestResponseEngineDecisionMatrix(t *testing.T) {
	quick := variants("Q")
	full := variants("F")

	cases := []struct {
		name     string
		sc       domain.Scenario
		channel  domain.Channel
		text     string
		strategy domain.ReplyStrategy
	}{
		{"faq auto voice", domain.Scenario{ScenarioType: domain.ScenarioTypeInfoFAQ, ReplyStrategy: domain.ReplyStrategyAuto, QuickReplies: quick, FullReplies: full}, domain.ChannelVoice, "F", domain.ReplyStrategyFullOnly},
		{"faq quick only degrades", domain.Scenario{ScenarioType: domain.ScenarioTypeInfoFAQ, ReplyStrategy: domain.ReplyStrategyQuickOnly, QuickReplies: quick, FullReplies: full}, domain.ChannelVoice, "F", domain.ReplyStrategyFullOnly},
		{"faq quick then full", domain.Scenario{ScenarioType: domain.ScenarioTypeInfoFAQ, ReplyStrategy: domain.ReplyStrategyQuickThenFull, QuickReplies: quick, FullReplies: full}, domain.ChannelVoice, "Q F", domain.ReplyStrategyQuickThenFull},
		{"ack prefers quick", domain.Scenario{ScenarioType: domain.ScenarioTypeSystemAck, QuickReplies: quick, FullReplies: full}, domain.ChannelVoice, "Q", domain.ReplyStrategyQuickOnly},
		{"ack falls back to full", domain.Scenario{ScenarioType: domain.ScenarioTypeSystemAck, FullReplies: full}, domain.ChannelVoice, "F", domain.ReplyStrategyFullOnly},
		{"action concatenates", domain.Scenario{ScenarioType: domain.ScenarioTypeActionFlow, QuickReplies: quick, FullReplies: full}, domain.ChannelVoice, "Q F", domain.ReplyStrategyQuickThenFull},
		{"action single pool", domain.Scenario{ScenarioType: domain.ScenarioTypeActionFlow, QuickReplies: quick}, domain.ChannelVoice, "Q", domain.ReplyStrategyQuickOnly},
		{"small talk quick", domain.Scenario{ScenarioType: domain.ScenarioTypeSmallTalk, QuickReplies: quick, FullReplies: full}, domain.ChannelVoice, "Q", domain.ReplyStrategyQuickOnly},
		{"sms prefers full", domain.Scenario{ScenarioType: domain.ScenarioTypeSmallTalk, QuickReplies: quick, FullReplies: full}, domain.ChannelSMS, "F", domain.ReplyStrategyFullOnly},
		{"chat full else quick", domain.Scenario{ScenarioType: domain.ScenarioTypeActionFlow, QuickReplies: quick}, domain.ChannelChat, "Q", domain.ReplyStrategyQuickOnly},
		{"explicit quick overrides type", domain.Scenario{ScenarioType: domain.ScenarioTypeActionFlow, ReplyStrategy: domain.ReplyStrategyQuickOnly, QuickReplies: quick, FullReplies: full}, domain.ChannelSMS, "Q", domain.ReplyStrategyQuickOnly},
		{"explicit full overrides type", domain.Scenario{ScenarioType: domain.ScenarioTypeSmallTalk, ReplyStrategy: domain.ReplyStrategyFullOnly, QuickReplies: quick, FullReplies: full}, domain.ChannelVoice, "F", domain.ReplyStrategyFullOnly},
	}

	e := NewResponseEngine(nil, ResponseEngineConfig{}, zap.NewNop())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc := tc.sc
			got := e.BuildResponse(context.Background(), &sc, tc.channel, domain.TurnContext{})
			if got.Text != tc.text || got.StrategyUsed != tc.strategy {
				t.Fatalf("got %q/%s, want %q/%s", got.Text, got.StrategyUsed, tc.text, tc.strategy)
			}
			if got.FollowUpMode != domain.FollowUpNone {
				t.Fatalf("FollowUpMode = %s", got.FollowUpMode)
			}
		})
	}
}

func TestResponseEngineInfoFAQQuickPrefix(t *testing.T) {
	sc := &domain.Scenario{ScenarioType: domain.ScenarioTypeInfoFAQ, QuickReplies: variants("Sure."), FullReplies: variants("We open at 8.")}
	e := NewResponseEngine(nil, ResponseEngineConfig{QuickPrefixInfoFAQ: true}, zap.NewNop())
	got := e.BuildResponse(context.Background(), sc, domain.ChannelVoice, domain.TurnContext{})
	if got.Text != "Sure. We open at 8." || got.StrategyUsed != domain.ReplyStrategyQuickThenFull {
		t.Fatalf("unexpected %+v", got)
	}
}

func TestResponseEngineWeightedSelection(t *testing.T) {
	sc := &domain.Scenario{
		ScenarioType: domain.ScenarioTypeInfoFAQ,
		FullReplies: []domain.ReplyVariant{
			{Text: "a", Weight: 1},
			{Text: "b", Weight: 1},
			{Text: "heavy", Weight: 8},
		},
	}
	e := NewResponseEngine(nil, ResponseEngineConfig{}, zap.NewNop())
	rng := rand.New(rand.NewPCG(7, 42))
	e.randIntN = rng.IntN

	const draws = 10000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		counts[e.BuildResponse(context.Background(), sc, domain.ChannelVoice, domain.TurnContext{}).Text]++
	}
	share := float64(counts["heavy"]) / draws
	if math.Abs(share-0.8) > 0.03 {
		t.Fatalf("heavy variant share = %.3f, want 0.80 +/- 0.03 (counts=%v)", share, counts)
	}
	if counts["a"] == 0 || counts["b"] == 0 {
		t.Fatalf("low-weight variants must still be drawn: %v", counts)
	}
}

func TestResponseEngineUniformWhenEqualWeights(t *testing.T) {
	sc := &domain.Scenario{ScenarioType: domain.ScenarioTypeSmallTalk, QuickReplies: variants("x", "y")}
	e := NewResponseEngine(nil, ResponseEngineConfig{}, zap.NewNop())
	e.randIntN = rand.New(rand.NewPCG(1, 2)).IntN

	counts := map[string]int{}
	for i := 0; i < 4000; i++ {
		counts[e.BuildResponse(context.Background(), sc, domain.ChannelVoice, domain.TurnContext{}).Text]++
	}
	if share := float64(counts["x"]) / 4000; math.Abs(share-0.5) > 0.05 {
		t.Fatalf("expected uniform split, got %v", counts)
	}
}

func TestResponseEngineFollowUp(t *testing.T) {
	sc := &domain.Scenario{
		ScenarioType:    domain.ScenarioTypeActionFlow,
		QuickReplies:    variants("Sorry to hear that."),
		FullReplies:     variants("Let's get a technician out."),
		FollowUpMode:    domain.FollowUpAskIfBook,
		FollowUpPrompts: variants("Want me to book a visit?"),
	}
	got := NewResponseEngine(nil, ResponseEngineConfig{}, zap.NewNop()).BuildResponse(context.Background(), sc, domain.ChannelVoice, domain.TurnContext{})
	if got.FollowUpMode != domain.FollowUpAskIfBook || got.FollowUpPrompt != "Want me to book a visit?" {
		t.Fatalf("unexpected follow-up %+v", got)
	}
}

func TestResponseEngineModelRewrite(t *testing.T) {
	base := &domain.Scenario{
		ScenarioType:  domain.ScenarioTypeActionFlow,
		ReplyStrategy: domain.ReplyStrategyModelContext,
		FullReplies:   variants("We open at 8."),
	}
	tc := domain.TurnContext{
		RecentTurns: []domain.Turn{{Role: "user", Text: "is saturday ok"}},
		Slots:       map[string]string{"name": "Dana"},
	}

	t.Run("rewritten", func(t *testing.T) {
		client := &llm.MockClient{Response: `"Hi Dana, we open at 8."`}
		got := NewResponseEngine(client, ResponseEngineConfig{}, zap.NewNop()).BuildResponse(context.Background(), base, domain.ChannelVoice, tc)
		if got.Text != "Hi Dana, we open at 8." || got.StrategyUsed != domain.ReplyStrategyModelContext {
			t.Fatalf("unexpected %+v", got)
		}
		if !strings.Contains(client.LastPrompt, "name: Dana") || !strings.Contains(client.LastPrompt, "is saturday ok") {
			t.Fatalf("MODEL_CONTEXT prompt must carry context: %s", client.LastPrompt)
		}
	})

	t.Run("provider failure keeps base text", func(t *testing.T) {
		client := &llm.MockClient{Err: errors.New("timeout")}
		got := NewResponseEngine(client, ResponseEngineConfig{}, zap.NewNop()).BuildResponse(context.Background(), base, domain.ChannelVoice, tc)
		if got.Text != "We open at 8." || got.StrategyUsed != domain.ReplyStrategyFullOnly {
			t.Fatalf("unexpected %+v", got)
		}
	})

	t.Run("model wrap omits context", func(t *testing.T) {
		wrap := *base
		wrap.ReplyStrategy = domain.ReplyStrategyModelWrap
		client := &llm.MockClient{Response: "We're open from 8."}
		NewResponseEngine(client, ResponseEngineConfig{}, zap.NewNop()).BuildResponse(context.Background(), &wrap, domain.ChannelVoice, tc)
		if strings.Contains(client.LastPrompt, "Dana") {
			t.Fatalf("MODEL_WRAP must not send slots: %s", client.LastPrompt)
		}
	})
}

func TestResponseEngineSentinel(t *testing.T) {
	got := NewResponseEngine(nil, ResponseEngineConfig{}, zap.NewNop()).BuildResponse(context.Background(), NoMatchScenario("Say again?"), domain.ChannelVoice, domain.TurnContext{})
	if got.Text != "Say again?" {
		t.Fatalf("unexpected sentinel text %q", got.Text)
	}
}

func TestResponseEngineOversizedWeightsDoNotPanic(t *testing.T) {
	var raw any
	if err := json.Unmarshal([]byte(`[{"text":"a","weight":5e18},{"text":"b","weight":5e18}]`), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	e := NewResponseEngine(nil, ResponseEngineConfig{}, zap.NewNop())
	cases := map[string][]domain.ReplyVariant{
		"normalized":   NormalizeReplies(raw),
		"unnormalized": {{Text: "a", Weight: math.MaxInt}, {Text: "b", Weight: math.MaxInt}},
	}
	for name, pool := range cases {
		t.Run(name, func(t *testing.T) {
			sc := &domain.Scenario{ScenarioType: domain.ScenarioTypeInfoFAQ, FullReplies: pool}
			for i := 0; i < 50; i++ {
				got := e.BuildResponse(context.Background(), sc, domain.ChannelVoice, domain.TurnContext{})
				if got.Text != "a" && got.Text != "b" {
					t.Fatalf("unexpected text %q", got.Text)
				}
			}
		})
	}
}

func TestResponseEngineInfoFAQMisconfiguredStrategies(t *testing.T) {
	for _, strategy := range []domain.ReplyStrategy{
		domain.ReplyStrategyQuickOnly,
		domain.ReplyStrategyModelWrap,
		domain.ReplyStrategyModelContext,
	} {
		t.Run(string(strategy), func(t *testing.T) {
			core, logs := observer.New(zap.WarnLevel)
			client := &llm.MockClient{Response: "rewritten"}
			sc := &domain.Scenario{
				ScenarioID:    "business-hours",
				ScenarioType:  domain.ScenarioTypeInfoFAQ,
				ReplyStrategy: strategy,
				QuickReplies:  variants("Sure."),
				FullReplies:   variants("We open at 8."),
			}
			got := NewResponseEngine(client, ResponseEngineConfig{}, zap.New(core)).BuildResponse(context.Background(), sc, domain.ChannelVoice, domain.TurnContext{})
			if got.Text != "We open at 8." || got.StrategyUsed != domain.ReplyStrategyFullOnly {
				t.Fatalf("expected full reply, got %+v", got)
			}
			if client.CallCount() != 0 {
				t.Fatalf("misconfigured INFO_FAQ must not be rewritten")
			}
			if logs.FilterMessage("INFO_FAQ scenario misconfigured, using full reply").Len() != 1 {
				t.Fatalf("expected one misconfiguration warning, got %v", logs.All())
			}
		})
	}

	for _, strategy := range []domain.ReplyStrategy{domain.ReplyStrategyFullOnly, domain.ReplyStrategyQuickThenFull, domain.ReplyStrategyAuto} {
		core, logs := observer.New(zap.WarnLevel)
		sc := &domain.Scenario{ScenarioType: domain.ScenarioTypeInfoFAQ, ReplyStrategy: strategy, QuickReplies: variants("Sure."), FullReplies: variants("We open at 8.")}
		NewResponseEngine(nil, ResponseEngineConfig{}, zap.New(core)).BuildResponse(context.Background(), sc, domain.ChannelVoice, domain.TurnContext{})
		if logs.Len() != 0 {
			t.Fatalf("%s is valid for INFO_FAQ, got warnings %v", strategy, logs.All())
		}
	}
}
